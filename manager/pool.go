package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/credentials"
	"github.com/merosskit/meross/device"
)

// Broker session tuning.
const (
	brokerConnectTimeout   = 30 * time.Second
	brokerKeepAlive        = 30 * time.Second
	brokerReconnectBackoff = 5 * time.Second
	brokerQoS              = 1
)

// connectionPool maintains one broker session per MQTT domain. Devices
// are spread across regional brokers, so the pool dials each domain
// lazily and serialises concurrent dials to the same domain behind an
// in-flight future.
type connectionPool struct {
	session    *credentials.Session
	correlator *Correlator
	stats      *Stats

	// push delivers inbound PUSH envelopes keyed by originating device
	// uuid; connectivity changes fan out per domain.
	push         func(deviceUUID string, msg *common.Message)
	onConnect    func(domain string)
	onDisconnect func(domain string, err error)

	logger logrus.FieldLogger

	mu    sync.Mutex
	conns map[string]*brokerConn
}

type brokerConn struct {
	domain string
	client mqtt.Client

	once  sync.Once
	ready chan struct{}
	err   error
}

func newConnectionPool(session *credentials.Session, correlator *Correlator, stats *Stats, logger logrus.FieldLogger) *connectionPool {
	return &connectionPool{
		session:    session,
		correlator: correlator,
		stats:      stats,
		logger:     logger,
		conns:      make(map[string]*brokerConn),
	}
}

// Connect ensures a subscribed session to the given broker domain,
// waiting for an in-flight dial when one exists.
func (p *connectionPool) Connect(ctx context.Context, host string, port int) error {
	domain := fmt.Sprintf("%s:%d", host, port)
	p.mu.Lock()
	bc, ok := p.conns[domain]
	if !ok {
		bc = &brokerConn{domain: domain, ready: make(chan struct{})}
		p.conns[domain] = bc
		go p.dial(bc, host, port)
	}
	p.mu.Unlock()

	select {
	case <-bc.ready:
		if bc.err != nil {
			p.mu.Lock()
			if p.conns[domain] == bc {
				delete(p.conns, domain)
			}
			p.mu.Unlock()
		}
		return bc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *connectionPool) dial(bc *brokerConn, host string, port int) {
	log := p.logger.WithField("broker", bc.domain)

	o := mqtt.NewClientOptions()
	o.AddBroker(fmt.Sprintf("ssl://%s:%d", host, port))
	o.SetClientID(p.session.ClientID())
	o.SetUsername(p.session.UserID)
	o.SetPassword(p.session.BrokerPassword())
	o.SetTLSConfig(common.NewTLSConfig(host))
	o.SetKeepAlive(brokerKeepAlive)
	o.SetConnectTimeout(brokerConnectTimeout)
	o.SetAutoReconnect(true)
	o.SetMaxReconnectInterval(brokerReconnectBackoff)
	o.SetOnConnectHandler(func(c mqtt.Client) {
		// runs on every (re)connect, restoring subscriptions
		if err := p.subscribe(c); err != nil {
			log.WithError(err).Error("broker subscribe failed")
			bc.resolve(&common.MqttError{Reason: "subscribe", Err: err})
			return
		}
		log.Debug("broker session established")
		bc.resolve(nil)
		if p.onConnect != nil {
			p.onConnect(bc.domain)
		}
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("broker connection lost")
		if p.onDisconnect != nil {
			p.onDisconnect(bc.domain, err)
		}
	})

	c := mqtt.NewClient(o)
	bc.client = c
	t := c.Connect()
	if !t.WaitTimeout(brokerConnectTimeout) {
		bc.resolve(&common.NetworkTimeoutError{Address: bc.domain, Timeout: brokerConnectTimeout})
		return
	}
	if err := t.Error(); err != nil {
		bc.resolve(&common.MqttError{Reason: "connect", Err: err})
	}
	// success resolves in the OnConnect handler, after subscriptions
}

func (bc *brokerConn) resolve(err error) {
	bc.once.Do(func() {
		bc.err = err
		close(bc.ready)
	})
}

// subscribe attaches the per-app ack topic and the per-user push topic.
func (p *connectionPool) subscribe(c mqtt.Client) error {
	for _, topic := range []string{p.session.ResponseTopic(), p.session.UserTopic()} {
		t := c.Subscribe(topic, brokerQoS, p.handleMessage)
		if t.Wait(); t.Error() != nil {
			return t.Error()
		}
	}
	return nil
}

// handleMessage is the single inbound path for everything the brokers
// deliver: acks resolve pending calls, pushes go to the device layer.
func (p *connectionPool) handleMessage(_ mqtt.Client, m mqtt.Message) {
	msg, err := common.ParseMessage(m.Payload())
	if err != nil {
		p.logger.WithError(err).Debug("dropping unparseable broker message")
		return
	}
	if !msg.VerifySignature(p.session.Key) {
		p.logger.WithField("messageId", msg.Header.MessageID).Warn("dropping message with bad signature")
		return
	}
	p.route(msg)
}

func (p *connectionPool) route(msg *common.Message) {
	switch {
	case msg.Header.Method.IsAck():
		if !p.correlator.Complete(msg.Header.MessageID, msg.Payload) {
			p.logger.WithField("messageId", msg.Header.MessageID).Debug("late or unsolicited ack")
		}
	case msg.Header.Method == common.MethodError:
		if !p.correlator.Fail(msg.Header.MessageID, &common.CommandError{
			DeviceUUID: msg.Header.DeviceUUID(),
			Payload:    msg.Payload,
		}) {
			p.logger.WithField("messageId", msg.Header.MessageID).Debug("late error reply")
		}
	default:
		// a reply matching a pending call by id but carrying neither an
		// ack nor an ERROR method fails the call right away instead of
		// stranding it until the timeout fires
		if p.correlator.Fail(msg.Header.MessageID, &common.MqttError{
			Reason: fmt.Sprintf("unexpected reply method %s", msg.Header.Method),
		}) {
			return
		}
		if msg.Header.Method == common.MethodPush {
			uuid := msg.Header.DeviceUUID()
			if uuid == "" {
				p.logger.WithField("from", msg.Header.From).Debug("push without device origin")
				return
			}
			if p.push != nil {
				p.push(uuid, msg)
			}
			return
		}
		p.logger.WithFields(logrus.Fields{
			"method":    msg.Header.Method,
			"namespace": msg.Header.Namespace,
		}).Debug("unexpected broker message method")
	}
}

// Publish sends the envelope to the device's command topic over the
// broker serving the device's domain.
func (p *connectionPool) Publish(ctx context.Context, d *device.Device, msg *common.Message) error {
	host, port := d.BrokerAddress()
	domain := fmt.Sprintf("%s:%d", host, port)

	p.mu.Lock()
	bc, ok := p.conns[domain]
	p.mu.Unlock()
	if !ok || bc.client == nil {
		return common.ErrUnconnected
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	started := time.Now()
	t := bc.client.Publish(common.DeviceTopic(targetUUID(d)), brokerQoS, false, body)
	select {
	case <-t.Done():
	case <-ctx.Done():
		p.record(d, msg, 0, started)
		return ctx.Err()
	}
	if err := t.Error(); err != nil {
		p.record(d, msg, 0, started)
		return &common.MqttError{Reason: "publish", Err: err}
	}
	p.record(d, msg, 200, started)
	return nil
}

func (p *connectionPool) record(d *device.Device, msg *common.Message, status int, started time.Time) {
	p.stats.Record(Sample{
		Timestamp:  started,
		DeviceUUID: d.UUID(),
		Transport:  TransportMQTT,
		Namespace:  msg.Header.Namespace,
		Method:     string(msg.Header.Method),
		Status:     status,
		RTT:        time.Since(started),
	})
}

// Domains returns the currently dialled broker domains.
func (p *connectionPool) Domains() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.conns))
	for domain := range p.conns {
		out = append(out, domain)
	}
	return out
}

// Close tears down every broker session.
func (p *connectionPool) Close() {
	p.mu.Lock()
	conns := make([]*brokerConn, 0, len(p.conns))
	for _, bc := range p.conns {
		conns = append(conns, bc)
	}
	p.conns = make(map[string]*brokerConn)
	p.mu.Unlock()

	for _, bc := range conns {
		if bc.client != nil && bc.client.IsConnectionOpen() {
			bc.client.Disconnect(250)
		}
	}
}
