// Package manager orchestrates the Meross cloud session: broker
// connections, device enrollment, command transport and throttling.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/credentials"
	"github.com/merosskit/meross/device"
	"github.com/merosskit/meross/httpapi"
)

// abilityQueryTimeout bounds the enrollment-time ability fetch.
const abilityQueryTimeout = 10 * time.Second

// hubRefreshDelay defers the first hub state refresh so subdevice
// statuses are not requested mid-enrollment.
const hubRefreshDelay = 2 * time.Second

// Manager owns the account session: it enrolls devices from the HTTP
// device list, maintains one broker connection per MQTT domain and
// implements the device transport with queueing, correlation and
// LAN/broker arbitration.
type Manager struct {
	api    httpapi.Client
	logger logrus.FieldLogger

	mode                TransportMode
	timeout             time.Duration
	autoRetryBadDomain  bool
	batchSize           int
	batchDelay          time.Duration
	throttle            bool
	onDeviceInitialized func(*device.Device)

	registry   *Registry
	correlator *Correlator
	queue      *RequestQueue
	budget     *ErrorBudget
	stats      *Stats

	mu      sync.Mutex
	session *credentials.Session
	pool    brokerPool
	lan     *lanSender
	arb     *arbiter
	closed  bool
	timers  []*time.Timer
}

var _ device.Transport = (*Manager)(nil)

// brokerPool is the broker surface the manager drives, satisfied by
// connectionPool and swappable for enrollment tests.
type brokerPool interface {
	Connect(ctx context.Context, host string, port int) error
	Publish(ctx context.Context, d *device.Device, msg *common.Message) error
	Close()
}

var _ brokerPool = (*connectionPool)(nil)

// New builds a manager around an HTTP API client. The client may
// already be authenticated; otherwise log in before calling Connect.
func New(api httpapi.Client, opts ...Option) (*Manager, error) {
	if api == nil {
		return nil, errors.New("an http api client is required")
	}
	m := &Manager{
		api:        api,
		logger:     common.NewLoggerFromEnv("manager", "MEROSS_LOG_LEVEL"),
		timeout:    DefaultTimeout,
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		throttle:   true,
		registry:   NewRegistry(),
		correlator: NewCorrelator(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.budget == nil {
		m.budget = NewErrorBudget(DefaultMaxErrors, DefaultErrorBudgetWindow)
	}
	if m.stats == nil {
		m.stats = NewStats(false, 0)
	}
	m.queue = NewRequestQueue(m.batchSize, m.batchDelay, m.throttle, m.logger)
	return m, nil
}

// Connect enrolls every online device of the account: one broker
// session per MQTT domain, ability discovery per device, hub children
// built after their hubs.
func (m *Manager) Connect(ctx context.Context) error {
	sess := m.api.Credentials()
	if sess == nil {
		return common.ErrNotLoggedIn
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return common.ErrUnconnected
	}
	m.session = sess
	if m.pool == nil {
		pool := newConnectionPool(sess, m.correlator, m.stats, m.logger)
		pool.push = m.handlePush
		pool.onConnect = m.handleBrokerConnect
		pool.onDisconnect = m.handleBrokerDisconnect
		m.pool = pool
	}
	if m.arb == nil {
		m.lan = newLANSender(sess.Key, m.stats, m.deliverInbound, m.logger)
		m.arb = &arbiter{
			mode:    m.mode,
			timeout: m.timeout,
			budget:  m.budget,
			lan:     m.lan.send,
			mqtt:    m.pool.Publish,
			logger:  m.logger,
		}
	}
	m.mu.Unlock()

	records, err := m.listDevices(ctx)
	if err != nil {
		return err
	}

	online := records[:0]
	for _, rec := range records {
		if rec.OnlineStatus == int(device.StatusOnline) {
			online = append(online, rec)
		}
	}
	m.logger.WithFields(logrus.Fields{
		"devices": len(records),
		"online":  len(online),
	}).Info("device list fetched")

	if err := m.connectDomains(ctx, online); err != nil {
		return err
	}

	hubs := m.enrollDevices(ctx, online)
	m.enrollSubdevices(ctx, hubs)
	return nil
}

// listDevices fetches the account device list, retrying once against
// the reported domains on a bad-domain error when configured.
func (m *Manager) listDevices(ctx context.Context) ([]httpapi.DeviceRecord, error) {
	records, err := m.api.GetDevices(ctx)
	var bde *httpapi.BadDomainError
	if err != nil && m.autoRetryBadDomain && errors.As(err, &bde) {
		m.logger.WithFields(logrus.Fields{
			"apiDomain":  bde.APIDomain,
			"mqttDomain": bde.MQTTDomain,
		}).Warn("redirected to regional domain, retrying")
		if repointer, ok := m.api.(interface{ SetDomain(string) }); ok && bde.APIDomain != "" {
			repointer.SetDomain(bde.APIDomain)
		}
		if bde.MQTTDomain != "" {
			m.session.MQTTDomain = bde.MQTTDomain
		}
		records, err = m.api.GetDevices(ctx)
	}
	return records, err
}

// connectDomains dials every broker domain the online devices live on.
func (m *Manager) connectDomains(ctx context.Context, records []httpapi.DeviceRecord) error {
	type domain struct {
		host string
		port int
	}
	domains := make(map[domain]struct{})
	for _, rec := range records {
		host, port := rec.BrokerAddress()
		domains[domain{host, port}] = struct{}{}
	}

	g, ctx := errgroup.WithContext(ctx)
	for dom := range domains {
		dom := dom
		g.Go(func() error {
			return m.pool.Connect(ctx, dom.host, dom.port)
		})
	}
	return g.Wait()
}

// enrollDevices discovers abilities and registers each device,
// skipping devices whose ability query fails. It returns the hubs for
// deferred subdevice construction.
func (m *Manager) enrollDevices(ctx context.Context, records []httpapi.DeviceRecord) []*device.Device {
	var (
		mu   sync.Mutex
		hubs []*device.Device
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			d := device.New(rec, m, m.logger)
			abilities, err := m.queryAbilities(ctx, d)
			if err != nil {
				m.logger.WithFields(logrus.Fields{
					"device": rec.UUID,
					"error":  err,
				}).Warn("ability query failed, skipping device")
				return nil
			}
			d.SetAbilities(abilities)
			m.registry.Register(d)
			if d.Kind() == device.KindHub {
				mu.Lock()
				hubs = append(hubs, d)
				mu.Unlock()
			}
			m.notifyInitialized(d)
			return nil
		})
	}
	g.Wait() // individual failures are skipped, never returned
	return hubs
}

// queryAbilities fetches Appliance.System.Ability for a device.
func (m *Manager) queryAbilities(ctx context.Context, d *device.Device) (map[string]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, abilityQueryTimeout)
	defer cancel()
	payload, err := m.PublishMessage(ctx, d, common.MethodGet, common.NamespaceSystemAbility, nil)
	if err != nil {
		return nil, err
	}
	var v struct {
		Ability map[string]json.RawMessage `json:"ability"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, &common.ParseError{Reason: "ability payload", Err: err}
	}
	return v.Ability, nil
}

// enrollSubdevices builds hub children after every hub is enrolled.
// Per-hub failures are logged, never fatal.
func (m *Manager) enrollSubdevices(ctx context.Context, hubs []*device.Device) {
	for _, hub := range hubs {
		recs, err := m.api.GetSubDevices(ctx, hub.UUID())
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"hub":   hub.UUID(),
				"error": err,
			}).Warn("subdevice list failed")
			continue
		}
		for _, rec := range recs {
			sub := device.NewSubdevice(hub, rec, m.logger)
			hub.AddSubdevice(sub)
			m.registry.Register(sub)
			m.notifyInitialized(sub)
		}
		if len(recs) > 0 {
			m.scheduleHubRefresh(hub)
		}
	}
}

// scheduleHubRefresh populates subdevice statuses shortly after
// enrollment; an immediate refresh tends to race the broker session.
func (m *Manager) scheduleHubRefresh(hub *device.Device) {
	t := time.AfterFunc(hubRefreshDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := hub.RefreshState(ctx); err != nil {
			m.logger.WithFields(logrus.Fields{
				"hub":   hub.UUID(),
				"error": err,
			}).Warn("hub refresh failed")
		}
	})
	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
}

func (m *Manager) notifyInitialized(d *device.Device) {
	if m.onDeviceInitialized != nil {
		m.onDeviceInitialized(d)
	}
}

// targetUUID is the physical appliance a command addresses; subdevice
// traffic goes through the hub.
func targetUUID(d *device.Device) string {
	if d.Kind() == device.KindSubdevice {
		return d.HubUUID()
	}
	return d.UUID()
}

// PublishMessage implements the device transport: encode, register the
// pending reply, dispatch through the per-device queue and the
// transport arbiter, then await the correlated reply.
func (m *Manager) PublishMessage(ctx context.Context, d *device.Device, method common.Method, namespace string, payload interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	sess, arb, closed := m.session, m.arb, m.closed
	m.mu.Unlock()
	if closed || sess == nil || arb == nil {
		return nil, common.ErrUnconnected
	}

	target := targetUUID(d)
	msg, err := common.NewMessage(method, namespace, payload, sess.ResponseTopic(), target, sess.Key)
	if err != nil {
		return nil, err
	}

	command := fmt.Sprintf("%s %s", method, namespace)
	pending := m.correlator.Register(msg.Header.MessageID, target, command, m.timeout)

	if _, err := m.queue.Do(ctx, target, func() (interface{}, error) {
		return nil, arb.send(ctx, d, msg, nil)
	}); err != nil {
		// publish failure resolves the pending entry exactly once;
		// a raced reply wins and this becomes a no-op
		m.correlator.Fail(msg.Header.MessageID, err)
	}

	reply, err := pending.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		m.correlator.Cancel(msg.Header.MessageID)
	}
	return reply, err
}

// handlePush routes broker push notifications to the originating
// device.
func (m *Manager) handlePush(uuid string, msg *common.Message) {
	d, ok := m.registry.Get(uuid)
	if !ok {
		m.logger.WithField("device", uuid).Debug("push for unknown device")
		return
	}
	d.HandleMessage(msg, device.SourcePush)
}

// deliverInbound is the transport-independent inbound path, shared by
// the LAN sender. Replies complete their pending call; everything else
// is treated as a push.
func (m *Manager) deliverInbound(d *device.Device, msg *common.Message) {
	switch {
	case msg.Header.Method.IsAck():
		if !m.correlator.Complete(msg.Header.MessageID, msg.Payload) {
			m.logger.WithField("messageId", msg.Header.MessageID).Debug("late or unsolicited reply")
		}
	case msg.Header.Method == common.MethodError:
		m.correlator.Fail(msg.Header.MessageID, &common.CommandError{
			DeviceUUID: d.UUID(),
			Payload:    msg.Payload,
		})
	default:
		// same rule as the broker path: a pending call matched by id
		// fails on an unexpected method instead of timing out
		if m.correlator.Fail(msg.Header.MessageID, &common.MqttError{
			Reason: fmt.Sprintf("unexpected reply method %s", msg.Header.Method),
		}) {
			return
		}
		d.HandleMessage(msg, device.SourcePush)
	}
}

// handleBrokerConnect fans the connected event out to the devices
// living on the domain.
func (m *Manager) handleBrokerConnect(domain string) {
	for _, d := range m.devicesOnDomain(domain) {
		d.EmitConnected()
	}
}

// handleBrokerDisconnect fans the disconnected event out; err is nil
// on clean shutdown.
func (m *Manager) handleBrokerDisconnect(domain string, err error) {
	for _, d := range m.devicesOnDomain(domain) {
		d.EmitDisconnected(err)
	}
}

func (m *Manager) devicesOnDomain(domain string) []*device.Device {
	var out []*device.Device
	for _, d := range m.registry.All() {
		host, port := d.BrokerAddress()
		if fmt.Sprintf("%s:%d", host, port) == domain {
			out = append(out, d)
		}
	}
	return out
}

// Devices returns every enrolled device.
func (m *Manager) Devices() []*device.Device { return m.registry.All() }

// FindDevices returns the enrolled devices matching the filter.
func (m *Manager) FindDevices(f Filter) []*device.Device { return m.registry.Find(f) }

// GetDevice looks up a base device by native uuid.
func (m *Manager) GetDevice(uuid string) (*device.Device, bool) { return m.registry.Get(uuid) }

// GetSubdevice looks up a hub child.
func (m *Manager) GetSubdevice(hubUUID, subdeviceID string) (*device.Device, bool) {
	return m.registry.GetSub(hubUUID, subdeviceID)
}

// Stats returns the API call statistics collector.
func (m *Manager) Stats() *Stats { return m.stats }

// TokenData returns the serialisable session credentials, nil when
// unauthenticated.
func (m *Manager) TokenData() *credentials.TokenData {
	sess := m.api.Credentials()
	if sess == nil {
		return nil
	}
	return sess.TokenData()
}

// Logout invalidates the cloud session and tears everything down.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.api.Logout(ctx)
	m.DisconnectAll(true)
	return err
}

// DisconnectAll tears down every device, queue, pending call and
// broker session. The manager cannot be reused afterwards.
func (m *Manager) DisconnectAll(force bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	timers := m.timers
	m.timers = nil
	pool := m.pool
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	m.registry.Clear()
	m.queue.Clear()
	m.correlator.CloseAll(common.ErrCancelled)
	if pool != nil {
		pool.Close()
	}
	m.logger.WithField("force", force).Info("disconnected")
}
