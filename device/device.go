package device

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/httpapi"
)

// OnlineStatus is the cloud-reported device status.
type OnlineStatus int

const (
	StatusUnknown    OnlineStatus = -1
	StatusConnecting OnlineStatus = 0
	StatusOnline     OnlineStatus = 1
	StatusOffline    OnlineStatus = 2
	StatusUpgrading  OnlineStatus = 3
)

func (s OnlineStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusUpgrading:
		return "upgrading"
	default:
		return "unknown"
	}
}

// Kind tags the device variant. Subdevices are radio children behind a
// hub; everything else is a base device, hubs included.
type Kind int

const (
	KindBase Kind = iota
	KindHub
	KindSubdevice
)

// Transport sends an envelope on behalf of a device and returns the
// correlated reply payload. The manager implements it; devices keep no
// back-pointer beyond this interface.
type Transport interface {
	PublishMessage(ctx context.Context, d *Device, method common.Method, namespace string, payload interface{}) (json.RawMessage, error)
}

// Channel is a discrete control endpoint; the master channel is 0.
type Channel struct {
	Index    int
	Name     string
	IsMaster bool
	IsUSB    bool
}

// Device is the core runtime record for base devices, hubs and
// subdevices alike, discriminated by Kind.
type Device struct {
	uuid          string
	name          string
	deviceType    string
	fwVersion     string
	hwVersion     string
	brokerHost    string
	brokerPort    int
	channels      []Channel
	kind          Kind
	hubUUID       string
	subdeviceID   string
	subdeviceType string

	transport Transport
	logger    logrus.FieldLogger
	events    *eventMux
	state     *StateCache

	mu             sync.RWMutex
	online         OnlineStatus
	ip             string
	mac            string
	encryptionKey  []byte
	abilities      map[string]json.RawMessage
	handlers       map[string]pushHandler
	lastFullUpdate time.Time
	subdevices     map[string]*Device
}

// New builds a base device from its HTTP record. Abilities arrive
// later via SetAbilities, which also decides hub classification.
func New(rec httpapi.DeviceRecord, tr Transport, logger logrus.FieldLogger) *Device {
	host, port := rec.BrokerAddress()
	d := &Device{
		uuid:       rec.UUID,
		name:       rec.DevName,
		deviceType: rec.DeviceType,
		fwVersion:  rec.FmwareVersion,
		hwVersion:  rec.HdwareVersion,
		brokerHost: host,
		brokerPort: port,
		online:     OnlineStatus(rec.OnlineStatus),
		transport:  tr,
		logger:     logger.WithField("device", rec.UUID),
		state:      NewStateCache(),
	}
	d.events = newEventMux(d.logger)
	if len(rec.Channels) == 0 {
		d.channels = []Channel{{Index: 0, IsMaster: true}}
	}
	for i, ch := range rec.Channels {
		d.channels = append(d.channels, Channel{
			Index:    i,
			Name:     ch.DevName,
			IsMaster: i == 0,
			IsUSB:    strings.EqualFold(ch.Type, "usb"),
		})
	}
	return d
}

// NewSubdevice builds a hub child. It inherits the hub's transport and
// broker and a filtered slice of the hub's abilities scoped by the
// subdevice type.
func NewSubdevice(hub *Device, rec httpapi.SubdeviceRecord, logger logrus.FieldLogger) *Device {
	d := &Device{
		uuid:          rec.SubDeviceID,
		name:          rec.SubDeviceName,
		deviceType:    rec.SubDeviceType,
		brokerHost:    hub.brokerHost,
		brokerPort:    hub.brokerPort,
		kind:          KindSubdevice,
		hubUUID:       hub.uuid,
		subdeviceID:   rec.SubDeviceID,
		subdeviceType: rec.SubDeviceType,
		online:        StatusUnknown,
		transport:     hub.transport,
		logger:        logger.WithField("device", hub.uuid+"/"+rec.SubDeviceID),
		state:         NewStateCache(),
		channels:      []Channel{{Index: 0, IsMaster: true}},
		abilities:     filterHubAbilities(hub.Abilities(), rec.SubDeviceType),
	}
	d.events = newEventMux(d.logger)
	return d
}

func (d *Device) UUID() string       { return d.uuid }
func (d *Device) Name() string       { return d.name }
func (d *Device) Type() string       { return d.deviceType }
func (d *Device) Kind() Kind         { return d.kind }
func (d *Device) HubUUID() string    { return d.hubUUID }
func (d *Device) Channels() []Channel { return d.channels }
func (d *Device) State() *StateCache { return d.state }

// FirmwareVersion and HardwareVersion as reported at enrollment.
func (d *Device) FirmwareVersion() string { return d.fwVersion }
func (d *Device) HardwareVersion() string { return d.hwVersion }

// BrokerAddress is the MQTT domain the device lives on.
func (d *Device) BrokerAddress() (string, int) { return d.brokerHost, d.brokerPort }

// InternalID is the unified registry key.
func (d *Device) InternalID() string {
	if d.kind == KindSubdevice {
		return SubInternalID(d.hubUUID, d.subdeviceID)
	}
	return BaseInternalID(d.uuid)
}

func (d *Device) OnlineStatus() OnlineStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online
}

func (d *Device) setOnline(s OnlineStatus) {
	d.mu.Lock()
	changed := d.online != s
	d.online = s
	d.mu.Unlock()
	if changed {
		d.events.emit(Event{Kind: EventOnline, Device: d, OnlineStatus: s})
	}
}

// IP returns the LAN address when known, empty otherwise.
func (d *Device) IP() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ip
}

func (d *Device) MAC() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mac
}

// SetAbilities stores the enrollment ability map and builds the push
// handler table. Abilities are immutable for the session; a second
// call is ignored. Hubs are recognised by the hub digest ability.
func (d *Device) SetAbilities(abilities map[string]json.RawMessage) {
	d.mu.Lock()
	if d.abilities != nil {
		d.mu.Unlock()
		return
	}
	d.abilities = abilities
	if _, ok := abilities[common.NamespaceHubDigest]; ok && d.kind == KindBase {
		d.kind = KindHub
		d.subdevices = make(map[string]*Device)
	}
	d.mu.Unlock()
	d.handlers = buildHandlers(abilities, d.kind)
}

// Abilities returns a copy of the ability map.
func (d *Device) Abilities() map[string]json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(d.abilities))
	for k, v := range d.abilities {
		out[k] = v
	}
	return out
}

// HasAbility reports whether the device declared the namespace.
func (d *Device) HasAbility(namespace string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.abilities[namespace]
	return ok
}

// lightCapacity reads the capacity bitmask of the light ability.
func (d *Device) lightCapacity() int {
	d.mu.RLock()
	raw, ok := d.abilities[common.NamespaceControlLight]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	var v struct {
		Capacity int `json:"capacity"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v.Capacity
}

func (d *Device) SupportsRGB() bool {
	return d.lightCapacity()&common.LightCapacityRGB != 0
}

func (d *Device) SupportsTemperature() bool {
	return d.lightCapacity()&common.LightCapacityTemperature != 0
}

func (d *Device) SupportsLuminance() bool {
	return d.lightCapacity()&common.LightCapacityLuminance != 0
}

// SupportsEncryption reports whether LAN payloads must be encrypted.
func (d *Device) SupportsEncryption() bool {
	return d.HasAbility(common.NamespaceEncryptECDHE) || d.HasAbility(common.NamespaceEncryptSuite)
}

// EncryptionKey derives and caches the per-device LAN key. It needs
// the MAC address, which is only known after the first full refresh.
func (d *Device) EncryptionKey(userKey string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.encryptionKey != nil {
		return d.encryptionKey, nil
	}
	key, err := common.DeriveDeviceKey(d.uuid, userKey, d.mac)
	if err != nil {
		return nil, err
	}
	d.encryptionKey = key
	return key, nil
}

// Publish sends a command on behalf of this device and returns the
// correlated reply payload.
func (d *Device) Publish(ctx context.Context, method common.Method, namespace string, payload interface{}) (json.RawMessage, error) {
	if d.transport == nil {
		return nil, common.ErrUnconnected
	}
	return d.transport.PublishMessage(ctx, d, method, namespace, payload)
}

// LastFullUpdate is the time of the last successful full-state
// refresh, used by the subscription engine's cache suppression.
func (d *Device) LastFullUpdate() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastFullUpdate
}

// RefreshState fetches Appliance.System.All and ingests the digest.
func (d *Device) RefreshState(ctx context.Context) error {
	payload, err := d.Publish(ctx, common.MethodGet, common.NamespaceSystemAll, nil)
	if err != nil {
		return err
	}
	return d.ingestSystemAll(payload, SourcePoll, time.Now())
}

// Subscribe attaches a handler for the event kind; the returned handle
// detaches it.
func (d *Device) Subscribe(kind EventKind, fn Handler) Handle {
	return d.events.subscribe(kind, fn)
}

func (d *Device) Unsubscribe(h Handle) { d.events.unsubscribe(h) }

// EmitConnected is called by the connection pool once the device's
// broker session is fully subscribed.
func (d *Device) EmitConnected() {
	d.events.emit(Event{Kind: EventConnected, Device: d})
}

// EmitDisconnected is called on broker close; err is nil on clean
// shutdown.
func (d *Device) EmitDisconnected(err error) {
	d.events.emit(Event{Kind: EventDisconnected, Device: d, Err: err})
}

// EmitError surfaces a per-device transport error.
func (d *Device) EmitError(err error) {
	d.events.emit(Event{Kind: EventError, Device: d, Err: err})
}

// Disconnect marks the device offline and notifies listeners; invoked
// by registry teardown.
func (d *Device) Disconnect() {
	d.setOnline(StatusOffline)
	d.EmitDisconnected(nil)
}

// AddSubdevice attaches a built subdevice to its hub for push routing.
func (d *Device) AddSubdevice(sub *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subdevices == nil {
		d.subdevices = make(map[string]*Device)
	}
	d.subdevices[sub.subdeviceID] = sub
}

// Subdevice looks up a hub child by its subdevice id.
func (d *Device) Subdevice(id string) (*Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sub, ok := d.subdevices[id]
	return sub, ok
}

// Subdevices returns the hub's children.
func (d *Device) Subdevices() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Device, 0, len(d.subdevices))
	for _, sub := range d.subdevices {
		out = append(out, sub)
	}
	return out
}

// HandleMessage routes an inbound non-reply envelope through the
// namespace handler table. The table is immutable after SetAbilities,
// so dispatch is reentrancy-safe.
func (d *Device) HandleMessage(msg *common.Message, source Source) {
	fn, ok := d.handlers[msg.Header.Namespace]
	if !ok {
		d.logger.WithField("namespace", msg.Header.Namespace).Debug("unhandled push")
		return
	}
	ts := time.Unix(msg.Header.Timestamp, 0)
	if msg.Header.Timestamp == 0 {
		ts = time.Now()
	}
	fn(d, msg.Payload, source, ts)
}

// updateAndEmit writes one cache slot and publishes the state event.
func (d *Device) updateAndEmit(f Feature, channel int, value interface{}, source Source, ts time.Time) {
	d.state.Update(f, channel, value, ts)
	d.events.emit(Event{Kind: EventState, Device: d, State: &StateEvent{
		Type:      f,
		Channel:   channel,
		Value:     value,
		Source:    source,
		Timestamp: ts,
	}})
}

// ingestSystemAll applies a full Appliance.System.All snapshot.
func (d *Device) ingestSystemAll(payload json.RawMessage, source Source, ts time.Time) error {
	var v struct {
		All struct {
			System struct {
				Hardware struct {
					MacAddress string `json:"macAddress"`
				} `json:"hardware"`
				Firmware struct {
					InnerIP string `json:"innerIp"`
				} `json:"firmware"`
				Online struct {
					Status int `json:"status"`
				} `json:"online"`
			} `json:"system"`
			Digest json.RawMessage `json:"digest"`
		} `json:"all"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return &common.ParseError{Reason: "system.all payload", Err: err}
	}

	d.mu.Lock()
	if v.All.System.Hardware.MacAddress != "" {
		d.mac = v.All.System.Hardware.MacAddress
	}
	if v.All.System.Firmware.InnerIP != "" {
		d.ip = v.All.System.Firmware.InnerIP
	}
	d.lastFullUpdate = ts
	d.mu.Unlock()

	d.setOnline(OnlineStatus(v.All.System.Online.Status))
	if len(v.All.Digest) > 0 {
		d.ingestDigest(v.All.Digest, source, ts)
	}
	return nil
}
