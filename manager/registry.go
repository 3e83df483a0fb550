package manager

import (
	"sync"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/device"
)

// Registry is the dual-index device store: base devices by native
// uuid, everything by unified internal id.
type Registry struct {
	mu           sync.RWMutex
	byUUID       map[string]*device.Device
	byInternalID map[string]*device.Device
}

func NewRegistry() *Registry {
	return &Registry{
		byUUID:       make(map[string]*device.Device),
		byInternalID: make(map[string]*device.Device),
	}
}

// Register adds a device; idempotent on internal id. It returns the
// instance that is actually registered, which is the existing one on
// a duplicate.
func (r *Registry) Register(d *device.Device) *device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := d.InternalID()
	if existing, ok := r.byInternalID[id]; ok {
		return existing
	}
	r.byInternalID[id] = d
	if d.Kind() != device.KindSubdevice {
		r.byUUID[d.UUID()] = d
	}
	return d
}

// Remove drops both indices for the device.
func (r *Registry) Remove(internalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byInternalID[internalID]
	if !ok {
		return
	}
	delete(r.byInternalID, internalID)
	if d.Kind() != device.KindSubdevice {
		delete(r.byUUID, d.UUID())
	}
}

// Get looks up a base device by native uuid.
func (r *Registry) Get(uuid string) (*device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byUUID[uuid]
	return d, ok
}

// GetSub looks up a subdevice by its composite address.
func (r *Registry) GetSub(hubUUID, subdeviceID string) (*device.Device, bool) {
	return r.GetByInternalID(device.SubInternalID(hubUUID, subdeviceID))
}

// GetByInternalID looks up any device by unified id.
func (r *Registry) GetByInternalID(id string) (*device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byInternalID[id]
	return d, ok
}

// All returns every registered device.
func (r *Registry) All() []*device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*device.Device, 0, len(r.byInternalID))
	for _, d := range r.byInternalID {
		out = append(out, d)
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byInternalID)
}

// Clear disconnects and drops every device.
func (r *Registry) Clear() {
	r.mu.Lock()
	devices := make([]*device.Device, 0, len(r.byInternalID))
	for _, d := range r.byInternalID {
		devices = append(devices, d)
	}
	r.byUUID = make(map[string]*device.Device)
	r.byInternalID = make(map[string]*device.Device)
	r.mu.Unlock()

	for _, d := range devices {
		d.Disconnect()
	}
}

// Filter selects devices by conjunction of the set conditions. Class
// tags resolve to capability checks, never to device type strings.
type Filter struct {
	UUIDs        []string
	InternalIDs  []string
	DeviceType   string
	DeviceName   string
	OnlineStatus *device.OnlineStatus
	DeviceClass  string
	Predicate    func(*device.Device) bool
}

// Find returns the devices matching every condition of the filter.
func (r *Registry) Find(f Filter) []*device.Device {
	classPred, ok := classPredicate(f.DeviceClass)
	if !ok {
		return nil
	}

	uuids := toSet(f.UUIDs)
	ids := toSet(f.InternalIDs)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*device.Device
	for _, d := range r.byInternalID {
		if len(uuids) > 0 && !uuids[d.UUID()] {
			continue
		}
		if len(ids) > 0 && !ids[d.InternalID()] {
			continue
		}
		if f.DeviceType != "" && d.Type() != f.DeviceType {
			continue
		}
		if f.DeviceName != "" && d.Name() != f.DeviceName {
			continue
		}
		if f.OnlineStatus != nil && d.OnlineStatus() != *f.OnlineStatus {
			continue
		}
		if classPred != nil && !classPred(d) {
			continue
		}
		if f.Predicate != nil && !f.Predicate(d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// classPredicate resolves a class tag into a capability check. The
// second return is false for unknown tags.
func classPredicate(tag string) (func(*device.Device) bool, bool) {
	if tag == "" {
		return nil, true
	}
	if tag == "hub" {
		return func(d *device.Device) bool {
			return d.HasAbility(common.NamespaceHubDigest)
		}, true
	}
	f := device.Feature(tag)
	switch f {
	case device.FeatureToggle, device.FeatureLight, device.FeatureThermostat,
		device.FeatureRollerShutter, device.FeatureGarage, device.FeatureSpray,
		device.FeatureDiffuser, device.FeaturePresence, device.FeatureTimer,
		device.FeatureTrigger, device.FeatureElectricity, device.FeatureConsumption:
		return func(d *device.Device) bool { return d.SupportsFeature(f) }, true
	default:
		return nil, false
	}
}

func toSet(ss []string) map[string]bool {
	if len(ss) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
