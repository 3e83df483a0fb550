package device

import (
	"reflect"
	"sync"
	"time"
)

// Feature identifies a per-channel state slot.
type Feature string

const (
	FeatureToggle        Feature = "toggle"
	FeatureLight         Feature = "light"
	FeatureThermostat    Feature = "thermostat"
	FeatureRollerShutter Feature = "rollerShutter"
	FeatureGarage        Feature = "garage"
	FeatureSpray         Feature = "spray"
	FeatureDiffuser      Feature = "diffuser"
	FeaturePresence      Feature = "presence"
	FeatureTimer         Feature = "timer"
	FeatureTrigger       Feature = "trigger"
	FeatureElectricity   Feature = "electricity"
	FeatureConsumption   Feature = "consumption"
)

type slot struct {
	value     interface{}
	sampledAt time.Time
	revision  uint64
}

// StateCache is the per-device last-known state, keyed by feature and
// channel. The inbound handler of the owning device is the only
// writer; subscription consumers read concurrently.
type StateCache struct {
	mu    sync.RWMutex
	rev   uint64
	slots map[Feature]map[int]*slot
}

func NewStateCache() *StateCache {
	return &StateCache{slots: make(map[Feature]map[int]*slot)}
}

// Update stores a sample and reports whether the value changed.
// Comparison is deep so list and record values (RGB triplets and the
// like) diff correctly.
func (c *StateCache) Update(f Feature, channel int, value interface{}, sampledAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	chans, ok := c.slots[f]
	if !ok {
		chans = make(map[int]*slot)
		c.slots[f] = chans
	}
	s, ok := chans[channel]
	if ok && reflect.DeepEqual(s.value, value) {
		s.sampledAt = sampledAt
		return false
	}
	c.rev++
	chans[channel] = &slot{value: value, sampledAt: sampledAt, revision: c.rev}
	return true
}

// Get returns the last sample for a slot.
func (c *StateCache) Get(f Feature, channel int) (interface{}, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.slots[f][channel]
	if !ok {
		return nil, time.Time{}, false
	}
	return s.value, s.sampledAt, true
}

// Revision returns the cache's monotonically increasing change counter.
func (c *StateCache) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rev
}

// Has reports whether the feature holds any channel at all.
func (c *StateCache) Has(f Feature) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots[f]) > 0
}

// Snapshot copies the whole cache for event emission.
func (c *StateCache) Snapshot() map[Feature]map[int]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Feature]map[int]interface{}, len(c.slots))
	for f, chans := range c.slots {
		m := make(map[int]interface{}, len(chans))
		for ch, s := range chans {
			m[ch] = s.value
		}
		out[f] = m
	}
	return out
}

// ChangedSince returns the slots whose revision is newer than rev,
// emitting only changed entries.
func (c *StateCache) ChangedSince(rev uint64) map[Feature]map[int]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Feature]map[int]interface{})
	for f, chans := range c.slots {
		for ch, s := range chans {
			if s.revision <= rev {
				continue
			}
			if out[f] == nil {
				out[f] = make(map[int]interface{})
			}
			out[f][ch] = s.value
		}
	}
	return out
}

// DiffFields compares two record values field by field and returns
// only the entries that differ, with deep comparison on the values.
func DiffFields(old, cur map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range cur {
		if o, ok := old[k]; !ok || !reflect.DeepEqual(o, v) {
			out[k] = v
		}
	}
	return out
}
