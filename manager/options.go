package manager

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merosskit/meross/device"
)

// DefaultTimeout bounds each device command end to end.
const DefaultTimeout = 10 * time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithLogger replaces the manager logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTransportMode sets the default arbiter routing mode.
func WithTransportMode(mode TransportMode) Option {
	return func(m *Manager) { m.mode = mode }
}

// WithTimeout sets the per-command session timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithAutoRetryOnBadDomain makes Connect retry once against the API and
// MQTT domains reported by a bad-domain error.
func WithAutoRetryOnBadDomain(enabled bool) Option {
	return func(m *Manager) { m.autoRetryBadDomain = enabled }
}

// WithErrorBudget tunes the tumbling-window LAN failure budget.
func WithErrorBudget(maxErrors int, window time.Duration) Option {
	return func(m *Manager) { m.budget = NewErrorBudget(maxErrors, window) }
}

// WithStats enables API call statistics capture.
func WithStats(maxSamples int) Option {
	return func(m *Manager) { m.stats = NewStats(true, maxSamples) }
}

// WithRequestThrottling tunes the per-device dispatch batching.
func WithRequestThrottling(batchSize int, delay time.Duration) Option {
	return func(m *Manager) {
		m.batchSize, m.batchDelay, m.throttle = batchSize, delay, true
	}
}

// WithoutRequestThrottling disables per-device batching; commands run
// as soon as they are issued.
func WithoutRequestThrottling() Option {
	return func(m *Manager) { m.throttle = false }
}

// WithDeviceInitializedHandler registers a callback invoked once per
// device after enrollment completes.
func WithDeviceInitializedHandler(fn func(*device.Device)) Option {
	return func(m *Manager) { m.onDeviceInitialized = fn }
}
