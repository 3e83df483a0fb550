package manager

import (
	"sync"
	"time"
)

// DefaultMaxStatsSamples bounds the sample ring buffer.
const DefaultMaxStatsSamples = 256

// Transport labels for statistics buckets.
const (
	TransportMQTT = "mqtt"
	TransportHTTP = "http"
)

// Sample is one recorded API call. Status 0 marks a network error so
// the buckets stay consistent with HTTP status codes.
type Sample struct {
	Timestamp  time.Time
	DeviceUUID string
	Transport  string
	Namespace  string
	Method     string
	Status     int
	RTT        time.Duration
}

// Stats captures per-call samples in a ring buffer plus rolling
// counters per transport and status bucket. A nil or disabled Stats
// records nothing.
type Stats struct {
	enabled bool
	max     int

	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool
	counts  map[string]map[int]int
}

// NewStats builds a collector. maxSamples <= 0 uses the default.
func NewStats(enabled bool, maxSamples int) *Stats {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxStatsSamples
	}
	return &Stats{
		enabled: enabled,
		max:     maxSamples,
		samples: make([]Sample, maxSamples),
		counts:  make(map[string]map[int]int),
	}
}

// Record stores one sample.
func (s *Stats) Record(sample Sample) {
	if s == nil || !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.next] = sample
	s.next = (s.next + 1) % s.max
	if s.next == 0 {
		s.full = true
	}
	if s.counts[sample.Transport] == nil {
		s.counts[sample.Transport] = make(map[int]int)
	}
	s.counts[sample.Transport][sample.Status]++
}

// Samples returns the captured samples, oldest first.
func (s *Stats) Samples() []Sample {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		out := make([]Sample, s.next)
		copy(out, s.samples[:s.next])
		return out
	}
	out := make([]Sample, 0, s.max)
	out = append(out, s.samples[s.next:]...)
	out = append(out, s.samples[:s.next]...)
	return out
}

// Counts returns a copy of the per-transport status counters.
func (s *Stats) Counts() map[string]map[int]int {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[int]int, len(s.counts))
	for tr, buckets := range s.counts {
		m := make(map[int]int, len(buckets))
		for code, n := range buckets {
			m[code] = n
		}
		out[tr] = m
	}
	return out
}
