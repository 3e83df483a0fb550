package manager

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsRingWraparound(t *testing.T) {
	s := NewStats(true, 4)
	for i := 0; i < 6; i++ {
		s.Record(Sample{DeviceUUID: fmt.Sprintf("dev-%d", i), Transport: TransportMQTT, Status: 200})
	}

	samples := s.Samples()
	assert.Len(t, samples, 4)
	assert.Equal(t, "dev-2", samples[0].DeviceUUID, "oldest surviving sample first")
	assert.Equal(t, "dev-5", samples[3].DeviceUUID)

	// counters are not bounded by the ring
	assert.Equal(t, 6, s.Counts()[TransportMQTT][200])
}

func TestStatsPartialRing(t *testing.T) {
	s := NewStats(true, 8)
	s.Record(Sample{DeviceUUID: "a", Transport: TransportHTTP, Status: 200, RTT: 5 * time.Millisecond})
	s.Record(Sample{DeviceUUID: "b", Transport: TransportHTTP, Status: 0})

	samples := s.Samples()
	assert.Len(t, samples, 2)
	assert.Equal(t, "a", samples[0].DeviceUUID)

	counts := s.Counts()
	assert.Equal(t, 1, counts[TransportHTTP][200])
	assert.Equal(t, 1, counts[TransportHTTP][0])
}

func TestStatsDisabledAndNil(t *testing.T) {
	s := NewStats(false, 4)
	s.Record(Sample{Transport: TransportMQTT, Status: 200})
	assert.Empty(t, s.Samples())
	assert.Empty(t, s.Counts())

	var nilStats *Stats
	nilStats.Record(Sample{Transport: TransportMQTT, Status: 200}) // must not panic
	assert.Nil(t, nilStats.Samples())
	assert.Nil(t, nilStats.Counts())
}

func TestStatsCountsCopy(t *testing.T) {
	s := NewStats(true, 4)
	s.Record(Sample{Transport: TransportMQTT, Status: 200})
	counts := s.Counts()
	counts[TransportMQTT][200] = 99
	assert.Equal(t, 1, s.Counts()[TransportMQTT][200])
}
