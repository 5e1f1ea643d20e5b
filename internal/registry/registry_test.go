package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *Server) {
	r := NewRegistry(BackoffConfig{})
	r.LoadServers([]Record{{ID: "s1", Addr: "127.0.0.1:1", Priority: 0, Enabled: true}})
	s, ok := r.Get("s1")
	if !ok {
		panic("missing server")
	}
	return r, s
}

func TestRecordFailureEntersCooldownAfterThreshold(t *testing.T) {
	r, s := newTestRegistry()
	now := time.Now()

	r.RecordFailure(s, FailureError, now)
	assert.False(t, s.InCooldown(now), "one failure below threshold (2) must not cool down")

	r.RecordFailure(s, FailureError, now)
	assert.True(t, s.InCooldown(now))
	assert.Less(t, s.Weight(), 1.0)
	assert.GreaterOrEqual(t, s.Weight(), r.cfg.MinWeight)
}

func TestTimeoutCountsDouble(t *testing.T) {
	r, s := newTestRegistry()
	now := time.Now()

	r.RecordFailure(s, FailureTimeout, now)
	assert.True(t, s.InCooldown(now), "one timeout should cross the weighted threshold of 2")
}

func TestRecordSuccessClearsCooldownAndRecoversAfterThreshold(t *testing.T) {
	r, s := newTestRegistry()
	now := time.Now()

	r.RecordFailure(s, FailureTimeout, now)
	require.True(t, s.InCooldown(now))
	weightAfterFailure := s.Weight()

	r.RecordSuccess(s, now)
	assert.False(t, s.InCooldown(now), "a single success clears cooldown immediately")

	r.RecordSuccess(s, now)
	r.RecordSuccess(s, now)
	assert.Greater(t, s.Weight(), weightAfterFailure, "weight rises once the recovery threshold is hit")
}

func TestWeightNeverExceedsBoundsOverManyCycles(t *testing.T) {
	r, s := newTestRegistry()
	now := time.Now()

	for i := 0; i < 50; i++ {
		r.RecordFailure(s, FailureTimeout, now)
		r.RecordSuccess(s, now)
		r.RecordSuccess(s, now)
		r.RecordSuccess(s, now)
		assert.LessOrEqual(t, s.Weight(), 1.0)
		assert.GreaterOrEqual(t, s.Weight(), r.cfg.MinWeight)
	}
}

func TestAggregateHealth(t *testing.T) {
	assert.True(t, AggregateHealth(nil))
	assert.True(t, AggregateHealth([]HealthResult{{Success: false}, {Success: true}}))
	assert.False(t, AggregateHealth([]HealthResult{{Success: false}, {Success: false}}))
}

func TestHealthRingCapped(t *testing.T) {
	r, s := newTestRegistry()
	for i := 0; i < healthRingCapacity+5; i++ {
		r.RecordHealthCheck(s, HealthResult{At: time.Now(), Success: true})
	}
	assert.Len(t, s.healthRing, healthRingCapacity)
}
