package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/square/walletsync/internal/electrum"
	"github.com/square/walletsync/internal/registry"
)

func newTestPool(t *testing.T, ids ...string) (*Pool, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry(registry.BackoffConfig{})
	records := make([]registry.Record, len(ids))
	for i, id := range ids {
		records[i] = registry.Record{ID: id, Addr: "127.0.0.1:0", Priority: i, Enabled: true}
	}
	reg.LoadServers(records)

	cfg := DefaultConfig()
	p := New(cfg, reg, electrum.DialConfig{})
	return p, reg
}

func TestSelectRoundRobinDistributesProportionally(t *testing.T) {
	p, reg := newTestPool(t, "s1", "s2", "s3")
	servers := reg.Enabled()

	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		s := p.selectRoundRobin(servers)
		counts[s.ID]++
	}

	for _, id := range []string{"s1", "s2", "s3"} {
		assert.InDelta(t, 100, counts[id], 20, "selection should be roughly uniform across equal weights")
	}
}

func TestSelectRoundRobinExcludesCooldown(t *testing.T) {
	p, reg := newTestPool(t, "s1", "s2", "s3")
	s1, _ := reg.Get("s1")
	now := time.Now()

	reg.RecordFailure(s1, registry.FailureTimeout, now)

	// selectServer applies the cooldown filter before the (default)
	// round-robin strategy picks.
	for i := 0; i < 200; i++ {
		s := p.selectServer()
		assert.NotEqual(t, "s1", s.ID)
	}
}

func TestSelectLeastConnectionsPrefersHigherWeight(t *testing.T) {
	p, reg := newTestPool(t, "s1", "s2")
	s2, _ := reg.Get("s2")
	now := time.Now()
	reg.RecordFailure(s2, registry.FailureTimeout, now)
	reg.RecordFailure(s2, registry.FailureTimeout, now)

	servers := reg.Enabled()
	best := p.selectLeastConnections(servers)
	assert.Equal(t, "s1", best.ID)
}

func TestEffectiveMinMaxScaleWithServerCount(t *testing.T) {
	p, _ := newTestPool(t, "s1", "s2", "s3", "s4", "s5", "s6", "s7")
	assert.Equal(t, 7, p.effectiveMin(), "effective_min must rise to cover every enabled server")
	assert.Equal(t, 7, p.effectiveMax(), "effective_max must rise to cover every enabled server")
}
