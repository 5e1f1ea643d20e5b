// Package registry implements the server registry and health/backoff
// model: server records sourced from the store, per-server stats, a
// weight derived from exponential backoff, and the calibrated-delay
// jitter used to avoid a thundering herd on recovery.
package registry

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// recoveryRateLimit throttles requests to a server that is recovering
// from a backoff (backoff level > 0): a server rate-limited this way is
// treated as transiently ineligible by selection, the same as one in
// cooldown, so a burst of traffic right after a cooldown clears doesn't
// immediately re-trip the breaker.
const recoveryRateLimit = 5 * time.Second
const recoveryRateBurst = 2

// FailureKind classifies why a request against a server failed. Timeouts
// count double toward the failure threshold.
type FailureKind int

const (
	FailureTimeout FailureKind = iota
	FailureError
	FailureDisconnect
)

func (k FailureKind) weight() int {
	if k == FailureTimeout {
		return 2
	}
	return 1
}

// BackoffConfig tunes the health/backoff model. Zero-value fields are
// replaced by DefaultBackoffConfig's defaults in NewRegistry.
type BackoffConfig struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	FailureThreshold int
	RecoveryThreshold int
	WeightPenalty    float64
	MinWeight        float64
}

// DefaultBackoffConfig supplies the standard backoff tuning.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:         30 * time.Second,
		MaxDelay:          5 * time.Minute,
		FailureThreshold:  2,
		RecoveryThreshold: 3,
		WeightPenalty:     0.3,
		MinWeight:         0.1,
	}
}

// HealthResult is one entry in a server's health-check ring buffer.
type HealthResult struct {
	At      time.Time
	Success bool
	Latency time.Duration
	Err     string // truncated error, empty on success
}

const healthRingCapacity = 20

// Record is the immutable server description the registry is loaded
// from: identity, endpoint, priority, enabled flag. Live stats belong to
// Server, which the registry builds around each record.
type Record struct {
	ID       string
	Addr     string
	UseTLS   bool
	Priority int
	Enabled  bool
}

// Server is a server record plus its live stats. Exported fields are
// read-only snapshots; mutate only through Registry methods, which hold
// the lock for the duration of the update.
type Server struct {
	ID       string
	Addr     string
	UseTLS   bool
	Priority int
	Enabled  bool

	mu                 sync.Mutex
	totalRequests      int64
	failedRequests     int64
	consecutiveFails   int
	consecutiveSuccess int
	weightedFails      int
	backoffLevel       int
	cooldownUntil      time.Time
	weight             float64
	healthy            bool
	lastHealthCheck    time.Time
	healthRing         []HealthResult
	recoveryLimiter    *rate.Limiter
}

// Snapshot is a read-only copy of a server's current stats, safe to log or
// expose over pool-status.
type Snapshot struct {
	ID                 string
	Addr               string
	Priority           int
	TotalRequests      int64
	FailedRequests     int64
	ConsecutiveFails   int
	ConsecutiveSuccess int
	BackoffLevel       int
	CooldownUntil      time.Time
	Weight             float64
	Healthy            bool
	LastHealthCheck    time.Time
}

func (s *Server) InCooldown(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.cooldownUntil)
}

func (s *Server) CooldownRemaining(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.cooldownUntil) {
		return 0
	}
	return s.cooldownUntil.Sub(now)
}

func (s *Server) Weight() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

func (s *Server) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// BackoffLevel reports the server's current backoff level (0 = never
// failed or fully recovered).
func (s *Server) BackoffLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffLevel
}

// AllowRecoveryRequest rate-limits servers that are still recovering
// from a backoff (backoff level > 0). Fully recovered servers (level 0)
// are never throttled this way.
func (s *Server) AllowRecoveryRequest() bool {
	s.mu.Lock()
	level := s.backoffLevel
	limiter := s.recoveryLimiter
	s.mu.Unlock()
	if level == 0 {
		return true
	}
	return limiter.Allow()
}

func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:                 s.ID,
		Addr:               s.Addr,
		Priority:           s.Priority,
		TotalRequests:      s.totalRequests,
		FailedRequests:     s.failedRequests,
		ConsecutiveFails:   s.consecutiveFails,
		ConsecutiveSuccess: s.consecutiveSuccess,
		BackoffLevel:       s.backoffLevel,
		CooldownUntil:      s.cooldownUntil,
		Weight:             s.weight,
		Healthy:            s.healthy,
		LastHealthCheck:    s.lastHealthCheck,
	}
}

// Registry holds the current set of servers for one network/pool and the
// backoff config governing their weight/cooldown transitions.
type Registry struct {
	cfg BackoffConfig

	mu      sync.RWMutex
	servers map[string]*Server
}

// NewRegistry builds a Registry. Zero-value BackoffConfig fields fall back
// to DefaultBackoffConfig.
func NewRegistry(cfg BackoffConfig) *Registry {
	def := DefaultBackoffConfig()
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryThreshold == 0 {
		cfg.RecoveryThreshold = def.RecoveryThreshold
	}
	if cfg.WeightPenalty == 0 {
		cfg.WeightPenalty = def.WeightPenalty
	}
	if cfg.MinWeight == 0 {
		cfg.MinWeight = def.MinWeight
	}
	return &Registry{cfg: cfg, servers: make(map[string]*Server)}
}

// LoadServers replaces the registry's server set, preserving live stats
// for servers that persist across the reload (by ID) and lazily
// initializing stats for newly added ones.
func (r *Registry) LoadServers(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Server, len(records))
	for _, rec := range records {
		if existing, ok := r.servers[rec.ID]; ok {
			existing.Addr = rec.Addr
			existing.UseTLS = rec.UseTLS
			existing.Priority = rec.Priority
			existing.Enabled = rec.Enabled
			next[rec.ID] = existing
			continue
		}
		s := &Server{
			ID:              rec.ID,
			Addr:            rec.Addr,
			UseTLS:          rec.UseTLS,
			Priority:        rec.Priority,
			Enabled:         rec.Enabled,
			weight:          1.0,
			healthy:         true,
			recoveryLimiter: rate.NewLimiter(rate.Every(recoveryRateLimit), recoveryRateBurst),
		}
		next[rec.ID] = s
	}
	r.servers = next
}

// Enabled returns enabled servers sorted ascending by priority.
func (r *Registry) Enabled() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Get returns a server by ID.
func (r *Registry) Get(id string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// Count returns the number of enabled servers, used to derive
// effective_min/effective_max.
func (r *Registry) Count() int {
	return len(r.Enabled())
}

// RecordFailure applies a weighted failure toward the threshold; crossing
// it raises backoff level, sets cooldown, and reduces weight.
func (r *Registry) RecordFailure(s *Server, kind FailureKind, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++
	s.failedRequests++
	s.consecutiveFails++
	s.consecutiveSuccess = 0
	s.weightedFails += kind.weight()

	if s.weightedFails < r.cfg.FailureThreshold {
		return
	}
	s.weightedFails = 0

	if s.backoffLevel < 5 {
		s.backoffLevel++
	}
	s.cooldownUntil = now.Add(calibratedDelay(r.cfg, s.backoffLevel))
	s.weight = math.Max(r.cfg.MinWeight, s.weight-r.cfg.WeightPenalty)
}

// RecordSuccess clears any active cooldown and, once the recovery
// threshold is reached, relaxes backoff level and restores weight.
func (r *Registry) RecordSuccess(s *Server, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++
	s.consecutiveFails = 0
	s.weightedFails = 0
	s.cooldownUntil = time.Time{}
	s.consecutiveSuccess++

	if s.consecutiveSuccess < r.cfg.RecoveryThreshold {
		return
	}
	s.consecutiveSuccess = 0
	if s.backoffLevel > 0 {
		s.backoffLevel--
	}
	s.weight = math.Min(1.0, s.weight+r.cfg.WeightPenalty)
}

// RecordHealthCheck appends a result to the server's health-check ring
// (capacity 20) and updates the healthy flag and timestamp.
// Use RecordHealthChecks instead when a single round checked more than
// one connection to the same server, so the healthy flag reflects the
// aggregate of the round rather than whichever result lands last.
func (r *Registry) RecordHealthCheck(s *Server, res HealthResult) {
	r.RecordHealthChecks(s, []HealthResult{res})
}

// RecordHealthChecks appends every result from one health-check round to
// the server's ring and sets the healthy flag from their aggregate: any
// success in the round marks the server healthy, unhealthy only if every
// checked connection failed.
func (r *Registry) RecordHealthChecks(s *Server, results []HealthResult) {
	if len(results) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, res := range results {
		s.healthRing = append(s.healthRing, res)
		if len(s.healthRing) > healthRingCapacity {
			s.healthRing = s.healthRing[len(s.healthRing)-healthRingCapacity:]
		}
		s.lastHealthCheck = res.At
	}
	s.healthy = AggregateHealth(results)
}

// AggregateHealth folds several health-check results for one server into
// a single healthy/unhealthy verdict: unhealthy only if every checked
// connection failed.
func AggregateHealth(results []HealthResult) bool {
	if len(results) == 0 {
		return true
	}
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

// calibratedDelay computes the jittered exponential backoff delay for a
// given level: min(base*2^(level-1), max) * (1 +/- 0.2*uniform).
func calibratedDelay(cfg BackoffConfig, level int) time.Duration {
	if level < 1 {
		level = 1
	}
	raw := float64(cfg.BaseDelay) * math.Pow(2, float64(level-1))
	if raw > float64(cfg.MaxDelay) {
		raw = float64(cfg.MaxDelay)
	}
	jitter := 1 + 0.2*(2*rand.Float64()-1)
	return time.Duration(raw * jitter)
}
