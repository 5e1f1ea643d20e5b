// Package pool implements the multi-server connection pool: it fans
// acquire/release across many registry.Server entries, load-balances
// with one of three selectable strategies, keeps a dedicated
// subscription connection alive, and runs health-check/idle-cleanup/
// keepalive timers.
package pool

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/square/walletsync/internal/electrum"
	"github.com/square/walletsync/internal/registry"
)

// LoadBalancing selects among the three pooling strategies.
type LoadBalancing int

const (
	RoundRobin LoadBalancing = iota
	LeastConnections
	FailoverOnly
)

// Event is emitted on the pool's Events() channel for state changes
// observers care about.
type Event struct {
	Kind     string
	ServerID string
}

// Config tunes the pool's sizing, balancing, and timing behavior.
type Config struct {
	Enabled               bool
	MinConnections        int
	MaxConnections        int
	LoadBalancing         LoadBalancing
	ConnectionTimeout     time.Duration
	IdleTimeout           time.Duration
	HealthCheckInterval   time.Duration
	AcquisitionTimeout    time.Duration
	MaxWaitingRequests    int
	MaxReconnectAttempts  int
	ReconnectDelay        time.Duration
	KeepaliveInterval     time.Duration
}

// DefaultConfig supplies the standard pool tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MinConnections:       1,
		MaxConnections:       5,
		LoadBalancing:        RoundRobin,
		ConnectionTimeout:    10 * time.Second,
		IdleTimeout:          5 * time.Minute,
		HealthCheckInterval:  30 * time.Second,
		AcquisitionTimeout:   5 * time.Second,
		MaxWaitingRequests:   100,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Second,
		KeepaliveInterval:    15 * time.Second,
	}
}

type connState int

const (
	stateIdle connState = iota
	stateActive
	stateReconnecting
	stateClosed
)

// pooledConn is one connection the pool owns exclusively.
type pooledConn struct {
	id         string
	client     *electrum.Client
	server     *registry.Server
	state      connState
	created    time.Time
	lastUsed   time.Time
	lastHealth time.Time
	useCount   int
	dedicated  bool
}

// Handle is returned by Acquire; callers must call Release exactly once.
type Handle struct {
	pool *Pool
	conn *pooledConn
}

// Client exposes the handle's underlying Electrum client.
func (h *Handle) Client() *electrum.Client { return h.conn.client }

// Release returns the connection to the pool as idle and wakes the oldest
// waiter, if any. Dedicated connections are never recycled this way; they
// are not handed out by Acquire in the first place.
func (h *Handle) Release() {
	h.pool.release(h.conn)
}

// WithClient acquires a connection, runs fn against its client, and
// releases the connection whatever the outcome. The client reference must
// not be retained past fn's return.
func (p *Pool) WithClient(ctx context.Context, fn func(*electrum.Client) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Client())
}

// Stats is a snapshot of the pool's acquisition counters.
type Stats struct {
	Acquisitions        int64
	AvgAcquireTime      time.Duration
	LiveConnections     int
	IdleConnections     int
	WaitingAcquisitions int
}

// Pool fans connections across the servers in a registry.Registry.
type Pool struct {
	cfg      Config
	registry *registry.Registry
	dialBase electrum.DialConfig

	mu           sync.Mutex
	conns        map[string]*pooledConn
	idle         *list.List // of *pooledConn, oldest-release-first
	waiters      *list.List // of chan *pooledConn
	dedicatedID  string
	rrCounter    float64

	acquisitions     int64
	totalAcquireTime time.Duration

	initOnce    sync.Once
	initErr     error
	initDone    chan struct{}
	initialized bool

	// dedicatedMu serializes dedicated-connection designation so two
	// concurrent SubscriptionConnection calls can't each dial one.
	dedicatedMu sync.Mutex

	shutdownMu sync.Mutex
	shutdown   bool

	events chan Event

	healthTicker    *time.Ticker
	idleTicker      *time.Ticker
	keepaliveTicker *time.Ticker
	stopCh          chan struct{}
	stopWG          sync.WaitGroup

	connSeq int
}

// New builds a Pool bound to reg, dialing new connections with dialBase as
// the template DialConfig (Addr is overridden per server).
func New(cfg Config, reg *registry.Registry, dialBase electrum.DialConfig) *Pool {
	return &Pool{
		cfg:      cfg,
		registry: reg,
		dialBase: dialBase,
		conns:    make(map[string]*pooledConn),
		idle:     list.New(),
		waiters:  list.New(),
		events:   make(chan Event, 32),
		initDone: make(chan struct{}),
	}
}

// Events exposes pool-level notifications (subscription_reconnected, etc).
func (p *Pool) Events() <-chan Event { return p.events }

// Stats snapshots the pool's acquisition counters and connection counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Acquisitions:        p.acquisitions,
		IdleConnections:     p.idle.Len(),
		WaitingAcquisitions: p.waiters.Len(),
	}
	for _, pc := range p.conns {
		if pc.state != stateClosed {
			st.LiveConnections++
		}
	}
	if p.acquisitions > 0 {
		st.AvgAcquireTime = p.totalAcquireTime / time.Duration(p.acquisitions)
	}
	return st
}

func (p *Pool) recordAcquisition(elapsed time.Duration) {
	p.mu.Lock()
	p.acquisitions++
	p.totalAcquireTime += elapsed
	p.mu.Unlock()
}

// effectiveMin/effectiveMax apply the scaling rule: at least one
// connection per enabled server.
func (p *Pool) effectiveMin() int {
	n := p.registry.Count()
	return int(math.Max(float64(p.cfg.MinConnections), float64(n)))
}

func (p *Pool) effectiveMax() int {
	n := p.registry.Count()
	return int(math.Max(float64(p.cfg.MaxConnections), float64(n)))
}

// Initialize is idempotent and race-safe: concurrent callers await the
// same in-flight attempt.
func (p *Pool) Initialize(ctx context.Context) error {
	p.initOnce.Do(func() {
		p.initErr = p.doInitialize(ctx)
		close(p.initDone)
	})
	<-p.initDone
	return p.initErr
}

func (p *Pool) doInitialize(ctx context.Context) error {
	target := p.effectiveMin()

	var wg sync.WaitGroup
	for i := 0; i < target; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// creation failures are ignored and never abort init
			_, _ = p.createConnection(ctx, false, false)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()

	p.stopCh = make(chan struct{})
	p.healthTicker = time.NewTicker(p.cfg.HealthCheckInterval)
	p.idleTicker = time.NewTicker(p.cfg.IdleTimeout / 2)
	p.keepaliveTicker = time.NewTicker(p.cfg.KeepaliveInterval)

	p.stopWG.Add(3)
	go p.healthLoop()
	go p.idleLoop()
	go p.keepaliveLoop()

	return nil
}

// createConnection selects a server, dials a fresh client against it, and
// registers the connection in the pool's map. When dedicated is true the
// connection is flagged so Acquire never hands it out. When handout is
// true the connection is born active and never enters the idle list, so a
// concurrent Acquire can't grab it before the creating caller does.
func (p *Pool) createConnection(ctx context.Context, dedicated, handout bool) (*pooledConn, error) {
	srv := p.selectServer()
	if srv == nil {
		return nil, errors.New("pool: no eligible server")
	}

	dialCfg := p.dialBase
	dialCfg.Addr = srv.Addr
	dialCfg.UseTLS = srv.UseTLS
	if dialCfg.Timeout == 0 {
		dialCfg.Timeout = p.cfg.ConnectionTimeout
	}

	client := electrum.NewClient(dialCfg)
	if err := client.Connect(ctx); err != nil {
		p.registry.RecordFailure(srv, registry.FailureDisconnect, time.Now())
		return nil, err
	}
	if _, err := client.ServerVersion(ctx); err != nil {
		_ = client.Close()
		p.registry.RecordFailure(srv, registry.FailureError, time.Now())
		return nil, err
	}
	p.registry.RecordSuccess(srv, time.Now())

	p.mu.Lock()
	p.connSeq++
	pc := &pooledConn{
		id:        connID(p.connSeq),
		client:    client,
		server:    srv,
		state:     stateIdle,
		created:   time.Now(),
		lastUsed:  time.Now(),
		dedicated: dedicated,
	}
	if handout {
		pc.state = stateActive
		pc.useCount++
	}
	p.conns[pc.id] = pc
	if dedicated {
		p.dedicatedID = pc.id
	} else if !handout {
		p.idle.PushBack(pc)
	}
	p.mu.Unlock()

	return pc, nil
}

func connID(seq int) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = chars[(seq*2654435761+i*97)%len(chars)]
	}
	return string(b)
}

// Acquire returns a handle to an idle connection, creating a new one if
// under effective_max, else waiting up to the acquisition timeout. Never
// returns the dedicated connection.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if !p.cfg.Enabled {
		return nil, errors.New("pool: disabled by configuration")
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	p.mu.Lock()
	if e := p.idle.Front(); e != nil {
		pc := e.Value.(*pooledConn)
		p.idle.Remove(e)
		pc.state = stateActive
		pc.useCount++
		p.mu.Unlock()
		p.recordAcquisition(time.Since(start))
		return &Handle{pool: p, conn: pc}, nil
	}

	nonDedicated := len(p.conns)
	if pc, ok := p.conns[p.dedicatedID]; ok && pc != nil {
		nonDedicated--
	}
	underMax := nonDedicated < p.effectiveMax()
	p.mu.Unlock()

	if underMax {
		if pc, err := p.createConnection(ctx, false, true); err == nil {
			p.recordAcquisition(time.Since(start))
			return &Handle{pool: p, conn: pc}, nil
		}
	}

	h, err := p.waitForConnection(ctx)
	if err != nil {
		return nil, err
	}
	p.recordAcquisition(time.Since(start))
	return h, nil
}

func (p *Pool) waitForConnection(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.waiters.Len() >= p.cfg.MaxWaitingRequests {
		p.mu.Unlock()
		return nil, errors.New("pool: acquisition queue full")
	}
	ch := make(chan *pooledConn, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquisitionTimeout)
	defer timer.Stop()

	select {
	case pc, ok := <-ch:
		if !ok || pc == nil {
			// channel closed by Shutdown
			return nil, errors.New("pool: shut down while waiting")
		}
		return &Handle{pool: p, conn: pc}, nil
	case <-timer.C:
		p.abandonWait(elem, ch)
		return nil, errors.New("pool: acquisition timed out")
	case <-ctx.Done():
		p.abandonWait(elem, ch)
		return nil, ctx.Err()
	}
}

// abandonWait removes a waiter entry and, if release already handed it a
// connection in the meantime, returns that connection to the pool so it
// isn't stranded in the active state with no owner.
func (p *Pool) abandonWait(elem *list.Element, ch chan *pooledConn) {
	p.mu.Lock()
	removed := false
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			removed = true
			break
		}
	}
	p.mu.Unlock()
	if removed {
		return
	}
	select {
	case pc := <-ch:
		if pc != nil {
			p.release(pc)
		}
	default:
	}
}

// release marks conn idle and either hands it directly to the oldest
// waiter or returns it to the idle list.
func (p *Pool) release(conn *pooledConn) {
	p.mu.Lock()
	conn.lastUsed = time.Now()
	if conn.state == stateClosed {
		p.mu.Unlock()
		return
	}
	conn.state = stateIdle

	if e := p.waiters.Front(); e != nil {
		ch := p.waiters.Remove(e).(chan *pooledConn)
		conn.state = stateActive
		p.mu.Unlock()
		ch <- conn
		return
	}

	p.idle.PushBack(conn)
	p.mu.Unlock()
}

// SubscriptionConnection returns the pool's dedicated connection,
// designating (and dialing) one if none exists yet.
func (p *Pool) SubscriptionConnection(ctx context.Context) (*electrum.Client, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	p.dedicatedMu.Lock()
	defer p.dedicatedMu.Unlock()

	p.mu.Lock()
	if pc, ok := p.conns[p.dedicatedID]; ok && pc.state != stateClosed {
		p.mu.Unlock()
		return pc.client, nil
	}
	p.mu.Unlock()

	pc, err := p.createConnection(ctx, true, false)
	if err != nil {
		return nil, err
	}
	return pc.client, nil
}

func (p *Pool) selectServer() *registry.Server {
	servers := p.registry.Enabled()
	if len(servers) == 0 {
		return nil
	}

	now := time.Now()
	eligible := make([]*registry.Server, 0, len(servers))
	for _, s := range servers {
		if !s.InCooldown(now) && s.AllowRecoveryRequest() {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return smallestCooldown(servers, now)
	}

	switch p.cfg.LoadBalancing {
	case FailoverOnly:
		return eligible[0]
	case LeastConnections:
		return p.selectLeastConnections(eligible)
	default:
		return p.selectRoundRobin(eligible)
	}
}

func smallestCooldown(servers []*registry.Server, now time.Time) *registry.Server {
	var best *registry.Server
	var bestRemaining time.Duration
	for _, s := range servers {
		remaining := s.CooldownRemaining(now)
		if best == nil || remaining < bestRemaining {
			best = s
			bestRemaining = remaining
		}
	}
	return best
}

func (p *Pool) selectLeastConnections(servers []*registry.Server) *registry.Server {
	p.mu.Lock()
	active := make(map[string]int)
	for _, pc := range p.conns {
		if pc.state == stateActive || pc.state == stateIdle {
			active[pc.server.ID]++
		}
	}
	p.mu.Unlock()

	var best *registry.Server
	var bestScore float64
	for _, s := range servers {
		score := 10*s.Weight() - float64(active[s.ID])
		if best == nil || score > bestScore {
			best = s
			bestScore = score
		}
	}
	return best
}

// goldenRatioConjugate is the stride constant for weighted round-robin
// selection over the cumulative weight space.
const goldenRatioConjugate = 0.6180339887498949

func (p *Pool) selectRoundRobin(servers []*registry.Server) *registry.Server {
	total := 0.0
	weights := make([]float64, len(servers))
	for i, s := range servers {
		weights[i] = s.Weight()
		total += weights[i]
	}
	if total <= 0 {
		return servers[0]
	}

	p.mu.Lock()
	p.rrCounter += goldenRatioConjugate
	p.rrCounter -= math.Floor(p.rrCounter)
	target := p.rrCounter * total
	p.mu.Unlock()

	cumulative := 0.0
	for i, s := range servers {
		cumulative += weights[i]
		if target < cumulative {
			return s
		}
	}
	return servers[len(servers)-1]
}

func (p *Pool) healthLoop() {
	defer p.stopWG.Done()
	for {
		select {
		case <-p.healthTicker.C:
			p.runHealthChecks()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) runHealthChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
	defer cancel()

	p.mu.Lock()
	snapshot := make([]*pooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		snapshot = append(snapshot, pc)
	}
	p.mu.Unlock()

	results := make(map[string][]registry.HealthResult)
	for _, pc := range snapshot {
		if pc.state != stateIdle && !(pc.dedicated && pc.state == stateActive) {
			continue
		}
		start := time.Now()
		_, err := pc.client.GetBlockHeader(ctx, 0)
		latency := time.Since(start)
		pc.lastHealth = time.Now()

		res := registry.HealthResult{At: pc.lastHealth, Success: err == nil, Latency: latency}
		if err != nil {
			res.Err = truncate(err.Error(), 200)
		}
		results[pc.server.ID] = append(results[pc.server.ID], res)

		if err != nil {
			if pc.dedicated {
				p.reconnectDedicated(pc)
			} else {
				// A failed non-dedicated connection is removed here and
				// replaced by ensureMinimumConnections below.
				p.removeConn(pc)
			}
		}
	}

	for id, rs := range results {
		srv, ok := p.registry.Get(id)
		if !ok {
			continue
		}
		p.registry.RecordHealthChecks(srv, rs)
	}

	p.ensureMinimumConnections(ctx)
}

// removeConn drops a connection from the pool entirely: closed, deleted
// from the map, and pulled out of the idle list if it was parked there.
func (p *Pool) removeConn(pc *pooledConn) {
	p.mu.Lock()
	pc.state = stateClosed
	delete(p.conns, pc.id)
	for e := p.idle.Front(); e != nil; e = e.Next() {
		if e.Value.(*pooledConn) == pc {
			p.idle.Remove(e)
			break
		}
	}
	p.mu.Unlock()
	_ = pc.client.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ensureMinimumConnections restores any enabled server with zero live
// connections.
func (p *Pool) ensureMinimumConnections(ctx context.Context) {
	p.mu.Lock()
	counts := make(map[string]int)
	for _, pc := range p.conns {
		if pc.state != stateClosed {
			counts[pc.server.ID]++
		}
	}
	p.mu.Unlock()

	for _, s := range p.registry.Enabled() {
		if counts[s.ID] == 0 {
			_, _ = p.createConnection(ctx, false, false)
		}
	}
}

func (p *Pool) reconnectDedicated(pc *pooledConn) {
	p.mu.Lock()
	pc.state = stateReconnecting
	p.mu.Unlock()

	go func() {
		for attempt := 1; attempt <= p.cfg.MaxReconnectAttempts; attempt++ {
			_ = pc.client.Close()
			delay := p.cfg.ReconnectDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			time.Sleep(delay)

			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
			err := pc.client.Connect(ctx)
			if err == nil {
				_, err = pc.client.ServerVersion(ctx)
			}
			cancel()
			if err == nil {
				p.mu.Lock()
				pc.state = stateActive
				p.mu.Unlock()
				select {
				case p.events <- Event{Kind: "subscription_reconnected", ServerID: pc.server.ID}:
				default:
				}
				return
			}
		}
		p.mu.Lock()
		pc.state = stateClosed
		delete(p.conns, pc.id)
		if p.dedicatedID == pc.id {
			p.dedicatedID = ""
		}
		p.mu.Unlock()
	}()
}

func (p *Pool) idleLoop() {
	defer p.stopWG.Done()
	for {
		select {
		case <-p.idleTicker.C:
			p.cleanupIdle()
		case <-p.stopCh:
			return
		}
	}
}

// cleanupIdle closes idle non-dedicated connections past the idle
// timeout, but never below effective_min.
func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	min := p.effectiveMin()
	liveCount := 0
	for _, pc := range p.conns {
		if pc.state != stateClosed {
			liveCount++
		}
	}

	now := time.Now()
	var next *list.Element
	for e := p.idle.Front(); e != nil && liveCount > min; e = next {
		next = e.Next()
		pc := e.Value.(*pooledConn)
		if now.Sub(pc.lastUsed) <= p.cfg.IdleTimeout {
			continue
		}
		p.idle.Remove(e)
		pc.state = stateClosed
		delete(p.conns, pc.id)
		_ = pc.client.Close()
		liveCount--
	}
}

func (p *Pool) keepaliveLoop() {
	defer p.stopWG.Done()
	for {
		select {
		case <-p.keepaliveTicker.C:
			p.pingIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) pingIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
	defer cancel()

	p.mu.Lock()
	snapshot := make([]*pooledConn, 0, p.idle.Len())
	for e := p.idle.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value.(*pooledConn))
	}
	p.mu.Unlock()

	for _, pc := range snapshot {
		_ = pc.client.Ping(ctx) // ping failures swallowed
	}
}

// ReloadServers diffs the incoming server set against the registry and
// disconnects every connection whose server was removed or disabled.
func (p *Pool) ReloadServers(records []registry.Record) {
	before := make(map[string]bool)
	for _, s := range p.registry.Enabled() {
		before[s.ID] = true
	}

	p.registry.LoadServers(records)

	after := make(map[string]bool)
	for _, s := range p.registry.Enabled() {
		after[s.ID] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pc := range p.conns {
		if after[pc.server.ID] {
			continue
		}
		pc.state = stateClosed
		_ = pc.client.Close()
		delete(p.conns, id)
		if p.dedicatedID == id {
			p.dedicatedID = ""
		}
		for e := p.idle.Front(); e != nil; e = e.Next() {
			if e.Value.(*pooledConn).id == id {
				p.idle.Remove(e)
				break
			}
		}
	}
}

// Shutdown rejects every waiter, stops timers, disconnects all
// connections, and clears all maps. Safe to call multiple times.
func (p *Pool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()
	if p.shutdown {
		return
	}
	p.shutdown = true

	if p.stopCh != nil {
		close(p.stopCh)
	}
	if p.healthTicker != nil {
		p.healthTicker.Stop()
	}
	if p.idleTicker != nil {
		p.idleTicker.Stop()
	}
	if p.keepaliveTicker != nil {
		p.keepaliveTicker.Stop()
	}
	p.stopWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan *pooledConn))
	}
	p.waiters.Init()

	for _, pc := range p.conns {
		_ = pc.client.Close()
	}
	p.conns = make(map[string]*pooledConn)
	p.idle.Init()
	p.dedicatedID = ""
}
