package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square/walletsync/internal/electrum"
	"github.com/square/walletsync/internal/registry"
)

// fixtureServer is an in-process Electrum server listening on a real TCP
// socket, answering the handful of methods the pool exercises. While
// rejecting, accepted connections are closed immediately, simulating a
// server that is up but unusable.
type fixtureServer struct {
	ln net.Listener

	mu     sync.Mutex
	conns  []net.Conn
	reject bool
}

func (f *fixtureServer) setReject(v bool) {
	f.mu.Lock()
	f.reject = v
	f.mu.Unlock()
}

func (f *fixtureServer) rejecting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reject
}

// dropConnections force-closes every live connection server-side.
func (f *fixtureServer) dropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *fixtureServer) track(conn net.Conn) {
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
}

func startFixtureServer(t *testing.T) *fixtureServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fixtureServer{ln: ln}
	go f.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fixtureServer) addr() string { return f.ln.Addr().String() }

func (f *fixtureServer) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *fixtureServer) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	if f.rejecting() {
		return
	}
	f.track(conn)
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if json.Unmarshal(line, &req) != nil {
			continue
		}
		var result interface{}
		switch req.Method {
		case "server.version":
			result = []string{"fixture/1.0", "1.4"}
		case "blockchain.block.header":
			result = strings.Repeat("00", 80)
		case "blockchain.headers.subscribe":
			result = map[string]interface{}{"height": 654321, "hex": strings.Repeat("00", 80)}
		default:
			result = nil
		}
		resp, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
		_, _ = conn.Write(append(resp, '\n'))
	}
}

func newFixturePool(t *testing.T, f *fixtureServer, cfg Config) *Pool {
	t.Helper()
	reg := registry.NewRegistry(registry.BackoffConfig{})
	reg.LoadServers([]registry.Record{{ID: "s1", Addr: f.addr(), Priority: 0, Enabled: true}})
	p := New(cfg, reg, electrum.DialConfig{})
	t.Cleanup(p.Shutdown)
	return p
}

func TestAcquireRoundTripsThroughFixtureServer(t *testing.T) {
	f := startFixtureServer(t)
	p := newFixturePool(t, f, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, p.Initialize(ctx))

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	hdr, err := h.Client().GetBlockHeader(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hdr, 160)
	h.Release()

	st := p.Stats()
	assert.EqualValues(t, 1, st.Acquisitions)
	assert.Greater(t, st.AvgAcquireTime, time.Duration(0))
	assert.GreaterOrEqual(t, st.LiveConnections, 1)
}

func TestWithClientScopedAcquire(t *testing.T) {
	f := startFixtureServer(t)
	p := newFixturePool(t, f, DefaultConfig())
	ctx := context.Background()

	var height int
	err := p.WithClient(ctx, func(c *electrum.Client) error {
		var err error
		height, err = c.GetBlockHeight(ctx)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 654321, height)

	st := p.Stats()
	assert.EqualValues(t, 1, st.Acquisitions)
	assert.Greater(t, st.AvgAcquireTime, time.Duration(0))
}

func TestAcquireQueueOverflowFailsFast(t *testing.T) {
	f := startFixtureServer(t)
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 1
	cfg.MaxWaitingRequests = 0
	p := newFixturePool(t, f, cfg)
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer h.Release()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestReleaseWakesWaiter(t *testing.T) {
	f := startFixtureServer(t)
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 1
	cfg.AcquisitionTimeout = 2 * time.Second
	p := newFixturePool(t, f, cfg)
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h1.Release()
	}()

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2.Release()
}

func TestSubscriptionConnectionIsNeverHandedOut(t *testing.T) {
	f := startFixtureServer(t)
	p := newFixturePool(t, f, DefaultConfig())
	ctx := context.Background()

	sub, err := p.SubscriptionConnection(ctx)
	require.NoError(t, err)
	sub2, err := p.SubscriptionConnection(ctx)
	require.NoError(t, err)
	assert.Same(t, sub, sub2, "repeated calls must return the same dedicated connection")

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, sub, h.Client(), "ordinary acquire must never return the dedicated connection")
	h.Release()
}

func TestDedicatedConnectionSurvivesForcedDisconnect(t *testing.T) {
	f := startFixtureServer(t)
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	p := newFixturePool(t, f, cfg)
	ctx := context.Background()

	sub, err := p.SubscriptionConnection(ctx)
	require.NoError(t, err)
	_, err = sub.GetBlockHeader(ctx, 0)
	require.NoError(t, err)

	// Kill every socket server-side while the server keeps refusing
	// replacements, so the health check observes a dead dedicated
	// connection and starts its bounded reconnect loop.
	f.setReject(true)
	f.dropConnections()
	p.runHealthChecks()
	f.setReject(false)

	select {
	case ev := <-p.Events():
		assert.Equal(t, "subscription_reconnected", ev.Kind)
		assert.Equal(t, "s1", ev.ServerID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription_reconnected")
	}

	_, err = sub.GetBlockHeader(ctx, 0)
	assert.NoError(t, err, "the dedicated client must be usable after reconnect")
}

func TestReloadServersDisconnectsRemoved(t *testing.T) {
	f := startFixtureServer(t)
	p := newFixturePool(t, f, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, p.Initialize(ctx))
	require.GreaterOrEqual(t, p.Stats().LiveConnections, 1)

	p.ReloadServers(nil)
	assert.Equal(t, 0, p.Stats().LiveConnections, "removing every server must drop every connection")
}
