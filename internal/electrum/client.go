// Package electrum implements the Electrum JSON-RPC client: one socket,
// line-delimited framing, request multiplexing with per-request timeouts,
// batch requests, reconnection, and server-initiated subscription
// notifications.
package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Error kinds.
var (
	ErrConnectionLost   = errors.New("electrum: connection lost")
	ErrRequestTimeout   = errors.New("electrum: request timed out")
	ErrBatchTimeout     = errors.New("electrum: batch request timed out")
	ErrNotConnected     = errors.New("electrum: not connected")
	ErrAlreadyConnected = errors.New("electrum: already connected")
)

// Default timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultBatchTimeout   = 60 * time.Second
)

// EventKind discriminates the two notification shapes the client emits.
type EventKind int

const (
	EventNewBlock EventKind = iota
	EventAddressActivity
)

// Event is delivered on the client's Events() channel for server-initiated
// notifications.
type Event struct {
	Kind EventKind

	// EventNewBlock
	Height    int
	HeaderHex string

	// EventAddressActivity
	ScriptHash string
	Address    string // may be empty if the scripthash isn't one we track
	Status     string
}

// rpcError mirrors a JSON-RPC error object.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"-"`
}

func (e *rpcError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Raw)
}

// envelope is the superset shape of every line on the wire: a response
// carries id+result (or id+error); a notification carries method+params
// with id null/absent.
type envelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type pendingRequest struct {
	resultCh chan rpcResult
	timer    *time.Timer
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// Client owns exactly one Electrum connection. It is not safe to share a
// Client's inner connection across goroutines beyond what Request/Batch
// provide; the connection pool (internal/pool) is the sole owner of
// Clients and enforces that contract.
type Client struct {
	dialCfg DialConfig

	connMu sync.Mutex
	conn   net.Conn

	nextID uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingRequest

	writeMu sync.Mutex

	requestTimeout time.Duration
	batchTimeout   time.Duration

	// subscriptions
	scriptHashMu sync.RWMutex
	scriptHashes map[string]string // scripthash -> address

	headersSubscribed int32 // atomic bool; sticky across reconnects

	events chan Event

	serverVersionMu sync.Mutex
	serverVersion   string // cached; negotiated exactly once per connection

	closed int32
}

// NewClient creates a Client that is not yet connected. Call Connect
// before issuing requests, or rely on the auto-reconnect in
// Request/BatchRequest.
func NewClient(dialCfg DialConfig) *Client {
	requestTimeout := DefaultRequestTimeout
	batchTimeout := DefaultBatchTimeout
	if dialCfg.Timeout == 0 {
		dialCfg.Timeout = DefaultConnectTimeout
	}
	if dialCfg.SOCKS5Proxy != "" {
		dialCfg.Timeout *= TorMultiplier
		requestTimeout *= TorMultiplier
		batchTimeout *= TorMultiplier
	}
	return &Client{
		dialCfg:        dialCfg,
		pending:        make(map[uint64]*pendingRequest),
		scriptHashes:   make(map[string]string),
		events:         make(chan Event, 64),
		requestTimeout: requestTimeout,
		batchTimeout:   batchTimeout,
	}
}

// Events exposes the channel new_block/address_activity notifications are
// delivered on.
func (c *Client) Events() <-chan Event {
	return c.events
}

// attachConn installs an already-established connection and starts its
// read loop without dialing. Used by tests to wire a net.Pipe in place of
// a real socket.
func (c *Client) attachConn(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	atomic.StoreInt32(&c.closed, 0)
	go c.readLoop(conn)
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Connect dials the server and starts the read loop. Negotiating
// server.version is the caller's responsibility (via ServerVersion) since
// the protocol forbids re-negotiating on an already-negotiated connection;
// callers typically do this once right after Connect.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return ErrAlreadyConnected
	}

	conn, err := dial(c.dialCfg)
	if err != nil {
		return err
	}
	c.conn = conn
	atomic.StoreInt32(&c.closed, 0)

	go c.readLoop(conn)

	// Headers subscription is sticky: re-subscribe transparently after a
	// reconnect.
	if atomic.LoadInt32(&c.headersSubscribed) == 1 {
		go func() {
			_, _ = c.HeadersSubscribe(context.Background())
		}()
	}

	return nil
}

// Close shuts down the connection and rejects all pending requests.
func (c *Client) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	atomic.StoreInt32(&c.closed, 1)
	c.forgetServerVersion()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// forgetServerVersion drops the cached negotiation result. server.version
// may only be negotiated once per connection, so a new connection needs a
// fresh negotiation.
func (c *Client) forgetServerVersion() {
	c.serverVersionMu.Lock()
	c.serverVersion = ""
	c.serverVersionMu.Unlock()
}

func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.onDisconnect(conn, err)
			return
		}
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}
}

// onDisconnect rejects every pending entry and clears the pending map.
func (c *Client) onDisconnect(conn net.Conn, cause error) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	_ = conn.Close()
	c.forgetServerVersion()

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.pendingMu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		select {
		case p.resultCh <- rpcResult{err: errors.Wrap(ErrConnectionLost, cause.Error())}:
		default:
		}
	}
}

func (c *Client) handleLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		// Malformed JSON: a protocol error, dropped without closing the
		// connection.
		return
	}

	if env.Method != "" && env.ID == nil {
		c.handleNotification(env)
		return
	}

	if env.ID == nil {
		return // unparseable response with no id: ignore
	}

	c.pendingMu.Lock()
	p, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		// Unknown response id: dropped, non-fatal.
		return
	}

	p.timer.Stop()
	if env.Error != nil {
		select {
		case p.resultCh <- rpcResult{err: env.Error}:
		default:
		}
		return
	}
	select {
	case p.resultCh <- rpcResult{result: env.Result}:
	default:
	}
}

func (c *Client) handleNotification(env envelope) {
	switch env.Method {
	case "blockchain.headers.subscribe":
		var params []json.RawMessage
		if err := json.Unmarshal(env.Params, &params); err != nil || len(params) == 0 {
			return
		}
		var header struct {
			Height int    `json:"height"`
			Hex    string `json:"hex"`
		}
		if err := json.Unmarshal(params[0], &header); err != nil {
			return
		}
		c.emit(Event{Kind: EventNewBlock, Height: header.Height, HeaderHex: header.Hex})
	case "blockchain.scripthash.subscribe":
		var params []string
		if err := json.Unmarshal(env.Params, &params); err != nil || len(params) != 2 {
			return
		}
		scriptHash, status := params[0], params[1]
		c.scriptHashMu.RLock()
		addr := c.scriptHashes[scriptHash]
		c.scriptHashMu.RUnlock()
		c.emit(Event{Kind: EventAddressActivity, ScriptHash: scriptHash, Address: addr, Status: status})
	default:
		// unknown notification: ignored
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// events channel full: drop rather than block the read loop.
	}
}

// request issues one JSON-RPC call and waits for its matching response or
// timeout, reconnecting first if the connection was lost.
func (c *Client) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	id := atomic.AddUint64(&c.nextID, 1)
	resultCh := make(chan rpcResult, 1)
	timer := time.AfterFunc(c.requestTimeout, func() {
		c.pendingMu.Lock()
		p, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if ok {
			select {
			case p.resultCh <- rpcResult{err: ErrRequestTimeout}:
			default:
			}
		}
	})

	c.pendingMu.Lock()
	c.pending[id] = &pendingRequest{resultCh: resultCh, timer: timer}
	c.pendingMu.Unlock()

	msg := struct {
		JsonRPC string      `json:"jsonrpc"`
		ID      uint64      `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params"`
	}{JsonRPC: "2.0", ID: id, Method: method, Params: params}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	body = append(body, '\n')

	if err := c.writeLine(body); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		timer.Stop()
		return nil, err
	}

	res := <-resultCh
	return res.result, res.err
}

func (c *Client) writeLine(body []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.requestTimeout))
	_, err := conn.Write(body)
	_ = conn.SetWriteDeadline(time.Time{})
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return errors.Wrap(ErrRequestTimeout, err.Error())
		}
		return errors.Wrap(ErrConnectionLost, err.Error())
	}
	return nil
}

// BatchItem is one call in a batch request.
type BatchItem struct {
	Method string
	Params interface{}
}

// BatchResult is the per-item outcome of a BatchRequest call. A timeout on
// one id never affects the others in the batch.
type BatchResult struct {
	Result json.RawMessage
	Err    error
}

// BatchRequest allocates N sequential ids, writes all N lines in one
// socket write, and returns N results in input order.
func (c *Client) BatchRequest(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	ids := make([]uint64, len(items))
	resultChs := make([]chan rpcResult, len(items))
	var buf []byte

	for i, item := range items {
		id := atomic.AddUint64(&c.nextID, 1)
		ids[i] = id
		resultCh := make(chan rpcResult, 1)
		resultChs[i] = resultCh

		timer := time.AfterFunc(c.batchTimeout, func(id uint64) func() {
			return func() {
				c.pendingMu.Lock()
				p, ok := c.pending[id]
				if ok {
					delete(c.pending, id)
				}
				c.pendingMu.Unlock()
				if ok {
					select {
					case p.resultCh <- rpcResult{err: ErrBatchTimeout}:
					default:
					}
				}
			}
		}(id))

		c.pendingMu.Lock()
		c.pending[id] = &pendingRequest{resultCh: resultCh, timer: timer}
		c.pendingMu.Unlock()

		msg := struct {
			JsonRPC string      `json:"jsonrpc"`
			ID      uint64      `json:"id"`
			Method  string      `json:"method"`
			Params  interface{} `json:"params"`
		}{JsonRPC: "2.0", ID: id, Method: item.Method, Params: item.Params}
		line, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if err := c.writeLine(buf); err != nil {
		for _, id := range ids {
			c.pendingMu.Lock()
			delete(c.pending, id)
			c.pendingMu.Unlock()
		}
		return nil, err
	}

	results := make([]BatchResult, len(items))
	for i, ch := range resultChs {
		r := <-ch
		results[i] = BatchResult{Result: r.result, Err: r.err}
	}
	return results, nil
}

// String gives a human-readable server identity without reaching into the
// dial config directly.
func (c *Client) String() string {
	return fmt.Sprintf("electrum-client(%s)", c.dialCfg.Addr)
}
