package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/square/walletsync/internal/electrum"
)

// electrumFixture is an in-process Electrum server on a real TCP socket
// with canned per-method responses, used to exercise pipeline phases that
// talk to the chain.
type electrumFixture struct {
	ln        net.Listener
	responses map[string]interface{} // method -> result
}

func startElectrumFixture(t *testing.T, responses map[string]interface{}) *electrumFixture {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &electrumFixture{ln: ln, responses: responses}
	go f.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *electrumFixture) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *electrumFixture) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
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
		result, ok := f.responses[req.Method]
		if !ok && req.Method == "server.version" {
			result = []string{"fixture/1.0", "1.4"}
		}
		resp, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
		_, _ = conn.Write(append(resp, '\n'))
	}
}

// client dials a fresh electrum.Client against the fixture.
func (f *electrumFixture) client(t *testing.T) *electrum.Client {
	t.Helper()
	c := electrum.NewClient(electrum.DialConfig{Addr: f.ln.Addr().String()})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}
