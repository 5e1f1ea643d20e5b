package electrum

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/pkg/errors"
)

// tcpKeepAlive is the raw-socket keepalive period, on top of the
// server.ping-based liveness checking done by the pool.
const tcpKeepAlive = 30 * time.Second

// DialConfig describes how to reach one Electrum server.
type DialConfig struct {
	Addr    string // host:port
	UseTLS  bool
	Timeout time.Duration

	// SOCKS5Proxy, when non-empty, tunnels the TCP connection through a
	// SOCKS5 proxy (host:port), e.g. a local Tor daemon. User/Pass are
	// optional proxy credentials.
	SOCKS5Proxy string
	SOCKS5User  string
	SOCKS5Pass  string
}

// dial opens the underlying connection: plain TCP, optionally wrapped in
// TLS, optionally tunneled through a SOCKS5 CONNECT.
func dial(cfg DialConfig) (net.Conn, error) {
	var conn net.Conn
	var err error

	if cfg.SOCKS5Proxy != "" {
		conn, err = dialSOCKS5(cfg)
	} else {
		conn, err = net.DialTimeout("tcp", cfg.Addr, cfg.Timeout)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "electrum: dial %s", cfg.Addr)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(tcpKeepAlive)
	}

	if cfg.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
		if err := tlsConn.SetDeadline(time.Now().Add(cfg.Timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "electrum: tls handshake")
		}
		_ = tlsConn.SetDeadline(time.Time{})
		return tlsConn, nil
	}

	return conn, nil
}

// dialSOCKS5 performs a standard SOCKS5 CONNECT to cfg.Addr via
// cfg.SOCKS5Proxy, with optional username/password auth.
func dialSOCKS5(cfg DialConfig) (net.Conn, error) {
	proxyCfg := &socks.Proxy{
		Addr:     cfg.SOCKS5Proxy,
		Username: cfg.SOCKS5User,
		Password: cfg.SOCKS5Pass,
	}
	return proxyCfg.Dial("tcp", cfg.Addr)
}

// TorMultiplier is applied to connection/request/batch timeouts when a
// SOCKS5 proxy is configured, because circuit establishment adds latency.
const TorMultiplier = 3
