// Package config loads process-level configuration from the environment
// with github.com/kelseyhightower/envconfig, the way Fantasim-hdpay's
// service configuration does for its own HD wallet payment process.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config is the process-level configuration for the walletsync binary.
// Individual pool/backoff tunables live closer to their package
// (internal/pool.Config, internal/registry.BackoffConfig) and are derived
// from this struct's Pool* fields in cmd/walletsync.
type Config struct {
	Network string `envconfig:"NETWORK" default:"mainnet"`

	ServerListPath string `envconfig:"SERVER_LIST_PATH" required:"true"`

	SOCKS5Proxy string `envconfig:"SOCKS5_PROXY"`
	SOCKS5User  string `envconfig:"SOCKS5_USER"`
	SOCKS5Pass  string `envconfig:"SOCKS5_PASS"`

	PoolMinConnections       int           `envconfig:"POOL_MIN_CONNECTIONS" default:"1"`
	PoolMaxConnections       int           `envconfig:"POOL_MAX_CONNECTIONS" default:"5"`
	PoolLoadBalancing        string        `envconfig:"POOL_LOAD_BALANCING" default:"round_robin"`
	PoolConnectionTimeout    time.Duration `envconfig:"POOL_CONNECTION_TIMEOUT" default:"10s"`
	PoolIdleTimeout          time.Duration `envconfig:"POOL_IDLE_TIMEOUT" default:"5m"`
	PoolHealthCheckInterval  time.Duration `envconfig:"POOL_HEALTH_CHECK_INTERVAL" default:"30s"`
	PoolAcquisitionTimeout   time.Duration `envconfig:"POOL_ACQUISITION_TIMEOUT" default:"5s"`
	PoolMaxWaitingRequests   int           `envconfig:"POOL_MAX_WAITING_REQUESTS" default:"100"`
	PoolMaxReconnectAttempts int           `envconfig:"POOL_MAX_RECONNECT_ATTEMPTS" default:"3"`
	PoolReconnectDelay       time.Duration `envconfig:"POOL_RECONNECT_DELAY" default:"1s"`
	PoolKeepaliveInterval    time.Duration `envconfig:"POOL_KEEPALIVE_INTERVAL" default:"15s"`

	GapLimit uint32 `envconfig:"GAP_LIMIT" default:"20"`
}

// Load reads Config from the environment, prefixed WALLETSYNC_ (e.g.
// WALLETSYNC_NETWORK, WALLETSYNC_SERVER_LIST_PATH).
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("walletsync", &cfg); err != nil {
		return nil, errors.Wrap(err, "config: load")
	}
	return &cfg, nil
}
