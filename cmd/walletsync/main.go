package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/square/walletsync/internal/codec"
	"github.com/square/walletsync/internal/config"
	"github.com/square/walletsync/internal/electrum"
	"github.com/square/walletsync/internal/pool"
	"github.com/square/walletsync/internal/registry"
	"github.com/square/walletsync/internal/store"
	syncpkg "github.com/square/walletsync/internal/sync"
	"github.com/square/walletsync/internal/utils"
)

var (
	app = kingpin.New("walletsync", "Self-hosted Bitcoin wallet sync core.")

	syncCmd       = app.Command("sync", "Run one pipeline pass for a wallet against a configured pool.")
	syncWalletID  = syncCmd.Arg("wallet-id", "Wallet id to sync.").Required().String()
	syncQuick     = syncCmd.Flag("quick", "Skip consolidation-fix and gap-limit expansion.").Default("false").Bool()

	poolStatusCmd = app.Command("pool-status", "Dump pool and server health for a network.")

	scriptHashCmd    = app.Command("scripthash", "Print the Electrum scripthash for an address.")
	scriptHashAddr   = scriptHashCmd.Arg("address", "Address to hash.").Required().String()

	network = app.Flag("network", "mainnet | testnet | signet | regtest").Default("mainnet").Enum("mainnet", "testnet", "signet", "regtest")
)

func main() {
	app.Version("0.1.0")
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case syncCmd.FullCommand():
		doSync()
	case poolStatusCmd.FullCommand():
		doPoolStatus()
	case scriptHashCmd.FullCommand():
		doScriptHash()
	default:
		panic("unreachable")
	}
}

func doScriptHash() {
	net := utils.Network(*network)
	if utils.AddressToNetwork(*scriptHashAddr) != net.XpubNetworkClass() {
		utils.PanicOnError(fmt.Errorf("address %s does not belong to network %s", *scriptHashAddr, net))
	}
	hash, err := codec.AddressScriptHash(*scriptHashAddr, net)
	utils.PanicOnError(err)
	fmt.Println(hash)
}

func doPoolStatus() {
	cfg, err := config.Load()
	utils.PanicOnError(err)

	st := mustBuildStore()
	reg, p := buildPool(cfg, st)
	ctx := context.Background()
	utils.PanicOnError(p.Initialize(ctx))
	defer p.Shutdown()

	for _, s := range reg.Enabled() {
		snap := s.Snapshot()
		fmt.Printf("%-20s priority=%-3d weight=%.2f healthy=%v backoff=%d total=%d failed=%d\n",
			snap.ID, snap.Priority, snap.Weight, snap.Healthy, snap.BackoffLevel, snap.TotalRequests, snap.FailedRequests)
	}

	stats := p.Stats()
	fmt.Printf("connections: live=%d idle=%d waiting=%d acquisitions=%d avg_acquire=%s\n",
		stats.LiveConnections, stats.IdleConnections, stats.WaitingAcquisitions, stats.Acquisitions, stats.AvgAcquireTime)
}

func doSync() {
	cfg, err := config.Load()
	utils.PanicOnError(err)

	st := mustBuildStore()
	_, p := buildPool(cfg, st)
	ctx := context.Background()
	utils.PanicOnError(p.Initialize(ctx))
	defer p.Shutdown()

	profile := syncpkg.ProfileFull
	if *syncQuick {
		profile = syncpkg.ProfileQuick
	}

	sc := syncpkg.NewContext(ctx, *syncWalletID, utils.Network(*network), profile, p, st)
	sc.GapLimit = cfg.GapLimit

	_, err = syncpkg.Run(sc)
	utils.PanicOnError(err)

	fmt.Printf("sync complete for wallet %s\n", *syncWalletID)
}

// buildPool loads the store's enabled server records for the configured
// network into a fresh registry and wraps it in a Pool.
func buildPool(cfg *config.Config, st store.Store) (*registry.Registry, *pool.Pool) {
	backoff := registry.DefaultBackoffConfig()
	reg := registry.NewRegistry(backoff)

	records, err := st.FindEnabledServers(*network)
	utils.PanicOnError(err)
	reg.LoadServers(serverRecordsToRegistry(records))

	poolCfg := pool.Config{
		Enabled:              true,
		MinConnections:       cfg.PoolMinConnections,
		MaxConnections:       cfg.PoolMaxConnections,
		LoadBalancing:        parseLoadBalancing(cfg.PoolLoadBalancing),
		ConnectionTimeout:    cfg.PoolConnectionTimeout,
		IdleTimeout:          cfg.PoolIdleTimeout,
		HealthCheckInterval:  cfg.PoolHealthCheckInterval,
		AcquisitionTimeout:   cfg.PoolAcquisitionTimeout,
		MaxWaitingRequests:   cfg.PoolMaxWaitingRequests,
		MaxReconnectAttempts: cfg.PoolMaxReconnectAttempts,
		ReconnectDelay:       cfg.PoolReconnectDelay,
		KeepaliveInterval:    cfg.PoolKeepaliveInterval,
	}

	dialBase := electrum.DialConfig{
		SOCKS5Proxy: cfg.SOCKS5Proxy,
		SOCKS5User:  cfg.SOCKS5User,
		SOCKS5Pass:  cfg.SOCKS5Pass,
	}

	return reg, pool.New(poolCfg, reg, dialBase)
}

// serverRecordsToRegistry adapts store-owned server records to the
// registry's own Record shape (host:port joined into one Addr string).
func serverRecordsToRegistry(records []store.ServerRecord) []registry.Record {
	out := make([]registry.Record, 0, len(records))
	for _, r := range records {
		out = append(out, registry.Record{
			ID:       r.ID,
			Addr:     fmt.Sprintf("%s:%d", r.Host, r.Port),
			UseTLS:   r.UseTLS,
			Priority: r.Priority,
			Enabled:  r.Enabled,
		})
	}
	return out
}

func parseLoadBalancing(s string) pool.LoadBalancing {
	switch s {
	case "least_connections":
		return pool.LeastConnections
	case "failover_only":
		return pool.FailoverOnly
	default:
		return pool.RoundRobin
	}
}

// mustBuildStore is a placeholder wiring point: production deployments
// supply a concrete store.Store backed by their own database. Out of
// scope here.
func mustBuildStore() store.Store {
	panic("walletsync: no store.Store wired; see internal/store.Store for the contract to implement")
}
