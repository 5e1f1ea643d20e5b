// Package sync implements the wallet sync pipeline: a sequence of
// phases that thread a shared context through history fetch, transaction
// classification, UTXO reconciliation, RBF linking, and BIP-44 gap-limit
// address discovery.
package sync

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/square/walletsync/internal/codec"
	"github.com/square/walletsync/internal/electrum"
	"github.com/square/walletsync/internal/pool"
	"github.com/square/walletsync/internal/reporter"
	"github.com/square/walletsync/internal/store"
	"github.com/square/walletsync/internal/utils"
)

// Profile selects which phases run. Quick skips consolidation-fix and
// gap-limit expansion.
type Profile int

const (
	ProfileFull Profile = iota
	ProfileQuick
)

// Context carries everything a phase needs, threaded and mutated
// phase-to-phase.
type Context struct {
	Ctx      context.Context
	WalletID string
	Network  utils.Network
	Profile  Profile

	Pool   *pool.Pool
	Store  store.Store
	Client *electrum.Client // acquired handle's client, set by the runner

	GapLimit uint32
	Deriver  *codec.Deriver // nil disables gap-limit discovery for this run

	// Address bookkeeping.
	Addresses    map[string]store.Address // address -> record
	Owned        map[string]bool          // address -> true, owned-by-wallet set
	DerivePath   map[string]string        // address -> derivation path

	BlockHeight int

	// TxHeights records the confirmation height observed for a txid
	// during history fetch (0 = unconfirmed with all inputs confirmed,
	// -1 = unconfirmed with at least one unconfirmed input).
	TxHeights map[string]int

	// TxCache memoizes fetched raw transactions across phases to avoid
	// refetching parent inputs.
	TxCache map[string]*codec.DecodedTx

	// Per-run accumulators mutated by phases.
	NewTxids     []string
	NewTxs       []store.Transaction
	NewAddresses []store.Address

	Settings store.SystemSettings

	// Notifier, when set, receives newly inserted transactions batch by
	// batch as phase H commits them.
	Notifier Notifier

	Stats *reporter.Reporter

	startedAt time.Time
}

// Phase is one pipeline stage. It returns the (possibly mutated) context
// or an error that terminates the sync; partial progress from earlier
// phases is already durable.
type Phase func(*Context) (*Context, error)

// NewContext builds an empty Context for one pipeline run. Callers fill
// Addresses/Owned/DerivePath via LoadAddresses before running phases.
func NewContext(ctx context.Context, walletID string, network utils.Network, profile Profile, p *pool.Pool, s store.Store) *Context {
	return &Context{
		Ctx:        ctx,
		WalletID:   walletID,
		Network:    network,
		Profile:    profile,
		Pool:       p,
		Store:      s,
		GapLimit:   20,
		Addresses:  make(map[string]store.Address),
		Owned:      make(map[string]bool),
		DerivePath: make(map[string]string),
		TxHeights:  make(map[string]int),
		TxCache:    make(map[string]*codec.DecodedTx),
		Stats:      reporter.New(walletID),
		startedAt:  time.Now(),
	}
}

// LoadAddresses seeds the context's owned-address bookkeeping from the
// store and, if the wallet record carries xpubs, builds the Deriver that
// drives gap-limit discovery.
func (sc *Context) LoadAddresses() error {
	addrs, err := sc.Store.FindAddressesByWallet(sc.WalletID)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		sc.Addresses[a.Address] = a
		sc.Owned[a.Address] = true
		sc.DerivePath[a.Address] = a.Path
	}

	settings, err := sc.Store.FindSystemSettings()
	if err != nil {
		return err
	}
	sc.Settings = settings

	w, err := sc.Store.FindWallet(sc.WalletID)
	if err != nil {
		return err
	}
	if len(w.Xpubs) > 0 {
		m := w.MultisigM
		if len(w.Xpubs) == 1 && m == 0 {
			m = 1 // single-sig wallets don't configure a quorum
		}
		if err := utils.VerifyMandN(m, len(w.Xpubs)); err != nil {
			return errors.Wrap(err, "sync: wallet multisig quorum")
		}
		w.MultisigM = m
		for _, xpub := range w.Xpubs {
			if utils.XpubToNetwork(xpub) != sc.Network.XpubNetworkClass() {
				return errors.Errorf("sync: xpub %s does not belong to network %s", xpub, sc.Network)
			}
		}
		sc.Deriver = codec.NewDeriver(sc.Network, w.Xpubs, w.MultisigM)
	}
	return nil
}

// AddressList returns the owned addresses, shuffled so that Electrum
// servers can't infer derivation order from query order.
func (sc *Context) AddressList() []string {
	out := make([]string, 0, len(sc.Owned))
	for a := range sc.Owned {
		out = append(out, a)
	}
	utils.ShuffleStrings(out)
	return out
}

// ScriptHashOf derives an address's Electrum scripthash.
func (sc *Context) ScriptHashOf(addr string) (string, error) {
	return codec.AddressScriptHash(addr, sc.Network)
}

// Elapsed returns how long this sync context has been running.
func (sc *Context) Elapsed() time.Duration {
	return time.Since(sc.startedAt)
}
