// Package reporter tracks pipeline progress while a wallet sync runs.
// Each sync context carries its own instance so concurrent wallet syncs
// don't share counters.
package reporter

import (
	"fmt"
	"sync/atomic"
)

// Reporter accumulates the stats record a sync context carries:
// per-phase counts plus a running log sink.
type Reporter struct {
	walletID string

	addressesScanned  uint32
	txidsFetched      uint32
	txidsNew          uint32
	txProcessed       uint32
	rbfDetected       uint32
	utxosInserted     uint32
	utxosSpent        uint32
	addressesDerived  uint32
}

// New creates a Reporter for one wallet's sync run.
func New(walletID string) *Reporter {
	return &Reporter{walletID: walletID}
}

func (r *Reporter) Log(msg string) {
	fmt.Printf("[%s] addr=%d txid=%d/%d tx=%d rbf=%d utxo+%d/-%d: %s\n",
		r.walletID, r.GetAddressesScanned(), r.GetTxidsNew(), r.GetTxidsFetched(),
		r.GetTxProcessed(), r.GetRBFDetected(), r.GetUTXOsInserted(), r.GetUTXOsSpent(), msg)
}

func (r *Reporter) Logf(format string, args ...interface{}) {
	r.Log(fmt.Sprintf(format, args...))
}

func (r *Reporter) IncAddressesScanned() { atomic.AddUint32(&r.addressesScanned, 1) }
func (r *Reporter) GetAddressesScanned() uint32 { return atomic.LoadUint32(&r.addressesScanned) }

func (r *Reporter) AddTxidsFetched(n int) { atomic.AddUint32(&r.txidsFetched, uint32(n)) }
func (r *Reporter) GetTxidsFetched() uint32 { return atomic.LoadUint32(&r.txidsFetched) }

func (r *Reporter) AddTxidsNew(n int) { atomic.AddUint32(&r.txidsNew, uint32(n)) }
func (r *Reporter) GetTxidsNew() uint32 { return atomic.LoadUint32(&r.txidsNew) }

func (r *Reporter) IncTxProcessed() { atomic.AddUint32(&r.txProcessed, 1) }
func (r *Reporter) GetTxProcessed() uint32 { return atomic.LoadUint32(&r.txProcessed) }

func (r *Reporter) IncRBFDetected() { atomic.AddUint32(&r.rbfDetected, 1) }
func (r *Reporter) GetRBFDetected() uint32 { return atomic.LoadUint32(&r.rbfDetected) }

func (r *Reporter) AddUTXOsInserted(n int) { atomic.AddUint32(&r.utxosInserted, uint32(n)) }
func (r *Reporter) GetUTXOsInserted() uint32 { return atomic.LoadUint32(&r.utxosInserted) }

func (r *Reporter) AddUTXOsSpent(n int) { atomic.AddUint32(&r.utxosSpent, uint32(n)) }
func (r *Reporter) GetUTXOsSpent() uint32 { return atomic.LoadUint32(&r.utxosSpent) }

func (r *Reporter) IncAddressesDerived() { atomic.AddUint32(&r.addressesDerived, 1) }
func (r *Reporter) GetAddressesDerived() uint32 { return atomic.LoadUint32(&r.addressesDerived) }
