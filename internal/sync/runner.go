package sync

import "github.com/pkg/errors"

// fullPhases is the sequence run for Profile: full.
var fullPhases = []struct {
	name string
	fn   Phase
}{
	{"rbf_cleanup", PhaseRBFCleanup},
	{"history_fetch", PhaseHistoryFetch},
	{"tx_process", PhaseTxProcess},
	{"utxo_reconcile", PhaseUTXOReconcile},
	{"gap_limit_and_consolidation_fix", PhaseGapLimitAndConsolidationFix},
}

// quickPhases omits consolidation-fix and gap-limit expansion.
var quickPhases = []struct {
	name string
	fn   Phase
}{
	{"rbf_cleanup", PhaseRBFCleanup},
	{"history_fetch", PhaseHistoryFetch},
	{"tx_process", PhaseTxProcess},
	{"utxo_reconcile", PhaseUTXOReconcile},
}

// Run acquires a pool handle, loads the wallet's addresses, and executes
// each phase in order. Phase failures propagate and terminate the sync;
// earlier phases' writes remain durable.
func Run(sc *Context) (*Context, error) {
	if err := sc.LoadAddresses(); err != nil {
		return sc, errors.Wrap(err, "sync: load addresses")
	}

	handle, err := sc.Pool.Acquire(sc.Ctx)
	if err != nil {
		return sc, errors.Wrap(err, "sync: acquire connection")
	}
	defer handle.Release()
	sc.Client = handle.Client()

	height, err := sc.Client.GetBlockHeight(sc.Ctx)
	if err != nil {
		return sc, errors.Wrap(err, "sync: chain height")
	}
	sc.BlockHeight = height

	phases := fullPhases
	if sc.Profile == ProfileQuick {
		phases = quickPhases
	}

	for _, p := range phases {
		sc.Stats.Logf("starting phase %s", p.name)
		sc, err = p.fn(sc)
		if err != nil {
			return sc, errors.Wrapf(err, "sync: phase %s", p.name)
		}
	}
	return sc, nil
}
