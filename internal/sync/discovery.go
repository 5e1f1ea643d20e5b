package sync

import (
	"sort"

	"github.com/square/walletsync/internal/store"
)

// PhaseGapLimitAndConsolidationFix ensures a trailing run of at least
// GapLimit unused addresses on each BIP-44 chain, re-running
// fetch/process/reconcile for any freshly generated address that turns
// out to have history, then re-evaluates stored "sent" transactions for
// late consolidation reclassification.
func PhaseGapLimitAndConsolidationFix(sc *Context) (*Context, error) {
	var discovered []string
	if sc.Deriver != nil { // no xpub configured: discovery is opt-in per wallet
		external, err := ensureGapLimit(sc, 0)
		if err != nil {
			return sc, err
		}
		internalDiscovered, err := ensureGapLimit(sc, 1)
		if err != nil {
			return sc, err
		}
		discovered = append(external, internalDiscovered...)
	}

	if len(discovered) > 0 {
		if err := syncAddressSubset(sc, discovered); err != nil {
			return sc, err
		}
	}

	if err := fixLateConsolidations(sc); err != nil {
		return sc, err
	}

	return sc, nil
}

// ensureGapLimit derives and registers addresses on one chain until the
// trailing run of unused addresses is at least GapLimit, returning every
// newly derived address.
func ensureGapLimit(sc *Context, change uint32) ([]string, error) {
	existing := make([]store.Address, 0)
	for _, a := range sc.Addresses {
		if a.Change == change {
			existing = append(existing, a)
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Index < existing[j].Index })

	nextIndex := uint32(0)
	trailingUnused := uint32(0)
	if len(existing) > 0 {
		nextIndex = existing[len(existing)-1].Index + 1
		for i := len(existing) - 1; i >= 0 && !existing[i].Used; i-- {
			trailingUnused++
		}
	}

	var derived []string
	var newAddrRecords []store.Address
	for trailingUnused < sc.GapLimit {
		addr, path, err := sc.Deriver.Derive(change, nextIndex)
		if err != nil {
			return nil, err
		}
		newAddrRecords = append(newAddrRecords, store.Address{
			WalletID: sc.WalletID,
			Address:  addr,
			Path:     path,
			Change:   change,
			Index:    nextIndex,
		})
		derived = append(derived, addr)
		sc.Owned[addr] = true
		sc.DerivePath[addr] = path
		sc.Stats.IncAddressesDerived()

		nextIndex++
		trailingUnused++
	}

	if len(newAddrRecords) > 0 {
		if _, err := sc.Store.CreateAddresses(newAddrRecords); err != nil {
			return nil, err
		}
		for _, a := range newAddrRecords {
			sc.Addresses[a.Address] = a
		}
	}

	return derived, nil
}

// syncAddressSubset re-runs history fetch, tx processing, and UTXO
// reconcile scoped to a subset of addresses: any that turn out to have
// history graduate into the owned/used set and the gap window advances.
func syncAddressSubset(sc *Context, addrs []string) error {
	hasHistory := make(map[string]bool)

	for _, addr := range addrs {
		scriptHash, err := sc.ScriptHashOf(addr)
		if err != nil {
			return err
		}
		hist, err := sc.Client.GetHistory(sc.Ctx, scriptHash)
		if err != nil {
			return err
		}
		if len(hist) == 0 {
			continue
		}
		hasHistory[addr] = true

		var txids []string
		for _, h := range hist {
			sc.TxHeights[h.TxHash] = h.Height
			txids = append(txids, h.TxHash)
		}
		known, err := sc.Store.FindKnownTxids(sc.WalletID, txids)
		if err != nil {
			return err
		}
		sc.NewTxids = sc.NewTxids[:0]
		for _, txid := range txids {
			if !known[txid] {
				sc.NewTxids = append(sc.NewTxids, txid)
			}
		}
		if len(sc.NewTxids) > 0 {
			if _, err := PhaseTxProcess(sc); err != nil {
				return err
			}
		}
		if err := sc.Store.MarkAddressUsed(sc.WalletID, addr); err != nil {
			return err
		}
		if rec, ok := sc.Addresses[addr]; ok {
			rec.Used = true
			sc.Addresses[addr] = rec
		}
	}

	if len(hasHistory) == 0 {
		return nil
	}
	if _, err := PhaseUTXOReconcile(sc); err != nil {
		return err
	}

	// Addresses with fresh history widen the gap window further on the
	// same chain; recurse once per chain to keep the trailing-unused
	// invariant intact.
	byChain := map[uint32]bool{}
	for _, addr := range addrs {
		if rec, ok := sc.Addresses[addr]; ok && hasHistory[addr] {
			byChain[rec.Change] = true
		}
	}
	for change := range byChain {
		more, err := ensureGapLimit(sc, change)
		if err != nil {
			return err
		}
		if len(more) > 0 {
			if err := syncAddressSubset(sc, more); err != nil {
				return err
			}
		}
	}

	return nil
}

// fixLateConsolidations re-evaluates stored "sent" transactions: if every
// output address is now in the owned set (because addresses were derived
// after the original classification), retype to consolidation and
// recompute balances. No corrective event is emitted for the retype;
// the balance recompute is the only observable effect.
func fixLateConsolidations(sc *Context) error {
	txs, err := sc.Store.FindTransactionsByWallet(sc.WalletID)
	if err != nil {
		return err
	}

	changed := false
	for _, tx := range txs {
		if tx.Type != store.TxSent {
			continue
		}
		outs, err := sc.Store.FindTxOutputsByTxid(sc.WalletID, tx.Txid)
		if err != nil {
			return err
		}
		if allOwned(outs, sc.Owned) {
			var fee int64
			if tx.FeeSat != nil {
				fee = *tx.FeeSat
			}
			if err := sc.Store.UpdateTransactionType(sc.WalletID, tx.Txid, store.TxConsolidation, -fee); err != nil {
				return err
			}
			changed = true
		}
	}

	if changed {
		return recomputeBalance(sc)
	}
	return nil
}

func allOwned(outs []store.TxOutput, owned map[string]bool) bool {
	if len(outs) == 0 {
		return false
	}
	for _, o := range outs {
		if !owned[o.Address] {
			return false
		}
	}
	return true
}
