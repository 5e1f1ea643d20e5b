package sync

import "github.com/square/walletsync/internal/store"

// PhaseRBFCleanup marks pending transactions replaced by a confirmed
// transaction sharing an input, then repairs already-replaced
// transactions whose replaced-by link is still unset.
func PhaseRBFCleanup(sc *Context) (*Context, error) {
	txs, err := sc.Store.FindTransactionsByWallet(sc.WalletID)
	if err != nil {
		return sc, err
	}

	confirmed := make([]store.Transaction, 0, len(txs))
	pending := make([]store.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Confirmations > 0 {
			confirmed = append(confirmed, tx)
		} else if tx.RBFStatus == store.RBFActive {
			pending = append(pending, tx)
		}
	}

	inputsByTxid := make(map[string][]store.TxInput, len(txs))
	for _, tx := range txs {
		ins, err := sc.Store.FindTxInputsByTxid(sc.WalletID, tx.Txid)
		if err != nil {
			return sc, err
		}
		inputsByTxid[tx.Txid] = ins
	}

	if err := markReplaced(sc, pending, confirmed, inputsByTxid); err != nil {
		return sc, err
	}

	// Second pass: repair already-replaced transactions with no
	// replaced-by link yet.
	var orphaned []store.Transaction
	for _, tx := range txs {
		if tx.RBFStatus == store.RBFReplaced && tx.ReplacedByTxid == nil {
			orphaned = append(orphaned, tx)
		}
	}
	if err := markReplaced(sc, orphaned, confirmed, inputsByTxid); err != nil {
		return sc, err
	}

	return sc, nil
}

func markReplaced(sc *Context, candidates, confirmed []store.Transaction, inputsByTxid map[string][]store.TxInput) error {
	for _, cand := range candidates {
		candInputs := inputsByTxid[cand.Txid]
		for _, conf := range confirmed {
			if conf.Txid == cand.Txid {
				continue
			}
			if sharesInput(candInputs, inputsByTxid[conf.Txid]) {
				txid := conf.Txid
				if err := sc.Store.UpdateTransactionRBF(sc.WalletID, cand.Txid, store.RBFReplaced, &txid); err != nil {
					return err
				}
				sc.Stats.IncRBFDetected()
				break
			}
		}
	}
	return nil
}

func sharesInput(a, b []store.TxInput) bool {
	seen := make(map[string]bool, len(a))
	for _, in := range a {
		seen[in.PrevTxid+":"+itoa(in.PrevVout)] = true
	}
	for _, in := range b {
		if seen[in.PrevTxid+":"+itoa(in.PrevVout)] {
			return true
		}
	}
	return false
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
