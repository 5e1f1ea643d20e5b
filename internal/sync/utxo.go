package sync

import "github.com/square/walletsync/internal/store"

type utxoKey struct {
	txid string
	vout uint32
}

// PhaseUTXOReconcile fetches current UTXOs per address and diffs them
// against the store's view: newly missing entries are marked spent,
// newly present entries are inserted, and surviving entries have their
// confirmations refreshed.
func PhaseUTXOReconcile(sc *Context) (*Context, error) {
	previous, err := sc.Store.FindUTXOsByWallet(sc.WalletID)
	if err != nil {
		return sc, err
	}
	prevByKey := make(map[utxoKey]store.UTXO, len(previous))
	for _, u := range previous {
		if !u.Spent {
			prevByKey[utxoKey{u.Txid, u.Vout}] = u
		}
	}

	addrs := sc.AddressList()
	hashes := make([]string, len(addrs))
	addrByHash := make(map[string]string, len(addrs))
	for i, addr := range addrs {
		hash, err := sc.ScriptHashOf(addr)
		if err != nil {
			return sc, err
		}
		hashes[i] = hash
		addrByHash[hash] = addr
	}

	byHash, err := sc.Client.ListUnspentBatch(sc.Ctx, hashes)
	if err != nil {
		return sc, err
	}

	current := make(map[utxoKey]store.UTXO)
	for hash, unspent := range byHash {
		addr := addrByHash[hash]
		for _, u := range unspent {
			confirmations := 0
			if u.Height > 0 {
				confirmations = sc.BlockHeight - u.Height + 1
			}
			current[utxoKey{u.TxHash, u.TxPos}] = store.UTXO{
				WalletID:      sc.WalletID,
				Txid:          u.TxHash,
				Vout:          u.TxPos,
				Address:       addr,
				ValueSat:      u.Value,
				Confirmations: confirmations,
			}
		}
	}

	var toInsert []store.UTXO
	for key, u := range current {
		if _, existed := prevByKey[key]; !existed {
			toInsert = append(toInsert, u)
			continue
		}
		if err := sc.Store.UpdateUTXOConfirmations(sc.WalletID, u.Txid, u.Vout, u.Confirmations); err != nil {
			return sc, err
		}
	}
	if len(toInsert) > 0 {
		if _, err := sc.Store.CreateUTXOs(toInsert); err != nil {
			return sc, err
		}
		sc.Stats.AddUTXOsInserted(len(toInsert))
	}

	var spentCount int
	for key, prev := range prevByKey {
		if _, stillThere := current[key]; !stillThere {
			if err := sc.Store.MarkUTXOSpent(sc.WalletID, prev.Txid, prev.Vout); err != nil {
				return sc, err
			}
			spentCount++
		}
	}
	sc.Stats.AddUTXOsSpent(spentCount)

	return sc, nil
}
