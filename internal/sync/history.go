package sync

// PhaseHistoryFetch fetches per-address histories in one batch, unions
// their txids, and computes the set of new txids not already known to
// the store.
func PhaseHistoryFetch(sc *Context) (*Context, error) {
	addrs := sc.AddressList()

	hashes := make([]string, len(addrs))
	for i, addr := range addrs {
		hash, err := sc.ScriptHashOf(addr)
		if err != nil {
			return sc, err
		}
		hashes[i] = hash
	}

	byHash, err := sc.Client.GetHistoriesBatch(sc.Ctx, hashes)
	if err != nil {
		return sc, err
	}

	seen := make(map[string]bool)
	var allTxids []string
	for _, hash := range hashes {
		sc.Stats.IncAddressesScanned()
		for _, h := range byHash[hash] {
			if h.Height > sc.BlockHeight {
				sc.BlockHeight = h.Height
			}
			sc.TxHeights[h.TxHash] = h.Height
			if !seen[h.TxHash] {
				seen[h.TxHash] = true
				allTxids = append(allTxids, h.TxHash)
			}
		}
	}
	sc.Stats.AddTxidsFetched(len(allTxids))

	known, err := sc.Store.FindKnownTxids(sc.WalletID, allTxids)
	if err != nil {
		return sc, err
	}

	sc.NewTxids = sc.NewTxids[:0]
	for _, txid := range allTxids {
		if !known[txid] {
			sc.NewTxids = append(sc.NewTxids, txid)
		}
	}
	sc.Stats.AddTxidsNew(len(sc.NewTxids))

	return sc, nil
}
