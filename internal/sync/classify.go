package sync

import (
	"github.com/square/walletsync/internal/codec"
	"github.com/square/walletsync/internal/store"
)

const txBatchSize = 10

// PhaseTxProcess processes new txids in batches of 10, classifying each
// as received/sent/consolidation, inserting transactions/inputs/outputs,
// detecting in-sync RBF replacement, auto-applying address labels, and
// recomputing the running wallet balance once every batch has landed.
func PhaseTxProcess(sc *Context) (*Context, error) {
	labels, err := sc.Store.FindLabelsByWallet(sc.WalletID)
	if err != nil {
		return sc, err
	}
	labelByAddr := make(map[string]string, len(labels))
	for _, l := range labels {
		labelByAddr[l.Address] = l.Text
	}

	sc.NewTxs = sc.NewTxs[:0]

	for start := 0; start < len(sc.NewTxids); start += txBatchSize {
		end := start + txBatchSize
		if end > len(sc.NewTxids) {
			end = len(sc.NewTxids)
		}
		batch := sc.NewTxids[start:end]

		if err := processTxBatch(sc, batch, labelByAddr); err != nil {
			return sc, err
		}
	}

	if err := recomputeBalance(sc); err != nil {
		return sc, err
	}
	return sc, nil
}

func processTxBatch(sc *Context, txids []string, labelByAddr map[string]string) error {
	rawTxs, err := sc.Client.GetTransactionsBatch(sc.Ctx, txids)
	if err != nil {
		// Batch fetch failed wholesale; fall back to per-txid fetches.
		rawTxs = make(map[string]string, len(txids))
		for _, txid := range txids {
			hex, ferr := sc.Client.GetTransaction(sc.Ctx, txid)
			if ferr != nil {
				return ferr
			}
			rawTxs[txid] = hex
		}
	}

	var confirmedThisBatch []store.Transaction
	var txsToInsert []store.Transaction
	var inputsToInsert []store.TxInput
	var outputsToInsert []store.TxOutput

	for _, txid := range txids {
		rawHex, ok := rawTxs[txid]
		if !ok {
			continue
		}
		decoded, err := sc.decodeAndCache(txid, rawHex)
		if err != nil {
			return err
		}

		height := sc.TxHeights[txid]
		confirmations := 0
		if height > 0 {
			confirmations = sc.BlockHeight - height + 1
		}

		cls, err := sc.classify(decoded)
		if err != nil {
			return err
		}

		rbfStatus := store.RBFActive
		if confirmations > 0 {
			rbfStatus = store.RBFConfirmed
		}

		tx := store.Transaction{
			WalletID:      sc.WalletID,
			Txid:          txid,
			Type:          cls.txType,
			AmountSat:     cls.amount,
			FeeSat:        cls.fee,
			Confirmations: confirmations,
			RBFStatus:     rbfStatus,
			Label:         firstLabel(decoded, cls, labelByAddr),
		}
		if height > 0 {
			h := height
			tx.BlockHeight = &h
		}
		txsToInsert = append(txsToInsert, tx)
		if confirmations > 0 {
			confirmedThisBatch = append(confirmedThisBatch, tx)
		}

		for i, vin := range decoded.Vin {
			in := store.TxInput{
				WalletID: sc.WalletID,
				Txid:     txid,
				Index:    uint32(i),
				PrevTxid: vin.PrevTxid,
				PrevVout: vin.Vout,
			}
			if prevAddr, ok := cls.inputAddrs[i]; ok {
				in.IsOurs = sc.Owned[prevAddr]
				in.Path = sc.DerivePath[prevAddr]
				in.ValueSat = cls.inputValues[i]
			}
			inputsToInsert = append(inputsToInsert, in)
		}

		for _, vout := range decoded.Vout {
			out := store.TxOutput{
				WalletID:  sc.WalletID,
				Txid:      txid,
				Index:     vout.Index,
				Address:   vout.Address,
				ValueSat:  vout.ValueSat,
				ScriptHex: vout.ScriptHex,
				IsOurs:    vout.HasAddr && sc.Owned[vout.Address],
			}
			out.Class = classifyOutput(cls.txType, out.IsOurs)
			outputsToInsert = append(outputsToInsert, out)
		}

		sc.Stats.IncTxProcessed()
	}

	if len(txsToInsert) > 0 {
		if _, err := sc.Store.CreateTransactions(txsToInsert); err != nil {
			return err
		}
	}
	if len(inputsToInsert) > 0 {
		if _, err := sc.Store.CreateTxInputs(inputsToInsert); err != nil {
			return err
		}
	}
	if len(outputsToInsert) > 0 {
		if _, err := sc.Store.CreateTxOutputs(outputsToInsert); err != nil {
			return err
		}
	}

	sc.NewTxs = append(sc.NewTxs, txsToInsert...)
	sc.notifyNewTransactions(txsToInsert)

	// In-sync RBF detector: for every confirmed tx in this batch, mark
	// active pending transactions sharing an input as replaced.
	if len(confirmedThisBatch) > 0 {
		if err := detectInSyncRBF(sc, confirmedThisBatch); err != nil {
			return err
		}
	}

	return nil
}

// firstLabel auto-applies the label of the first owned address touched by
// the transaction, on either side.
func firstLabel(tx *codec.DecodedTx, cls *classification, labelByAddr map[string]string) string {
	for _, out := range tx.Vout {
		if out.HasAddr {
			if label, ok := labelByAddr[out.Address]; ok {
				return label
			}
		}
	}
	for _, addr := range cls.inputAddrs {
		if label, ok := labelByAddr[addr]; ok {
			return label
		}
	}
	return ""
}

func classifyOutput(t store.TxType, isOurs bool) store.OutputClass {
	switch {
	case t == store.TxConsolidation:
		return store.OutputConsolidation
	case t == store.TxSent && isOurs:
		return store.OutputChange
	case t == store.TxSent && !isOurs:
		return store.OutputRecipient
	case t == store.TxReceived && isOurs:
		return store.OutputRecipient
	default:
		return store.OutputUnknown
	}
}

func detectInSyncRBF(sc *Context, confirmed []store.Transaction) error {
	pending, err := sc.Store.FindTransactionsByWallet(sc.WalletID)
	if err != nil {
		return err
	}

	confirmedInputs := make(map[string][]store.TxInput, len(confirmed))
	for _, tx := range confirmed {
		ins, err := sc.Store.FindTxInputsByTxid(sc.WalletID, tx.Txid)
		if err != nil {
			return err
		}
		confirmedInputs[tx.Txid] = ins
	}

	for _, p := range pending {
		if p.Confirmations > 0 || p.RBFStatus != store.RBFActive {
			continue
		}
		pIns, err := sc.Store.FindTxInputsByTxid(sc.WalletID, p.Txid)
		if err != nil {
			return err
		}
		for _, conf := range confirmed {
			if conf.Txid == p.Txid {
				continue
			}
			if sharesInput(pIns, confirmedInputs[conf.Txid]) {
				txid := conf.Txid
				if err := sc.Store.UpdateTransactionRBF(sc.WalletID, p.Txid, store.RBFReplaced, &txid); err != nil {
					return err
				}
				sc.Stats.IncRBFDetected()
				break
			}
		}
	}
	return nil
}

// decodeAndCache decodes a raw tx hex, memoizing the result in the
// context's shared cache.
func (sc *Context) decodeAndCache(txid, rawHex string) (*codec.DecodedTx, error) {
	if cached, ok := sc.TxCache[txid]; ok {
		return cached, nil
	}
	decoded, err := codec.DecodeRawTx(rawHex, sc.Network)
	if err != nil {
		return nil, err
	}
	sc.TxCache[txid] = decoded
	return decoded, nil
}

// fetchPrevOutput resolves a (prev_txid, vout) to its address and value,
// fetching and caching the parent transaction on demand if it isn't
// already in the tx cache.
func (sc *Context) fetchPrevOutput(prevTxid string, vout uint32) (addr string, valueSat int64, ok bool) {
	decoded, cached := sc.TxCache[prevTxid]
	if !cached {
		rawHex, err := sc.Client.GetTransaction(sc.Ctx, prevTxid)
		if err != nil {
			return "", 0, false
		}
		decoded, err = sc.decodeAndCache(prevTxid, rawHex)
		if err != nil {
			return "", 0, false
		}
	}
	for _, out := range decoded.Vout {
		if out.Index == vout {
			return out.Address, out.ValueSat, out.HasAddr
		}
	}
	return "", 0, false
}

type classification struct {
	txType      store.TxType
	amount      int64
	fee         *int64
	inputAddrs  map[int]string
	inputValues map[int]int64
}

// classify derives a transaction's type, amount, and fee from the
// wallet's view of its inputs and outputs.
func (sc *Context) classify(tx *codec.DecodedTx) (*classification, error) {
	inputAddrs := make(map[int]string)
	inputValues := make(map[int]int64)
	var totalInputs int64
	isSent := false

	for i, vin := range tx.Vin {
		if vin.Coinbase {
			continue
		}
		addr, value, ok := sc.fetchPrevOutput(vin.PrevTxid, vin.Vout)
		if !ok {
			continue
		}
		inputAddrs[i] = addr
		inputValues[i] = value
		totalInputs += value
		if sc.Owned[addr] {
			isSent = true
		}
	}

	var totalToExternal, totalToWallet, totalOutputs int64
	isReceived := false
	for _, out := range tx.Vout {
		totalOutputs += out.ValueSat
		if out.HasAddr && sc.Owned[out.Address] {
			isReceived = true
			totalToWallet += out.ValueSat
		} else {
			totalToExternal += out.ValueSat
		}
	}

	cls := &classification{inputAddrs: inputAddrs, inputValues: inputValues}

	switch {
	case isSent && totalToExternal == 0 && totalToWallet > 0:
		cls.txType = store.TxConsolidation
		fee := totalInputs - totalOutputs
		if fee >= 0 {
			cls.fee = &fee
			cls.amount = -fee
		}
	case isSent && totalToExternal > 0:
		cls.txType = store.TxSent
		fee := totalInputs - totalOutputs
		amount := totalToExternal
		if fee >= 0 {
			cls.fee = &fee
			amount += fee
		}
		cls.amount = -amount
	case !isSent && isReceived:
		cls.txType = store.TxReceived
		var sum int64
		for _, out := range tx.Vout {
			if out.HasAddr && sc.Owned[out.Address] {
				sum += out.ValueSat
			}
		}
		cls.amount = sum
	default:
		cls.txType = store.TxReceived
	}

	return cls, nil
}

// recomputeBalance sums confirmed+pending transaction amounts into the
// wallet's running balance.
func recomputeBalance(sc *Context) error {
	txs, err := sc.Store.FindTransactionsByWallet(sc.WalletID)
	if err != nil {
		return err
	}
	var balance int64
	for _, tx := range txs {
		if tx.RBFStatus == store.RBFReplaced {
			continue
		}
		balance += tx.AmountSat
	}
	return sc.Store.UpdateWalletBalance(sc.WalletID, balance)
}
