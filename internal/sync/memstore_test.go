package sync

import (
	"time"

	"github.com/square/walletsync/internal/store"
)

// memStore is a minimal in-memory store.Store for exercising pipeline
// phases without a real database.
type memStore struct {
	wallet store.Wallet

	addresses []store.Address
	txs       map[string]store.Transaction
	inputs    map[string][]store.TxInput
	outputs   map[string][]store.TxOutput
	utxos     map[string]store.UTXO // keyed by txid:vout
	labels    []store.Label
	settings  store.SystemSettings
	servers   []store.ServerRecord
}

func newMemStore(walletID string) *memStore {
	return &memStore{
		wallet:   store.Wallet{ID: walletID, Network: "mainnet"},
		txs:      make(map[string]store.Transaction),
		inputs:   make(map[string][]store.TxInput),
		outputs:  make(map[string][]store.TxOutput),
		utxos:    make(map[string]store.UTXO),
		settings: store.DefaultSystemSettings(),
	}
}

func utxoKeyOf(txid string, vout uint32) string {
	return txid + ":" + itoa(vout)
}

func (m *memStore) FindWallet(id string) (*store.Wallet, error) {
	w := m.wallet
	return &w, nil
}

func (m *memStore) UpdateWalletBalance(id string, balance int64) error {
	m.wallet.Balance = balance
	return nil
}

func (m *memStore) FindAddressesByWallet(walletID string) ([]store.Address, error) {
	return append([]store.Address(nil), m.addresses...), nil
}

func (m *memStore) CreateAddresses(addrs []store.Address) (store.CreateResult, error) {
	res := store.CreateResult{}
	for _, a := range addrs {
		dup := false
		for _, existing := range m.addresses {
			if existing.Address == a.Address {
				dup = true
				break
			}
		}
		if dup {
			res.Skipped++
			continue
		}
		m.addresses = append(m.addresses, a)
		res.Inserted++
	}
	return res, nil
}

func (m *memStore) MarkAddressUsed(walletID, address string) error {
	for i := range m.addresses {
		if m.addresses[i].Address == address {
			m.addresses[i].Used = true
		}
	}
	return nil
}

func (m *memStore) FindTransactionsByWallet(walletID string) ([]store.Transaction, error) {
	out := make([]store.Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		out = append(out, tx)
	}
	return out, nil
}

func (m *memStore) FindKnownTxids(walletID string, txids []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for _, id := range txids {
		if _, ok := m.txs[id]; ok {
			known[id] = true
		}
	}
	return known, nil
}

func (m *memStore) CreateTransactions(txs []store.Transaction) (store.CreateResult, error) {
	res := store.CreateResult{}
	for _, tx := range txs {
		if _, ok := m.txs[tx.Txid]; ok {
			res.Skipped++
			continue
		}
		m.txs[tx.Txid] = tx
		res.Inserted++
	}
	return res, nil
}

func (m *memStore) UpdateTransactionRBF(walletID, txid string, status store.RBFStatus, replacedBy *string) error {
	tx := m.txs[txid]
	tx.RBFStatus = status
	tx.ReplacedByTxid = replacedBy
	m.txs[txid] = tx
	return nil
}

func (m *memStore) UpdateTransactionType(walletID, txid string, t store.TxType, amountSat int64) error {
	tx := m.txs[txid]
	tx.Type = t
	tx.AmountSat = amountSat
	m.txs[txid] = tx
	return nil
}

func (m *memStore) UpdateTransactionConfirmations(walletID, txid string, confirmations int, blockHeight *int, blockTime *time.Time) error {
	tx := m.txs[txid]
	tx.Confirmations = confirmations
	tx.BlockHeight = blockHeight
	tx.BlockTime = blockTime
	m.txs[txid] = tx
	return nil
}

func (m *memStore) CreateTxInputs(inputs []store.TxInput) (store.CreateResult, error) {
	for _, in := range inputs {
		m.inputs[in.Txid] = append(m.inputs[in.Txid], in)
	}
	return store.CreateResult{Inserted: len(inputs)}, nil
}

func (m *memStore) CreateTxOutputs(outputs []store.TxOutput) (store.CreateResult, error) {
	for _, out := range outputs {
		m.outputs[out.Txid] = append(m.outputs[out.Txid], out)
	}
	return store.CreateResult{Inserted: len(outputs)}, nil
}

func (m *memStore) FindTxInputsByTxid(walletID, txid string) ([]store.TxInput, error) {
	return m.inputs[txid], nil
}

func (m *memStore) FindTxOutputsByTxid(walletID, txid string) ([]store.TxOutput, error) {
	return m.outputs[txid], nil
}

func (m *memStore) FindUTXOsByWallet(walletID string) ([]store.UTXO, error) {
	out := make([]store.UTXO, 0, len(m.utxos))
	for _, u := range m.utxos {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) CreateUTXOs(utxos []store.UTXO) (store.CreateResult, error) {
	for _, u := range utxos {
		m.utxos[utxoKeyOf(u.Txid, u.Vout)] = u
	}
	return store.CreateResult{Inserted: len(utxos)}, nil
}

func (m *memStore) MarkUTXOSpent(walletID, txid string, vout uint32) error {
	key := utxoKeyOf(txid, vout)
	u := m.utxos[key]
	u.Spent = true
	m.utxos[key] = u
	return nil
}

func (m *memStore) UpdateUTXOConfirmations(walletID, txid string, vout uint32, confirmations int) error {
	key := utxoKeyOf(txid, vout)
	u := m.utxos[key]
	u.Confirmations = confirmations
	m.utxos[key] = u
	return nil
}

func (m *memStore) FindLabelsByWallet(walletID string) ([]store.Label, error) {
	return append([]store.Label(nil), m.labels...), nil
}

func (m *memStore) FindSystemSettings() (store.SystemSettings, error) {
	return m.settings, nil
}

func (m *memStore) FindEnabledServers(network string) ([]store.ServerRecord, error) {
	return append([]store.ServerRecord(nil), m.servers...), nil
}
