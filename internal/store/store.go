// Package store defines the narrow persistence contract the sync pipeline
// consumes: findMany/findUnique/update/createMany(skipDuplicates)
// over the handful of record types a wallet sync touches. The core never
// depends on a concrete database; callers wire in an implementation (SQL,
// key-value, in-memory for tests).
package store

import "time"

// TxType classifies a transaction from the owning wallet's perspective.
type TxType string

const (
	TxReceived     TxType = "received"
	TxSent         TxType = "sent"
	TxConsolidation TxType = "consolidation"
)

// RBFStatus tracks replace-by-fee state.
type RBFStatus string

const (
	RBFActive    RBFStatus = "active"
	RBFConfirmed RBFStatus = "confirmed"
	RBFReplaced  RBFStatus = "replaced"
)

// OutputClass classifies a transaction output.
type OutputClass string

const (
	OutputChange      OutputClass = "change"
	OutputRecipient   OutputClass = "recipient"
	OutputConsolidation OutputClass = "consolidation"
	OutputUnknown     OutputClass = "unknown"
)

// Wallet is the store-owned wallet record.
type Wallet struct {
	ID      string
	Network string
	Balance int64

	// Xpubs and MultisigM configure gap-limit address discovery: a
	// single entry is a single-sig wallet, several entries form
	// an MultisigM-of-len(Xpubs) P2SH-wrapped P2WSH wallet. Nil/empty Xpubs disables
	// discovery for this wallet.
	Xpubs     []string
	MultisigM int
}

// Address is a wallet-scoped derived address.
type Address struct {
	WalletID string
	Address  string
	Path     string // e.g. "m/84'/0'/0'/0/12"
	Change   uint32 // 0 = external, 1 = internal
	Index    uint32
	Used     bool
}

// Transaction is the store-owned transaction record.
type Transaction struct {
	WalletID        string
	Txid            string
	Type            TxType
	AmountSat       int64
	FeeSat          *int64
	Confirmations   int
	BlockHeight     *int
	BlockTime       *time.Time
	RBFStatus       RBFStatus
	ReplacedByTxid  *string
	Label           string // auto-applied from the address-level label, if any
}

// TxInput is a positional transaction input.
type TxInput struct {
	WalletID   string
	Txid       string
	Index      uint32
	PrevTxid   string
	PrevVout   uint32
	Path       string // set when the prev-output address is ours
	ValueSat   int64  // resolved prev-output value, when known
	IsOurs     bool
}

// TxOutput is a positional transaction output.
type TxOutput struct {
	WalletID  string
	Txid      string
	Index     uint32
	Address   string
	ValueSat  int64
	ScriptHex string
	Class     OutputClass
	IsOurs    bool
}

// UTXO is an unspent (or formerly unspent) transaction output.
type UTXO struct {
	WalletID      string
	Txid          string
	Vout          uint32
	Address       string
	ValueSat      int64
	Confirmations int
	Spent         bool
	Frozen        bool
	DraftLocked   bool
}

// Label is a user-assigned address label, auto-applied to transactions
// touching that address.
type Label struct {
	WalletID string
	Address  string
	Text     string
}

// SystemSettings holds the small set of recognized tunables.
type SystemSettings struct {
	DustThreshold             int64
	ConfirmationThreshold     int
	DeepConfirmationThreshold int
}

// DefaultSystemSettings supplies the recognized settings' defaults.
func DefaultSystemSettings() SystemSettings {
	return SystemSettings{DustThreshold: 546, ConfirmationThreshold: 1, DeepConfirmationThreshold: 3}
}

// ServerRecord is the store-owned Electrum server record.
type ServerRecord struct {
	ID       string
	Label    string
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Enabled  bool
	Network  string
}

// CreateResult reports how many of a createMany call's rows were actually
// inserted versus skipped as duplicates.
type CreateResult struct {
	Inserted int
	Skipped  int
}

// Store is the full persistence contract the pipeline depends on. Every
// method is narrow and table-scoped, mirroring the store contract's
// find/update/createMany shape rather than exposing a query builder.
type Store interface {
	WalletStore
	AddressStore
	TransactionStore
	UTXOStore
	LabelStore
	SettingsStore
	ServerStore
}

type WalletStore interface {
	FindWallet(id string) (*Wallet, error)
	UpdateWalletBalance(id string, balance int64) error
}

type AddressStore interface {
	FindAddressesByWallet(walletID string) ([]Address, error)
	CreateAddresses(addrs []Address) (CreateResult, error)
	MarkAddressUsed(walletID, address string) error
}

type TransactionStore interface {
	FindTransactionsByWallet(walletID string) ([]Transaction, error)
	FindKnownTxids(walletID string, txids []string) (map[string]bool, error)
	CreateTransactions(txs []Transaction) (CreateResult, error)
	UpdateTransactionRBF(walletID, txid string, status RBFStatus, replacedBy *string) error
	UpdateTransactionType(walletID, txid string, t TxType, amountSat int64) error
	UpdateTransactionConfirmations(walletID, txid string, confirmations int, blockHeight *int, blockTime *time.Time) error

	CreateTxInputs(inputs []TxInput) (CreateResult, error)
	CreateTxOutputs(outputs []TxOutput) (CreateResult, error)
	FindTxInputsByTxid(walletID, txid string) ([]TxInput, error)
	FindTxOutputsByTxid(walletID, txid string) ([]TxOutput, error)
}

type UTXOStore interface {
	FindUTXOsByWallet(walletID string) ([]UTXO, error)
	CreateUTXOs(utxos []UTXO) (CreateResult, error)
	MarkUTXOSpent(walletID, txid string, vout uint32) error
	UpdateUTXOConfirmations(walletID, txid string, vout uint32, confirmations int) error
}

type LabelStore interface {
	FindLabelsByWallet(walletID string) ([]Label, error)
}

type SettingsStore interface {
	FindSystemSettings() (SystemSettings, error)
}

type ServerStore interface {
	FindEnabledServers(network string) ([]ServerRecord, error)
}
