package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square/walletsync/internal/store"
	"github.com/square/walletsync/internal/utils"
)

func newTestSyncContext(ms *memStore) *Context {
	return NewContext(context.Background(), ms.wallet.ID, utils.Mainnet, ProfileFull, nil, ms)
}

func TestPhaseRBFCleanupMarksReplacedBySharedInput(t *testing.T) {
	ms := newMemStore("wallet-1")
	ms.txs["pending"] = store.Transaction{WalletID: "wallet-1", Txid: "pending", Confirmations: 0, RBFStatus: store.RBFActive}
	ms.txs["confirmed"] = store.Transaction{WalletID: "wallet-1", Txid: "confirmed", Confirmations: 1}
	ms.inputs["pending"] = []store.TxInput{{Txid: "pending", PrevTxid: "parent", PrevVout: 0}}
	ms.inputs["confirmed"] = []store.TxInput{{Txid: "confirmed", PrevTxid: "parent", PrevVout: 0}}

	sc := newTestSyncContext(ms)
	_, err := PhaseRBFCleanup(sc)
	require.NoError(t, err)

	updated := ms.txs["pending"]
	assert.Equal(t, store.RBFReplaced, updated.RBFStatus)
	require.NotNil(t, updated.ReplacedByTxid)
	assert.Equal(t, "confirmed", *updated.ReplacedByTxid)
	assert.EqualValues(t, 1, sc.Stats.GetRBFDetected())
}

func TestPhaseRBFCleanupLeavesUnrelatedPendingAlone(t *testing.T) {
	ms := newMemStore("wallet-1")
	ms.txs["pending"] = store.Transaction{WalletID: "wallet-1", Txid: "pending", Confirmations: 0, RBFStatus: store.RBFActive}
	ms.txs["confirmed"] = store.Transaction{WalletID: "wallet-1", Txid: "confirmed", Confirmations: 1}
	ms.inputs["pending"] = []store.TxInput{{Txid: "pending", PrevTxid: "parentA", PrevVout: 0}}
	ms.inputs["confirmed"] = []store.TxInput{{Txid: "confirmed", PrevTxid: "parentB", PrevVout: 0}}

	sc := newTestSyncContext(ms)
	_, err := PhaseRBFCleanup(sc)
	require.NoError(t, err)

	updated := ms.txs["pending"]
	assert.Equal(t, store.RBFActive, updated.RBFStatus)
	assert.Nil(t, updated.ReplacedByTxid)
}

func TestPhaseRBFCleanupRepairsOrphanedReplacedLink(t *testing.T) {
	ms := newMemStore("wallet-1")
	ms.txs["orphan"] = store.Transaction{WalletID: "wallet-1", Txid: "orphan", Confirmations: 0, RBFStatus: store.RBFReplaced}
	ms.txs["confirmed"] = store.Transaction{WalletID: "wallet-1", Txid: "confirmed", Confirmations: 2}
	ms.inputs["orphan"] = []store.TxInput{{Txid: "orphan", PrevTxid: "parent", PrevVout: 1}}
	ms.inputs["confirmed"] = []store.TxInput{{Txid: "confirmed", PrevTxid: "parent", PrevVout: 1}}

	sc := newTestSyncContext(ms)
	_, err := PhaseRBFCleanup(sc)
	require.NoError(t, err)

	updated := ms.txs["orphan"]
	require.NotNil(t, updated.ReplacedByTxid)
	assert.Equal(t, "confirmed", *updated.ReplacedByTxid)
}
