package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square/walletsync/internal/codec"
	"github.com/square/walletsync/internal/store"
	"github.com/square/walletsync/internal/utils"
)

const testXpub = "xpub6CjzRxucHWJbmtuNTg6EjPax3V75AhsBRnFKn8MEkc8UFFEhrCoWcQN6oUBhfZWoFKqTyQ21iNVK8KMbC44ifW25uyXaMPWkRtpwcbAWXJx"

func TestEnsureGapLimitDerivesTrailingUnusedRun(t *testing.T) {
	ms := newMemStore("wallet-1")
	sc := newTestSyncContext(ms)
	sc.GapLimit = 5
	sc.Deriver = codec.NewDeriver(utils.Mainnet, []string{testXpub}, 1)

	derived, err := ensureGapLimit(sc, 0)
	require.NoError(t, err)
	assert.Len(t, derived, 5, "an empty chain needs a full gap window derived")
	assert.Len(t, ms.addresses, 5)
	for _, a := range derived {
		assert.True(t, sc.Owned[a], "derived addresses join the owned set")
	}
}

func TestEnsureGapLimitTopsUpAfterUse(t *testing.T) {
	ms := newMemStore("wallet-1")
	sc := newTestSyncContext(ms)
	sc.GapLimit = 5
	sc.Deriver = codec.NewDeriver(utils.Mainnet, []string{testXpub}, 1)

	first, err := ensureGapLimit(sc, 0)
	require.NoError(t, err)
	require.Len(t, first, 5)

	// Mark the newest address used: the trailing unused run shrinks to 0
	// and the next pass must derive a fresh window above it.
	rec := sc.Addresses[first[4]]
	rec.Used = true
	sc.Addresses[first[4]] = rec

	more, err := ensureGapLimit(sc, 0)
	require.NoError(t, err)
	assert.Len(t, more, 5)
	assert.NotContains(t, first, more[0])
}

func TestFixLateConsolidationsRetypesFullyOwnedSends(t *testing.T) {
	ms := newMemStore("wallet-1")
	fee := int64(500)
	ms.txs["tx1"] = store.Transaction{
		WalletID: "wallet-1", Txid: "tx1", Type: store.TxSent,
		AmountSat: -10500, FeeSat: &fee, RBFStatus: store.RBFConfirmed,
	}
	ms.outputs["tx1"] = []store.TxOutput{
		{Txid: "tx1", Index: 0, Address: "addr-late", ValueSat: 10000},
	}

	sc := newTestSyncContext(ms)
	// "addr-late" was derived after tx1's original classification.
	sc.Owned["addr-late"] = true

	require.NoError(t, fixLateConsolidations(sc))

	updated := ms.txs["tx1"]
	assert.Equal(t, store.TxConsolidation, updated.Type)
	assert.EqualValues(t, -500, updated.AmountSat, "a consolidation only costs its fee")
}

func TestFixLateConsolidationsLeavesPartialSendsAlone(t *testing.T) {
	ms := newMemStore("wallet-1")
	ms.txs["tx1"] = store.Transaction{WalletID: "wallet-1", Txid: "tx1", Type: store.TxSent, AmountSat: -10500}
	ms.outputs["tx1"] = []store.TxOutput{
		{Txid: "tx1", Index: 0, Address: "addr-owned", ValueSat: 4000},
		{Txid: "tx1", Index: 1, Address: "addr-external", ValueSat: 6000},
	}

	sc := newTestSyncContext(ms)
	sc.Owned["addr-owned"] = true

	require.NoError(t, fixLateConsolidations(sc))
	assert.Equal(t, store.TxSent, ms.txs["tx1"].Type)
}
