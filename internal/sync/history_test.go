package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square/walletsync/internal/store"
)

const testAddr = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"

func TestPhaseHistoryFetchComputesNewTxids(t *testing.T) {
	f := startElectrumFixture(t, map[string]interface{}{
		"blockchain.scripthash.get_history": []map[string]interface{}{
			{"tx_hash": "aa", "height": 100},
			{"tx_hash": "bb", "height": 105},
		},
	})

	ms := newMemStore("wallet-1")
	ms.addresses = []store.Address{{WalletID: "wallet-1", Address: testAddr}}
	ms.txs["bb"] = store.Transaction{WalletID: "wallet-1", Txid: "bb"}

	sc := newTestSyncContext(ms)
	require.NoError(t, sc.LoadAddresses())
	sc.Client = f.client(t)

	_, err := PhaseHistoryFetch(sc)
	require.NoError(t, err)

	assert.Equal(t, []string{"aa"}, sc.NewTxids, "already-known txids must be filtered out")
	assert.Equal(t, 105, sc.BlockHeight, "block height tracks the tallest history entry")
	assert.Equal(t, 100, sc.TxHeights["aa"])
}

func TestPhaseHistoryFetchIsIdempotent(t *testing.T) {
	f := startElectrumFixture(t, map[string]interface{}{
		"blockchain.scripthash.get_history": []map[string]interface{}{
			{"tx_hash": "aa", "height": 100},
		},
	})

	ms := newMemStore("wallet-1")
	ms.addresses = []store.Address{{WalletID: "wallet-1", Address: testAddr}}

	sc := newTestSyncContext(ms)
	require.NoError(t, sc.LoadAddresses())
	sc.Client = f.client(t)

	_, err := PhaseHistoryFetch(sc)
	require.NoError(t, err)
	require.Equal(t, []string{"aa"}, sc.NewTxids)

	// Simulate phase H having inserted the tx, then run the fetch again:
	// the second pass must see zero new txids.
	ms.txs["aa"] = store.Transaction{WalletID: "wallet-1", Txid: "aa"}
	_, err = PhaseHistoryFetch(sc)
	require.NoError(t, err)
	assert.Empty(t, sc.NewTxids)
}
