package electrum

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/bcext/cashutil"
	"github.com/pkg/errors"
)

// ProtocolVersion is the Electrum protocol version this client negotiates.
const ProtocolVersion = "1.4"

// ClientName is sent as the first server.version parameter.
const ClientName = "walletsync"

// ServerVersion negotiates and caches the server's protocol version. The
// protocol forbids calling this more than once per connection; subsequent
// calls return the cached value without a round trip.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	c.serverVersionMu.Lock()
	defer c.serverVersionMu.Unlock()
	if c.serverVersion != "" {
		return c.serverVersion, nil
	}

	raw, err := c.request(ctx, "server.version", []interface{}{ClientName, ProtocolVersion})
	if err != nil {
		return "", err
	}
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return "", errors.New("electrum: malformed server.version response")
	}
	c.serverVersion = pair[1]
	return c.serverVersion, nil
}

// Ping sends server.ping, the keepalive the pool's liveness loop relies on.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, "server.ping", []interface{}{})
	return err
}

// Balance is the result of blockchain.scripthash.get_balance.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

func (c *Client) GetBalance(ctx context.Context, scriptHash string) (*Balance, error) {
	raw, err := c.request(ctx, "blockchain.scripthash.get_balance", []interface{}{scriptHash})
	if err != nil {
		return nil, err
	}
	var bal Balance
	if err := json.Unmarshal(raw, &bal); err != nil {
		return nil, errors.Wrap(err, "electrum: malformed get_balance response")
	}
	return &bal, nil
}

// HistoryEntry is one element of blockchain.scripthash.get_history.
// Height 0 means unconfirmed with all inputs confirmed; height -1 means
// unconfirmed with at least one unconfirmed input.
type HistoryEntry struct {
	TxHash string `json:"tx_hash"`
	Height int    `json:"height"`
	Fee    int64  `json:"fee,omitempty"`
}

func (c *Client) GetHistory(ctx context.Context, scriptHash string) ([]HistoryEntry, error) {
	raw, err := c.request(ctx, "blockchain.scripthash.get_history", []interface{}{scriptHash})
	if err != nil {
		return nil, err
	}
	var hist []HistoryEntry
	if err := json.Unmarshal(raw, &hist); err != nil {
		return nil, errors.Wrap(err, "electrum: malformed get_history response")
	}
	return hist, nil
}

// GetHistoriesBatch fetches several scripthashes' histories in one batch
// request, returning them keyed by scripthash.
func (c *Client) GetHistoriesBatch(ctx context.Context, scriptHashes []string) (map[string][]HistoryEntry, error) {
	out := make(map[string][]HistoryEntry, len(scriptHashes))
	if len(scriptHashes) == 0 {
		return out, nil
	}
	items := make([]BatchItem, len(scriptHashes))
	for i, h := range scriptHashes {
		items[i] = BatchItem{Method: "blockchain.scripthash.get_history", Params: []interface{}{h}}
	}
	res, err := c.BatchRequest(ctx, items)
	if err != nil {
		return nil, err
	}
	for i, r := range res {
		if r.Err != nil {
			return nil, errors.Wrapf(r.Err, "electrum: history for %s", scriptHashes[i])
		}
		var hist []HistoryEntry
		if err := json.Unmarshal(r.Result, &hist); err != nil {
			return nil, errors.Wrap(err, "electrum: malformed get_history response")
		}
		out[scriptHashes[i]] = hist
	}
	return out, nil
}

// UnspentEntry is one element of blockchain.scripthash.listunspent.
type UnspentEntry struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int    `json:"height"`
	Value  int64  `json:"value"`
}

func (c *Client) ListUnspent(ctx context.Context, scriptHash string) ([]UnspentEntry, error) {
	raw, err := c.request(ctx, "blockchain.scripthash.listunspent", []interface{}{scriptHash})
	if err != nil {
		return nil, err
	}
	var utxos []UnspentEntry
	if err := json.Unmarshal(raw, &utxos); err != nil {
		return nil, errors.Wrap(err, "electrum: malformed listunspent response")
	}
	return utxos, nil
}

// ListUnspentBatch fetches several scripthashes' unspent outputs in one
// batch request, keyed by scripthash.
func (c *Client) ListUnspentBatch(ctx context.Context, scriptHashes []string) (map[string][]UnspentEntry, error) {
	out := make(map[string][]UnspentEntry, len(scriptHashes))
	if len(scriptHashes) == 0 {
		return out, nil
	}
	items := make([]BatchItem, len(scriptHashes))
	for i, h := range scriptHashes {
		items[i] = BatchItem{Method: "blockchain.scripthash.listunspent", Params: []interface{}{h}}
	}
	res, err := c.BatchRequest(ctx, items)
	if err != nil {
		return nil, err
	}
	for i, r := range res {
		if r.Err != nil {
			return nil, errors.Wrapf(r.Err, "electrum: listunspent for %s", scriptHashes[i])
		}
		var utxos []UnspentEntry
		if err := json.Unmarshal(r.Result, &utxos); err != nil {
			return nil, errors.Wrap(err, "electrum: malformed listunspent response")
		}
		out[scriptHashes[i]] = utxos
	}
	return out, nil
}

// ScriptHashSubscribe subscribes to status-change notifications for a
// scripthash and returns its current status (empty string if the
// scripthash has no history). The address is remembered so later
// notifications can be resolved back to it.
func (c *Client) ScriptHashSubscribe(ctx context.Context, scriptHash, address string) (string, error) {
	c.scriptHashMu.Lock()
	c.scriptHashes[scriptHash] = address
	c.scriptHashMu.Unlock()

	raw, err := c.request(ctx, "blockchain.scripthash.subscribe", []interface{}{scriptHash})
	if err != nil {
		return "", err
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", nil // null status: no history yet
	}
	return status, nil
}

// ScriptHashUnsubscribe forgets a scripthash -> address mapping. The
// protocol's blockchain.scripthash.unsubscribe method isn't universally
// supported by servers, so this only drops local bookkeeping; a
// resubscribe to a different address on the same scripthash simply
// overwrites it.
func (c *Client) ScriptHashUnsubscribe(scriptHash string) {
	c.scriptHashMu.Lock()
	delete(c.scriptHashes, scriptHash)
	c.scriptHashMu.Unlock()
}

// HeaderNotification is the payload of blockchain.headers.subscribe.
type HeaderNotification struct {
	Height int    `json:"height"`
	Hex    string `json:"hex"`
}

// HeadersSubscribe subscribes to new block headers. The subscription is
// sticky: Connect automatically re-issues it after a reconnect.
func (c *Client) HeadersSubscribe(ctx context.Context) (*HeaderNotification, error) {
	raw, err := c.request(ctx, "blockchain.headers.subscribe", []interface{}{})
	if err != nil {
		return nil, err
	}
	atomic.StoreInt32(&c.headersSubscribed, 1)

	var header HeaderNotification
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, errors.Wrap(err, "electrum: malformed headers.subscribe response")
	}
	return &header, nil
}

// GetBlockHeight returns the server's current chain tip height. The
// protocol's only height query is blockchain.headers.subscribe, so this
// also turns on the (sticky) header subscription as a side effect.
func (c *Client) GetBlockHeight(ctx context.Context) (int, error) {
	hdr, err := c.HeadersSubscribe(ctx)
	if err != nil {
		return 0, err
	}
	return hdr.Height, nil
}

func (c *Client) GetTransaction(ctx context.Context, txHash string) (string, error) {
	raw, err := c.request(ctx, "blockchain.transaction.get", []interface{}{txHash, false})
	if err != nil {
		return "", err
	}
	var rawHex string
	if err := json.Unmarshal(raw, &rawHex); err != nil {
		return "", errors.Wrap(err, "electrum: malformed transaction.get response")
	}
	return rawHex, nil
}

func (c *Client) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	raw, err := c.request(ctx, "blockchain.transaction.broadcast", []interface{}{rawHex})
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return "", errors.Wrap(err, "electrum: malformed transaction.broadcast response")
	}
	return txid, nil
}

func (c *Client) GetBlockHeader(ctx context.Context, height int) (string, error) {
	raw, err := c.request(ctx, "blockchain.block.header", []interface{}{height})
	if err != nil {
		return "", err
	}
	var hdr string
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return "", errors.Wrap(err, "electrum: malformed block.header response")
	}
	return hdr, nil
}

// EstimateFeeRate returns a sat/vB fee rate for confirmation within the
// given number of blocks, converting the server's BTC/kB answer through
// cashutil.Amount and flooring at 1 sat/vB, the relay minimum.
func (c *Client) EstimateFeeRate(ctx context.Context, targetBlocks int) (int64, error) {
	raw, err := c.request(ctx, "blockchain.estimatefee", []interface{}{targetBlocks})
	if err != nil {
		return 0, err
	}
	var btcPerKB float64
	if err := json.Unmarshal(raw, &btcPerKB); err != nil {
		return 0, errors.Wrap(err, "electrum: malformed estimatefee response")
	}
	if btcPerKB < 0 {
		return 0, errors.New("electrum: server has no fee estimate")
	}

	amount, err := cashutil.NewAmount(btcPerKB)
	if err != nil {
		return 0, errors.Wrap(err, "electrum: parse fee estimate")
	}
	satPerKB := int64(amount)
	satPerVB := int64(math.Ceil(float64(satPerKB) / 1000))
	if satPerVB < 1 {
		satPerVB = 1
	}
	return satPerVB, nil
}

// GetTransactionsBatch fetches several raw transactions in one batch
// request, retrying any entries that fail (a timeout, a server error, or an
// unparseable result) up to two additional times with a linear backoff
// (500ms * attempt), matching the resilience the pool's health model
// expects from a flaky-but-not-dead server.
func (c *Client) GetTransactionsBatch(ctx context.Context, txHashes []string) (map[string]string, error) {
	results := make(map[string]string, len(txHashes))
	remaining := append([]string(nil), txHashes...)

	for attempt := 0; attempt <= 2 && len(remaining) > 0; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		items := make([]BatchItem, len(remaining))
		for i, h := range remaining {
			items[i] = BatchItem{Method: "blockchain.transaction.get", Params: []interface{}{h, false}}
		}

		batchRes, err := c.BatchRequest(ctx, items)
		if err != nil {
			return results, err
		}

		var retry []string
		for i, r := range batchRes {
			h := remaining[i]
			if r.Err != nil {
				retry = append(retry, h)
				continue
			}
			var rawHex string
			if err := json.Unmarshal(r.Result, &rawHex); err != nil {
				retry = append(retry, h)
				continue
			}
			results[h] = rawHex
		}
		remaining = retry
	}

	if len(remaining) > 0 {
		return results, fmt.Errorf("electrum: %d transactions failed after retries", len(remaining))
	}
	return results, nil
}
