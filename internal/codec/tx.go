package codec

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"

	"github.com/square/walletsync/internal/utils"
)

// DecodedTx is the normalized shape a raw transaction hex decodes to:
// txid, size, locktime, version, and per-index vin/vout.
type DecodedTx struct {
	Txid     string
	Size     int
	Locktime uint32
	Version  int32
	Vin      []Vin
	Vout     []Vout
}

// Vin is one transaction input. PrevTxid is byte-reversed from the wire
// encoding to match the canonical txid string form.
type Vin struct {
	PrevTxid string
	Vout     uint32
	Sequence uint32
	Coinbase bool
}

// Vout is one transaction output. Address is unset for OP_RETURN and other
// non-address scripts (codec.AddressFromScript returns ok=false).
type Vout struct {
	Index     uint32
	ValueSat  int64
	ScriptHex string
	Address   string
	HasAddr   bool
}

// DecodeRawTx parses a raw transaction hex string (as returned, non-verbose,
// by blockchain.transaction.get) into a DecodedTx.
func DecodeRawTx(rawHex string, net utils.Network) (*DecodedTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, errors.Wrap(err, "codec: decode tx hex")
	}

	tx, err := btcutil.NewTxFromBytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "codec: parse tx")
	}
	msg := tx.MsgTx()

	out := &DecodedTx{
		Txid:     msg.TxHash().String(),
		Size:     msg.SerializeSize(),
		Locktime: msg.LockTime,
		Version:  msg.Version,
	}

	for _, txin := range msg.TxIn {
		isCoinbase := txin.PreviousOutPoint.Index == ^uint32(0) &&
			txin.PreviousOutPoint.Hash == (chainhash.Hash{})
		out.Vin = append(out.Vin, Vin{
			PrevTxid: txin.PreviousOutPoint.Hash.String(),
			Vout:     txin.PreviousOutPoint.Index,
			Sequence: txin.Sequence,
			Coinbase: isCoinbase,
		})
	}

	for i, txout := range msg.TxOut {
		v := Vout{
			Index:     uint32(i),
			ValueSat:  txout.Value,
			ScriptHex: hex.EncodeToString(txout.PkScript),
		}
		if addr, ok := AddressFromScript(txout.PkScript, net); ok {
			v.Address = addr
			v.HasAddr = true
		}
		out.Vout = append(out.Vout, v)
	}

	return out, nil
}

// DecodeBlockHeader parses a raw block header hex string, as returned by
// blockchain.block.header. The block-timestamp oracle reads the header's
// timestamp out of it.
func DecodeBlockHeader(rawHex string) (*wire.BlockHeader, error) {
	b, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, errors.Wrap(err, "codec: decode header hex")
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, errors.Wrap(err, "codec: parse header")
	}
	return &header, nil
}
