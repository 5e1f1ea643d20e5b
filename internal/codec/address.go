// Package codec implements the address/script codec: turning addresses
// into Electrum scripthashes and decoding raw transactions into the shape
// the sync pipeline wants.
package codec

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcutil"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"github.com/square/walletsync/internal/utils"
)

// ErrNoScript is returned when an address cannot be turned into a
// scriptPubKey on the given network.
var ErrNoScript = errors.New("codec: could not derive script for address")

// ScriptPubKey returns the scriptPubKey bytes for addr on network net.
// Falls back to Base58Check decoding when btcutil rejects the address
// outright (e.g. a network-ambiguous legacy prefix).
func ScriptPubKey(addr string, net utils.Network) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, net.ChainConfig())
	if err != nil {
		script, fbErr := base58CheckScript(addr, net)
		if fbErr != nil {
			return nil, errors.Wrapf(err, "codec: decode address %s", addr)
		}
		return script, nil
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: script for address %s", addr)
	}
	return script, nil
}

// base58CheckScript recovers a P2PKH/P2SH scriptPubKey directly from the
// base58check payload when the higher-level decoder rejects the address
// (it's stricter about which network prefixes it accepts than the wire
// format actually requires).
func base58CheckScript(addr string, net utils.Network) ([]byte, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, err
	}
	if len(raw) < 5 {
		return nil, ErrNoScript
	}
	payload := raw[1 : len(raw)-4] // strip version byte + 4-byte checksum
	version := raw[0]

	params := net.ChainConfig()
	switch version {
	case params.PubKeyHashAddrID:
		a, err := btcutil.NewAddressPubKeyHash(payload, params)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(a)
	case params.ScriptHashAddrID:
		a, err := btcutil.NewAddressScriptHashFromHash(payload, params)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(a)
	default:
		return nil, ErrNoScript
	}
}

// ScriptHash computes the Electrum scripthash for a scriptPubKey:
// hex(reverse(sha256(scriptPubKey))), lowercase.
func ScriptHash(scriptPubKey []byte) string {
	sum := sha256.Sum256(scriptPubKey)
	reversed := make([]byte, len(sum))
	for i, b := range sum {
		reversed[len(sum)-1-i] = b
	}
	return hex.EncodeToString(reversed)
}

// AddressScriptHash is a convenience wrapper combining ScriptPubKey and
// ScriptHash for a single address.
func AddressScriptHash(addr string, net utils.Network) (string, error) {
	script, err := ScriptPubKey(addr, net)
	if err != nil {
		return "", err
	}
	return ScriptHash(script), nil
}

// AddressFromScript extracts a single address from a scriptPubKey, for
// decoding transaction outputs. Returns ("", false) for OP_RETURN and other
// non-standard scripts with no address.
func AddressFromScript(script []byte, net utils.Network) (string, bool) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, net.ChainConfig())
	if err != nil || len(addrs) != 1 {
		return "", false
	}
	return addrs[0].EncodeAddress(), true
}
