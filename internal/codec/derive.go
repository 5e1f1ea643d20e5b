package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/square/walletsync/internal/utils"
)

// Deriver derives BIP-44-style addresses from one xpub (single-sig) or
// several (m-of-n multisig P2WSH nested in P2SH). The gap-limit discovery phase uses it
// to derive the next candidate address on a chain.
type Deriver struct {
	network utils.Network
	xpubs   []string
	m       int
}

// NewDeriver builds a Deriver for either a single xpub or an m-of-n
// multisig wallet over several xpubs.
func NewDeriver(network utils.Network, xpubs []string, m int) *Deriver {
	return &Deriver{network: network, xpubs: xpubs, m: m}
}

// Derive returns the address and its derivation path for the given BIP-44
// chain (0=external, 1=internal) and index.
func (d *Deriver) Derive(change, index uint32) (addr string, path string, err error) {
	path = fmt.Sprintf("m/.../%d/%d", change, index)
	if len(d.xpubs) == 1 {
		addr, err = d.singleDerive(change, index)
		return addr, path, err
	}
	addr, err = d.multisigDerive(change, index)
	return addr, path, err
}

func (d *Deriver) singleDerive(change, index uint32) (string, error) {
	key, err := hdkeychain.NewKeyFromString(d.xpubs[0])
	if err != nil {
		return "", err
	}
	key, err = key.Child(change)
	if err != nil {
		return "", err
	}
	key, err = key.Child(index)
	if err != nil {
		return "", err
	}
	addr, err := key.Address(d.network.ChainConfig())
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

func (d *Deriver) multisigDerive(change, index uint32) (string, error) {
	pubKeysBytes := make([][]byte, 0, len(d.xpubs))
	for _, xpub := range d.xpubs {
		key, err := hdkeychain.NewKeyFromString(xpub)
		if err != nil {
			return "", err
		}
		key, err = key.Child(change)
		if err != nil {
			return "", err
		}
		key, err = key.Child(index)
		if err != nil {
			return "", err
		}
		pubKey, err := key.ECPubKey()
		if err != nil {
			return "", err
		}
		pubKeysBytes = append(pubKeysBytes, pubKey.SerializeCompressed())
	}
	sort.Slice(pubKeysBytes, func(i, j int) bool {
		return bytes.Compare(pubKeysBytes[i], pubKeysBytes[j]) < 0
	})

	pubKeys := make([]*btcutil.AddressPubKey, 0, len(pubKeysBytes))
	for _, pkb := range pubKeysBytes {
		pk, err := btcutil.NewAddressPubKey(pkb, d.network.ChainConfig())
		if err != nil {
			return "", err
		}
		pubKeys = append(pubKeys, pk)
	}

	multiSigScript, err := txscript.MultiSigScript(pubKeys, d.m)
	if err != nil {
		return "", err
	}

	sha := sha256.Sum256(multiSigScript)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(sha[:])
	segwitScript, err := builder.Script()
	if err != nil {
		return "", err
	}

	scriptHashAddr, err := btcutil.NewAddressScriptHash(segwitScript, d.network.ChainConfig())
	if err != nil {
		return "", err
	}
	return scriptHashAddr.EncodeAddress(), nil
}

// XpubFromMnemonic derives the account-level extended public key at
// m/84'/coin'/account' from a BIP-39 mnemonic, for wallets configured
// from a seed phrase rather than a pre-derived xpub.
func XpubFromMnemonic(mnemonic, passphrase string, network utils.Network, account uint32) (string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("codec: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	master, err := hdkeychain.NewMaster(seed, network.ChainConfig())
	if err != nil {
		return "", err
	}

	coinType := uint32(0)
	if network != utils.Mainnet {
		coinType = 1
	}

	key := master
	for _, idx := range []uint32{hdkeychain.HardenedKeyStart + 84,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + account} {
		key, err = key.Child(idx)
		if err != nil {
			return "", err
		}
	}

	neutered, err := key.Neuter()
	if err != nil {
		return "", err
	}
	return neutered.String(), nil
}

// ScriptHashHex computes the Electrum scripthash of a hex-encoded
// scriptPubKey.
func ScriptHashHex(scriptHex string) (string, error) {
	b, err := hex.DecodeString(scriptHex)
	if err != nil {
		return "", err
	}
	return ScriptHash(b), nil
}
