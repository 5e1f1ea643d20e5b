// Package utils holds small, dependency-light helpers shared across the
// wallet-sync packages: network identification and a couple of generic
// helpers that don't deserve their own package.
package utils

import (
	"math/rand"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies which chain parameters apply.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// ChainConfig returns the btcd chain parameters for the network.
func (n Network) ChainConfig() *chaincfg.Params {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet, Signet:
		// Signet shares testnet's address version bytes and bech32 HRP, so
		// the testnet3 parameters encode and decode its addresses.
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		panic("unreachable: unknown network " + string(n))
	}
}

// GenesisBlock returns the hex-encoded genesis block hash for the network,
// for checking that an Electrum server is on the expected chain.
func GenesisBlock(n Network) string {
	return n.ChainConfig().GenesisBlock.BlockHash().String()
}

// PanicOnError panics if err is not nil. Reserved for invariant violations
// that indicate a bug, never for expected/user-facing failures.
func PanicOnError(err error) {
	if err != nil {
		panic(err)
	}
}

// Max returns the largest of num and nums.
func Max(num uint32, nums ...uint32) uint32 {
	r := num
	for _, v := range nums {
		if v > r {
			r = v
		}
	}
	return r
}

// XpubNetworkClass collapses a network to the two classes an extended
// public key's version prefix (or an address's leading character) can
// actually distinguish: mainnet, or everything else (testnet/signet/
// regtest all share "tpub" and m-n-2 prefixes; bech32 is "tb1", or "bcrt1"
// on regtest).
func (n Network) XpubNetworkClass() Network {
	if n == Mainnet {
		return Mainnet
	}
	return Testnet
}

// XpubToNetwork infers a network from an extended public key's version
// prefix: "xpub" for mainnet, "tpub"/"vpub"/"upub" for testnet/signet.
func XpubToNetwork(xpub string) Network {
	switch {
	case strings.HasPrefix(xpub, "xpub"):
		return Mainnet
	case strings.HasPrefix(xpub, "tpub"), strings.HasPrefix(xpub, "vpub"), strings.HasPrefix(xpub, "upub"):
		return Testnet
	default:
		panic("unrecognized xpub prefix: " + xpub)
	}
}

// AddressToNetwork infers a network from an address's leading character.
// Mainnet addresses start with 1, 3, or bc1; testnet/regtest/signet
// addresses start with m, n, 2, or tb1.
func AddressToNetwork(addr string) Network {
	if addr == "" {
		panic("empty address")
	}
	switch {
	case strings.HasPrefix(addr, "bc1"), addr[0] == '1', addr[0] == '3':
		return Mainnet
	case strings.HasPrefix(addr, "tb1"), strings.HasPrefix(addr, "bcrt1"),
		addr[0] == 'm', addr[0] == 'n', addr[0] == '2':
		return Testnet
	default:
		panic("unrecognized address prefix: " + addr)
	}
}

// VerifyMandN sanity-checks a multisig quorum (m-of-n).
func VerifyMandN(m, n int) error {
	if n < 1 {
		return errMandN("n must be >= 1")
	}
	if m < 1 || m > n {
		return errMandN("m must be between 1 and n")
	}
	return nil
}

type errMandN string

func (e errMandN) Error() string { return string(e) }

// ShuffleStrings randomizes the order of a string slice in place.
func ShuffleStrings(s []string) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}
