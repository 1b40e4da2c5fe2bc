package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Filter selects the logs of the escrow contract.
// It is used both for generating RPC request parameters and for local Bloom Filter checks.
type Filter struct {
	// Contracts is the list of contract addresses to listen to (Log.Address).
	Contracts []common.Address

	// Signatures is the set of accepted event topic0 hashes.
	Signatures []common.Hash
}

// NewFilter creates a filter for one contract and the given event signatures
func NewFilter(contract common.Address, signatures ...common.Hash) *Filter {
	return &Filter{
		Contracts:  []common.Address{contract},
		Signatures: signatures,
	}
}

// AddContract adds contract addresses to listen to
func (f *Filter) AddContract(addrs ...common.Address) *Filter {
	f.Contracts = append(f.Contracts, addrs...)
	return f
}

// ToQuery converts the filter to go-ethereum standard query parameters
func (f *Filter) ToQuery(fromBlock, toBlock uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: f.Contracts,
	}
	if len(f.Signatures) > 0 {
		q.Topics = [][]common.Hash{f.Signatures}
	}
	return q
}

// IsHeavy determines if the filter is too complex for efficient local Bloom Filter checks.
// Rule of thumb: Bloom filter tends to saturate if signatures > 20 or contracts > 20.
func (f *Filter) IsHeavy() bool {
	return len(f.Contracts) > 20 || len(f.Signatures) > 20
}

// MatchesBloom uses the local Bloom Filter to quickly check if a block might contain matching logs.
// Returns false if it definitely doesn't contain matching logs (Safe to Skip).
func (f *Filter) MatchesBloom(bloom types.Bloom) bool {
	if len(f.Contracts) > 0 && !anyInBloom(bloom, addressBytes(f.Contracts)) {
		return false
	}
	if len(f.Signatures) > 0 && !anyInBloom(bloom, hashBytes(f.Signatures)) {
		return false
	}
	return true
}

// Matches re-checks a returned log against the filter; some providers ignore address filters.
func (f *Filter) Matches(l types.Log) bool {
	if len(f.Contracts) > 0 && !containsAddress(f.Contracts, l.Address) {
		return false
	}
	if len(f.Signatures) > 0 {
		if len(l.Topics) == 0 || !containsHash(f.Signatures, l.Topics[0]) {
			return false
		}
	}
	return true
}

func anyInBloom(bloom types.Bloom, items [][]byte) bool {
	for _, item := range items {
		if bloom.Test(item) {
			return true
		}
	}
	return false
}

func addressBytes(addrs []common.Address) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = a.Bytes()
	}
	return out
}

func hashBytes(hashes []common.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h.Bytes()
	}
	return out
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
