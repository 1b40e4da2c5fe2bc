package rpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EthClient abstracts the underlying ethclient.Client implementation for easier mocking/testing
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Client defines the RPC methods required by the chain adapter.
// This allows for mocking the client in tests or implementing multi-node load balancing.
type Client interface {
	// ChainID retrieves the chain ID
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber retrieves the latest block height
	BlockNumber(ctx context.Context) (uint64, error)

	// HeaderByNumber retrieves a block header (hash, timestamp and bloom); nil number means latest
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// FilterLogs retrieves logs (escrow contract events)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// CodeAt checks contract code (used for startup validation of the contract address)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)

	// Close closes the connection
	Close()
}
