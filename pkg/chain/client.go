// Package chain is the read-only view of the escrow contract on chain:
// heads, block hashes and timestamps, and the contract's event logs.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/84hero/escrow-indexer/pkg/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrChainUnavailable wraps every transport failure; callers may retry.
	ErrChainUnavailable = errors.New("chain unavailable")
	ErrInvalidRange     = errors.New("invalid block range")
	ErrNoContractCode   = errors.New("no contract code at address")
)

const defaultCallTimeout = 10 * time.Second

// Block identifies a block by height and hash, with its timestamp.
type Block struct {
	Height uint64
	Hash   common.Hash
	Time   time.Time
}

type Config struct {
	CallTimeout time.Duration
	// UseBloom skips eth_getLogs for single-block ranges the header bloom rules out.
	UseBloom bool
}

// Client fetches the escrow contract's logs and block metadata.
type Client struct {
	rpc    rpc.Client
	filter *Filter
	config Config
}

func NewClient(c rpc.Client, filter *Filter, cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Client{
		rpc:    c,
		filter: filter,
		config: cfg,
	}
}

// Head returns the chain head.
func (c *Client) Head(ctx context.Context) (Block, error) {
	return c.header(ctx, nil)
}

// Block returns the canonical block at height.
func (c *Client) Block(ctx context.Context, height uint64) (Block, error) {
	return c.header(ctx, new(big.Int).SetUint64(height))
}

// BlockHash returns the canonical hash at height.
func (c *Client) BlockHash(ctx context.Context, height uint64) (common.Hash, error) {
	b, err := c.Block(ctx, height)
	if err != nil {
		return common.Hash{}, err
	}
	return b.Hash, nil
}

// BlockTime returns the timestamp of the canonical block at height.
func (c *Client) BlockTime(ctx context.Context, height uint64) (time.Time, error) {
	b, err := c.Block(ctx, height)
	if err != nil {
		return time.Time{}, err
	}
	return b.Time, nil
}

// Logs returns the contract's logs in [from, to], ordered by (block, log index).
func (c *Client) Logs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if from > to {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidRange, from, to)
	}

	if c.config.UseBloom && from == to && !c.filter.IsHeavy() {
		h, err := c.rawHeader(ctx, new(big.Int).SetUint64(from))
		if err != nil {
			return nil, err
		}
		if !c.filter.MatchesBloom(h.Bloom) {
			return nil, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	raw, err := c.rpc.FilterLogs(callCtx, c.filter.ToQuery(from, to))
	if err != nil {
		return nil, c.wrap(ctx, fmt.Errorf("get logs %d-%d: %w", from, to, err))
	}

	logs := make([]types.Log, 0, len(raw))
	for _, l := range raw {
		if l.Removed || !c.filter.Matches(l) {
			continue
		}
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		logs = append(logs, l)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	return logs, nil
}

// ChainID returns the connected network's chain id.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	id, err := c.rpc.ChainID(callCtx)
	if err != nil {
		return 0, c.wrap(ctx, fmt.Errorf("chain id: %w", err))
	}
	return id.Uint64(), nil
}

// VerifyContract fails with ErrNoContractCode when nothing is deployed at addr.
func (c *Client) VerifyContract(ctx context.Context, addr common.Address) error {
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	code, err := c.rpc.CodeAt(callCtx, addr, nil)
	if err != nil {
		return c.wrap(ctx, fmt.Errorf("code at %s: %w", addr.Hex(), err))
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrNoContractCode, addr.Hex())
	}
	return nil
}

func (c *Client) header(ctx context.Context, number *big.Int) (Block, error) {
	h, err := c.rawHeader(ctx, number)
	if err != nil {
		return Block{}, err
	}
	return Block{
		Height: h.Number.Uint64(),
		Hash:   h.Hash(),
		Time:   time.Unix(int64(h.Time), 0).UTC(),
	}, nil
}

func (c *Client) rawHeader(ctx context.Context, number *big.Int) (*types.Header, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	h, err := c.rpc.HeaderByNumber(callCtx, number)
	if err != nil {
		return nil, c.wrap(ctx, fmt.Errorf("header %s: %w", blockLabel(number), err))
	}
	if h == nil || h.Number == nil {
		return nil, fmt.Errorf("%w: header %s not found", ErrChainUnavailable, blockLabel(number))
	}
	return h, nil
}

// wrap marks transport failures retryable. Cancellation of the caller's
// context passes through; a per-call timeout counts as a transport failure.
func (c *Client) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %w", ErrChainUnavailable, err)
}

func blockLabel(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return number.String()
}
