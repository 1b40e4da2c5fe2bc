package syncer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/84hero/escrow-indexer/pkg/chain"
	"github.com/84hero/escrow-indexer/pkg/decoder"
	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/84hero/escrow-indexer/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	buyer  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	seller = common.HexToAddress("0x2222222222222222222222222222222222222222")
	other  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// fakeChain is a scriptable chain: blocks are indexed by height and each
// fork gets fresh block hashes from the fork point up.
type fakeChain struct {
	mu       sync.Mutex
	dec      *decoder.Decoder
	blocks   []chain.Block
	logs     map[uint64][]types.Log
	fork     byte
	failures int
	logsErr  error
	calls    map[string]int
}

func newFakeChain(t *testing.T, height uint64) *fakeChain {
	t.Helper()
	dec, err := decoder.New()
	require.NoError(t, err)
	c := &fakeChain{dec: dec, logs: make(map[uint64][]types.Log), calls: make(map[string]int)}
	c.extend(height + 1)
	return c
}

func (c *fakeChain) hash(h uint64) common.Hash {
	var out common.Hash
	out[0] = c.fork
	out[1] = 0xb1
	binary.BigEndian.PutUint64(out[24:], h)
	return out
}

func blockTime(h uint64) time.Time {
	return time.Unix(int64(1700000000+h*2), 0).UTC()
}

// extend appends n blocks on the current fork.
func (c *fakeChain) extend(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		h := uint64(len(c.blocks))
		c.blocks = append(c.blocks, chain.Block{Height: h, Hash: c.hash(h), Time: blockTime(h)})
	}
}

// reorgAt replaces every block from height h up and drops their logs.
func (c *fakeChain) reorgAt(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fork++
	for i := h; i < uint64(len(c.blocks)); i++ {
		c.blocks[i].Hash = c.hash(i)
		delete(c.logs, i)
	}
}

// truncate drops every block above h.
func (c *fakeChain) truncate(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := h + 1; i < uint64(len(c.blocks)); i++ {
		delete(c.logs, i)
	}
	c.blocks = c.blocks[:h+1]
}

func (c *fakeChain) block(h uint64) chain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[h]
}

func (c *fakeChain) emit(t *testing.T, h uint64, events ...escrow.Event) {
	t.Helper()
	for _, ev := range events {
		l, err := c.dec.Encode(ev)
		require.NoError(t, err)
		c.emitRaw(h, l)
	}
}

func (c *fakeChain) emitRaw(h uint64, l types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := uint(len(c.logs[h]))
	l.BlockNumber = h
	l.BlockHash = c.blocks[h].Hash
	l.Index = idx
	var tx common.Hash
	tx[0] = 0xee
	tx[1] = c.fork
	binary.BigEndian.PutUint64(tx[16:], h)
	binary.BigEndian.PutUint64(tx[24:], uint64(idx))
	l.TxHash = tx
	c.logs[h] = append(c.logs[h], l)
}

func (c *fakeChain) setFailures(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

func (c *fakeChain) callCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *fakeChain) enter(ctx context.Context, op string) error {
	c.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.failures > 0 {
		c.failures--
		return fmt.Errorf("%w: connection refused", chain.ErrChainUnavailable)
	}
	return nil
}

func (c *fakeChain) Head(ctx context.Context) (chain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, "head"); err != nil {
		return chain.Block{}, err
	}
	return c.blocks[len(c.blocks)-1], nil
}

func (c *fakeChain) Block(ctx context.Context, height uint64) (chain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, "block"); err != nil {
		return chain.Block{}, err
	}
	if height >= uint64(len(c.blocks)) {
		return chain.Block{}, fmt.Errorf("%w: header %d not found", chain.ErrChainUnavailable, height)
	}
	return c.blocks[height], nil
}

func (c *fakeChain) Logs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, "logs"); err != nil {
		return nil, err
	}
	if c.logsErr != nil {
		return nil, c.logsErr
	}
	if from > to {
		return nil, chain.ErrInvalidRange
	}
	var out []types.Log
	for h := from; h <= to && h < uint64(len(c.blocks)); h++ {
		out = append(out, c.logs[h]...)
	}
	return out, nil
}

// Event builders

func escrowID(n int64) escrow.ID { return common.BigToHash(big.NewInt(n)) }

func created(n int64) escrow.Created {
	return escrow.Created{ID: escrowID(n), Buyer: buyer, Seller: seller, Amount: big.NewInt(n * 1000), Deadline: big.NewInt(1735689600)}
}

func funded(n int64) escrow.Funded {
	return escrow.Funded{ID: escrowID(n), Timestamp: big.NewInt(1700000100)}
}

func docs(n int64) escrow.DocumentsUploaded {
	return escrow.DocumentsUploaded{ID: escrowID(n), DocumentHash: common.HexToHash("0xd0c5"), Timestamp: big.NewInt(1700000200)}
}

func delivered(n int64) escrow.DeliveryConfirmed {
	return escrow.DeliveryConfirmed{ID: escrowID(n), Timestamp: big.NewInt(1700000300)}
}

func cancelled(n int64) escrow.Cancelled { return escrow.Cancelled{ID: escrowID(n)} }

func disputed(n int64) escrow.DisputeInitiated {
	return escrow.DisputeInitiated{ID: escrowID(n), Initiator: buyer, Reason: "goods not received"}
}

func released(n int64) escrow.PaymentReleased {
	return escrow.PaymentReleased{ID: escrowID(n), Recipient: seller, Amount: big.NewInt(n * 1000)}
}

func eventOf(k escrow.Kind, n int64) escrow.Event {
	switch k {
	case escrow.KindCreated:
		return created(n)
	case escrow.KindFunded:
		return funded(n)
	case escrow.KindDocumentsUploaded:
		return docs(n)
	case escrow.KindDeliveryConfirmed:
		return delivered(n)
	case escrow.KindCancelled:
		return cancelled(n)
	case escrow.KindDisputeInitiated:
		return disputed(n)
	}
	return released(n)
}

// Store wrappers

type failingStore struct {
	ledger.Store
	failCommits int
}

func (f *failingStore) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, store: f}, nil
}

type failingTx struct {
	ledger.Tx
	store *failingStore
}

func (t *failingTx) Commit() error {
	if t.store.failCommits > 0 {
		t.store.failCommits--
		_ = t.Tx.Rollback()
		return errors.New("power loss")
	}
	return t.Tx.Commit()
}
