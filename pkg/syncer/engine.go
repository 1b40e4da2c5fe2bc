// Package syncer drives the ledger forward from the chain: it fetches
// confirmed ranges, applies decoded escrow events in order and recovers
// from reorganizations by rolling the ledger back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/84hero/escrow-indexer/pkg/chain"
	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/84hero/escrow-indexer/pkg/ledger"
	"github.com/84hero/escrow-indexer/pkg/metrics"
	"github.com/84hero/escrow-indexer/pkg/notify"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrUnstableRange means the fetched range changed while it was read; the batch is retried.
	ErrUnstableRange = errors.New("block range changed during fetch")
	// ErrNotLeader means the leader lease could not be confirmed before writing.
	ErrNotLeader = errors.New("not the leader")
)

// Chain is the read side of the chain the engine needs.
type Chain interface {
	Head(ctx context.Context) (chain.Block, error)
	Block(ctx context.Context, height uint64) (chain.Block, error)
	Logs(ctx context.Context, from, to uint64) ([]types.Log, error)
}

type Decoder interface {
	Decode(log types.Log) (escrow.Event, error)
}

// Publisher receives committed changes. It must not block indefinitely.
type Publisher interface {
	Publish(ctx context.Context, n notify.Notification)
}

// Leader is a lease that must be held while writing.
type Leader interface {
	Acquire(ctx context.Context) error
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

type RetryConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

type Config struct {
	// StartBlock is the first block that may contain contract events.
	StartBlock uint64
	BatchSize  uint64
	Interval   time.Duration
	// Confirmations is the fallback rollback depth when no checkpoint matches.
	Confirmations uint64
	// Lag keeps the engine this many blocks behind the head.
	Lag uint64
	// CheckpointDepth bounds the checkpoint walk during reorg recovery.
	CheckpointDepth int
	Retry           RetryConfig
}

type Engine struct {
	chain     Chain
	decoder   Decoder
	store     ledger.Store
	config    Config
	publisher Publisher
	leader    Leader
	metrics   *metrics.Metrics

	head atomic.Uint64
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }
func WithLeader(l Leader) Option       { return func(e *Engine) { e.leader = l } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func New(c Chain, d Decoder, s ledger.Store, cfg Config, opts ...Option) *Engine {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval == 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.CheckpointDepth <= 0 {
		cfg.CheckpointDepth = ledger.DefaultCheckpointHistory
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	e := &Engine{
		chain:   c,
		decoder: d,
		store:   s,
		config:  cfg,
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LastHead returns the most recent chain head observed, 0 before the first poll.
func (e *Engine) LastHead() uint64 {
	return e.head.Load()
}

// Run indexes until ctx is cancelled. It returns ctx.Err() on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if e.leader != nil {
		if err := e.leader.Acquire(ctx); err != nil {
			return err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := e.leader.Release(releaseCtx); err != nil {
				log.Warn("Failed to release leader lock", "err", err)
			}
		}()
	}

	log.Info("Sync engine started", "start_block", e.config.StartBlock, "batch_size", e.config.BatchSize, "interval", e.config.Interval)

	for {
		res, err := e.Step(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := false
		switch {
		case errors.Is(err, ErrNotLeader):
			log.Warn("Leadership lost, waiting to reacquire", "err", err)
			if err := e.leader.Acquire(ctx); err != nil {
				return err
			}
		case err != nil:
			log.Error("Sync step failed", "err", err)
			wait = true
		case res.Idle:
			wait = true
		}

		if wait {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.config.Interval):
			}
		}
	}
}

// Step performs one iteration: a reorg rollback, one batch, or nothing when caught up.
func (e *Engine) Step(ctx context.Context) (*BatchResult, error) {
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	head, err := retry(ctx, e, "head", func(ctx context.Context) (chain.Block, error) {
		return e.chain.Head(ctx)
	})
	if err != nil {
		return nil, err
	}
	e.head.Store(head.Height)
	e.metrics.HeadHeight.Set(float64(head.Height))

	if cursor != nil {
		reorged, err := e.reorged(ctx, *cursor, head)
		if err != nil {
			return nil, err
		}
		if reorged {
			return e.recover(ctx, *cursor, head)
		}
	}

	from := e.config.StartBlock
	if cursor != nil {
		from = cursor.Height + 1
		e.metrics.HeadLag.Set(float64(head.Height) - float64(cursor.Height))
	}
	if head.Height < e.config.Lag || from > head.Height-e.config.Lag {
		return &BatchResult{Idle: true}, nil
	}
	to := min(head.Height-e.config.Lag, from+e.config.BatchSize-1)

	return e.processRange(ctx, from, to)
}

// reorged reports whether the block under the cursor is no longer canonical.
func (e *Engine) reorged(ctx context.Context, cursor ledger.Cursor, head chain.Block) (bool, error) {
	if head.Height < cursor.Height {
		return true, nil
	}
	b, err := retry(ctx, e, "cursor block", func(ctx context.Context) (chain.Block, error) {
		return e.chain.Block(ctx, cursor.Height)
	})
	if err != nil {
		return false, err
	}
	return b.Hash != cursor.Hash, nil
}

func (e *Engine) recover(ctx context.Context, cursor ledger.Cursor, head chain.Block) (*BatchResult, error) {
	target, err := e.rollbackTarget(ctx, cursor, head)
	if err != nil {
		return nil, fmt.Errorf("find rollback target: %w", err)
	}
	if err := e.confirmLeader(ctx); err != nil {
		return nil, err
	}
	if err := e.store.RollbackTo(ctx, target); err != nil {
		return nil, fmt.Errorf("rollback to %d: %w", target.Height, err)
	}

	depth := cursor.Height - target.Height
	e.metrics.Reorgs.Inc()
	e.metrics.ReorgDepth.Observe(float64(depth))
	e.metrics.CursorHeight.Set(float64(target.Height))
	log.Warn("Chain reorganization rolled back", "from", cursor.Height, "to", target.Height, "depth", depth, "stale_hash", cursor.Hash)

	e.publish(ctx, notify.Notification{Type: notify.TypeReorg, Cursor: target})
	return &BatchResult{Reorg: &Reorg{From: cursor, To: target}}, nil
}

// confirmLeader extends the lease right before a write. Every ledger write goes through it.
func (e *Engine) confirmLeader(ctx context.Context) error {
	if e.leader == nil {
		return nil
	}
	if err := e.leader.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotLeader, err)
	}
	return nil
}

// rollbackTarget picks the highest stored checkpoint that is still canonical.
// Without one it falls back to cursor-confirmations, bounded below by the
// block before StartBlock.
func (e *Engine) rollbackTarget(ctx context.Context, cursor ledger.Cursor, head chain.Block) (ledger.Cursor, error) {
	below := min(cursor.Height, head.Height)
	if below > 0 {
		cps, err := e.store.Checkpoints(ctx, below-1, e.config.CheckpointDepth)
		if err != nil {
			return ledger.Cursor{}, err
		}
		for _, cp := range cps {
			b, err := retry(ctx, e, "checkpoint block", func(ctx context.Context) (chain.Block, error) {
				return e.chain.Block(ctx, cp.Height)
			})
			if err != nil {
				return ledger.Cursor{}, err
			}
			if b.Hash == cp.Hash {
				return cp, nil
			}
		}
	}

	floor := uint64(0)
	if e.config.StartBlock > 0 {
		floor = e.config.StartBlock - 1
	}
	height := floor
	if below > e.config.Confirmations && below-e.config.Confirmations > floor {
		height = below - e.config.Confirmations
	}
	b, err := retry(ctx, e, "fallback block", func(ctx context.Context) (chain.Block, error) {
		return e.chain.Block(ctx, height)
	})
	if err != nil {
		return ledger.Cursor{}, err
	}
	return ledger.Cursor{Height: b.Height, Hash: b.Hash}, nil
}

func (e *Engine) processRange(ctx context.Context, from, to uint64) (*BatchResult, error) {
	start := time.Now()

	end, err := retry(ctx, e, "batch end block", func(ctx context.Context) (chain.Block, error) {
		return e.chain.Block(ctx, to)
	})
	if err != nil {
		return nil, err
	}
	logs, err := retry(ctx, e, "logs", func(ctx context.Context) ([]types.Log, error) {
		return e.chain.Logs(ctx, from, to)
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(logs, func(a, b types.Log) int {
		if a.BlockNumber != b.BlockNumber {
			if a.BlockNumber < b.BlockNumber {
				return -1
			}
			return 1
		}
		return int(a.Index) - int(b.Index)
	})

	blocks, err := e.blocksFor(ctx, logs, end)
	if err != nil {
		return nil, err
	}

	// The end block must not have changed while the logs were read.
	check, err := retry(ctx, e, "batch end block", func(ctx context.Context) (chain.Block, error) {
		return e.chain.Block(ctx, to)
	})
	if err != nil {
		return nil, err
	}
	if check.Hash != end.Hash {
		return nil, fmt.Errorf("%w: block %d is now %s, was %s", ErrUnstableRange, to, check.Hash, end.Hash)
	}

	if err := e.confirmLeader(ctx); err != nil {
		return nil, err
	}

	res := &BatchResult{From: from, To: to, Events: len(logs)}
	if err := e.apply(ctx, logs, blocks, ledger.Cursor{Height: to, Hash: end.Hash}, res); err != nil {
		return nil, err
	}

	e.metrics.CursorHeight.Set(float64(to))
	e.metrics.HeadLag.Set(float64(e.head.Load()) - float64(to))
	e.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	log.Info("Batch committed", "from", from, "to", to, "logs", len(logs), "applied", len(res.Changes), "anomalies", len(res.Anomalies), "elapsed", time.Since(start))

	if len(res.Changes) > 0 {
		e.publish(ctx, notify.Notification{Type: notify.TypeBatch, Cursor: ledger.Cursor{Height: to, Hash: end.Hash}, Changes: res.Changes})
	}
	return res, nil
}

// blocksFor fetches every block that carries a log and checks the logs belong to it.
func (e *Engine) blocksFor(ctx context.Context, logs []types.Log, end chain.Block) (map[uint64]chain.Block, error) {
	blocks := map[uint64]chain.Block{end.Height: end}
	for _, l := range logs {
		b, ok := blocks[l.BlockNumber]
		if !ok {
			var err error
			b, err = retry(ctx, e, "log block", func(ctx context.Context) (chain.Block, error) {
				return e.chain.Block(ctx, l.BlockNumber)
			})
			if err != nil {
				return nil, err
			}
			blocks[l.BlockNumber] = b
		}
		if l.BlockHash != b.Hash {
			return nil, fmt.Errorf("%w: log %s:%d in block %d has hash %s, block is %s",
				ErrUnstableRange, l.TxHash, l.Index, l.BlockNumber, l.BlockHash, b.Hash)
		}
	}
	return blocks, nil
}

// apply writes the batch in one transaction. Nothing is committed if any write
// fails or ctx is cancelled.
func (e *Engine) apply(ctx context.Context, logs []types.Log, blocks map[uint64]chain.Block, cursor ledger.Cursor, res *BatchResult) (err error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, ledger.ErrTxDone) {
				log.Error("Batch rollback failed", "err", rbErr)
			}
		}
	}()

	for _, l := range logs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.applyLog(ctx, tx, l, blocks[l.BlockNumber], res); err != nil {
			return fmt.Errorf("apply log %s:%d: %w", l.TxHash, l.Index, err)
		}
	}

	if err := tx.SetCursor(ctx, cursor); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
