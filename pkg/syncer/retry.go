package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/84hero/escrow-indexer/pkg/chain"
	"github.com/ethereum/go-ethereum/log"
)

// retry runs fn until it succeeds, fails with a non-transient error, or
// MaxAttempts transient failures have been seen. Only chain.ErrChainUnavailable
// is transient.
func retry[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	backoff := e.config.Retry.InitialBackoff
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, ctx.Err()
		}
		if !errors.Is(err, chain.ErrChainUnavailable) || attempt >= e.config.Retry.MaxAttempts {
			return v, err
		}

		e.metrics.ChainRetries.Inc()
		log.Debug("Chain call failed, retrying", "op", op, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > e.config.Retry.MaxBackoff {
			backoff = e.config.Retry.MaxBackoff
		}
	}
}
