package syncer

import (
	"context"
	"errors"

	"github.com/84hero/escrow-indexer/pkg/chain"
	"github.com/84hero/escrow-indexer/pkg/decoder"
	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/84hero/escrow-indexer/pkg/ledger"
	"github.com/84hero/escrow-indexer/pkg/notify"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Anomaly reasons.
const (
	ReasonUnknownEvent      = "unknown_event"
	ReasonMalformedLog      = "malformed_log"
	ReasonDuplicateCreation = "duplicate_creation"
	ReasonInvalidTransition = "invalid_transition"
	ReasonUnknownEscrow     = "unknown_escrow"
)

// Anomaly is a log that was skipped without aborting the batch.
type Anomaly struct {
	Reason      string
	Event       string
	EscrowID    escrow.ID
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	Err         error
}

type Reorg struct {
	From ledger.Cursor
	To   ledger.Cursor
}

// BatchResult describes what one Step did.
type BatchResult struct {
	From, To  uint64
	Events    int
	Changes   []notify.Change
	Anomalies []Anomaly
	// Reorg is set when the step rolled the ledger back instead of indexing.
	Reorg *Reorg
	// Idle is set when there was nothing to index.
	Idle bool
}

func (e *Engine) applyLog(ctx context.Context, tx ledger.Tx, l types.Log, block chain.Block, res *BatchResult) error {
	ev, err := e.decoder.Decode(l)
	if err != nil {
		reason := ReasonMalformedLog
		if errors.Is(err, decoder.ErrUnknownEvent) {
			reason = ReasonUnknownEvent
		}
		e.anomaly(res, Anomaly{Reason: reason, BlockNumber: l.BlockNumber, TxHash: l.TxHash.Hex(), LogIndex: l.Index, Err: err})
		return nil
	}

	meta := ledger.EventMeta{
		Kind:        ev.Kind(),
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash,
		BlockTime:   block.Time,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}

	var applied bool
	reason := ReasonInvalidTransition
	switch ev := ev.(type) {
	case escrow.Created:
		reason = ReasonDuplicateCreation
		applied, err = tx.UpsertCreated(ctx, ev, meta)
	case escrow.PaymentReleased:
		reason = ReasonUnknownEscrow
		applied, err = tx.Annotate(ctx, ev.ID, meta)
	default:
		target, _ := ev.Kind().Target()
		applied, err = tx.ApplyTransition(ctx, ev.EscrowID(), target, meta, mutation(ev))
	}
	if err != nil {
		return err
	}

	if !applied {
		e.anomaly(res, Anomaly{
			Reason:      reason,
			Event:       ev.Kind().String(),
			EscrowID:    ev.EscrowID(),
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash.Hex(),
			LogIndex:    l.Index,
		})
		return nil
	}

	// Informational events leave status empty.
	status, _ := ev.Kind().Target()
	res.Changes = append(res.Changes, notify.Change{
		Event:       ev.Kind().String(),
		EscrowID:    ev.EscrowID().Hex(),
		Status:      status,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
	})
	e.metrics.EventsApplied.WithLabelValues(ev.Kind().String()).Inc()
	return nil
}

// mutation returns the event-specific field updates for a transition.
func mutation(ev escrow.Event) func(*escrow.Record) {
	switch ev := ev.(type) {
	case escrow.DocumentsUploaded:
		return func(r *escrow.Record) { r.DocumentHash = ev.DocumentHash }
	case escrow.DisputeInitiated:
		return func(r *escrow.Record) {
			r.DisputeInitiator = ev.Initiator
			r.DisputeReason = ev.Reason
		}
	}
	return nil
}

func (e *Engine) anomaly(res *BatchResult, a Anomaly) {
	res.Anomalies = append(res.Anomalies, a)
	e.metrics.Anomalies.WithLabelValues(a.Reason).Inc()
	log.Warn("Skipping event", "reason", a.Reason, "event", a.Event, "escrow", a.EscrowID, "block", a.BlockNumber, "tx", a.TxHash, "index", a.LogIndex, "err", a.Err)
}

func (e *Engine) publish(ctx context.Context, n notify.Notification) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(ctx, n)
}
