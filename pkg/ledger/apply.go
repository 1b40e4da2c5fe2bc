package ledger

import (
	"context"
	"math/big"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/ethereum/go-ethereum/common"
)

// mutator is the storage surface a transaction exposes to the shared apply logic.
type mutator interface {
	load(ctx context.Context, id escrow.ID) (*escrow.Record, error) // nil when absent
	insert(ctx context.Context, r *escrow.Record) error
	update(ctx context.Context, r *escrow.Record) error
	remove(ctx context.Context, id escrow.ID) error
	journaled(ctx context.Context, txHash common.Hash, logIndex uint) (bool, error)
	journal(ctx context.Context, e JournalEntry) error
}

func upsertCreated(ctx context.Context, m mutator, ev escrow.Created, meta EventMeta) (bool, error) {
	if seen, err := m.journaled(ctx, meta.TxHash, meta.LogIndex); err != nil || seen {
		return false, err
	}
	existing, err := m.load(ctx, ev.ID)
	if err != nil || existing != nil {
		return false, err
	}

	r := &escrow.Record{
		ID:           ev.ID,
		Buyer:        ev.Buyer,
		Seller:       ev.Seller,
		Amount:       cloneBig(ev.Amount),
		Deadline:     cloneBig(ev.Deadline),
		Status:       escrow.StatusCreated,
		CreatedAt:    meta.BlockTime,
		UpdatedAt:    meta.BlockTime,
		CreatedBlock: meta.BlockNumber,
		UpdatedBlock: meta.BlockNumber,
	}
	if err := m.insert(ctx, r); err != nil {
		return false, err
	}
	if err := m.journal(ctx, newEntry(ev.ID, meta, escrow.StatusCreated, nil)); err != nil {
		return false, err
	}
	return true, nil
}

func applyTransition(ctx context.Context, m mutator, id escrow.ID, target escrow.Status, meta EventMeta, mutate func(*escrow.Record)) (bool, error) {
	if seen, err := m.journaled(ctx, meta.TxHash, meta.LogIndex); err != nil || seen {
		return false, err
	}
	cur, err := m.load(ctx, id)
	if err != nil || cur == nil {
		return false, err
	}
	if !escrow.CanTransition(cur.Status, target) {
		return false, nil
	}

	next := cur.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = target
	next.UpdatedAt = meta.BlockTime
	next.UpdatedBlock = meta.BlockNumber
	if target == escrow.StatusFunded && cur.FundedAt == nil {
		t := meta.BlockTime
		next.FundedAt = &t
	}

	// Write-once fields
	next.ID = cur.ID
	next.Buyer = cur.Buyer
	next.Seller = cur.Seller
	next.Amount = cloneBig(cur.Amount)
	next.Deadline = cloneBig(cur.Deadline)
	next.CreatedAt = cur.CreatedAt
	next.CreatedBlock = cur.CreatedBlock
	if cur.FundedAt != nil {
		t := *cur.FundedAt
		next.FundedAt = &t
	}

	if err := m.update(ctx, next); err != nil {
		return false, err
	}
	if err := m.journal(ctx, newEntry(id, meta, target, cur)); err != nil {
		return false, err
	}
	return true, nil
}

func annotate(ctx context.Context, m mutator, id escrow.ID, meta EventMeta) (bool, error) {
	if seen, err := m.journaled(ctx, meta.TxHash, meta.LogIndex); err != nil || seen {
		return false, err
	}
	cur, err := m.load(ctx, id)
	if err != nil || cur == nil {
		return false, err
	}
	if err := m.journal(ctx, newEntry(id, meta, cur.Status, cur)); err != nil {
		return false, err
	}
	return true, nil
}

// undo reverts one journal entry. Entries must be undone newest first.
func undo(ctx context.Context, m mutator, e JournalEntry) error {
	if e.Prev == nil {
		return m.remove(ctx, e.EscrowID)
	}
	return m.update(ctx, e.Prev.Clone())
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
