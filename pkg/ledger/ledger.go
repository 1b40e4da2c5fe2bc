// Package ledger persists derived escrow records, the event journal that
// makes every mutation reversible, and the processing cursor.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound       = errors.New("escrow not found")
	ErrInvalidPage    = errors.New("invalid page request")
	ErrTxDone         = errors.New("ledger transaction already finished")
	ErrSchemaMismatch = errors.New("ledger schema version mismatch")
	ErrUnknownDriver  = errors.New("unknown ledger driver")
)

// DefaultCheckpointHistory is how many cursor checkpoints are kept for reorg recovery.
const DefaultCheckpointHistory = 256

// Cursor is the last fully processed block.
type Cursor struct {
	Height uint64      `json:"height"`
	Hash   common.Hash `json:"hash"`
}

// EventMeta locates the log that produced a mutation.
type EventMeta struct {
	Kind        escrow.Kind
	BlockNumber uint64
	BlockHash   common.Hash
	BlockTime   time.Time
	TxHash      common.Hash
	LogIndex    uint
}

// JournalEntry is one applied event together with the record image it replaced.
type JournalEntry struct {
	EscrowID    escrow.ID
	Kind        escrow.Kind
	BlockNumber uint64
	BlockHash   common.Hash
	BlockTime   time.Time
	TxHash      common.Hash
	LogIndex    uint
	// Status after the event was applied.
	Status escrow.Status
	// Prev is nil for creations.
	Prev *escrow.Record
}

func newEntry(id escrow.ID, meta EventMeta, status escrow.Status, prev *escrow.Record) JournalEntry {
	return JournalEntry{
		EscrowID:    id,
		Kind:        meta.Kind,
		BlockNumber: meta.BlockNumber,
		BlockHash:   meta.BlockHash,
		BlockTime:   meta.BlockTime,
		TxHash:      meta.TxHash,
		LogIndex:    meta.LogIndex,
		Status:      status,
		Prev:        prev.Clone(),
	}
}

// MarshalJSON renders the entry for the history API; the previous image is omitted.
func (e JournalEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		EscrowID    string        `json:"escrowId"`
		Event       string        `json:"event"`
		Status      escrow.Status `json:"status"`
		BlockNumber uint64        `json:"blockNumber"`
		BlockHash   string        `json:"blockHash"`
		Timestamp   int64         `json:"timestamp"`
		TxHash      string        `json:"txHash"`
		LogIndex    uint          `json:"logIndex"`
	}{
		EscrowID:    e.EscrowID.Hex(),
		Event:       e.Kind.String(),
		Status:      e.Status,
		BlockNumber: e.BlockNumber,
		BlockHash:   e.BlockHash.Hex(),
		Timestamp:   e.BlockTime.Unix(),
		TxHash:      e.TxHash.Hex(),
		LogIndex:    e.LogIndex,
	})
}

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	Buyer  *common.Address
	Seller *common.Address
	Status *escrow.Status
}

func (f Filter) match(r *escrow.Record) bool {
	if f.Buyer != nil && r.Buyer != *f.Buyer {
		return false
	}
	if f.Seller != nil && r.Seller != *f.Seller {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	return true
}

// Reader is the read side shared by stores and query sources.
type Reader interface {
	Get(ctx context.Context, id escrow.ID) (*escrow.Record, error)
	List(ctx context.Context, f Filter, p Page) (*PageResult, error)
	History(ctx context.Context, id escrow.ID) ([]JournalEntry, error)
	// Cursor returns nil when nothing has been processed yet.
	Cursor(ctx context.Context) (*Cursor, error)
}

// Tx carries every mutation of one batch. Nothing is visible to readers before Commit.
type Tx interface {
	// UpsertCreated inserts a record in CREATED state; false if the id already exists.
	UpsertCreated(ctx context.Context, ev escrow.Created, meta EventMeta) (bool, error)
	// ApplyTransition moves a record to target if the transition table allows it.
	// mutate may set event-specific fields on the new image.
	ApplyTransition(ctx context.Context, id escrow.ID, target escrow.Status, meta EventMeta, mutate func(*escrow.Record)) (bool, error)
	// Annotate journals an event that does not change state; false if the record is unknown.
	Annotate(ctx context.Context, id escrow.ID, meta EventMeta) (bool, error)
	SetCursor(ctx context.Context, c Cursor) error
	Commit() error
	Rollback() error
}

// Store owns all persisted indexer state.
type Store interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
	// Checkpoints returns stored cursors at or below height, highest first.
	Checkpoints(ctx context.Context, atOrBelow uint64, limit int) ([]Cursor, error)
	// RollbackTo reverts every effect above c.Height and sets the cursor to c.
	RollbackTo(ctx context.Context, c Cursor) error
	Close() error
}
