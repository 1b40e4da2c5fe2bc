package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/ethereum/go-ethereum/common"
)

type journalKey struct {
	tx    common.Hash
	index uint
}

// memState is an immutable snapshot; transactions work on a copy.
type memState struct {
	records     map[escrow.ID]*escrow.Record
	journal     []JournalEntry
	seen        map[journalKey]struct{}
	cursor      *Cursor
	checkpoints []Cursor // ascending by height
}

func (s *memState) clone() *memState {
	c := &memState{
		records:     make(map[escrow.ID]*escrow.Record, len(s.records)),
		journal:     make([]JournalEntry, len(s.journal)),
		seen:        make(map[journalKey]struct{}, len(s.seen)),
		checkpoints: make([]Cursor, len(s.checkpoints)),
	}
	// Records are replaced, never mutated in place, so sharing pointers is safe
	for id, r := range s.records {
		c.records[id] = r
	}
	copy(c.journal, s.journal)
	for k := range s.seen {
		c.seen[k] = struct{}{}
	}
	copy(c.checkpoints, s.checkpoints)
	if s.cursor != nil {
		cur := *s.cursor
		c.cursor = &cur
	}
	return c
}

// MemoryStore is an in-memory Store (Note: data lost on restart, for testing/demo only).
// Readers see the last committed snapshot; a single transaction may be open at a time.
type MemoryStore struct {
	mu      sync.RWMutex
	state   *memState
	writeMu sync.Mutex
	history int
}

// NewMemoryStore initializes a new in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			records: make(map[escrow.ID]*escrow.Record),
			seen:    make(map[journalKey]struct{}),
		},
		history: DefaultCheckpointHistory,
	}
}

// Seed stores records directly, bypassing the journal. Used for fixtures.
func (m *MemoryStore) Seed(records ...*escrow.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	for _, r := range records {
		next.records[r.ID] = r.Clone()
	}
	m.state = next
}

func (m *MemoryStore) snapshot() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MemoryStore) Get(_ context.Context, id escrow.ID) (*escrow.Record, error) {
	r, ok := m.snapshot().records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter, p Page) (*PageResult, error) {
	q, err := p.query()
	if err != nil {
		return nil, err
	}
	s := m.snapshot()
	matched := make([]*escrow.Record, 0, len(s.records))
	for _, r := range s.records {
		if f.match(r) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return keyOf(matched[i]).compare(keyOf(matched[j])) < 0
	})
	return paginate(matched, q), nil
}

func (m *MemoryStore) History(_ context.Context, id escrow.ID) ([]JournalEntry, error) {
	s := m.snapshot()
	if _, ok := s.records[id]; !ok {
		return nil, ErrNotFound
	}
	out := []JournalEntry{}
	for _, e := range s.journal {
		if e.EscrowID == id {
			e.Prev = e.Prev.Clone()
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Cursor(_ context.Context) (*Cursor, error) {
	s := m.snapshot()
	if s.cursor == nil {
		return nil, nil
	}
	c := *s.cursor
	return &c, nil
}

func (m *MemoryStore) Checkpoints(_ context.Context, atOrBelow uint64, limit int) ([]Cursor, error) {
	s := m.snapshot()
	var out []Cursor
	for i := len(s.checkpoints) - 1; i >= 0; i-- {
		if s.checkpoints[i].Height > atOrBelow {
			continue
		}
		out = append(out, s.checkpoints[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.writeMu.Lock()
	return &memTx{store: m, state: m.snapshot().clone()}, nil
}

func (m *MemoryStore) RollbackTo(ctx context.Context, c Cursor) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	mt := tx.(*memTx)
	s := mt.state

	i := len(s.journal)
	for i > 0 && s.journal[i-1].BlockNumber > c.Height {
		e := s.journal[i-1]
		if err := undo(ctx, mt, e); err != nil {
			_ = tx.Rollback()
			return err
		}
		delete(s.seen, journalKey{e.TxHash, e.LogIndex})
		i--
	}
	s.journal = s.journal[:i]

	kept := s.checkpoints[:0]
	for _, cp := range s.checkpoints {
		if cp.Height < c.Height {
			kept = append(kept, cp)
		}
	}
	s.checkpoints = kept

	if err := tx.SetCursor(ctx, c); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *MemoryStore) Close() error {
	return nil
}

type memTx struct {
	store *MemoryStore
	state *memState
	done  bool
}

func (t *memTx) UpsertCreated(ctx context.Context, ev escrow.Created, meta EventMeta) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	return upsertCreated(ctx, t, ev, meta)
}

func (t *memTx) ApplyTransition(ctx context.Context, id escrow.ID, target escrow.Status, meta EventMeta, mutate func(*escrow.Record)) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	return applyTransition(ctx, t, id, target, meta, mutate)
}

func (t *memTx) Annotate(ctx context.Context, id escrow.ID, meta EventMeta) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	return annotate(ctx, t, id, meta)
}

func (t *memTx) SetCursor(_ context.Context, c Cursor) error {
	if t.done {
		return ErrTxDone
	}
	t.state.cursor = &c

	cps := t.state.checkpoints
	for len(cps) > 0 && cps[len(cps)-1].Height >= c.Height {
		cps = cps[:len(cps)-1]
	}
	cps = append(cps, c)
	if h := t.store.history; h > 0 && len(cps) > h {
		cps = append([]Cursor(nil), cps[len(cps)-h:]...)
	}
	t.state.checkpoints = cps
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()
	t.store.writeMu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.writeMu.Unlock()
	return nil
}

// mutator implementation

func (t *memTx) load(_ context.Context, id escrow.ID) (*escrow.Record, error) {
	r, ok := t.state.records[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (t *memTx) insert(_ context.Context, r *escrow.Record) error {
	t.state.records[r.ID] = r.Clone()
	return nil
}

func (t *memTx) update(_ context.Context, r *escrow.Record) error {
	t.state.records[r.ID] = r.Clone()
	return nil
}

func (t *memTx) remove(_ context.Context, id escrow.ID) error {
	delete(t.state.records, id)
	return nil
}

func (t *memTx) journaled(_ context.Context, txHash common.Hash, logIndex uint) (bool, error) {
	_, ok := t.state.seen[journalKey{txHash, logIndex}]
	return ok, nil
}

func (t *memTx) journal(_ context.Context, e JournalEntry) error {
	t.state.journal = append(t.state.journal, e)
	t.state.seen[journalKey{e.TxHash, e.LogIndex}] = struct{}{}
	return nil
}
