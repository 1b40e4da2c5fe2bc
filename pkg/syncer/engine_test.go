package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/84hero/escrow-indexer/pkg/chain"
	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/84hero/escrow-indexer/pkg/ledger"
	"github.com/84hero/escrow-indexer/pkg/metrics"
	"github.com/84hero/escrow-indexer/pkg/notify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newEngine(c *fakeChain, s ledger.Store, cfg Config, opts ...Option) *Engine {
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxAttempts: 3}
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Millisecond
	}
	return New(c, c.dec, s, cfg, opts...)
}

// syncAll steps until the engine reports it is caught up.
func syncAll(t *testing.T, e *Engine) []*BatchResult {
	t.Helper()
	var out []*BatchResult
	for i := 0; i < 10000; i++ {
		res, err := e.Step(context.Background())
		require.NoError(t, err)
		if res.Idle {
			return out
		}
		out = append(out, res)
	}
	t.Fatal("engine never caught up")
	return nil
}

type snapshot struct {
	Cursor  *ledger.Cursor
	Records []*escrow.Record
}

func snap(t *testing.T, s ledger.Store) snapshot {
	t.Helper()
	ctx := context.Background()
	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	page, err := s.List(ctx, ledger.Filter{}, ledger.Page{First: ledger.MaxPageSize})
	require.NoError(t, err)
	return snapshot{Cursor: cur, Records: page.Items}
}

func reasons(results []*BatchResult) []string {
	var out []string
	for _, r := range results {
		for _, a := range r.Anomalies {
			out = append(out, a.Reason)
		}
	}
	return out
}

func changes(results []*BatchResult) []notify.Change {
	var out []notify.Change
	for _, r := range results {
		out = append(out, r.Changes...)
	}
	return out
}

func TestEngine_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 10)
	c.emit(t, 2, created(1))
	c.emit(t, 4, funded(1))
	c.emit(t, 5, docs(1))
	c.emit(t, 7, delivered(1), released(1))

	m := metrics.New(prometheus.NewRegistry())
	s := ledger.NewMemoryStore()
	e := newEngine(c, s, Config{StartBlock: 1, BatchSize: 3}, WithMetrics(m))
	results := syncAll(t, e)

	r, err := s.Get(ctx, escrowID(1))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusSettled, r.Status)
	assert.Equal(t, buyer, r.Buyer)
	assert.Equal(t, common.HexToHash("0xd0c5"), r.DocumentHash)
	assert.Equal(t, blockTime(2), r.CreatedAt)
	require.NotNil(t, r.FundedAt)
	assert.Equal(t, blockTime(4), *r.FundedAt)
	assert.Equal(t, blockTime(7), r.UpdatedAt)
	assert.Equal(t, uint64(2), r.CreatedBlock)
	assert.Equal(t, uint64(7), r.UpdatedBlock)

	hist, err := s.History(ctx, escrowID(1))
	require.NoError(t, err)
	require.Len(t, hist, 5)
	assert.Equal(t, escrow.KindPaymentReleased, hist[4].Kind)
	assert.Equal(t, escrow.StatusSettled, hist[4].Status)

	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Cursor{Height: 10, Hash: c.block(10).Hash}, *cur)

	chg := changes(results)
	require.Len(t, chg, 5)
	assert.Equal(t, "EscrowCreated", chg[0].Event)
	assert.Equal(t, escrow.StatusSettled, chg[3].Status)
	assert.Equal(t, "PaymentReleased", chg[4].Event)
	assert.Empty(t, chg[4].Status)
	assert.Empty(t, reasons(results))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsApplied.WithLabelValues("EscrowCreated")))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.CursorHeight))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.HeadHeight))
	assert.Equal(t, uint64(10), e.LastHead())
}

func TestEngine_DuplicateCreationAndInvalidJumps(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 12)
	c.emit(t, 2, created(1))
	dup := created(1)
	dup.Buyer = other
	c.emit(t, 3, dup)
	c.emit(t, 4, delivered(1)) // CREATED cannot settle
	c.emit(t, 5, funded(2))    // never created
	c.emit(t, 6, released(3))  // never created
	c.emit(t, 7, created(4))
	c.emit(t, 8, cancelled(4))
	c.emit(t, 9, funded(4)) // cancelled is terminal

	s := ledger.NewMemoryStore()
	results := syncAll(t, newEngine(c, s, Config{StartBlock: 1, BatchSize: 100}))

	assert.Equal(t, []string{
		ReasonDuplicateCreation,
		ReasonInvalidTransition,
		ReasonInvalidTransition,
		ReasonUnknownEscrow,
		ReasonInvalidTransition,
	}, reasons(results))

	r, err := s.Get(ctx, escrowID(1))
	require.NoError(t, err)
	assert.Equal(t, buyer, r.Buyer)
	assert.Equal(t, escrow.StatusCreated, r.Status)

	_, err = s.Get(ctx, escrowID(2))
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	r, err = s.Get(ctx, escrowID(4))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, r.Status)
	assert.Nil(t, r.FundedAt)

	// The batch still committed past the anomalies
	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), cur.Height)
}

func TestEngine_TransitionTable(t *testing.T) {
	paths := map[escrow.Status][]escrow.Kind{
		escrow.StatusCreated:          {escrow.KindCreated},
		escrow.StatusFunded:           {escrow.KindCreated, escrow.KindFunded},
		escrow.StatusDocumentsPending: {escrow.KindCreated, escrow.KindFunded, escrow.KindDocumentsUploaded},
		escrow.StatusSettled:          {escrow.KindCreated, escrow.KindFunded, escrow.KindDeliveryConfirmed},
		escrow.StatusCancelled:        {escrow.KindCreated, escrow.KindCancelled},
		escrow.StatusDisputed:         {escrow.KindCreated, escrow.KindFunded, escrow.KindDisputeInitiated},
	}
	allowed := map[escrow.Status]map[escrow.Kind]escrow.Status{
		escrow.StatusCreated: {
			escrow.KindFunded:    escrow.StatusFunded,
			escrow.KindCancelled: escrow.StatusCancelled,
		},
		escrow.StatusFunded: {
			escrow.KindDocumentsUploaded: escrow.StatusDocumentsPending,
			escrow.KindDeliveryConfirmed: escrow.StatusSettled,
			escrow.KindDisputeInitiated:  escrow.StatusDisputed,
		},
		escrow.StatusDocumentsPending: {
			escrow.KindDeliveryConfirmed: escrow.StatusSettled,
			escrow.KindDisputeInitiated:  escrow.StatusDisputed,
		},
	}

	for _, from := range escrow.Statuses {
		for _, kind := range escrow.Kinds {
			if kind == escrow.KindPaymentReleased {
				continue
			}
			t.Run(string(from)+"/"+kind.String(), func(t *testing.T) {
				c := newFakeChain(t, 10)
				h := uint64(1)
				for _, k := range paths[from] {
					c.emit(t, h, eventOf(k, 1))
					h++
				}
				c.emit(t, h, eventOf(kind, 1))

				s := ledger.NewMemoryStore()
				results := syncAll(t, newEngine(c, s, Config{StartBlock: 1}))

				r, err := s.Get(context.Background(), escrowID(1))
				require.NoError(t, err)
				want, ok := allowed[from][kind]
				if ok {
					assert.Equal(t, want, r.Status)
					assert.Empty(t, reasons(results))
				} else {
					assert.Equal(t, from, r.Status)
					assert.Len(t, reasons(results), 1)
				}
			})
		}
	}
}

func TestEngine_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 15)
	c.emit(t, 2, created(1), created(2))
	c.emit(t, 4, funded(1))
	c.emit(t, 6, disputed(1), cancelled(2))
	c.emit(t, 9, created(3))

	s := ledger.NewMemoryStore()
	e := newEngine(c, s, Config{StartBlock: 1, BatchSize: 4})
	syncAll(t, e)
	before := snap(t, s)
	hist, err := s.History(ctx, escrowID(1))
	require.NoError(t, err)

	// Rewind only the cursor so every batch is applied a second time
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetCursor(ctx, ledger.Cursor{Height: 0, Hash: c.block(0).Hash}))
	require.NoError(t, tx.Commit())

	syncAll(t, e)
	assert.Equal(t, before, snap(t, s))
	again, err := s.History(ctx, escrowID(1))
	require.NoError(t, err)
	assert.Equal(t, hist, again)
}

func TestEngine_ChunkingIndependence(t *testing.T) {
	c := newFakeChain(t, 30)
	c.emit(t, 1, created(1))
	c.emit(t, 3, created(2), funded(1))
	c.emit(t, 8, docs(1), funded(2))
	c.emit(t, 13, created(3), disputed(2))
	c.emit(t, 21, delivered(1), released(1), cancelled(3))
	c.emit(t, 30, created(4))

	var want snapshot
	for i, size := range []uint64{1, 2, 7, 30, 100} {
		s := ledger.NewMemoryStore()
		syncAll(t, newEngine(c, s, Config{StartBlock: 1, BatchSize: size}))
		got := snap(t, s)
		if i == 0 {
			want = got
			require.Len(t, want.Records, 4)
			continue
		}
		assert.Equal(t, want, got, "batch size %d", size)
	}
}

func TestEngine_ReorgRecoveryMatchesCanonical(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 20)
	c.emit(t, 3, created(1))
	c.emit(t, 5, created(2))
	c.emit(t, 12, funded(1))
	c.emit(t, 16, funded(2))
	c.emit(t, 18, docs(1))

	pub := &recorder{}
	s := ledger.NewMemoryStore()
	cfg := Config{StartBlock: 1, BatchSize: 4, Confirmations: 6}
	e := newEngine(c, s, cfg, WithPublisher(pub))
	syncAll(t, e)

	c.reorgAt(15)
	c.emit(t, 15, cancelled(2))
	c.emit(t, 17, disputed(1))
	c.extend(3)

	results := syncAll(t, e)
	require.NotNil(t, results[0].Reorg)
	// Batches ended at 4, 8, 12, 16, 20: 16 was replaced, 12 is still canonical
	assert.Equal(t, ledger.Cursor{Height: 12, Hash: c.block(12).Hash}, results[0].Reorg.To)
	assert.Equal(t, uint64(20), results[0].Reorg.From.Height)

	fresh := ledger.NewMemoryStore()
	syncAll(t, newEngine(c, fresh, cfg))
	assert.Equal(t, snap(t, fresh), snap(t, s))
	for _, id := range []int64{1, 2} {
		want, err := fresh.History(ctx, escrowID(id))
		require.NoError(t, err)
		got, err := s.History(ctx, escrowID(id))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	r, err := s.Get(ctx, escrowID(2))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, r.Status)
	assert.Nil(t, r.FundedAt)

	var sawReorg bool
	for _, n := range pub.all() {
		if n.Type == notify.TypeReorg {
			sawReorg = true
			assert.Equal(t, uint64(12), n.Cursor.Height)
		}
	}
	assert.True(t, sawReorg)
}

func TestEngine_ReorgFallbackTargets(t *testing.T) {
	tests := []struct {
		name          string
		confirmations uint64
		reorgAt       uint64
		wantTarget    uint64
	}{
		{"confirmation depth", 3, 11, 9},
		{"before start block", 50, 5, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeChain(t, 12)
			c.emit(t, 6, created(1))
			c.emit(t, 11, funded(1))

			s := ledger.NewMemoryStore()
			// One batch: the only checkpoint is the cursor itself
			cfg := Config{StartBlock: 5, BatchSize: 100, Confirmations: tt.confirmations}
			e := newEngine(c, s, cfg)
			syncAll(t, e)

			c.reorgAt(tt.reorgAt)
			c.emit(t, 12, cancelled(1))
			if tt.reorgAt <= 6 {
				c.emit(t, 7, created(1))
			}

			results := syncAll(t, e)
			require.NotNil(t, results[0].Reorg)
			assert.Equal(t, ledger.Cursor{Height: tt.wantTarget, Hash: c.block(tt.wantTarget).Hash}, results[0].Reorg.To)

			fresh := ledger.NewMemoryStore()
			syncAll(t, newEngine(c, fresh, cfg))
			assert.Equal(t, snap(t, fresh), snap(t, s))
		})
	}
}

func TestEngine_ReorgToShorterChain(t *testing.T) {
	c := newFakeChain(t, 20)
	c.emit(t, 4, created(1))
	c.emit(t, 18, funded(1))

	s := ledger.NewMemoryStore()
	cfg := Config{StartBlock: 1, BatchSize: 5, Confirmations: 4}
	e := newEngine(c, s, cfg)
	syncAll(t, e)

	c.reorgAt(16)
	c.truncate(17)

	results := syncAll(t, e)
	require.NotNil(t, results[0].Reorg)
	assert.Equal(t, uint64(15), results[0].Reorg.To.Height)

	fresh := ledger.NewMemoryStore()
	syncAll(t, newEngine(c, fresh, cfg))
	assert.Equal(t, snap(t, fresh), snap(t, s))
	assert.Equal(t, uint64(17), snap(t, s).Cursor.Height)
}

func TestEngine_CommitFailureReplaysBatchOnce(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 6)
	c.emit(t, 2, created(1))
	c.emit(t, 3, funded(1))

	s := &failingStore{Store: ledger.NewMemoryStore(), failCommits: 1}
	e := newEngine(c, s, Config{StartBlock: 1, BatchSize: 10})

	_, err := e.Step(ctx)
	assert.ErrorContains(t, err, "power loss")

	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
	_, err = s.Get(ctx, escrowID(1))
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	results := syncAll(t, e)
	assert.Empty(t, reasons(results))
	hist, err := s.History(ctx, escrowID(1))
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	r, err := s.Get(ctx, escrowID(1))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, r.Status)
}

func TestEngine_RetriesTransientChainErrors(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 5)
	c.emit(t, 2, created(1))

	m := metrics.New(prometheus.NewRegistry())
	s := ledger.NewMemoryStore()
	e := newEngine(c, s, Config{StartBlock: 1}, WithMetrics(m))

	c.setFailures(2)
	res, err := e.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.To)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ChainRetries))

	c.extend(5)
	c.setFailures(10)
	_, err = e.Step(ctx)
	assert.ErrorIs(t, err, chain.ErrChainUnavailable)
	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cur.Height)
}

func TestEngine_PermanentErrorsAreNotRetried(t *testing.T) {
	c := newFakeChain(t, 5)
	c.logsErr = errors.New("query returned more than 10000 results")

	e := newEngine(c, ledger.NewMemoryStore(), Config{StartBlock: 1})
	_, err := e.Step(context.Background())
	assert.ErrorContains(t, err, "more than 10000")
	assert.Equal(t, 1, c.callCount("logs"))
}

func TestEngine_UnstableRange(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 5)
	c.emit(t, 3, created(1))
	c.logs[3][0].BlockHash = common.HexToHash("0xbad")

	s := ledger.NewMemoryStore()
	_, err := newEngine(c, s, Config{StartBlock: 1}).Step(ctx)
	assert.ErrorIs(t, err, ErrUnstableRange)

	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestEngine_SkipsUnknownAndMalformedLogs(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 5)
	c.emitRaw(2, types.Log{Topics: []common.Hash{common.HexToHash("0xdeadbeef")}})
	// Known signature, truncated data
	good, err := c.dec.Encode(created(9))
	require.NoError(t, err)
	good.Data = good.Data[:10]
	c.emitRaw(2, good)
	c.emit(t, 2, created(1))

	s := ledger.NewMemoryStore()
	results := syncAll(t, newEngine(c, s, Config{StartBlock: 1}))
	assert.Equal(t, []string{ReasonUnknownEvent, ReasonMalformedLog}, reasons(results))

	_, err = s.Get(ctx, escrowID(1))
	assert.NoError(t, err)
}

func TestEngine_LagAndIdle(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 10)
	s := ledger.NewMemoryStore()
	e := newEngine(c, s, Config{StartBlock: 1, Lag: 3})

	syncAll(t, e)
	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cur.Height)

	res, err := e.Step(ctx)
	require.NoError(t, err)
	assert.True(t, res.Idle)

	// Nothing to do while the start block is ahead of the head
	ahead := newEngine(c, ledger.NewMemoryStore(), Config{StartBlock: 50})
	res, err = ahead.Step(ctx)
	require.NoError(t, err)
	assert.True(t, res.Idle)
}

type cancellingDecoder struct {
	Decoder
	after  int
	seen   int
	cancel context.CancelFunc
}

func (d *cancellingDecoder) Decode(l types.Log) (escrow.Event, error) {
	d.seen++
	if d.seen == d.after {
		d.cancel()
	}
	return d.Decoder.Decode(l)
}

func TestEngine_CancelledBatchCommitsNothing(t *testing.T) {
	c := newFakeChain(t, 5)
	c.emit(t, 2, created(1), created(2), created(3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := ledger.NewMemoryStore()
	dec := &cancellingDecoder{Decoder: c.dec, after: 2, cancel: cancel}
	e := New(c, dec, s, Config{StartBlock: 1})

	_, err := e.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	got := snap(t, s)
	assert.Nil(t, got.Cursor)
	assert.Empty(t, got.Records)
}

type recorder struct {
	mu sync.Mutex
	ns []notify.Notification
}

func (r *recorder) Publish(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ns = append(r.ns, n)
}

func (r *recorder) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.ns...)
}

func TestEngine_PublishesCommittedBatches(t *testing.T) {
	c := newFakeChain(t, 9)
	c.emit(t, 2, created(1))
	c.emit(t, 7, funded(1))

	pub := &recorder{}
	syncAll(t, newEngine(c, ledger.NewMemoryStore(), Config{StartBlock: 1, BatchSize: 3}, WithPublisher(pub)))

	ns := pub.all()
	// Batches without changes are not published
	require.Len(t, ns, 2)
	assert.Equal(t, notify.TypeBatch, ns[0].Type)
	assert.Equal(t, ledger.Cursor{Height: 3, Hash: c.block(3).Hash}, ns[0].Cursor)
	assert.Equal(t, escrowID(1).Hex(), ns[0].Changes[0].EscrowID)
	assert.Equal(t, escrow.StatusFunded, ns[1].Changes[0].Status)
}

type fakeLeader struct {
	acquires   atomic.Int32
	releases   atomic.Int32
	refreshErr atomic.Value
}

func (l *fakeLeader) Acquire(ctx context.Context) error {
	l.acquires.Add(1)
	return ctx.Err()
}

func (l *fakeLeader) Refresh(context.Context) error {
	if err, ok := l.refreshErr.Swap(errNone).(error); ok && err != errNone {
		return err
	}
	return nil
}

func (l *fakeLeader) Release(context.Context) error {
	l.releases.Add(1)
	return nil
}

var errNone = errors.New("none")

func TestEngine_RefreshFailureBlocksWrites(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 5)
	c.emit(t, 2, created(1))

	l := &fakeLeader{}
	l.refreshErr.Store(errors.New("leader lock lost"))
	s := ledger.NewMemoryStore()
	e := newEngine(c, s, Config{StartBlock: 1}, WithLeader(l))

	_, err := e.Step(ctx)
	assert.ErrorIs(t, err, ErrNotLeader)
	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	_, err = e.Step(ctx)
	require.NoError(t, err)
}

func TestEngine_LostLeaseBlocksRollback(t *testing.T) {
	ctx := context.Background()
	c := newFakeChain(t, 20)
	c.emit(t, 3, created(1))
	c.emit(t, 16, funded(1))

	l := &fakeLeader{}
	s := ledger.NewMemoryStore()
	e := newEngine(c, s, Config{StartBlock: 1, BatchSize: 4, Confirmations: 6}, WithLeader(l))
	syncAll(t, e)
	before := snap(t, s)
	require.Equal(t, uint64(20), before.Cursor.Height)

	c.reorgAt(15)
	l.refreshErr.Store(errors.New("leader lock lost"))

	res, err := e.Step(ctx)
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Nil(t, res)
	assert.Equal(t, before, snap(t, s))

	// Once the lease is confirmed again the rollback goes through
	res, err = e.Step(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Reorg)
	assert.Equal(t, uint64(12), res.Reorg.To.Height)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := newFakeChain(t, 30)
	c.emit(t, 2, created(1))
	l := &fakeLeader{}
	l.refreshErr.Store(errors.New("leader lock lost"))
	s := ledger.NewMemoryStore()
	e := newEngine(c, s, Config{StartBlock: 1, BatchSize: 4}, WithLeader(l))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		cur, err := s.Cursor(context.Background())
		return err == nil && cur != nil && cur.Height == 30
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Initial acquire plus one after the lost refresh
	assert.Equal(t, int32(2), l.acquires.Load())
	assert.Equal(t, int32(1), l.releases.Load())
}

func TestEngine_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := ledger.OpenSQL(ctx, ledger.DialectSQLite, ":memory:", "", 8)
	require.NoError(t, err)
	defer s.Close()

	c := newFakeChain(t, 20)
	c.emit(t, 2, created(1), created(2))
	c.emit(t, 9, funded(1))
	c.emit(t, 14, funded(2))

	cfg := Config{StartBlock: 1, BatchSize: 5, Confirmations: 4}
	e := newEngine(c, s, cfg)
	syncAll(t, e)

	c.reorgAt(13)
	c.emit(t, 13, cancelled(2))
	results := syncAll(t, e)
	require.NotNil(t, results[0].Reorg)
	assert.Equal(t, uint64(10), results[0].Reorg.To.Height)

	r, err := s.Get(ctx, escrowID(1))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, r.Status)
	r, err = s.Get(ctx, escrowID(2))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, r.Status)
	assert.Nil(t, r.FundedAt)

	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Cursor{Height: 20, Hash: c.block(20).Hash}, *cur)
}
