package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectSchema(mock sqlmock.Sqlmock) {
	// meta, records, 4 record indexes, journal, 2 journal indexes, cursor, checkpoints
	for i := 0; i < 11; i++ {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func TestSQLStore_InitCreatesVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSQLStore(db, DialectPostgres, "custom_", 0)
	expectSchema(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM custom_meta WHERE name = $1")).
		WithArgs("schema_version").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO custom_meta (name, value) VALUES ($1, $2)")).
		WithArgs("schema_version", "1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SchemaMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSQLStore(db, DialectSQLite, "", 0)
	expectSchema(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM escrow_meta WHERE name = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("2"))

	err = s.init(context.Background())
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSQLStore(db, DialectPostgres, "", 0)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS escrow_meta").WillReturnError(errors.New("permission denied"))

	err = s.init(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "apply schema")
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := newSQLStore(nil, DialectPostgres, "", 0)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := newSQLStore(nil, DialectSQLite, "", 0)
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestSQLStore_GetErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, DialectPostgres, "", 0)
	id := common.HexToHash("0x01")

	mock.ExpectQuery("SELECT .* FROM escrow_records WHERE id = \\$1").
		WithArgs(id.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = s.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery("SELECT .* FROM escrow_records WHERE id = \\$1").
		WillReturnError(errors.New("connection reset"))
	_, err = s.Get(context.Background(), id)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CursorEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, DialectPostgres, "", 0)

	mock.ExpectQuery("SELECT height, hash FROM escrow_cursor").
		WillReturnRows(sqlmock.NewRows([]string{"height", "hash"}))
	c, err := s.Cursor(context.Background())
	require.NoError(t, err)
	assert.Nil(t, c)

	mock.ExpectQuery("SELECT height, hash FROM escrow_cursor").
		WillReturnRows(sqlmock.NewRows([]string{"height", "hash"}).AddRow(int64(99), common.HexToHash("0x63").Hex()))
	c, err = s.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(99), c.Height)
	assert.Equal(t, common.HexToHash("0x63"), c.Hash)
}

func TestSQLStore_FailedWriteLeavesTxForRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, DialectPostgres, "", 0)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM escrow_journal").WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectQuery("SELECT .* FROM escrow_records WHERE id = \\$1").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO escrow_records").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	ok, err := tx.UpsertCreated(ctx, created(1, buyer, seller), meta(escrow.KindCreated, 10, 0))
	assert.False(t, ok)
	assert.ErrorContains(t, err, "disk full")
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, DialectSQLite, "", 0)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	err = tx.Commit()
	assert.ErrorContains(t, err, "database is locked")
	assert.ErrorIs(t, tx.Rollback(), ErrTxDone)
}

func TestOpenSQL_SQLiteFile(t *testing.T) {
	dsn := t.TempDir() + "/ledger.db"
	ctx := context.Background()

	s, err := OpenSQL(ctx, DialectSQLite, dsn, "", 0)
	require.NoError(t, err)
	commit(t, s, func(tx Tx) {
		require.NoError(t, tx.SetCursor(ctx, Cursor{Height: 5, Hash: common.HexToHash("0x05")}))
	})
	require.NoError(t, s.Close())

	// Reopen: schema exists, version matches, state persisted
	s, err = OpenSQL(ctx, DialectSQLite, dsn, "", 0)
	require.NoError(t, err)
	defer s.Close()
	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Height)
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		dsn    string
		want   string
		memory bool
	}{
		{":memory:", ":memory:", true},
		{"file::memory:?cache=shared", "file::memory:?cache=shared", true},
		{"file:ledger?mode=memory", "file:ledger?mode=memory", true},
		{"escrow.db", "escrow.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", false},
		{"file:escrow.db?cache=private", "file:escrow.db?cache=private&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", false},
		{"escrow.db?_pragma=busy_timeout(100)", "escrow.db?_pragma=busy_timeout(100)", false},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got, memory := sqliteDSN(tt.dsn)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.memory, memory)
		})
	}
}

func TestOpenSQL_SQLiteConnectionPool(t *testing.T) {
	ctx := context.Background()

	mem, err := OpenSQL(ctx, DialectSQLite, ":memory:", "", 0)
	require.NoError(t, err)
	defer mem.Close()
	assert.Equal(t, 1, mem.db.Stats().MaxOpenConnections)

	file, err := OpenSQL(ctx, DialectSQLite, t.TempDir()+"/ledger.db", "", 0)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, 0, file.db.Stats().MaxOpenConnections)

	var mode string
	require.NoError(t, file.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpenSQL_SQLiteReadDuringWrite(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQL(ctx, DialectSQLite, t.TempDir()+"/ledger.db", "", 0)
	require.NoError(t, err)
	defer s.Close()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.UpsertCreated(ctx, created(1, buyer, seller), meta(escrow.KindCreated, 10, 0))
	require.NoError(t, err)

	// Readers see the last committed state while the write is open
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = s.Get(readCtx, escrowID(1))
	assert.ErrorIs(t, err, ErrNotFound)
	res, err := s.List(readCtx, Filter{}, Page{First: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	require.NoError(t, tx.Commit())
	r, err := s.Get(readCtx, escrowID(1))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCreated, r.Status)
}

func TestSQLStore_ListSecondPageSQLite(t *testing.T) {
	s, err := OpenSQL(context.Background(), DialectSQLite, ":memory:", "", 0)
	require.NoError(t, err)
	defer s.Close()
	seedList(t, s)

	// Every page with a cursor runs the bounds query after the window query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p1, err := s.List(ctx, Filter{}, Page{First: 3})
	require.NoError(t, err)
	require.True(t, p1.PageInfo.HasNextPage)

	p2, err := s.List(ctx, Filter{}, Page{First: 3, After: p1.PageInfo.EndCursor})
	require.NoError(t, err)
	assert.Equal(t, []escrow.ID{escrowID(4), escrowID(5), escrowID(6)}, ids(p2.Items))
	assert.True(t, p2.PageInfo.HasPreviousPage)
	assert.True(t, p2.PageInfo.HasNextPage)

	b, err := s.List(ctx, Filter{}, Page{Last: 2, Before: p2.PageInfo.StartCursor})
	require.NoError(t, err)
	assert.Equal(t, []escrow.ID{escrowID(2), escrowID(3)}, ids(b.Items))
	assert.True(t, b.PageInfo.HasPreviousPage)
	assert.True(t, b.PageInfo.HasNextPage)
	require.NoError(t, ctx.Err())
}

func TestSQLStore_ListUsesOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := newSQLStore(db, DialectPostgres, "", 0)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = s.List(context.Background(), Filter{}, Page{First: 2})
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
