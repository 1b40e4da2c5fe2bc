package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/84hero/escrow-indexer/pkg/escrow"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	_ "github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
)

// SchemaVersion is bumped whenever the table layout changes.
const SchemaVersion = 1

// Dialect selects the SQL flavour and the database/sql driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	history int

	records     string
	journalT    string
	cursorT     string
	checkpoints string
	meta        string
}

// OpenSQL connects, creates missing tables and checks the schema version.
// tablePrefix defaults to "escrow_".
func OpenSQL(ctx context.Context, dialect Dialect, dsn, tablePrefix string, history int) (*SQLStore, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, dialect)
	}
	memory := false
	if dialect == DialectSQLite {
		dsn, memory = sqliteDSN(dsn)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if memory {
		// In-memory databases are per connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := newSQLStore(db, dialect, tablePrefix, history)
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN turns on WAL and a busy timeout for file databases so readers
// never wait on the writer. It reports whether dsn names an in-memory database.
func sqliteDSN(dsn string) (string, bool) {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") || strings.Contains(dsn, "mode=memory") {
		return dsn, true
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn, false
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", false
}

// querier is the read surface shared by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newSQLStore(db *sql.DB, dialect Dialect, tablePrefix string, history int) *SQLStore {
	if tablePrefix == "" {
		tablePrefix = "escrow_"
	}
	if history <= 0 {
		history = DefaultCheckpointHistory
	}
	return &SQLStore{
		db:          db,
		dialect:     dialect,
		history:     history,
		records:     tablePrefix + "records",
		journalT:    tablePrefix + "journal",
		cursorT:     tablePrefix + "cursor",
		checkpoints: tablePrefix + "checkpoints",
		meta:        tablePrefix + "meta",
	}
}

// init automatically creates the ledger tables
func (s *SQLStore) init(ctx context.Context) error {
	schema := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`, s.meta),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			buyer TEXT NOT NULL,
			seller TEXT NOT NULL,
			amount TEXT NOT NULL,
			deadline TEXT NOT NULL,
			status TEXT NOT NULL,
			document_hash TEXT NOT NULL,
			dispute_initiator TEXT NOT NULL,
			dispute_reason TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			funded_at BIGINT,
			updated_at BIGINT NOT NULL,
			created_block BIGINT NOT NULL,
			updated_block BIGINT NOT NULL
		)`, s.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_order ON %s (created_at, id)`, s.records, s.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_buyer ON %s (buyer)`, s.records, s.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_seller ON %s (seller)`, s.records, s.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status ON %s (status)`, s.records, s.records),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tx_hash TEXT NOT NULL,
			log_index BIGINT NOT NULL,
			escrow_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			block_number BIGINT NOT NULL,
			block_hash TEXT NOT NULL,
			block_time BIGINT NOT NULL,
			prev TEXT,
			PRIMARY KEY (tx_hash, log_index)
		)`, s.journalT),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_block ON %s (block_number, log_index)`, s.journalT, s.journalT),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_escrow ON %s (escrow_id)`, s.journalT, s.journalT),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			height BIGINT NOT NULL,
			hash TEXT NOT NULL
		)`, s.cursorT),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			height BIGINT PRIMARY KEY,
			hash TEXT NOT NULL
		)`, s.checkpoints),
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return s.checkVersion(ctx)
}

func (s *SQLStore) checkVersion(ctx context.Context) error {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`SELECT value FROM %s WHERE name = ?`, s.meta)), "schema_version").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx, s.rebind(fmt.Sprintf(`INSERT INTO %s (name, value) VALUES (?, ?)`, s.meta)),
			"schema_version", strconv.Itoa(SchemaVersion))
		if err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
		log.Info("Ledger schema created", "dialect", s.dialect, "version", SchemaVersion)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if value != strconv.Itoa(SchemaVersion) {
		return fmt.Errorf("%w: database has %s, binary expects %d", ErrSchemaMismatch, value, SchemaVersion)
	}
	return nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const recordColumns = `id, buyer, seller, amount, deadline, status, document_hash, dispute_initiator, dispute_reason, created_at, funded_at, updated_at, created_block, updated_block`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*escrow.Record, error) {
	var (
		id, buyer, seller, amount, deadline, status string
		docHash, initiator, reason                  string
		createdAt, updatedAt                        int64
		fundedAt                                    sql.NullInt64
		createdBlock, updatedBlock                  uint64
	)
	if err := row.Scan(&id, &buyer, &seller, &amount, &deadline, &status, &docHash, &initiator, &reason,
		&createdAt, &fundedAt, &updatedAt, &createdBlock, &updatedBlock); err != nil {
		return nil, err
	}

	r := &escrow.Record{
		ID:            common.HexToHash(id),
		Buyer:         common.HexToAddress(buyer),
		Seller:        common.HexToAddress(seller),
		Status:        escrow.Status(status),
		DisputeReason: reason,
		CreatedAt:     time.Unix(createdAt, 0).UTC(),
		UpdatedAt:     time.Unix(updatedAt, 0).UTC(),
		CreatedBlock:  createdBlock,
		UpdatedBlock:  updatedBlock,
	}
	var ok bool
	if r.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("corrupt amount %q for %s", amount, id)
	}
	if deadline != "" {
		if r.Deadline, ok = new(big.Int).SetString(deadline, 10); !ok {
			return nil, fmt.Errorf("corrupt deadline %q for %s", deadline, id)
		}
	}
	if docHash != "" {
		r.DocumentHash = common.HexToHash(docHash)
	}
	if initiator != "" {
		r.DisputeInitiator = common.HexToAddress(initiator)
	}
	if fundedAt.Valid {
		t := time.Unix(fundedAt.Int64, 0).UTC()
		r.FundedAt = &t
	}
	return r, nil
}

func recordArgs(r *escrow.Record) []any {
	var deadline, docHash, initiator string
	if r.Deadline != nil {
		deadline = r.Deadline.String()
	}
	if r.DocumentHash != (common.Hash{}) {
		docHash = r.DocumentHash.Hex()
	}
	if r.DisputeInitiator != (common.Address{}) {
		initiator = escrow.FormatAddress(r.DisputeInitiator)
	}
	var fundedAt sql.NullInt64
	if r.FundedAt != nil {
		fundedAt = sql.NullInt64{Int64: r.FundedAt.Unix(), Valid: true}
	}
	return []any{
		r.ID.Hex(),
		escrow.FormatAddress(r.Buyer),
		escrow.FormatAddress(r.Seller),
		bigText(r.Amount),
		deadline,
		string(r.Status),
		docHash,
		initiator,
		r.DisputeReason,
		r.CreatedAt.Unix(),
		fundedAt,
		r.UpdatedAt.Unix(),
		int64(r.CreatedBlock),
		int64(r.UpdatedBlock),
	}
}

func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *SQLStore) Get(ctx context.Context, id escrow.ID) (*escrow.Record, error) {
	query := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, recordColumns, s.records))
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, id.Hex()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return r, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter, p Page) (*PageResult, error) {
	q, err := p.query()
	if err != nil {
		return nil, err
	}

	where, args := filterClause(f)
	if q.after != nil {
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, q.after.CreatedAt, q.after.CreatedAt, q.after.ID.Hex())
	}
	if q.before != nil {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, q.before.CreatedAt, q.before.CreatedAt, q.before.ID.Hex())
	}
	order := "created_at ASC, id ASC"
	if !q.forward {
		order = "created_at DESC, id DESC"
	}
	query := s.rebind(fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s LIMIT %d`,
		recordColumns, s.records, whereSQL(where), order, q.limit+1))

	// Items and page bounds come from one snapshot.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.dialect == DialectPostgres})
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	items, more, err := listWindow(ctx, tx, query, q.limit, args)
	if err != nil {
		return nil, err
	}
	if !q.forward {
		reverse(items)
	}

	outside, err := s.hasOutside(ctx, tx, f, q)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	return buildResult(items, q, more, outside), nil
}

// listWindow reads up to limit records and reports whether another one follows.
// The rows are closed before it returns.
func listWindow(ctx context.Context, db querier, query string, limit int, args []any) ([]*escrow.Record, bool, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	items := make([]*escrow.Record, 0, limit)
	more := false
	for rows.Next() {
		if len(items) == limit {
			more = true
			break
		}
		r, err := scanRecord(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan escrow: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("list escrows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, false, fmt.Errorf("list escrows: %w", err)
	}
	return items, more, nil
}

// hasOutside reports whether matching rows exist beyond the bound opposite to the paging direction.
func (s *SQLStore) hasOutside(ctx context.Context, db querier, f Filter, q pageQuery) (bool, error) {
	where, args := filterClause(f)
	switch {
	case q.forward && q.after != nil:
		where = append(where, "(created_at < ? OR (created_at = ? AND id <= ?))")
		args = append(args, q.after.CreatedAt, q.after.CreatedAt, q.after.ID.Hex())
	case !q.forward && q.before != nil:
		where = append(where, "(created_at > ? OR (created_at = ? AND id >= ?))")
		args = append(args, q.before.CreatedAt, q.before.CreatedAt, q.before.ID.Hex())
	default:
		return false, nil
	}

	query := s.rebind(fmt.Sprintf(`SELECT 1 FROM %s%s LIMIT 1`, s.records, whereSQL(where)))
	var one int
	err := db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("page bounds: %w", err)
	}
	return true, nil
}

func filterClause(f Filter) ([]string, []any) {
	var where []string
	var args []any
	if f.Buyer != nil {
		where = append(where, "buyer = ?")
		args = append(args, escrow.FormatAddress(*f.Buyer))
	}
	if f.Seller != nil {
		where = append(where, "seller = ?")
		args = append(args, escrow.FormatAddress(*f.Seller))
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	return where, args
}

func whereSQL(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func (s *SQLStore) History(ctx context.Context, id escrow.ID) ([]JournalEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	query := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE escrow_id = ? ORDER BY block_number ASC, log_index ASC`,
		journalColumns, s.journalT))
	rows, err := s.db.QueryContext(ctx, query, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	out := []JournalEntry{}
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Cursor(ctx context.Context) (*Cursor, error) {
	return readCursor(ctx, s.db, s.rebind(fmt.Sprintf(`SELECT height, hash FROM %s WHERE id = 1`, s.cursorT)))
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readCursor(ctx context.Context, q queryRower, query string) (*Cursor, error) {
	var height uint64
	var hash string
	err := q.QueryRowContext(ctx, query).Scan(&height, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	return &Cursor{Height: height, Hash: common.HexToHash(hash)}, nil
}

func (s *SQLStore) Checkpoints(ctx context.Context, atOrBelow uint64, limit int) ([]Cursor, error) {
	if limit <= 0 {
		limit = s.history
	}
	query := s.rebind(fmt.Sprintf(`SELECT height, hash FROM %s WHERE height <= ? ORDER BY height DESC LIMIT %d`, s.checkpoints, limit))
	rows, err := s.db.QueryContext(ctx, query, int64(atOrBelow))
	if err != nil {
		return nil, fmt.Errorf("checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var height uint64
		var hash string
		if err := rows.Scan(&height, &hash); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, Cursor{Height: height, Hash: common.HexToHash(hash)})
	}
	return out, rows.Err()
}

func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqlTx{store: s, tx: tx}, nil
}

func (s *SQLStore) RollbackTo(ctx context.Context, c Cursor) error {
	t, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	st := t.(*sqlTx)
	defer func() { _ = st.Rollback() }()

	query := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE block_number > ? ORDER BY block_number DESC, log_index DESC`,
		journalColumns, s.journalT))
	rows, err := st.tx.QueryContext(ctx, query, int64(c.Height))
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan journal: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	for _, e := range entries {
		if err := undo(ctx, st, e); err != nil {
			return fmt.Errorf("undo %s at %d: %w", e.Kind, e.BlockNumber, err)
		}
	}
	if _, err := st.tx.ExecContext(ctx, s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE block_number > ?`, s.journalT)), int64(c.Height)); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	if err := st.SetCursor(ctx, c); err != nil {
		return err
	}
	return st.Commit()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

const journalColumns = `tx_hash, log_index, escrow_id, kind, status, block_number, block_hash, block_time, prev`

func scanJournal(row rowScanner) (JournalEntry, error) {
	var (
		txHash, id, kind, status, blockHash string
		logIndex, blockNumber               uint64
		blockTime                           int64
		prev                                sql.NullString
	)
	if err := row.Scan(&txHash, &logIndex, &id, &kind, &status, &blockNumber, &blockHash, &blockTime, &prev); err != nil {
		return JournalEntry{}, err
	}
	e := JournalEntry{
		EscrowID:    common.HexToHash(id),
		Kind:        escrow.KindByName(kind),
		BlockNumber: blockNumber,
		BlockHash:   common.HexToHash(blockHash),
		BlockTime:   time.Unix(blockTime, 0).UTC(),
		TxHash:      common.HexToHash(txHash),
		LogIndex:    uint(logIndex),
		Status:      escrow.Status(status),
	}
	if prev.Valid && prev.String != "" {
		var r escrow.Record
		if err := json.Unmarshal([]byte(prev.String), &r); err != nil {
			return JournalEntry{}, fmt.Errorf("decode previous image: %w", err)
		}
		e.Prev = &r
	}
	return e, nil
}

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
	done  bool
}

func (t *sqlTx) UpsertCreated(ctx context.Context, ev escrow.Created, meta EventMeta) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	return upsertCreated(ctx, t, ev, meta)
}

func (t *sqlTx) ApplyTransition(ctx context.Context, id escrow.ID, target escrow.Status, meta EventMeta, mutate func(*escrow.Record)) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	return applyTransition(ctx, t, id, target, meta, mutate)
}

func (t *sqlTx) Annotate(ctx context.Context, id escrow.ID, meta EventMeta) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	return annotate(ctx, t, id, meta)
}

func (t *sqlTx) SetCursor(ctx context.Context, c Cursor) error {
	if t.done {
		return ErrTxDone
	}
	s := t.store
	_, err := t.tx.ExecContext(ctx, s.rebind(fmt.Sprintf(`INSERT INTO %s (id, height, hash) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET height = excluded.height, hash = excluded.hash`, s.cursorT)),
		int64(c.Height), c.Hash.Hex())
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE height >= ?`, s.checkpoints)), int64(c.Height)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, s.rebind(fmt.Sprintf(`INSERT INTO %s (height, hash) VALUES (?, ?)`, s.checkpoints)),
		int64(c.Height), c.Hash.Hex()); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	// Trim history to the newest entries
	var cutoff uint64
	err = t.tx.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`SELECT height FROM %s ORDER BY height DESC LIMIT 1 OFFSET %d`,
		s.checkpoints, s.history-1))).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trim checkpoints: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE height < ?`, s.checkpoints)), int64(cutoff)); err != nil {
		return fmt.Errorf("trim checkpoints: %w", err)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Rollback()
}

// mutator implementation

func (t *sqlTx) load(ctx context.Context, id escrow.ID) (*escrow.Record, error) {
	s := t.store
	query := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, recordColumns, s.records))
	r, err := scanRecord(t.tx.QueryRowContext(ctx, query, id.Hex()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	return r, nil
}

func (t *sqlTx) insert(ctx context.Context, r *escrow.Record) error {
	s := t.store
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, s.records, recordColumns))
	if _, err := t.tx.ExecContext(ctx, query, recordArgs(r)...); err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (t *sqlTx) update(ctx context.Context, r *escrow.Record) error {
	s := t.store
	args := recordArgs(r)
	query := s.rebind(fmt.Sprintf(`UPDATE %s SET buyer = ?, seller = ?, amount = ?, deadline = ?, status = ?,
		document_hash = ?, dispute_initiator = ?, dispute_reason = ?, created_at = ?, funded_at = ?,
		updated_at = ?, created_block = ?, updated_block = ? WHERE id = ?`, s.records))
	if _, err := t.tx.ExecContext(ctx, query, append(args[1:], args[0])...); err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	return nil
}

func (t *sqlTx) remove(ctx context.Context, id escrow.ID) error {
	s := t.store
	if _, err := t.tx.ExecContext(ctx, s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.records)), id.Hex()); err != nil {
		return fmt.Errorf("delete escrow: %w", err)
	}
	return nil
}

func (t *sqlTx) journaled(ctx context.Context, txHash common.Hash, logIndex uint) (bool, error) {
	s := t.store
	var one int
	err := t.tx.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE tx_hash = ? AND log_index = ?`, s.journalT)),
		txHash.Hex(), int64(logIndex)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check journal: %w", err)
	}
	return true, nil
}

func (t *sqlTx) journal(ctx context.Context, e JournalEntry) error {
	s := t.store
	var prev sql.NullString
	if e.Prev != nil {
		b, err := json.Marshal(e.Prev)
		if err != nil {
			return fmt.Errorf("encode previous image: %w", err)
		}
		prev = sql.NullString{String: string(b), Valid: true}
	}
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.journalT, journalColumns))
	_, err := t.tx.ExecContext(ctx, query,
		e.TxHash.Hex(), int64(e.LogIndex), e.EscrowID.Hex(), e.Kind.String(), string(e.Status),
		int64(e.BlockNumber), e.BlockHash.Hex(), e.BlockTime.Unix(), prev)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}
