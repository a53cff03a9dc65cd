package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/execution-hub/dataspace-connector/internal/domain/lease"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
)

// Open opens a SQLite database. All access goes through one connection so the
// select-and-lease transaction in NextForState is serialized.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Store is a process.Store backed by one entity table and one lease side table.
type Store[T process.Entity[T]] struct {
	db            *sql.DB
	table         string
	leaseTable    string
	newEntity     func() T
	leaseDuration time.Duration
	now           func() time.Time
}

// Option configures a Store.
type Option func(*options)

type options struct {
	leaseDuration time.Duration
	clock         func() time.Time
}

func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) { o.leaseDuration = d }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// NewStore creates a store over table. newEntity returns an empty entity to decode into.
func NewStore[T process.Entity[T]](db *sql.DB, table string, newEntity func() T, opts ...Option) *Store[T] {
	o := options{leaseDuration: lease.DefaultDuration, clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		db:            db,
		table:         table,
		leaseTable:    table + "_leases",
		newEntity:     newEntity,
		leaseDuration: o.leaseDuration,
		now:           o.clock,
	}
}

// Migrate creates the tables if they do not exist.
func (s *Store[T]) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			state INTEGER NOT NULL,
			state_count INTEGER NOT NULL,
			state_timestamp INTEGER NOT NULL,
			pending INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT NOT NULL DEFAULT '',
			trace_context TEXT NOT NULL DEFAULT '{}',
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_idx ON %s (state, pending, state_timestamp)`, s.table, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entity_id TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		)`, s.leaseTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}

type row struct {
	traceContext string
	payload      string
}

func (s *Store[T]) encode(e T) (row, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return row{}, fmt.Errorf("encode %s: %w", e.Base().ID, err)
	}
	tc, err := json.Marshal(e.Base().TraceContext)
	if err != nil {
		return row{}, fmt.Errorf("encode trace context: %w", err)
	}
	return row{traceContext: string(tc), payload: string(payload)}, nil
}

func (s *Store[T]) decode(payload string) (T, error) {
	e := s.newEntity()
	if err := json.Unmarshal([]byte(payload), e); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s: %w", s.table, err)
	}
	return e, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store[T]) Create(ctx context.Context, entity T) error {
	p := entity.Base()
	r, err := s.encode(entity)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, state, state_count, state_timestamp, pending, error_detail, trace_context, payload, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`, s.table),
		p.ID, p.State, p.StateCount, millis(p.StateTimestamp), boolInt(p.Pending), p.ErrorDetail, r.traceContext, r.payload, millis(p.CreatedAt), millis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return process.ErrAlreadyExists
	}
	return nil
}

func (s *Store[T]) Find(ctx context.Context, id string) (T, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id=?`, s.table), id).Scan(&payload)
	if err != nil {
		var zero T
		if errors.Is(err, sql.ErrNoRows) {
			return zero, process.ErrNotFound
		}
		return zero, err
	}
	return s.decode(payload)
}

// leaseHolder returns the holder of a valid lease on id, or "".
func (s *Store[T]) leaseHolder(ctx context.Context, tx *sql.Tx, id string, now time.Time) (string, error) {
	var holder string
	var acquired, duration int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT holder_id, acquired_at, duration_ms FROM %s WHERE entity_id=?`, s.leaseTable), id).
		Scan(&holder, &acquired, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease %s: %w", id, err)
	}
	l := lease.Lease{
		EntityID:   id,
		HolderID:   holder,
		AcquiredAt: time.UnixMilli(acquired),
		Duration:   time.Duration(duration) * time.Millisecond,
	}
	if l.IsExpired(now) {
		return "", nil
	}
	return holder, nil
}

func (s *Store[T]) exists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id=?`, s.table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store[T]) Update(ctx context.Context, entity T, holderID string) error {
	p := entity.Base()
	r, err := s.encode(entity)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ok, err := s.exists(ctx, tx, p.ID)
	if err != nil {
		return fmt.Errorf("check %s: %w", p.ID, err)
	}
	if !ok {
		return process.ErrNotFound
	}
	holder, err := s.leaseHolder(ctx, tx, p.ID, s.now())
	if err != nil {
		return err
	}
	if holder != "" && holder != holderID {
		return process.NewLeaseError(p.ID, holder)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET state=?, state_count=?, state_timestamp=?, pending=?, error_detail=?, trace_context=?, payload=?, updated_at=?
		WHERE id=?`, s.table),
		p.State, p.StateCount, millis(p.StateTimestamp), boolInt(p.Pending), p.ErrorDetail, r.traceContext, r.payload, millis(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update %s: %w", p.ID, err)
	}
	return tx.Commit()
}

func (s *Store[T]) Delete(ctx context.Context, id, holderID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ok, err := s.exists(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("check %s: %w", id, err)
	}
	if !ok {
		return process.ErrNotFound
	}
	holder, err := s.leaseHolder(ctx, tx, id, s.now())
	if err != nil {
		return err
	}
	if holder != "" && holder != holderID {
		return process.NewLeasedConflict(id, holder)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE entity_id=?`, s.leaseTable), id); err != nil {
		return fmt.Errorf("delete lease %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, s.table), id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store[T]) Query(ctx context.Context, q process.Query) ([]T, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s`, s.table)
	var where []string
	var args []interface{}
	if len(q.States) > 0 {
		marks := make([]string, len(q.States))
		for i, st := range q.States {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "state IN ("+strings.Join(marks, ",")+")")
	}
	if q.Pending != nil {
		where = append(where, "pending=?")
		args = append(args, boolInt(*q.Pending))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	col := "created_at"
	if q.Sort == process.SortStateTimestamp {
		col = "state_timestamp"
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir)
	limit := -1
	if q.Limit > 0 {
		limit = q.Limit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		e, err := s.decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store[T]) NextForState(ctx context.Context, state, max int, holderID string) ([]T, error) {
	if max <= 0 {
		return []T{}, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.id, e.payload FROM %s e
		LEFT JOIN %s l ON l.entity_id = e.id
		WHERE e.state=? AND e.pending=0
		AND (l.entity_id IS NULL OR l.acquired_at + l.duration_ms < ?)
		ORDER BY e.state_timestamp ASC, e.id ASC
		LIMIT ?`, s.table, s.leaseTable),
		state, millis(now), max)
	if err != nil {
		return nil, fmt.Errorf("select due %s: %w", s.table, err)
	}
	var ids, payloads []string
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		payloads = append(payloads, payload)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if err := s.upsertLease(ctx, tx, id, holderID, now, s.leaseDuration); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	out := make([]T, 0, len(payloads))
	for _, payload := range payloads {
		e, err := s.decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store[T]) upsertLease(ctx context.Context, tx *sql.Tx, id, holderID string, now time.Time, d time.Duration) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (entity_id, holder_id, acquired_at, duration_ms) VALUES (?,?,?,?)
		ON CONFLICT(entity_id) DO UPDATE SET holder_id=excluded.holder_id, acquired_at=excluded.acquired_at, duration_ms=excluded.duration_ms`, s.leaseTable),
		id, holderID, millis(now), d.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert lease %s: %w", id, err)
	}
	return nil
}

func (s *Store[T]) AcquireLease(ctx context.Context, id, holderID string, d time.Duration) error {
	if d <= 0 {
		d = s.leaseDuration
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ok, err := s.exists(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("check %s: %w", id, err)
	}
	if !ok {
		return process.ErrNotFound
	}
	now := s.now()
	holder, err := s.leaseHolder(ctx, tx, id, now)
	if err != nil {
		return err
	}
	if holder != "" && holder != holderID {
		return process.NewLeaseError(id, holder)
	}
	if err := s.upsertLease(ctx, tx, id, holderID, now, d); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store[T]) ReleaseLease(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE entity_id=?`, s.leaseTable), id)
	return err
}

func (s *Store[T]) IsLeased(ctx context.Context, id string) (bool, error) {
	var acquired, duration int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT acquired_at, duration_ms FROM %s WHERE entity_id=?`, s.leaseTable), id).
		Scan(&acquired, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return millis(s.now()) <= acquired+duration, nil
}
