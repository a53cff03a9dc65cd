package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/dataspace-connector/internal/domain/lease"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
)

// ProcessStore implements process.Store on one table with inline lease columns.
// NextForState claims rows with FOR UPDATE SKIP LOCKED so concurrent runtimes
// never lease the same row.
type ProcessStore[T process.Entity[T]] struct {
	pool          *pgxpool.Pool
	table         string
	newEntity     func() T
	leaseDuration time.Duration
	now           func() time.Time
}

func NewProcessStore[T process.Entity[T]](pool *pgxpool.Pool, table string, newEntity func() T, leaseDuration time.Duration) *ProcessStore[T] {
	if leaseDuration <= 0 {
		leaseDuration = lease.DefaultDuration
	}
	return &ProcessStore[T]{
		pool:          pool,
		table:         table,
		newEntity:     newEntity,
		leaseDuration: leaseDuration,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// leaseValid is true when the row carries an unexpired lease at $now.
const leaseValid = `(lease_holder IS NOT NULL AND lease_acquired_at + lease_duration_ms * INTERVAL '1 millisecond' >= @now)`

func (s *ProcessStore[T]) decode(payload []byte) (T, error) {
	e := s.newEntity()
	if err := json.Unmarshal(payload, e); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s: %w", s.table, err)
	}
	return e, nil
}

func traceJSON(tc map[string]string) ([]byte, error) {
	if tc == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(tc)
}

func (s *ProcessStore[T]) Create(ctx context.Context, entity T) error {
	p := entity.Base()
	payload, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	tc, err := traceJSON(p.TraceContext)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, state, state_count, state_timestamp, pending, error_detail, trace_context, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`, s.table), p.ID, p.State, p.StateCount, p.StateTimestamp, p.Pending, p.ErrorDetail, tc, payload, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return process.ErrAlreadyExists
	}
	return nil
}

func (s *ProcessStore[T]) Find(ctx context.Context, id string) (T, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id=$1`, s.table), id).Scan(&payload)
	if err != nil {
		var zero T
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, process.ErrNotFound
		}
		return zero, err
	}
	return s.decode(payload)
}

// conflict resolves why a guarded write touched no row.
func (s *ProcessStore[T]) conflict(ctx context.Context, id string, sentinel func(id, holder string) error) error {
	var holder *string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT lease_holder FROM %s WHERE id=@id`, s.table),
		pgx.NamedArgs{"id": id}).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return process.ErrNotFound
	}
	if err != nil {
		return err
	}
	h := ""
	if holder != nil {
		h = *holder
	}
	return sentinel(id, h)
}

func (s *ProcessStore[T]) Update(ctx context.Context, entity T, holderID string) error {
	p := entity.Base()
	payload, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	tc, err := traceJSON(p.TraceContext)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state=@state, state_count=@state_count, state_timestamp=@state_timestamp, pending=@pending,
			error_detail=@error_detail, trace_context=@trace_context, payload=@payload, updated_at=@updated_at
		WHERE id=@id AND (NOT %s OR lease_holder=@holder)
	`, s.table, leaseValid), pgx.NamedArgs{
		"state":           p.State,
		"state_count":     p.StateCount,
		"state_timestamp": p.StateTimestamp,
		"pending":         p.Pending,
		"error_detail":    p.ErrorDetail,
		"trace_context":   tc,
		"payload":         payload,
		"updated_at":      p.UpdatedAt,
		"id":              p.ID,
		"holder":          holderID,
		"now":             s.now(),
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, p.ID, process.NewLeaseError)
	}
	return nil
}

func (s *ProcessStore[T]) Delete(ctx context.Context, id, holderID string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id=@id AND (NOT %s OR lease_holder=@holder)
	`, s.table, leaseValid), pgx.NamedArgs{"id": id, "holder": holderID, "now": s.now()})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, process.NewLeasedConflict)
	}
	return nil
}

func (s *ProcessStore[T]) Query(ctx context.Context, q process.Query) ([]T, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s`, s.table)
	args := pgx.NamedArgs{}
	var where []string
	if len(q.States) > 0 {
		where = append(where, "state = ANY(@states)")
		args["states"] = q.States
	}
	if q.Pending != nil {
		where = append(where, "pending = @pending")
		args["pending"] = *q.Pending
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
	if q.Limit > 0 {
		query += " LIMIT @limit"
		args["limit"] = q.Limit
	}
	if q.Offset > 0 {
		query += " OFFSET @offset"
		args["offset"] = q.Offset
	}

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var payload []byte
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

func (s *ProcessStore[T]) NextForState(ctx context.Context, state, max int, holderID string) ([]T, error) {
	if max <= 0 {
		return []T{}, nil
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		WITH due AS (
			SELECT id FROM %[1]s
			WHERE state=@state AND pending=FALSE AND NOT %[2]s
			ORDER BY state_timestamp ASC, id ASC
			LIMIT @max
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s t SET lease_holder=@holder, lease_acquired_at=@now, lease_duration_ms=@duration
		FROM due WHERE t.id = due.id
		RETURNING t.state_timestamp, t.payload
	`, s.table, leaseValid), pgx.NamedArgs{
		"state":    state,
		"max":      max,
		"holder":   holderID,
		"now":      s.now(),
		"duration": s.leaseDuration.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimed struct {
		ts     time.Time
		entity T
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		var payload []byte
		if err := rows.Scan(&c.ts, &payload); err != nil {
			return nil, err
		}
		if c.entity, err = s.decode(payload); err != nil {
			return nil, err
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE order.
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].ts.Before(batch[j].ts) })
	out := make([]T, 0, len(batch))
	for _, c := range batch {
		out = append(out, c.entity)
	}
	return out, nil
}

func (s *ProcessStore[T]) AcquireLease(ctx context.Context, id, holderID string, d time.Duration) error {
	if d <= 0 {
		d = s.leaseDuration
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET lease_holder=@holder, lease_acquired_at=@now, lease_duration_ms=@duration
		WHERE id=@id AND (NOT %s OR lease_holder=@holder)
	`, s.table, leaseValid), pgx.NamedArgs{
		"id":       id,
		"holder":   holderID,
		"now":      s.now(),
		"duration": d.Milliseconds(),
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, process.NewLeaseError)
	}
	return nil
}

func (s *ProcessStore[T]) ReleaseLease(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET lease_holder=NULL, lease_acquired_at=NULL, lease_duration_ms=NULL WHERE id=$1
	`, s.table), id)
	return err
}

func (s *ProcessStore[T]) IsLeased(ctx context.Context, id string) (bool, error) {
	var leased bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id=@id`, leaseValid, s.table),
		pgx.NamedArgs{"id": id, "now": s.now()}).Scan(&leased)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return leased, err
}
