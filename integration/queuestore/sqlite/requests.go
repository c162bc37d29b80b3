package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrymomot/zonequeue/core/queue"
	dbsqlite "github.com/dmitrymomot/zonequeue/integration/database/sqlite"
)

const requestColumns = `data, status, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Enqueue inserts a new request row.
func (s *Store) Enqueue(ctx context.Context, req *queue.Request) error {
	if req == nil {
		return queue.ErrInvalidRequest
	}
	if req.ID == "" {
		return fmt.Errorf("%w: id is required", queue.ErrValidation)
	}
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}

	r := req.Clone()
	if r.Status == "" {
		r.Status = queue.StatusPending
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", queue.ErrValidation, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO zonequeue_requests (
			id, zone, endpoint, verb, group_id, priority, status,
			scheduled_at, created_at, updated_at, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Zone, r.Endpoint, r.Verb, r.GroupID, int(r.Priority), string(r.Status),
		scheduleNanos(r), r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), string(data),
	)
	if err != nil {
		if dbsqlite.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", queue.ErrAlreadyExists, r.ID)
		}
		return wrap("enqueue", err)
	}
	return nil
}

// Dequeue claims the best due pending request with a single UPDATE statement.
func (s *Store) Dequeue(ctx context.Context, zone string) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}
	now := s.now()

	row := s.db.QueryRowContext(ctx, `
		UPDATE zonequeue_requests
		SET status = 'processing', updated_at = ?
		WHERE id = (
			SELECT id FROM zonequeue_requests
			WHERE status = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= ?)
			  AND (? = '' OR zone = ?)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+requestColumns,
		now.UnixNano(), now.UnixNano(), zone, zone,
	)
	r, err := scanRequest(row)
	if err != nil {
		if dbsqlite.IsNotFoundError(err) {
			return nil, queue.ErrNoRequest
		}
		return nil, wrap("dequeue", err)
	}
	return r, nil
}

// Peek returns the request Dequeue would claim.
func (s *Store) Peek(ctx context.Context, zone string) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}
	now := s.now()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM zonequeue_requests
		WHERE status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)
		  AND (? = '' OR zone = ?)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1`,
		now.UnixNano(), zone, zone,
	)
	r, err := scanRequest(row)
	if err != nil {
		if dbsqlite.IsNotFoundError(err) {
			return nil, queue.ErrNoRequest
		}
		return nil, wrap("peek", err)
	}
	return r, nil
}

// UpdateRequest applies patch inside a transaction.
func (s *Store) UpdateRequest(ctx context.Context, id string, patch queue.Patch) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("update: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM zonequeue_requests WHERE id = ?`, id))
	if err != nil {
		if dbsqlite.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
		}
		return nil, wrap("update: load", err)
	}
	if !patch.Allows(r.Status) {
		return nil, fmt.Errorf("%w: %s is %s", queue.ErrStatusConflict, id, r.Status)
	}

	patch.Apply(r, s.now())
	if err := writeRequest(ctx, tx, r); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("update: commit", err)
	}
	return r, nil
}

// Remove deletes a request row.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, queue.ErrBackendClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM zonequeue_requests WHERE id = ?`, id)
	if err != nil {
		return false, wrap("remove", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetRequest loads a single request.
func (s *Store) GetRequest(ctx context.Context, id string) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM zonequeue_requests WHERE id = ?`, id))
	if err != nil {
		if dbsqlite.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
		}
		return nil, wrap("get request", err)
	}
	return r, nil
}

// GetRequests narrows by status and zone in SQL and applies the rest of the
// filter in memory.
func (s *Store) GetRequests(ctx context.Context, filter queue.Filter) ([]*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		clause, values := in("status", filter.Statuses)
		where = append(where, clause)
		args = append(args, values...)
	}
	if len(filter.Zones) > 0 {
		clause, values := in("zone", filter.Zones)
		where = append(where, clause)
		args = append(args, values...)
	}
	if filter.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, filter.GroupID)
	}

	query := `SELECT ` + requestColumns + ` FROM zonequeue_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("get requests", err)
	}
	defer rows.Close()

	var all []*queue.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, wrap("get requests: scan", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("get requests", err)
	}
	return filter.Apply(all), nil
}

// Size counts non-terminal requests.
func (s *Store) Size(ctx context.Context, zone string) (int, error) {
	if s.closed.Load() {
		return 0, queue.ErrBackendClosed
	}
	clause, args := in("status", activeStatuses())
	query := `SELECT COUNT(*) FROM zonequeue_requests WHERE ` + clause
	if zone != "" {
		query += ` AND zone = ?`
		args = append(args, zone)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrap("size", err)
	}
	return n, nil
}

// Clear deletes requests and batches, optionally of a single zone.
func (s *Store) Clear(ctx context.Context, zone string) (int, error) {
	if s.closed.Load() {
		return 0, queue.ErrBackendClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("clear: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM zonequeue_requests WHERE ? = '' OR zone = ?`, zone, zone)
	if err != nil {
		return 0, wrap("clear requests", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM zonequeue_batches WHERE ? = '' OR zone = ?`, zone, zone); err != nil {
		return 0, wrap("clear batches", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap("clear: commit", err)
	}

	s.logger.DebugContext(ctx, "sqlite store cleared", "zone", zone, "removed", removed)
	return int(removed), nil
}

func writeRequest(ctx context.Context, db execer, r *queue.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", queue.ErrValidation, err)
	}
	_, err = db.ExecContext(ctx, `
		UPDATE zonequeue_requests SET
			zone = ?, endpoint = ?, verb = ?, group_id = ?, priority = ?, status = ?,
			scheduled_at = ?, updated_at = ?, data = ?
		WHERE id = ?`,
		r.Zone, r.Endpoint, r.Verb, r.GroupID, int(r.Priority), string(r.Status),
		scheduleNanos(r), r.UpdatedAt.UnixNano(), string(data), r.ID,
	)
	if err != nil {
		return wrap("write request", err)
	}
	return nil
}

func scanRequest(row rowScanner) (*queue.Request, error) {
	var (
		data    string
		status  string
		updated int64
	)
	if err := row.Scan(&data, &status, &updated); err != nil {
		return nil, err
	}
	var r queue.Request
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	r.Status = queue.Status(status)
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return &r, nil
}

func scheduleNanos(r *queue.Request) any {
	if r.ScheduledAt == nil {
		return nil
	}
	return r.ScheduledAt.UnixNano()
}

func activeStatuses() []queue.Status {
	out := make([]queue.Status, 0, len(queue.AllStatuses))
	for _, st := range queue.AllStatuses {
		if !st.Terminal() {
			out = append(out, st)
		}
	}
	return out
}

func terminalStatuses() []queue.Status {
	out := make([]queue.Status, 0, len(queue.AllStatuses))
	for _, st := range queue.AllStatuses {
		if st.Terminal() {
			out = append(out, st)
		}
	}
	return out
}

// in renders "column IN (?, ?, ...)" for values.
func in[T ~string](column string, values []T) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = string(v)
	}
	return column + " IN (" + strings.Join(marks, ", ") + ")", args
}
