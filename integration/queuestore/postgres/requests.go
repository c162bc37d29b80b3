package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/integration/database/pg"
)

const requestColumns = `data, status, updated_at`

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

	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO zonequeue_requests (
			id, zone, endpoint, verb, group_id, priority, status,
			scheduled_at, created_at, created_ns, updated_at, data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Zone, r.Endpoint, r.Verb, r.GroupID, int(r.Priority), string(r.Status),
		r.ScheduledAt, r.CreatedAt, r.CreatedAt.UnixNano(), r.UpdatedAt, data,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", queue.ErrAlreadyExists, r.ID)
		}
		return wrap("enqueue", err)
	}
	return nil
}

// Dequeue claims the best due pending request. SKIP LOCKED keeps concurrent
// callers from waiting on, or claiming, the same row.
func (s *Store) Dequeue(ctx context.Context, zone string) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	row := s.conn(ctx).QueryRow(ctx, `
		UPDATE zonequeue_requests
		SET status = 'processing', updated_at = $1
		WHERE id = (
			SELECT id FROM zonequeue_requests
			WHERE status = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= $1)
			  AND ($2 = '' OR zone = $2)
			ORDER BY priority DESC, created_ns ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+requestColumns,
		s.now(), zone,
	)
	r, err := scanRequest(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
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

	row := s.conn(ctx).QueryRow(ctx, `
		SELECT `+requestColumns+` FROM zonequeue_requests
		WHERE status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		  AND ($2 = '' OR zone = $2)
		ORDER BY priority DESC, created_ns ASC, id ASC
		LIMIT 1`,
		s.now(), zone,
	)
	r, err := scanRequest(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, queue.ErrNoRequest
		}
		return nil, wrap("peek", err)
	}
	return r, nil
}

// UpdateRequest locks the row, applies patch and writes it back.
func (s *Store) UpdateRequest(ctx context.Context, id string, patch queue.Patch) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, wrap("update: begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	r, err := scanRequest(tx.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM zonequeue_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if pg.IsNotFoundError(err) {
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
	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("update: commit", err)
	}
	return r, nil
}

// Remove deletes a request row.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, queue.ErrBackendClosed
	}
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM zonequeue_requests WHERE id = $1`, id)
	if err != nil {
		return false, wrap("remove", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetRequest loads a single request.
func (s *Store) GetRequest(ctx context.Context, id string) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}
	r, err := scanRequest(s.conn(ctx).QueryRow(ctx,
		`SELECT `+requestColumns+` FROM zonequeue_requests WHERE id = $1`, id))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
		}
		return nil, wrap("get request", err)
	}
	return r, nil
}

// GetRequests narrows by status, zone and group in SQL and applies the rest
// of the filter in memory.
func (s *Store) GetRequests(ctx context.Context, filter queue.Filter) ([]*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		args = append(args, strs(filter.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(filter.Zones) > 0 {
		args = append(args, filter.Zones)
		where = append(where, fmt.Sprintf("zone = ANY($%d)", len(args)))
	}
	if filter.GroupID != "" {
		args = append(args, filter.GroupID)
		where = append(where, fmt.Sprintf("group_id = $%d", len(args)))
	}

	query := `SELECT ` + requestColumns + ` FROM zonequeue_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.conn(ctx).Query(ctx, query, args...)
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
	var n int
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM zonequeue_requests
		WHERE status = ANY($1) AND ($2 = '' OR zone = $2)`,
		strs(activeStatuses()), zone,
	).Scan(&n)
	if err != nil {
		return 0, wrap("size", err)
	}
	return n, nil
}

// Clear deletes requests and batches, optionally of a single zone.
func (s *Store) Clear(ctx context.Context, zone string) (int, error) {
	if s.closed.Load() {
		return 0, queue.ErrBackendClosed
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, wrap("clear: begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	tag, err := tx.Exec(ctx, `DELETE FROM zonequeue_requests WHERE $1 = '' OR zone = $1`, zone)
	if err != nil {
		return 0, wrap("clear requests", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM zonequeue_batches WHERE $1 = '' OR zone = $1`, zone); err != nil {
		return 0, wrap("clear batches", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("clear: commit", err)
	}

	s.logger.DebugContext(ctx, "postgres store cleared", "zone", zone, "removed", tag.RowsAffected())
	return int(tag.RowsAffected()), nil
}

func writeRequest(ctx context.Context, q pg.Querier, r *queue.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", queue.ErrValidation, err)
	}
	_, err = q.Exec(ctx, `
		UPDATE zonequeue_requests SET
			zone = $2, endpoint = $3, verb = $4, group_id = $5, priority = $6, status = $7,
			scheduled_at = $8, updated_at = $9, data = $10
		WHERE id = $1`,
		r.ID, r.Zone, r.Endpoint, r.Verb, r.GroupID, int(r.Priority), string(r.Status),
		r.ScheduledAt, r.UpdatedAt, data,
	)
	if err != nil {
		return wrap("write request", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (*queue.Request, error) {
	var (
		data    []byte
		status  string
		updated time.Time
	)
	if err := row.Scan(&data, &status, &updated); err != nil {
		return nil, err
	}
	var r queue.Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	r.Status = queue.Status(status)
	r.UpdatedAt = updated
	return &r, nil
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

func strs[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
