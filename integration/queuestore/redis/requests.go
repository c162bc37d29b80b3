package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// Enqueue stores the request hash and indexes it.
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

	key := s.keys.request(r.ID)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return wrap("enqueue: exists", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", queue.ErrAlreadyExists, r.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, s.keys.ids(), r.ID)
			pipe.SAdd(ctx, s.keys.zones(), r.Zone)
			return s.put(ctx, pipe, r)
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, queue.ErrAlreadyExists) && !errors.Is(err, queue.ErrBackend) {
		return wrap("enqueue", err)
	}
	return err
}

// Dequeue claims the best due pending request via the claim script.
func (s *Store) Dequeue(ctx context.Context, zone string) (*queue.Request, error) {
	return s.claim(ctx, zone, true)
}

// Peek returns the request Dequeue would claim.
func (s *Store) Peek(ctx context.Context, zone string) (*queue.Request, error) {
	return s.claim(ctx, zone, false)
}

func (s *Store) claim(ctx context.Context, zone string, take bool) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}
	now := s.now()
	flag := "0"
	if take {
		flag = "1"
	}

	res, err := claimScript.Run(ctx, s.client, nil,
		s.keys.prefix, zone, now.UnixMilli(), flag, now.UnixNano()).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, queue.ErrNoRequest
		}
		return nil, wrap("claim", err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	r, err := decodeRequest(fields)
	if err != nil {
		return nil, wrap("claim: decode", err)
	}
	return r, nil
}

// UpdateRequest applies patch in an optimistic transaction and reindexes the request.
func (s *Store) UpdateRequest(ctx context.Context, id string, patch queue.Patch) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	key := s.keys.request(id)
	var out *queue.Request
	err := s.watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return wrap("update: load", err)
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s", queue.ErrNotFound, id)
		}
		r, err := decodeRequest(fields)
		if err != nil {
			return wrap("update: decode", err)
		}
		if !patch.Allows(r.Status) {
			return fmt.Errorf("%w: %s is %s", queue.ErrStatusConflict, id, r.Status)
		}

		patch.Apply(r, s.now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.put(ctx, pipe, r)
		})
		if err != nil {
			return err
		}
		out = r
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes a request and its index entries.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, queue.ErrBackendClosed
	}

	key := s.keys.request(id)
	var removed bool
	err := s.watch(ctx, func(tx *redis.Tx) error {
		zone, err := tx.HGet(ctx, key, "zone").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return wrap("remove: load", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.unlink(ctx, pipe, id, zone)
			return nil
		})
		if err != nil {
			return err
		}
		removed = true
		return nil
	}, key)
	return removed, err
}

// GetRequest loads a single request.
func (s *Store) GetRequest(ctx context.Context, id string) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}
	fields, err := s.client.HGetAll(ctx, s.keys.request(id)).Result()
	if err != nil {
		return nil, wrap("get request", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}
	r, err := decodeRequest(fields)
	if err != nil {
		return nil, wrap("get request: decode", err)
	}
	return r, nil
}

// GetRequests loads every request and applies filter in memory.
func (s *Store) GetRequests(ctx context.Context, filter queue.Filter) ([]*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return filter.Apply(all), nil
}

// Size counts non-terminal requests through the per-zone active sets.
func (s *Store) Size(ctx context.Context, zone string) (int, error) {
	if s.closed.Load() {
		return 0, queue.ErrBackendClosed
	}
	if zone != "" {
		n, err := s.client.SCard(ctx, s.keys.active(zone)).Result()
		if err != nil {
			return 0, wrap("size", err)
		}
		return int(n), nil
	}

	zones, err := s.members(ctx, s.keys.zones())
	if err != nil {
		return 0, wrap("size: zones", err)
	}
	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, z := range zones {
			pipe.SCard(ctx, s.keys.active(z))
		}
		return nil
	})
	if err != nil {
		return 0, wrap("size", err)
	}
	total := 0
	for _, cmd := range cmds {
		total += int(cmd.(*redis.IntCmd).Val())
	}
	return total, nil
}

// Clear deletes requests and batches, optionally of a single zone. It is not
// atomic with respect to concurrent enqueues.
func (s *Store) Clear(ctx context.Context, zone string) (int, error) {
	if s.closed.Load() {
		return 0, queue.ErrBackendClosed
	}

	all, err := s.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	batches, err := s.loadBatches(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range all {
			if zone != "" && r.Zone != zone {
				continue
			}
			s.unlink(ctx, pipe, r.ID, r.Zone)
			removed++
		}
		for _, b := range batches {
			if zone != "" && b.Zone != zone {
				continue
			}
			pipe.Del(ctx, s.keys.batch(b.ID))
			pipe.SRem(ctx, s.keys.batches(), b.ID)
		}
		if zone != "" {
			pipe.Del(ctx, s.keys.pending(zone), s.keys.active(zone))
		}
		return nil
	})
	if err != nil {
		return 0, wrap("clear", err)
	}

	s.logger.DebugContext(ctx, "redis store cleared", "zone", zone, "removed", removed)
	return removed, nil
}

// put writes the request hash and moves it to the index matching its status.
func (s *Store) put(ctx context.Context, pipe redis.Pipeliner, r *queue.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", queue.ErrValidation, err)
	}

	pipe.HSet(ctx, s.keys.request(r.ID),
		"data", data,
		"status", string(r.Status),
		"updated", nanos(r.UpdatedAt),
		"zone", r.Zone,
		"score", formatScore(r),
		"order", order(r),
	)

	pipe.ZRem(ctx, s.keys.pending(r.Zone), r.ID)
	pipe.ZRem(ctx, s.keys.delayed(), r.ID)
	if r.Status.Terminal() {
		pipe.SRem(ctx, s.keys.active(r.Zone), r.ID)
	} else {
		pipe.SAdd(ctx, s.keys.active(r.Zone), r.ID)
	}

	if r.Status == queue.StatusPending {
		if r.Due(s.now()) {
			pipe.ZAdd(ctx, s.keys.pending(r.Zone), redis.Z{Score: score(r), Member: r.ID})
		} else {
			pipe.ZAdd(ctx, s.keys.delayed(), redis.Z{Score: float64(r.ScheduledAt.UnixMilli()), Member: r.ID})
		}
	}
	return nil
}

func (s *Store) unlink(ctx context.Context, pipe redis.Pipeliner, id, zone string) {
	pipe.Del(ctx, s.keys.request(id))
	pipe.SRem(ctx, s.keys.ids(), id)
	pipe.SRem(ctx, s.keys.active(zone), id)
	pipe.ZRem(ctx, s.keys.pending(zone), id)
	pipe.ZRem(ctx, s.keys.delayed(), id)
}

// loadAll reads every stored request. Ids whose hash vanished are skipped.
func (s *Store) loadAll(ctx context.Context) ([]*queue.Request, error) {
	ids, err := s.members(ctx, s.keys.ids())
	if err != nil {
		return nil, wrap("load: ids", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, s.keys.request(id))
		}
		return nil
	})
	if err != nil {
		return nil, wrap("load", err)
	}

	out := make([]*queue.Request, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.(*redis.MapStringStringCmd).Val()
		if len(fields) == 0 {
			continue
		}
		r, err := decodeRequest(fields)
		if err != nil {
			return nil, wrap("load: decode", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func decodeRequest(fields map[string]string) (*queue.Request, error) {
	var r queue.Request
	if err := json.Unmarshal([]byte(fields["data"]), &r); err != nil {
		return nil, err
	}
	if st := fields["status"]; st != "" {
		r.Status = queue.Status(st)
	}
	if v := fields["updated"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse updated: %w", err)
		}
		r.UpdatedAt = time.Unix(0, n).UTC()
	}
	return &r, nil
}
