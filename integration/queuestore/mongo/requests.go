package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

var dispatchOrder = bson.D{
	{Key: "priority", Value: -1},
	{Key: "created_ns", Value: 1},
	{Key: "_id", Value: 1},
}

// document is the stored shape of a request. BSON datetimes keep
// milliseconds only, so created_ns carries the exact creation time used for
// dispatch order.
type document struct {
	queue.Request `bson:",inline"`
	CreatedNs     int64 `bson:"created_ns"`
}

func toDocument(r *queue.Request) document {
	return document{Request: *r, CreatedNs: r.CreatedAt.UnixNano()}
}

func (d *document) request() *queue.Request {
	r := d.Request
	if d.CreatedNs != 0 {
		r.CreatedAt = time.Unix(0, d.CreatedNs).UTC()
	}
	return &r
}

// Enqueue inserts a new request document.
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

	if _, err := s.requests().InsertOne(ctx, toDocument(r)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", queue.ErrAlreadyExists, r.ID)
		}
		return wrap("enqueue", err)
	}
	return nil
}

// Dequeue claims the best due pending request with FindOneAndUpdate.
func (s *Store) Dequeue(ctx context.Context, zone string) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}
	now := s.now()

	update := bson.M{"$set": bson.M{
		"status":     queue.StatusProcessing,
		"updated_at": now,
	}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(dispatchOrder)

	var d document
	err := s.requests().FindOneAndUpdate(ctx, dueFilter(zone, now), update, opts).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, queue.ErrNoRequest
		}
		return nil, wrap("dequeue", err)
	}
	return d.request(), nil
}

// Peek returns the request Dequeue would claim.
func (s *Store) Peek(ctx context.Context, zone string) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	var d document
	err := s.requests().FindOne(ctx, dueFilter(zone, s.now()), options.FindOne().SetSort(dispatchOrder)).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, queue.ErrNoRequest
		}
		return nil, wrap("peek", err)
	}
	return d.request(), nil
}

// UpdateRequest applies patch and replaces the document while its status and
// updated_at still match what was read. The patch status guard is checked
// against that same read, so a conditional patch never lands on a document
// whose status moved on.
func (s *Store) UpdateRequest(ctx context.Context, id string, patch queue.Patch) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	for range maxUpdateAttempts {
		current, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}

		if !patch.Allows(current.Status) {
			return nil, fmt.Errorf("%w: %s is %s", queue.ErrStatusConflict, id, current.Status)
		}

		guard := bson.M{
			"_id":        id,
			"status":     current.Status,
			"updated_at": current.UpdatedAt,
		}
		next := current.Clone()
		patch.Apply(next, s.now())

		res, err := s.requests().ReplaceOne(ctx, guard, toDocument(next))
		if err != nil {
			return nil, wrap("update", err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return nil, wrap("update", fmt.Errorf("request %s changed concurrently", id))
}

// Remove deletes a request document.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, queue.ErrBackendClosed
	}
	res, err := s.requests().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, wrap("remove", err)
	}
	return res.DeletedCount > 0, nil
}

// GetRequest loads a single request.
func (s *Store) GetRequest(ctx context.Context, id string) (*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}
	var d document
	if err := s.requests().FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
		}
		return nil, wrap("get request", err)
	}
	return d.request(), nil
}

// GetRequests narrows by status, zone and group in the query and applies the
// rest of the filter in memory.
func (s *Store) GetRequests(ctx context.Context, filter queue.Filter) ([]*queue.Request, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	q := bson.M{}
	if len(filter.Statuses) > 0 {
		q["status"] = bson.M{"$in": filter.Statuses}
	}
	if len(filter.Zones) > 0 {
		q["zone"] = bson.M{"$in": filter.Zones}
	}
	if filter.GroupID != "" {
		q["group_id"] = filter.GroupID
	}

	cur, err := s.requests().Find(ctx, q)
	if err != nil {
		return nil, wrap("get requests", err)
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrap("get requests: decode", err)
	}
	all := make([]*queue.Request, 0, len(docs))
	for i := range docs {
		all = append(all, docs[i].request())
	}
	return filter.Apply(all), nil
}

// Size counts non-terminal requests.
func (s *Store) Size(ctx context.Context, zone string) (int, error) {
	if s.closed.Load() {
		return 0, queue.ErrBackendClosed
	}
	q := bson.M{"status": bson.M{"$in": activeStatuses()}}
	if zone != "" {
		q["zone"] = zone
	}
	n, err := s.requests().CountDocuments(ctx, q)
	if err != nil {
		return 0, wrap("size", err)
	}
	return int(n), nil
}

// Clear deletes requests and batches, optionally of a single zone.
func (s *Store) Clear(ctx context.Context, zone string) (int, error) {
	if s.closed.Load() {
		return 0, queue.ErrBackendClosed
	}
	q := bson.M{}
	if zone != "" {
		q["zone"] = zone
	}

	res, err := s.requests().DeleteMany(ctx, q)
	if err != nil {
		return 0, wrap("clear requests", err)
	}
	if _, err := s.batches().DeleteMany(ctx, q); err != nil {
		return 0, wrap("clear batches", err)
	}

	s.logger.DebugContext(ctx, "mongo store cleared", "zone", zone, "removed", res.DeletedCount)
	return int(res.DeletedCount), nil
}

func dueFilter(zone string, now any) bson.M {
	q := bson.M{
		"status": queue.StatusPending,
		"$or": bson.A{
			bson.M{"scheduled_at": nil},
			bson.M{"scheduled_at": bson.M{"$lte": now}},
		},
	}
	if zone != "" {
		q["zone"] = zone
	}
	return q
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
