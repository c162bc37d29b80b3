package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "zonequeue:"

// Key layout, relative to the prefix:
//
//	req:{id}       hash: data (JSON), status, updated (unix nanos), zone, score, order
//	ids            set of every request id
//	zones          set of zones that ever held a request
//	active:{zone}  set of non-terminal request ids
//	pending:{zone} sorted set of due pending ids scored by priority and creation ms
//	delayed        sorted set of scheduled pending ids scored by due time (ms)
//	batch:{id}     JSON encoded batch
//	batches        set of every batch id
type keys struct {
	prefix string
}

func (k keys) request(id string) string { return k.prefix + "req:" + id }
func (k keys) ids() string { return k.prefix + "ids" }
func (k keys) zones() string { return k.prefix + "zones" }
func (k keys) active(zone string) string { return k.prefix + "active:" + zone }
func (k keys) pending(zone string) string { return k.prefix + "pending:" + zone }
func (k keys) delayed() string { return k.prefix + "delayed" }
func (k keys) batch(id string) string { return k.prefix + "batch:" + id }
func (k keys) batches() string { return k.prefix + "batches" }

// score orders pending requests: higher priority first, then older first.
// Millisecond creation times stay below 1e13 for centuries, so the sum is an
// exact float64.
func score(r *queue.Request) float64 {
	return float64(int64(queue.PriorityMax-r.Priority)*1e13 + r.CreatedAt.UnixMilli())
}

func formatScore(r *queue.Request) string {
	return strconv.FormatInt(int64(score(r)), 10)
}

// order breaks score ties: the zero-padded creation time in nanoseconds, so
// requests created within the same millisecond compare as strings in FIFO order.
func order(r *queue.Request) string {
	return fmt.Sprintf("%020d", r.CreatedAt.UnixNano())
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
