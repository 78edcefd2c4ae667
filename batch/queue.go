// Package batch buffers freshly created orders in memory and writes them to
// the ledger in fixed-size, all-or-nothing batches.
package batch

import (
	"sync"

	"restaurant-ordering/models"
)

// Kind names the entity a Record writes.
type Kind string

const (
	KindOrder  Kind = "order"
	KindDetail Kind = "order_detail"
)

// Record is one pending write: exactly one of Order or Detail is set.
// Attempts counts the flushes this record was part of that failed.
type Record struct {
	Order    *models.Order
	Detail   *models.OrderDetail
	Attempts int
}

func OrderRecord(o *models.Order) Record        { return Record{Order: o} }
func DetailRecord(d *models.OrderDetail) Record { return Record{Detail: d} }

func (r Record) Kind() Kind {
	if r.Order != nil {
		return KindOrder
	}
	return KindDetail
}

// Queue is a FIFO of pending writes shared by request handlers and the
// flusher. All methods only touch the in-memory slice under mu.
type Queue struct {
	mu    sync.Mutex
	items []Record
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends records as one unit and returns the queue length observed
// right after the append.
func (q *Queue) Enqueue(records ...Record) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, records...)
	return len(q.items)
}

// DrainUpTo removes and returns the n oldest records. It returns nil when
// fewer than n records are queued; a short batch is never handed out.
func (q *Queue) DrainUpTo(n int) []Record {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) < n {
		return nil
	}
	out := make([]Record, n)
	copy(out, q.items[:n])
	q.items = append([]Record(nil), q.items[n:]...)
	return out
}

// Requeue puts previously drained records back at the front, ahead of
// anything enqueued since, keeping their relative order.
func (q *Queue) Requeue(records []Record) {
	if len(records) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]Record, 0, len(records)+len(q.items))
	merged = append(merged, records...)
	merged = append(merged, q.items...)
	q.items = merged
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
