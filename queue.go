package broker

import (
	"sync"
	"time"
)

// queuedRef is one slot in a delivery queue: a lightweight handle into a
// topic's message store plus the delivery bookkeeping for that slot.
type queuedRef struct {
	topicName      string
	entryID        int64
	subscriptionID string // empty for point-to-point deliveries
	attempts       int
	notBefore      time.Time // backoff gate for retries
}

// DeliveryQueue is the bounded FIFO of entry references awaiting delivery to
// one subscriber session. Enqueue signals backpressure with ErrQueueFull
// instead of dropping; within one queue, delivery order matches enqueue
// order, so the dispatcher only ever works on the head slot.
type DeliveryQueue struct {
	mu   sync.Mutex
	refs []*queuedRef
	max  int
}

// NewDeliveryQueue creates a queue bounded to max slots. max <= 0 means
// unbounded.
func NewDeliveryQueue(max int) *DeliveryQueue {
	return &DeliveryQueue{max: max}
}

// Enqueue appends ref, or returns ErrQueueFull when the queue is at capacity.
func (q *DeliveryQueue) Enqueue(ref *queuedRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.max > 0 && len(q.refs) >= q.max {
		return ErrQueueFull
	}
	q.refs = append(q.refs, ref)
	return nil
}

// Head returns the head slot if one exists and its backoff gate has passed.
// The slot stays queued; delivery order is preserved by only ever acting on
// the head.
func (q *DeliveryQueue) Head(now time.Time) (*queuedRef, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.refs) == 0 {
		return nil, false
	}
	head := q.refs[0]
	if head.notBefore.After(now) {
		return nil, false
	}
	return head, true
}

// PopHead removes ref if it is still the head slot. Returns false when a
// concurrent drain already removed it.
func (q *DeliveryQueue) PopHead(ref *queuedRef) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.refs) == 0 || q.refs[0] != ref {
		return false
	}
	q.refs = q.refs[1:]
	return true
}

// RescheduleHead records a failed attempt on the head slot and gates it
// behind the given backoff delay. No-op when ref is no longer the head.
func (q *DeliveryQueue) RescheduleHead(ref *queuedRef, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.refs) == 0 || q.refs[0] != ref {
		return
	}
	ref.attempts++
	ref.notBefore = time.Now().Add(delay)
}

// Remove deletes ref from the queue wherever it sits. Returns false when a
// concurrent drain already removed it. Used to roll back a partially
// replayed initial-history delivery.
func (q *DeliveryQueue) Remove(ref *queuedRef) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, held := range q.refs {
		if held == ref {
			q.refs = append(q.refs[:i], q.refs[i+1:]...)
			return true
		}
	}
	return false
}

// DrainAll removes and returns every queued slot. Used when a subscriber's
// channel is fundamentally gone and all pending entries get dead-lettered.
func (q *DeliveryQueue) DrainAll() []*queuedRef {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.refs
	q.refs = nil
	return out
}

// Len returns the number of queued slots.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.refs)
}

// session is one connected subscriber's delivery channel: a single bounded
// queue shared by all of the subscriber's subscriptions and any
// point-to-point messages addressed to it.
type session struct {
	id        string
	queue     *DeliveryQueue
	createdAt time.Time
}

func newSession(id string, queueCapacity int) *session {
	return &session{
		id:        id,
		queue:     NewDeliveryQueue(queueCapacity),
		createdAt: time.Now(),
	}
}
