package broker

// HistoryQueue is the per-topic bounded FIFO of references into the message
// store, used to answer "replay last N messages" on new subscriptions. It
// holds entry ids only; the store owns the corresponding history references.
//
// The queue is guarded by the owning Topic's lock, not internally.
type HistoryQueue struct {
	ids []int64
	max int
}

// NewHistoryQueue creates a history queue bounded to max entries.
// max <= 0 disables history: every push reports the pushed id as evicted.
func NewHistoryQueue(max int) *HistoryQueue {
	return &HistoryQueue{max: max}
}

// Push appends id and evicts the oldest entry when the queue is at capacity.
// Returns the evicted id and whether an eviction happened; the caller must
// release the evicted reference against the store.
func (h *HistoryQueue) Push(id int64) (evicted int64, didEvict bool) {
	if h.max <= 0 {
		return id, true
	}
	h.ids = append(h.ids, id)
	if len(h.ids) > h.max {
		evicted = h.ids[0]
		h.ids = h.ids[1:]
		return evicted, true
	}
	return 0, false
}

// Newest returns up to n most recent ids. With oldestFirst the slice is in
// chronological order, otherwise most-recent-first.
func (h *HistoryQueue) Newest(n int, oldestFirst bool) []int64 {
	if n <= 0 || len(h.ids) == 0 {
		return nil
	}
	if n > len(h.ids) {
		n = len(h.ids)
	}
	out := make([]int64, n)
	tail := h.ids[len(h.ids)-n:]
	if oldestFirst {
		copy(out, tail)
		return out
	}
	for i := 0; i < n; i++ {
		out[i] = tail[n-1-i]
	}
	return out
}

// Latest returns the most recent id, or false when the queue is empty.
func (h *HistoryQueue) Latest() (int64, bool) {
	if len(h.ids) == 0 {
		return 0, false
	}
	return h.ids[len(h.ids)-1], true
}

// Remove deletes id from the queue wherever it sits. Used when an entry was
// force-destroyed by its expiry timer and the history slot went stale.
func (h *HistoryQueue) Remove(id int64) bool {
	for i, held := range h.ids {
		if held == id {
			h.ids = append(h.ids[:i], h.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the queue and returns the ids that were held, oldest first.
// The caller releases each against the store.
func (h *HistoryQueue) Clear() []int64 {
	out := h.ids
	h.ids = nil
	return out
}

// Len returns the number of held references.
func (h *HistoryQueue) Len() int {
	return len(h.ids)
}
