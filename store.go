package broker

import (
	"sync"
	"time"

	"github.com/coregx/broker/model"
)

// storedEntry couples a message entry with the counters the store owns.
// The history counter is a subset of the total: historyRefs <= refCount holds
// at all times.
type storedEntry struct {
	entry       *model.MessageEntry
	refCount    int
	historyRefs int
	expiry      *time.Timer
}

// MessageStore is the per-topic keyed container holding message entries.
// It owns all reference counting: queues hold entry ids, never raw pointers,
// and retain/release through the store. An entry whose total count reaches
// zero is destroyed and removed synchronously, under the same lock that
// performed the decrement, so no other caller can observe a transiently
// inconsistent count.
//
// Entries are inserted with an artificial initial reference of one. The
// publisher releases it after fan-out, which guarantees a message is never
// destroyed while delivery queues are still being filled.
type MessageStore struct {
	mu       sync.Mutex
	entries  map[int64]*storedEntry
	numBytes int64

	// onExpiryDestroyed is invoked without the store lock held when an
	// expiry timer destroyed an entry, so the owning topic can re-check its
	// UNREFERENCED/DEAD transition. Never called for synchronous releases:
	// those callers get the destroyed flag back directly.
	onExpiryDestroyed func(entryID int64)

	logger Logger
}

// NewMessageStore creates an empty store. onExpiryDestroyed may be nil.
func NewMessageStore(logger Logger, onExpiryDestroyed func(entryID int64)) *MessageStore {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &MessageStore{
		entries:           make(map[int64]*storedEntry),
		onExpiryDestroyed: onExpiryDestroyed,
		logger:            logger,
	}
}

// Put inserts a new entry with an artificial reference count of one and
// schedules its expiry timer when a time-to-live is configured.
//
// A destroyed entry may never be re-added; a duplicate id is rejected.
func (s *MessageStore) Put(entry *model.MessageEntry) error {
	if entry == nil {
		return NewError(ErrCodeValidation, "cannot store a nil entry")
	}
	if entry.IsDestroyed() {
		return NewError(ErrCodeValidation, "cannot store a destroyed entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return NewError(ErrCodeInternal, "duplicate entry id in message store")
	}

	stored := &storedEntry{entry: entry, refCount: 1}
	if entry.TTL > 0 {
		id := entry.ID
		stored.expiry = time.AfterFunc(entry.TTL, func() { s.expire(id) })
	}
	s.entries[entry.ID] = stored
	s.numBytes += int64(entry.Size())
	return nil
}

// Get returns the entry for id, or a NOT_FOUND error.
func (s *MessageStore) Get(id int64) (*model.MessageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[id]
	if !ok {
		return nil, NewError(ErrCodeNotFound, "entry not found in message store")
	}
	return stored.entry, nil
}

// Retain increments the reference count for id. Retaining a missing entry is
// an error: the caller raced a destruction and must not assume visibility.
func (s *MessageStore) Retain(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[id]
	if !ok {
		return NewError(ErrCodeNotFound, "cannot retain destroyed entry")
	}
	stored.refCount++
	return nil
}

// RetainHistory increments both the total and the history reference count.
func (s *MessageStore) RetainHistory(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[id]
	if !ok {
		return NewError(ErrCodeNotFound, "cannot retain destroyed entry")
	}
	stored.refCount++
	stored.historyRefs++
	return nil
}

// Release decrements the reference count for id and reports whether the
// entry was just destroyed. Releasing an already-destroyed id is a safe
// no-op: stale queue slots may drain after a forced destruction.
func (s *MessageStore) Release(id int64) (destroyed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(id, false)
}

// ReleaseHistory decrements both counters for id and reports whether the
// entry was just destroyed.
func (s *MessageStore) ReleaseHistory(id int64) (destroyed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(id, true)
}

// release must be called with the lock held.
func (s *MessageStore) release(id int64, history bool) bool {
	stored, ok := s.entries[id]
	if !ok {
		return false
	}
	stored.refCount--
	if history {
		stored.historyRefs--
		if stored.historyRefs < 0 {
			s.logger.Errorf("negative history reference count for entry %d, forcing to zero", id)
			stored.historyRefs = 0
		}
	}
	if stored.refCount > 0 {
		return false
	}
	if stored.refCount < 0 {
		// Invariant violation: corrected to the nearest safe state, which
		// is destruction.
		s.logger.Errorf("negative reference count for entry %d, destroying", id)
	}
	s.destroy(stored)
	return true
}

// destroy must be called with the lock held.
func (s *MessageStore) destroy(stored *storedEntry) {
	if stored.expiry != nil {
		stored.expiry.Stop()
		stored.expiry = nil
	}
	stored.entry.Destroy()
	delete(s.entries, stored.entry.ID)
	s.numBytes -= int64(stored.entry.Size())
}

// expire handles an expiry timer firing. A timer that lost the race against
// destruction finds no entry and returns without acting.
func (s *MessageStore) expire(id int64) {
	s.mu.Lock()
	stored, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	if stored.entry.ForceDestroy {
		s.destroy(stored)
		s.mu.Unlock()
		if s.onExpiryDestroyed != nil {
			s.onExpiryDestroyed(id)
		}
		return
	}

	// Entries still referenced by queue slots merely expire; they are
	// destroyed when the references drain.
	stored.entry.Expire()
	s.mu.Unlock()
	s.logger.Debugf("entry %d expired", id)
}

// DestroyAll destroys every entry regardless of reference count and returns
// the destroyed entries. Used by forced topic teardown.
func (s *MessageStore) DestroyAll() []*model.MessageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.MessageEntry, 0, len(s.entries))
	for _, stored := range s.entries {
		out = append(out, stored.entry)
		s.destroy(stored)
	}
	return out
}

// NumEntries returns the number of stored entries.
func (s *MessageStore) NumEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NumBytes returns the byte footprint of all stored entries. The value is
// maintained incrementally, never recomputed by walking content.
func (s *MessageStore) NumBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numBytes
}

// Refs returns the current total and history reference counts for id.
// Both are zero for unknown ids.
func (s *MessageStore) Refs(id int64) (total, history int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[id]
	if !ok {
		return 0, 0
	}
	return stored.refCount, stored.historyRefs
}

// OnlyHistoryReferenced reports whether every remaining reference in the
// store belongs to the history queue. Drives the SOFT_ERASED decision: a
// non-forced erase can tear down immediately when no delivery queue holds
// an entry.
func (s *MessageStore) OnlyHistoryReferenced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stored := range s.entries {
		if stored.refCount > stored.historyRefs {
			return false
		}
	}
	return true
}
