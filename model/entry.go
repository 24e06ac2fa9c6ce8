package model

import (
	"bytes"
	"time"
)

// EntryState represents the lifecycle state of a stored message entry.
type EntryState string

const (
	// EntryStateAlive indicates the entry is current and deliverable.
	EntryStateAlive EntryState = "ALIVE"

	// EntryStateExpired indicates the time-to-live elapsed. The entry is no
	// longer deliverable but may still be referenced by stale queue slots.
	EntryStateExpired EntryState = "EXPIRED"

	// EntryStateDestroyed is terminal. A destroyed entry may never be re-added
	// to a message store.
	EntryStateDestroyed EntryState = "DESTROYED"
)

// MessageEntry represents one published payload instance plus its metadata.
// The payload is immutable once stored: updating a topic's current value
// creates a new entry, it never mutates bytes in place.
//
// Reference counters live in the owning MessageStore, not on the entry
// (queues hold entry ids, the store answers retain/release), so the entry
// itself carries only content and lifecycle state.
type MessageEntry struct {
	ID              int64         `json:"id"`              // Receive timestamp (monotonic, unique per broker)
	TopicName       string        `json:"topicName"`       // Topic this entry belongs to
	Payload         []byte        `json:"payload"`         // Immutable payload bytes
	ContentType     string        `json:"contentType"`     // MIME type of the payload
	Priority        int           `json:"priority"`        // Delivery priority (larger = more urgent)
	TTL             time.Duration `json:"ttl"`             // Time-to-live, 0 = no expiry
	ForceDestroy    bool          `json:"forceDestroy"`    // Expiry destroys outright instead of marking EXPIRED
	Persistent      bool          `json:"persistent"`      // Written through to the persistence collaborator
	Volatile        bool          `json:"volatile"`        // Skips the history queue entirely
	FromPersistence bool          `json:"fromPersistence"` // Replayed during startup recovery
	PublisherID     string        `json:"publisherID"`     // Session that published the entry
	State           EntryState    `json:"state"`           // Current lifecycle state
	ReceivedAt      time.Time     `json:"receivedAt"`      // Wall-clock receive time

	size int // Precomputed at construction, O(1) accounting
}

// entryOverheadBytes approximates the fixed per-entry bookkeeping cost.
const entryOverheadBytes = 128

// NewMessageEntry creates an alive entry for the given topic and payload.
// The byte size is computed once here, never by re-walking content.
func NewMessageEntry(id int64, topicName string, payload []byte, contentType string) *MessageEntry {
	return &MessageEntry{
		ID:          id,
		TopicName:   topicName,
		Payload:     payload,
		ContentType: contentType,
		State:       EntryStateAlive,
		ReceivedAt:  time.Now(),
		size:        len(payload) + len(topicName) + len(contentType) + entryOverheadBytes,
	}
}

// Size returns the precomputed byte footprint of the entry.
func (e *MessageEntry) Size() int {
	return e.size
}

// IsAlive reports whether the entry is still deliverable.
func (e *MessageEntry) IsAlive() bool {
	return e.State == EntryStateAlive
}

// IsDestroyed reports whether the entry reached its terminal state.
func (e *MessageEntry) IsDestroyed() bool {
	return e.State == EntryStateDestroyed
}

// Expire moves the entry to EXPIRED. Destroyed entries stay destroyed.
func (e *MessageEntry) Expire() {
	if e.State == EntryStateDestroyed {
		return
	}
	e.State = EntryStateExpired
}

// Destroy moves the entry to its terminal state. Idempotent.
func (e *MessageEntry) Destroy() {
	e.State = EntryStateDestroyed
}

// SameContent reports whether payload and content type are byte-identical to
// the entry's. Drives content-change detection on publish.
func (e *MessageEntry) SameContent(payload []byte, contentType string) bool {
	return e.ContentType == contentType && bytes.Equal(e.Payload, payload)
}
