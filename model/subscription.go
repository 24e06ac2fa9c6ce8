package model

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionOptions carries the per-subscription delivery knobs.
type SubscriptionOptions struct {
	// WantInitialUpdate requests synchronous replay of recent history
	// entries at subscribe time.
	WantInitialUpdate bool `json:"wantInitialUpdate"`

	// InitialHistoryEntries is the number of history entries replayed when
	// WantInitialUpdate is set. 0 means the default of 1.
	InitialHistoryEntries int `json:"initialHistoryEntries"`

	// HistoryOldestFirst replays initial history in chronological order
	// instead of the default most-recent-first.
	HistoryOldestFirst bool `json:"historyOldestFirst"`

	// Filter is an optional metadata predicate evaluated at delivery time.
	// An entry whose topic metadata fails the filter is not delivered to
	// this subscription.
	Filter string `json:"filter"`

	// NoLocal suppresses delivery of messages published by the
	// subscription's own session.
	NoLocal bool `json:"noLocal"`
}

// InitialHistoryCount returns the effective initial replay depth.
func (o SubscriptionOptions) InitialHistoryCount() int {
	if o.InitialHistoryEntries <= 0 {
		return 1
	}
	return o.InitialHistoryEntries
}

// Subscription represents a subscriber's registered interest, either exact
// (bound to one topic name) or query (matched against topic metadata).
//
// Repeated subscribe calls from the same subscriber to the same target
// increment the multiplicity counter instead of duplicating state; only the
// counter reaching zero on unsubscribe removes the registration.
type Subscription struct {
	ID           string              `json:"id"`           // Broker-assigned subscription id
	SubscriberID string              `json:"subscriberID"` // Owning session
	TopicName    string              `json:"topicName"`    // Exact target; empty for query subscriptions
	Query        string              `json:"query"`        // Query expression; empty for exact subscriptions
	ParentID     string              `json:"parentID"`     // Query subscription this match was materialized from
	Options      SubscriptionOptions `json:"options"`
	Multiplicity int                 `json:"multiplicity"` // Duplicate-subscribe counter, starts at 1
	CreatedAt    time.Time           `json:"createdAt"`
}

// NewExactSubscription creates a subscription bound to one topic name.
func NewExactSubscription(subscriberID, topicName string, options SubscriptionOptions) *Subscription {
	return &Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		TopicName:    topicName,
		Options:      options,
		Multiplicity: 1,
		CreatedAt:    time.Now(),
	}
}

// NewQuerySubscription creates a subscription matched against every new
// topic's metadata.
func NewQuerySubscription(subscriberID, query string, options SubscriptionOptions) *Subscription {
	return &Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		Query:        query,
		Options:      options,
		Multiplicity: 1,
		CreatedAt:    time.Now(),
	}
}

// Materialize creates the exact subscription a query subscription spawns when
// a topic matches it. The child inherits the parent's options and session.
func (s *Subscription) Materialize(topicName string) *Subscription {
	child := NewExactSubscription(s.SubscriberID, topicName, s.Options)
	child.ParentID = s.ID
	return child
}

// IsQuery reports whether the subscription matches on topic metadata rather
// than an exact name.
func (s *Subscription) IsQuery() bool {
	return s.Query != ""
}

// Retain increments the multiplicity counter and returns the new value.
// Not safe for concurrent use; the registry serializes all counter changes
// under its write lock.
func (s *Subscription) Retain() int {
	s.Multiplicity++
	return s.Multiplicity
}

// Release decrements the multiplicity counter and returns the new value.
// The caller removes the registration when it reaches zero. Same
// synchronization contract as Retain.
func (s *Subscription) Release() int {
	if s.Multiplicity > 0 {
		s.Multiplicity--
	}
	return s.Multiplicity
}
