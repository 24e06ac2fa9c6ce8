package broker

import (
	"context"

	"github.com/coregx/broker/model"
)

// Action names a broker operation for authorization decisions.
type Action string

// Actions consulted against the Authorizer before they take effect.
const (
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
	ActionGet       Action = "get"
	ActionErase     Action = "erase"
)

// DeliveryGateway defines the outbound half of the transport/session layer:
// it carries a message entry to one subscriber's callback channel. The
// dispatcher drains delivery queues through it.
//
// Return a *DeliveryError to classify failures: fatal errors mark the
// subscriber's channel as gone and terminate the session, anything else is
// treated as transient and retried per the configured strategy.
type DeliveryGateway interface {
	// Deliver pushes one entry to the subscriber. Blocking is fine; honor
	// ctx for cancellation.
	Deliver(ctx context.Context, subscriberID string, entry *model.MessageEntry) error
}

// Authorizer is consulted before publish/subscribe/get/erase take effect.
// Implementations plug in authentication/authorization backends.
type Authorizer interface {
	// IsAuthorized decides whether subjectID may perform action on topicName.
	IsAuthorized(ctx context.Context, subjectID string, action Action, topicName string) bool
}

// AllowAllAuthorizer permits every action. The default when no authorization
// plugin is configured.
type AllowAllAuthorizer struct{}

// IsAuthorized always returns true.
func (AllowAllAuthorizer) IsAuthorized(_ context.Context, _ string, _ Action, _ string) bool {
	return true
}

// PersistentStore defines the optional persistence collaborator. It is used
// for write-through of entries whose persistent flag is set and at startup
// to recover durable topics, which are replayed through the normal publish
// path with the from-persistence flag set.
type PersistentStore interface {
	// Store writes one persistent entry through.
	Store(ctx context.Context, entry *model.MessageEntry) error

	// Erase removes the durable entry for a topic.
	Erase(ctx context.Context, topicName string) error

	// FetchAllOids lists the topic names with durable entries.
	FetchAllOids(ctx context.Context) ([]string, error)

	// Fetch loads the durable entry for one topic.
	// Returns a NOT_FOUND error when none exists.
	Fetch(ctx context.Context, topicName string) (*model.MessageEntry, error)
}

// QueryEvaluator is the pluggable predicate behind query subscriptions and
// delivery filters: given a query string and a topic's metadata, it answers
// match or no match. The broker never interprets the query language itself.
type QueryEvaluator interface {
	Matches(query string, meta model.Metadata) (bool, error)
}

// QueryValidator is optionally implemented by a QueryEvaluator that can
// reject malformed queries at subscribe time, before any topic exists to
// match against.
type QueryValidator interface {
	Validate(query string) error
}
