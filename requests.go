package broker

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/broker/model"
)

// PublishQoS carries the quality-of-service knobs of one publish call.
type PublishQoS struct {
	Priority        int                  `json:"priority"`        // Delivery priority
	TTL             time.Duration        `json:"ttl"`             // Time-to-live, 0 = no expiry
	ForceDestroy    bool                 `json:"forceDestroy"`    // Expiry destroys outright
	Persistent      bool                 `json:"persistent"`      // Write through to the persistence collaborator
	Volatile        bool                 `json:"volatile"`        // Skip the history queue
	ForceUpdate     bool                 `json:"forceUpdate"`     // Deliver even when content is unchanged
	FromPersistence bool                 `json:"fromPersistence"` // Startup recovery replay
	Metadata        model.Metadata       `json:"metadata"`        // Topic metadata for query matching
	Topic           *model.TopicConfig   `json:"topic"`           // Topic configuration bound on first publish
	Destinations    []model.Destination  `json:"destinations"`    // Non-empty switches to point-to-point mode
}

// PublishRequest represents a request to publish a message.
type PublishRequest struct {
	PublisherID string     `json:"publisherID"` // Publishing session
	TopicName   string     `json:"topicName"`
	Payload     []byte     `json:"payload"`
	ContentType string     `json:"contentType"`
	QoS         PublishQoS `json:"qos"`
}

// Validate checks the request before any state changes.
func (m PublishRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.PublisherID, validation.Required),
		validation.Field(&m.TopicName, validation.Required, validation.Length(1, 255)),
		validation.Field(&m.QoS, validation.By(validatePublishQoS)),
	)
}

// validatePublishQoS rejects conflicting QoS combinations.
func validatePublishQoS(value interface{}) error {
	qos, ok := value.(PublishQoS)
	if !ok {
		return NewError(ErrCodeValidation, "invalid QoS value")
	}
	if qos.Volatile && qos.Persistent {
		return NewError(ErrCodeValidation, "a message cannot be both volatile and persistent")
	}
	for _, dest := range qos.Destinations {
		if dest.SubscriberID == "" {
			return NewError(ErrCodeValidation, "destination without subscriber id")
		}
	}
	return nil
}

// PublishResult represents the result of a publish operation.
type PublishResult struct {
	ReturnID     string                    `json:"returnID"`  // Broker-assigned opaque id for this publish
	EntryID      int64                     `json:"entryID"`   // Stored entry id, 0 when the publish was a no-op
	TopicName    string                    `json:"topicName"`
	Delivered    int                       `json:"delivered"` // Deliveries queued during fan-out
	Destinations []model.DestinationResult `json:"destinations,omitempty"`
}

// SubscribeRequest represents a request to register interest, either exact
// (TopicName) or structural (Query). Exactly one of the two must be set.
type SubscribeRequest struct {
	SubscriberID string                    `json:"subscriberID"`
	TopicName    string                    `json:"topicName,omitempty"`
	Query        string                    `json:"query,omitempty"`
	Options      model.SubscriptionOptions `json:"options"`
}

// Validate checks the request before any state changes.
func (m SubscribeRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.SubscriberID, validation.Required),
		validation.Field(&m.TopicName, validation.By(exactlyOneSpec(m.TopicName, m.Query))),
	)
}

// UnsubscribeRequest resolves to one or more subscriptions, by id or by the
// subscriber's exact topic spec.
type UnsubscribeRequest struct {
	SubscriberID   string `json:"subscriberID"`
	SubscriptionID string `json:"subscriptionID,omitempty"`
	TopicName      string `json:"topicName,omitempty"`
}

// Validate checks the request before any state changes.
func (m UnsubscribeRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.SubscriberID, validation.Required),
		validation.Field(&m.SubscriptionID, validation.By(exactlyOneSpec(m.SubscriptionID, m.TopicName))),
	)
}

// GetRequest is a synchronous read: same matching as subscribe, but it
// returns current content instead of registering interest.
type GetRequest struct {
	RequesterID string `json:"requesterID"`
	TopicName   string `json:"topicName,omitempty"`
	Query       string `json:"query,omitempty"`
	MaxEntries  int    `json:"maxEntries"`  // 0 means the default of 1
	OldestFirst bool   `json:"oldestFirst"` // Chronological instead of most-recent-first
}

// Validate checks the request before any state changes.
func (m GetRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.RequesterID, validation.Required),
		validation.Field(&m.TopicName, validation.By(exactlyOneSpec(m.TopicName, m.Query))),
		validation.Field(&m.MaxEntries, validation.Min(0)),
	)
}

// MaxEntryCount returns the effective read depth.
func (m GetRequest) MaxEntryCount() int {
	if m.MaxEntries <= 0 {
		return 1
	}
	return m.MaxEntries
}

// EraseRequest drives matching topics toward SOFT_ERASED or DEAD.
type EraseRequest struct {
	RequesterID string `json:"requesterID"`
	TopicName   string `json:"topicName,omitempty"`
	Query       string `json:"query,omitempty"`
	Force       bool   `json:"force"` // Forced erase always wins, regardless of pending references
}

// Validate checks the request before any state changes.
func (m EraseRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.RequesterID, validation.Required),
		validation.Field(&m.TopicName, validation.By(exactlyOneSpec(m.TopicName, m.Query))),
	)
}

// exactlyOneSpec enforces that exactly one of two alternative spec fields is
// set. It is attached to the first field so the error lands somewhere useful.
func exactlyOneSpec(a, b string) validation.RuleFunc {
	return func(interface{}) error {
		if a == "" && b == "" {
			return NewError(ErrCodeValidation, "either an exact topic name or a query is required")
		}
		if a != "" && b != "" {
			return NewError(ErrCodeValidation, "exact topic name and query are mutually exclusive")
		}
		return nil
	}
}
