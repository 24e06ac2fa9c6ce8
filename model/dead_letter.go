package model

import "time"

// DeadLetter represents one undeliverable message escalated by the error
// handler. Every failed delivery is escalated once per entry per queue,
// never silently dropped: the dead letter is republished on the well-known
// system topic so operators and clients can observe failures.
//
// The payload and diagnostic fields are denormalized so a dead letter stays
// readable after the original entry and subscription are gone.
type DeadLetter struct {
	EntryID        int64  `json:"entryID"`        // Original message entry id
	TopicName      string `json:"topicName"`      // Topic the entry was published to
	SubscriberID   string `json:"subscriberID"`   // Session the delivery was addressed to
	SubscriptionID string `json:"subscriptionID"` // Subscription that routed the entry, if any

	// Failure information
	Reason        string `json:"reason"`        // Why the entry was dead-lettered
	DeliveryError string `json:"deliveryError"` // Last delivery error message
	AttemptCount  int    `json:"attemptCount"`  // Delivery attempts before giving up

	// Message data (denormalized for observability)
	Payload     []byte `json:"payload"`
	ContentType string `json:"contentType"`
	PublisherID string `json:"publisherID"`

	OccurredAt time.Time `json:"occurredAt"`
}

// NewDeadLetter builds a dead letter from the undeliverable entry and the
// originating error.
func NewDeadLetter(entry *MessageEntry, subscriberID, subscriptionID, reason string, deliveryErr error, attempts int) DeadLetter {
	dl := DeadLetter{
		EntryID:        entry.ID,
		TopicName:      entry.TopicName,
		SubscriberID:   subscriberID,
		SubscriptionID: subscriptionID,
		Reason:         reason,
		AttemptCount:   attempts,
		Payload:        entry.Payload,
		ContentType:    entry.ContentType,
		PublisherID:    entry.PublisherID,
		OccurredAt:     time.Now(),
	}
	if deliveryErr != nil {
		dl.DeliveryError = deliveryErr.Error()
	}
	return dl
}
