package broker

import (
	"context"

	"github.com/coregx/broker/model"
)

// NotificationService defines an optional interface for observing broker
// lifecycle events (dead letters, subscription changes, topic teardown).
//
// Implementations might send emails, Slack messages, or feed monitoring
// systems. Callbacks are invoked outside topic locks, so implementations may
// call back into the broker.
type NotificationService interface {
	// NotifyDeadLetter is called when an undeliverable message is
	// republished on the dead-letter topic.
	NotifyDeadLetter(ctx context.Context, dl model.DeadLetter) error

	// NotifySubscriptionCreated is called when a new subscription is
	// registered, including query matches materialized on topic creation.
	NotifySubscriptionCreated(ctx context.Context, sub model.Subscription) error

	// NotifySubscriptionRemoved is called when a subscription is removed by
	// unsubscribe, erase, or session termination.
	NotifySubscriptionRemoved(ctx context.Context, sub model.Subscription) error

	// NotifyTopicDead is called when a topic reaches its terminal state and
	// its resources are released.
	NotifyTopicDead(ctx context.Context, topicName string) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyDeadLetter does nothing.
func (n *NoOpNotificationService) NotifyDeadLetter(_ context.Context, _ model.DeadLetter) error {
	return nil
}

// NotifySubscriptionCreated does nothing.
func (n *NoOpNotificationService) NotifySubscriptionCreated(_ context.Context, _ model.Subscription) error {
	return nil
}

// NotifySubscriptionRemoved does nothing.
func (n *NoOpNotificationService) NotifySubscriptionRemoved(_ context.Context, _ model.Subscription) error {
	return nil
}

// NotifyTopicDead does nothing.
func (n *NoOpNotificationService) NotifyTopicDead(_ context.Context, _ string) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs events.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeadLetter logs the dead letter.
func (n *LoggingNotificationService) NotifyDeadLetter(_ context.Context, dl model.DeadLetter) error {
	n.logger.Warnf("dead letter: topic=%s, entry=%d, subscriber=%s, attempts=%d, reason=%s",
		dl.TopicName, dl.EntryID, dl.SubscriberID, dl.AttemptCount, dl.Reason)
	return nil
}

// NotifySubscriptionCreated logs subscription creation.
func (n *LoggingNotificationService) NotifySubscriptionCreated(_ context.Context, sub model.Subscription) error {
	target := sub.TopicName
	if sub.IsQuery() {
		target = "query " + sub.Query
	}
	n.logger.Infof("subscription created: id=%s, subscriber=%s, target=%s", sub.ID, sub.SubscriberID, target)
	return nil
}

// NotifySubscriptionRemoved logs subscription removal.
func (n *LoggingNotificationService) NotifySubscriptionRemoved(_ context.Context, sub model.Subscription) error {
	n.logger.Infof("subscription removed: id=%s, subscriber=%s", sub.ID, sub.SubscriberID)
	return nil
}

// NotifyTopicDead logs topic teardown.
func (n *LoggingNotificationService) NotifyTopicDead(_ context.Context, topicName string) error {
	n.logger.Infof("topic dead: %s", topicName)
	return nil
}
