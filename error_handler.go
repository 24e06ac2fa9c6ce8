package broker

import (
	"context"

	"github.com/coregx/broker/model"
)

// ErrorHandler converts undeliverable-message conditions into dead-letter
// publications and decides whether to drop the one message or tear down the
// offending subscriber session.
//
// Policy:
//  1. Every undeliverable entry is wrapped with its originating error and
//     republished on the well-known dead-letter topic, once per entry per
//     queue, never silently dropped.
//  2. The offending slot is removed from the subscriber's queue; the broker
//     does not retry it there. Retrying is the subscriber's responsibility
//     after reconnecting.
//  3. A fatal error class (the subscriber's channel is fundamentally gone)
//     drains and dead-letters all remaining queued entries for that
//     subscriber and terminates the session.
//  4. Content-level rejections are terminal for one message only.
//
// Dead letters about the dead-letter topic itself are logged and dropped to
// keep the escalation path loop-free.
type ErrorHandler struct {
	broker        *Broker
	logger        Logger
	notifications NotificationService
}

func newErrorHandler(b *Broker, logger Logger, notifications NotificationService) *ErrorHandler {
	return &ErrorHandler{broker: b, logger: logger, notifications: notifications}
}

// HandleUndeliverable escalates one undeliverable entry: dead-letter it,
// release the queue slot's store reference when one is held, and kill the
// session if the error class says the channel is gone.
func (h *ErrorHandler) HandleUndeliverable(ctx context.Context, entry *model.MessageEntry, subscriberID, subscriptionID string, attempts int, reason string, cause error, releaseRef bool) {
	h.deadLetter(ctx, model.NewDeadLetter(entry, subscriberID, subscriptionID, reason, cause, attempts))

	if releaseRef {
		h.broker.releaseRef(entry.TopicName, entry.ID)
	}
	if IsFatalDelivery(cause) {
		h.TerminateSession(ctx, subscriberID, cause)
	}
}

// HandleFanoutFailure escalates an enqueue failure that happened during
// publish fan-out or initial history replay. No store reference is held for
// such a slot: the topic already rolled it back.
func (h *ErrorHandler) HandleFanoutFailure(ctx context.Context, f deliveryFailure) {
	reason := "delivery queue rejected entry during fan-out"
	if IsQueueFull(f.err) {
		reason = "delivery queue overflow"
	}
	h.HandleUndeliverable(ctx, f.entry, f.reg.sub.SubscriberID, f.reg.sub.ID, 1, reason, f.err, false)
}

// TerminateSession drains and dead-letters everything still queued for the
// subscriber, then tears the session down. Used when a delivery failure's
// error class indicates the channel is gone, and by explicit transport
// disconnects that want pending messages observed rather than dropped.
func (h *ErrorHandler) TerminateSession(ctx context.Context, subscriberID string, cause error) {
	sess, ok := h.broker.sessionFor(subscriberID)
	if !ok {
		return
	}

	drained := sess.queue.DrainAll()
	for _, ref := range drained {
		if entry, err := h.broker.entryFor(ref.topicName, ref.entryID); err == nil {
			h.deadLetter(ctx, model.NewDeadLetter(entry, subscriberID, ref.subscriptionID,
				"subscriber session terminated with pending deliveries", cause, ref.attempts))
		}
		h.broker.releaseRef(ref.topicName, ref.entryID)
	}
	if len(drained) > 0 {
		h.logger.Warnf("dead-lettered %d pending deliveries for subscriber %s", len(drained), subscriberID)
	}

	h.broker.SessionTerminated(ctx, subscriberID)
}

// deadLetter republishes the undeliverable entry on the dead-letter topic
// and notifies observers.
func (h *ErrorHandler) deadLetter(ctx context.Context, dl model.DeadLetter) {
	if dl.TopicName == model.DeadMessageTopic {
		h.logger.Errorf("dead letter of a dead letter dropped: entry=%d, subscriber=%s, error=%s",
			dl.EntryID, dl.SubscriberID, dl.DeliveryError)
		return
	}

	if err := h.broker.publishDeadLetter(ctx, dl); err != nil {
		h.logger.Errorf("failed to publish dead letter for entry %d: %v", dl.EntryID, err)
	}
	if err := h.notifications.NotifyDeadLetter(ctx, dl); err != nil {
		h.logger.Warnf("dead letter notification failed: %v", err)
	}
}
