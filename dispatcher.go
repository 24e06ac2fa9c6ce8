package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/coregx/broker/model"
	"github.com/coregx/broker/retry"
)

// Dispatcher drains the per-subscriber delivery queues through a
// DeliveryGateway. Within one queue only the head slot is ever worked on, so
// delivery order matches enqueue order even across retries.
//
// Failure policy per head slot:
//   - success: pop the slot and release its store reference
//   - transient error: leave the slot at the head, gated behind the retry
//     strategy's backoff, until the strategy gives up and the slot is
//     dead-lettered
//   - fatal error: the subscriber's channel is gone; the whole queue is
//     drained into dead letters and the session terminated
//
// Thread safety: safe for concurrent use; one Run loop per dispatcher.
type Dispatcher struct {
	broker   *Broker
	gateway  DeliveryGateway
	logger   Logger
	strategy retry.Strategy
	interval time.Duration
}

// DispatcherOption is a functional option for configuring the Dispatcher.
type DispatcherOption func(*Dispatcher) error

// WithDispatcherBroker sets the broker whose queues are drained (required).
func WithDispatcherBroker(b *Broker) DispatcherOption {
	return func(d *Dispatcher) error {
		if b == nil {
			return fmt.Errorf("%w: broker cannot be nil", ErrInvalidConfiguration)
		}
		d.broker = b
		return nil
	}
}

// WithDispatcherGateway sets the outbound delivery gateway (required).
func WithDispatcherGateway(gateway DeliveryGateway) DispatcherOption {
	return func(d *Dispatcher) error {
		if gateway == nil {
			return fmt.Errorf("%w: gateway cannot be nil", ErrInvalidConfiguration)
		}
		d.gateway = gateway
		return nil
	}
}

// WithDispatcherLogger sets the logger (required).
func WithDispatcherLogger(logger Logger) DispatcherOption {
	return func(d *Dispatcher) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfiguration)
		}
		d.logger = logger
		return nil
	}
}

// WithDispatcherRetryStrategy overrides the default retry strategy for
// transient delivery failures.
func WithDispatcherRetryStrategy(strategy retry.Strategy) DispatcherOption {
	return func(d *Dispatcher) error {
		if strategy.MaxAttempts < 1 {
			return fmt.Errorf("%w: retry strategy needs at least one attempt", ErrInvalidConfiguration)
		}
		d.strategy = strategy
		return nil
	}
}

// WithDispatcherInterval sets the sweep interval of the Run loop.
func WithDispatcherInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) error {
		if interval <= 0 {
			return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfiguration)
		}
		d.interval = interval
		return nil
	}
}

// NewDispatcher creates a Dispatcher with the given options. Broker, gateway
// and logger are required.
func NewDispatcher(opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		strategy: retry.DefaultStrategy(),
		interval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.broker == nil {
		return nil, fmt.Errorf("%w: broker is required", ErrInvalidConfiguration)
	}
	if d.gateway == nil {
		return nil, fmt.Errorf("%w: gateway is required", ErrInvalidConfiguration)
	}
	if d.logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrInvalidConfiguration)
	}
	return d, nil
}

// Run sweeps all delivery queues until ctx is cancelled. Blocking; call it
// in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Infof("dispatcher started, sweep interval %v", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over every session, delivering each queue's head slot
// if its backoff gate has passed. Exported for step-wise use in tests and
// embedded setups that drive delivery themselves.
func (d *Dispatcher) Sweep(ctx context.Context) {
	for _, sess := range d.broker.sessionSnapshot() {
		d.processSession(ctx, sess)
		if ctx.Err() != nil {
			return
		}
	}
}

// processSession drains the session's queue head by head until the queue is
// empty, a slot is gated behind backoff, or a failure stops progress.
func (d *Dispatcher) processSession(ctx context.Context, sess *session) {
	for {
		ref, ok := sess.queue.Head(time.Now())
		if !ok {
			return
		}
		if !d.processHead(ctx, sess, ref) {
			return
		}
	}
}

// processHead attempts delivery of one head slot. Returns true when the
// queue head moved and the caller should continue with the next slot.
func (d *Dispatcher) processHead(ctx context.Context, sess *session, ref *queuedRef) bool {
	entry, err := d.broker.entryFor(ref.topicName, ref.entryID)
	if err != nil || !entry.IsAlive() {
		// Expired or already destroyed behind our back; drop the slot.
		if sess.queue.PopHead(ref) {
			d.broker.releaseRef(ref.topicName, ref.entryID)
		}
		d.logger.Debugf("dropped stale delivery of entry %d for %s", ref.entryID, sess.id)
		return true
	}

	if err := d.gateway.Deliver(ctx, sess.id, entry); err != nil {
		d.handleFailure(ctx, sess, ref, entry, err)
		return false
	}

	if sess.queue.PopHead(ref) {
		d.broker.releaseRef(ref.topicName, ref.entryID)
	}
	return true
}

// handleFailure classifies a delivery error and applies the failure policy.
func (d *Dispatcher) handleFailure(ctx context.Context, sess *session, ref *queuedRef, entry *model.MessageEntry, err error) {
	attempt := ref.attempts + 1

	if IsFatalDelivery(err) {
		d.logger.Warnf("fatal delivery failure for %s: %v", sess.id, err)
		d.broker.errors.TerminateSession(ctx, sess.id, err)
		return
	}

	if d.strategy.IsRetryable(attempt) {
		delay := d.strategy.CalculateRetryDelay(attempt)
		d.logger.Debugf("delivery of entry %d to %s failed (attempt %d), retrying in %v: %v",
			ref.entryID, sess.id, attempt, delay, err)
		sess.queue.RescheduleHead(ref, delay)
		return
	}

	d.logger.Warnf("giving up on entry %d for %s after %d attempts: %v",
		ref.entryID, sess.id, attempt, err)
	if sess.queue.PopHead(ref) {
		d.broker.errors.HandleUndeliverable(ctx, entry, sess.id, ref.subscriptionID, attempt,
			"delivery retries exhausted", err, true)
	}
}
