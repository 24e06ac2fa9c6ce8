package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/coregx/broker/model"
)

// topicHooks are the callbacks a Topic needs from its owning Broker.
type topicHooks struct {
	// matchFilter evaluates a subscription's delivery filter against the
	// topic metadata. Called with the topic lock held: it must be a pure
	// predicate and never call back into the topic or the broker.
	matchFilter func(filter string, meta model.Metadata) (bool, error)

	// onDead is called once when the topic reaches DEAD, so the broker can
	// drop it from the topic table. Invoked without the topic lock held.
	onDead func(t *Topic)
}

// deliveryFailure records one failed enqueue during fan-out or initial
// history replay. Failures are routed to the ErrorHandler by the broker,
// never surfaced to the publisher.
type deliveryFailure struct {
	reg   *registration
	entry *model.MessageEntry
	err   error
}

// Topic is the state machine orchestrating one topic name's message store,
// history queue and subscriber set.
//
// All state transitions go through the central transition method, which
// validates legality against the model transition table; no other code flips
// the state field. Lock scope is per topic: unrelated topics never contend.
type Topic struct {
	name   string
	hooks  topicHooks
	logger Logger

	mu         sync.Mutex
	state      model.TopicState
	configured bool
	cfg        model.TopicConfig
	meta       model.Metadata
	store      *MessageStore
	history    *HistoryQueue
	subs       map[string]*registration

	destroyTimer *time.Timer
	timerGen     uint64

	createdAt time.Time
}

// newTopic creates a topic in state UNCONFIGURED: it exists, but no message
// was ever published and there is no configuration yet.
func newTopic(name string, logger Logger, hooks topicHooks) *Topic {
	t := &Topic{
		name:      name,
		hooks:     hooks,
		logger:    logger,
		state:     model.TopicStateUnconfigured,
		subs:      make(map[string]*registration),
		createdAt: time.Now(),
	}
	t.store = NewMessageStore(logger, t.entryDestroyedByExpiry)
	return t
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// State returns the current lifecycle state.
func (t *Topic) State() model.TopicState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Metadata returns the topic metadata bound at configuration time.
func (t *Topic) Metadata() model.Metadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

// Config returns the bound configuration and whether one exists yet.
func (t *Topic) Config() (model.TopicConfig, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg, t.configured
}

// isDead reports whether the topic reached its terminal state.
func (t *Topic) isDead() bool {
	return t.State() == model.TopicStateDead
}

// transition moves the topic to next after validating legality against the
// central transition table. Illegal transitions are internal errors; the
// caller decides whether to force-correct to DEAD.
//
// Must be called with the lock held.
func (t *Topic) transition(next model.TopicState) error {
	if !t.state.CanTransition(next) {
		return NewError(ErrCodeInternal,
			fmt.Sprintf("illegal topic transition %s -> %s on %q", t.state, next, t.name))
	}
	if t.state == model.TopicStateUnreferenced {
		t.cancelDestroyTimerLocked()
	}
	t.logger.Debugf("topic %q: %s -> %s", t.name, t.state, next)
	t.state = next
	return nil
}

// ensureConfigured binds the configuration and metadata on first publish and
// moves UNCONFIGURED to ALIVE. Reports whether this call did the binding.
func (t *Topic) ensureConfigured(cfg model.TopicConfig, meta model.Metadata) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.configured || t.state == model.TopicStateDead {
		return false
	}
	t.cfg = cfg
	t.meta = meta.Clone()
	t.history = NewHistoryQueue(cfg.MaxHistoryEntries)
	t.configured = true
	if t.state == model.TopicStateUnconfigured {
		if err := t.transition(model.TopicStateAlive); err != nil {
			t.logger.Errorf("topic %q: %v", t.name, err)
		}
	}
	return true
}

// publishOutcome reports what one publish call did: whether the entry was
// accepted into the store at all, and how many deliveries were queued.
type publishOutcome struct {
	stored    bool
	delivered int
	failures  []deliveryFailure
}

// publish runs the pub/sub publish algorithm for one accepted entry. The
// topic must be configured.
//
// Ordering matters: the entry enters the store with an artificial reference
// before any queue sees it, each queued delivery retains it, and the
// artificial reference is released last. A message is never visible to a
// subscriber before its reference count accounts for that visibility, and
// never destroyed while any queue still holds it.
func (t *Topic) publish(entry *model.MessageEntry, forceUpdate bool) (publishOutcome, error) {
	t.mu.Lock()

	switch t.state {
	case model.TopicStateDead:
		t.mu.Unlock()
		return publishOutcome{}, NewError(ErrCodeNotFound, fmt.Sprintf("topic %q is dead", t.name))
	case model.TopicStateSoftErased:
		t.mu.Unlock()
		return publishOutcome{}, NewError(ErrCodeValidation, fmt.Sprintf("topic %q is being erased", t.name))
	case model.TopicStateUnreferenced:
		if err := t.transition(model.TopicStateAlive); err != nil {
			t.mu.Unlock()
			return publishOutcome{}, err
		}
	}
	if !t.configured {
		t.mu.Unlock()
		return publishOutcome{}, NewError(ErrCodeInternal, fmt.Sprintf("publish on unconfigured topic %q", t.name))
	}

	if t.cfg.ReadOnly && t.history.Len() >= 1 {
		t.mu.Unlock()
		return publishOutcome{}, NewError(ErrCodeValidation,
			fmt.Sprintf("topic %q is read-only and already holds content", t.name))
	}

	// Content-change detection against the most recent history entry.
	changed := true
	if latestID, ok := t.history.Latest(); ok {
		if latest, err := t.store.Get(latestID); err == nil && latest.SameContent(entry.Payload, entry.ContentType) {
			changed = false
		}
	}
	deliver := changed || forceUpdate
	recordHistory := t.cfg.HistoryEnabled() && !entry.Volatile && (changed || !t.cfg.HistoryRequiresChange)

	if !deliver && !recordHistory {
		// Nothing to do for this publish at all; the entry is dropped
		// before it ever enters the store.
		dead := t.checkCollectableLocked()
		t.mu.Unlock()
		t.notifyDead(dead)
		return publishOutcome{}, nil
	}

	if err := t.store.Put(entry); err != nil {
		t.mu.Unlock()
		return publishOutcome{}, err
	}

	if recordHistory {
		if err := t.store.RetainHistory(entry.ID); err != nil {
			t.logger.Errorf("topic %q: history retain failed: %v", t.name, err)
		} else if evicted, didEvict := t.history.Push(entry.ID); didEvict {
			t.store.ReleaseHistory(evicted)
		}
	}

	delivered := 0
	var failures []deliveryFailure
	if deliver {
		for _, reg := range t.subs {
			ok, err := t.wantsEntryLocked(reg, entry)
			if err != nil {
				failures = append(failures, deliveryFailure{reg: reg, entry: entry, err: err})
				continue
			}
			if !ok {
				continue
			}
			if err := t.enqueueLocked(reg, entry.ID); err != nil {
				failures = append(failures, deliveryFailure{reg: reg, entry: entry, err: err})
				continue
			}
			delivered++
		}
	}

	// Release the artificial initial reference; with no history slot and no
	// queued deliveries this destroys the entry right here.
	t.store.Release(entry.ID)

	dead := t.checkCollectableLocked()
	t.mu.Unlock()
	t.notifyDead(dead)
	return publishOutcome{stored: true, delivered: delivered, failures: failures}, nil
}

// publishPtP queues an entry directly into the given sessions, bypassing the
// subscriber set. The entry lives in this topic's store for reference
// accounting; failed destinations are reported individually.
func (t *Topic) publishPtP(entry *model.MessageEntry, targets []*session) ([]model.DestinationResult, error) {
	t.mu.Lock()

	if t.state == model.TopicStateDead {
		t.mu.Unlock()
		return nil, NewError(ErrCodeNotFound, fmt.Sprintf("topic %q is dead", t.name))
	}
	if t.state == model.TopicStateUnreferenced {
		if err := t.transition(model.TopicStateAlive); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}

	if err := t.store.Put(entry); err != nil {
		t.mu.Unlock()
		return nil, err
	}

	results := make([]model.DestinationResult, 0, len(targets))
	for _, sess := range targets {
		res := model.DestinationResult{SubscriberID: sess.id}
		if err := t.store.Retain(entry.ID); err != nil {
			res.Error = err.Error()
		} else if err := sess.queue.Enqueue(&queuedRef{topicName: t.name, entryID: entry.ID}); err != nil {
			t.store.Release(entry.ID)
			res.Error = err.Error()
		} else {
			res.Queued = true
		}
		results = append(results, res)
	}

	t.store.Release(entry.ID)
	dead := t.checkCollectableLocked()
	t.mu.Unlock()
	t.notifyDead(dead)
	return results, nil
}

// wantsEntryLocked applies no-local suppression and the subscription's
// delivery filter. Must be called with the lock held.
func (t *Topic) wantsEntryLocked(reg *registration, entry *model.MessageEntry) (bool, error) {
	if reg.sub.Options.NoLocal && entry.PublisherID != "" && entry.PublisherID == reg.sub.SubscriberID {
		return false, nil
	}
	if f := reg.sub.Options.Filter; f != "" && t.hooks.matchFilter != nil {
		ok, err := t.hooks.matchFilter(f, t.meta)
		if err != nil {
			return false, NewErrorWithCause(ErrCodeValidation, "delivery filter evaluation failed", err)
		}
		return ok, nil
	}
	return true, nil
}

// enqueueLocked retains the entry for one delivery queue slot and enqueues
// the reference. The retain happens first so the entry can never be
// destroyed between becoming visible and being accounted for.
func (t *Topic) enqueueLocked(reg *registration, entryID int64) error {
	if err := t.store.Retain(entryID); err != nil {
		return err
	}
	ref := &queuedRef{topicName: t.name, entryID: entryID, subscriptionID: reg.sub.ID}
	if err := reg.sess.queue.Enqueue(ref); err != nil {
		t.store.Release(entryID)
		return err
	}
	return nil
}

// addSubscription registers reg on this topic. With withInitial set and
// WantInitialUpdate requested, the most recent history entries are replayed
// synchronously; if any replay enqueue fails, the whole subscription is
// rolled back rather than left half-registered, and the error is returned
// for the ErrorHandler.
func (t *Topic) addSubscription(reg *registration, withInitial bool) (*model.MessageEntry, error) {
	t.mu.Lock()

	switch t.state {
	case model.TopicStateDead:
		t.mu.Unlock()
		return nil, NewError(ErrCodeNotFound, fmt.Sprintf("topic %q is dead", t.name))
	case model.TopicStateSoftErased:
		// A soft-erased topic is already tearing down; a subscription added
		// now would outlive the topic and dangle in the registry.
		t.mu.Unlock()
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("topic %q is being erased", t.name))
	case model.TopicStateUnreferenced:
		if err := t.transition(model.TopicStateAlive); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}

	t.subs[reg.sub.ID] = reg

	if withInitial && reg.sub.Options.WantInitialUpdate && t.configured {
		ids := t.history.Newest(reg.sub.Options.InitialHistoryCount(), reg.sub.Options.HistoryOldestFirst)
		enqueued := make([]*queuedRef, 0, len(ids))
		for _, id := range ids {
			entry, err := t.store.Get(id)
			if err != nil || !entry.IsAlive() {
				continue
			}
			if err := t.store.Retain(id); err != nil {
				continue
			}
			ref := &queuedRef{topicName: t.name, entryID: id, subscriptionID: reg.sub.ID}
			if err := reg.sess.queue.Enqueue(ref); err != nil {
				t.store.Release(id)
				// Roll back: remove the registration and every reference
				// the replay already queued.
				delete(t.subs, reg.sub.ID)
				for _, prior := range enqueued {
					if reg.sess.queue.Remove(prior) {
						t.store.Release(prior.entryID)
					}
				}
				dead := t.checkCollectableLocked()
				t.mu.Unlock()
				t.notifyDead(dead)
				return entry, NewErrorWithCause(ErrCodeDelivery, "initial history delivery failed", err)
			}
			enqueued = append(enqueued, ref)
		}
	}

	t.mu.Unlock()
	return nil, nil
}

// removeSubscription detaches a subscription and re-checks whether the topic
// became unreferenced. Returns whether the subscription was present.
func (t *Topic) removeSubscription(subscriptionID string) bool {
	t.mu.Lock()
	_, found := t.subs[subscriptionID]
	delete(t.subs, subscriptionID)
	dead := t.checkCollectableLocked()
	t.mu.Unlock()
	t.notifyDead(dead)
	return found
}

// subscriberCount returns the number of attached subscriptions.
func (t *Topic) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// readHistory returns up to n most recent alive entries, in the requested
// order. Used by synchronous get.
func (t *Topic) readHistory(n int, oldestFirst bool) []*model.MessageEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.configured {
		return nil
	}
	ids := t.history.Newest(n, oldestFirst)
	out := make([]*model.MessageEntry, 0, len(ids))
	for _, id := range ids {
		if entry, err := t.store.Get(id); err == nil && entry.IsAlive() {
			out = append(out, entry)
		}
	}
	return out
}

// entry resolves a queued reference for delivery.
func (t *Topic) entry(id int64) (*model.MessageEntry, error) {
	return t.store.Get(id)
}

// entryReleased is called when a delivery queue slot drained (delivered,
// dead-lettered, or dropped). It releases the reference and re-checks the
// topic lifecycle, which is how a SOFT_ERASED topic finally reaches DEAD.
func (t *Topic) entryReleased(id int64) {
	t.mu.Lock()
	t.store.Release(id)
	dead := t.checkCollectableLocked()
	t.mu.Unlock()
	t.notifyDead(dead)
}

// entryDestroyedByExpiry runs lock-free from the store's expiry timer after
// a force-destroy expiry. The stale history slot is purged and the topic
// lifecycle re-checked.
func (t *Topic) entryDestroyedByExpiry(id int64) {
	t.mu.Lock()
	if t.history != nil {
		t.history.Remove(id)
	}
	dead := t.checkCollectableLocked()
	t.mu.Unlock()
	t.notifyDead(dead)
}

// erase drives the topic toward SOFT_ERASED or DEAD. A forced erase always
// wins regardless of state; a non-forced erase defers full teardown while
// delivery queues still reference stored entries. Returns the detached
// registrations so the broker can unregister them.
func (t *Topic) erase(force bool) ([]*registration, error) {
	t.mu.Lock()

	if t.state == model.TopicStateDead {
		t.mu.Unlock()
		return nil, NewError(ErrCodeNotFound, fmt.Sprintf("topic %q is dead", t.name))
	}

	if force {
		if err := t.transition(model.TopicStateDead); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		removed := t.teardownLocked()
		t.mu.Unlock()
		t.notifyDead(true)
		return removed, nil
	}

	// Non-forced: clear history, notify subscribers of removal, then tear
	// down now or wait for pending delivery references to drain.
	if t.history != nil {
		for _, id := range t.history.Clear() {
			t.store.ReleaseHistory(id)
		}
	}
	removed := make([]*registration, 0, len(t.subs))
	for _, reg := range t.subs {
		removed = append(removed, reg)
	}
	t.subs = make(map[string]*registration)

	if t.state == model.TopicStateUnconfigured {
		if err := t.transition(model.TopicStateDead); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.teardownLocked()
		t.mu.Unlock()
		t.notifyDead(true)
		return removed, nil
	}

	if err := t.transition(model.TopicStateSoftErased); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	dead := t.checkCollectableLocked()
	t.mu.Unlock()
	t.notifyDead(dead)
	return removed, nil
}

// checkCollectableLocked re-evaluates the lifecycle after references or
// subscribers dropped away. Returns true when the topic reached DEAD; the
// caller invokes notifyDead after unlocking.
//
// Must be called with the lock held.
func (t *Topic) checkCollectableLocked() bool {
	switch t.state {
	case model.TopicStateUnconfigured:
		// An unconfigured topic exists only for its subscriptions. With the
		// last one gone there is nothing left to wait for; the name is
		// recreated on demand.
		if len(t.subs) > 0 || t.store.NumEntries() > 0 {
			return false
		}
		if err := t.transition(model.TopicStateDead); err != nil {
			t.logger.Errorf("topic %q: %v", t.name, err)
			return false
		}
		t.teardownLocked()
		return true
	case model.TopicStateAlive:
		if len(t.subs) > 0 || t.store.NumEntries() > 0 || (t.history != nil && t.history.Len() > 0) {
			return false
		}
		if err := t.transition(model.TopicStateUnreferenced); err != nil {
			t.logger.Errorf("topic %q: %v", t.name, err)
			return false
		}
		return t.armDestroyTimerLocked()
	case model.TopicStateSoftErased:
		if t.store.NumEntries() > 0 {
			return false
		}
		if err := t.transition(model.TopicStateDead); err != nil {
			t.logger.Errorf("topic %q: %v", t.name, err)
			return false
		}
		t.teardownLocked()
		return true
	default:
		return false
	}
}

// armDestroyTimerLocked starts the destroy-delay grace timer for an
// UNREFERENCED topic. A zero delay destroys immediately; a negative delay
// means the topic lives until an explicit erase. Returns true when the topic
// went straight to DEAD.
//
// Must be called with the lock held.
func (t *Topic) armDestroyTimerLocked() bool {
	delay := t.cfg.DestroyDelay
	if !t.configured {
		delay = model.DefaultDestroyDelay
	}
	switch {
	case delay < 0:
		return false
	case delay == 0:
		if err := t.transition(model.TopicStateDead); err != nil {
			t.logger.Errorf("topic %q: %v", t.name, err)
			return false
		}
		t.teardownLocked()
		return true
	default:
		t.timerGen++
		gen := t.timerGen
		t.destroyTimer = time.AfterFunc(delay, func() { t.destroyTimerFired(gen) })
		return false
	}
}

// destroyTimerFired handles the grace timer elapsing. A timer that lost the
// race against new activity (generation moved on, state changed) is a safe
// no-op.
func (t *Topic) destroyTimerFired(gen uint64) {
	t.mu.Lock()
	if gen != t.timerGen || t.state != model.TopicStateUnreferenced {
		t.mu.Unlock()
		return
	}
	if err := t.transition(model.TopicStateDead); err != nil {
		t.logger.Errorf("topic %q: destroy timer on wrong state: %v", t.name, err)
		t.mu.Unlock()
		return
	}
	t.teardownLocked()
	t.mu.Unlock()
	t.notifyDead(true)
}

// cancelDestroyTimerLocked invalidates any pending destroy timer. The
// generation bump makes a concurrently firing timer a no-op.
//
// Must be called with the lock held.
func (t *Topic) cancelDestroyTimerLocked() {
	t.timerGen++
	if t.destroyTimer != nil {
		t.destroyTimer.Stop()
		t.destroyTimer = nil
	}
}

// teardownLocked releases all storage and timers for a DEAD topic and
// returns the registrations that were still attached.
//
// Must be called with the lock held.
func (t *Topic) teardownLocked() []*registration {
	t.cancelDestroyTimerLocked()
	if t.history != nil {
		t.history.Clear()
	}
	t.store.DestroyAll()
	removed := make([]*registration, 0, len(t.subs))
	for _, reg := range t.subs {
		removed = append(removed, reg)
	}
	t.subs = make(map[string]*registration)
	return removed
}

// notifyDead forwards the DEAD notification to the broker outside the lock.
func (t *Topic) notifyDead(dead bool) {
	if dead && t.hooks.onDead != nil {
		t.hooks.onDead(t)
	}
}

// dump returns a read-only snapshot for admin introspection.
func (t *Topic) dump() TopicDump {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := TopicDump{
		Name:           t.name,
		State:          string(t.state),
		NumSubscribers: len(t.subs),
		StoreEntries:   t.store.NumEntries(),
		StoreBytes:     t.store.NumBytes(),
		CreatedAt:      t.createdAt,
	}
	if t.history != nil {
		d.HistoryEntries = t.history.Len()
	}
	for id := range t.subs {
		d.SubscriptionIDs = append(d.SubscriptionIDs, id)
	}
	return d
}
