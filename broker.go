package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/broker/model"
)

// internalPublisherID is the session id the broker publishes under, used for
// dead letters and other system-topic traffic. Only this session and startup
// recovery may publish to system topics.
const internalPublisherID = "__broker__"

// Broker is the central publish/subscribe service. It owns the topic table,
// the subscription registry and the per-subscriber delivery queues, and
// exposes the five client operations: publish, subscribe, unsubscribe, get
// and erase.
//
// The broker itself is transport-agnostic: inbound calls arrive through its
// methods, outbound delivery happens when a Dispatcher drains the delivery
// queues through a DeliveryGateway.
//
// Thread safety: safe for concurrent use.
type Broker struct {
	logger        Logger
	authorizer    Authorizer
	persistence   PersistentStore
	evaluator     QueryEvaluator
	notifications NotificationService

	defaults      model.TopicConfig
	queueCapacity int

	topics   sync.Map // topic name -> *Topic
	sessions sync.Map // subscriber id -> *session
	registry *SubscriptionRegistry
	errors   *ErrorHandler

	lastEntryID atomic.Int64
	closed      atomic.Bool
}

// Option is a functional option for configuring the Broker.
type Option func(*Broker) error

// WithLogger sets the logger (required).
func WithLogger(logger Logger) Option {
	return func(b *Broker) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfiguration)
		}
		b.logger = logger
		return nil
	}
}

// WithAuthorizer sets the authorization plugin. Defaults to allow-all.
func WithAuthorizer(authorizer Authorizer) Option {
	return func(b *Broker) error {
		if authorizer == nil {
			return fmt.Errorf("%w: authorizer cannot be nil", ErrInvalidConfiguration)
		}
		b.authorizer = authorizer
		return nil
	}
}

// WithPersistentStore sets the optional persistence collaborator. Without
// one, persistent-flagged messages are held in memory only.
func WithPersistentStore(store PersistentStore) Option {
	return func(b *Broker) error {
		if store == nil {
			return fmt.Errorf("%w: persistent store cannot be nil", ErrInvalidConfiguration)
		}
		b.persistence = store
		return nil
	}
}

// WithQueryEvaluator sets the query/filter evaluator. Defaults to the
// metadata query language implemented by MetadataQueryEvaluator.
func WithQueryEvaluator(evaluator QueryEvaluator) Option {
	return func(b *Broker) error {
		if evaluator == nil {
			return fmt.Errorf("%w: query evaluator cannot be nil", ErrInvalidConfiguration)
		}
		b.evaluator = evaluator
		return nil
	}
}

// WithNotifications sets the notification service. Defaults to no-op.
func WithNotifications(notifications NotificationService) Option {
	return func(b *Broker) error {
		if notifications == nil {
			return fmt.Errorf("%w: notification service cannot be nil", ErrInvalidConfiguration)
		}
		b.notifications = notifications
		return nil
	}
}

// WithDefaultTopicConfig sets the configuration applied to topics whose
// first publish carries no explicit topic configuration.
func WithDefaultTopicConfig(cfg model.TopicConfig) Option {
	return func(b *Broker) error {
		if cfg.MaxHistoryEntries < 0 {
			return fmt.Errorf("%w: max history entries cannot be negative", ErrInvalidConfiguration)
		}
		b.defaults = cfg
		return nil
	}
}

// WithQueueCapacity bounds each subscriber's delivery queue. 0 means
// unbounded.
func WithQueueCapacity(capacity int) Option {
	return func(b *Broker) error {
		if capacity < 0 {
			return fmt.Errorf("%w: queue capacity cannot be negative", ErrInvalidConfiguration)
		}
		b.queueCapacity = capacity
		return nil
	}
}

// New creates a Broker with the given options. A logger is required;
// everything else has sensible defaults.
func New(opts ...Option) (*Broker, error) {
	b := &Broker{
		authorizer:    AllowAllAuthorizer{},
		evaluator:     MetadataQueryEvaluator{},
		notifications: &NoOpNotificationService{},
		defaults:      model.DefaultTopicConfig(),
		registry:      NewSubscriptionRegistry(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrInvalidConfiguration)
	}
	b.errors = newErrorHandler(b, b.logger, b.notifications)
	b.lastEntryID.Store(time.Now().UnixNano())
	return b, nil
}

// Publish accepts one message. With destinations set the message goes
// point-to-point to the named subscribers; otherwise it fans out to the
// topic's subscriber set per the pub/sub publish algorithm.
//
// Fan-out enqueue failures never fail the publish: they are escalated to the
// error handler and dead-lettered per failing subscriber.
func (b *Broker) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if b.closed.Load() {
		return nil, NewError(ErrCodeValidation, "broker is closed")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !b.authorizer.IsAuthorized(ctx, req.PublisherID, ActionPublish, req.TopicName) {
		return nil, NewError(ErrCodeAuthorization,
			fmt.Sprintf("session %q may not publish to %q", req.PublisherID, req.TopicName))
	}
	// Reserved names accept internal publishes only. The from-persistence
	// flag deliberately grants no exception here: it arrives on the wire,
	// and recovery never replays onto system topics (nothing internal is
	// ever written through).
	if model.IsSystemTopic(req.TopicName) && req.PublisherID != internalPublisherID {
		return nil, NewError(ErrCodeAuthorization,
			fmt.Sprintf("topic %q is reserved for the broker", req.TopicName))
	}

	entry := model.NewMessageEntry(b.nextEntryID(), req.TopicName, req.Payload, req.ContentType)
	entry.Priority = req.QoS.Priority
	entry.TTL = req.QoS.TTL
	entry.ForceDestroy = req.QoS.ForceDestroy
	entry.Persistent = req.QoS.Persistent
	entry.Volatile = req.QoS.Volatile
	entry.FromPersistence = req.QoS.FromPersistence
	entry.PublisherID = req.PublisherID

	topic := b.getOrCreateTopic(req.TopicName)

	cfg := b.defaults
	if req.QoS.Topic != nil {
		cfg = *req.QoS.Topic
	}
	if topic.ensureConfigured(cfg, req.QoS.Metadata) {
		b.materializeQueryMatches(ctx, topic)
	}

	result := &PublishResult{
		ReturnID:  uuid.NewString(),
		TopicName: req.TopicName,
	}

	if len(req.QoS.Destinations) > 0 {
		destinations, err := b.publishPtP(topic, entry, req.QoS.Destinations)
		if err != nil {
			return nil, err
		}
		result.EntryID = entry.ID
		result.Destinations = destinations
		b.writeThrough(ctx, entry)
		return result, nil
	}

	outcome, err := topic.publish(entry, req.QoS.ForceUpdate)
	if err != nil {
		return nil, err
	}
	if outcome.stored {
		result.EntryID = entry.ID
		b.writeThrough(ctx, entry)
	}
	result.Delivered = outcome.delivered
	for _, f := range outcome.failures {
		b.errors.HandleFanoutFailure(ctx, f)
	}
	return result, nil
}

// publishPtP resolves the destination sessions and queues the entry into
// each. An absent subscriber is an error for that destination unless it asked
// for force-queuing, in which case its session is created eagerly.
func (b *Broker) publishPtP(topic *Topic, entry *model.MessageEntry, destinations []model.Destination) ([]model.DestinationResult, error) {
	results := make([]model.DestinationResult, len(destinations))
	targets := make([]*session, 0, len(destinations))
	targetIdx := make([]int, 0, len(destinations))

	for i, dest := range destinations {
		sess, ok := b.sessionFor(dest.SubscriberID)
		if !ok {
			if !dest.ForceQueuing {
				results[i] = model.DestinationResult{
					SubscriberID: dest.SubscriberID,
					Error:        "subscriber is not connected",
				}
				continue
			}
			sess = b.getOrCreateSession(dest.SubscriberID)
		}
		targets = append(targets, sess)
		targetIdx = append(targetIdx, i)
	}

	queued, err := topic.publishPtP(entry, targets)
	if err != nil {
		return nil, err
	}
	for i, res := range queued {
		results[targetIdx[i]] = res
	}
	return results, nil
}

// writeThrough persists a persistent-flagged entry. Persistence failures are
// logged, never fatal to the publish: the in-memory state is authoritative.
func (b *Broker) writeThrough(ctx context.Context, entry *model.MessageEntry) {
	if !entry.Persistent || entry.FromPersistence || b.persistence == nil {
		return
	}
	if err := b.persistence.Store(ctx, entry); err != nil {
		b.logger.Errorf("persistence write-through failed for topic %q entry %d: %v",
			entry.TopicName, entry.ID, err)
	}
}

// Subscribe registers interest, either on an exact topic name or as a query
// matched against topic metadata. A repeated subscribe to the same target
// folds into the existing subscription's multiplicity counter.
//
// Subscribing to a topic that does not exist yet is not an error: the topic
// is created in its unconfigured state and the subscription attaches to it.
func (b *Broker) Subscribe(ctx context.Context, req SubscribeRequest) (*model.Subscription, error) {
	if b.closed.Load() {
		return nil, NewError(ErrCodeValidation, "broker is closed")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	target := req.TopicName
	if target == "" {
		target = req.Query
	}
	if !b.authorizer.IsAuthorized(ctx, req.SubscriberID, ActionSubscribe, target) {
		return nil, NewError(ErrCodeAuthorization,
			fmt.Sprintf("session %q may not subscribe to %q", req.SubscriberID, target))
	}

	if req.Query != "" {
		return b.subscribeQuery(ctx, req)
	}
	return b.subscribeExact(ctx, req)
}

func (b *Broker) subscribeExact(ctx context.Context, req SubscribeRequest) (*model.Subscription, error) {
	if reg, count, ok := b.registry.RetainExact(req.SubscriberID, req.TopicName); ok {
		b.logger.Debugf("subscription %s multiplicity raised to %d", reg.sub.ID, count)
		return reg.sub, nil
	}

	sess := b.getOrCreateSession(req.SubscriberID)
	sub := model.NewExactSubscription(req.SubscriberID, req.TopicName, req.Options)
	reg := &registration{sub: sub, sess: sess}

	topic := b.getOrCreateTopic(req.TopicName)
	b.registry.Add(reg)
	if failed, err := topic.addSubscription(reg, true); err != nil {
		b.registry.Remove(sub.ID)
		if failed != nil {
			b.errors.HandleUndeliverable(ctx, failed, sub.SubscriberID, sub.ID, 1,
				"initial history replay failed", err, false)
		}
		return nil, err
	}

	if err := b.notifications.NotifySubscriptionCreated(ctx, *sub); err != nil {
		b.logger.Warnf("subscription notification failed: %v", err)
	}
	return sub, nil
}

func (b *Broker) subscribeQuery(ctx context.Context, req SubscribeRequest) (*model.Subscription, error) {
	if v, ok := b.evaluator.(QueryValidator); ok {
		if err := v.Validate(req.Query); err != nil {
			return nil, err
		}
	}

	if reg, count, ok := b.registry.RetainQuery(req.SubscriberID, req.Query); ok {
		b.logger.Debugf("query subscription %s multiplicity raised to %d", reg.sub.ID, count)
		return reg.sub, nil
	}

	sess := b.getOrCreateSession(req.SubscriberID)
	sub := model.NewQuerySubscription(req.SubscriberID, req.Query, req.Options)
	reg := &registration{sub: sub, sess: sess}
	b.registry.Add(reg)

	// Evaluate the query against every topic that already has metadata bound.
	b.topics.Range(func(_, v any) bool {
		topic := v.(*Topic)
		if _, configured := topic.Config(); configured && !topic.isDead() {
			b.materializeIfMatching(ctx, reg, topic)
		}
		return true
	})

	if err := b.notifications.NotifySubscriptionCreated(ctx, *sub); err != nil {
		b.logger.Warnf("subscription notification failed: %v", err)
	}
	return sub, nil
}

// materializeQueryMatches tests a freshly configured topic against every
// registered query subscription. This happens exactly once per topic, at the
// moment its metadata is bound.
func (b *Broker) materializeQueryMatches(ctx context.Context, topic *Topic) {
	for _, parent := range b.registry.QuerySubscriptions() {
		b.materializeIfMatching(ctx, parent, topic)
	}
}

// materializeIfMatching spawns the exact child subscription a query parent is
// entitled to on a matching topic. Already-materialized matches are skipped.
func (b *Broker) materializeIfMatching(ctx context.Context, parent *registration, topic *Topic) {
	if b.childExists(parent.sub.ID, topic.Name()) {
		return
	}
	ok, err := b.evaluator.Matches(parent.sub.Query, topic.Metadata())
	if err != nil {
		b.logger.Warnf("query %q failed against topic %q: %v", parent.sub.Query, topic.Name(), err)
		return
	}
	if !ok {
		return
	}

	child := parent.sub.Materialize(topic.Name())
	childReg := &registration{sub: child, sess: parent.sess}
	b.registry.Add(childReg)
	if failed, err := topic.addSubscription(childReg, true); err != nil {
		b.registry.Remove(child.ID)
		if failed != nil {
			b.errors.HandleUndeliverable(ctx, failed, child.SubscriberID, child.ID, 1,
				"initial history replay failed", err, false)
		}
		return
	}
	b.logger.Debugf("query %s materialized on topic %q as %s", parent.sub.ID, topic.Name(), child.ID)
	if err := b.notifications.NotifySubscriptionCreated(ctx, *child); err != nil {
		b.logger.Warnf("subscription notification failed: %v", err)
	}
}

// childExists reports whether the query parent already materialized a child
// on the named topic.
func (b *Broker) childExists(parentID, topicName string) bool {
	for _, id := range b.registry.Children(parentID) {
		if reg, ok := b.registry.Get(id); ok && reg.sub.TopicName == topicName {
			return true
		}
	}
	return false
}

// Unsubscribe removes a subscription by id or by the subscriber's exact
// topic spec. A multiplicity above one just decrements; removing a query
// subscription cascades over its materialized children. Unsubscribing twice
// is a not-found error.
func (b *Broker) Unsubscribe(ctx context.Context, req UnsubscribeRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	var reg *registration
	var ok bool
	if req.SubscriptionID != "" {
		reg, ok = b.registry.Get(req.SubscriptionID)
		if ok && reg.sub.SubscriberID != req.SubscriberID {
			return NewError(ErrCodeAuthorization,
				fmt.Sprintf("subscription %s is not owned by session %q", req.SubscriptionID, req.SubscriberID))
		}
	} else {
		reg, ok = b.registry.FindExact(req.SubscriberID, req.TopicName)
	}
	if !ok {
		return NewError(ErrCodeNotFound, "no matching subscription")
	}

	released, removed, found := b.registry.Release(reg.sub.ID)
	if !found {
		return NewError(ErrCodeNotFound, "no matching subscription")
	}
	if !removed {
		b.logger.Debugf("subscription %s multiplicity lowered", released.sub.ID)
		return nil
	}
	b.detachRegistration(ctx, released)
	return nil
}

// removeRegistration unregisters one subscription id everywhere: registry,
// owning topic, and, for query parents, every materialized child.
func (b *Broker) removeRegistration(ctx context.Context, id string) {
	reg, ok := b.registry.Remove(id)
	if !ok {
		return
	}
	b.detachRegistration(ctx, reg)
}

// detachRegistration finishes a removal that already left the registry:
// cascade over query children, detach from the owning topic, notify.
func (b *Broker) detachRegistration(ctx context.Context, reg *registration) {
	sub := reg.sub

	if sub.IsQuery() {
		for _, childID := range b.registry.Children(sub.ID) {
			b.removeRegistration(ctx, childID)
		}
	} else if topic, ok := b.topicFor(sub.TopicName); ok {
		topic.removeSubscription(sub.ID)
	}

	if err := b.notifications.NotifySubscriptionRemoved(ctx, *sub); err != nil {
		b.logger.Warnf("subscription notification failed: %v", err)
	}
}

// Get reads current topic content synchronously: the same matching rules as
// subscribe, but it returns history entries instead of registering interest.
//
// An exact get on a topic that never existed is a not-found error; an
// existing topic with no content returns an empty slice.
func (b *Broker) Get(ctx context.Context, req GetRequest) ([]*model.MessageEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	target := req.TopicName
	if target == "" {
		target = req.Query
	}
	if !b.authorizer.IsAuthorized(ctx, req.RequesterID, ActionGet, target) {
		return nil, NewError(ErrCodeAuthorization,
			fmt.Sprintf("session %q may not read %q", req.RequesterID, target))
	}

	if req.TopicName != "" {
		topic, ok := b.topicFor(req.TopicName)
		if !ok || topic.isDead() {
			return nil, NewError(ErrCodeNotFound, fmt.Sprintf("topic %q does not exist", req.TopicName))
		}
		return topic.readHistory(req.MaxEntryCount(), req.OldestFirst), nil
	}

	max := req.MaxEntryCount()
	var out []*model.MessageEntry
	for _, topic := range b.matchingTopics(req.Query) {
		for _, entry := range topic.readHistory(max-len(out), req.OldestFirst) {
			out = append(out, entry)
		}
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// Erase drives matching topics toward their terminal state and returns the
// names it touched. A forced erase tears down immediately; otherwise topics
// with pending delivery references linger in their erase state until the
// references drain.
func (b *Broker) Erase(ctx context.Context, req EraseRequest) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	target := req.TopicName
	if target == "" {
		target = req.Query
	}
	if !b.authorizer.IsAuthorized(ctx, req.RequesterID, ActionErase, target) {
		return nil, NewError(ErrCodeAuthorization,
			fmt.Sprintf("session %q may not erase %q", req.RequesterID, target))
	}

	var targets []*Topic
	if req.TopicName != "" {
		topic, ok := b.topicFor(req.TopicName)
		if !ok || topic.isDead() {
			return nil, NewError(ErrCodeNotFound, fmt.Sprintf("topic %q does not exist", req.TopicName))
		}
		targets = []*Topic{topic}
	} else {
		targets = b.matchingTopics(req.Query)
	}

	erased := make([]string, 0, len(targets))
	for _, topic := range targets {
		removed, err := topic.erase(req.Force)
		if err != nil {
			b.logger.Warnf("erase of topic %q failed: %v", topic.Name(), err)
			continue
		}
		for _, reg := range removed {
			b.removeRegistration(ctx, reg.sub.ID)
		}
		if b.persistence != nil {
			if err := b.persistence.Erase(ctx, topic.Name()); err != nil {
				b.logger.Errorf("persistence erase failed for topic %q: %v", topic.Name(), err)
			}
		}
		erased = append(erased, topic.Name())
	}
	return erased, nil
}

// matchingTopics returns the configured, live topics whose metadata matches
// the query.
func (b *Broker) matchingTopics(query string) []*Topic {
	var out []*Topic
	b.topics.Range(func(_, v any) bool {
		topic := v.(*Topic)
		if _, configured := topic.Config(); !configured || topic.isDead() {
			return true
		}
		if ok, err := b.evaluator.Matches(query, topic.Metadata()); err == nil && ok {
			out = append(out, topic)
		}
		return true
	})
	return out
}

// SessionTerminated cleans up after a subscriber's clean disconnect: all of
// its subscriptions are removed, pending deliveries are released without
// dead-lettering, and the session is dropped.
//
// For failure-driven teardown, where pending deliveries should be observed
// as dead letters, use the error handler's TerminateSession instead.
func (b *Broker) SessionTerminated(ctx context.Context, subscriberID string) {
	for _, id := range b.registry.SubscriptionsOf(subscriberID) {
		b.removeRegistration(ctx, id)
	}

	if v, ok := b.sessions.LoadAndDelete(subscriberID); ok {
		sess := v.(*session)
		for _, ref := range sess.queue.DrainAll() {
			b.releaseRef(ref.topicName, ref.entryID)
		}
		b.logger.Infof("session %q terminated", subscriberID)
	}
}

// publishDeadLetter republishes an undeliverable entry on the dead-letter
// topic, serialized with its failure diagnostics. Dead letters are volatile:
// observers subscribe to the topic, nothing accumulates in history.
func (b *Broker) publishDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return NewErrorWithCause(ErrCodeInternal, "dead letter serialization failed", err)
	}
	_, err = b.Publish(ctx, PublishRequest{
		PublisherID: internalPublisherID,
		TopicName:   model.DeadMessageTopic,
		Payload:     payload,
		ContentType: "application/json",
		QoS: PublishQoS{
			Volatile:    true,
			ForceUpdate: true,
		},
	})
	return err
}

// RecoverPersistentTopics replays every durable entry through the normal
// publish path at startup. Replayed entries carry the from-persistence flag
// so they are not written through again.
func (b *Broker) RecoverPersistentTopics(ctx context.Context) (int, error) {
	if b.persistence == nil {
		return 0, nil
	}
	names, err := b.persistence.FetchAllOids(ctx)
	if err != nil {
		return 0, NewErrorWithCause(ErrCodeInternal, "listing durable topics failed", err)
	}

	recovered := 0
	for _, name := range names {
		entry, err := b.persistence.Fetch(ctx, name)
		if err != nil {
			b.logger.Errorf("recovery of topic %q failed: %v", name, err)
			continue
		}
		_, err = b.Publish(ctx, PublishRequest{
			PublisherID: entry.PublisherID,
			TopicName:   entry.TopicName,
			Payload:     entry.Payload,
			ContentType: entry.ContentType,
			QoS: PublishQoS{
				Priority:        entry.Priority,
				TTL:             entry.TTL,
				ForceDestroy:    entry.ForceDestroy,
				Persistent:      true,
				FromPersistence: true,
			},
		})
		if err != nil {
			b.logger.Errorf("recovery publish for topic %q failed: %v", name, err)
			continue
		}
		recovered++
	}
	b.logger.Infof("recovered %d durable topics", recovered)
	return recovered, nil
}

// Close rejects new publishes and subscribes, force-erases every topic and
// drops all sessions. Timers are stopped as part of topic teardown, so a
// closed broker leaves no goroutines behind.
func (b *Broker) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.topics.Range(func(_, v any) bool {
		topic := v.(*Topic)
		if removed, err := topic.erase(true); err == nil {
			for _, reg := range removed {
				b.removeRegistration(ctx, reg.sub.ID)
			}
		}
		return true
	})
	b.sessions.Range(func(key, _ any) bool {
		b.sessions.Delete(key)
		return true
	})
	b.logger.Info("broker closed")
	return nil
}

// Errors returns the broker's error handler, through which the dispatcher
// and transport layers escalate delivery failures.
func (b *Broker) Errors() *ErrorHandler {
	return b.errors
}

// nextEntryID issues a strictly increasing receive timestamp. Publishes
// landing in the same nanosecond are disambiguated by bumping past the last
// issued id.
func (b *Broker) nextEntryID() int64 {
	for {
		last := b.lastEntryID.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if b.lastEntryID.CompareAndSwap(last, next) {
			return next
		}
	}
}

// getOrCreateTopic returns the live topic for name, replacing any dead
// instance still lingering in the table.
func (b *Broker) getOrCreateTopic(name string) *Topic {
	for {
		if v, ok := b.topics.Load(name); ok {
			topic := v.(*Topic)
			if !topic.isDead() {
				return topic
			}
			b.topics.CompareAndDelete(name, v)
			continue
		}
		topic := newTopic(name, b.logger, topicHooks{
			matchFilter: b.evaluator.Matches,
			onDead:      b.topicDied,
		})
		if _, loaded := b.topics.LoadOrStore(name, topic); !loaded {
			return topic
		}
	}
}

// topicFor returns the topic for name if one exists.
func (b *Broker) topicFor(name string) (*Topic, bool) {
	v, ok := b.topics.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Topic), true
}

// topicDied drops a terminal topic from the table and notifies observers.
func (b *Broker) topicDied(t *Topic) {
	b.topics.CompareAndDelete(t.name, t)
	if err := b.notifications.NotifyTopicDead(context.Background(), t.name); err != nil {
		b.logger.Warnf("topic notification failed: %v", err)
	}
}

// getOrCreateSession returns the delivery session for a subscriber, creating
// it on first use.
func (b *Broker) getOrCreateSession(subscriberID string) *session {
	if v, ok := b.sessions.Load(subscriberID); ok {
		return v.(*session)
	}
	v, _ := b.sessions.LoadOrStore(subscriberID, newSession(subscriberID, b.queueCapacity))
	return v.(*session)
}

// sessionFor returns the subscriber's session if one exists.
func (b *Broker) sessionFor(subscriberID string) (*session, bool) {
	v, ok := b.sessions.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// sessionSnapshot returns the current sessions for a dispatcher sweep.
func (b *Broker) sessionSnapshot() []*session {
	var out []*session
	b.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*session))
		return true
	})
	return out
}

// entryFor resolves a queued reference to its stored entry.
func (b *Broker) entryFor(topicName string, entryID int64) (*model.MessageEntry, error) {
	topic, ok := b.topicFor(topicName)
	if !ok {
		return nil, NewError(ErrCodeNotFound, fmt.Sprintf("topic %q does not exist", topicName))
	}
	return topic.entry(entryID)
}

// releaseRef releases one delivery queue slot's store reference and lets the
// owning topic re-check its lifecycle.
func (b *Broker) releaseRef(topicName string, entryID int64) {
	if topic, ok := b.topicFor(topicName); ok {
		topic.entryReleased(entryID)
	}
}
