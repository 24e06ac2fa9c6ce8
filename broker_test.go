package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coregx/broker/model"
	"github.com/coregx/broker/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGateway records deliveries and fails on demand, per subscriber.
type fakeGateway struct {
	mu        sync.Mutex
	delivered map[string][]*model.MessageEntry
	failures  map[string][]error // consumed front to back
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		delivered: make(map[string][]*model.MessageEntry),
		failures:  make(map[string][]error),
	}
}

func (g *fakeGateway) failNext(subscriberID string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[subscriberID] = append(g.failures[subscriberID], errs...)
}

func (g *fakeGateway) Deliver(_ context.Context, subscriberID string, entry *model.MessageEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if errs := g.failures[subscriberID]; len(errs) > 0 {
		g.failures[subscriberID] = errs[1:]
		return errs[0]
	}
	g.delivered[subscriberID] = append(g.delivered[subscriberID], entry)
	return nil
}

func (g *fakeGateway) received(subscriberID string) []*model.MessageEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*model.MessageEntry, len(g.delivered[subscriberID]))
	copy(out, g.delivered[subscriberID])
	return out
}

// fakePersistence is an in-memory PersistentStore.
type fakePersistence struct {
	mu      sync.Mutex
	entries map[string]*model.MessageEntry
	erased  []string
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{entries: make(map[string]*model.MessageEntry)}
}

func (p *fakePersistence) Store(_ context.Context, entry *model.MessageEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[entry.TopicName] = entry
	return nil
}

func (p *fakePersistence) Erase(_ context.Context, topicName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, topicName)
	p.erased = append(p.erased, topicName)
	return nil
}

func (p *fakePersistence) FetchAllOids(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for name := range p.entries {
		out = append(out, name)
	}
	return out, nil
}

func (p *fakePersistence) Fetch(_ context.Context, topicName string) (*model.MessageEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[topicName]
	if !ok {
		return nil, ErrNoData
	}
	return entry, nil
}

// denyAuthorizer refuses everything.
type denyAuthorizer struct{}

func (denyAuthorizer) IsAuthorized(context.Context, string, Action, string) bool { return false }

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	b, err := New(append([]Option{WithLogger(&NoopLogger{})}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func newTestDispatcher(t *testing.T, b *Broker, gateway DeliveryGateway, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(append([]DispatcherOption{
		WithDispatcherBroker(b),
		WithDispatcherGateway(gateway),
		WithDispatcherLogger(&NoopLogger{}),
	}, opts...)...)
	require.NoError(t, err)
	return d
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = New(WithLogger(nil))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestBroker_PublishSubscribeRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	gateway := newFakeGateway()
	dispatcher := newTestDispatcher(t, b, gateway)

	sub, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "sensor.temperature"})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)

	result, err := b.Publish(ctx, PublishRequest{
		PublisherID: "bob",
		TopicName:   "sensor.temperature",
		Payload:     []byte("21.5"),
		ContentType: "text/plain",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.NotZero(t, result.EntryID)

	dispatcher.Sweep(ctx)

	got := gateway.received("alice")
	require.Len(t, got, 1)
	assert.Equal(t, []byte("21.5"), got[0].Payload)
	assert.Equal(t, "sensor.temperature", got[0].TopicName)
	assert.Equal(t, "bob", got[0].PublisherID)
}

func TestBroker_SubscribeCreatesUnconfiguredTopic(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "future.topic"})
	require.NoError(t, err)

	topic, ok := b.topicFor("future.topic")
	require.True(t, ok)
	assert.Equal(t, model.TopicStateUnconfigured, topic.State())
}

func TestBroker_MultiplicityFold(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	first, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)
	second, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Multiplicity)

	// First unsubscribe only lowers the counter.
	require.NoError(t, b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", TopicName: "t"}))
	result, err := b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	// Second unsubscribe removes it; a third is not found.
	require.NoError(t, b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", TopicName: "t"}))
	err = b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	assert.True(t, IsNotFound(err))
}

func TestBroker_UnconfiguredTopicReclaimedOnLastUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "ghost"})
	require.NoError(t, err)
	_, ok := b.topicFor("ghost")
	require.True(t, ok)

	// Nothing was ever published, so the topic has no reason to outlive its
	// only subscription.
	require.NoError(t, b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", TopicName: "ghost"}))
	_, ok = b.topicFor("ghost")
	assert.False(t, ok)

	// Resubscribing recreates the name from scratch.
	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "ghost"})
	require.NoError(t, err)
	topic, ok := b.topicFor("ghost")
	require.True(t, ok)
	assert.Equal(t, model.TopicStateUnconfigured, topic.State())
}

func TestBroker_ConcurrentDuplicateSubscribes(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	first, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)

	const dups = 8
	var wg sync.WaitGroup
	for i := 0; i < dups; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
			assert.NoError(t, err)
			assert.Equal(t, first.ID, sub.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1+dups, first.Multiplicity)

	// Every fold unwinds through the same counter.
	for i := 0; i < dups; i++ {
		require.NoError(t, b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", TopicName: "t"}))
	}
	exact, _ := b.registry.Counts()
	assert.Equal(t, 1, exact)

	require.NoError(t, b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", TopicName: "t"}))
	err = b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	assert.True(t, IsNotFound(err))
}

func TestBroker_SubscribeDuringSoftEraseRejected(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("x")})
	require.NoError(t, err)

	// Non-forced erase defers teardown while alice's queued delivery still
	// references the entry; the topic sits in SOFT_ERASED.
	_, err = b.Erase(ctx, EraseRequest{RequesterID: "admin", TopicName: "t"})
	require.NoError(t, err)
	topic, ok := b.topicFor("t")
	require.True(t, ok)
	require.Equal(t, model.TopicStateSoftErased, topic.State())

	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "carol", TopicName: "t"})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Empty(t, b.registry.SubscriptionsOf("carol"))
}

func TestBroker_UnsubscribeBySubscriptionID(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	sub, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)

	// Someone else's id is refused.
	err = b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "mallory", SubscriptionID: sub.ID})
	assert.True(t, IsAuthorization(err))

	require.NoError(t, b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", SubscriptionID: sub.ID}))
	err = b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", SubscriptionID: sub.ID})
	assert.True(t, IsNotFound(err))
}

func TestBroker_QuerySubscriptionMaterializes(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	gateway := newFakeGateway()
	dispatcher := newTestDispatcher(t, b, gateway)

	sub, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", Query: "region=west"})
	require.NoError(t, err)
	assert.True(t, sub.IsQuery())

	// A matching topic configured after the query subscription delivers the
	// in-flight first message.
	result, err := b.Publish(ctx, PublishRequest{
		PublisherID: "bob",
		TopicName:   "sensor.west.1",
		Payload:     []byte("21.5"),
		QoS:         PublishQoS{Metadata: model.Metadata{"region": "west"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	// A non-matching topic delivers nothing.
	result, err = b.Publish(ctx, PublishRequest{
		PublisherID: "bob",
		TopicName:   "sensor.east.1",
		Payload:     []byte("30.0"),
		QoS:         PublishQoS{Metadata: model.Metadata{"region": "east"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Delivered)

	dispatcher.Sweep(ctx)
	got := gateway.received("alice")
	require.Len(t, got, 1)
	assert.Equal(t, "sensor.west.1", got[0].TopicName)

	// Unsubscribing the query parent cascades over materialized children.
	require.NoError(t, b.Unsubscribe(ctx, UnsubscribeRequest{SubscriberID: "alice", SubscriptionID: sub.ID}))
	result, err = b.Publish(ctx, PublishRequest{
		PublisherID: "bob",
		TopicName:   "sensor.west.1",
		Payload:     []byte("22.0"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Delivered)
}

func TestBroker_QuerySubscriptionMatchesExistingTopics(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Publish(ctx, PublishRequest{
		PublisherID: "bob",
		TopicName:   "sensor.west.1",
		Payload:     []byte("21.5"),
		QoS:         PublishQoS{Metadata: model.Metadata{"region": "west"}},
	})
	require.NoError(t, err)

	// The query finds the already-configured topic and replays history.
	sub, err := b.Subscribe(ctx, SubscribeRequest{
		SubscriberID: "alice",
		Query:        "region=west",
		Options:      model.SubscriptionOptions{WantInitialUpdate: true},
	})
	require.NoError(t, err)

	children := b.registry.Children(sub.ID)
	require.Len(t, children, 1)

	sess, ok := b.sessionFor("alice")
	require.True(t, ok)
	assert.Equal(t, 1, sess.queue.Len())
}

func TestBroker_InvalidQuerySyntaxRejected(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", Query: "=broken"})
	assert.True(t, IsValidation(err))
}

func TestBroker_Get(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Get(ctx, GetRequest{RequesterID: "alice", TopicName: "missing"})
	assert.True(t, IsNotFound(err))

	for _, payload := range []string{"a", "b", "c"} {
		_, err := b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte(payload)})
		require.NoError(t, err)
	}

	entries, err := b.Get(ctx, GetRequest{RequesterID: "alice", TopicName: "t"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("c"), entries[0].Payload)

	entries, err = b.Get(ctx, GetRequest{RequesterID: "alice", TopicName: "t", MaxEntries: 10, OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("a"), entries[0].Payload)

	// Query get reads across matching topics.
	entries, err = b.Get(ctx, GetRequest{RequesterID: "alice", Query: "missing=x", MaxEntries: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBroker_Erase(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("x")})
	require.NoError(t, err)

	erased, err := b.Erase(ctx, EraseRequest{RequesterID: "admin", TopicName: "t", Force: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, erased)

	_, err = b.Get(ctx, GetRequest{RequesterID: "alice", TopicName: "t"})
	assert.True(t, IsNotFound(err))
	_, err = b.Erase(ctx, EraseRequest{RequesterID: "admin", TopicName: "t"})
	assert.True(t, IsNotFound(err))
}

func TestBroker_SystemTopicGuard(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Publish(ctx, PublishRequest{
		PublisherID: "mallory",
		TopicName:   model.DeadMessageTopic,
		Payload:     []byte("forged"),
	})
	assert.True(t, IsAuthorization(err))

	// The from-persistence flag arrives on the wire and buys no exception.
	_, err = b.Publish(ctx, PublishRequest{
		PublisherID: "mallory",
		TopicName:   model.DeadMessageTopic,
		Payload:     []byte("forged"),
		QoS:         PublishQoS{FromPersistence: true},
	})
	assert.True(t, IsAuthorization(err))

	// Subscribing to system topics is allowed.
	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: model.DeadMessageTopic})
	assert.NoError(t, err)
}

func TestBroker_AuthorizerDeniesEverything(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, WithAuthorizer(denyAuthorizer{}))

	_, err := b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("x")})
	assert.True(t, IsAuthorization(err))
	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	assert.True(t, IsAuthorization(err))
	_, err = b.Get(ctx, GetRequest{RequesterID: "alice", TopicName: "t"})
	assert.True(t, IsAuthorization(err))
	_, err = b.Erase(ctx, EraseRequest{RequesterID: "admin", TopicName: "t"})
	assert.True(t, IsAuthorization(err))
}

func TestBroker_RequestValidation(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Publish(ctx, PublishRequest{TopicName: "t", Payload: []byte("x")})
	assert.Error(t, err, "publisher id is required")

	_, err = b.Publish(ctx, PublishRequest{
		PublisherID: "bob", TopicName: "t",
		QoS: PublishQoS{Volatile: true, Persistent: true},
	})
	assert.Error(t, err, "volatile and persistent conflict")

	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t", Query: "a=b"})
	assert.Error(t, err, "exact and query are mutually exclusive")

	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice"})
	assert.Error(t, err, "one of topic or query is required")
}

func TestBroker_PointToPoint(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	gateway := newFakeGateway()
	dispatcher := newTestDispatcher(t, b, gateway)

	// Alice has a session because she subscribed to something unrelated.
	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "unrelated"})
	require.NoError(t, err)

	result, err := b.Publish(ctx, PublishRequest{
		PublisherID: "bob",
		TopicName:   "direct",
		Payload:     []byte("for you"),
		QoS: PublishQoS{Destinations: []model.Destination{
			{SubscriberID: "alice"},
			{SubscriberID: "offline"},
			{SubscriberID: "eager", ForceQueuing: true},
		}},
	})
	require.NoError(t, err)
	require.Len(t, result.Destinations, 3)

	byID := make(map[string]model.DestinationResult)
	for _, dest := range result.Destinations {
		byID[dest.SubscriberID] = dest
	}
	assert.True(t, byID["alice"].Queued)
	assert.False(t, byID["offline"].Queued)
	assert.NotEmpty(t, byID["offline"].Error)
	assert.True(t, byID["eager"].Queued, "force queuing creates the session")

	dispatcher.Sweep(ctx)
	assert.Len(t, gateway.received("alice"), 1)
	assert.Len(t, gateway.received("eager"), 1)
	assert.Empty(t, gateway.received("offline"))
}

func TestBroker_DeadLetterOnFatalDelivery(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	gateway := newFakeGateway()
	dispatcher := newTestDispatcher(t, b, gateway)

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "observer", TopicName: model.DeadMessageTopic})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)

	gateway.failNext("alice", NewFatalDeliveryError("alice", assert.AnError))

	_, err = b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("doomed")})
	require.NoError(t, err)

	dispatcher.Sweep(ctx)
	dispatcher.Sweep(ctx)

	// Alice's session is gone.
	_, ok := b.sessionFor("alice")
	assert.False(t, ok)

	// The observer saw the dead letter with the original payload.
	got := gateway.received("observer")
	require.Len(t, got, 1)
	assert.Equal(t, model.DeadMessageTopic, got[0].TopicName)

	var dl model.DeadLetter
	require.NoError(t, json.Unmarshal(got[0].Payload, &dl))
	assert.Equal(t, "alice", dl.SubscriberID)
	assert.Equal(t, "t", dl.TopicName)
	assert.Equal(t, []byte("doomed"), dl.Payload)
}

func TestBroker_SessionTerminatedCleansUp(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("x")})
	require.NoError(t, err)

	b.SessionTerminated(ctx, "alice")

	_, ok := b.sessionFor("alice")
	assert.False(t, ok)
	assert.Empty(t, b.registry.SubscriptionsOf("alice"))

	// A clean disconnect does not dead-letter pending deliveries.
	_, ok = b.topicFor(model.DeadMessageTopic)
	assert.False(t, ok)
}

func TestBroker_PersistenceWriteThroughAndRecovery(t *testing.T) {
	ctx := context.Background()
	persistence := newFakePersistence()

	b := newTestBroker(t, WithPersistentStore(persistence))
	_, err := b.Publish(ctx, PublishRequest{
		PublisherID: "bob",
		TopicName:   "durable.topic",
		Payload:     []byte("keep me"),
		QoS:         PublishQoS{Persistent: true},
	})
	require.NoError(t, err)

	stored, err := persistence.Fetch(ctx, "durable.topic")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), stored.Payload)

	// A fresh broker recovers the durable topic on startup.
	b2 := newTestBroker(t, WithPersistentStore(persistence))
	recovered, err := b2.RecoverPersistentTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	entries, err := b2.Get(ctx, GetRequest{RequesterID: "alice", TopicName: "durable.topic"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("keep me"), entries[0].Payload)

	// Erase removes the durable entry too.
	_, err = b2.Erase(ctx, EraseRequest{RequesterID: "admin", TopicName: "durable.topic", Force: true})
	require.NoError(t, err)
	_, err = persistence.Fetch(ctx, "durable.topic")
	assert.True(t, IsNotFound(err))
}

func TestBroker_QueueCapacityOverflowDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, WithQueueCapacity(1))

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "observer", TopicName: model.DeadMessageTopic})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)

	_, err = b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("a")})
	require.NoError(t, err)

	// The second fan-out overflows alice's queue; the publish still
	// succeeds and the overflow becomes a dead letter.
	result, err := b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Delivered)

	observer, ok := b.sessionFor("observer")
	require.True(t, ok)
	assert.Equal(t, 1, observer.queue.Len())
}

func TestBroker_Close(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, b.Close(ctx))

	_, err = b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("y")})
	assert.Error(t, err)
	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	assert.Error(t, err)

	// Closing twice is fine.
	require.NoError(t, b.Close(ctx))
}

func TestBroker_Dump(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("x")})
	require.NoError(t, err)

	d := b.Dump()
	require.Len(t, d.Topics, 1)
	assert.Equal(t, "t", d.Topics[0].Name)
	assert.Equal(t, 1, d.Topics[0].NumSubscribers)
	require.Len(t, d.Sessions, 1)
	assert.Equal(t, "alice", d.Sessions[0].SubscriberID)
	assert.Equal(t, 1, d.Sessions[0].QueuedEntries)
	assert.Equal(t, 1, d.ExactSubscriptions)
	assert.Equal(t, 0, d.QuerySubscriptions)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	gateway := newFakeGateway()
	dispatcher := newTestDispatcher(t, b, gateway, WithDispatcherRetryStrategy(retry.Strategy{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		ExponentialBase: 2.0,
	}))

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)
	gateway.failNext("alice", NewDeliveryError("alice", assert.AnError))

	_, err = b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("x")})
	require.NoError(t, err)

	dispatcher.Sweep(ctx)
	assert.Empty(t, gateway.received("alice"), "first attempt failed")

	assert.Eventually(t, func() bool {
		dispatcher.Sweep(ctx)
		return len(gateway.received("alice")) == 1
	}, time.Second, 5*time.Millisecond)

	sess, ok := b.sessionFor("alice")
	require.True(t, ok)
	assert.Equal(t, 0, sess.queue.Len())
}

func TestDispatcher_ExhaustedRetriesDeadLetter(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	gateway := newFakeGateway()
	dispatcher := newTestDispatcher(t, b, gateway, WithDispatcherRetryStrategy(retry.Strategy{
		MaxAttempts:     1,
		BaseDelay:       time.Millisecond,
		MaxDelay:        time.Millisecond,
		ExponentialBase: 2.0,
	}))

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "observer", TopicName: model.DeadMessageTopic})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)
	gateway.failNext("alice", NewDeliveryError("alice", assert.AnError))

	_, err = b.Publish(ctx, PublishRequest{PublisherID: "bob", TopicName: "t", Payload: []byte("x")})
	require.NoError(t, err)

	dispatcher.Sweep(ctx)
	dispatcher.Sweep(ctx)

	// One attempt allowed, so the entry went straight to the dead-letter
	// topic; alice's session survives.
	assert.Empty(t, gateway.received("alice"))
	require.Len(t, gateway.received("observer"), 1)
	_, ok := b.sessionFor("alice")
	assert.True(t, ok)

	sess, _ := b.sessionFor("alice")
	assert.Equal(t, 0, sess.queue.Len())
}

func TestDispatcher_DropsStaleEntries(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	gateway := newFakeGateway()
	dispatcher := newTestDispatcher(t, b, gateway)

	_, err := b.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TopicName: "t"})
	require.NoError(t, err)

	result, err := b.Publish(ctx, PublishRequest{
		PublisherID: "bob",
		TopicName:   "t",
		Payload:     []byte("fleeting"),
		QoS:         PublishQoS{TTL: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	// Wait for the TTL to mark the entry expired, then sweep.
	require.Eventually(t, func() bool {
		entry, err := b.entryFor("t", result.EntryID)
		return err == nil && !entry.IsAlive()
	}, time.Second, 5*time.Millisecond)

	dispatcher.Sweep(ctx)

	sess, ok := b.sessionFor("alice")
	require.True(t, ok)
	assert.Equal(t, 0, sess.queue.Len())
	assert.Empty(t, gateway.received("alice"), "expired entries are never delivered")
}
