package broker

import (
	"sync"

	"github.com/coregx/broker/model"
)

// registration couples a domain subscription with its session's delivery
// queue. The registry and the topics share the same registration instance,
// so multiplicity and queue state stay consistent.
type registration struct {
	sub  *model.Subscription
	sess *session
}

// SubscriptionRegistry maps subscription identifiers to registrations,
// split into exact subscriptions (attached to one topic) and query
// subscriptions (evaluated against every newly-configured topic).
//
// Exact subscriptions are additionally held by their Topic for scan-free
// delivery; the registry's per-subscriber and per-target indexes exist for
// multiplicity folding, cascade removal and session cleanup.
//
// Thread safety: safe for concurrent use.
type SubscriptionRegistry struct {
	mu sync.RWMutex

	byID     map[string]*registration
	queries  map[string]*registration // query parents by id
	children map[string][]string      // query parent id -> materialized child ids

	bySubscriber map[string]map[string]struct{} // subscriber id -> subscription ids
	exactIndex   map[string]map[string]string   // subscriber id -> topic name -> subscription id
	queryIndex   map[string]map[string]string   // subscriber id -> query -> subscription id
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byID:         make(map[string]*registration),
		queries:      make(map[string]*registration),
		children:     make(map[string][]string),
		bySubscriber: make(map[string]map[string]struct{}),
		exactIndex:   make(map[string]map[string]string),
		queryIndex:   make(map[string]map[string]string),
	}
}

// Add registers reg under all indexes.
func (r *SubscriptionRegistry) Add(reg *registration) {
	sub := reg.sub

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[sub.ID] = reg

	if _, ok := r.bySubscriber[sub.SubscriberID]; !ok {
		r.bySubscriber[sub.SubscriberID] = make(map[string]struct{})
	}
	r.bySubscriber[sub.SubscriberID][sub.ID] = struct{}{}

	if sub.IsQuery() {
		r.queries[sub.ID] = reg
		if _, ok := r.queryIndex[sub.SubscriberID]; !ok {
			r.queryIndex[sub.SubscriberID] = make(map[string]string)
		}
		r.queryIndex[sub.SubscriberID][sub.Query] = sub.ID
		return
	}

	// Materialized query matches are not folded into the exact index:
	// a direct subscribe to the same topic is a distinct registration.
	if sub.ParentID == "" {
		if _, ok := r.exactIndex[sub.SubscriberID]; !ok {
			r.exactIndex[sub.SubscriberID] = make(map[string]string)
		}
		r.exactIndex[sub.SubscriberID][sub.TopicName] = sub.ID
	} else {
		r.children[sub.ParentID] = append(r.children[sub.ParentID], sub.ID)
	}
}

// Remove unregisters the subscription id and returns its registration.
func (r *SubscriptionRegistry) Remove(id string) (*registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *SubscriptionRegistry) removeLocked(id string) (*registration, bool) {
	reg, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	sub := reg.sub
	delete(r.byID, id)

	if subs := r.bySubscriber[sub.SubscriberID]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.bySubscriber, sub.SubscriberID)
		}
	}

	if sub.IsQuery() {
		delete(r.queries, id)
		if idx := r.queryIndex[sub.SubscriberID]; idx != nil {
			delete(idx, sub.Query)
			if len(idx) == 0 {
				delete(r.queryIndex, sub.SubscriberID)
			}
		}
		return reg, true
	}

	if sub.ParentID == "" {
		if idx := r.exactIndex[sub.SubscriberID]; idx != nil {
			delete(idx, sub.TopicName)
			if len(idx) == 0 {
				delete(r.exactIndex, sub.SubscriberID)
			}
		}
	} else {
		ids := r.children[sub.ParentID]
		for i, child := range ids {
			if child == id {
				r.children[sub.ParentID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(r.children[sub.ParentID]) == 0 {
			delete(r.children, sub.ParentID)
		}
	}
	return reg, true
}

// RetainExact folds a repeated exact subscribe into the existing
// registration's multiplicity counter. The bump happens under the write lock
// so concurrent duplicate subscribes serialize on the counter. Returns the
// registration and the new count.
func (r *SubscriptionRegistry) RetainExact(subscriberID, topicName string) (*registration, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.exactIndex[subscriberID][topicName]
	if !ok {
		return nil, 0, false
	}
	return r.retainLocked(id)
}

// RetainQuery folds a repeated query subscribe, same contract as RetainExact.
func (r *SubscriptionRegistry) RetainQuery(subscriberID, query string) (*registration, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.queryIndex[subscriberID][query]
	if !ok {
		return nil, 0, false
	}
	return r.retainLocked(id)
}

func (r *SubscriptionRegistry) retainLocked(id string) (*registration, int, bool) {
	reg, ok := r.byID[id]
	if !ok {
		return nil, 0, false
	}
	return reg, reg.sub.Retain(), true
}

// Release lowers a registration's multiplicity under the write lock. When the
// counter reaches zero the registration is unregistered and returned with
// removed set; the caller detaches it from its topic and children.
func (r *SubscriptionRegistry) Release(id string) (reg *registration, removed, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return nil, false, false
	}
	if reg.sub.Release() > 0 {
		return reg, false, true
	}
	r.removeLocked(id)
	return reg, true, true
}

// Get returns the registration for id.
func (r *SubscriptionRegistry) Get(id string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg, ok
}

// FindExact returns the subscriber's direct exact subscription on topicName,
// used to fold repeated subscribe calls into the multiplicity counter.
func (r *SubscriptionRegistry) FindExact(subscriberID, topicName string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.exactIndex[subscriberID][topicName]
	if !ok {
		return nil, false
	}
	reg, ok := r.byID[id]
	return reg, ok
}

// FindQuery returns the subscriber's query subscription with the identical
// query string.
func (r *SubscriptionRegistry) FindQuery(subscriberID, query string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.queryIndex[subscriberID][query]
	if !ok {
		return nil, false
	}
	reg, ok := r.byID[id]
	return reg, ok
}

// QuerySubscriptions returns a snapshot of all query parents. Topics are
// tested against this set once, at their moment of configuration.
func (r *SubscriptionRegistry) QuerySubscriptions() []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*registration, 0, len(r.queries))
	for _, reg := range r.queries {
		out = append(out, reg)
	}
	return out
}

// Children returns the ids materialized from a query parent. Unsubscribing
// the parent cascades over these.
func (r *SubscriptionRegistry) Children(parentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.children[parentID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// SubscriptionsOf returns all subscription ids owned by a subscriber,
// used for session cleanup.
func (r *SubscriptionRegistry) SubscriptionsOf(subscriberID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bySubscriber[subscriberID]))
	for id := range r.bySubscriber[subscriberID] {
		out = append(out, id)
	}
	return out
}

// Counts returns the number of exact and query registrations.
func (r *SubscriptionRegistry) Counts() (exact, query int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID) - len(r.queries), len(r.queries)
}
