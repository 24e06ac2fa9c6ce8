package broker

import (
	"sort"
	"time"
)

// TopicDump is a point-in-time snapshot of one topic for operator
// introspection. Counts may be mutually inconsistent across topics since
// each topic is snapshotted under its own lock.
type TopicDump struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	NumSubscribers  int       `json:"numSubscribers"`
	HistoryEntries  int       `json:"historyEntries"`
	StoreEntries    int       `json:"storeEntries"`
	StoreBytes      int64     `json:"storeBytes"`
	SubscriptionIDs []string  `json:"subscriptionIDs,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// SessionDump is a point-in-time snapshot of one subscriber session.
type SessionDump struct {
	SubscriberID  string    `json:"subscriberID"`
	QueuedEntries int       `json:"queuedEntries"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Dump is the broker-wide admin snapshot.
type Dump struct {
	Topics             []TopicDump   `json:"topics"`
	Sessions           []SessionDump `json:"sessions"`
	ExactSubscriptions int           `json:"exactSubscriptions"`
	QuerySubscriptions int           `json:"querySubscriptions"`
	TakenAt            time.Time     `json:"takenAt"`
}

// Dump snapshots every topic and session for admin introspection. Intended
// for debugging endpoints and operator tooling, not for hot paths.
func (b *Broker) Dump() Dump {
	d := Dump{TakenAt: time.Now()}

	b.topics.Range(func(_, v any) bool {
		d.Topics = append(d.Topics, v.(*Topic).dump())
		return true
	})
	sort.Slice(d.Topics, func(i, j int) bool { return d.Topics[i].Name < d.Topics[j].Name })

	for _, sess := range b.sessionSnapshot() {
		d.Sessions = append(d.Sessions, SessionDump{
			SubscriberID:  sess.id,
			QueuedEntries: sess.queue.Len(),
			CreatedAt:     sess.createdAt,
		})
	}
	sort.Slice(d.Sessions, func(i, j int) bool { return d.Sessions[i].SubscriberID < d.Sessions[j].SubscriberID })

	d.ExactSubscriptions, d.QuerySubscriptions = b.registry.Counts()
	return d
}
