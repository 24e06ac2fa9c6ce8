package model

// TopicState represents the lifecycle state of a topic.
type TopicState string

const (
	// TopicStateUnconfigured indicates the topic exists only because of a
	// subscribe on an unseen name. No message was ever published, there is
	// no configuration yet.
	TopicStateUnconfigured TopicState = "UNCONFIGURED"

	// TopicStateAlive indicates the topic has a configuration and is
	// eligible for delivery.
	TopicStateAlive TopicState = "ALIVE"

	// TopicStateUnreferenced indicates the topic is configured but has zero
	// subscribers and zero stored/history messages. A destroy timer is running.
	TopicStateUnreferenced TopicState = "UNREFERENCED"

	// TopicStateSoftErased indicates an erase request arrived while messages
	// were still referenced by pending delivery queues. History is cleared
	// and subscribers are notified, full teardown is deferred.
	TopicStateSoftErased TopicState = "SOFT_ERASED"

	// TopicStateDead is terminal. All storage and timers are released.
	TopicStateDead TopicState = "DEAD"
)

// topicTransitions is the single source of truth for legal state changes.
// Every transition in the engine goes through TopicState.CanTransition; no
// call site decides on its own when to flip state.
var topicTransitions = map[TopicState]map[TopicState]bool{
	TopicStateUnconfigured: {
		TopicStateAlive: true, // first publish supplies configuration
		TopicStateDead:  true, // erase, or last subscription removed, before any publish
	},
	TopicStateAlive: {
		TopicStateUnreferenced: true, // last subscriber gone, store and history empty
		TopicStateSoftErased:   true, // non-forced erase with referenced entries
		TopicStateDead:         true, // forced erase
	},
	TopicStateUnreferenced: {
		TopicStateAlive:      true, // publish or subscribe before the destroy timer fires
		TopicStateSoftErased: true,
		TopicStateDead:       true, // destroy timer fired, or forced erase
	},
	TopicStateSoftErased: {
		TopicStateDead: true, // references drained, or forced erase
	},
	TopicStateDead: {},
}

// CanTransition reports whether moving from s to next is legal.
func (s TopicState) CanTransition(next TopicState) bool {
	return topicTransitions[s][next]
}

// IsTerminal reports whether no further transitions are possible.
func (s TopicState) IsTerminal() bool {
	return s == TopicStateDead
}

// String returns the state name.
func (s TopicState) String() string {
	return string(s)
}
