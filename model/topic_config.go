package model

import "time"

// TopicConfig holds the per-topic configuration bound on first publish.
// A topic in state ALIVE always has a valid configuration.
type TopicConfig struct {
	// MaxHistoryEntries bounds the history queue. 0 switches history off.
	MaxHistoryEntries int `json:"maxHistoryEntries"`

	// DestroyDelay is the grace period a topic spends in UNREFERENCED before
	// final teardown. 0 destroys immediately, negative means the topic lives
	// until an explicit erase.
	DestroyDelay time.Duration `json:"destroyDelay"`

	// ReadOnly rejects further publishes once the topic holds at least one
	// history entry.
	ReadOnly bool `json:"readOnly"`

	// HistoryRequiresChange advances history only when the published content
	// differs from the most recent history entry. By default history records
	// every accepted publish, changed or not.
	HistoryRequiresChange bool `json:"historyRequiresChange"`
}

// Default topic configuration values.
const (
	DefaultMaxHistoryEntries = 10
	DefaultDestroyDelay      = 60 * time.Second
)

// DefaultTopicConfig returns the configuration bound to topics whose publish
// carries no explicit configuration.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		MaxHistoryEntries: DefaultMaxHistoryEntries,
		DestroyDelay:      DefaultDestroyDelay,
	}
}

// HistoryEnabled reports whether the topic records history at all.
func (c TopicConfig) HistoryEnabled() bool {
	return c.MaxHistoryEntries > 0
}
