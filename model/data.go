// Package model contains all domain models and data structures for the broker engine.
package model

// Metadata represents a map of key-value pairs describing a topic.
// Query subscriptions and delivery filters are evaluated against it.
type Metadata map[string]string

// Clone returns an independent copy of the metadata.
// Payload bytes and metadata are treated as immutable once stored, so
// anything handed to a topic at creation time is copied first.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Reserved topic names.
const (
	// SystemTopicPrefix marks broker-internal topics. Ordinary clients
	// cannot publish or erase under this prefix.
	SystemTopicPrefix = "__sys__"

	// DeadMessageTopic is the well-known system topic that receives a
	// dead-letter publication for every undeliverable message.
	DeadMessageTopic = "__sys__deadMessage"
)

// IsSystemTopic reports whether name is reserved for broker internals.
func IsSystemTopic(name string) bool {
	return len(name) >= len(SystemTopicPrefix) && name[:len(SystemTopicPrefix)] == SystemTopicPrefix
}
