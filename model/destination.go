package model

// Destination names one target of a point-to-point publish. PtP addressing
// bypasses subscription matching entirely: the entry is queued directly into
// each named destination's delivery channel.
type Destination struct {
	// SubscriberID is the session the message is addressed to.
	SubscriberID string `json:"subscriberID"`

	// ForceQueuing permits creating a delivery channel for a destination
	// that has no session yet. Without it, an unknown destination is a hard
	// failure for that destination only.
	ForceQueuing bool `json:"forceQueuing"`
}

// DestinationResult reports the per-destination outcome of a PtP publish.
// Other destinations still succeed when one fails.
type DestinationResult struct {
	SubscriberID string `json:"subscriberID"`
	Queued       bool   `json:"queued"`
	Error        string `json:"error,omitempty"`
}
