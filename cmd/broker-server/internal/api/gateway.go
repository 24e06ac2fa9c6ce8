package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coregx/broker"
	"github.com/coregx/broker/model"
)

// WebhookGateway implements broker.DeliveryGateway by POSTing queued entries
// to the callback URL each subscriber registered at subscribe time.
//
// Error classification: a subscriber answering 410 Gone has abandoned its
// callback and gets its session terminated; everything else (network errors,
// 5xx, missing registration) is transient and retried per the dispatcher's
// strategy.
type WebhookGateway struct {
	mu     sync.RWMutex
	urls   map[string]string // subscriber id -> callback URL
	client *http.Client
}

// NewWebhookGateway creates a gateway with a shared HTTP client.
func NewWebhookGateway() *WebhookGateway {
	return &WebhookGateway{
		urls:   make(map[string]string),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Register binds a subscriber to its callback URL. A later Register for the
// same subscriber replaces the URL.
func (g *WebhookGateway) Register(subscriberID, callbackURL string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.urls[subscriberID] = callbackURL
}

// Unregister drops a subscriber's callback URL.
func (g *WebhookGateway) Unregister(subscriberID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.urls, subscriberID)
}

// deliveryPayload is the JSON body POSTed to callback URLs.
type deliveryPayload struct {
	EntryID     int64  `json:"entryID"`
	TopicName   string `json:"topicName"`
	Payload     []byte `json:"payload"`
	ContentType string `json:"contentType"`
	Priority    int    `json:"priority"`
	PublisherID string `json:"publisherID"`
}

// Deliver implements broker.DeliveryGateway.
func (g *WebhookGateway) Deliver(ctx context.Context, subscriberID string, entry *model.MessageEntry) error {
	g.mu.RLock()
	url, ok := g.urls[subscriberID]
	g.mu.RUnlock()
	if !ok {
		return broker.NewDeliveryError(subscriberID,
			fmt.Errorf("no callback registered for subscriber %q", subscriberID))
	}

	body, err := json.Marshal(deliveryPayload{
		EntryID:     entry.ID,
		TopicName:   entry.TopicName,
		Payload:     entry.Payload,
		ContentType: entry.ContentType,
		Priority:    entry.Priority,
		PublisherID: entry.PublisherID,
	})
	if err != nil {
		return broker.NewDeliveryError(subscriberID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return broker.NewDeliveryError(subscriberID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return broker.NewDeliveryError(subscriberID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone:
		return broker.NewFatalDeliveryError(subscriberID,
			fmt.Errorf("callback %s answered 410 Gone", url))
	default:
		return broker.NewDeliveryError(subscriberID,
			fmt.Errorf("callback %s answered %s", url, resp.Status))
	}
}
