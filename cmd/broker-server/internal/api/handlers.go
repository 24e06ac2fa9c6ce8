// Package api provides HTTP handlers for the broker server REST API.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coregx/broker"
	"github.com/coregx/broker/model"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	broker  *broker.Broker
	gateway *WebhookGateway
	logger  broker.Logger
}

// NewHandler creates a new API handler.
func NewHandler(b *broker.Broker, gateway *WebhookGateway, logger broker.Logger) *Handler {
	return &Handler{
		broker:  b,
		gateway: gateway,
		logger:  logger,
	}
}

// SubscribeRequest represents a subscription creation request. CallbackURL
// is where queued messages are POSTed; without one the subscription queues
// messages that no dispatcher sweep can deliver.
type SubscribeRequest struct {
	SubscriberID string                    `json:"subscriberID"`
	TopicName    string                    `json:"topicName,omitempty"`
	Query        string                    `json:"query,omitempty"`
	CallbackURL  string                    `json:"callbackURL"`
	Options      model.SubscriptionOptions `json:"options"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandlePublish handles POST /api/v1/publish
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req broker.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	result, err := h.broker.Publish(r.Context(), req)
	if err != nil {
		h.respondBrokerError(w, err, "Failed to publish message", "PUBLISH_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusCreated, result, "Message published successfully")
}

// HandleSubscribe handles POST /api/v1/subscribe
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}
	if req.CallbackURL != "" {
		h.gateway.Register(req.SubscriberID, req.CallbackURL)
	}

	subscription, err := h.broker.Subscribe(r.Context(), broker.SubscribeRequest{
		SubscriberID: req.SubscriberID,
		TopicName:    req.TopicName,
		Query:        req.Query,
		Options:      req.Options,
	})
	if err != nil {
		h.respondBrokerError(w, err, "Failed to create subscription", "SUBSCRIBE_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusCreated, subscription, "Subscription created successfully")
}

// HandleUnsubscribe handles DELETE /api/v1/subscriptions/:id?subscriberID=...
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	pathParts := splitPath(r.URL.Path)
	if len(pathParts) < 4 {
		h.respondError(w, http.StatusBadRequest, "Invalid subscription ID", "INVALID_ID")
		return
	}

	err := h.broker.Unsubscribe(r.Context(), broker.UnsubscribeRequest{
		SubscriberID:   r.URL.Query().Get("subscriberID"),
		SubscriptionID: pathParts[3],
	})
	if err != nil {
		h.respondBrokerError(w, err, "Failed to unsubscribe", "UNSUBSCRIBE_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, nil, "Unsubscribed successfully")
}

// HandleGet handles GET /api/v1/messages?requesterID=...&topicName=...
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	q := r.URL.Query()
	maxEntries, _ := strconv.Atoi(q.Get("maxEntries"))
	oldestFirst, _ := strconv.ParseBool(q.Get("oldestFirst"))

	entries, err := h.broker.Get(r.Context(), broker.GetRequest{
		RequesterID: q.Get("requesterID"),
		TopicName:   q.Get("topicName"),
		Query:       q.Get("query"),
		MaxEntries:  maxEntries,
		OldestFirst: oldestFirst,
	})
	if err != nil {
		h.respondBrokerError(w, err, "Failed to read messages", "GET_ERROR")
		return
	}
	if entries == nil {
		entries = []*model.MessageEntry{}
	}

	h.respondSuccess(w, http.StatusOK, entries, "")
}

// HandleErase handles POST /api/v1/erase
func (h *Handler) HandleErase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req broker.EraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	erased, err := h.broker.Erase(r.Context(), req)
	if err != nil {
		h.respondBrokerError(w, err, "Failed to erase topics", "ERASE_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, erased, "Topics erased successfully")
}

// HandleDisconnect handles POST /api/v1/disconnect?subscriberID=...
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	subscriberID := r.URL.Query().Get("subscriberID")
	if subscriberID == "" {
		h.respondError(w, http.StatusBadRequest, "subscriberID is required", "VALIDATION_ERROR")
		return
	}

	h.broker.SessionTerminated(r.Context(), subscriberID)
	h.gateway.Unregister(subscriberID)

	h.respondSuccess(w, http.StatusOK, nil, "Session terminated")
}

// HandleDump handles GET /api/v1/admin/dump
func (h *Handler) HandleDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	h.respondSuccess(w, http.StatusOK, h.broker.Dump(), "")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "0.1.0",
	}

	h.respondSuccess(w, http.StatusOK, health, "")
}

// respondBrokerError maps broker error categories to HTTP status codes.
func (h *Handler) respondBrokerError(w http.ResponseWriter, err error, message, code string) {
	switch {
	case broker.IsValidation(err):
		h.respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case broker.IsNotFound(err):
		h.respondError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case broker.IsAuthorization(err):
		h.respondError(w, http.StatusForbidden, err.Error(), "AUTHORIZATION_ERROR")
	case broker.IsQueueFull(err):
		h.respondError(w, http.StatusTooManyRequests, err.Error(), "QUEUE_FULL")
	default:
		h.logger.Errorf("%s: %v", message, err)
		h.respondError(w, http.StatusInternalServerError, message, code)
	}
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// splitPath splits a URL path into its non-empty segments.
func splitPath(path string) []string {
	parts := []string{}
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
