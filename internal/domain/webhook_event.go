package domain

import (
	"fmt"
	"time"
)

// WebhookEvent is one inbound delivery from the VCS host. The delivery id
// is globally unique, which makes intake replay-safe. ProjectID is empty
// when the delivery referenced an unknown repository.
type WebhookEvent struct {
	ID             int64
	ProjectID      string
	EventType      string
	DeliveryID     string
	Payload        string
	SignatureValid bool
	Status         WebhookEventStatus
	ProcessedAt    *time.Time
	ErrorMessage   string
	CreatedAt      time.Time
}

// NewWebhookEvent records a delivery before any downstream processing so
// failures stay diagnosable.
func NewWebhookEvent(eventType, deliveryID, payload string, now time.Time) (*WebhookEvent, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}
	if deliveryID == "" {
		return nil, fmt.Errorf("delivery_id is required")
	}
	return &WebhookEvent{
		EventType:  eventType,
		DeliveryID: deliveryID,
		Payload:    payload,
		Status:     WebhookEventPending,
		CreatedAt:  now.UTC(),
	}, nil
}

// MarkProcessing moves the event into the processing state.
func (e *WebhookEvent) MarkProcessing() {
	e.Status = WebhookEventProcessing
}

// MarkSuccess finishes processing successfully.
func (e *WebhookEvent) MarkSuccess(now time.Time) {
	utc := now.UTC()
	e.Status = WebhookEventSuccess
	e.ProcessedAt = &utc
	e.ErrorMessage = ""
}

// MarkFailed finishes processing with an error message.
func (e *WebhookEvent) MarkFailed(now time.Time, message string) {
	utc := now.UTC()
	e.Status = WebhookEventFailed
	e.ProcessedAt = &utc
	e.ErrorMessage = message
}
