package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/kiln/internal/domain"
)

// webhookEventColumns is the list of columns to select for webhook event queries.
const webhookEventColumns = `id, project_id, event_type, delivery_id, payload, signature_valid, status,
	processed_at, error_message, created_at`

// webhookEventRepository implements domain.WebhookEventRepository using SQLite.
type webhookEventRepository struct {
	db *sql.DB
}

// newWebhookEventRepository creates a new webhookEventRepository instance.
func newWebhookEventRepository(db *sql.DB) *webhookEventRepository {
	return &webhookEventRepository{db: db}
}

// Ensure webhookEventRepository implements domain.WebhookEventRepository.
var _ domain.WebhookEventRepository = (*webhookEventRepository)(nil)

// scanWebhookEvent scans a row directly into a domain WebhookEvent.
func scanWebhookEvent(scanner interface{ Scan(...any) error }) (*domain.WebhookEvent, error) {
	var (
		event       domain.WebhookEvent
		projectID   *string
		processedAt *int64
		createdAt   int64
	)
	err := scanner.Scan(
		&event.ID, &projectID, &event.EventType, &event.DeliveryID, &event.Payload,
		&event.SignatureValid, &event.Status, &processedAt, &event.ErrorMessage,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	if projectID != nil {
		event.ProjectID = *projectID
	}
	if processedAt != nil {
		t := time.Unix(*processedAt, 0).UTC()
		event.ProcessedAt = &t
	}
	event.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &event, nil
}

// Save persists a webhook event.
// For new events (ID == 0), inserts a new row and sets the event ID;
// a delivery id seen before surfaces as DuplicateDeliveryError.
// For existing events (ID > 0), updates the processing outcome.
func (r *webhookEventRepository) Save(event *domain.WebhookEvent) error {
	var projectID *string
	if event.ProjectID != "" {
		projectID = &event.ProjectID
	}
	var processedAt *int64
	if event.ProcessedAt != nil {
		v := event.ProcessedAt.Unix()
		processedAt = &v
	}

	if event.ID == 0 {
		result, err := r.db.Exec(
			`INSERT INTO webhook_events (
				project_id, event_type, delivery_id, payload, signature_valid, status,
				processed_at, error_message, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			projectID, event.EventType, event.DeliveryID, event.Payload,
			event.SignatureValid, string(event.Status),
			processedAt, event.ErrorMessage, event.CreatedAt.Unix(),
		)
		if isUniqueViolation(err, "webhook_events.delivery_id") {
			return &domain.DuplicateDeliveryError{DeliveryID: event.DeliveryID}
		}
		if err != nil {
			return fmt.Errorf("failed to insert webhook event: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		event.ID = id
		return nil
	}

	_, err := r.db.Exec(
		`UPDATE webhook_events SET
			project_id = ?, signature_valid = ?, status = ?, processed_at = ?, error_message = ?
		WHERE id = ?`,
		projectID, event.SignatureValid, string(event.Status), processedAt, event.ErrorMessage,
		event.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	return nil
}

// FindByDeliveryID retrieves an event by its provider-assigned delivery id.
// Returns WebhookEventNotFoundError if no matching event exists.
func (r *webhookEventRepository) FindByDeliveryID(deliveryID string) (*domain.WebhookEvent, error) {
	row := r.db.QueryRow(
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE delivery_id = ?`,
		deliveryID,
	)
	event, err := scanWebhookEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.WebhookEventNotFoundError{DeliveryID: deliveryID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find webhook event: %w", err)
	}
	return event, nil
}

// ListRecent retrieves the newest events up to limit; 0 means no limit.
func (r *webhookEventRepository) ListRecent(limit int) ([]*domain.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events ORDER BY created_at DESC, id DESC`
	args := []any{}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*domain.WebhookEvent
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook event rows: %w", err)
	}

	return events, nil
}
