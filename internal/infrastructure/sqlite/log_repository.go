package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/kiln/internal/domain"
)

// logColumns is the list of columns to select for log queries.
const logColumns = `id, level, agent_id, job_id, message, metadata, created_at`

// logRepository implements domain.LogRepository using SQLite.
type logRepository struct {
	db *sql.DB
}

// newLogRepository creates a new logRepository instance.
func newLogRepository(db *sql.DB) *logRepository {
	return &logRepository{db: db}
}

// Ensure logRepository implements domain.LogRepository.
var _ domain.LogRepository = (*logRepository)(nil)

// scanLogEntry scans a row directly into a domain LogEntry.
func scanLogEntry(scanner interface{ Scan(...any) error }) (*domain.LogEntry, error) {
	var (
		entry     domain.LogEntry
		agentID   *string
		metadata  *string
		createdAt int64
	)
	err := scanner.Scan(
		&entry.ID, &entry.Level, &agentID, &entry.JobID,
		&entry.Message, &metadata, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if agentID != nil {
		entry.AgentID = *agentID
	}
	if metadata != nil {
		_ = json.Unmarshal([]byte(*metadata), &entry.Metadata)
	}
	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &entry, nil
}

// Save appends a log entry and sets its ID. Entries are never updated.
func (r *logRepository) Save(entry *domain.LogEntry) error {
	var agentID *string
	if entry.AgentID != "" {
		agentID = &entry.AgentID
	}
	var metadata *string
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err == nil {
			text := string(encoded)
			metadata = &text
		}
	}

	result, err := r.db.Exec(
		`INSERT INTO logs (level, agent_id, job_id, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(entry.Level), agentID, entry.JobID, entry.Message, metadata,
		entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// List retrieves log entries matching the given filter criteria.
// Results are ordered newest first.
func (r *logRepository) List(filter domain.LogListFilter) ([]*domain.LogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM logs WHERE 1=1`
	args := []any{}

	if filter.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(filter.Level))
	}

	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}

	if filter.JobID != nil {
		query += ` AND job_id = ?`
		args = append(args, *filter.JobID)
	}

	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*domain.LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log rows: %w", err)
	}

	return entries, nil
}

// DeleteOlderThan removes entries created before the cutoff, optionally
// restricted to one agent. Returns the number of entries removed.
func (r *logRepository) DeleteOlderThan(cutoff time.Time, agentID string) (int, error) {
	query := `DELETE FROM logs WHERE created_at < ?`
	args := []any{cutoff.Unix()}

	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}

	result, err := r.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete log entries: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}
