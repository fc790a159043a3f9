package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/kiln/internal/domain"
)

// metricColumns is the list of columns to select for metric queries.
const metricColumns = `id, metric_type, value, agent_id, created_at`

// metricRepository implements domain.MetricRepository using SQLite.
type metricRepository struct {
	db *sql.DB
}

// newMetricRepository creates a new metricRepository instance.
func newMetricRepository(db *sql.DB) *metricRepository {
	return &metricRepository{db: db}
}

// Ensure metricRepository implements domain.MetricRepository.
var _ domain.MetricRepository = (*metricRepository)(nil)

// scanMetric scans a row directly into a domain Metric.
func scanMetric(scanner interface{ Scan(...any) error }) (*domain.Metric, error) {
	var (
		metric    domain.Metric
		agentID   *string
		createdAt int64
	)
	err := scanner.Scan(
		&metric.ID, &metric.MetricType, &metric.Value, &agentID, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if agentID != nil {
		metric.AgentID = *agentID
	}
	metric.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &metric, nil
}

// Save appends a metric sample and sets its ID.
func (r *metricRepository) Save(metric *domain.Metric) error {
	var agentID *string
	if metric.AgentID != "" {
		agentID = &metric.AgentID
	}

	result, err := r.db.Exec(
		`INSERT INTO metrics (metric_type, value, agent_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		metric.MetricType, metric.Value, agentID, metric.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	metric.ID = id
	return nil
}

// List retrieves metric samples matching the given filter criteria.
// Results are ordered newest first.
func (r *metricRepository) List(filter domain.MetricListFilter) ([]*domain.Metric, error) {
	query := `SELECT ` + metricColumns + ` FROM metrics WHERE 1=1`
	args := []any{}

	if filter.MetricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, filter.MetricType)
	}

	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}

	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []*domain.Metric
	for rows.Next() {
		metric, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		metrics = append(metrics, metric)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metric rows: %w", err)
	}

	return metrics, nil
}

// Summary aggregates samples per metric type over the window starting at
// since: count, average, min, max, and the most recent value.
func (r *metricRepository) Summary(since time.Time) (map[string]*domain.MetricSummary, error) {
	rows, err := r.db.Query(
		`SELECT
			metric_type,
			COUNT(*),
			AVG(value),
			MIN(value),
			MAX(value),
			(SELECT m2.value FROM metrics m2
			 WHERE m2.metric_type = m.metric_type AND m2.created_at >= ?
			 ORDER BY m2.created_at DESC, m2.id DESC LIMIT 1)
		FROM metrics m
		WHERE m.created_at >= ?
		GROUP BY metric_type`,
		since.Unix(), since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summary := make(map[string]*domain.MetricSummary)
	for rows.Next() {
		var metricType string
		var s domain.MetricSummary
		if err := rows.Scan(&metricType, &s.Count, &s.Avg, &s.Min, &s.Max, &s.Latest); err != nil {
			return nil, fmt.Errorf("failed to scan metric summary row: %w", err)
		}
		summary[metricType] = &s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metric summary rows: %w", err)
	}

	return summary, nil
}
