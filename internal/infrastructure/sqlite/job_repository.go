package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/kiln/internal/domain"
)

// jobColumns is the list of columns to select for job queries.
const jobColumns = `id, job_type, status, started_at, completed_at, duration_seconds, model, error_message,
	created_at, updated_at`

// jobRepository implements domain.JobRepository using SQLite.
type jobRepository struct {
	db *sql.DB
}

// newJobRepository creates a new jobRepository instance.
func newJobRepository(db *sql.DB) *jobRepository {
	return &jobRepository{db: db}
}

// Ensure jobRepository implements domain.JobRepository.
var _ domain.JobRepository = (*jobRepository)(nil)

// scanJob scans a row directly into a domain Job.
func scanJob(scanner interface{ Scan(...any) error }) (*domain.Job, error) {
	var (
		job         domain.Job
		startedAt   *int64
		completedAt *int64
		createdAt   int64
		updatedAt   int64
	)
	err := scanner.Scan(
		&job.ID, &job.JobType, &job.Status,
		&startedAt, &completedAt, &job.DurationSeconds,
		&job.Model, &job.ErrorMessage,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt != nil {
		t := time.Unix(*startedAt, 0).UTC()
		job.StartedAt = &t
	}
	if completedAt != nil {
		t := time.Unix(*completedAt, 0).UTC()
		job.CompletedAt = &t
	}
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	job.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &job, nil
}

// Save persists a job to the database.
// For new jobs (ID == 0), inserts a new row and sets the job ID.
// For existing jobs (ID > 0), updates the existing row.
func (r *jobRepository) Save(job *domain.Job) error {
	var startedAt, completedAt *int64
	if job.StartedAt != nil {
		v := job.StartedAt.Unix()
		startedAt = &v
	}
	if job.CompletedAt != nil {
		v := job.CompletedAt.Unix()
		completedAt = &v
	}

	if job.ID == 0 {
		result, err := r.db.Exec(
			`INSERT INTO jobs (
				job_type, status, started_at, completed_at, duration_seconds,
				model, error_message, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.JobType, string(job.Status), startedAt, completedAt, job.DurationSeconds,
			job.Model, job.ErrorMessage, job.CreatedAt.Unix(), job.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		job.ID = id
		return nil
	}

	_, err := r.db.Exec(
		`UPDATE jobs SET
			status = ?, started_at = ?, completed_at = ?, duration_seconds = ?,
			model = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Status), startedAt, completedAt, job.DurationSeconds,
		job.Model, job.ErrorMessage, job.UpdatedAt.Unix(),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// FindByID retrieves a job by its database ID.
// Returns JobNotFoundError if no matching job exists.
func (r *jobRepository) FindByID(id int64) (*domain.Job, error) {
	row := r.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		id,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.JobNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job by id: %w", err)
	}
	return job, nil
}

// List retrieves jobs matching the given filter criteria.
// Results are ordered newest first.
func (r *jobRepository) List(filter domain.JobListFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}

	return jobs, nil
}

// Delete removes a job record.
// Returns JobNotFoundError if no matching job exists.
func (r *jobRepository) Delete(id int64) error {
	result, err := r.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.JobNotFoundError{ID: id}
	}
	return nil
}
