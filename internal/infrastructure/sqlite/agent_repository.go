package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/kiln/internal/domain"
)

// agentColumns is the list of columns to select for agent queries.
const agentColumns = `id, name, type, status, last_active, created_at, updated_at`

// agentRepository implements domain.AgentRepository using SQLite.
type agentRepository struct {
	db *sql.DB
}

// newAgentRepository creates a new agentRepository instance.
func newAgentRepository(db *sql.DB) *agentRepository {
	return &agentRepository{db: db}
}

// Ensure agentRepository implements domain.AgentRepository.
var _ domain.AgentRepository = (*agentRepository)(nil)

// scanAgent scans a row directly into a domain Agent.
func scanAgent(scanner interface{ Scan(...any) error }) (*domain.Agent, error) {
	var (
		agent      domain.Agent
		lastActive *int64
		createdAt  int64
		updatedAt  int64
	)
	err := scanner.Scan(
		&agent.ID, &agent.Name, &agent.Type, &agent.Status,
		&lastActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastActive != nil {
		t := time.Unix(*lastActive, 0).UTC()
		agent.LastActive = &t
	}
	agent.CreatedAt = time.Unix(createdAt, 0).UTC()
	agent.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &agent, nil
}

// Save persists an agent. Agent ids are stable strings, so the row is
// upserted by id, which keeps the bootstrap seeding idempotent.
func (r *agentRepository) Save(agent *domain.Agent) error {
	var lastActive *int64
	if agent.LastActive != nil {
		v := agent.LastActive.Unix()
		lastActive = &v
	}

	_, err := r.db.Exec(
		`INSERT INTO agents (id, name, type, status, last_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			last_active = excluded.last_active,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, string(agent.Type), string(agent.Status),
		lastActive, agent.CreatedAt.Unix(), agent.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// FindByID retrieves an agent by its id.
// Returns AgentNotFoundError if no matching agent exists.
func (r *agentRepository) FindByID(id string) (*domain.Agent, error) {
	row := r.db.QueryRow(
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`,
		id,
	)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.AgentNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find agent by id: %w", err)
	}
	return agent, nil
}

// List retrieves all agents ordered by id for a stable display order.
func (r *agentRepository) List() ([]*domain.Agent, error) {
	rows, err := r.db.Query(
		`SELECT ` + agentColumns + ` FROM agents ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent rows: %w", err)
	}

	return agents, nil
}

// Delete removes an agent. Log and metric rows referencing it keep their
// history with the reference cleared.
// Returns AgentNotFoundError if no matching agent exists.
func (r *agentRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.AgentNotFoundError{ID: id}
	}
	return nil
}
