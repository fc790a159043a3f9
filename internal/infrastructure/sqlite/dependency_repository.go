package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/kiln/internal/domain"
)

// dependencyColumns is the list of columns to select for dependency queries.
const dependencyColumns = `id, project_id, component_name, version_spec, source, installed, installed_at,
	install_error, created_at`

// dependencyRepository implements domain.DependencyRepository using SQLite.
type dependencyRepository struct {
	db *sql.DB
}

// newDependencyRepository creates a new dependencyRepository instance.
func newDependencyRepository(db *sql.DB) *dependencyRepository {
	return &dependencyRepository{db: db}
}

// Ensure dependencyRepository implements domain.DependencyRepository.
var _ domain.DependencyRepository = (*dependencyRepository)(nil)

// scanDependency scans a row directly into a domain Dependency.
func scanDependency(scanner interface{ Scan(...any) error }) (*domain.Dependency, error) {
	var (
		dep         domain.Dependency
		installedAt *int64
		createdAt   int64
	)
	err := scanner.Scan(
		&dep.ID, &dep.ProjectID, &dep.ComponentName, &dep.VersionSpec, &dep.Source,
		&dep.Installed, &installedAt, &dep.InstallError, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if installedAt != nil {
		t := time.Unix(*installedAt, 0).UTC()
		dep.InstalledAt = &t
	}
	dep.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &dep, nil
}

// ReplaceForProject swaps the project's recorded dependency set for the
// given one in a single transaction, so a failed scan never leaves a
// half-written set behind. Inserted dependencies get their IDs assigned.
func (r *dependencyRepository) ReplaceForProject(projectID string, deps []*domain.Dependency) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM dependencies WHERE project_id = ?`, projectID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear dependencies: %w", err)
	}

	for _, dep := range deps {
		var installedAt *int64
		if dep.InstalledAt != nil {
			v := dep.InstalledAt.Unix()
			installedAt = &v
		}
		result, err := tx.Exec(
			`INSERT INTO dependencies (
				project_id, component_name, version_spec, source, installed, installed_at,
				install_error, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			projectID, dep.ComponentName, dep.VersionSpec, dep.Source,
			dep.Installed, installedAt, dep.InstallError, dep.CreatedAt.Unix(),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert dependency %q: %w", dep.ComponentName, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		dep.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dependency replacement: %w", err)
	}
	return nil
}

// ListByProject retrieves the project's dependencies ordered by component
// name.
func (r *dependencyRepository) ListByProject(projectID string) ([]*domain.Dependency, error) {
	rows, err := r.db.Query(
		`SELECT `+dependencyColumns+` FROM dependencies WHERE project_id = ? ORDER BY component_name`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []*domain.Dependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dependency row: %w", err)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependency rows: %w", err)
	}

	return deps, nil
}

// CountByProject returns the number of recorded dependencies for a project.
func (r *dependencyRepository) CountByProject(projectID string) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM dependencies WHERE project_id = ?`,
		projectID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dependencies: %w", err)
	}
	return count, nil
}
