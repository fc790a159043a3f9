package domain

import (
	"fmt"
	"time"
)

// RegistrySource is the source tag for components resolved from the
// component registry.
const RegistrySource = "component-registry"

// Dependency is a declared component requirement discovered in a project
// manifest. (project_id, component_name) is unique; a re-scan replaces
// the project's full dependency set.
type Dependency struct {
	ID            int64
	ProjectID     string
	ComponentName string
	VersionSpec   string
	// Source is "component-registry", "git:<url>", or "path:<local>".
	Source       string
	Installed    bool
	InstalledAt  *time.Time
	InstallError string
	CreatedAt    time.Time
}

// NewDependency creates a dependency record. An empty source defaults to
// the component registry.
func NewDependency(projectID, componentName, versionSpec, source string) (*Dependency, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	if componentName == "" {
		return nil, fmt.Errorf("component_name is required")
	}
	if source == "" {
		source = RegistrySource
	}
	return &Dependency{
		ProjectID:     projectID,
		ComponentName: componentName,
		VersionSpec:   versionSpec,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DependencyTree is the flat dependency view for one project. Transitive
// resolution is not performed; installation is a future extension.
type DependencyTree struct {
	ProjectID          string        `json:"project_id"`
	DirectDependencies []*Dependency `json:"direct_dependencies"`
	TotalCount         int           `json:"total_count"`
}
