// Package deps discovers the ESP-IDF components a project depends on.
// A scan walks the project clone for idf_component.yml manifests and
// replaces the project's recorded dependency set with what it finds;
// installation is left to the toolchain. The flat dependency tree the
// dashboard renders is cached per project and invalidated on scan.
package deps

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zjrosen/kiln/internal/cachemanager"
	"github.com/zjrosen/kiln/internal/domain"
	"github.com/zjrosen/kiln/internal/log"
)

// DefaultTreeTTL is how long a dependency tree stays cached when no
// scan invalidates it first.
const DefaultTreeTTL = 5 * time.Minute

// ScanResult reports what a scan found. NewlyAdded counts components
// that were not recorded before the scan.
type ScanResult struct {
	TotalFound int `json:"total_found"`
	NewlyAdded int `json:"newly_added"`
}

// Service scans project clones and serves dependency views.
type Service struct {
	repo    domain.DependencyRepository
	treeTTL time.Duration

	tree      *cachemanager.ReadThroughCache[string, *domain.DependencyTree, string]
	treeStore cachemanager.CacheManager[string, *domain.DependencyTree]
}

// NewService wires a resolver over the dependency repository.
func NewService(repo domain.DependencyRepository) *Service {
	s := &Service{
		repo:    repo,
		treeTTL: DefaultTreeTTL,
	}
	s.treeStore = cachemanager.NewInMemoryCacheManager[string, *domain.DependencyTree](
		"dependency-tree", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	s.tree = cachemanager.NewReadThroughCache[string, *domain.DependencyTree, string](
		s.treeStore,
		func(ctx context.Context, projectID string) (*domain.DependencyTree, error) {
			return s.loadTree(projectID)
		},
		false,
	)
	return s
}

// Scan walks clonePath for component manifests and replaces the
// project's dependency set with the declarations found. A manifest
// that fails to parse is skipped with a warning; the scan fails only
// when the walk or the persist does. When the same component is
// declared in more than one manifest, the first declaration wins.
func (s *Service) Scan(ctx context.Context, projectID, clonePath string) (ScanResult, error) {
	before, err := s.repo.ListByProject(projectID)
	if err != nil {
		return ScanResult{}, fmt.Errorf("reading recorded dependencies: %w", err)
	}
	known := make(map[string]bool, len(before))
	for _, dep := range before {
		known[dep.ComponentName] = true
	}

	manifests, err := collectManifests(clonePath)
	if err != nil {
		return ScanResult{}, err
	}

	seen := make(map[string]bool)
	var records []*domain.Dependency
	for _, path := range manifests {
		data, err := os.ReadFile(path) // #nosec G304 -- paths come from walking the clone
		if err != nil {
			log.Warn(log.CatDeps, "Skipping unreadable manifest", "path", path, "error", err)
			continue
		}
		declared, err := parseManifest(data)
		if err != nil {
			log.Warn(log.CatDeps, "Skipping malformed manifest", "path", path, "error", err)
			continue
		}
		for _, d := range declared {
			if seen[d.Name] {
				continue
			}
			record, err := domain.NewDependency(projectID, d.Name, d.Version, d.Source)
			if err != nil {
				log.Warn(log.CatDeps, "Skipping invalid dependency", "component", d.Name, "error", err)
				continue
			}
			seen[d.Name] = true
			records = append(records, record)
		}
	}

	if err := s.repo.ReplaceForProject(projectID, records); err != nil {
		return ScanResult{}, fmt.Errorf("replacing dependencies: %w", err)
	}
	s.invalidateTree(ctx, projectID)

	newly := 0
	for name := range seen {
		if !known[name] {
			newly++
		}
	}

	log.Info(log.CatDeps, "Dependency scan complete",
		"project", projectID, "manifests", len(manifests), "found", len(records), "new", newly)
	return ScanResult{TotalFound: len(records), NewlyAdded: newly}, nil
}

// List returns the project's recorded dependencies by component name.
func (s *Service) List(projectID string) ([]*domain.Dependency, error) {
	return s.repo.ListByProject(projectID)
}

// Tree returns the project's flat dependency tree, cached between
// scans.
func (s *Service) Tree(ctx context.Context, projectID string) (*domain.DependencyTree, error) {
	return s.tree.Get(ctx, treeKey(projectID), projectID, s.treeTTL)
}

func (s *Service) loadTree(projectID string) (*domain.DependencyTree, error) {
	deps, err := s.repo.ListByProject(projectID)
	if err != nil {
		return nil, err
	}
	return &domain.DependencyTree{
		ProjectID:          projectID,
		DirectDependencies: deps,
		TotalCount:         len(deps),
	}, nil
}

func (s *Service) invalidateTree(ctx context.Context, projectID string) {
	if err := s.treeStore.Delete(ctx, treeKey(projectID)); err != nil {
		log.Warn(log.CatDeps, "Failed to invalidate dependency tree cache", "project", projectID, "error", err)
	}
}

func treeKey(projectID string) string {
	return "deptree:" + projectID
}
