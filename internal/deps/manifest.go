package deps

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ManifestName is the component manifest file the scanner looks for.
const ManifestName = "idf_component.yml"

// skipDirs are output directories that never hold hand-written
// manifests. managed_components is the package manager's install
// target; scanning it would re-report every transitive component as a
// direct dependency.
var skipDirs = map[string]bool{
	"build":              true,
	"dist":               true,
	"managed_components": true,
}

// ShouldSkipDir reports whether a directory is excluded from the
// manifest walk. Hidden directories are always excluded.
func ShouldSkipDir(name string) bool {
	if len(name) > 1 && name[0] == '.' {
		return true
	}
	return skipDirs[name]
}

// collectManifests walks root and returns every component manifest in
// deterministic (lexical) order.
func collectManifests(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && ShouldSkipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == ManifestName {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return paths, nil
}

// manifestDep is one dependency declaration lifted out of a manifest.
// An empty Source means the component registry.
type manifestDep struct {
	Name    string
	Version string
	Source  string
}

// manifestFile models the subset of idf_component.yml the scanner
// reads. Dependency values are either a bare version string or a
// mapping with version/git/path keys, so they stay raw yaml nodes
// until decodeDependency inspects the kind.
type manifestFile struct {
	Dependencies map[string]yaml.Node `yaml:"dependencies"`
}

// depDetail is the mapping form of a dependency value.
type depDetail struct {
	Version string `yaml:"version"`
	Git     string `yaml:"git"`
	Path    string `yaml:"path"`
}

// parseManifest extracts dependency declarations from manifest bytes.
// Declarations are returned sorted by component name so scans are
// reproducible regardless of yaml map order.
func parseManifest(data []byte) ([]manifestDep, error) {
	var m manifestFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	deps := make([]manifestDep, 0, len(m.Dependencies))
	for name, node := range m.Dependencies {
		dep, err := decodeDependency(name, node)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}

	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}

// decodeDependency interprets one dependency value. A scalar is a plain
// registry version; a mapping carries an explicit source.
func decodeDependency(name string, node yaml.Node) (manifestDep, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return manifestDep{Name: name, Version: node.Value}, nil

	case yaml.MappingNode:
		var detail depDetail
		if err := node.Decode(&detail); err != nil {
			return manifestDep{}, fmt.Errorf("decoding dependency %q: %w", name, err)
		}
		dep := manifestDep{Name: name, Version: detail.Version}
		switch {
		case detail.Git != "":
			dep.Source = "git:" + detail.Git
		case detail.Path != "":
			dep.Source = "path:" + detail.Path
		}
		return dep, nil

	default:
		return manifestDep{}, fmt.Errorf("dependency %q has unsupported value kind", name)
	}
}
