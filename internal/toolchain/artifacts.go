package toolchain

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
)

// knownArtifacts are the nested binaries idf.py build always places
// under fixed paths. Top-level .bin and .elf files are discovered by
// glob since they carry the project name.
var knownArtifacts = []string{
	"bootloader/bootloader.bin",
	"partition_table/partition-table.bin",
}

// ArtifactsInfo inventories the binaries in the project's build
// directory with sizes and checksums.
func (r *IDF) ArtifactsInfo(projectPath string) ArtifactsResult {
	buildDir := filepath.Join(projectPath, "build")
	if _, err := os.Stat(buildDir); err != nil {
		return ArtifactsResult{Error: "No build directory found. Build the project first."}
	}

	var paths []string
	for _, rel := range knownArtifacts {
		paths = append(paths, filepath.Join(buildDir, rel))
	}
	for _, pattern := range []string{"*.bin", "*.elf"} {
		matches, _ := filepath.Glob(filepath.Join(buildDir, pattern))
		paths = append(paths, matches...)
	}

	var artifacts []Artifact
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		sum, err := checksumFile(path)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(buildDir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		artifacts = append(artifacts, Artifact{
			Name:   rel,
			Path:   path,
			Size:   info.Size(),
			SHA256: sum,
		})
	}
	return ArtifactsResult{Success: true, BuildPath: buildDir, Artifacts: artifacts}
}

// checksumFile computes the SHA-256 of a file's contents.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
