package toolchain

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIDF_ArtifactsInfo tests the build directory inventory.
func TestIDF_ArtifactsInfo(t *testing.T) {
	project := t.TempDir()
	buildDir := filepath.Join(project, "build")
	files := map[string]string{
		"bootloader/bootloader.bin":          "bootloader bytes",
		"partition_table/partition-table.bin": "partition bytes",
		"blinky.bin":                         "app image",
		"blinky.elf":                         "elf image",
	}
	for rel, content := range files {
		path := filepath.Join(buildDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	r := NewIDF(0)
	res := r.ArtifactsInfo(project)

	require.True(t, res.Success, "ArtifactsInfo() failed: %s", res.Error)
	require.Equal(t, buildDir, res.BuildPath)
	require.Len(t, res.Artifacts, 4)

	byName := make(map[string]Artifact, len(res.Artifacts))
	for _, a := range res.Artifacts {
		byName[a.Name] = a
	}
	for rel, content := range files {
		a, ok := byName[rel]
		require.True(t, ok, "missing artifact %s", rel)
		require.Equal(t, filepath.Join(buildDir, rel), a.Path)
		require.Equal(t, int64(len(content)), a.Size)
		sum := sha256.Sum256([]byte(content))
		require.Equal(t, hex.EncodeToString(sum[:]), a.SHA256)
	}
}

// TestIDF_ArtifactsInfo_NoBuildDir tests a project that was never built.
func TestIDF_ArtifactsInfo_NoBuildDir(t *testing.T) {
	r := NewIDF(0)
	res := r.ArtifactsInfo(t.TempDir())

	require.False(t, res.Success)
	require.Equal(t, "No build directory found. Build the project first.", res.Error)
	require.Empty(t, res.Artifacts)
}

// TestIDF_ArtifactsInfo_PartialBuild tests that only present binaries
// are reported.
func TestIDF_ArtifactsInfo_PartialBuild(t *testing.T) {
	project := t.TempDir()
	buildDir := filepath.Join(project, "build")
	require.NoError(t, os.MkdirAll(buildDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "blinky.elf"), []byte("elf image"), 0o644))

	r := NewIDF(0)
	res := r.ArtifactsInfo(project)

	require.True(t, res.Success)
	require.Len(t, res.Artifacts, 1)
	require.Equal(t, "blinky.elf", res.Artifacts[0].Name)
}
