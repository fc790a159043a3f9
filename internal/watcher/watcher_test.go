package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/kiln/internal/deps"
	"github.com/zjrosen/kiln/internal/watcher"
)

// newManifestClone lays out a minimal project clone with one manifest
// and returns the clone root and the manifest path.
func newManifestClone(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	mainDir := filepath.Join(root, "main")
	require.NoError(t, os.MkdirAll(mainDir, 0o750))
	manifest := filepath.Join(mainDir, deps.ManifestName)
	require.NoError(t, os.WriteFile(manifest, []byte("dependencies:\n  espressif/button: \"*\"\n"), 0o600))
	return root, manifest
}

func newTestWatcher(t *testing.T) *watcher.Watcher {
	t.Helper()
	w, err := watcher.New(watcher.Config{DebounceDur: 50 * time.Millisecond})
	require.NoError(t, err, "failed to create watcher")
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	root, manifest := newManifestClone(t)

	w := newTestWatcher(t)
	require.NoError(t, w.Watch("project-1", root))
	changes := w.Start()

	// Rapid writes should coalesce into single notification
	for i := 0; i < 10; i++ {
		err := os.WriteFile(manifest, []byte(fmt.Sprintf("dependencies:\n  espressif/button: \"%d\"\n", i)), 0o600)
		require.NoError(t, err, "failed to write manifest")
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case projectID := <-changes:
		assert.Equal(t, "project-1", projectID)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	// No second notification should come quickly
	select {
	case <-changes:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
		// Expected - no second notification
	}
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	root, _ := newManifestClone(t)
	otherPath := filepath.Join(root, "main", "main.c")
	require.NoError(t, os.WriteFile(otherPath, []byte("initial"), 0o600))

	w := newTestWatcher(t)
	require.NoError(t, w.Watch("project-1", root))
	changes := w.Start()

	// Write to unrelated file (not Create, since it already exists)
	require.NoError(t, os.WriteFile(otherPath, []byte("int app_main(void) { return 0; }"), 0o600))

	select {
	case <-changes:
		t.Fatal("should not notify for unrelated files")
	case <-time.After(150 * time.Millisecond):
		// Expected - no notification for unrelated file
	}
}

func TestWatcher_IgnoresBuildOutputDirs(t *testing.T) {
	root, _ := newManifestClone(t)
	buildDir := filepath.Join(root, "build")
	require.NoError(t, os.MkdirAll(buildDir, 0o750))

	w := newTestWatcher(t)
	require.NoError(t, w.Watch("project-1", root))
	changes := w.Start()

	// A manifest materializing under build output is not a declaration.
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, deps.ManifestName), []byte("dependencies: {}\n"), 0o600))

	select {
	case <-changes:
		t.Fatal("should not notify for build output manifests")
	case <-time.After(150 * time.Millisecond):
		// Expected
	}
}

func TestWatcher_FollowsNewComponentDirs(t *testing.T) {
	root, _ := newManifestClone(t)

	w := newTestWatcher(t)
	require.NoError(t, w.Watch("project-1", root))
	changes := w.Start()

	// A component directory created after Watch still gets coverage.
	newDir := filepath.Join(root, "components", "sensor")
	require.NoError(t, os.MkdirAll(newDir, 0o750))

	// Give the watcher a beat to pick up the new directories.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(newDir, deps.ManifestName), []byte("dependencies:\n  espressif/mdns: \"^1.2.0\"\n"), 0o600))

	select {
	case projectID := <-changes:
		assert.Equal(t, "project-1", projectID)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification for new component manifest")
	}
}

func TestWatcher_MultipleProjects(t *testing.T) {
	rootA, manifestA := newManifestClone(t)
	rootB, manifestB := newManifestClone(t)

	w := newTestWatcher(t)
	require.NoError(t, w.Watch("project-a", rootA))
	require.NoError(t, w.Watch("project-b", rootB))
	changes := w.Start()

	require.NoError(t, os.WriteFile(manifestA, []byte("dependencies:\n  a/a: \"1\"\n"), 0o600))
	require.NoError(t, os.WriteFile(manifestB, []byte("dependencies:\n  b/b: \"1\"\n"), 0o600))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case projectID := <-changes:
			got[projectID] = true
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("expected two notifications, got %d", len(got))
		}
	}
	assert.True(t, got["project-a"])
	assert.True(t, got["project-b"])
}

func TestWatcher_Stop(t *testing.T) {
	root, _ := newManifestClone(t)

	w, err := watcher.New(watcher.Config{DebounceDur: 50 * time.Millisecond})
	require.NoError(t, err, "failed to create watcher")
	require.NoError(t, w.Watch("project-1", root))
	_ = w.Start()

	// Stop should not hang or panic
	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
		// Expected - stop completed successfully
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := watcher.DefaultConfig()
	assert.Equal(t, 2*time.Second, cfg.DebounceDur)
}
