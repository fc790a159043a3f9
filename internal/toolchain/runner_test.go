package toolchain

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// requireBash skips when no shell is available for real subprocesses.
func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

// fakeSpawner records spawned commands and substitutes a no-op process.
type fakeSpawner struct {
	calls [][]string
	cmds  []*exec.Cmd
}

func (f *fakeSpawner) factory(ctx context.Context, name string, args ...string) *exec.Cmd {
	f.calls = append(f.calls, append([]string{name}, args...))
	cmd := exec.CommandContext(ctx, "true")
	f.cmds = append(f.cmds, cmd)
	return cmd
}

// TestNewIDF tests the constructor defaults.
func TestNewIDF(t *testing.T) {
	r := NewIDF(0)
	require.NotNil(t, r)
	require.Equal(t, DefaultCommandTimeout, r.timeout)

	r = NewIDF(10 * time.Second)
	require.Equal(t, 10*time.Second, r.timeout)
}

// TestIDF_RunCommand tests a successful shell invocation.
func TestIDF_RunCommand(t *testing.T) {
	requireBash(t)
	r := NewIDF(0)

	res := r.runCommand(context.Background(), t.TempDir(), "echo building")

	require.True(t, res.Success)
	require.Zero(t, res.ReturnCode)
	require.Contains(t, res.Stdout, "building")
	require.Equal(t, "echo building", res.Command)
}

// TestIDF_RunCommand_Failure tests return code and stderr capture.
func TestIDF_RunCommand_Failure(t *testing.T) {
	requireBash(t)
	r := NewIDF(0)

	res := r.runCommand(context.Background(), t.TempDir(), "echo oops >&2; exit 3")

	require.False(t, res.Success)
	require.Equal(t, 3, res.ReturnCode)
	require.Contains(t, res.Stderr, "oops")
}

// TestIDF_RunCommand_Timeout tests the timeout result shape.
func TestIDF_RunCommand_Timeout(t *testing.T) {
	requireBash(t)
	r := NewIDF(500 * time.Millisecond)

	res := r.runCommand(context.Background(), t.TempDir(), "sleep 5")

	require.False(t, res.Success)
	require.Equal(t, -1, res.ReturnCode)
	require.Equal(t, "Command timeout after 0.5 seconds: sleep 5", res.Stderr)
}

// TestIDF_SetTarget tests the command built for a valid target.
func TestIDF_SetTarget(t *testing.T) {
	f := &fakeSpawner{}
	r := NewIDF(0)
	r.commandFactory = f.factory

	res := r.SetTarget(context.Background(), "/tmp/kiln-projects/blinky", "esp32s3")

	require.True(t, res.Success)
	require.Equal(t, "idf.py set-target esp32s3", res.Command)
	require.Equal(t, [][]string{{"bash", "-lc", "idf.py set-target esp32s3"}}, f.calls)
}

// TestIDF_SetTarget_Invalid tests that unknown targets never spawn a
// subprocess.
func TestIDF_SetTarget_Invalid(t *testing.T) {
	f := &fakeSpawner{}
	r := NewIDF(0)
	r.commandFactory = f.factory

	res := r.SetTarget(context.Background(), "/tmp/kiln-projects/blinky", "esp8266")

	require.False(t, res.Success)
	require.Equal(t, 1, res.ReturnCode)
	require.Equal(t,
		"Invalid target 'esp8266'. Valid targets: esp32, esp32s2, esp32s3, esp32c3, esp32c6, esp32h2",
		res.Stderr)
	require.Equal(t, "idf.py set-target esp8266", res.Command)
	require.Empty(t, f.calls, "invalid target should fail before any subprocess")
}

// TestIDF_Build tests the build command.
func TestIDF_Build(t *testing.T) {
	f := &fakeSpawner{}
	r := NewIDF(0)
	r.commandFactory = f.factory

	res := r.Build(context.Background(), "/tmp/kiln-projects/blinky")

	require.True(t, res.Success)
	require.Equal(t, "idf.py build", res.Command)
	require.Equal(t, "/tmp/kiln-projects/blinky", f.cmds[0].Dir)
}

// TestIDF_Doctor tests the diagnostics command.
func TestIDF_Doctor(t *testing.T) {
	f := &fakeSpawner{}
	r := NewIDF(0)
	r.commandFactory = f.factory

	res := r.Doctor(context.Background(), "/tmp/kiln-projects/blinky")

	require.Equal(t, "idf.py doctor", res.Command)
}

// TestIDF_Flash_Defaults tests port and baud defaults without cached
// artifacts.
func TestIDF_Flash_Defaults(t *testing.T) {
	project := t.TempDir()
	f := &fakeSpawner{}
	r := NewIDF(0)
	r.commandFactory = f.factory

	res := r.Flash(context.Background(), project, "", 0, true)

	require.Equal(t, "idf.py -p /dev/ttyUSB0 -b 460800 flash", res.Command)
	require.Equal(t, project, f.cmds[0].Dir)
}

// TestIDF_Flash_CachedArtifacts tests that a completed build flashes
// through esptool from the build directory.
func TestIDF_Flash_CachedArtifacts(t *testing.T) {
	project := t.TempDir()
	buildDir := filepath.Join(project, "build")
	require.NoError(t, os.MkdirAll(buildDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "flash_args"),
		[]byte("--flash_mode dio 0x1000 bootloader/bootloader.bin\n"), 0o644))

	f := &fakeSpawner{}
	r := NewIDF(0)
	r.commandFactory = f.factory

	res := r.Flash(context.Background(), project, "", 0, true)

	require.Equal(t,
		"python -m esptool -p /dev/ttyUSB0 -b 460800 --before=default_reset --after=hard_reset write_flash @flash_args",
		res.Command)
	require.Equal(t, buildDir, f.cmds[0].Dir)
}

// TestIDF_Flash_ExplicitOptions tests caller-provided port and baud with
// caching disabled.
func TestIDF_Flash_ExplicitOptions(t *testing.T) {
	project := t.TempDir()
	buildDir := filepath.Join(project, "build")
	require.NoError(t, os.MkdirAll(buildDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "flash_args"), []byte("args\n"), 0o644))

	f := &fakeSpawner{}
	r := NewIDF(0)
	r.commandFactory = f.factory

	res := r.Flash(context.Background(), project, "/dev/cu.usbmodem1101", 115200, false)

	require.Equal(t, "idf.py -p /dev/cu.usbmodem1101 -b 115200 flash", res.Command)
	require.Equal(t, project, f.cmds[0].Dir, "disabling the cache should skip esptool")
}

// TestIDF_ListProjectRoot tests the directory listing.
func TestIDF_ListProjectRoot(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(project, "main"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "CMakeLists.txt"), []byte("project(blinky)\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "sdkconfig"), []byte(""), 0o644))

	r := NewIDF(0)
	names, err := r.ListProjectRoot(project)

	require.NoError(t, err)
	require.Equal(t, []string{"CMakeLists.txt", "main/", "sdkconfig"}, names)
}

// TestIDF_ListProjectRoot_Missing tests listing a path that does not
// exist.
func TestIDF_ListProjectRoot_Missing(t *testing.T) {
	r := NewIDF(0)
	_, err := r.ListProjectRoot(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

// TestIDF_ReadWriteFile tests the source file helpers used by repair.
func TestIDF_ReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main", "main.c")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	r := NewIDF(0)
	require.NoError(t, r.WriteFile(path, "int app_main(void) { return 0; }\n"))

	content, err := r.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "int app_main(void) { return 0; }\n", content)
}

// TestIDF_ReadFile_Missing tests reading a path that does not exist.
func TestIDF_ReadFile_Missing(t *testing.T) {
	r := NewIDF(0)
	_, err := r.ReadFile(filepath.Join(t.TempDir(), "missing.c"))
	require.Error(t, err)
}
