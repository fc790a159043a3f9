package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/kiln/internal/log"
	"github.com/zjrosen/kiln/internal/tracing"
)

// CommandFactoryFunc creates an exec.Cmd for testing purposes.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// IDF is the Toolchain implementation backed by the idf.py CLI and
// qemu-system-xtensa.
type IDF struct {
	timeout        time.Duration
	commandFactory CommandFactoryFunc
	simLocks       sync.Map // map[projectPath]*sync.Mutex
}

// NewIDF creates a Toolchain with the given per-command timeout.
// A non-positive timeout uses DefaultCommandTimeout.
func NewIDF(timeout time.Duration) *IDF {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &IDF{timeout: timeout, commandFactory: exec.CommandContext}
}

// Compile-time check that IDF implements Toolchain.
var _ Toolchain = (*IDF)(nil)

// runCommand executes a shell command under dir through a login shell,
// so the ESP-IDF export script applies.
func (r *IDF) runCommand(ctx context.Context, dir, command string) CommandResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, tracing.SpanPrefixToolchain+strings.Fields(command)[0],
		attribute.String(tracing.AttrCommand, command))

	cmd := r.commandFactory(ctx, "bash", "-lc", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Success: err == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Command: command,
	}
	if err != nil {
		result.ReturnCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ReturnCode = exitErr.ExitCode()
		}
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.Stderr = fmt.Sprintf("Command timeout after %g seconds: %s", r.timeout.Seconds(), command)
		case result.Stderr == "":
			result.Stderr = err.Error()
		}
	}
	span.SetAttributes(attribute.Int(tracing.AttrExitCode, result.ReturnCode))
	tracing.EndSpan(span, err)
	return result
}

// ListProjectRoot lists the entries at the project root, directories
// marked with a trailing slash.
func (r *IDF) ListProjectRoot(projectPath string) ([]string, error) {
	entries, err := os.ReadDir(projectPath)
	if err != nil {
		return nil, fmt.Errorf("list project root: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// SetTarget configures the chip idf.py builds for. Unknown targets fail
// before any subprocess runs.
func (r *IDF) SetTarget(ctx context.Context, projectPath, target string) CommandResult {
	command := "idf.py set-target " + target
	if !slices.Contains(ValidTargets, target) {
		return CommandResult{
			ReturnCode: 1,
			Stderr:     fmt.Sprintf("Invalid target '%s'. Valid targets: %s", target, strings.Join(ValidTargets, ", ")),
			Command:    command,
		}
	}
	log.Info(log.CatToolchain, "setting target", "path", projectPath, "target", target)
	return r.runCommand(ctx, projectPath, command)
}

// Build compiles the firmware.
func (r *IDF) Build(ctx context.Context, projectPath string) CommandResult {
	log.Info(log.CatToolchain, "building firmware", "path", projectPath)
	result := r.runCommand(ctx, projectPath, "idf.py build")
	log.Info(log.CatToolchain, "build finished", "path", projectPath, "success", result.Success)
	return result
}

// Flash writes the firmware to a connected device. With useCached and a
// completed build, esptool flashes the existing binaries directly;
// otherwise idf.py flash rebuilds as needed.
func (r *IDF) Flash(ctx context.Context, projectPath, port string, baud int, useCached bool) CommandResult {
	if port == "" {
		port = DefaultFlashPort
	}
	if baud <= 0 {
		baud = DefaultFlashBaud
	}

	buildDir := filepath.Join(projectPath, "build")
	if useCached {
		if _, err := os.Stat(filepath.Join(buildDir, "flash_args")); err == nil {
			log.Info(log.CatToolchain, "flashing cached artifacts", "path", projectPath, "port", port)
			command := fmt.Sprintf(
				"python -m esptool -p %s -b %d --before=default_reset --after=hard_reset write_flash @flash_args",
				port, baud)
			return r.runCommand(ctx, buildDir, command)
		}
		log.Warn(log.CatToolchain, "no cached artifacts, idf.py will rebuild", "path", projectPath)
	}

	log.Info(log.CatToolchain, "flashing device", "path", projectPath, "port", port, "baud", baud)
	return r.runCommand(ctx, projectPath, fmt.Sprintf("idf.py -p %s -b %d flash", port, baud))
}

// Doctor runs the ESP-IDF environment diagnostics.
func (r *IDF) Doctor(ctx context.Context, projectPath string) CommandResult {
	return r.runCommand(ctx, projectPath, "idf.py doctor")
}

// ReadFile returns the contents of a source file.
func (r *IDF) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// WriteFile replaces the contents of a source file.
func (r *IDF) WriteFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
