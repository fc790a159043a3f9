// Package toolchain drives the ESP-IDF CLI and the QEMU simulator as
// opaque subprocesses. No build logic lives here: idf.py owns
// compilation, this package owns invoking it and reporting what
// happened.
package toolchain

import (
	"context"
	"time"
)

// Defaults for command execution and device flashing.
const (
	DefaultCommandTimeout = 300 * time.Second
	DefaultFlashPort      = "/dev/ttyUSB0"
	DefaultFlashBaud      = 460800
	// DefaultSimOutputLines bounds SimOutput when no count is given.
	DefaultSimOutputLines = 100
)

// ValidTargets is the closed set of chips idf.py set-target accepts.
var ValidTargets = []string{"esp32", "esp32s2", "esp32s3", "esp32c3", "esp32c6", "esp32h2"}

// simMachines maps targets onto QEMU machine types. Only the Xtensa
// chips have QEMU support.
var simMachines = map[string]string{
	"esp32":   "esp32",
	"esp32s3": "esp32s3",
}

// CommandResult reports one toolchain subprocess invocation. Success
// mirrors a zero return code; a timeout or spawn failure reports -1.
type CommandResult struct {
	Success    bool   `json:"success"`
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Command    string `json:"command"`
}

// Output joins stdout and stderr for display and log capture.
func (r CommandResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Artifact is one binary produced by a firmware build.
type Artifact struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ArtifactsResult describes the contents of a project's build directory.
type ArtifactsResult struct {
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	BuildPath string     `json:"build_path,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// SimStartResult reports a simulation launch.
type SimStartResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Target  string `json:"target,omitempty"`
	ELF     string `json:"elf,omitempty"`
	LogFile string `json:"log_file,omitempty"`
}

// SimStatus reports whether a simulation is running and for how long.
type SimStatus struct {
	Running       bool    `json:"running"`
	PID           int     `json:"pid,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
	LogFile       string  `json:"log_file,omitempty"`
}

// SimOutputResult carries recent lines from the simulation log.
type SimOutputResult struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	Output        string `json:"output,omitempty"`
	TotalLines    int    `json:"total_lines"`
	ReturnedLines int    `json:"returned_lines"`
}

// SimStopResult reports a simulation shutdown.
type SimStopResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// Toolchain runs firmware builds, device flashing, and simulations for
// project checkouts. Implementations are safe for concurrent use across
// projects; simulation operations on one project serialize.
type Toolchain interface {
	ListProjectRoot(projectPath string) ([]string, error)
	SetTarget(ctx context.Context, projectPath, target string) CommandResult
	Build(ctx context.Context, projectPath string) CommandResult
	Flash(ctx context.Context, projectPath, port string, baud int, useCached bool) CommandResult
	Doctor(ctx context.Context, projectPath string) CommandResult
	ArtifactsInfo(projectPath string) ArtifactsResult
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error

	StartSim(ctx context.Context, projectPath, target string) SimStartResult
	SimOutput(projectPath string, lastN int) SimOutputResult
	SimStatus(projectPath string) SimStatus
	StopSim(projectPath string) SimStopResult
}
