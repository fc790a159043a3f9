package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zjrosen/kiln/internal/log"
)

const (
	simPidFile = ".qemu_pid"
	simLogFile = ".qemu_output.log"

	// simStartGrace is how long StartSim watches for an immediate exit
	// before declaring the launch healthy.
	simStartGrace = 200 * time.Millisecond
	// simStopGrace is how long StopSim waits after SIGTERM before
	// escalating to SIGKILL.
	simStopGrace = time.Second
)

// lockSim serializes simulation control for one project.
func (r *IDF) lockSim(projectPath string) func() {
	v, _ := r.simLocks.LoadOrStore(projectPath, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// simPaths returns the pid and log file locations for a project's
// simulation. Both live under the build directory so a clean wipes them.
func (r *IDF) simPaths(projectPath string) (pidPath, logPath string) {
	buildDir := filepath.Join(projectPath, "build")
	return filepath.Join(buildDir, simPidFile), filepath.Join(buildDir, simLogFile)
}

// simRunning reads the pid file and probes the process.
func (r *IDF) simRunning(projectPath string) (int, bool) {
	pidPath, _ := r.simPaths(projectPath)
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

// StartSim launches QEMU for the project's firmware, detached from the
// calling request. One simulation per project at a time.
func (r *IDF) StartSim(ctx context.Context, projectPath, target string) SimStartResult {
	unlock := r.lockSim(projectPath)
	defer unlock()

	machine, ok := simMachines[target]
	if !ok {
		return SimStartResult{Error: fmt.Sprintf("QEMU not supported for target '%s'", target)}
	}
	if pid, running := r.simRunning(projectPath); running {
		return SimStartResult{Error: "QEMU is already running for this project", PID: pid}
	}

	buildDir := filepath.Join(projectPath, "build")
	elfs, _ := filepath.Glob(filepath.Join(buildDir, "*.elf"))
	if len(elfs) == 0 {
		return SimStartResult{Error: fmt.Sprintf("No ELF file found in %s. Build the project first.", buildDir)}
	}
	elf := elfs[0]

	pidPath, logPath := r.simPaths(projectPath)
	logFile, err := os.Create(logPath)
	if err != nil {
		return SimStartResult{Error: fmt.Sprintf("Failed to start QEMU: %v", err)}
	}

	// The simulator outlives the request that started it.
	cmd := r.commandFactory(context.WithoutCancel(ctx),
		"qemu-system-xtensa", "-M", machine, "-kernel", elf, "-serial", "stdio", "-nographic")
	cmd.Dir = projectPath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return SimStartResult{Error: fmt.Sprintf("Failed to start QEMU: %v", err)}
	}
	pid := cmd.Process.Pid
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = cmd.Process.Kill()
		logFile.Close()
		return SimStartResult{Error: fmt.Sprintf("Failed to start QEMU: %v", err)}
	}

	// Reap the process when it exits. The same goroutine catches a
	// launch that dies within the grace window.
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		logFile.Close()
		close(done)
	}()

	select {
	case <-done:
		output, _ := os.ReadFile(logPath)
		_ = os.Remove(pidPath)
		msg := "QEMU failed to start"
		if tail := strings.TrimSpace(string(output)); tail != "" {
			msg += ": " + tail
		}
		return SimStartResult{Error: msg}
	case <-time.After(simStartGrace):
	}

	log.Info(log.CatToolchain, "simulation started", "path", projectPath, "target", target, "pid", pid)
	return SimStartResult{
		Success: true,
		PID:     pid,
		Target:  target,
		ELF:     elf,
		LogFile: logPath,
	}
}

// SimOutput returns the most recent lines of the simulation log.
func (r *IDF) SimOutput(projectPath string, lastN int) SimOutputResult {
	if lastN <= 0 {
		lastN = DefaultSimOutputLines
	}
	_, logPath := r.simPaths(projectPath)
	data, err := os.ReadFile(logPath)
	if err != nil {
		return SimOutputResult{Error: "No QEMU log file found"}
	}

	var lines []string
	if len(data) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	}
	start := 0
	if len(lines) > lastN {
		start = len(lines) - lastN
	}
	recent := lines[start:]
	return SimOutputResult{
		Success:       true,
		Output:        strings.Join(recent, "\n"),
		TotalLines:    len(lines),
		ReturnedLines: len(recent),
	}
}

// SimStatus reports whether the project's simulation is running.
func (r *IDF) SimStatus(projectPath string) SimStatus {
	pidPath, logPath := r.simPaths(projectPath)
	pid, running := r.simRunning(projectPath)
	if !running {
		return SimStatus{}
	}
	status := SimStatus{Running: true, PID: pid, LogFile: logPath}
	// The pid file is written at launch, so its age is the uptime.
	if info, err := os.Stat(pidPath); err == nil {
		status.UptimeSeconds = time.Since(info.ModTime()).Seconds()
	}
	return status
}

// StopSim terminates the project's simulation, SIGTERM first and SIGKILL
// after the grace interval.
func (r *IDF) StopSim(projectPath string) SimStopResult {
	unlock := r.lockSim(projectPath)
	defer unlock()

	pidPath, _ := r.simPaths(projectPath)
	pid, running := r.simRunning(projectPath)
	if !running {
		_ = os.Remove(pidPath) // clear any stale pid file
		return SimStopResult{Error: "No QEMU instance is running"}
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
	deadline := time.Now().Add(simStopGrace)
	for time.Now().Before(deadline) {
		if _, alive := r.simRunning(projectPath); !alive {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, alive := r.simRunning(projectPath); alive && proc != nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
	_ = os.Remove(pidPath)

	log.Info(log.CatToolchain, "simulation stopped", "path", projectPath, "pid", pid)
	return SimStopResult{Success: true, PID: pid}
}
