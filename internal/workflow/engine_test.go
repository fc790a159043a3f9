package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/kiln/internal/bus"
	"github.com/zjrosen/kiln/internal/clock"
	"github.com/zjrosen/kiln/internal/llm"
	"github.com/zjrosen/kiln/internal/toolchain"
)

const testProject = "/fw/blinky"

// stubToolchain scripts toolchain responses and records the order of
// invocations. Safe for concurrent use so parallel groups can share it.
type stubToolchain struct {
	mu    sync.Mutex
	calls []string

	listEntries []string
	listErr     error
	listFn      func() ([]string, error)

	setTargetRes toolchain.CommandResult
	buildResults []toolchain.CommandResult
	buildCalls   int
	flashRes     toolchain.CommandResult
	flashHook    func()
	doctorRes    toolchain.CommandResult
	artifactsRes toolchain.ArtifactsResult
	startSimRes  toolchain.SimStartResult
	simHook      func()
	simOutRes    toolchain.SimOutputResult

	files    map[string]string
	readErr  error
	writeErr error
	written  map[string]string
}

func (s *stubToolchain) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
}

func (s *stubToolchain) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubToolchain) ListProjectRoot(projectPath string) ([]string, error) {
	s.record("list")
	if s.listFn != nil {
		return s.listFn()
	}
	return s.listEntries, s.listErr
}

func (s *stubToolchain) SetTarget(ctx context.Context, projectPath, target string) toolchain.CommandResult {
	s.record("set_target " + target)
	return s.setTargetRes
}

func (s *stubToolchain) Build(ctx context.Context, projectPath string) toolchain.CommandResult {
	s.mu.Lock()
	s.calls = append(s.calls, "build")
	i := s.buildCalls
	s.buildCalls++
	s.mu.Unlock()
	if i >= len(s.buildResults) {
		i = len(s.buildResults) - 1
	}
	return s.buildResults[i]
}

func (s *stubToolchain) Flash(ctx context.Context, projectPath, port string, baud int, useCached bool) toolchain.CommandResult {
	s.record("flash")
	if s.flashHook != nil {
		s.flashHook()
	}
	return s.flashRes
}

func (s *stubToolchain) Doctor(ctx context.Context, projectPath string) toolchain.CommandResult {
	s.record("doctor")
	return s.doctorRes
}

func (s *stubToolchain) ArtifactsInfo(projectPath string) toolchain.ArtifactsResult {
	s.record("artifacts")
	return s.artifactsRes
}

func (s *stubToolchain) ReadFile(path string) (string, error) {
	s.record("read " + path)
	if s.readErr != nil {
		return "", s.readErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("no stub file %s", path)
	}
	return code, nil
}

func (s *stubToolchain) WriteFile(path, content string) error {
	s.record("write " + path)
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written == nil {
		s.written = make(map[string]string)
	}
	s.written[path] = content
	if s.files == nil {
		s.files = make(map[string]string)
	}
	s.files[path] = content
	return nil
}

func (s *stubToolchain) StartSim(ctx context.Context, projectPath, target string) toolchain.SimStartResult {
	s.record("start_sim " + target)
	if s.simHook != nil {
		s.simHook()
	}
	return s.startSimRes
}

func (s *stubToolchain) SimOutput(projectPath string, lastN int) toolchain.SimOutputResult {
	s.record("sim_output")
	return s.simOutRes
}

func (s *stubToolchain) SimStatus(projectPath string) toolchain.SimStatus {
	s.record("sim_status")
	return toolchain.SimStatus{}
}

func (s *stubToolchain) StopSim(projectPath string) toolchain.SimStopResult {
	s.record("stop_sim")
	return toolchain.SimStopResult{}
}

func okCmd(cmd string) toolchain.CommandResult {
	return toolchain.CommandResult{Success: true, Stdout: cmd + " ok", Command: cmd}
}

func failCmd(cmd, stderr string, code int) toolchain.CommandResult {
	return toolchain.CommandResult{ReturnCode: code, Stderr: stderr, Command: cmd}
}

// newOKStub returns a toolchain where every phase succeeds and the
// simulator prints the expected greeting.
func newOKStub() *stubToolchain {
	return &stubToolchain{
		listEntries:  []string{"CMakeLists.txt", "main", "sdkconfig"},
		setTargetRes: okCmd("idf.py set-target"),
		buildResults: []toolchain.CommandResult{okCmd("idf.py build")},
		flashRes:     okCmd("idf.py flash"),
		doctorRes:    toolchain.CommandResult{Success: true, Stdout: "all checks passed", Command: "idf doctor"},
		artifactsRes: toolchain.ArtifactsResult{
			Success:   true,
			BuildPath: testProject + "/build",
			Artifacts: []toolchain.Artifact{{Name: "blinky.bin", Path: testProject + "/build/blinky.bin", Size: 1024}},
		},
		startSimRes: toolchain.SimStartResult{Success: true, PID: 4242, Target: "esp32"},
		simOutRes: toolchain.SimOutputResult{
			Success:       true,
			Output:        "boot: esp32\nHello World\n",
			TotalLines:    2,
			ReturnedLines: 2,
		},
		files: map[string]string{testProject + "/main/main.c": "void app_main(void) {}\n"},
	}
}

type fixCall struct {
	path     string
	code     string
	errorCtx string
}

// stubFixer returns scripted fix results, falling back to a trivial
// successful fix once the script is exhausted.
type stubFixer struct {
	mu      sync.Mutex
	calls   []fixCall
	results []llm.CodeFixResult
}

func (f *stubFixer) FixCode(ctx context.Context, sourcePath, code, errorContext string) llm.CodeFixResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fixCall{path: sourcePath, code: code, errorCtx: errorContext})
	if len(f.results) == 0 {
		return llm.CodeFixResult{Success: true, OriginalCode: code, FixedCode: code + "// fixed\n", Confidence: "high"}
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *recordingBus) Publish(ctx context.Context, event bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) all() []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Event(nil), b.events...)
}

func (b *recordingBus) byKind(kind bus.Kind) []bus.Event {
	var out []bus.Event
	for _, ev := range b.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// logMessages flattens log-entry event messages for contains checks.
func (b *recordingBus) logMessages() []string {
	var out []string
	for _, ev := range b.byKind(bus.EventLogEntry) {
		if msg, ok := ev.Payload["message"].(string); ok {
			out = append(out, msg)
		}
	}
	return out
}

func newTestEngine(tc toolchain.Toolchain, fixer Fixer, pub Publisher) *Engine {
	cfg := Config{MaxQAIterations: 3, MaxParallel: 4, FlashPort: "/dev/ttyUSB1", FlashBaud: 115200}
	return NewEngine(tc, fixer, pub, clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)), cfg)
}

func phaseByID(t *testing.T, res Result, id string) PhaseResult {
	t.Helper()
	for _, ph := range res.Phases {
		if ph.TaskID == id {
			return ph
		}
	}
	t.Fatalf("no phase %q in result", id)
	return PhaseResult{}
}

func phaseIDs(res Result) []string {
	ids := make([]string, len(res.Phases))
	for i, ph := range res.Phases {
		ids[i] = ph.TaskID
	}
	return ids
}

// TestEngine_Execute_HappyPath tests that a full run with flash and
// simulation completes every phase and collects artifacts.
func TestEngine_Execute_HappyPath(t *testing.T) {
	tc := newOKStub()
	rec := &recordingBus{}
	eng := newTestEngine(tc, &stubFixer{}, rec)

	res, err := eng.Execute(context.Background(), Request{
		ProjectPath: testProject,
		Target:      "esp32s3",
		FlashDevice: true,
		RunQEMU:     true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 0, res.QAIterations)
	require.Equal(t, []string{
		"setup_project", "set_target", "build_firmware",
		"flash_device", "run_simulation", "hardware_check", "qa_analysis",
	}, phaseIDs(res))
	for _, ph := range res.Phases {
		require.Equal(t, string(StatusCompleted), ph.Status, ph.TaskID)
	}

	qa := phaseByID(t, res, "qa_analysis")
	require.NotNil(t, qa.Result)
	require.True(t, qa.Result.Passed)
	require.Equal(t, "QA Analysis: PASSED\nIssues found: 0", qa.Result.Report)

	require.Contains(t, res.Artifacts["build_output"], "idf.py build ok")
	require.Equal(t, testProject+"/build", res.Artifacts["build_path"])
	require.Contains(t, res.Artifacts["qemu_output"], "Hello World")

	calls := tc.recorded()
	require.Equal(t, []string{"list", "set_target esp32s3", "build", "artifacts"}, calls[:4])
	require.Contains(t, calls, "flash")
	require.Contains(t, calls, "start_sim esp32s3")
	require.Equal(t, []string{"doctor", "stop_sim"}, calls[len(calls)-2:])
}

// TestEngine_Execute_BuildOnlyPlan tests that flash and simulation
// phases are skipped when the request excludes them.
func TestEngine_Execute_BuildOnlyPlan(t *testing.T) {
	tc := newOKStub()
	eng := newTestEngine(tc, &stubFixer{}, &recordingBus{})

	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []string{
		"setup_project", "set_target", "build_firmware", "hardware_check", "qa_analysis",
	}, phaseIDs(res))

	calls := tc.recorded()
	require.Contains(t, calls, "set_target esp32")
	require.NotContains(t, calls, "flash")
	require.NotContains(t, calls, "start_sim esp32")
	require.NotContains(t, res.Artifacts, "qemu_output")
}

// TestEngine_Execute_SimulationOnly tests a run that simulates without
// flashing: QEMU output feeds QA and no flash command is issued.
func TestEngine_Execute_SimulationOnly(t *testing.T) {
	tc := newOKStub()
	rec := &recordingBus{}
	eng := newTestEngine(tc, &stubFixer{}, rec)

	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject, RunQEMU: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 0, res.QAIterations)
	require.Equal(t, []string{
		"setup_project", "set_target", "build_firmware",
		"run_simulation", "hardware_check", "qa_analysis",
	}, phaseIDs(res))
	for _, ph := range res.Phases {
		require.Equal(t, string(StatusCompleted), ph.Status, ph.TaskID)
	}
	require.True(t, phaseByID(t, res, "qa_analysis").Result.Passed)
	require.Contains(t, res.Artifacts["qemu_output"], "Hello World")

	calls := tc.recorded()
	require.NotContains(t, calls, "flash")
	require.Contains(t, calls, "start_sim esp32")
	require.Equal(t, "stop_sim", calls[len(calls)-1], "the run stops its simulator on the way out")

	started := rec.byKind(bus.EventWorkflowPhaseStarted)
	completed := rec.byKind(bus.EventWorkflowPhaseCompleted)
	require.Len(t, started, 6)
	require.Len(t, completed, 6)
	for i, ev := range started {
		require.Equal(t, ev.Payload["phase"], completed[i].Payload["phase"])
	}
}

// TestEngine_Execute_BuildFailureStalls tests that a failed build
// leaves its dependents unrunnable and fails the workflow.
func TestEngine_Execute_BuildFailureStalls(t *testing.T) {
	tc := newOKStub()
	tc.buildResults = []toolchain.CommandResult{
		failCmd("idf.py build", "fatal error: missing.h: No such file or directory", 2),
	}
	rec := &recordingBus{}
	eng := newTestEngine(tc, &stubFixer{}, rec)

	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject, RunQEMU: true})
	require.NoError(t, err)
	require.False(t, res.Success)

	require.Equal(t, string(StatusFailed), phaseByID(t, res, "build_firmware").Status)
	require.Contains(t, phaseByID(t, res, "build_firmware").Error, "exited with code 2")
	require.Equal(t, string(StatusPending), phaseByID(t, res, "run_simulation").Status)
	require.Equal(t, string(StatusPending), phaseByID(t, res, "qa_analysis").Status)
	require.Contains(t, res.Artifacts["build_output"], "fatal error")

	calls := tc.recorded()
	require.NotContains(t, calls, "doctor")
	require.NotContains(t, calls, "artifacts")
	require.NotContains(t, calls, "stop_sim", "nothing to stop when the simulation never started")

	var stalled bool
	for _, msg := range rec.logMessages() {
		if msg == "Workflow stalled; unrunnable tasks: run_simulation, hardware_check, qa_analysis" {
			stalled = true
		}
	}
	require.True(t, stalled, "expected a stall log event, got %v", rec.logMessages())
}

// TestEngine_Execute_ValidationFailure tests that a project without a
// CMakeLists.txt fails before any toolchain command runs.
func TestEngine_Execute_ValidationFailure(t *testing.T) {
	tc := newOKStub()
	tc.listEntries = []string{"README.md", "src"}
	eng := newTestEngine(tc, &stubFixer{}, &recordingBus{})

	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, string(StatusFailed), phaseByID(t, res, "setup_project").Status)
	require.Equal(t, "CMakeLists.txt not found in project root", phaseByID(t, res, "setup_project").Error)
	require.Equal(t, []string{"list"}, tc.recorded())
}

// TestEngine_Execute_RepairLoopFixesBuild tests the full QA round
// trip: a dirty build flags an issue, the fixer patches the source,
// the rebuild comes back clean, and the retest passes.
func TestEngine_Execute_RepairLoopFixesBuild(t *testing.T) {
	tc := newOKStub()
	tc.buildResults = []toolchain.CommandResult{
		{Success: true, Stdout: "main/main.c:7:3: error: 'LED_PIN' undeclared", Command: "idf.py build"},
		okCmd("idf.py build"),
	}
	fixer := &stubFixer{}
	rec := &recordingBus{}
	eng := newTestEngine(tc, fixer, rec)

	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.QAIterations)
	require.Equal(t, []string{
		"setup_project", "set_target", "build_firmware", "hardware_check", "qa_analysis",
		"fix_issues_1", "rebuild_1", "retest_1",
	}, phaseIDs(res))

	qa := phaseByID(t, res, "qa_analysis")
	require.False(t, qa.Result.Passed)
	require.Equal(t, []Issue{{Severity: SeverityHigh, Component: "build", Message: "Build errors detected"}}, qa.Result.Issues)

	retest := phaseByID(t, res, "retest_1")
	require.Equal(t, string(StatusCompleted), retest.Status)
	require.True(t, retest.Result.Passed)

	require.Len(t, fixer.calls, 1)
	require.Equal(t, testProject+"/main/main.c", fixer.calls[0].path)
	require.Contains(t, fixer.calls[0].errorCtx, "LED_PIN")
	require.Contains(t, tc.written[testProject+"/main/main.c"], "// fixed")
	require.Equal(t, 2, tc.buildCalls)

	require.Contains(t, rec.logMessages(), "QA found 1 issue(s); scheduling fix_issues_1 (round 1 of 3)")
}

// TestEngine_Execute_RepairLoopExhausts tests that the repair loop
// gives up after the configured number of rounds and fails the run
// even though every task settled.
func TestEngine_Execute_RepairLoopExhausts(t *testing.T) {
	tc := newOKStub()
	tc.buildResults = []toolchain.CommandResult{
		{Success: true, Stdout: "main/main.c:7:3: error: 'LED_PIN' undeclared", Command: "idf.py build"},
	}
	rec := &recordingBus{}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(tc, &stubFixer{}, rec, clk, Config{MaxQAIterations: 2, MaxParallel: 2})

	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 2, res.QAIterations)
	require.Len(t, res.Phases, 11)
	for _, ph := range res.Phases {
		require.Equal(t, string(StatusCompleted), ph.Status, ph.TaskID)
	}
	require.Contains(t, rec.logMessages(), "Max QA iterations reached (2); giving up on automated fixes")
}

// TestEngine_Execute_FixFailureBlocksRebuild tests that a repair round
// whose fixes all fail leaves the rebuild and retest unrunnable.
func TestEngine_Execute_FixFailureBlocksRebuild(t *testing.T) {
	tc := newOKStub()
	tc.buildResults = []toolchain.CommandResult{
		{Success: true, Stdout: "main/main.c:7:3: error: 'LED_PIN' undeclared", Command: "idf.py build"},
	}
	fixer := &stubFixer{results: []llm.CodeFixResult{{Success: false, Error: "model unavailable"}}}
	rec := &recordingBus{}
	eng := newTestEngine(tc, fixer, rec)

	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject})
	require.NoError(t, err)
	require.False(t, res.Success)

	fix := phaseByID(t, res, "fix_issues_1")
	require.Equal(t, string(StatusFailed), fix.Status)
	require.Contains(t, fix.Error, "model unavailable")
	require.Equal(t, string(StatusPending), phaseByID(t, res, "rebuild_1").Status)
	require.Equal(t, string(StatusPending), phaseByID(t, res, "retest_1").Status)
	require.Contains(t, rec.logMessages(), "Workflow stalled; unrunnable tasks: rebuild_1, retest_1")
}

// TestEngine_Execute_ParallelPhasesOverlap tests that flash and
// simulation genuinely run concurrently rather than back to back.
func TestEngine_Execute_ParallelPhasesOverlap(t *testing.T) {
	tc := newOKStub()
	var both sync.WaitGroup
	both.Add(2)
	meet := func() bool {
		both.Done()
		done := make(chan struct{})
		go func() {
			both.Wait()
			close(done)
		}()
		select {
		case <-done:
			return true
		case <-time.After(2 * time.Second):
			return false
		}
	}
	var overlapped atomic.Bool
	overlapped.Store(true)
	hook := func() {
		if !meet() {
			overlapped.Store(false)
		}
	}
	tc.flashHook = hook
	tc.simHook = hook
	eng := newTestEngine(tc, &stubFixer{}, &recordingBus{})

	res, err := eng.Execute(context.Background(), Request{
		ProjectPath: testProject,
		FlashDevice: true,
		RunQEMU:     true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, overlapped.Load(), "flash and simulation did not overlap")
}

// TestEngine_Execute_MaxParallelBound tests that the semaphore caps
// how many parallel tasks run at once.
func TestEngine_Execute_MaxParallelBound(t *testing.T) {
	tc := newOKStub()
	var cur, peak atomic.Int32
	enter := func() {
		c := cur.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
	}
	tc.flashHook = enter
	tc.simHook = enter
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(tc, &stubFixer{}, &recordingBus{}, clk, Config{MaxQAIterations: 3, MaxParallel: 1})

	res, err := eng.Execute(context.Background(), Request{
		ProjectPath: testProject,
		FlashDevice: true,
		RunQEMU:     true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.EqualValues(t, 1, peak.Load())
}

// TestEngine_Execute_Cancelled tests that a dead context stops the run
// before any task is scheduled.
func TestEngine_Execute_Cancelled(t *testing.T) {
	tc := newOKStub()
	eng := newTestEngine(tc, &stubFixer{}, &recordingBus{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := eng.Execute(ctx, Request{ProjectPath: testProject})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, res.Success)
	require.Empty(t, tc.recorded())
}

// TestEngine_Execute_HandlerPanic tests that a panicking handler is
// recorded as a task failure instead of crashing the scheduler.
func TestEngine_Execute_HandlerPanic(t *testing.T) {
	tc := newOKStub()
	tc.listFn = func() ([]string, error) { panic("boom") }
	eng := newTestEngine(tc, &stubFixer{}, &recordingBus{})

	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject})
	require.NoError(t, err)
	require.False(t, res.Success)
	setup := phaseByID(t, res, "setup_project")
	require.Equal(t, string(StatusFailed), setup.Status)
	require.Contains(t, setup.Error, "handler panic: boom")
}

// TestEngine_Execute_PublishesLifecycleEvents tests the event stream
// of a run: phase starts and completions, per-phase progress pairs,
// and job attribution on every event.
func TestEngine_Execute_PublishesLifecycleEvents(t *testing.T) {
	tc := newOKStub()
	rec := &recordingBus{}
	eng := newTestEngine(tc, &stubFixer{}, rec)

	jobID := int64(77)
	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject, JobID: &jobID})
	require.NoError(t, err)
	require.True(t, res.Success)

	started := rec.byKind(bus.EventWorkflowPhaseStarted)
	require.Len(t, started, 5)
	require.Equal(t, "setup_project", started[0].Payload["phase"])
	require.Equal(t, "project_manager", started[0].Payload["role"])
	require.Equal(t, "validate_project_structure", started[0].Payload["action"])
	require.Equal(t, "agent-pm", started[0].AgentID)

	completed := rec.byKind(bus.EventWorkflowPhaseCompleted)
	require.Len(t, completed, 5)
	for _, ev := range completed {
		require.Equal(t, "completed", ev.Payload["status"])
	}

	// Each task emits progress 0 on start and 100 on completion, so
	// the count of 100s equals the count of completed tasks.
	progress := rec.byKind(bus.EventJobProgress)
	require.Len(t, progress, 10)
	finished := make(map[string]bool)
	for _, ev := range progress {
		val, ok := ev.Payload["progress"].(float64)
		require.True(t, ok)
		phase, ok := ev.Payload["phase"].(string)
		require.True(t, ok)
		switch val {
		case 0:
			require.False(t, finished[phase], "phase %s reported progress after finishing", phase)
		case 100:
			finished[phase] = true
		default:
			t.Fatalf("unexpected progress value %v for phase %s", val, phase)
		}
	}
	require.Len(t, finished, 5)

	for _, ev := range rec.all() {
		require.NotNil(t, ev.JobID, "event %s missing job id", ev.Kind)
		require.Equal(t, jobID, *ev.JobID)
	}
}

// TestEngine_Execute_ProgressHundredsMatchCompletions tests that a run
// with failures reports progress 100 only for tasks that completed.
func TestEngine_Execute_ProgressHundredsMatchCompletions(t *testing.T) {
	tc := newOKStub()
	tc.buildResults = []toolchain.CommandResult{
		failCmd("idf.py build", "undefined reference to `app_main'", 2),
	}
	rec := &recordingBus{}
	eng := newTestEngine(tc, &stubFixer{}, rec)

	res, err := eng.Execute(context.Background(), Request{ProjectPath: testProject})
	require.NoError(t, err)
	require.False(t, res.Success)

	completedTasks := 0
	for _, phase := range res.Phases {
		if phase.Status == string(StatusCompleted) {
			completedTasks++
		}
	}
	hundreds := 0
	for _, ev := range rec.byKind(bus.EventJobProgress) {
		if ev.Payload["progress"] == float64(100) {
			hundreds++
		}
	}
	require.Equal(t, completedTasks, hundreds)
	require.Equal(t, 2, hundreds, "only setup and set_target complete when the build fails")
}
