package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/kiln/internal/bus"
	"github.com/zjrosen/kiln/internal/clock"
	"github.com/zjrosen/kiln/internal/domain"
	"github.com/zjrosen/kiln/internal/llm"
	"github.com/zjrosen/kiln/internal/log"
	"github.com/zjrosen/kiln/internal/toolchain"
	"github.com/zjrosen/kiln/internal/tracing"
)

// Publisher sends workflow events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// Fixer generates source repairs for QA issues. *llm.Client satisfies
// it.
type Fixer interface {
	FixCode(ctx context.Context, sourcePath, code, errorContext string) llm.CodeFixResult
}

// Config bounds a workflow run. A zero MaxQAIterations disables the
// repair loop; a zero SimStartWait samples simulator output
// immediately.
type Config struct {
	// MaxQAIterations caps fix/rebuild/retest rounds per run.
	MaxQAIterations int
	// MaxParallel bounds concurrently running parallel tasks.
	MaxParallel int
	// SimStartWait is how long the simulator runs before its output is
	// sampled.
	SimStartWait time.Duration
	// FlashPort and FlashBaud are passed through to the flasher.
	FlashPort string
	FlashBaud int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQAIterations: 3,
		MaxParallel:     4,
		SimStartWait:    3 * time.Second,
		FlashPort:       toolchain.DefaultFlashPort,
		FlashBaud:       toolchain.DefaultFlashBaud,
	}
}

// Engine executes workflow runs against a toolchain, publishing
// progress to the event bus as tasks move through the DAG.
type Engine struct {
	tc    toolchain.Toolchain
	fixer Fixer
	pub   Publisher
	clock clock.Clock
	cfg   Config
}

// NewEngine wires an engine. Invalid config fields fall back to
// defaults; MaxQAIterations and SimStartWait keep explicit zeros.
func NewEngine(tc toolchain.Toolchain, fixer Fixer, pub Publisher, clk clock.Clock, cfg Config) *Engine {
	if cfg.MaxQAIterations < 0 {
		cfg.MaxQAIterations = 0
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultConfig().MaxParallel
	}
	if cfg.FlashPort == "" {
		cfg.FlashPort = toolchain.DefaultFlashPort
	}
	if cfg.FlashBaud <= 0 {
		cfg.FlashBaud = toolchain.DefaultFlashBaud
	}
	return &Engine{tc: tc, fixer: fixer, pub: pub, clock: clk, cfg: cfg}
}

// Execute runs the workflow for req and reports per-phase results.
// Task failures are encoded in the Result, not the error return, which
// is reserved for cancellation.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	state := newState(req)
	ctx, span := tracing.StartSpan(ctx, tracing.SpanPrefixWorkflow+"execute",
		attribute.String(tracing.AttrProjectPath, state.ProjectPath),
		attribute.String(tracing.AttrTarget, state.Target),
		attribute.Bool(tracing.AttrFlashDevice, req.FlashDevice),
		attribute.Bool(tracing.AttrRunQEMU, req.RunQEMU))
	log.Info(log.CatWorkflow, "workflow started",
		"project", state.ProjectPath,
		"target", state.Target,
		"flash", req.FlashDevice,
		"qemu", req.RunQEMU,
		"tasks", len(state.Order))
	defer e.stopSimulation(state)

	deadlocked := false
	for !state.allTerminal() {
		if err := ctx.Err(); err != nil {
			log.Warn(log.CatWorkflow, "workflow cancelled", "remaining", state.remainingIDs())
			tracing.EndSpan(span, err)
			return e.result(state, false), err
		}
		ready := state.ready()
		if len(ready) == 0 {
			// Unsatisfiable dependencies, typically a failed prereq.
			deadlocked = true
			remaining := state.remainingIDs()
			log.Warn(log.CatWorkflow, "workflow stalled", "remaining", remaining)
			e.publishLog(ctx, req.JobID, domain.LogError,
				fmt.Sprintf("Workflow stalled; unrunnable tasks: %s", strings.Join(remaining, ", ")), "")
			break
		}
		if t := firstSequential(ready); t != nil {
			e.runTask(ctx, state, req.JobID, t)
			e.maybeExpandRepair(ctx, state, req.JobID, t)
			continue
		}
		group := parallelOnly(ready)
		e.runGroup(ctx, state, req.JobID, group)
		for _, t := range group {
			e.maybeExpandRepair(ctx, state, req.JobID, t)
		}
	}

	success := !deadlocked && !state.qaExhausted && state.allCompleted()
	span.SetAttributes(attribute.Int(tracing.AttrQAIteration, state.QAIterations))
	if success {
		log.Info(log.CatWorkflow, "workflow completed",
			"tasks", len(state.Order), "qa_iterations", state.QAIterations)
		tracing.EndSpan(span, nil)
	} else {
		log.Warn(log.CatWorkflow, "workflow failed",
			"tasks", len(state.Order), "qa_iterations", state.QAIterations,
			"qa_exhausted", state.qaExhausted)
		tracing.EndSpan(span, fmt.Errorf("workflow failed after %d qa iterations", state.QAIterations))
	}
	return e.result(state, success), nil
}

// stopSimulation tears down the project's simulator when a run that
// started one exits. The simulator outlives its task so diagnostics and
// QA sample a live instance; left running, it would refuse the next
// run's start. StopSim tolerates an instance that already exited.
func (e *Engine) stopSimulation(state *State) {
	t, ok := state.Tasks["run_simulation"]
	if !ok || t.Status == StatusPending {
		return
	}
	if res := e.tc.StopSim(state.ProjectPath); !res.Success {
		log.Debug(log.CatWorkflow, "no simulation to stop", "project", state.ProjectPath, "error", res.Error)
	}
}

// firstSequential returns the first non-parallel ready task, if any.
// Sequential tasks run one at a time before any parallel group starts.
func firstSequential(ready []*Task) *Task {
	for _, t := range ready {
		if !t.Parallel {
			return t
		}
	}
	return nil
}

func parallelOnly(ready []*Task) []*Task {
	var out []*Task
	for _, t := range ready {
		if t.Parallel {
			out = append(out, t)
		}
	}
	return out
}

// runTask executes one sequential task to completion.
func (e *Engine) runTask(ctx context.Context, state *State, jobID *int64, t *Task) {
	e.startTask(ctx, jobID, t)
	res := e.invoke(ctx, state, t)
	e.settle(ctx, jobID, state, t, res)
}

// runGroup executes parallel tasks concurrently, bounded by
// MaxParallel. Handlers only read shared state; results are merged
// here after the join, so the group cannot race.
func (e *Engine) runGroup(ctx context.Context, state *State, jobID *int64, group []*Task) {
	for _, t := range group {
		e.startTask(ctx, jobID, t)
	}
	results := make([]TaskResult, len(group))
	sem := make(chan struct{}, e.cfg.MaxParallel)
	var wg sync.WaitGroup
	for i, t := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.invoke(ctx, state, t)
		}()
	}
	wg.Wait()
	for i, t := range group {
		e.settle(ctx, jobID, state, t, results[i])
	}
}

func (e *Engine) startTask(ctx context.Context, jobID *int64, t *Task) {
	t.Status = StatusInProgress
	t.StartedAt = e.clock.Now()
	agentID := domain.DefaultAgentID(t.Role)
	log.Info(log.CatWorkflow, "task started", "task", t.ID, "role", t.Role, "action", t.Action)

	// Progress is phase-scoped: 0 when the task starts, 100 when it
	// completes. Dashboards count the 100s against the plan size.
	e.publish(ctx, jobID, bus.NewEvent(bus.EventJobProgress, map[string]any{
		"phase":    t.ID,
		"progress": float64(0),
		"message":  fmt.Sprintf("Executing %s", t.Action),
	}).WithAgent(agentID))
	e.publish(ctx, jobID, bus.NewEvent(bus.EventWorkflowPhaseStarted, map[string]any{
		"phase":  t.ID,
		"role":   t.Role.String(),
		"action": string(t.Action),
	}).WithAgent(agentID))
	e.publishLog(ctx, jobID, domain.LogInfo,
		fmt.Sprintf("[%s] %s started", t.Role, t.ID), agentID)
}

// settle merges a handler record into the task and shared state, then
// announces the outcome.
func (e *Engine) settle(ctx context.Context, jobID *int64, state *State, t *Task, res TaskResult) {
	r := res
	t.Result = &r
	t.Error = res.Error
	t.CompletedAt = e.clock.Now()
	if res.Success {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusFailed
	}
	for k, v := range res.Artifacts {
		state.Artifacts[k] = v
	}

	agentID := domain.DefaultAgentID(t.Role)
	progress := float64(0)
	message := fmt.Sprintf("%s failed", t.ID)
	if res.Success {
		progress = 100
		message = fmt.Sprintf("%s completed", t.ID)
	}
	e.publish(ctx, jobID, bus.NewEvent(bus.EventJobProgress, map[string]any{
		"phase":    t.ID,
		"progress": progress,
		"message":  message,
	}).WithAgent(agentID))
	e.publish(ctx, jobID, bus.NewEvent(bus.EventWorkflowPhaseCompleted, map[string]any{
		"phase":  t.ID,
		"status": string(t.Status),
	}).WithAgent(agentID))
	if res.Success {
		log.Info(log.CatWorkflow, "task completed", "task", t.ID, "role", t.Role)
		e.publishLog(ctx, jobID, domain.LogSuccess,
			fmt.Sprintf("[%s] %s completed", t.Role, t.ID), agentID)
		return
	}
	log.Warn(log.CatWorkflow, "task failed", "task", t.ID, "role", t.Role, "error", res.Error)
	e.publishLog(ctx, jobID, domain.LogError,
		fmt.Sprintf("[%s] %s failed: %s", t.Role, t.ID, res.Error), agentID)
}

// maybeExpandRepair appends a fix round after a failed QA verdict, or
// marks the loop exhausted once the iteration budget is spent. Repair
// rounds are appended only between scheduling rounds, after the
// triggering task and its whole group have settled.
func (e *Engine) maybeExpandRepair(ctx context.Context, state *State, jobID *int64, t *Task) {
	if t.Action != ActionQAAnalysis && t.Action != ActionRetest {
		return
	}
	if t.Status != StatusCompleted || t.Result == nil || t.Result.Passed {
		return
	}
	qaAgent := domain.DefaultAgentID(domain.AgentTypeQA)
	if state.QAIterations >= e.cfg.MaxQAIterations {
		state.qaExhausted = true
		log.Warn(log.CatWorkflow, "max QA iterations reached",
			"iterations", state.QAIterations, "task", t.ID)
		e.publishLog(ctx, jobID, domain.LogError,
			fmt.Sprintf("Max QA iterations reached (%d); giving up on automated fixes", e.cfg.MaxQAIterations),
			qaAgent)
		return
	}
	state.QAIterations++
	n := state.QAIterations
	fixID := state.appendRepairRound(n, t.Result.Issues)
	log.Info(log.CatWorkflow, "repair round scheduled",
		"round", n, "issues", len(t.Result.Issues), "trigger", t.ID)
	e.publishLog(ctx, jobID, domain.LogInfo,
		fmt.Sprintf("QA found %d issue(s); scheduling %s (round %d of %d)",
			len(t.Result.Issues), fixID, n, e.cfg.MaxQAIterations),
		qaAgent)
}

// publish sends one event, attaching the job reference when present.
// Events are advisory; a down bus never fails the run.
func (e *Engine) publish(ctx context.Context, jobID *int64, ev bus.Event) {
	if jobID != nil {
		ev = ev.WithJob(*jobID)
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		log.Warn(log.CatWorkflow, "event publish failed", "kind", ev.Kind, "error", err)
	}
}

func (e *Engine) publishLog(ctx context.Context, jobID *int64, level domain.LogLevel, message, agentID string) {
	ev := bus.NewEvent(bus.EventLogEntry, map[string]any{
		"level":   string(level),
		"message": message,
	})
	if agentID != "" {
		ev = ev.WithAgent(agentID)
	}
	e.publish(ctx, jobID, ev)
}

func (e *Engine) result(state *State, success bool) Result {
	phases := make([]PhaseResult, 0, len(state.Order))
	for _, id := range state.Order {
		t := state.Tasks[id]
		pr := PhaseResult{
			TaskID: t.ID,
			Role:   t.Role.String(),
			Action: string(t.Action),
			Status: string(t.Status),
			Result: t.Result,
			Error:  t.Error,
		}
		if !t.StartedAt.IsZero() && !t.CompletedAt.IsZero() {
			pr.DurationSeconds = t.CompletedAt.Sub(t.StartedAt).Seconds()
		}
		phases = append(phases, pr)
	}
	return Result{
		Success:      success,
		Phases:       phases,
		QAIterations: state.QAIterations,
		Artifacts:    state.Artifacts,
	}
}
