// Package workflow plans and executes multi-agent build pipelines. A
// run is a DAG of role-tagged tasks: project validation and target
// setup, a firmware build, optional flash and QEMU phases, then
// diagnostics and QA analysis in parallel. When QA finds issues the
// engine appends a bounded fix/rebuild/retest round driven by the LLM
// fixer. Handlers return result records and never touch shared state;
// the scheduler alone merges them, so parallel tasks cannot race.
package workflow

import (
	"fmt"
	"time"

	"github.com/zjrosen/kiln/internal/domain"
)

// Action identifies what a task does. Actions are a closed set and the
// engine dispatches on them in a single switch.
type Action string

const (
	ActionValidateStructure Action = "validate_project_structure"
	ActionSetTarget         Action = "set_chip_target"
	ActionBuild             Action = "compile_and_cache"
	ActionFlash             Action = "flash_to_hardware"
	ActionStartSim          Action = "start_qemu"
	ActionDiagnostics       Action = "run_diagnostics"
	ActionQAAnalysis        Action = "analyze_results"
	ActionFixIssues         Action = "fix_issues"
	ActionRebuild           Action = "rebuild"
	ActionRetest            Action = "retest"
)

// Status tracks a task through the scheduler.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the task has settled, successfully or not.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Issue severities assigned by QA analysis.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Issue is one defect found by QA analysis.
type Issue struct {
	Severity  string `json:"severity"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Fix records one source change applied during a repair round.
type Fix struct {
	Issue      string `json:"issue"`
	File       string `json:"file"`
	Component  string `json:"component"`
	Confidence string `json:"confidence"`
}

// TaskResult is the record a handler returns. Passed carries the QA
// verdict and is meaningful for analyze and retest tasks only.
type TaskResult struct {
	Success   bool              `json:"success"`
	Output    string            `json:"output,omitempty"`
	Passed    bool              `json:"passed,omitempty"`
	Issues    []Issue           `json:"issues,omitempty"`
	Fixes     []Fix             `json:"fixes,omitempty"`
	Report    string            `json:"report,omitempty"`
	Error     string            `json:"error,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// Task is one node in the workflow DAG. Issues seed fix tasks with the
// defects the round should address.
type Task struct {
	ID           string
	Role         domain.AgentType
	Action       Action
	Dependencies []string
	Parallel     bool
	Issues       []Issue

	Status      Status
	Result      *TaskResult
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// State is the shared context of one run. Only the scheduler goroutine
// writes it; handlers read it and return records to merge.
type State struct {
	ProjectPath  string
	Target       string
	Tasks        map[string]*Task
	Order        []string
	Artifacts    map[string]string
	QAIterations int

	qaExhausted bool
}

// Request describes one workflow run. A nil JobID leaves events
// unattributed to a job.
type Request struct {
	ProjectPath string
	Target      string
	FlashDevice bool
	RunQEMU     bool
	JobID       *int64
}

// PhaseResult summarizes one settled task for callers.
type PhaseResult struct {
	TaskID          string      `json:"task_id"`
	Role            string      `json:"role"`
	Action          string      `json:"action"`
	Status          string      `json:"status"`
	DurationSeconds float64     `json:"duration_seconds"`
	Result          *TaskResult `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// Result is the outcome of a run. Phases follow scheduling order,
// repair rounds included.
type Result struct {
	Success      bool              `json:"success"`
	Phases       []PhaseResult     `json:"phases"`
	QAIterations int               `json:"qa_iterations"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
}

// newState builds the initial DAG for a request. Flash and simulation
// are included on demand; diagnostics and QA depend on whichever of
// them ran, or directly on the build when neither did.
func newState(req Request) *State {
	target := req.Target
	if target == "" {
		target = domain.DefaultTarget
	}
	s := &State{
		ProjectPath: req.ProjectPath,
		Target:      target,
		Tasks:       make(map[string]*Task),
		Artifacts:   make(map[string]string),
	}
	s.add(&Task{ID: "setup_project", Role: domain.AgentTypeProjectManager, Action: ActionValidateStructure})
	s.add(&Task{ID: "set_target", Role: domain.AgentTypeProjectManager, Action: ActionSetTarget,
		Dependencies: []string{"setup_project"}})
	s.add(&Task{ID: "build_firmware", Role: domain.AgentTypeBuilder, Action: ActionBuild,
		Dependencies: []string{"set_target"}})

	var testPhases []string
	if req.FlashDevice {
		s.add(&Task{ID: "flash_device", Role: domain.AgentTypeTester, Action: ActionFlash,
			Dependencies: []string{"build_firmware"}, Parallel: true})
		testPhases = append(testPhases, "flash_device")
	}
	if req.RunQEMU {
		s.add(&Task{ID: "run_simulation", Role: domain.AgentTypeTester, Action: ActionStartSim,
			Dependencies: []string{"build_firmware"}, Parallel: true})
		testPhases = append(testPhases, "run_simulation")
	}
	checkDeps := testPhases
	if len(checkDeps) == 0 {
		checkDeps = []string{"build_firmware"}
	}
	s.add(&Task{ID: "hardware_check", Role: domain.AgentTypeDoctor, Action: ActionDiagnostics,
		Dependencies: checkDeps, Parallel: true})
	s.add(&Task{ID: "qa_analysis", Role: domain.AgentTypeQA, Action: ActionQAAnalysis,
		Dependencies: checkDeps, Parallel: true})
	return s
}

func (s *State) add(t *Task) {
	t.Status = StatusPending
	s.Tasks[t.ID] = t
	s.Order = append(s.Order, t.ID)
}

// appendRepairRound schedules fix, rebuild, and retest tasks for round
// n. The round runs sequentially; it is appended only after every
// previously scheduled task has settled, so the fix task needs no
// dependencies.
func (s *State) appendRepairRound(n int, issues []Issue) string {
	fixID := fmt.Sprintf("fix_issues_%d", n)
	rebuildID := fmt.Sprintf("rebuild_%d", n)
	retestID := fmt.Sprintf("retest_%d", n)
	s.add(&Task{ID: fixID, Role: domain.AgentTypeDeveloper, Action: ActionFixIssues, Issues: issues})
	s.add(&Task{ID: rebuildID, Role: domain.AgentTypeBuilder, Action: ActionRebuild,
		Dependencies: []string{fixID}})
	s.add(&Task{ID: retestID, Role: domain.AgentTypeQA, Action: ActionRetest,
		Dependencies: []string{rebuildID}})
	return fixID
}

// ready returns pending tasks whose dependencies have all completed,
// in insertion order. A failed dependency never satisfies a dependent;
// the scheduler reports such tasks as unrunnable.
func (s *State) ready() []*Task {
	var out []*Task
	for _, id := range s.Order {
		t := s.Tasks[id]
		if t.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			if d := s.Tasks[dep]; d == nil || d.Status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *State) allTerminal() bool {
	for _, id := range s.Order {
		if !s.Tasks[id].Status.Terminal() {
			return false
		}
	}
	return true
}

func (s *State) allCompleted() bool {
	for _, id := range s.Order {
		if s.Tasks[id].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// remainingIDs lists tasks that have not settled, in insertion order.
func (s *State) remainingIDs() []string {
	var out []string
	for _, id := range s.Order {
		if !s.Tasks[id].Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}
