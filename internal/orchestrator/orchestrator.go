// Package orchestrator executes build records end to end. It loads the
// build, validates the project checkout, drives the workflow engine
// against it, and persists the outcome while streaming job events to
// the event bus. A bounded worker pool caps how many builds run at
// once; callers enqueue and return immediately.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/kiln/internal/bus"
	"github.com/zjrosen/kiln/internal/cachemanager"
	"github.com/zjrosen/kiln/internal/clock"
	"github.com/zjrosen/kiln/internal/domain"
	"github.com/zjrosen/kiln/internal/log"
	"github.com/zjrosen/kiln/internal/pool"
	"github.com/zjrosen/kiln/internal/queue"
	"github.com/zjrosen/kiln/internal/workflow"
)

// DefaultStatsTTL is how long aggregate build statistics stay cached.
// Dashboards poll stats on every refresh; hitting SQLite each time is
// wasted work.
const DefaultStatsTTL = 15 * time.Second

const statsCacheKey = "stats:builds"

// Engine runs the build pipeline for one checkout. *workflow.Engine
// satisfies it.
type Engine interface {
	Execute(ctx context.Context, req workflow.Request) (workflow.Result, error)
}

// Publisher pushes events onto the bus. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrentBuilds caps builds executing at once. Zero or less
	// takes the pool default.
	MaxConcurrentBuilds int

	// QueueSize bounds builds waiting for a worker before Enqueue
	// rejects. Zero or less takes the pool default.
	QueueSize int

	// StatsTTL overrides DefaultStatsTTL when positive.
	StatsTTL time.Duration

	// Model labels job records with the repair model in use.
	// Informational only.
	Model string
}

// Service coordinates build execution against the worker pool.
type Service struct {
	builds   domain.BuildRepository
	projects domain.ProjectRepository
	jobs     domain.JobRepository
	engine   Engine
	pub      Publisher
	clock    clock.Clock
	pool     *pool.WorkerPool
	model    string
	statsTTL time.Duration

	stats      *cachemanager.ReadThroughCache[string, *domain.BuildStats, struct{}]
	statsStore cachemanager.CacheManager[string, *domain.BuildStats]
}

// NewService wires a Service. Call Start to launch the workers.
func NewService(
	builds domain.BuildRepository,
	projects domain.ProjectRepository,
	jobs domain.JobRepository,
	engine Engine,
	pub Publisher,
	clk clock.Clock,
	cfg Config,
) *Service {
	s := &Service{
		builds:   builds,
		projects: projects,
		jobs:     jobs,
		engine:   engine,
		pub:      pub,
		clock:    clk,
		model:    cfg.Model,
		statsTTL: cfg.StatsTTL,
	}
	if s.statsTTL <= 0 {
		s.statsTTL = DefaultStatsTTL
	}

	s.statsStore = cachemanager.NewInMemoryCacheManager[string, *domain.BuildStats](
		"build-stats", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	s.stats = cachemanager.NewReadThroughCache[string, *domain.BuildStats, struct{}](
		s.statsStore,
		func(ctx context.Context, _ struct{}) (*domain.BuildStats, error) {
			return builds.Stats()
		},
		false,
	)

	s.pool = pool.NewWorkerPool(pool.Config{
		Runner:     s.runQueued,
		MaxWorkers: cfg.MaxConcurrentBuilds,
		QueueSize:  cfg.QueueSize,
	})
	return s
}

// Start launches the worker pool.
func (s *Service) Start() error {
	return s.pool.Start()
}

// Close stops the pool, waits for in-flight builds to finish, and fails
// any builds still queued so they do not sit pending forever.
func (s *Service) Close() {
	for _, queued := range s.pool.Close() {
		s.failDrained(queued)
	}
}

func (s *Service) failDrained(queued queue.QueuedBuild) {
	build, err := s.builds.FindByID(queued.BuildID)
	if err != nil {
		log.ErrorErr(log.CatBuild, "Failed to load drained build", err, "buildID", queued.BuildID)
		return
	}
	s.failFast(context.Background(), build, "Error: server shut down before the build started")
}

// Enqueue schedules a build for asynchronous execution. The queue is
// bounded; queue.ErrQueueFull comes back when the backlog is at
// capacity.
func (s *Service) Enqueue(build *domain.Build, flashDevice, runQEMU bool) error {
	err := s.pool.Submit(queue.QueuedBuild{
		BuildID:     build.ID(),
		ProjectID:   build.ProjectID(),
		TriggeredBy: string(build.TriggeredBy()),
		FlashDevice: flashDevice,
		RunQEMU:     runQEMU,
		EnqueuedAt:  s.clock.Now(),
	})
	if err != nil {
		return err
	}
	log.Info(log.CatBuild, "Build queued",
		"buildID", build.ID(), "projectID", build.ProjectID(), "queueLen", s.pool.QueueLen())
	return nil
}

func (s *Service) runQueued(ctx context.Context, queued queue.QueuedBuild) {
	if err := s.ExecuteBuild(ctx, queued.BuildID, queued.FlashDevice, queued.RunQEMU); err != nil {
		log.ErrorErr(log.CatBuild, "Build execution failed", err, "buildID", queued.BuildID)
	}
}

// ExecuteBuild runs one build synchronously: checkout validation, the
// workflow, and persistence of the outcome. The returned error covers
// operational failures (missing rows, cancellation); a build that ran
// and failed is recorded on the build row with a nil return.
func (s *Service) ExecuteBuild(ctx context.Context, buildID int64, flashDevice, runQEMU bool) error {
	build, err := s.builds.FindByID(buildID)
	if err != nil {
		return fmt.Errorf("loading build %d: %w", buildID, err)
	}

	project, err := s.projects.FindByID(build.ProjectID())
	if err != nil {
		s.failFast(ctx, build, fmt.Sprintf("Error: loading project %s: %v", build.ProjectID(), err))
		return fmt.Errorf("loading project %s: %w", build.ProjectID(), err)
	}

	if reason := validateCheckout(project); reason != "" {
		log.Warn(log.CatBuild, "Build rejected", "buildID", build.ID(), "reason", reason)
		s.failFast(ctx, build, reason)
		return nil
	}

	if err := build.Start(s.clock.Now()); err != nil {
		return fmt.Errorf("starting build %d: %w", buildID, err)
	}
	if err := s.builds.Save(build); err != nil {
		return fmt.Errorf("saving build %d: %w", buildID, err)
	}

	job, err := domain.NewJob("build", s.model)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	if err := job.Start(s.clock.Now()); err != nil {
		return fmt.Errorf("starting job: %w", err)
	}
	if err := s.jobs.Save(job); err != nil {
		return fmt.Errorf("saving job: %w", err)
	}

	log.Info(log.CatBuild, "Build started",
		"buildID", build.ID(), "jobID", job.ID, "project", project.Name(), "commit", build.CommitSHA())
	s.publish(ctx, bus.NewEvent(bus.EventJobStarted, map[string]any{
		"job_id":     job.ID,
		"job_type":   job.JobType,
		"build_id":   build.ID(),
		"project_id": project.ID(),
		"commit_sha": build.CommitSHA(),
	}).WithJob(job.ID))

	result, runErr := s.runWorkflow(ctx, workflow.Request{
		ProjectPath: project.LocalPath(),
		Target:      project.Target(),
		FlashDevice: flashDevice,
		RunQEMU:     runQEMU,
		JobID:       &job.ID,
	})

	s.finish(ctx, build, job, result, runErr)
	return runErr
}

// runWorkflow isolates engine panics so a crashing run cannot take down
// the worker. The panic is folded into the error path and recorded on
// the build like any other failure.
func (s *Service) runWorkflow(ctx context.Context, req workflow.Request) (result workflow.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBuild, "Workflow panicked", "panic", fmt.Sprintf("%v", r))
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return s.engine.Execute(ctx, req)
}

// finish persists the outcome on the build and job rows and announces
// it on the bus. Persistence failures here are logged, not returned;
// there is no caller left to retry on behalf of a finished workflow.
func (s *Service) finish(ctx context.Context, build *domain.Build, job *domain.Job, result workflow.Result, runErr error) {
	success := runErr == nil && result.Success

	output := result.Artifacts["build_output"]
	if runErr != nil {
		output = "Error: " + runErr.Error()
	}

	testResults := ""
	if runErr == nil {
		if encoded, err := json.Marshal(result); err == nil {
			testResults = string(encoded)
		}
	}

	if err := build.Complete(s.clock.Now(), success); err != nil {
		log.ErrorErr(log.CatBuild, "Failed to complete build", err, "buildID", build.ID())
	}
	build.SetOutputs(output, testResults, result.Artifacts["build_path"])
	if err := s.builds.Save(build); err != nil {
		log.ErrorErr(log.CatBuild, "Failed to save build outcome", err, "buildID", build.ID())
	}

	jobError := ""
	if !success {
		jobError = failureMessage(result, runErr)
	}
	if err := job.Complete(s.clock.Now(), success, jobError); err != nil {
		log.ErrorErr(log.CatBuild, "Failed to complete job", err, "jobID", job.ID)
	}
	if err := s.jobs.Save(job); err != nil {
		log.ErrorErr(log.CatBuild, "Failed to save job outcome", err, "jobID", job.ID)
	}

	s.invalidateStats(ctx)

	payload := map[string]any{
		"job_id":   job.ID,
		"build_id": build.ID(),
		"success":  success,
	}
	if build.DurationSeconds() != nil {
		payload["duration_seconds"] = *build.DurationSeconds()
	}
	kind := bus.EventJobCompleted
	if !success {
		kind = bus.EventJobFailed
		payload["error"] = jobError
	}
	s.publish(ctx, bus.NewEvent(kind, payload).WithJob(job.ID))

	if success {
		log.Info(log.CatBuild, "Build succeeded",
			"buildID", build.ID(), "qaIterations", result.QAIterations)
	} else {
		log.Warn(log.CatBuild, "Build failed", "buildID", build.ID(), "error", jobError)
	}
}

// failureMessage summarizes why a run failed for the job record.
func failureMessage(result workflow.Result, runErr error) string {
	if runErr != nil {
		return runErr.Error()
	}
	for _, phase := range result.Phases {
		if phase.Status == string(workflow.StatusFailed) {
			return fmt.Sprintf("%s failed: %s", phase.TaskID, phase.Error)
		}
	}
	return "workflow did not complete"
}

// failFast records a build that never reached the workflow.
func (s *Service) failFast(ctx context.Context, build *domain.Build, reason string) {
	if err := build.FailFast(s.clock.Now(), reason); err != nil {
		log.ErrorErr(log.CatBuild, "Failed to fail-fast build", err, "buildID", build.ID())
		return
	}
	if err := s.builds.Save(build); err != nil {
		log.ErrorErr(log.CatBuild, "Failed to save build outcome", err, "buildID", build.ID())
		return
	}
	s.invalidateStats(ctx)
	s.publish(ctx, bus.NewEvent(bus.EventLogEntry, map[string]any{
		"level":   string(domain.LogError),
		"message": reason,
	}))
}

// validateCheckout confirms the project can actually be built before a
// worker gets tied up. Returns an explanation for the build record, or
// "" when the checkout looks usable.
func validateCheckout(project *domain.Project) string {
	if project.Status() != domain.ProjectActive {
		return fmt.Sprintf("Error: project %s is %s; only active projects build", project.Name(), project.Status())
	}
	if project.LocalPath() == "" {
		return "Error: project has no local checkout"
	}
	if _, err := os.Stat(project.LocalPath()); err != nil {
		return fmt.Sprintf("Error: project checkout missing at %s", project.LocalPath())
	}
	if _, err := os.Stat(filepath.Join(project.LocalPath(), "CMakeLists.txt")); err != nil {
		return "Error: CMakeLists.txt not found in project root"
	}
	return ""
}

// RetryBuild resets a failed build to pending and schedules it again.
// Anything other than a failed build returns
// *domain.BuildNotRetryableError.
func (s *Service) RetryBuild(ctx context.Context, buildID int64) (*domain.Build, error) {
	build, err := s.builds.FindByID(buildID)
	if err != nil {
		return nil, err
	}
	if err := build.ResetForRetry(); err != nil {
		return nil, err
	}
	if err := s.builds.Save(build); err != nil {
		return nil, fmt.Errorf("saving build %d: %w", buildID, err)
	}
	if err := s.Enqueue(build, false, false); err != nil {
		return nil, err
	}
	s.invalidateStats(ctx)
	log.Info(log.CatBuild, "Build queued for retry", "buildID", build.ID())
	return build, nil
}

// Stats returns aggregate build statistics. Results are cached briefly
// because every dashboard poll asks for them; finishing a build
// invalidates the cache so fresh outcomes show up immediately.
func (s *Service) Stats(ctx context.Context) (*domain.BuildStats, error) {
	return s.stats.Get(ctx, statsCacheKey, struct{}{}, s.statsTTL)
}

func (s *Service) invalidateStats(ctx context.Context) {
	if err := s.statsStore.Delete(ctx, statsCacheKey); err != nil {
		log.Warn(log.CatBuild, "Failed to invalidate stats cache", "error", err)
	}
}

// publish sends an event, logging and moving on when the bus is down.
// Events are advisory; they never gate build persistence.
func (s *Service) publish(ctx context.Context, event bus.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, event); err != nil {
		log.Warn(log.CatBuild, "Event publish failed", "kind", string(event.Kind), "error", err)
	}
}

// QueueLen reports builds waiting for a worker.
func (s *Service) QueueLen() int { return s.pool.QueueLen() }

// InFlight reports builds currently executing.
func (s *Service) InFlight() int { return s.pool.InFlight() }

// MaxWorkers reports the concurrency cap.
func (s *Service) MaxWorkers() int { return s.pool.MaxWorkers() }
