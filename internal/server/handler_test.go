package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/kiln/internal/bus"
	"github.com/zjrosen/kiln/internal/clock"
	"github.com/zjrosen/kiln/internal/deps"
	"github.com/zjrosen/kiln/internal/domain"
	"github.com/zjrosen/kiln/internal/git"
	"github.com/zjrosen/kiln/internal/infrastructure/sqlite"
	"github.com/zjrosen/kiln/internal/queue"
	"github.com/zjrosen/kiln/internal/testutil"
	"github.com/zjrosen/kiln/internal/webhook"
)

// stubGit satisfies git.Executor with canned results.
type stubGit struct {
	mu         sync.Mutex
	cloneRes   git.CloneResult
	updateRes  git.UpdateResult
	latestRes  git.CommitResult
	exists     bool
	cloneCalls []string
	updates    []string
}

func (g *stubGit) Clone(ctx context.Context, remoteURL, localPath, branch string) git.CloneResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cloneCalls = append(g.cloneCalls, localPath)
	return g.cloneRes
}

func (g *stubGit) Update(ctx context.Context, localPath, branch string) git.UpdateResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, localPath)
	return g.updateRes
}

func (g *stubGit) Checkout(ctx context.Context, localPath, commitSHA string) git.CheckoutResult {
	return git.CheckoutResult{}
}

func (g *stubGit) LatestCommit(ctx context.Context, localPath string) git.CommitResult {
	return g.latestRes
}

func (g *stubGit) Diff(ctx context.Context, localPath, fromCommit, toCommit string) git.DiffResult {
	return git.DiffResult{}
}

func (g *stubGit) Exists(localPath string) bool { return g.exists }

type enqueueCall struct {
	buildID     int64
	flashDevice bool
	runQEMU     bool
}

// stubDispatcher satisfies Dispatcher.
type stubDispatcher struct {
	mu         sync.Mutex
	enqueues   []enqueueCall
	enqueueErr error
	retryBuild *domain.Build
	retryErr   error
	stats      *domain.BuildStats
}

func (d *stubDispatcher) Enqueue(build *domain.Build, flashDevice, runQEMU bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enqueueErr != nil {
		return d.enqueueErr
	}
	d.enqueues = append(d.enqueues, enqueueCall{buildID: build.ID(), flashDevice: flashDevice, runQEMU: runQEMU})
	return nil
}

func (d *stubDispatcher) RetryBuild(ctx context.Context, buildID int64) (*domain.Build, error) {
	if d.retryErr != nil {
		return nil, d.retryErr
	}
	return d.retryBuild, nil
}

func (d *stubDispatcher) Stats(ctx context.Context) (*domain.BuildStats, error) {
	return d.stats, nil
}

func (d *stubDispatcher) recorded() []enqueueCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]enqueueCall(nil), d.enqueues...)
}

// stubIntake satisfies Intake and records deliveries.
type stubIntake struct {
	mu         sync.Mutex
	deliveries []webhook.Delivery
	receipt    webhook.Receipt
	err        error
}

func (i *stubIntake) Handle(ctx context.Context, delivery webhook.Delivery) (webhook.Receipt, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deliveries = append(i.deliveries, delivery)
	if i.err != nil {
		return webhook.Receipt{}, i.err
	}
	return i.receipt, nil
}

type scanCall struct {
	projectID string
	clonePath string
}

// stubResolver satisfies Resolver.
type stubResolver struct {
	mu      sync.Mutex
	scans   []scanCall
	scanRes deps.ScanResult
	scanErr error
	list    []*domain.Dependency
	tree    *domain.DependencyTree
}

func (r *stubResolver) Scan(ctx context.Context, projectID, clonePath string) (deps.ScanResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, scanCall{projectID: projectID, clonePath: clonePath})
	if r.scanErr != nil {
		return deps.ScanResult{}, r.scanErr
	}
	return r.scanRes, nil
}

func (r *stubResolver) List(projectID string) ([]*domain.Dependency, error) {
	return r.list, nil
}

func (r *stubResolver) Tree(ctx context.Context, projectID string) (*domain.DependencyTree, error) {
	return r.tree, nil
}

func (r *stubResolver) recorded() []scanCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scanCall(nil), r.scans...)
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *capturePublisher) Publish(ctx context.Context, event bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) kinds() []bus.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]bus.Kind, 0, len(p.events))
	for _, e := range p.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (p *capturePublisher) byKind(kind bus.Kind) []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Event
	for _, e := range p.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	db       *sqlite.DB
	git      *stubGit
	dispatch *stubDispatcher
	intake   *stubIntake
	resolver *stubResolver
	pub      *capturePublisher
	clk      *clock.FakeClock
	handler  *Handler
	routes   http.Handler
	baseDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	baseDir := t.TempDir()

	g := &stubGit{
		exists: true,
		cloneRes: git.CloneResult{
			Result:        git.Result{Success: true},
			CommitSHA:     "cafe1234feed5678",
			CommitMessage: "Initial import",
			CommitAuthor:  "Dev",
		},
		updateRes: git.UpdateResult{
			Result:         git.Result{Success: true},
			PreviousCommit: "cafe1234feed5678",
			CurrentCommit:  "beef9876dead4321",
			CommitsPulled:  2,
			FilesChanged:   3,
			Insertions:     40,
			Deletions:      7,
		},
		latestRes: git.CommitResult{
			Result:        git.Result{Success: true},
			CommitSHA:     "cafe1234feed5678",
			CommitMessage: "Initial import",
			CommitAuthor:  "Dev",
		},
	}
	d := &stubDispatcher{stats: &domain.BuildStats{Total: 4, Successful: 3, Failed: 1, SuccessRate: 75}}
	in := &stubIntake{receipt: webhook.Receipt{Status: "received", EventID: "dlv-1", EventType: "push", Queued: true}}
	res := &stubResolver{scanRes: deps.ScanResult{TotalFound: 2, NewlyAdded: 2}}
	pub := &capturePublisher{}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	h := NewHandler(HandlerConfig{
		Projects:   db.ProjectRepository(),
		Builds:     db.BuildRepository(),
		Agents:     db.AgentRepository(),
		Jobs:       db.JobRepository(),
		Logs:       db.LogRepository(),
		Metrics:    db.MetricRepository(),
		Git:        g,
		Dispatcher: d,
		Intake:     in,
		Resolver:   res,
		Publisher:  pub,
		Clock:      clk,
		Version:    "1.2.3",
		BaseDir:    baseDir,
	})

	return &fixture{
		db:       db,
		git:      g,
		dispatch: d,
		intake:   in,
		resolver: res,
		pub:      pub,
		clk:      clk,
		handler:  h,
		routes:   h.Routes(),
		baseDir:  baseDir,
	}
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	fx.routes.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

// === Status ===

func TestHandler_Status_ReportsService(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "GET", "/api/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "running", resp.Status)
	require.Equal(t, "kiln", resp.Service)
	require.Equal(t, "1.2.3", resp.Version)
	require.Equal(t, 0, resp.WebsocketConnections)
}

// === Agents ===

func TestHandler_CreateAgent_Persists(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/agents", CreateAgentRequest{
		ID: "agent-builder", Name: "Builder Agent", Type: "builder",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp AgentResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "agent-builder", resp.ID)
	require.Equal(t, "idle", resp.Status)

	saved, err := fx.db.AgentRepository().FindByID("agent-builder")
	require.NoError(t, err)
	require.Equal(t, "Builder Agent", saved.Name)
}

func TestHandler_CreateAgent_GeneratesID(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/agents", CreateAgentRequest{Name: "Ad Hoc", Type: "qa"})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp AgentResponse
	decodeJSON(t, w, &resp)
	require.NotEmpty(t, resp.ID)
}

func TestHandler_CreateAgent_UnknownType_Rejected(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/agents", CreateAgentRequest{
		ID: "agent-x", Name: "X", Type: "janitor",
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "validation_error", resp.Code)
}

func TestHandler_GetAgent_NotFound(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "GET", "/api/agents/agent-ghost", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "not_found", resp.Code)
}

func TestHandler_ListAgents_ReturnsAll(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithAgent("agent-builder", "Builder Agent", "builder").
		WithAgent("agent-qa", "QA Agent", "qa").
		Build()

	w := fx.do(t, "GET", "/api/agents", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []AgentResponse
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 2)
}

func TestHandler_StartAgent_ActivatesAndEmits(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithAgent("agent-builder", "Builder Agent", "builder").
		Build()

	w := fx.do(t, "POST", "/api/agents/agent-builder/start", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp AgentResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "active", resp.Status)
	require.NotNil(t, resp.LastActive)

	require.Equal(t, []bus.Kind{bus.EventAgentStarted, bus.EventAgentStatusChanged}, fx.pub.kinds())
	started := fx.pub.byKind(bus.EventAgentStarted)[0]
	require.Equal(t, "agent-builder", started.AgentID)
	require.Equal(t, "agent-builder", started.Payload["agent_id"])
}

func TestHandler_StopAgent_ReturnsToIdle(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithAgent("agent-builder", "Builder Agent", "builder").
		Build()
	fx.do(t, "POST", "/api/agents/agent-builder/start", nil)

	w := fx.do(t, "POST", "/api/agents/agent-builder/stop", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp AgentResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "idle", resp.Status)
	require.Len(t, fx.pub.byKind(bus.EventAgentStopped), 1)
}

func TestHandler_UpdateAgentStatus_UnknownValue_Rejected(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithAgent("agent-builder", "Builder Agent", "builder").
		Build()

	w := fx.do(t, "PUT", "/api/agents/agent-builder/status", UpdateAgentStatusRequest{Status: "sleeping"})

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_UpdateAgentStatus_EmitsStatusChanged(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithAgent("agent-builder", "Builder Agent", "builder").
		Build()

	w := fx.do(t, "PUT", "/api/agents/agent-builder/status", UpdateAgentStatusRequest{Status: "error"})

	require.Equal(t, http.StatusOK, w.Code)
	changed := fx.pub.byKind(bus.EventAgentStatusChanged)
	require.Len(t, changed, 1)
	require.Equal(t, "error", changed[0].Payload["status"])
}

func TestHandler_DeleteAgent_RemovesSlot(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithAgent("agent-builder", "Builder Agent", "builder").
		Build()

	w := fx.do(t, "DELETE", "/api/agents/agent-builder", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = fx.do(t, "GET", "/api/agents/agent-builder", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// === Jobs ===

func TestHandler_CreateJob_EmitsJobCreated(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/jobs", CreateJobRequest{JobType: "workflow", Model: "gpt-4o-mini"})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp JobResponse
	decodeJSON(t, w, &resp)
	require.NotZero(t, resp.ID)
	require.Equal(t, "pending", resp.Status)

	created := fx.pub.byKind(bus.EventJobCreated)
	require.Len(t, created, 1)
	require.NotNil(t, created[0].JobID)
	require.Equal(t, resp.ID, *created[0].JobID)
}

func TestHandler_CreateJob_MissingType_Rejected(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/jobs", CreateJobRequest{})

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_JobLifecycle_StartThenComplete(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/jobs", CreateJobRequest{JobType: "workflow"})
	require.Equal(t, http.StatusCreated, w.Code)
	var job JobResponse
	decodeJSON(t, w, &job)
	path := "/api/jobs/" + itoa(job.ID)

	w = fx.do(t, "POST", path+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &job)
	require.Equal(t, "running", job.Status)
	require.NotNil(t, job.StartedAt)

	fx.clk.Advance(90 * time.Second)
	w = fx.do(t, "POST", path+"/complete", CompleteJobRequest{Success: true})
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &job)
	require.Equal(t, "completed", job.Status)
	require.NotNil(t, job.DurationSeconds)
	require.InDelta(t, 90, *job.DurationSeconds, 0.001)

	require.Equal(t, []bus.Kind{bus.EventJobCreated, bus.EventJobStarted, bus.EventJobCompleted}, fx.pub.kinds())
}

func TestHandler_CompleteJob_Failure_EmitsJobFailed(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/jobs", CreateJobRequest{JobType: "workflow"})
	var job JobResponse
	decodeJSON(t, w, &job)
	path := "/api/jobs/" + itoa(job.ID)
	fx.do(t, "POST", path+"/start", nil)

	w = fx.do(t, "POST", path+"/complete", CompleteJobRequest{Success: false, ErrorMessage: "link error"})

	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &job)
	require.Equal(t, "failed", job.Status)
	require.Equal(t, "link error", job.ErrorMessage)

	failed := fx.pub.byKind(bus.EventJobFailed)
	require.Len(t, failed, 1)
	require.Equal(t, "link error", failed[0].Payload["error"])
}

func TestHandler_CancelJob_AfterCompletion_Conflicts(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/jobs", CreateJobRequest{JobType: "workflow"})
	var job JobResponse
	decodeJSON(t, w, &job)
	path := "/api/jobs/" + itoa(job.ID)
	fx.do(t, "POST", path+"/start", nil)
	fx.do(t, "POST", path+"/complete", CompleteJobRequest{Success: true})

	w = fx.do(t, "POST", path+"/cancel", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "invalid_transition", resp.Code)
}

func TestHandler_GetJob_BadID_Rejected(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "GET", "/api/jobs/not-a-number", nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListJobs_FiltersByStatus(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithJob("workflow", "running", "gpt-4o-mini").
		WithJob("workflow", "completed", "gpt-4o-mini").
		WithJob("scan", "running", "").
		Build()

	w := fx.do(t, "GET", "/api/jobs?status=running", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []JobResponse
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 2)
	for _, j := range resp {
		require.Equal(t, "running", j.Status)
	}
}

// === Logs ===

func TestHandler_CreateLog_PersistsAndEmits(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/logs", CreateLogRequest{
		Level:   "ERROR",
		Message: "Flash write failed",
		AgentID: "agent-builder",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp LogResponse
	decodeJSON(t, w, &resp)
	require.NotZero(t, resp.ID)
	require.Equal(t, "ERROR", resp.Level)

	entries := fx.pub.byKind(bus.EventLogEntry)
	require.Len(t, entries, 1)
	require.Equal(t, "Flash write failed", entries[0].Payload["message"])
	require.Equal(t, "agent-builder", entries[0].AgentID)
}

func TestHandler_CreateLog_UnknownLevel_Rejected(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/logs", CreateLogRequest{Level: "TRACE", Message: "x"})

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListLogs_FiltersByLevel(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithLog("ERROR", "boom").
		WithLog("INFO", "fine").
		WithLog("ERROR", "boom again").
		Build()

	w := fx.do(t, "GET", "/api/logs?level=ERROR", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []LogResponse
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 2)
}

func TestHandler_DeleteLogs_PurgesOldEntries(t *testing.T) {
	fx := newFixture(t)
	old := fx.clk.Now().Add(-72 * time.Hour)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithLog("INFO", "ancient", testutil.LogAt(old)).
		WithLog("INFO", "recent", testutil.LogAt(fx.clk.Now())).
		Build()

	w := fx.do(t, "DELETE", "/api/logs?older_than_hours=48", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp DeleteLogsResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, 1, resp.Deleted)
}

func TestHandler_DeleteLogs_NegativeWindow_Rejected(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "DELETE", "/api/logs?older_than_hours=-1", nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

// === Metrics ===

func TestHandler_CreateMetric_EmitsMetricUpdate(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/metrics", CreateMetricRequest{
		MetricType: "build_duration",
		Value:      42.5,
		AgentID:    "agent-builder",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp MetricResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, 42.5, resp.Value)

	updates := fx.pub.byKind(bus.EventMetricUpdate)
	require.Len(t, updates, 1)
	require.Equal(t, "build_duration", updates[0].Payload["metric_type"])
}

func TestHandler_MetricsSummary_AggregatesWindow(t *testing.T) {
	fx := newFixture(t)
	now := fx.clk.Now()
	testutil.NewBuilder(t, fx.db.Connection()).
		WithMetric("build_duration", 10, now.Add(-1*time.Hour)).
		WithMetric("build_duration", 30, now.Add(-2*time.Hour)).
		WithMetric("build_duration", 99, now.Add(-80*time.Hour)).
		Build()

	w := fx.do(t, "GET", "/api/metrics/summary?since_hours=24", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]*domain.MetricSummary
	decodeJSON(t, w, &resp)
	require.Contains(t, resp, "build_duration")
	require.Equal(t, 2, resp["build_duration"].Count)
	require.InDelta(t, 20, resp["build_duration"].Avg, 0.001)
}

// === Projects ===

func TestHandler_CreateProject_ClonesScansActivates(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/projects", CreateProjectRequest{
		Name:         "blinky",
		RepoURL:      "https://github.com/acme/blinky.git",
		RepoFullName: "acme/blinky",
		Target:       "esp32s3",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp ProjectResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "active", resp.Status)
	require.Equal(t, "cafe1234feed5678", resp.LastCommitSHA)
	require.Equal(t, filepath.Join(fx.baseDir, "blinky"), resp.LocalPath)
	require.Equal(t, "esp32s3", resp.Target)

	scans := fx.resolver.recorded()
	require.Len(t, scans, 1)
	require.Equal(t, resp.ID, scans[0].projectID)
	require.Equal(t, resp.LocalPath, scans[0].clonePath)
}

func TestHandler_CreateProject_CloneFails_RecordsErrorState(t *testing.T) {
	fx := newFixture(t)
	fx.git.cloneRes = git.CloneResult{Result: git.Result{Success: false, Error: "Git command failed: auth"}}

	w := fx.do(t, "POST", "/api/projects", CreateProjectRequest{
		Name:         "blinky",
		RepoURL:      "https://github.com/acme/blinky.git",
		RepoFullName: "acme/blinky",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp ProjectResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "error", resp.Status)
	require.Empty(t, fx.resolver.recorded())

	saved, err := fx.db.ProjectRepository().FindByID(resp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProjectError, saved.Status())
}

func TestHandler_CreateProject_DuplicateName_Conflicts(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.Name("blinky")).
		Build()

	w := fx.do(t, "POST", "/api/projects", CreateProjectRequest{
		Name:         "blinky",
		RepoURL:      "https://github.com/acme/blinky.git",
		RepoFullName: "acme/blinky",
	})

	require.Equal(t, http.StatusConflict, w.Code)
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "duplicate", resp.Code)
}

func TestHandler_CreateProject_UnknownTarget_Rejected(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "POST", "/api/projects", CreateProjectRequest{
		Name:         "blinky",
		RepoURL:      "https://github.com/acme/blinky.git",
		RepoFullName: "acme/blinky",
		Target:       "esp99",
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetProject_NotFound(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "GET", "/api/projects/nope", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_UpdateProject_ChangesFields(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.Name("blinky")).
		Build()

	name := "blinky-v2"
	branch := "develop"
	target := "esp32c6"
	w := fx.do(t, "PUT", "/api/projects/proj-1", UpdateProjectRequest{
		Name: &name, Branch: &branch, Target: &target,
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp ProjectResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "blinky-v2", resp.Name)
	require.Equal(t, "develop", resp.Branch)
	require.Equal(t, "esp32c6", resp.Target)
}

func TestHandler_UpdateProject_EmptyName_Rejected(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1").
		Build()

	empty := ""
	w := fx.do(t, "PUT", "/api/projects/proj-1", UpdateProjectRequest{Name: &empty})

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_DeleteProject_Removes(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1").
		Build()

	w := fx.do(t, "DELETE", "/api/projects/proj-1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = fx.do(t, "GET", "/api/projects/proj-1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_SyncProject_ReturnsPullCounts(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.Status("active"), testutil.LastCommitSHA("cafe1234feed5678")).
		Build()

	w := fx.do(t, "PUT", "/api/projects/proj-1/sync", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp SyncResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "beef9876dead4321", resp.CurrentCommit)
	require.Equal(t, 2, resp.CommitsPulled)
	require.Equal(t, 3, resp.FilesChanged)
	require.Equal(t, "beef9876dead4321", resp.Project.LastCommitSHA)
	require.NotNil(t, resp.Project.LastSyncAt)
}

func TestHandler_SyncProject_UpdateFails_MarksError(t *testing.T) {
	fx := newFixture(t)
	fx.git.updateRes = git.UpdateResult{Result: git.Result{Success: false, Error: "Git command failed: network"}}
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.Status("active")).
		Build()

	w := fx.do(t, "PUT", "/api/projects/proj-1/sync", nil)

	require.Equal(t, http.StatusBadGateway, w.Code)
	saved, err := fx.db.ProjectRepository().FindByID("proj-1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectError, saved.Status())
}

func TestHandler_SyncProject_MissingClone_Reclones(t *testing.T) {
	fx := newFixture(t)
	fx.git.exists = false
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.Status("active"), testutil.LocalPath("/tmp/kiln/proj-1")).
		Build()

	w := fx.do(t, "PUT", "/api/projects/proj-1/sync", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"/tmp/kiln/proj-1"}, fx.git.cloneCalls)
	var resp SyncResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "cafe1234feed5678", resp.CurrentCommit)
}

// === Manual builds ===

func TestHandler_TriggerBuild_QueuesManualBuild(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.Status("active"), testutil.LastCommitSHA("cafe1234feed5678")).
		Build()

	w := fx.do(t, "POST", "/api/projects/proj-1/build", TriggerBuildRequest{FlashDevice: true, RunQEMU: true})

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp BuildResponse
	decodeJSON(t, w, &resp)
	require.NotZero(t, resp.ID)
	require.Equal(t, "manual", resp.TriggeredBy)
	require.Equal(t, "cafe1234feed5678", resp.CommitSHA)
	require.Equal(t, "Initial import", resp.CommitMessage)

	calls := fx.dispatch.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, resp.ID, calls[0].buildID)
	require.True(t, calls[0].flashDevice)
	require.True(t, calls[0].runQEMU)
}

func TestHandler_TriggerBuild_NoBody_Defaults(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.Status("active"), testutil.LastCommitSHA("cafe1234feed5678")).
		Build()

	w := fx.do(t, "POST", "/api/projects/proj-1/build", nil)

	require.Equal(t, http.StatusAccepted, w.Code)
	calls := fx.dispatch.recorded()
	require.Len(t, calls, 1)
	require.False(t, calls[0].flashDevice)
	require.False(t, calls[0].runQEMU)
}

func TestHandler_TriggerBuild_ActiveBuild_Conflicts(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.Status("active"), testutil.LastCommitSHA("cafe1234feed5678")).
		WithBuild("proj-1", testutil.CommitSHA("cafe1234feed5678"), testutil.BuildStatus("running")).
		Build()

	w := fx.do(t, "POST", "/api/projects/proj-1/build", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "build_active", resp.Code)
	require.Empty(t, fx.dispatch.recorded())
}

func TestHandler_TriggerBuild_QueueFull_Unavailable(t *testing.T) {
	fx := newFixture(t)
	fx.dispatch.enqueueErr = queue.ErrQueueFull
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.Status("active"), testutil.LastCommitSHA("cafe1234feed5678")).
		Build()

	w := fx.do(t, "POST", "/api/projects/proj-1/build", nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "queue_full", resp.Code)
}

func TestHandler_TriggerBuild_NoSyncedCommit_Rejected(t *testing.T) {
	fx := newFixture(t)
	fx.git.latestRes = git.CommitResult{Result: git.Result{Success: false, Error: "Not a git repository"}}
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1").
		Build()

	w := fx.do(t, "POST", "/api/projects/proj-1/build", nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

// === Dependencies ===

func TestHandler_ScanDependencies_ReturnsCounts(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1", testutil.LocalPath("/tmp/kiln/proj-1")).
		Build()

	w := fx.do(t, "POST", "/api/projects/proj-1/scan-dependencies", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp deps.ScanResult
	decodeJSON(t, w, &resp)
	require.Equal(t, 2, resp.TotalFound)
	require.Equal(t, 2, resp.NewlyAdded)

	scans := fx.resolver.recorded()
	require.Len(t, scans, 1)
	require.Equal(t, "/tmp/kiln/proj-1", scans[0].clonePath)
}

func TestHandler_ProjectDependencies_ListsScanned(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1").
		Build()
	dep, err := domain.NewDependency("proj-1", "espressif/led_strip", "^2.5.0", "")
	require.NoError(t, err)
	fx.resolver.list = []*domain.Dependency{dep}

	w := fx.do(t, "GET", "/api/projects/proj-1/dependencies", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []DependencyResponse
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 1)
	require.Equal(t, "espressif/led_strip", resp[0].ComponentName)
	require.Equal(t, domain.RegistrySource, resp[0].Source)
}

func TestHandler_ProjectDependencyTree_ReturnsTree(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1").
		Build()
	dep, err := domain.NewDependency("proj-1", "espressif/mdns", "~1.2", "git:https://github.com/espressif/mdns.git")
	require.NoError(t, err)
	fx.resolver.tree = &domain.DependencyTree{
		ProjectID:          "proj-1",
		DirectDependencies: []*domain.Dependency{dep},
		TotalCount:         1,
	}

	w := fx.do(t, "GET", "/api/projects/proj-1/dependency-tree", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp DependencyTreeResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "proj-1", resp.ProjectID)
	require.Equal(t, 1, resp.TotalCount)
	require.Len(t, resp.DirectDependencies, 1)
}

func TestHandler_ProjectView_Unknown_NotFound(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1").
		Build()

	w := fx.do(t, "GET", "/api/projects/proj-1/telemetry", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
}

// === Builds ===

func TestHandler_ListBuilds_LimitsResults(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1").
		WithBuild("proj-1", testutil.CommitSHA("sha-1")).
		WithBuild("proj-1", testutil.CommitSHA("sha-2")).
		WithBuild("proj-1", testutil.CommitSHA("sha-3")).
		Build()

	w := fx.do(t, "GET", "/api/projects/builds?limit=2", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []BuildResponse
	decodeJSON(t, w, &resp)
	require.Len(t, resp, 2)
}

func TestHandler_ListBuilds_NotCapturedByProjectRoute(t *testing.T) {
	fx := newFixture(t)

	// The literal /api/projects/builds segment must win over the
	// /api/projects/{id} wildcard.
	w := fx.do(t, "GET", "/api/projects/builds", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []BuildResponse
	decodeJSON(t, w, &resp)
	require.Empty(t, resp)
}

func TestHandler_GetBuild_ReturnsBuild(t *testing.T) {
	fx := newFixture(t)
	testutil.NewBuilder(t, fx.db.Connection()).
		WithProject("proj-1").
		WithBuild("proj-1", testutil.CommitSHA("sha-1"), testutil.BuildStatus("success")).
		Build()

	builds, err := fx.db.BuildRepository().List(domain.BuildListFilter{})
	require.NoError(t, err)
	require.Len(t, builds, 1)

	w := fx.do(t, "GET", "/api/projects/builds/"+itoa(builds[0].ID()), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp BuildResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "sha-1", resp.CommitSHA)
	require.Equal(t, "success", resp.Status)
}

func TestHandler_GetBuild_NotFound(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "GET", "/api/projects/builds/999", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RetryBuild_Requeues(t *testing.T) {
	fx := newFixture(t)
	build, err := domain.NewBuild(&domain.BuildSpec{
		ProjectID:   "proj-1",
		CommitSHA:   "sha-1",
		TriggeredBy: domain.TriggerManual,
	})
	require.NoError(t, err)
	build.SetID(7)
	fx.dispatch.retryBuild = build

	w := fx.do(t, "POST", "/api/projects/builds/7/retry", nil)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp BuildResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, int64(7), resp.ID)
}

func TestHandler_RetryBuild_NotRetryable_Conflicts(t *testing.T) {
	fx := newFixture(t)
	fx.dispatch.retryErr = &domain.BuildNotRetryableError{ID: 7, Status: domain.BuildRunning}

	w := fx.do(t, "POST", "/api/projects/builds/7/retry", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "not_retryable", resp.Code)
}

func TestHandler_BuildStats_ReturnsAggregates(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, "GET", "/api/projects/builds/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp domain.BuildStats
	decodeJSON(t, w, &resp)
	require.Equal(t, 4, resp.Total)
	require.InDelta(t, 75, resp.SuccessRate, 0.001)
}

// === Webhook ===

func TestHandler_GithubWebhook_ForwardsDelivery(t *testing.T) {
	fx := newFixture(t)

	body := []byte(`{"ref":"refs/heads/main","repository":{"full_name":"acme/blinky"}}`)
	req := httptest.NewRequest("POST", "/api/github/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "dlv-1")
	req.Header.Set("X-Hub-Signature-256", "sha256=abc")
	w := httptest.NewRecorder()
	fx.routes.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp webhook.Receipt
	decodeJSON(t, w, &resp)
	require.Equal(t, "received", resp.Status)
	require.True(t, resp.Queued)

	require.Len(t, fx.intake.deliveries, 1)
	got := fx.intake.deliveries[0]
	require.Equal(t, "push", got.EventType)
	require.Equal(t, "dlv-1", got.DeliveryID)
	require.Equal(t, "sha256=abc", got.Signature)
	require.Equal(t, body, got.Body)
}

func TestHandler_GithubWebhook_InvalidSignature_Unauthorized(t *testing.T) {
	fx := newFixture(t)
	fx.intake.err = webhook.ErrInvalidSignature

	w := fx.do(t, "POST", "/api/github/webhook", map[string]any{"ref": "refs/heads/main"})

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var resp ErrorResponse
	decodeJSON(t, w, &resp)
	require.Equal(t, "invalid_signature", resp.Code)
}

func TestHandler_GithubWebhook_Malformed_Rejected(t *testing.T) {
	fx := newFixture(t)
	fx.intake.err = webhook.ErrMalformedDelivery

	w := fx.do(t, "POST", "/api/github/webhook", map[string]any{})

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GithubWebhook_DuplicateDelivery_Conflicts(t *testing.T) {
	fx := newFixture(t)
	fx.intake.err = &domain.DuplicateDeliveryError{DeliveryID: "dlv-1"}

	w := fx.do(t, "POST", "/api/github/webhook", map[string]any{})

	require.Equal(t, http.StatusConflict, w.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
