// Package server exposes the REST and WebSocket surface of the build
// service. Handlers translate HTTP requests into repository and service
// calls and map domain errors onto status codes; they hold no business
// logic of their own.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/kiln/internal/bus"
	"github.com/zjrosen/kiln/internal/clock"
	"github.com/zjrosen/kiln/internal/deps"
	"github.com/zjrosen/kiln/internal/domain"
	"github.com/zjrosen/kiln/internal/git"
	"github.com/zjrosen/kiln/internal/log"
	"github.com/zjrosen/kiln/internal/queue"
	"github.com/zjrosen/kiln/internal/webhook"
)

// Dispatcher schedules builds for execution. *orchestrator.Service
// satisfies it.
type Dispatcher interface {
	Enqueue(build *domain.Build, flashDevice, runQEMU bool) error
	RetryBuild(ctx context.Context, buildID int64) (*domain.Build, error)
	Stats(ctx context.Context) (*domain.BuildStats, error)
}

// Intake processes provider webhook deliveries. *webhook.Service
// satisfies it.
type Intake interface {
	Handle(ctx context.Context, delivery webhook.Delivery) (webhook.Receipt, error)
}

// Resolver scans and serves project dependency manifests. *deps.Service
// satisfies it.
type Resolver interface {
	Scan(ctx context.Context, projectID, clonePath string) (deps.ScanResult, error)
	List(projectID string) ([]*domain.Dependency, error)
	Tree(ctx context.Context, projectID string) (*domain.DependencyTree, error)
}

// Publisher pushes events onto the bus. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// Handler provides the HTTP endpoints of the service.
type Handler struct {
	projects domain.ProjectRepository
	builds   domain.BuildRepository
	agents   domain.AgentRepository
	jobs     domain.JobRepository
	logs     domain.LogRepository
	metrics  domain.MetricRepository

	git      git.Executor
	dispatch Dispatcher
	intake   Intake
	resolver Resolver
	pub      Publisher
	hub      *Hub
	clock    clock.Clock

	version string
	baseDir string
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	Projects domain.ProjectRepository
	Builds   domain.BuildRepository
	Agents   domain.AgentRepository
	Jobs     domain.JobRepository
	Logs     domain.LogRepository
	Metrics  domain.MetricRepository

	// Git manages project checkouts (required for project endpoints).
	Git git.Executor
	// Dispatcher schedules builds (required for build endpoints).
	Dispatcher Dispatcher
	// Intake processes webhook deliveries (required for the webhook endpoint).
	Intake Intake
	// Resolver scans dependency manifests (required for dependency endpoints).
	Resolver Resolver
	// Publisher pushes UI events (optional; nil drops them).
	Publisher Publisher
	// Hub serves /ws and reports its connection count (optional).
	Hub *Hub
	// Clock stamps domain transitions.
	Clock clock.Clock

	// Version is reported by GET /api/status.
	Version string
	// BaseDir is the directory new project clones are created under.
	BaseDir string
}

// NewHandler creates an API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	c := cfg.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Handler{
		projects: cfg.Projects,
		builds:   cfg.Builds,
		agents:   cfg.Agents,
		jobs:     cfg.Jobs,
		logs:     cfg.Logs,
		metrics:  cfg.Metrics,
		git:      cfg.Git,
		dispatch: cfg.Dispatcher,
		intake:   cfg.Intake,
		resolver: cfg.Resolver,
		pub:      cfg.Publisher,
		hub:      cfg.Hub,
		clock:    c,
		version:  cfg.Version,
		baseDir:  cfg.BaseDir,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", h.Status)

	// Agents
	mux.HandleFunc("GET /api/agents", h.ListAgents)
	mux.HandleFunc("POST /api/agents", h.CreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", h.GetAgent)
	mux.HandleFunc("PUT /api/agents/{id}", h.UpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", h.DeleteAgent)
	mux.HandleFunc("PUT /api/agents/{id}/status", h.UpdateAgentStatus)
	mux.HandleFunc("POST /api/agents/{id}/start", h.StartAgent)
	mux.HandleFunc("POST /api/agents/{id}/stop", h.StopAgent)

	// Jobs
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/start", h.StartJob)
	mux.HandleFunc("POST /api/jobs/{id}/complete", h.CompleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.CancelJob)

	// Logs
	mux.HandleFunc("GET /api/logs", h.ListLogs)
	mux.HandleFunc("POST /api/logs", h.CreateLog)
	mux.HandleFunc("DELETE /api/logs", h.DeleteLogs)

	// Metrics
	mux.HandleFunc("GET /api/metrics", h.ListMetrics)
	mux.HandleFunc("POST /api/metrics", h.CreateMetric)
	mux.HandleFunc("GET /api/metrics/summary", h.MetricsSummary)

	// Projects. Build routes live under /api/projects/builds, which the
	// mux resolves ahead of the {id} wildcards because literal segments
	// are more specific. The dependency views share one {view} pattern so
	// they don't conflict with /api/projects/builds/{id}.
	mux.HandleFunc("POST /api/projects", h.CreateProject)
	mux.HandleFunc("GET /api/projects", h.ListProjects)
	mux.HandleFunc("GET /api/projects/{id}", h.GetProject)
	mux.HandleFunc("PUT /api/projects/{id}", h.UpdateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", h.DeleteProject)
	mux.HandleFunc("PUT /api/projects/{id}/sync", h.SyncProject)
	mux.HandleFunc("POST /api/projects/{id}/build", h.TriggerBuild)
	mux.HandleFunc("POST /api/projects/{id}/scan-dependencies", h.ScanDependencies)
	mux.HandleFunc("GET /api/projects/{id}/{view}", h.ProjectView)

	// Builds
	mux.HandleFunc("GET /api/projects/builds", h.ListBuilds)
	mux.HandleFunc("GET /api/projects/builds/stats", h.BuildStats)
	mux.HandleFunc("GET /api/projects/builds/{id}", h.GetBuild)
	mux.HandleFunc("POST /api/projects/builds/{id}/retry", h.RetryBuild)

	// Webhooks
	mux.HandleFunc("POST /api/github/webhook", h.GithubWebhook)

	// Live event stream
	if h.hub != nil {
		mux.HandleFunc("GET /ws", h.hub.ServeWS)
	}

	return mux
}

// === Request/Response Types ===

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// StatusResponse is the response body for the service status endpoint.
type StatusResponse struct {
	Status               string `json:"status"`
	Service              string `json:"service"`
	Version              string `json:"version"`
	WebsocketConnections int    `json:"websocket_connections"`
}

// AgentResponse is the response body for a single agent.
type AgentResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	LastActive *time.Time `json:"last_active,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CreateAgentRequest is the request body for registering an agent slot.
type CreateAgentRequest struct {
	// ID is optional; a UUID is assigned when empty.
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// UpdateAgentRequest is the request body for updating an agent.
type UpdateAgentRequest struct {
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// UpdateAgentStatusRequest is the request body for the status endpoint.
type UpdateAgentStatusRequest struct {
	Status string `json:"status"`
}

// JobResponse is the response body for a single job.
type JobResponse struct {
	ID              int64      `json:"id"`
	JobType         string     `json:"job_type"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	Model           string     `json:"model,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CreateJobRequest is the request body for creating a job record.
type CreateJobRequest struct {
	JobType string `json:"job_type"`
	Model   string `json:"model,omitempty"`
}

// CompleteJobRequest is the request body for completing a job.
type CompleteJobRequest struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// LogResponse is the response body for a single log entry.
type LogResponse struct {
	ID        int64          `json:"id"`
	Level     string         `json:"level"`
	AgentID   string         `json:"agent_id,omitempty"`
	JobID     *int64         `json:"job_id,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateLogRequest is the request body for recording a log entry.
type CreateLogRequest struct {
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	AgentID  string         `json:"agent_id,omitempty"`
	JobID    *int64         `json:"job_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DeleteLogsResponse reports how many entries a purge removed.
type DeleteLogsResponse struct {
	Deleted int `json:"deleted"`
}

// MetricResponse is the response body for a single metric sample.
type MetricResponse struct {
	ID         int64     `json:"id"`
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	AgentID    string    `json:"agent_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateMetricRequest is the request body for recording a metric sample.
type CreateMetricRequest struct {
	MetricType string  `json:"metric_type"`
	Value      float64 `json:"value"`
	AgentID    string  `json:"agent_id,omitempty"`
}

// ProjectResponse is the response body for a single project. The webhook
// secret is never serialized.
type ProjectResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	RepoURL       string     `json:"repo_url"`
	RepoFullName  string     `json:"repo_full_name"`
	Branch        string     `json:"branch"`
	LocalPath     string     `json:"local_path"`
	LastCommitSHA string     `json:"last_commit_sha,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	Target        string     `json:"target"`
	BuildSystem   string     `json:"build_system"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CreateProjectRequest is the request body for registering a project.
type CreateProjectRequest struct {
	Name          string `json:"name"`
	RepoURL       string `json:"repo_url"`
	RepoFullName  string `json:"repo_full_name"`
	Branch        string `json:"branch,omitempty"`
	Target        string `json:"target,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// UpdateProjectRequest is the request body for updating a project.
// Pointer fields distinguish absent from empty.
type UpdateProjectRequest struct {
	Name          *string `json:"name,omitempty"`
	Branch        *string `json:"branch,omitempty"`
	Target        *string `json:"target,omitempty"`
	WebhookSecret *string `json:"webhook_secret,omitempty"`
}

// SyncResponse is the response body for a manual project sync.
type SyncResponse struct {
	Project        ProjectResponse `json:"project"`
	PreviousCommit string          `json:"previous_commit,omitempty"`
	CurrentCommit  string          `json:"current_commit,omitempty"`
	CommitsPulled  int             `json:"commits_pulled"`
	FilesChanged   int             `json:"files_changed"`
	Insertions     int             `json:"insertions"`
	Deletions      int             `json:"deletions"`
}

// TriggerBuildRequest is the optional request body for a manual build.
type TriggerBuildRequest struct {
	FlashDevice bool `json:"flash_device,omitempty"`
	RunQEMU     bool `json:"run_qemu,omitempty"`
}

// BuildResponse is the response body for a single build.
type BuildResponse struct {
	ID               int64      `json:"id"`
	ProjectID        string     `json:"project_id"`
	CommitSHA        string     `json:"commit_sha"`
	CommitMessage    string     `json:"commit_message,omitempty"`
	CommitAuthor     string     `json:"commit_author,omitempty"`
	Branch           string     `json:"branch,omitempty"`
	Status           string     `json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty"`
	BuildOutput      string     `json:"build_output,omitempty"`
	TestResults      string     `json:"test_results,omitempty"`
	ArtifactsPath    string     `json:"artifacts_path,omitempty"`
	TriggeredBy      string     `json:"triggered_by"`
	WebhookEventType string     `json:"webhook_event_type,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// DependencyResponse is the response body for a single scanned dependency.
type DependencyResponse struct {
	ID            int64      `json:"id"`
	ProjectID     string     `json:"project_id"`
	ComponentName string     `json:"component_name"`
	VersionSpec   string     `json:"version_spec,omitempty"`
	Source        string     `json:"source"`
	Installed     bool       `json:"installed"`
	InstalledAt   *time.Time `json:"installed_at,omitempty"`
	InstallError  string     `json:"install_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// DependencyTreeResponse is the response body for the dependency tree view.
type DependencyTreeResponse struct {
	ProjectID          string               `json:"project_id"`
	DirectDependencies []DependencyResponse `json:"direct_dependencies"`
	TotalCount         int                  `json:"total_count"`
}

// === Status ===

// Status reports service liveness and the live connection count.
// GET /api/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if h.hub != nil {
		connections = h.hub.ConnectionCount()
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{
		Status:               "running",
		Service:              "kiln",
		Version:              h.version,
		WebsocketConnections: connections,
	})
}

// === Agents ===

// ListAgents returns all agent slots.
// GET /api/agents
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.List()
	if err != nil {
		h.writeDomainError(w, err, "listing agents")
		return
	}
	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, agentToResponse(a))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateAgent registers a new agent slot.
// POST /api/agents
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	agent, err := domain.NewAgent(id, req.Name, domain.AgentType(req.Type))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	if err := h.agents.Save(agent); err != nil {
		h.writeDomainError(w, err, "saving agent")
		return
	}
	h.writeJSON(w, http.StatusCreated, agentToResponse(agent))
}

// GetAgent returns a single agent by id.
// GET /api/agents/{id}
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting agent")
		return
	}
	h.writeJSON(w, http.StatusOK, agentToResponse(agent))
}

// UpdateAgent updates an agent's display fields.
// PUT /api/agents/{id}
func (h *Handler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req UpdateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	agent, err := h.agents.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting agent")
		return
	}
	if req.Name != "" {
		agent.Name = req.Name
		agent.UpdatedAt = h.clock.Now()
	}
	if req.Status != "" {
		if err := agent.SetStatus(domain.AgentStatus(req.Status), h.clock.Now()); err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
			return
		}
	}
	if err := h.agents.Save(agent); err != nil {
		h.writeDomainError(w, err, "saving agent")
		return
	}
	if req.Status != "" {
		h.publishAgentStatus(r.Context(), agent)
	}
	h.writeJSON(w, http.StatusOK, agentToResponse(agent))
}

// DeleteAgent removes an agent slot.
// DELETE /api/agents/{id}
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Delete(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err, "deleting agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateAgentStatus sets an agent's status.
// PUT /api/agents/{id}/status
func (h *Handler) UpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateAgentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	agent, err := h.agents.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting agent")
		return
	}
	if err := agent.SetStatus(domain.AgentStatus(req.Status), h.clock.Now()); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	if err := h.agents.Save(agent); err != nil {
		h.writeDomainError(w, err, "saving agent")
		return
	}
	h.publishAgentStatus(r.Context(), agent)
	h.writeJSON(w, http.StatusOK, agentToResponse(agent))
}

// StartAgent marks an agent active.
// POST /api/agents/{id}/start
func (h *Handler) StartAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentStatus(w, r, domain.AgentActive, bus.EventAgentStarted)
}

// StopAgent marks an agent idle.
// POST /api/agents/{id}/stop
func (h *Handler) StopAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentStatus(w, r, domain.AgentIdle, bus.EventAgentStopped)
}

func (h *Handler) setAgentStatus(w http.ResponseWriter, r *http.Request, status domain.AgentStatus, kind bus.Kind) {
	agent, err := h.agents.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting agent")
		return
	}
	if err := agent.SetStatus(status, h.clock.Now()); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	if err := h.agents.Save(agent); err != nil {
		h.writeDomainError(w, err, "saving agent")
		return
	}
	h.publish(r.Context(), bus.NewEvent(kind, map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
	}).WithAgent(agent.ID))
	h.publishAgentStatus(r.Context(), agent)
	h.writeJSON(w, http.StatusOK, agentToResponse(agent))
}

func (h *Handler) publishAgentStatus(ctx context.Context, agent *domain.Agent) {
	h.publish(ctx, bus.NewEvent(bus.EventAgentStatusChanged, map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"status":   agent.Status.String(),
	}).WithAgent(agent.ID))
}

// === Jobs ===

// ListJobs returns job records, newest first.
// GET /api/jobs?status=running&limit=50
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := domain.JobListFilter{
		Status: domain.JobStatus(r.URL.Query().Get("status")),
		Limit:  intQuery(r, "limit", 0),
	}
	jobs, err := h.jobs.List(filter)
	if err != nil {
		h.writeDomainError(w, err, "listing jobs")
		return
	}
	resp := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, jobToResponse(j))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateJob records a new pending job.
// POST /api/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	job, err := domain.NewJob(req.JobType, req.Model)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	if err := h.jobs.Save(job); err != nil {
		h.writeDomainError(w, err, "saving job")
		return
	}
	h.publish(r.Context(), bus.NewEvent(bus.EventJobCreated, map[string]any{
		"job_id":   job.ID,
		"job_type": job.JobType,
		"model":    job.Model,
	}).WithJob(job.ID))
	h.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

// GetJob returns a single job by id.
// GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.FindByID(id)
	if err != nil {
		h.writeDomainError(w, err, "getting job")
		return
	}
	h.writeJSON(w, http.StatusOK, jobToResponse(job))
}

// DeleteJob removes a job record.
// DELETE /api/jobs/{id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Delete(id); err != nil {
		h.writeDomainError(w, err, "deleting job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartJob transitions a job to running.
// POST /api/jobs/{id}/start
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.FindByID(id)
	if err != nil {
		h.writeDomainError(w, err, "getting job")
		return
	}
	if err := job.Start(h.clock.Now()); err != nil {
		h.writeError(w, http.StatusConflict, "invalid_transition", err.Error(), "")
		return
	}
	if err := h.jobs.Save(job); err != nil {
		h.writeDomainError(w, err, "saving job")
		return
	}
	h.publish(r.Context(), bus.NewEvent(bus.EventJobStarted, map[string]any{
		"job_id":   job.ID,
		"job_type": job.JobType,
	}).WithJob(job.ID))
	h.writeJSON(w, http.StatusOK, jobToResponse(job))
}

// CompleteJob transitions a job to completed or failed.
// POST /api/jobs/{id}/complete
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req CompleteJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	job, err := h.jobs.FindByID(id)
	if err != nil {
		h.writeDomainError(w, err, "getting job")
		return
	}
	if err := job.Complete(h.clock.Now(), req.Success, req.ErrorMessage); err != nil {
		h.writeError(w, http.StatusConflict, "invalid_transition", err.Error(), "")
		return
	}
	if err := h.jobs.Save(job); err != nil {
		h.writeDomainError(w, err, "saving job")
		return
	}

	kind := bus.EventJobCompleted
	payload := map[string]any{"job_id": job.ID, "success": req.Success}
	if !req.Success {
		kind = bus.EventJobFailed
		payload["error"] = req.ErrorMessage
	}
	h.publish(r.Context(), bus.NewEvent(kind, payload).WithJob(job.ID))
	h.writeJSON(w, http.StatusOK, jobToResponse(job))
}

// CancelJob cancels a pending or running job.
// POST /api/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.FindByID(id)
	if err != nil {
		h.writeDomainError(w, err, "getting job")
		return
	}
	if err := job.Cancel(h.clock.Now()); err != nil {
		h.writeError(w, http.StatusConflict, "invalid_transition", err.Error(), "")
		return
	}
	if err := h.jobs.Save(job); err != nil {
		h.writeDomainError(w, err, "saving job")
		return
	}
	h.publish(r.Context(), bus.NewEvent(bus.EventJobCancelled, map[string]any{
		"job_id": job.ID,
	}).WithJob(job.ID))
	h.writeJSON(w, http.StatusOK, jobToResponse(job))
}

// === Logs ===

// ListLogs returns log entries, newest first.
// GET /api/logs?level=ERROR&agent_id=agent-builder&job_id=3&limit=100
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	filter := domain.LogListFilter{
		Level:   domain.LogLevel(r.URL.Query().Get("level")),
		AgentID: r.URL.Query().Get("agent_id"),
		Limit:   intQuery(r, "limit", 0),
	}
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		jobID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "job_id must be an integer", "")
			return
		}
		filter.JobID = &jobID
	}

	entries, err := h.logs.List(filter)
	if err != nil {
		h.writeDomainError(w, err, "listing logs")
		return
	}
	resp := make([]LogResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, logToResponse(e))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateLog records a log entry and mirrors it onto the event stream.
// POST /api/logs
func (h *Handler) CreateLog(w http.ResponseWriter, r *http.Request) {
	var req CreateLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	entry, err := domain.NewLogEntry(domain.LogLevel(req.Level), req.Message, h.clock.Now())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	if req.AgentID != "" {
		entry = entry.WithAgent(req.AgentID)
	}
	if req.JobID != nil {
		entry = entry.WithJob(*req.JobID)
	}
	if req.Metadata != nil {
		entry = entry.WithMetadata(req.Metadata)
	}
	if err := h.logs.Save(entry); err != nil {
		h.writeDomainError(w, err, "saving log entry")
		return
	}

	event := bus.NewEvent(bus.EventLogEntry, map[string]any{
		"level":   entry.Level.String(),
		"message": entry.Message,
	})
	if entry.AgentID != "" {
		event = event.WithAgent(entry.AgentID)
	}
	if entry.JobID != nil {
		event = event.WithJob(*entry.JobID)
	}
	h.publish(r.Context(), event)
	h.writeJSON(w, http.StatusCreated, logToResponse(entry))
}

// DeleteLogs purges entries older than the given age, optionally for one
// agent. Age defaults to 24 hours.
// DELETE /api/logs?older_than_hours=48&agent_id=agent-builder
func (h *Handler) DeleteLogs(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "older_than_hours", 24)
	if hours <= 0 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "older_than_hours must be positive", "")
		return
	}
	cutoff := h.clock.Now().Add(-time.Duration(hours) * time.Hour)
	deleted, err := h.logs.DeleteOlderThan(cutoff, r.URL.Query().Get("agent_id"))
	if err != nil {
		h.writeDomainError(w, err, "purging logs")
		return
	}
	h.writeJSON(w, http.StatusOK, DeleteLogsResponse{Deleted: deleted})
}

// === Metrics ===

// ListMetrics returns metric samples, newest first.
// GET /api/metrics?metric_type=build_duration&agent_id=agent-builder&limit=100
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	filter := domain.MetricListFilter{
		MetricType: r.URL.Query().Get("metric_type"),
		AgentID:    r.URL.Query().Get("agent_id"),
		Limit:      intQuery(r, "limit", 0),
	}
	metrics, err := h.metrics.List(filter)
	if err != nil {
		h.writeDomainError(w, err, "listing metrics")
		return
	}
	resp := make([]MetricResponse, 0, len(metrics))
	for _, m := range metrics {
		resp = append(resp, metricToResponse(m))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateMetric records a metric sample and mirrors it onto the event
// stream.
// POST /api/metrics
func (h *Handler) CreateMetric(w http.ResponseWriter, r *http.Request) {
	var req CreateMetricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	metric, err := domain.NewMetric(req.MetricType, req.Value, h.clock.Now())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	metric.AgentID = req.AgentID
	if err := h.metrics.Save(metric); err != nil {
		h.writeDomainError(w, err, "saving metric")
		return
	}

	event := bus.NewEvent(bus.EventMetricUpdate, map[string]any{
		"metric_type": metric.MetricType,
		"value":       metric.Value,
	})
	if metric.AgentID != "" {
		event = event.WithAgent(metric.AgentID)
	}
	h.publish(r.Context(), event)
	h.writeJSON(w, http.StatusCreated, metricToResponse(metric))
}

// MetricsSummary aggregates samples per metric type over a window. The
// window defaults to 24 hours.
// GET /api/metrics/summary?since_hours=6
func (h *Handler) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "since_hours", 24)
	if hours <= 0 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "since_hours must be positive", "")
		return
	}
	summary, err := h.metrics.Summary(h.clock.Now().Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		h.writeDomainError(w, err, "summarizing metrics")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// === Projects ===

// CreateProject registers a repository, clones it, and scans its
// dependency manifests. The project record survives a failed clone in
// the error state so the failure is visible and the clone retryable via
// sync.
// POST /api/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	spec := &domain.ProjectSpec{
		Name:          req.Name,
		RepoURL:       req.RepoURL,
		RepoFullName:  req.RepoFullName,
		Branch:        req.Branch,
		Target:        req.Target,
		WebhookSecret: req.WebhookSecret,
	}
	// Clone paths key on the unique project name so operators can find
	// checkouts without dereferencing UUIDs.
	project, err := domain.NewProject(uuid.NewString(), spec, filepath.Join(h.baseDir, req.Name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	if err := h.projects.Save(project); err != nil {
		h.writeDomainError(w, err, "saving project")
		return
	}

	clone := h.git.Clone(r.Context(), project.RepoURL(), project.LocalPath(), project.Branch())
	if !clone.Success {
		log.Warn(log.CatHTTP, "Project clone failed", "project", project.Name(), "error", clone.Error)
		if err := project.MarkSyncError(h.clock.Now()); err == nil {
			if err := h.projects.Save(project); err != nil {
				h.writeDomainError(w, err, "saving project")
				return
			}
		}
		h.writeJSON(w, http.StatusCreated, projectToResponse(project))
		return
	}

	if err := project.RecordSync(clone.CommitSHA, h.clock.Now()); err != nil {
		h.writeError(w, http.StatusInternalServerError, "sync_failed", err.Error(), "")
		return
	}
	if err := project.Activate(h.clock.Now()); err != nil {
		h.writeError(w, http.StatusInternalServerError, "activation_failed", err.Error(), "")
		return
	}
	if err := h.projects.Save(project); err != nil {
		h.writeDomainError(w, err, "saving project")
		return
	}

	// Manifest scanning is best effort on create; a later explicit scan
	// can pick up anything missed here.
	if _, err := h.resolver.Scan(r.Context(), project.ID(), project.LocalPath()); err != nil {
		log.Warn(log.CatHTTP, "Initial dependency scan failed", "project", project.Name(), "error", err)
	}

	h.writeJSON(w, http.StatusCreated, projectToResponse(project))
}

// ListProjects returns all projects, newest first.
// GET /api/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List()
	if err != nil {
		h.writeDomainError(w, err, "listing projects")
		return
	}
	resp := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, projectToResponse(p))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetProject returns a single project by id.
// GET /api/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.projects.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting project")
		return
	}
	h.writeJSON(w, http.StatusOK, projectToResponse(project))
}

// UpdateProject updates a project's mutable fields.
// PUT /api/projects/{id}
func (h *Handler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	var req UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	project, err := h.projects.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting project")
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			h.writeError(w, http.StatusBadRequest, "validation_error", "name cannot be empty", "")
			return
		}
		project.SetName(*req.Name)
	}
	if req.Branch != nil {
		project.SetBranch(*req.Branch)
	}
	if req.Target != nil {
		if err := project.SetTarget(*req.Target); err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
			return
		}
	}
	if req.WebhookSecret != nil {
		project.SetWebhookSecret(*req.WebhookSecret)
	}
	if err := h.projects.Save(project); err != nil {
		h.writeDomainError(w, err, "saving project")
		return
	}
	h.writeJSON(w, http.StatusOK, projectToResponse(project))
}

// DeleteProject removes a project along with its builds and
// dependencies. The clone on disk is left alone.
// DELETE /api/projects/{id}
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.projects.Delete(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err, "deleting project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncProject pulls the tracked branch and records the new head. A
// missing clone is recreated.
// PUT /api/projects/{id}/sync
func (h *Handler) SyncProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.projects.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting project")
		return
	}

	var result git.UpdateResult
	if h.git.Exists(project.LocalPath()) {
		result = h.git.Update(r.Context(), project.LocalPath(), project.Branch())
	} else {
		clone := h.git.Clone(r.Context(), project.RepoURL(), project.LocalPath(), project.Branch())
		result = git.UpdateResult{
			Result:        clone.Result,
			CurrentCommit: clone.CommitSHA,
		}
	}

	if !result.Success {
		if err := project.MarkSyncError(h.clock.Now()); err == nil {
			if err := h.projects.Save(project); err != nil {
				h.writeDomainError(w, err, "saving project")
				return
			}
		}
		h.writeError(w, http.StatusBadGateway, "sync_failed", "Repository sync failed", result.Error)
		return
	}

	// RecordSync recovers an errored project; a first sync on a pending
	// project activates it here.
	if err := project.RecordSync(result.CurrentCommit, h.clock.Now()); err != nil {
		h.writeError(w, http.StatusInternalServerError, "sync_failed", err.Error(), "")
		return
	}
	if project.Status() == domain.ProjectPending {
		if err := project.Activate(h.clock.Now()); err != nil {
			h.writeError(w, http.StatusInternalServerError, "activation_failed", err.Error(), "")
			return
		}
	}
	if err := h.projects.Save(project); err != nil {
		h.writeDomainError(w, err, "saving project")
		return
	}

	h.writeJSON(w, http.StatusOK, SyncResponse{
		Project:        projectToResponse(project),
		PreviousCommit: result.PreviousCommit,
		CurrentCommit:  result.CurrentCommit,
		CommitsPulled:  result.CommitsPulled,
		FilesChanged:   result.FilesChanged,
		Insertions:     result.Insertions,
		Deletions:      result.Deletions,
	})
}

// TriggerBuild creates a manual build for the project's synced head and
// queues it. An active build for the same commit is rejected.
// POST /api/projects/{id}/build
func (h *Handler) TriggerBuild(w http.ResponseWriter, r *http.Request) {
	project, err := h.projects.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting project")
		return
	}

	var req TriggerBuildRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
			return
		}
	}

	spec := &domain.BuildSpec{
		ProjectID:   project.ID(),
		CommitSHA:   project.LastCommitSHA(),
		Branch:      project.Branch(),
		TriggeredBy: domain.TriggerManual,
	}
	if head := h.git.LatestCommit(r.Context(), project.LocalPath()); head.Success {
		if spec.CommitSHA == "" {
			spec.CommitSHA = head.CommitSHA
		}
		if head.CommitSHA == spec.CommitSHA {
			spec.CommitMessage = head.CommitMessage
			spec.CommitAuthor = head.CommitAuthor
		}
	}
	if spec.CommitSHA == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Project has no synced commit to build", "")
		return
	}

	if active, err := h.builds.FindActiveByCommit(project.ID(), spec.CommitSHA); err == nil {
		h.writeError(w, http.StatusConflict, "build_active",
			"A build is already pending or running for this commit",
			"build "+strconv.FormatInt(active.ID(), 10))
		return
	} else {
		var notFound *domain.BuildNotFoundError
		if !errors.As(err, &notFound) {
			h.writeDomainError(w, err, "checking active builds")
			return
		}
	}

	build, err := domain.NewBuild(spec)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	if err := h.builds.Save(build); err != nil {
		h.writeDomainError(w, err, "saving build")
		return
	}
	if err := h.dispatch.Enqueue(build, req.FlashDevice, req.RunQEMU); err != nil {
		h.writeDomainError(w, err, "queueing build")
		return
	}
	h.writeJSON(w, http.StatusAccepted, buildToResponse(build))
}

// ScanDependencies re-reads the project's component manifests.
// POST /api/projects/{id}/scan-dependencies
func (h *Handler) ScanDependencies(w http.ResponseWriter, r *http.Request) {
	project, err := h.projects.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting project")
		return
	}
	result, err := h.resolver.Scan(r.Context(), project.ID(), project.LocalPath())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "scan_failed", "Dependency scan failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ProjectView serves the read-only dependency views under a project.
// GET /api/projects/{id}/dependencies
// GET /api/projects/{id}/dependency-tree
func (h *Handler) ProjectView(w http.ResponseWriter, r *http.Request) {
	project, err := h.projects.FindByID(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "getting project")
		return
	}

	switch r.PathValue("view") {
	case "dependencies":
		list, err := h.resolver.List(project.ID())
		if err != nil {
			h.writeDomainError(w, err, "listing dependencies")
			return
		}
		resp := make([]DependencyResponse, 0, len(list))
		for _, d := range list {
			resp = append(resp, dependencyToResponse(d))
		}
		h.writeJSON(w, http.StatusOK, resp)
	case "dependency-tree":
		tree, err := h.resolver.Tree(r.Context(), project.ID())
		if err != nil {
			h.writeDomainError(w, err, "resolving dependency tree")
			return
		}
		resp := DependencyTreeResponse{
			ProjectID:          tree.ProjectID,
			DirectDependencies: make([]DependencyResponse, 0, len(tree.DirectDependencies)),
			TotalCount:         tree.TotalCount,
		}
		for _, d := range tree.DirectDependencies {
			resp.DirectDependencies = append(resp.DirectDependencies, dependencyToResponse(d))
		}
		h.writeJSON(w, http.StatusOK, resp)
	default:
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown resource", "")
	}
}

// === Builds ===

// ListBuilds returns recent builds across projects.
// GET /api/projects/builds?project_id=&status=&limit=20
func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	filter := domain.BuildListFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		Status:    domain.BuildStatus(r.URL.Query().Get("status")),
		Limit:     intQuery(r, "limit", 20),
	}
	builds, err := h.builds.List(filter)
	if err != nil {
		h.writeDomainError(w, err, "listing builds")
		return
	}
	resp := make([]BuildResponse, 0, len(builds))
	for _, b := range builds {
		resp = append(resp, buildToResponse(b))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetBuild returns a single build by id.
// GET /api/projects/builds/{id}
func (h *Handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	build, err := h.builds.FindByID(id)
	if err != nil {
		h.writeDomainError(w, err, "getting build")
		return
	}
	h.writeJSON(w, http.StatusOK, buildToResponse(build))
}

// RetryBuild requeues a failed build.
// POST /api/projects/builds/{id}/retry
func (h *Handler) RetryBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	build, err := h.dispatch.RetryBuild(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "retrying build")
		return
	}
	h.writeJSON(w, http.StatusAccepted, buildToResponse(build))
}

// BuildStats returns aggregate build statistics.
// GET /api/projects/builds/stats
func (h *Handler) BuildStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dispatch.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "aggregating build stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// === Webhooks ===

// GithubWebhook accepts GitHub webhook deliveries. Signature validation
// and build dispatch happen inside the intake service; the handler only
// shapes the HTTP envelope.
// POST /api/github/webhook
func (h *Handler) GithubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "Failed to read request body", err.Error())
		return
	}

	receipt, err := h.intake.Handle(r.Context(), webhook.Delivery{
		EventType:  r.Header.Get("X-GitHub-Event"),
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		Signature:  r.Header.Get("X-Hub-Signature-256"),
		Body:       body,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed", "")
		case errors.Is(err, webhook.ErrMalformedDelivery):
			h.writeError(w, http.StatusBadRequest, "malformed_delivery", "Webhook payload could not be parsed", err.Error())
		default:
			h.writeDomainError(w, err, "processing webhook")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, receipt)
}

// === Response mapping ===

func agentToResponse(a *domain.Agent) AgentResponse {
	return AgentResponse{
		ID:         a.ID,
		Name:       a.Name,
		Type:       a.Type.String(),
		Status:     a.Status.String(),
		LastActive: a.LastActive,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func jobToResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:              j.ID,
		JobType:         j.JobType,
		Status:          j.Status.String(),
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		DurationSeconds: j.DurationSeconds,
		Model:           j.Model,
		ErrorMessage:    j.ErrorMessage,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

func logToResponse(e *domain.LogEntry) LogResponse {
	return LogResponse{
		ID:        e.ID,
		Level:     e.Level.String(),
		AgentID:   e.AgentID,
		JobID:     e.JobID,
		Message:   e.Message,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
	}
}

func metricToResponse(m *domain.Metric) MetricResponse {
	return MetricResponse{
		ID:         m.ID,
		MetricType: m.MetricType,
		Value:      m.Value,
		AgentID:    m.AgentID,
		CreatedAt:  m.CreatedAt,
	}
}

func projectToResponse(p *domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:            p.ID(),
		Name:          p.Name(),
		RepoURL:       p.RepoURL(),
		RepoFullName:  p.RepoFullName(),
		Branch:        p.Branch(),
		LocalPath:     p.LocalPath(),
		LastCommitSHA: p.LastCommitSHA(),
		LastSyncAt:    p.LastSyncAt(),
		Target:        p.Target(),
		BuildSystem:   p.BuildSystem(),
		Status:        p.Status().String(),
		CreatedAt:     p.CreatedAt(),
		UpdatedAt:     p.UpdatedAt(),
	}
}

func buildToResponse(b *domain.Build) BuildResponse {
	return BuildResponse{
		ID:               b.ID(),
		ProjectID:        b.ProjectID(),
		CommitSHA:        b.CommitSHA(),
		CommitMessage:    b.CommitMessage(),
		CommitAuthor:     b.CommitAuthor(),
		Branch:           b.Branch(),
		Status:           b.Status().String(),
		StartedAt:        b.StartedAt(),
		CompletedAt:      b.CompletedAt(),
		DurationSeconds:  b.DurationSeconds(),
		BuildOutput:      b.BuildOutput(),
		TestResults:      b.TestResults(),
		ArtifactsPath:    b.ArtifactsPath(),
		TriggeredBy:      b.TriggeredBy().String(),
		WebhookEventType: b.WebhookEventType(),
		CreatedAt:        b.CreatedAt(),
		UpdatedAt:        b.UpdatedAt(),
	}
}

func dependencyToResponse(d *domain.Dependency) DependencyResponse {
	return DependencyResponse{
		ID:            d.ID,
		ProjectID:     d.ProjectID,
		ComponentName: d.ComponentName,
		VersionSpec:   d.VersionSpec,
		Source:        d.Source,
		Installed:     d.Installed,
		InstalledAt:   d.InstalledAt,
		InstallError:  d.InstallError,
		CreatedAt:     d.CreatedAt,
	}
}

// === Helpers ===

// pathID parses the {id} path segment as an int64, writing a 400 on
// failure.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "id must be an integer", "")
		return 0, false
	}
	return id, true
}

// intQuery parses an integer query parameter, falling back to def when
// absent or unparseable.
func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (h *Handler) publish(ctx context.Context, event bus.Event) {
	if h.pub == nil {
		return
	}
	if err := h.pub.Publish(ctx, event); err != nil {
		log.Warn(log.CatHTTP, "Event publish failed", "kind", string(event.Kind), "error", err)
	}
}

// writeDomainError maps domain and service errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, action string) {
	var (
		projectNotFound *domain.ProjectNotFoundError
		buildNotFound   *domain.BuildNotFoundError
		agentNotFound   *domain.AgentNotFoundError
		jobNotFound     *domain.JobNotFoundError
		eventNotFound   *domain.WebhookEventNotFoundError
		dupProject      *domain.DuplicateProjectError
		dupDelivery     *domain.DuplicateDeliveryError
		notRetryable    *domain.BuildNotRetryableError
	)
	switch {
	case errors.As(err, &projectNotFound),
		errors.As(err, &buildNotFound),
		errors.As(err, &agentNotFound),
		errors.As(err, &jobNotFound),
		errors.As(err, &eventNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
	case errors.As(err, &dupProject), errors.As(err, &dupDelivery):
		h.writeError(w, http.StatusConflict, "duplicate", err.Error(), "")
	case errors.As(err, &notRetryable):
		h.writeError(w, http.StatusConflict, "not_retryable", err.Error(), "")
	case errors.Is(err, queue.ErrQueueFull):
		h.writeError(w, http.StatusServiceUnavailable, "queue_full", "Build queue is full", "")
	default:
		log.ErrorErr(log.CatHTTP, "Request failed", err, "action", action)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatHTTP, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
