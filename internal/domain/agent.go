package domain

import (
	"fmt"
	"time"
)

// AgentType tags the role an agent slot represents.
type AgentType string

const (
	AgentTypeBuilder        AgentType = "builder"
	AgentTypeDeveloper      AgentType = "developer"
	AgentTypeTester         AgentType = "tester"
	AgentTypeDoctor         AgentType = "doctor"
	AgentTypeQA             AgentType = "qa"
	AgentTypeProjectManager AgentType = "project_manager"
)

// IsValid returns true if this is a recognized AgentType value.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentTypeBuilder, AgentTypeDeveloper, AgentTypeTester, AgentTypeDoctor, AgentTypeQA, AgentTypeProjectManager:
		return true
	default:
		return false
	}
}

// String returns the string representation of the agent type.
func (t AgentType) String() string {
	return string(t)
}

// Agent is a named role slot surfaced to the UI. Agents are bookkeeping
// only; workflow scheduling never consumes them.
type Agent struct {
	ID         string
	Name       string
	Type       AgentType
	Status     AgentStatus
	LastActive *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewAgent creates an idle agent slot.
func NewAgent(id, name string, agentType AgentType) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if !agentType.IsValid() {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
	now := time.Now().UTC()
	return &Agent{
		ID:        id,
		Name:      name,
		Type:      agentType,
		Status:    AgentIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SetStatus updates the display status, stamping LastActive when the
// agent becomes active.
func (a *Agent) SetStatus(status AgentStatus, now time.Time) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown agent status %q", status)
	}
	utc := now.UTC()
	a.Status = status
	if status == AgentActive {
		a.LastActive = &utc
	}
	a.UpdatedAt = utc
	return nil
}

// DefaultAgentID maps a role to its seed agent id. Events attributed to
// a role use these ids so the UI can resolve them against DefaultAgents.
func DefaultAgentID(t AgentType) string {
	if t == AgentTypeProjectManager {
		return "agent-pm"
	}
	return "agent-" + string(t)
}

// DefaultAgents returns the seed set created at bootstrap. IDs are stable
// so seeding is idempotent.
func DefaultAgents() []*Agent {
	now := time.Now().UTC()
	mk := func(id, name string, t AgentType) *Agent {
		return &Agent{ID: id, Name: name, Type: t, Status: AgentIdle, CreatedAt: now, UpdatedAt: now}
	}
	return []*Agent{
		mk("agent-builder", "Builder Agent", AgentTypeBuilder),
		mk("agent-developer", "Developer Agent", AgentTypeDeveloper),
		mk("agent-tester", "Tester Agent", AgentTypeTester),
		mk("agent-doctor", "Doctor Agent", AgentTypeDoctor),
		mk("agent-qa", "QA Agent", AgentTypeQA),
		mk("agent-pm", "Project Manager", AgentTypeProjectManager),
	}
}
