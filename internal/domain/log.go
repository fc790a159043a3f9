package domain

import (
	"fmt"
	"time"
)

// LogEntry is an append-only event record. Agent and job references are
// optional; metadata is arbitrary structured context serialized as JSON.
type LogEntry struct {
	ID        int64
	Level     LogLevel
	AgentID   string
	JobID     *int64
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// NewLogEntry creates a log record stamped with the given instant.
func NewLogEntry(level LogLevel, message string, now time.Time) (*LogEntry, error) {
	if !level.IsValid() {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	return &LogEntry{
		Level:     level,
		Message:   message,
		CreatedAt: now.UTC(),
	}, nil
}

// WithAgent attaches an agent reference.
func (l *LogEntry) WithAgent(agentID string) *LogEntry {
	l.AgentID = agentID
	return l
}

// WithJob attaches a job reference.
func (l *LogEntry) WithJob(jobID int64) *LogEntry {
	l.JobID = &jobID
	return l
}

// WithMetadata attaches structured context.
func (l *LogEntry) WithMetadata(metadata map[string]any) *LogEntry {
	l.Metadata = metadata
	return l
}
