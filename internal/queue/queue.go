// Package queue provides a thread-safe FIFO queue of pending build requests.
package queue

import (
	"errors"
	"sync"
	"time"
)

// DefaultMaxSize is the default maximum number of builds a queue can hold.
const DefaultMaxSize = 100

// ErrQueueFull is returned when attempting to enqueue to a full queue.
var ErrQueueFull = errors.New("build queue is full")

// QueuedBuild represents a build waiting to be picked up by a worker.
type QueuedBuild struct {
	BuildID     int64     // Build record awaiting execution
	ProjectID   string    // Owning project
	TriggeredBy string    // webhook, manual, scheduled
	FlashDevice bool      // Flash attached hardware after the build
	RunQEMU     bool      // Boot the firmware under QEMU after the build
	EnqueuedAt  time.Time // For queue-latency reporting
}

// BuildQueue is a thread-safe FIFO queue for pending builds.
type BuildQueue struct {
	entries []QueuedBuild
	mu      sync.Mutex
	maxSize int
}

// NewBuildQueue creates a new BuildQueue with the specified maximum size.
// If maxSize is <= 0, DefaultMaxSize (100) is used.
func NewBuildQueue(maxSize int) *BuildQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &BuildQueue{
		entries: make([]QueuedBuild, 0),
		maxSize: maxSize,
	}
}

// Enqueue adds a build to the back of the queue.
// Returns ErrQueueFull if the queue is at maximum capacity.
func (q *BuildQueue) Enqueue(b QueuedBuild) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}

	q.entries = append(q.entries, b)
	return nil
}

// Dequeue removes and returns the build at the front of the queue.
// Returns (zero value, false) if the queue is empty.
func (q *BuildQueue) Dequeue() (QueuedBuild, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return QueuedBuild{}, false
	}

	b := q.entries[0]
	q.entries = q.entries[1:]
	return b, true
}

// Len returns the current number of builds in the queue.
func (q *BuildQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Peek returns the build at the front of the queue without removing it.
// Returns (zero value, false) if the queue is empty.
func (q *BuildQueue) Peek() (QueuedBuild, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return QueuedBuild{}, false
	}

	return q.entries[0], true
}

// Drain removes and returns all builds from the queue, leaving it empty.
// Returns an empty slice if the queue was already empty.
func (q *BuildQueue) Drain() []QueuedBuild {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return []QueuedBuild{}
	}

	// Return the current slice and reset to empty
	result := q.entries
	q.entries = make([]QueuedBuild, 0)
	return result
}
