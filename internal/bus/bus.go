package bus

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/zjrosen/kiln/internal/log"
)

// DefaultQueueSize bounds the publication queue when the config does not
// set one.
const DefaultQueueSize = 256

// ErrNotRunning is returned when publishing before Start or after Stop.
var ErrNotRunning = errors.New("event bus is not running")

// ErrAlreadyRunning is returned by Start when the bus is already running.
var ErrAlreadyRunning = errors.New("event bus is already running")

// subscription is one registered subscriber channel with its filter.
type subscription struct {
	ch     chan Event
	filter Filter
	ctx    context.Context
}

// Bus is the process-wide event broker. One dispatcher goroutine drains
// the bounded queue and delivers each event to every matching subscriber
// in publication order. Construct with New and inject where needed; no
// package-level instance exists.
type Bus struct {
	queue    chan Event
	stopping chan struct{}
	done     chan struct{}

	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	running bool
}

// New creates a bus with the given queue capacity. Sizes <= 0 fall back
// to DefaultQueueSize. The bus does not dispatch until Start.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queue:    make(chan Event, queueSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[*subscription]struct{}),
	}
}

// Start spawns the dispatcher. Returns ErrAlreadyRunning on a second
// start; a stopped bus cannot be restarted.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.stopping:
		return ErrNotRunning
	default:
	}
	if b.running {
		return ErrAlreadyRunning
	}
	b.running = true

	go b.run()
	return nil
}

// run drains the queue until Stop, then drains whatever remains before
// signalling done. Panics from a single dispatch are recovered so one bad
// event cannot kill the dispatcher.
func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.stopping:
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

// Publish enqueues an event for dispatch. When the queue is full the call
// blocks until space frees, the context ends, or the bus stops. An event
// accepted by Publish is always dispatched; drop is not possible.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopping:
		return ErrNotRunning
	}
}

// dispatch delivers one event to every matching subscriber. Delivery per
// subscriber blocks until the subscriber receives or its context ends,
// which is what makes the bus non-lossy under backpressure.
func (b *Bus) dispatch(event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "dispatch panic recovered", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		case <-sub.ctx.Done():
			// Subscriber gone; skip without disturbing the rest.
		}
	}
}

// Subscribe registers a subscriber. Events matching the filter are
// delivered on the returned channel in publication order. The
// subscription ends when ctx is cancelled or the returned func is called;
// both close the channel.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func()) {
	// Each subscription gets a derived context so remove can always
	// unblock a dispatch stuck sending to this subscriber.
	subCtx, subCancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:     make(chan Event, 16),
		filter: filter,
		ctx:    subCtx,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	remove := func() {
		subCancel()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}

	go func() {
		select {
		case <-subCtx.Done():
			remove()
		case <-b.done:
			subCancel()
		}
	}()

	return sub.ch, remove
}

// Stop halts intake, waits for the dispatcher to drain queued events, and
// closes every subscriber channel. Returns the context error when the
// drain does not finish in time.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotRunning
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopping)

	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// QueueDepth returns the number of events waiting for dispatch.
func (b *Bus) QueueDepth() int {
	return len(b.queue)
}
