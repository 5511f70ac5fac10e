package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"worktrace/internal/metrics"
	"worktrace/internal/wt"
)

// Queue is a bounded in-process queue between producers and the store
// write path. Submit never blocks: once the depth exceeds the high-water
// mark the event is dropped. A single Run loop dispatches events to the
// handlers registered for their kind, in registration order.
type Queue struct {
	ch        chan Event
	highWater float64 // depth above which Submit drops
	clock     wt.Clock
	logger    wt.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex // guards closed, handlers and the channel close
	closed   bool
	handlers map[Kind][]Handler

	statsMu   sync.Mutex
	accepted  map[Kind]int64
	dropped   map[Kind]int64
	handled   int64
	failures  int64
	lastEvent time.Time
}

// Stats is a consistent snapshot of queue counters.
type Stats struct {
	Accepted      map[Kind]int64 `json:"accepted"`
	Dropped       map[Kind]int64 `json:"dropped"`
	Handled       int64          `json:"handled"`
	HandlerErrors int64          `json:"handler_errors"`
	Depth         int            `json:"queue_depth"`
	Capacity      int            `json:"capacity"`
	LastEventAt   *time.Time     `json:"last_event_at,omitempty"`
}

// New creates a queue holding at most capacity events and accepting new
// ones while no more than capacity*highWater are waiting.
func New(capacity int, highWater float64, clock wt.Clock, logger wt.Logger, m *metrics.Metrics) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	limit := float64(capacity) * highWater
	if limit < 0 {
		limit = 0
	}
	return &Queue{
		ch:        make(chan Event, capacity),
		highWater: limit,
		clock:     clock,
		logger:    logger.With("component", "ingest"),
		metrics:   m,
		handlers:  make(map[Kind][]Handler),
		accepted:  make(map[Kind]int64),
		dropped:   make(map[Kind]int64),
	}
}

// Register appends h to the handlers for kind.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = append(q.handlers[kind], h)
}

// Submit enqueues an event and reports whether it was accepted. A false
// return means the sample was missed; it is never an error.
func (q *Queue) Submit(kind Kind, payload any) bool {
	ev := Event{Kind: kind, At: q.clock.Now(), Payload: payload}

	q.mu.RLock()
	ok := !q.closed && float64(len(q.ch)) <= q.highWater
	if ok {
		select {
		case q.ch <- ev:
		default:
			ok = false
		}
	}
	q.mu.RUnlock()

	q.statsMu.Lock()
	if ok {
		q.accepted[kind]++
		q.lastEvent = ev.At
	} else {
		q.dropped[kind]++
	}
	q.statsMu.Unlock()

	if ok {
		q.metrics.EventAccepted(string(kind))
	} else {
		q.metrics.EventDropped(string(kind))
	}
	q.metrics.SetQueueDepth(len(q.ch))
	return ok
}

// Run consumes events until the queue is closed and drained, or ctx is
// done. It returns nil after a drain and ctx.Err() on cancellation.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.metrics.SetQueueDepth(len(q.ch))
			q.dispatch(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, ev Event) {
	q.mu.RLock()
	handlers := q.handlers[ev.Kind]
	q.mu.RUnlock()

	if len(handlers) == 0 {
		q.logger.Debug("no handler registered", "kind", ev.Kind)
	}

	var failed int64
	for i, h := range handlers {
		if err := safeHandle(ctx, h, ev); err != nil {
			failed++
			q.logger.Error("event handler failed", "kind", ev.Kind, "handler", i, "error", err)
		}
	}

	q.statsMu.Lock()
	q.handled++
	q.failures += failed
	q.statsMu.Unlock()
}

func safeHandle(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

// Close stops accepting events. Events already queued are still delivered
// by Run, which returns once they are drained. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()

	s := Stats{
		Accepted:      make(map[Kind]int64, len(q.accepted)),
		Dropped:       make(map[Kind]int64, len(q.dropped)),
		Handled:       q.handled,
		HandlerErrors: q.failures,
		Depth:         len(q.ch),
		Capacity:      cap(q.ch),
	}
	for k, v := range q.accepted {
		s.Accepted[k] = v
	}
	for k, v := range q.dropped {
		s.Dropped[k] = v
	}
	if !q.lastEvent.IsZero() {
		t := q.lastEvent
		s.LastEventAt = &t
	}
	return s
}
