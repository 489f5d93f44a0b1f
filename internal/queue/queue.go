// Package queue provides the in-process run queue: at-least-once delivery
// with a visibility timeout. A delivery that is neither acked nor nacked
// before its lease expires is handed out again, so consumers must tolerate
// redelivery.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// Delivery is one handout of a run ID. Attempt starts at 1 and counts
// redeliveries.
type Delivery struct {
	RunID   string
	Attempt int
}

type lease struct {
	expiry  time.Time
	attempt int
}

// Queue is a buffered in-memory queue with visibility-timeout redelivery.
type Queue struct {
	mu       sync.Mutex
	items    chan Delivery
	inflight map[string]lease
	closed   bool

	visibility time.Duration
	logger     *slog.Logger
	clock      func() time.Time
	done       chan struct{}
}

type Option func(*Queue)

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides the lease clock in tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// New creates a queue. visibility is how long a delivery stays invisible
// before the reaper re-queues it.
func New(capacity int, visibility time.Duration, opts ...Option) *Queue {
	q := &Queue{
		items:      make(chan Delivery, capacity),
		inflight:   make(map[string]lease),
		visibility: visibility,
		logger:     slog.Default(),
		clock:      time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.reap()
	return q
}

// Enqueue adds a run for delivery. It fails fast when the buffer is full
// rather than blocking the webhook path.
func (q *Queue) Enqueue(runID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.NewError(domain.ErrorTypeInternal, "queue closed")
	}
	q.mu.Unlock()

	select {
	case q.items <- Delivery{RunID: runID, Attempt: 1}:
		return nil
	default:
		return domain.NewError(domain.ErrorTypeInternal, "queue full")
	}
}

// Receive blocks until a delivery is available or the context ends. The
// returned delivery is leased for the visibility window.
func (q *Queue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-q.done:
		return Delivery{}, domain.NewError(domain.ErrorTypeInternal, "queue closed")
	case d, ok := <-q.items:
		if !ok {
			return Delivery{}, domain.NewError(domain.ErrorTypeInternal, "queue closed")
		}
		q.mu.Lock()
		q.inflight[d.RunID] = lease{expiry: q.clock().Add(q.visibility), attempt: d.Attempt}
		q.mu.Unlock()
		return d, nil
	}
}

// Ack releases the lease after the consumer finished with the run,
// successfully or not. Unacked runs come back via the reaper.
func (q *Queue) Ack(runID string) {
	q.mu.Lock()
	delete(q.inflight, runID)
	q.mu.Unlock()
}

// Extend pushes the lease expiry out another visibility window. Long
// pipelines call this between steps.
func (q *Queue) Extend(runID string) {
	q.mu.Lock()
	if l, ok := q.inflight[runID]; ok {
		l.expiry = q.clock().Add(q.visibility)
		q.inflight[runID] = l
	}
	q.mu.Unlock()
}

// Depth returns the count of buffered plus in-flight deliveries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.inflight)
}

// Close stops the reaper and rejects further enqueues. In-flight handlers
// are allowed to finish; their acks become no-ops.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// reap scans for expired leases and re-queues them with a bumped attempt
// counter.
func (q *Queue) reap() {
	interval := q.visibility / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.requeueExpired()
		}
	}
}

func (q *Queue) requeueExpired() {
	now := q.clock()

	q.mu.Lock()
	var expired []Delivery
	for runID, l := range q.inflight {
		if now.After(l.expiry) {
			expired = append(expired, Delivery{RunID: runID, Attempt: l.attempt + 1})
			delete(q.inflight, runID)
		}
	}
	q.mu.Unlock()

	for _, d := range expired {
		q.logger.Warn("run lease expired, redelivering",
			slog.String("run_id", d.RunID),
			slog.Int("attempt", d.Attempt),
		)
		select {
		case q.items <- d:
		default:
			// Buffer full: put the lease back so a later sweep retries.
			q.mu.Lock()
			q.inflight[d.RunID] = lease{expiry: now.Add(q.visibility), attempt: d.Attempt}
			q.mu.Unlock()
		}
	}
}
