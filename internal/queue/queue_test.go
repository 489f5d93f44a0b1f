package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueReceiveAck(t *testing.T) {
	q := New(4, time.Minute)
	defer q.Close()

	if err := q.Enqueue("r1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if d.RunID != "r1" || d.Attempt != 1 {
		t.Errorf("delivery = %+v", d)
	}
	if q.Depth() != 1 {
		t.Errorf("Depth = %d, want 1 in-flight", q.Depth())
	}

	q.Ack("r1")
	if q.Depth() != 0 {
		t.Errorf("Depth after ack = %d, want 0", q.Depth())
	}
}

func TestEnqueue_FullBufferFailsFast(t *testing.T) {
	q := New(1, time.Minute)
	defer q.Close()

	if err := q.Enqueue("r1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("r2"); err == nil {
		t.Error("Enqueue into full buffer should fail")
	}
}

func TestExpiredLeaseRedelivers(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	q := New(4, 30*time.Second, WithClock(clock))
	defer q.Close()

	q.Enqueue("r1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := q.Receive(ctx); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	// Consumer stalls past the visibility window.
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	q.requeueExpired()

	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive redelivery: %v", err)
	}
	if d.RunID != "r1" || d.Attempt != 2 {
		t.Errorf("redelivery = %+v, want r1 attempt 2", d)
	}
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	q := New(4, 30*time.Second, WithClock(clock))
	defer q.Close()

	q.Enqueue("r1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Receive(ctx)

	// Extend just before the window closes, then move past the original
	// expiry: the lease must survive.
	mu.Lock()
	now = now.Add(25 * time.Second)
	mu.Unlock()
	q.Extend("r1")

	mu.Lock()
	now = now.Add(20 * time.Second)
	mu.Unlock()
	q.requeueExpired()

	if q.Depth() != 1 {
		t.Errorf("Depth = %d, want the extended lease still in flight", q.Depth())
	}
}

func TestPool_DrainsAllRuns(t *testing.T) {
	q := New(64, time.Minute)
	defer q.Close()

	var handled atomic.Int64
	done := make(chan struct{})
	pool := NewPool(q, 4, func(_ context.Context, d Delivery) error {
		if handled.Add(1) == 20 {
			close(done)
		}
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- pool.Run(ctx) }()

	for i := 0; i < 20; i++ {
		if err := q.Enqueue("run" + string(rune('a'+i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain the queue")
	}

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
