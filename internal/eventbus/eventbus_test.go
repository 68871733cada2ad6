package eventbus

import (
	"context"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	bus := NewWithClock(fixedClock(), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, "FEAT-20250101-001")
	bus.Publish("FEAT-20250101-001", "one", "info")
	bus.Publish("FEAT-20250101-001", "two", "error")

	first := <-ch
	second := <-ch
	if first.Message != "one" || second.Message != "two" {
		t.Fatalf("out of order: %q, %q", first.Message, second.Message)
	}
	if second.Level != "error" {
		t.Fatalf("level = %q", second.Level)
	}
	if first.Timestamp != "2025-01-01T00:00:00Z" {
		t.Fatalf("timestamp = %q", first.Timestamp)
	}
}

func TestSubscribeDoesNotReplay(t *testing.T) {
	bus := NewWithClock(fixedClock(), time.Millisecond)
	bus.Publish("FEAT-20250101-001", "before", "info")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx, "FEAT-20250101-001")
	bus.Publish("FEAT-20250101-001", "after", "info")

	evt := <-ch
	if evt.Message != "after" {
		t.Fatalf("got replayed event %q", evt.Message)
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx, "FEAT-20250101-001")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestPublishNeverBlocksWithoutSubscribers(t *testing.T) {
	bus := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish("FEAT-20250101-002", "msg", "info")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	if n := bus.Pending("FEAT-20250101-002"); n != 1000 {
		t.Fatalf("pending = %d", n)
	}
}

func TestQueuesAreIsolatedPerFeature(t *testing.T) {
	bus := NewWithClock(fixedClock(), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, "FEAT-20250101-003")
	bus.Publish("FEAT-20250101-004", "other feature", "info")
	bus.Publish("FEAT-20250101-003", "mine", "info")

	evt := <-ch
	if evt.Message != "mine" {
		t.Fatalf("crossed queues: %q", evt.Message)
	}
}
