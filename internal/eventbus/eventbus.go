// Package eventbus distributes live workflow log events to in-process
// subscribers. Events are held per feature in an unbounded queue for the
// process lifetime, distinct from the durable log store.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Event is one live log record.
type Event struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

const defaultPollInterval = 100 * time.Millisecond

// Bus holds one queue per feature id, allocated lazily. Publish never blocks;
// subscribers poll their own cursor.
type Bus struct {
	mu           sync.Mutex
	queues       map[string][]Event
	pollInterval time.Duration
	now          func() time.Time
}

func New() *Bus {
	return &Bus{
		queues:       make(map[string][]Event),
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// NewWithClock is used by tests to control timestamps and polling cadence.
func NewWithClock(now func() time.Time, poll time.Duration) *Bus {
	b := New()
	if now != nil {
		b.now = now
	}
	if poll > 0 {
		b.pollInterval = poll
	}
	return b
}

// Publish appends an event to the feature's queue. Events for one feature
// are observed in publish order.
func (b *Bus) Publish(featureID, message, level string) {
	if level == "" {
		level = "info"
	}
	evt := Event{
		Message:   message,
		Level:     level,
		Timestamp: b.now().UTC().Format(time.RFC3339),
	}
	b.mu.Lock()
	b.queues[featureID] = append(b.queues[featureID], evt)
	b.mu.Unlock()
}

// Subscribe returns a channel delivering events published after the call.
// Events already queued are not replayed. The channel closes when ctx is
// cancelled. A slow consumer stalls only its own delivery goroutine, never
// a publisher.
func (b *Bus) Subscribe(ctx context.Context, featureID string) <-chan Event {
	b.mu.Lock()
	cursor := len(b.queues[featureID])
	b.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for {
				b.mu.Lock()
				queue := b.queues[featureID]
				if cursor >= len(queue) {
					b.mu.Unlock()
					break
				}
				evt := queue[cursor]
				cursor++
				b.mu.Unlock()
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Pending returns the number of events queued for a feature.
func (b *Bus) Pending(featureID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[featureID])
}
