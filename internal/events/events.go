package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type identifies what happened to a session.
type Type string

const (
	CheckedIn       Type = "checked-in"
	AwaitingClosure Type = "awaiting-closure"
	Closed          Type = "closed"
	Expired         Type = "expired"
	Rejected        Type = "rejected"
)

// Event is a session state change pushed to live subscribers.
type Event struct {
	Type      Type      `json:"type"`
	StudentID string    `json:"student_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Bus fans events out to subscribers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe streams events until ctx is done or cancel is called.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// MemoryBus delivers events to in-process subscribers. Slow subscribers
// miss events rather than block publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int
	logger zerolog.Logger
}

// NewMemoryBus creates a bus whose subscriber channels hold buffer events.
func NewMemoryBus(buffer int, logger zerolog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryBus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

func (b *MemoryBus) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn().Int("subscriber", id).Str("type", string(evt.Type)).Msg("subscriber full, dropping event")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}
