package api

import (
	"log/slog"
	"sync"

	"github.com/benaskins/ondemand/internal/lifecycle"
)

const subscriberBuffer = 16

// Broadcaster fans stage events out to event stream subscribers. It keeps
// the events of the current launch so a late subscriber can catch up.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan lifecycle.StageEvent]struct{}
	replay []lifecycle.StageEvent
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[chan lifecycle.StageEvent]struct{}),
		logger: slog.With("component", "events"),
	}
}

// OnStage implements lifecycle.Notifier. It never blocks: a subscriber whose
// buffer is full misses the event.
func (b *Broadcaster) OnStage(e lifecycle.StageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Stage == lifecycle.StageCreating {
		b.replay = b.replay[:0]
	}
	b.replay = append(b.replay, e)

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber", "stage", e.Stage)
		}
	}
}

// Subscribe returns a channel that receives the current launch's events so
// far followed by new ones, and a function that ends the subscription.
func (b *Broadcaster) Subscribe() (<-chan lifecycle.StageEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan lifecycle.StageEvent, subscriberBuffer+len(b.replay))
	for _, e := range b.replay {
		ch <- e
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
