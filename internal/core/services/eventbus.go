package services

import (
	"log/slog"
	"sync"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

const subscriberBuffer = 100

// EventBus fans events out to per-project subscribers and to global subscribers.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.ProjectID][]chan domain.Event
	global []chan domain.Event
}

var _ ports.EventPublisher = (*EventBus)(nil)

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.ProjectID][]chan domain.Event),
	}
}

// Subscribe returns a channel that receives events for one project
func (b *EventBus) Subscribe(projectID domain.ProjectID) (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, subscriberBuffer)
	b.subs[projectID] = append(b.subs[projectID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			b.subs[projectID] = removeChan(b.subs[projectID], ch)
			if len(b.subs[projectID]) == 0 {
				delete(b.subs, projectID)
			}
			close(ch)
		})
	}
	return ch, unsub
}

// SubscribeAll returns a channel that receives every event on the bus.
func (b *EventBus) SubscribeAll() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, subscriberBuffer)
	b.global = append(b.global, ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.global = removeChan(b.global, ch)
			close(ch)
		})
	}
	return ch, unsub
}

// Publish delivers e to the project's subscribers and to global subscribers.
// A full subscriber buffer drops the event for that subscriber only.
func (b *EventBus) Publish(e domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.ProjectID] {
		b.deliver(ch, e)
	}
	for _, ch := range b.global {
		b.deliver(ch, e)
	}
}

func (b *EventBus) deliver(ch chan domain.Event, e domain.Event) {
	select {
	case ch <- e:
	default:
		b.logger.Warn("event bus channel full, dropping event", "project_id", e.ProjectID, "type", e.Type)
	}
}

func removeChan(list []chan domain.Event, target chan domain.Event) []chan domain.Event {
	for i, c := range list {
		if c == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
