package events

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Observer receives serialized events. Send must be safe to call from
// multiple goroutines; returning an error removes the observer.
type Observer interface {
	Send(data []byte) error
	Close() error
}

// Broadcaster delivers events to every registered observer. Observers whose
// Send fails are dropped without affecting the rest.
type Broadcaster struct {
	mu        sync.RWMutex
	observers map[string]Observer
	logger    *zap.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		observers: make(map[string]Observer),
		logger:    logger,
	}
}

// Register adds an observer under the given id, replacing any previous
// observer with the same id.
func (b *Broadcaster) Register(id string, obs Observer) {
	b.mu.Lock()
	prev := b.observers[id]
	b.observers[id] = obs
	b.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	b.logger.Debug("observer registered", zap.String("observer", id))
}

// Unregister removes and closes the observer with the given id.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	obs := b.observers[id]
	delete(b.observers, id)
	b.mu.Unlock()

	if obs != nil {
		_ = obs.Close()
	}
	b.logger.Debug("observer unregistered", zap.String("observer", id))
}

// Count returns the number of registered observers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Broadcast serializes the event once and delivers it to every observer.
// A per-observer send failure removes that observer only.
func (b *Broadcaster) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("failed to marshal event", zap.Error(err), zap.String("event_type", string(evt.EventType)))
		return
	}

	b.mu.RLock()
	targets := make(map[string]Observer, len(b.observers))
	for id, obs := range b.observers {
		targets[id] = obs
	}
	b.mu.RUnlock()

	var failed []string
	for id, obs := range targets {
		if err := obs.Send(data); err != nil {
			b.logger.Warn("dropping observer after failed send",
				zap.String("observer", id), zap.Error(err))
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		b.Unregister(id)
	}
}

// Close unregisters and closes all observers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	observers := b.observers
	b.observers = make(map[string]Observer)
	b.mu.Unlock()

	for _, obs := range observers {
		_ = obs.Close()
	}
}
