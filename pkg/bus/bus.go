package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProgressEvent reports one step of an ingestion or maintenance run.
type ProgressEvent struct {
	ProjectID string         `json:"project_id"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	TurnID    string         `json:"turn_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const publishTimeout = 100 * time.Millisecond

type subscriber struct {
	projectID string
	ch        chan ProgressEvent
}

// EventBus fans progress events out to subscribers. Publishing never blocks
// the pipeline for more than publishTimeout per slow subscriber; events that
// cannot be delivered in time are dropped and counted.
type EventBus struct {
	subs    map[int]subscriber
	nextID  int
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]subscriber)}
}

// Subscribe returns a channel of events for the given project. An empty
// projectID receives events for every project. The returned cancel func
// removes the subscription and closes the channel.
func (eb *EventBus) Subscribe(projectID string, buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan ProgressEvent, buffer)

	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	if eb.closed {
		eb.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	eb.subs[id] = subscriber{projectID: projectID, ch: ch}
	eb.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			eb.mu.Lock()
			if _, ok := eb.subs[id]; ok {
				delete(eb.subs, id)
				close(ch)
			}
			eb.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers an event to all matching subscribers.
func (eb *EventBus) Publish(projectID, kind, message, turnID string, data map[string]any) {
	event := ProgressEvent{
		ProjectID: projectID,
		Kind:      kind,
		Message:   message,
		TurnID:    turnID,
		Data:      data,
		Timestamp: time.Now(),
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, sub := range eb.subs {
		if sub.projectID != "" && sub.projectID != projectID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			timer := time.NewTimer(publishTimeout)
			select {
			case sub.ch <- event:
			case <-timer.C:
				eb.dropped.Add(1)
			}
			timer.Stop()
		}
	}
}

func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for id, sub := range eb.subs {
		delete(eb.subs, id)
		close(sub.ch)
	}
}
