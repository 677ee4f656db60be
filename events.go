package main

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ApkExtractor/pkg/types"
)

// ========================================
// Status Events - 状态事件
// ========================================

// EventKind is the family of a status event.
type EventKind string

const (
	EventConnection EventKind = "connection" // state change
	EventLog        EventKind = "log"        // per-operation log line
	EventProgress   EventKind = "progress"   // download percentage
	EventOutcome    EventKind = "outcome"    // archive resolution result
)

// EventLevel is the severity tag of a log event.
type EventLevel string

const (
	LevelInfo     EventLevel = "info"
	LevelSuccess  EventLevel = "success"
	LevelWarn     EventLevel = "warn"
	LevelError    EventLevel = "error"
	LevelCritical EventLevel = "critical"
)

// StatusEvent is what collaborators receive. Renderers pick the fields for their Kind.
type StatusEvent struct {
	ID       string     `json:"id"`
	Kind     EventKind  `json:"kind"`
	Time     time.Time  `json:"time"`
	Level    EventLevel `json:"level,omitempty"`
	Category string     `json:"category,omitempty"` // slot name or "system"
	Message  string     `json:"message,omitempty"`
	DeviceID string     `json:"deviceId,omitempty"`

	State types.ConnectionState `json:"state,omitempty"`

	Percent int   `json:"percent,omitempty"`
	Current int64 `json:"current,omitempty"`
	Total   int64 `json:"total,omitempty"`

	Outcome *types.ExtractionOutcome `json:"outcome,omitempty"`
	Error   string                   `json:"error,omitempty"`
	ErrKind types.ErrorKind          `json:"errorKind,omitempty"`
}

// EventRecorder persists events; the sqlite journal implements it.
type EventRecorder interface {
	Record(ev StatusEvent)
}

// ========================================
// EventBus - 事件分发
// ========================================

// EventBus fans events out to subscribers without ever blocking the publisher.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[int]chan StatusEvent
	nextID     int
	bufferSize int
	closed     bool
	dropped    atomic.Int64
}

// NewEventBus creates a bus whose subscriber channels hold bufferSize events.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventBus{subs: make(map[int]chan StatusEvent), bufferSize: bufferSize}
}

// Subscribe returns an event channel and a function that ends the subscription.
func (b *EventBus) Subscribe() (<-chan StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StatusEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var unsub sync.Once
	return ch, func() {
		unsub.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room; full subscribers miss it.
func (b *EventBus) Publish(ev StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			droppedEvents.Inc()
		}
	}
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func newEvent(kind EventKind) StatusEvent {
	return StatusEvent{ID: uuid.New().String(), Kind: kind, Time: time.Now()}
}
