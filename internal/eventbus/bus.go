// Package eventbus is an in-memory, non-blocking fan-out of dispatch and
// task lifecycle events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DispatchQueued    = "dispatch.queued"
	DispatchDelivered = "dispatch.delivered"
	DispatchFailed    = "dispatch.failed"
	DispatchSkipped   = "dispatch.skipped"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"
)

// Event is a small, JSON-friendly signal. Publish never blocks; a slow
// subscriber loses events.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// DispatchEvent is the payload of the dispatch.* events.
type DispatchEvent struct {
	JobID      string `json:"job_id"`
	ProtocolID string `json:"protocol_id"`
	ChannelID  string `json:"channel_id,omitempty"`
	DomainID   string `json:"domain_id"`
	Reason     string `json:"reason,omitempty"`
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight publishes.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish is a nil-safe helper.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
