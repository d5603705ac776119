// Package events carries run events from workers to the hub and exposes
// the monitoring endpoint.
package events

import (
	"sync"

	"alma.local/fuzz/executor"
)

// Kind discriminates bus events.
type Kind int

const (
	// KindExec is a batch of completed executions.
	KindExec Kind = iota
	// KindNewEntry announces a corpus addition.
	KindNewEntry
	// KindObjective announces a newly deduplicated crash/timeout/OOM.
	KindObjective
	// KindIOFailure counts a failed corpus or artifact write.
	KindIOFailure
)

// Event is one message on the bus. Fields beyond Kind and Worker are
// populated per kind: Count for KindExec, Sig/Hash for KindNewEntry,
// Status/Sig for KindObjective.
type Event struct {
	Kind   Kind
	Worker int
	Count  int
	Hash   string
	Sig    uint64
	Status executor.Status
}

// Bus is a buffered fan-in channel from workers to the hub goroutine.
// Publish never blocks the fuzzing loop: events are dropped once the hub
// stops draining, which only happens during shutdown.
type Bus struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
}

// NewBus creates a bus with the given buffer depth.
func NewBus(depth int) *Bus {
	return &Bus{ch: make(chan Event, depth)}
}

// Publish enqueues ev, dropping it if the buffer is full or the bus is
// closed.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	default:
	}
}

// Events is the hub's receive side. It is closed by Close.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close stops the bus. Publish becomes a no-op and Events drains then
// closes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
