package sync

import (
	"sync"

	"github.com/coppermind/shoebox/internal/ops"
)

// EventKind discriminates emitter events.
type EventKind int

const (
	// EventRecordUpserted fires when a record is created or updated,
	// whether by a local mutation or an incoming journal op.
	EventRecordUpserted EventKind = iota

	// EventRecordRemoved fires when a record is tombstoned locally.
	EventRecordRemoved

	// EventPartitionState fires when a partition changes state.
	EventPartitionState
)

// Event describes one change surfaced to subscribers.
type Event struct {
	Kind        EventKind
	Collection  string
	PartitionID string
	RecordID    string
	Fields      ops.Fields

	// State is set for EventPartitionState events.
	State PartitionState
}

// Subscription is a handle returned by Subscribe; Cancel stops
// delivery.
type Subscription struct {
	id      int
	emitter *Emitter
}

// Cancel unsubscribes. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.emitter.mu.Lock()
	defer s.emitter.mu.Unlock()
	delete(s.emitter.subs, s.id)
}

// Emitter fans events out to subscribers. Callbacks run synchronously
// on the emitting goroutine, so they must be fast and must not call
// back into the Orchestrator.
type Emitter struct {
	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]func(Event))}
}

// Subscribe registers a callback and returns its cancellation handle.
func (e *Emitter) Subscribe(fn func(Event)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.subs[id] = fn
	return &Subscription{id: id, emitter: e}
}

func (e *Emitter) emit(ev Event) {
	e.mu.Lock()
	callbacks := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		callbacks = append(callbacks, fn)
	}
	e.mu.Unlock()

	for _, fn := range callbacks {
		fn(ev)
	}
}
