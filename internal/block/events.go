package block

import (
	"sync"
	"sync/atomic"

	"github.com/gitworkflows/blockterm/internal/shared/id"
)

// EventType distinguishes block change notifications.
type EventType string

const (
	EventCreated        EventType = "created"
	EventOutputAppended EventType = "output_appended"
	EventFinalized      EventType = "finalized"
)

// Event is one change notification from a store. Delivery is ordered
// per subscriber and at-least-once; a slow subscriber loses oldest
// events instead of blocking the writer.
type Event struct {
	Type    EventType `json:"type"`
	BlockID uint64    `json:"block_id"`
	// Block is a snapshot for Created and Finalized events.
	Block *Block `json:"block,omitempty"`
	// Chunk carries the appended output for OutputAppended events.
	Chunk *Chunk `json:"chunk,omitempty"`
}

// Subscription receives a store's change notifications.
type Subscription struct {
	id      id.SubscriberID
	dropped atomic.Uint64

	// mu orders publish against shut: the channel is only closed once
	// no send can be in flight, so a reader may unsubscribe at any
	// moment without panicking the store's writer.
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() id.SubscriberID { return s.id }

// Events returns the notification channel. It is closed when the
// subscription is cancelled or the store shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the
// subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// publish enqueues ev, evicting the oldest queued event when full.
// Called only from the store's single writer.
func (s *Subscription) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}
	// Queue full: make room by dropping the oldest entry. The receiver
	// may race us for it, so both selects are non-blocking.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// shut closes the channel exactly once, after any in-flight publish
// has finished.
func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
