package block

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gitworkflows/blockterm/internal/shared/id"
)

var (
	// ErrAlreadyRunning is returned by AppendInput while another block
	// is still running. The caller must wait or cancel first.
	ErrAlreadyRunning = errors.New("a block is already running")

	// ErrNotFound is returned for unknown block ids.
	ErrNotFound = errors.New("block not found")

	// ErrNotRunning is returned when mutating a block that already
	// reached a terminal status.
	ErrNotRunning = errors.New("block is not running")

	// ErrReadOnly is returned when appending to a sealed store.
	ErrReadOnly = errors.New("block store is read-only")
)

// Store is an append-only log of blocks for one session.
//
// Exactly one goroutine (the owning session's processing loop) calls
// the mutating methods; any number of goroutines may call Get, List,
// Running, Subscribe, and Unsubscribe concurrently.
type Store struct {
	mu         sync.RWMutex
	blocks     []*Block
	nextID     uint64
	running    uint64 // id of the running block, 0 if none
	sealed     bool
	subBuffer  int
	subs       map[id.SubscriberID]*Subscription
	totalDrops uint64
}

// NewStore creates a store whose subscriptions buffer subBuffer events.
func NewStore(subBuffer int) *Store {
	if subBuffer <= 0 {
		subBuffer = 256
	}
	return &Store{
		nextID:    1,
		subBuffer: subBuffer,
		subs:      make(map[id.SubscriberID]*Subscription),
	}
}

// AppendInput creates a new running block for the submitted text and
// returns its id. Ids are strictly increasing, starting at 1.
func (s *Store) AppendInput(input string, kind Kind) (uint64, error) {
	s.mu.Lock()

	if s.sealed {
		s.mu.Unlock()
		return 0, ErrReadOnly
	}
	if s.running != 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: block %d", ErrAlreadyRunning, s.running)
	}

	b := &Block{
		ID:        s.nextID,
		Input:     input,
		Kind:      kind,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	s.nextID++
	s.running = b.ID
	s.blocks = append(s.blocks, b)
	snapshot := b.clone()
	subs := s.snapshotSubs()
	s.mu.Unlock()

	s.fanOut(subs, Event{Type: EventCreated, BlockID: b.ID, Block: snapshot})
	return b.ID, nil
}

// PushOutput appends a chunk of output to the running block.
func (s *Store) PushOutput(blockID uint64, data []byte) error {
	s.mu.Lock()

	b, err := s.lookupLocked(blockID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if b.Status != StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: block %d is %s", ErrNotRunning, blockID, b.Status)
	}

	chunk := Chunk{Data: string(data), Time: time.Now()}
	b.Output = append(b.Output, chunk)
	subs := s.snapshotSubs()
	s.mu.Unlock()

	s.fanOut(subs, Event{Type: EventOutputAppended, BlockID: blockID, Chunk: &chunk})
	return nil
}

// Finalize moves the running block to a terminal status. exitCode is
// recorded for Completed and Failed; it is ignored for Cancelled
// unless the shell reported one.
func (s *Store) Finalize(blockID uint64, status Status, exitCode *int) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize to non-terminal status %q", status)
	}

	s.mu.Lock()

	b, err := s.lookupLocked(blockID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if b.Status != StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: block %d is %s", ErrNotRunning, blockID, b.Status)
	}

	now := time.Now()
	b.Status = status
	b.EndedAt = &now
	b.ExitCode = exitCode
	if s.running == blockID {
		s.running = 0
	}
	snapshot := b.clone()
	subs := s.snapshotSubs()
	s.mu.Unlock()

	s.fanOut(subs, Event{Type: EventFinalized, BlockID: blockID, Block: snapshot})
	return nil
}

// Get returns a snapshot of one block.
func (s *Store) Get(blockID uint64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := s.lookupLocked(blockID)
	if err != nil {
		return nil, err
	}
	return b.clone(), nil
}

// List returns snapshots of blocks with ids in [from, to], in id
// order. Zero bounds mean open-ended.
func (s *Store) List(from, to uint64) []*Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		if from != 0 && b.ID < from {
			continue
		}
		if to != 0 && b.ID > to {
			continue
		}
		out = append(out, b.clone())
	}
	return out
}

// Len returns the number of blocks in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// Running returns the id of the running block, if any.
func (s *Store) Running() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running, s.running != 0
}

// Seal makes the store read-only. Any running block must already be
// finalized by the caller. Existing subscriptions stay open for
// history consumers until explicitly closed.
func (s *Store) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Sealed reports whether the store has become read-only.
func (s *Store) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Subscribe registers a new change-notification subscription.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{
		id: id.NewSubscriberID(),
		ch: make(chan Event, s.subBuffer),
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Store) Unsubscribe(subID id.SubscriberID) {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	if ok {
		delete(s.subs, subID)
		s.totalDrops += sub.Dropped()
	}
	s.mu.Unlock()

	if ok {
		sub.shut()
	}
}

// Close tears down all subscriptions and seals the store.
func (s *Store) Close() {
	s.mu.Lock()
	s.sealed = true
	subs := s.subs
	s.subs = make(map[id.SubscriberID]*Subscription)
	for _, sub := range subs {
		s.totalDrops += sub.Dropped()
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.shut()
	}
}

// DroppedEvents returns the total events dropped across all current
// subscribers.
func (s *Store) DroppedEvents() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.totalDrops
	for _, sub := range s.subs {
		total += sub.Dropped()
	}
	return total
}

func (s *Store) lookupLocked(blockID uint64) (*Block, error) {
	// Ids are dense and start at 1, so the slice doubles as the index.
	idx := int(blockID) - 1
	if blockID == 0 || idx >= len(s.blocks) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, blockID)
	}
	return s.blocks[idx], nil
}

func (s *Store) snapshotSubs() []*Subscription {
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (s *Store) fanOut(subs []*Subscription, ev Event) {
	for _, sub := range subs {
		sub.publish(ev)
	}
}
