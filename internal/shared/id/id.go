// Package id provides centralized ID generation for the session engine.
//
// IDs are prefixed ULIDs: lexicographically sortable, unique for the
// lifetime of a process-wide registry, and readable in logs (sess_*,
// sub_*, req_*). Block ids are NOT generated here; they are plain
// per-session monotonic counters owned by each session's block store.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies one shell session.
type SessionID string

// SubscriberID identifies one block-event subscription.
type SubscriberID string

// RequestID identifies an API request.
type RequestID string

const (
	SessionPrefix    = "sess"
	SubscriberPrefix = "sub"
	RequestPrefix    = "req"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy
// source, useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewSessionID generates a new session ID.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewSubscriberID generates a new subscriber ID.
func NewSubscriberID() SubscriberID {
	return SubscriberID(Default().GenerateWithPrefix(SubscriberPrefix))
}

// NewRequestID generates a new request ID.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id SessionID) String() string    { return string(id) }
func (id SubscriberID) String() string { return string(id) }
func (id RequestID) String() string    { return string(id) }

// IsValid checks if an ID string is a valid prefixed ULID.
func IsValid(id string) bool {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '_' {
			_, err := ulid.Parse(id[i+1:])
			return err == nil
		}
	}
	_, err := ulid.Parse(id)
	return err == nil
}
