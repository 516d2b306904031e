// Package block models the unit of interaction of a session: one
// submitted input plus everything the shell produced for it. The
// Store is an append-only log of blocks with change-notification
// fan-out for renderers and agents.
package block

import "time"

// Kind classifies what the user submitted. The classification itself is
// performed outside the store; the store only records the tag.
type Kind string

const (
	KindCommand Kind = "command"
	KindPrompt  Kind = "prompt"
)

// Status is the lifecycle state of a block. Running is the only
// non-terminal state; a block never leaves a terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExitProcessDied is the synthetic exit code recorded when the shell
// process dies while a block is still running.
const ExitProcessDied = -1

// Chunk is one captured span of command output.
type Chunk struct {
	Data string    `json:"data"`
	Time time.Time `json:"time"`
}

// Block is one user-initiated interaction and its captured result.
type Block struct {
	ID        uint64     `json:"id"`
	Input     string     `json:"input"`
	Kind      Kind       `json:"kind"`
	Output    []Chunk    `json:"output"`
	Status    Status     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// Duration returns how long the block ran, zero while still running.
func (b *Block) Duration() time.Duration {
	if b.EndedAt == nil {
		return 0
	}
	return b.EndedAt.Sub(b.StartedAt)
}

// OutputString concatenates all output chunks.
func (b *Block) OutputString() string {
	var n int
	for _, c := range b.Output {
		n += len(c.Data)
	}
	buf := make([]byte, 0, n)
	for _, c := range b.Output {
		buf = append(buf, c.Data...)
	}
	return string(buf)
}

// clone returns a deep copy safe to hand to readers while the writer
// keeps mutating the original.
func (b *Block) clone() *Block {
	cp := *b
	cp.Output = make([]Chunk, len(b.Output))
	copy(cp.Output, b.Output)
	if b.EndedAt != nil {
		t := *b.EndedAt
		cp.EndedAt = &t
	}
	if b.ExitCode != nil {
		c := *b.ExitCode
		cp.ExitCode = &c
	}
	return &cp
}
