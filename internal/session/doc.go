// Package session binds one shell process to one block log.
//
// A Session owns a pty.Handle, a demux.Demux, and a block.Store. Its
// processing goroutine is the store's single writer: it drains the
// PTY, lets the demultiplexer split markers from output, and applies
// the resulting events as block transitions. Everything else (Submit,
// Cancel, Resize, the HTTP layer's reads) runs on other goroutines
// and either reads snapshots or nudges the process so the loop
// observes the effect.
//
// The Manager owns the session table. Consumers address sessions by
// id; the manager never holds its lock across a PTY call.
package session
