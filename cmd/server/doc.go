// Command server runs the blockterm session engine: it spawns
// PTY-backed shell sessions, frames their output into blocks, and
// serves the block log and its event stream over HTTP and WebSocket.
//
// Configuration comes from BLOCKTERM_* environment variables; see
// internal/config for the full set.
package main
