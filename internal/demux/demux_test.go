package demux

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptMarker() []byte { return []byte("\x1b]7717;BT1;prompt\x07") }

func endMarker(code int) []byte {
	return []byte(fmt.Sprintf("\x1b]7717;BT1;end;%d\x07", code))
}

func cwdMarker(dir string) []byte {
	return []byte("\x1b]7717;BT1;cwd;" + base64.StdEncoding.EncodeToString([]byte(dir)) + "\x07")
}

func shellMarker(name string) []byte {
	return []byte("\x1b]7717;BT1;shell;" + name + "\x07")
}

// feedAll pushes the whole stream in one chunk and closes it.
func feedAll(d *Demux, stream []byte) []Event {
	events := d.Feed(stream)
	return append(events, d.Exited()...)
}

// collapse normalizes an event sequence by merging adjacent output
// events, so streams fed with different chunkings compare equal.
func collapse(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == EventOutput && len(out) > 0 && out[len(out)-1].Type == EventOutput {
			merged := append([]byte(nil), out[len(out)-1].Data...)
			out[len(out)-1].Data = append(merged, ev.Data...)
			continue
		}
		out = append(out, ev)
	}
	return out
}

func TestBasicCommandCycle(t *testing.T) {
	var stream []byte
	stream = append(stream, shellMarker("zsh")...)
	stream = append(stream, promptMarker()...)
	stream = append(stream, []byte("$ echo hi\r\nhi\r\n")...)
	stream = append(stream, endMarker(0)...)
	stream = append(stream, promptMarker()...)

	d := New(0)
	events := collapse(feedAll(d, stream))

	require.Len(t, events, 6)
	assert.Equal(t, EventShellKind, events[0].Type)
	assert.Equal(t, "zsh", events[0].Shell)
	assert.Equal(t, EventPromptStart, events[1].Type)
	assert.Equal(t, EventOutput, events[2].Type)
	assert.Equal(t, "$ echo hi\r\nhi\r\n", string(events[2].Data))
	assert.Equal(t, EventCommandEnd, events[3].Type)
	assert.Equal(t, 0, events[3].ExitCode)
	assert.Equal(t, EventPromptStart, events[4].Type)
	assert.Equal(t, EventProcessExited, events[5].Type)
	assert.False(t, d.Degraded())
}

func TestNonzeroExitCode(t *testing.T) {
	var stream []byte
	stream = append(stream, promptMarker()...)
	stream = append(stream, []byte("boom\r\n")...)
	stream = append(stream, endMarker(2)...)

	events := collapse(feedAll(New(0), stream))
	require.Len(t, events, 4)
	assert.Equal(t, EventCommandEnd, events[2].Type)
	assert.Equal(t, 2, events[2].ExitCode)
}

func TestCwdMarker(t *testing.T) {
	var stream []byte
	stream = append(stream, promptMarker()...)
	stream = append(stream, cwdMarker("/home/dev/project")...)

	events := feedAll(New(0), stream)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventCwdChanged, events[1].Type)
	assert.Equal(t, "/home/dev/project", events[1].Dir)
}

func TestPreludeDiscardedOnceIntegrationConfirmed(t *testing.T) {
	var stream []byte
	stream = append(stream, []byte("Last login: yesterday\r\n")...)
	stream = append(stream, promptMarker()...)
	stream = append(stream, []byte("out")...)
	stream = append(stream, endMarker(0)...)

	events := collapse(feedAll(New(0), stream))
	require.Len(t, events, 4)
	assert.Equal(t, EventPromptStart, events[0].Type)
	assert.Equal(t, "out", string(events[1].Data))
}

func TestInterCommandDecorationDiscarded(t *testing.T) {
	var stream []byte
	stream = append(stream, promptMarker()...)
	stream = append(stream, []byte("hi\r\n")...)
	stream = append(stream, endMarker(0)...)
	stream = append(stream, []byte("fancy decorations")...)
	stream = append(stream, promptMarker()...)

	events := collapse(feedAll(New(0), stream))
	for _, ev := range events {
		if ev.Type == EventOutput {
			assert.NotContains(t, string(ev.Data), "decorations")
		}
	}
}

func TestDegradedWithoutIntegration(t *testing.T) {
	d := New(16)
	events := d.Feed([]byte("plain shell with no integration installed at all"))

	require.NotEmpty(t, events)
	assert.Equal(t, EventDegraded, events[0].Type)
	assert.Equal(t, EventOutput, events[1].Type)
	assert.True(t, d.Degraded())

	// Later bytes keep flowing as output.
	more := d.Feed([]byte("more"))
	require.Len(t, more, 1)
	assert.Equal(t, "more", string(more[0].Data))
}

func TestDegradedOnExitWithBufferedPrelude(t *testing.T) {
	d := New(1 << 20)
	require.Empty(t, d.Feed([]byte("banner, no markers")))

	events := d.Exited()
	require.Len(t, events, 3)
	assert.Equal(t, EventDegraded, events[0].Type)
	assert.Equal(t, "banner, no markers", string(events[1].Data))
	assert.Equal(t, EventProcessExited, events[2].Type)
}

func TestVersionMismatchDetected(t *testing.T) {
	d := New(0)
	events := d.Feed([]byte("\x1b]7717;BT9;prompt\x07"))

	require.Len(t, events, 1)
	assert.Equal(t, EventVersionMismatch, events[0].Type)
	assert.Equal(t, 9, events[0].Version)
	assert.True(t, d.Degraded())
}

func TestMalformedPayloadSwallowed(t *testing.T) {
	var stream []byte
	stream = append(stream, promptMarker()...)
	stream = append(stream, []byte("\x1b]7717;BT1;end;notanumber\x07ok")...)

	events := collapse(feedAll(New(0), stream))
	// The malformed frame disappears; "ok" is clean output.
	require.Len(t, events, 3)
	assert.Equal(t, "ok", string(events[1].Data))
}

func TestMarkerSplitAcrossReads(t *testing.T) {
	d := New(0)

	var all []Event
	all = append(all, d.Feed(promptMarker())...)
	all = append(all, d.Feed([]byte("hi\r\n\x1b]77"))...)
	all = append(all, d.Feed([]byte("17;BT1;end"))...)
	all = append(all, d.Feed([]byte(";0\x07"))...)
	all = append(all, d.Exited()...)

	events := collapse(all)
	require.Len(t, events, 4)
	assert.Equal(t, EventPromptStart, events[0].Type)
	assert.Equal(t, "hi\r\n", string(events[1].Data))
	assert.Equal(t, EventCommandEnd, events[2].Type)
}

func TestBareEscapeInOutput(t *testing.T) {
	var stream []byte
	stream = append(stream, promptMarker()...)
	stream = append(stream, []byte("color: \x1b[31mred\x1b[0m\r\n")...)
	stream = append(stream, endMarker(0)...)

	events := collapse(feedAll(New(0), stream))
	require.Len(t, events, 4)
	assert.Equal(t, "color: \x1b[31mred\x1b[0m\r\n", string(events[1].Data))
}

func TestOversizedUnterminatedFrameFlushed(t *testing.T) {
	d := New(0)
	d.Feed(promptMarker())

	junk := append([]byte("\x1b]7717;BT"), bytes.Repeat([]byte("x"), maxMarkerLen+10)...)
	events := collapse(d.Feed(junk))

	// The fake frame never terminates and exceeds the holdback bound,
	// so it is flushed as ordinary output rather than withheld forever.
	require.NotEmpty(t, events)
	assert.Equal(t, EventOutput, events[0].Type)
}

// TestChunkBoundaryIndependence is the core correctness property: any
// re-chunking of a stream yields the identical classified sequence.
func TestChunkBoundaryIndependence(t *testing.T) {
	var stream []byte
	stream = append(stream, shellMarker("bash")...)
	stream = append(stream, promptMarker()...)
	stream = append(stream, []byte("$ ls\r\nREADME.md\r\nmain.go\r\n")...)
	stream = append(stream, endMarker(0)...)
	stream = append(stream, cwdMarker("/tmp")...)
	stream = append(stream, promptMarker()...)
	stream = append(stream, []byte("$ false\r\n")...)
	stream = append(stream, endMarker(1)...)
	stream = append(stream, promptMarker()...)

	want := collapse(feedAll(New(0), stream))

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		d := New(0)
		var got []Event
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			got = append(got, d.Feed(rest[:n])...)
			rest = rest[n:]
		}
		got = append(got, d.Exited()...)
		assert.Equal(t, want, collapse(got), "trial %d", trial)
	}

	// Degenerate chunkings: byte-at-a-time and all-at-once.
	d := New(0)
	var got []Event
	for _, b := range stream {
		got = append(got, d.Feed([]byte{b})...)
	}
	got = append(got, d.Exited()...)
	assert.Equal(t, want, collapse(got))
}
