// Package demux converts the unstructured byte stream of a PTY into
// typed block-lifecycle events, delimited by shell-integration markers.
//
// The demultiplexer guarantees chunk-boundary independence: however the
// incoming stream is sliced into reads, no marker byte is ever
// misclassified as output and no output byte is dropped or duplicated.
// Marker bytes that may be split across a read boundary are withheld in
// a small tail buffer until they are confirmed to be, or not be, a
// marker.
package demux

import "bytes"

// EventType classifies demultiplexer events.
type EventType int

const (
	// EventPromptStart reports a fresh prompt; the shell is ready.
	EventPromptStart EventType = iota
	// EventOutput carries raw output bytes.
	EventOutput
	// EventCommandEnd reports a finished command with its exit code.
	EventCommandEnd
	// EventCwdChanged reports a working-directory change.
	EventCwdChanged
	// EventShellKind reports the shell identifying itself.
	EventShellKind
	// EventDegraded reports that shell integration is missing or
	// unusable; from here on the whole stream is one unterminated
	// block's output. Reported once, not fatal.
	EventDegraded
	// EventVersionMismatch reports a marker from an incompatible
	// shell-init version.
	EventVersionMismatch
	// EventProcessExited terminates the stream.
	EventProcessExited
)

// Event is one classified item from the stream.
type Event struct {
	Type     EventType
	Data     []byte // EventOutput
	ExitCode int    // EventCommandEnd
	Dir      string // EventCwdChanged
	Shell    string // EventShellKind
	Version  int    // EventVersionMismatch
}

type state int

const (
	awaitingPrompt state = iota
	capturingOutput
)

// Demux is the per-session stream demultiplexer. Not safe for
// concurrent use; exactly one goroutine (the session's read loop)
// feeds it.
type Demux struct {
	state    state
	tail     []byte
	prelude  []byte
	degraded bool
	reported bool // degraded/version event already emitted
	sawAny   bool // a valid marker has been seen

	// preludeLimit bounds how many pre-integration bytes are buffered
	// before the stream degrades to unframed capture.
	preludeLimit int
}

// New creates a demultiplexer. degradeThreshold is the number of bytes
// tolerated before any valid marker arrives; beyond it the stream is
// treated as integration-less.
func New(degradeThreshold int) *Demux {
	if degradeThreshold <= 0 {
		degradeThreshold = 64 * 1024
	}
	return &Demux{preludeLimit: degradeThreshold}
}

// Degraded reports whether the demultiplexer gave up on markers.
func (d *Demux) Degraded() bool { return d.degraded }

// Feed consumes one read chunk and returns the events it completes.
func (d *Demux) Feed(chunk []byte) []Event {
	data := chunk
	if len(d.tail) > 0 {
		data = append(d.tail, chunk...)
		d.tail = nil
	}

	hold := holdbackLen(data)
	emitable := data[:len(data)-hold]
	if hold > 0 {
		d.tail = append([]byte(nil), data[len(data)-hold:]...)
	}

	return d.scan(emitable)
}

// Exited flushes any withheld bytes and closes the stream. If no
// marker was ever seen, the degraded condition is reported so the
// session can finalize its single unframed block.
func (d *Demux) Exited() []Event {
	var events []Event

	// Whatever is withheld can no longer become a marker.
	if len(d.tail) > 0 {
		events = append(events, d.scan(d.tail)...)
		d.tail = nil
	}

	if !d.sawAny && !d.degraded && len(d.prelude) > 0 {
		events = append(events, d.degrade()...)
	}

	return append(events, Event{Type: EventProcessExited})
}

// scan walks emitable bytes, splitting complete marker frames from
// output.
func (d *Demux) scan(data []byte) []Event {
	var events []Event

	for len(data) > 0 {
		i := bytes.Index(data, oscNamespace)
		if i < 0 {
			events = append(events, d.output(data)...)
			break
		}
		if i > 0 {
			events = append(events, d.output(data[:i])...)
			data = data[i:]
		}

		end := bytes.IndexByte(data, oscTerminator)
		if end < 0 {
			// Unterminated frame past the holdback limit: it is not a
			// marker we can honor, classify as output.
			events = append(events, d.output(data)...)
			break
		}
		frame := data[:end]
		data = data[end+1:]

		if bytes.HasPrefix(frame, oscPrefix) {
			if m, ok := parsePayload(frame[len(oscPrefix):]); ok {
				events = append(events, d.apply(m)...)
				continue
			}
			// Well-versioned but malformed payload: swallow the frame,
			// it must not leak into output.
			continue
		}

		// Right namespace, wrong version.
		events = append(events, d.versionMismatch(parseForeignVersion(frame))...)
	}

	return events
}

func (d *Demux) apply(m marker) []Event {
	d.sawAny = true
	// Pre-integration banner bytes are prompt decoration, not block
	// output; integration is confirmed, discard them.
	d.prelude = nil

	switch m.kind {
	case markerPrompt:
		d.state = capturingOutput
		return []Event{{Type: EventPromptStart}}
	case markerEnd:
		d.state = awaitingPrompt
		return []Event{{Type: EventCommandEnd, ExitCode: m.exitCode}}
	case markerCwd:
		return []Event{{Type: EventCwdChanged, Dir: m.dir}}
	case markerShell:
		return []Event{{Type: EventShellKind, Shell: m.shell}}
	}
	return nil
}

func (d *Demux) output(data []byte) []Event {
	if len(data) == 0 {
		return nil
	}

	if d.degraded || d.state == capturingOutput {
		return []Event{{Type: EventOutput, Data: append([]byte(nil), data...)}}
	}

	if d.sawAny {
		// Between CommandEnd and the next prompt: shell decoration,
		// not block output.
		return nil
	}

	// No marker yet: buffer in case integration never shows up.
	d.prelude = append(d.prelude, data...)
	if len(d.prelude) > d.preludeLimit {
		return d.degrade()
	}
	return nil
}

// degrade switches to unframed capture and replays buffered bytes so
// nothing is lost.
func (d *Demux) degrade() []Event {
	d.degraded = true

	var events []Event
	if !d.reported {
		d.reported = true
		events = append(events, Event{Type: EventDegraded})
	}
	if len(d.prelude) > 0 {
		events = append(events, Event{Type: EventOutput, Data: d.prelude})
		d.prelude = nil
	}
	return events
}

func (d *Demux) versionMismatch(version int) []Event {
	if d.reported {
		return nil
	}
	d.reported = true
	d.degraded = true

	events := []Event{{Type: EventVersionMismatch, Version: version}}
	if len(d.prelude) > 0 {
		events = append(events, Event{Type: EventOutput, Data: d.prelude})
		d.prelude = nil
	}
	return events
}
