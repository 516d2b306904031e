package demux

import (
	"bytes"
	"encoding/base64"
	"strconv"
)

// Shell-integration markers are OSC sequences emitted by the companion
// shell-init snippet (see internal/shellinit):
//
//	ESC ] 7717 ; BT<ver> ; <kind> [; <field>] BEL
//
// Kinds:
//
//	prompt              shell is displaying a fresh prompt
//	end;<exit_code>     the foreground command finished
//	cwd;<base64 dir>    working directory changed
//	shell;<name>        shell identified itself (bash, zsh, ...)
//
// The numeric namespace and wire layout form a private, versioned
// contract with the init snippet. A marker carrying a different
// version is reported, never silently misparsed.

// ProtocolVersion is the marker wire version this parser understands.
const ProtocolVersion = 1

const (
	oscTerminator = 0x07 // BEL
	// maxMarkerLen bounds how much trailing data may be withheld while
	// waiting for a marker terminator. Larger unterminated tails are
	// flushed as ordinary output to avoid starving consumers on
	// malformed streams.
	maxMarkerLen = 4096
)

var (
	// Full prefix including the version this parser speaks.
	oscPrefix = []byte("\x1b]7717;BT1;")
	// Version-agnostic prefix, used to detect mismatched versions.
	oscNamespace = []byte("\x1b]7717;BT")
)

type markerKind int

const (
	markerPrompt markerKind = iota
	markerEnd
	markerCwd
	markerShell
	markerBadVersion
)

type marker struct {
	kind     markerKind
	exitCode int
	dir      string
	shell    string
	version  int
}

// parsePayload decodes the bytes between the versioned prefix and the
// BEL terminator.
func parsePayload(payload []byte) (marker, bool) {
	parts := bytes.SplitN(payload, []byte{';'}, 2)
	switch string(parts[0]) {
	case "prompt":
		return marker{kind: markerPrompt}, true
	case "end":
		if len(parts) < 2 {
			return marker{}, false
		}
		code, err := strconv.Atoi(string(parts[1]))
		if err != nil {
			return marker{}, false
		}
		return marker{kind: markerEnd, exitCode: code}, true
	case "cwd":
		if len(parts) < 2 {
			return marker{}, false
		}
		dir, err := base64.StdEncoding.DecodeString(string(parts[1]))
		if err != nil {
			return marker{}, false
		}
		return marker{kind: markerCwd, dir: string(dir)}, true
	case "shell":
		if len(parts) < 2 {
			return marker{}, false
		}
		return marker{kind: markerShell, shell: string(parts[1])}, true
	}
	return marker{}, false
}

// parseForeignVersion extracts the version from a namespace-prefixed
// frame that did not match our versioned prefix.
func parseForeignVersion(frame []byte) int {
	rest := frame[len(oscNamespace):]
	end := bytes.IndexByte(rest, ';')
	if end < 0 {
		return 0
	}
	v, err := strconv.Atoi(string(rest[:end]))
	if err != nil {
		return 0
	}
	return v
}

// holdbackLen returns how many trailing bytes of data must be withheld
// from emission because they may be the beginning of a marker split
// across a read boundary. This is what guarantees chunk-boundary
// independence: a byte range is only emitted as output once it cannot
// be part of a marker.
func holdbackLen(data []byte) int {
	// An unterminated frame whose prefix is fully present.
	if i := lastIndex(data, oscNamespace); i >= 0 {
		if bytes.IndexByte(data[i:], oscTerminator) < 0 {
			if len(data)-i <= maxMarkerLen {
				return len(data) - i
			}
			return 0
		}
	}

	// A trailing partial prefix ("\x1b", "\x1b]77", ...).
	max := len(oscNamespace) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if bytes.HasSuffix(data, oscNamespace[:n]) {
			return n
		}
	}
	return 0
}

func lastIndex(b, sep []byte) int {
	return bytes.LastIndex(b, sep)
}
