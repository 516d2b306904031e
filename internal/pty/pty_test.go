package pty

import (
	"bytes"
	"context"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectOutput(t *testing.T, h *Handle, deadline time.Duration) []byte {
	t.Helper()
	var buf bytes.Buffer
	timer := time.After(deadline)
	for {
		select {
		case chunk, ok := <-h.Output():
			if !ok {
				return buf.Bytes()
			}
			buf.Write(chunk)
		case <-timer:
			return buf.Bytes()
		}
	}
}

func TestSpawnUnknownExecutable(t *testing.T) {
	_, err := Spawn(SpawnConfig{ShellPath: "/no/such/shell-binary"})
	assert.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestSpawnEchoAndExit(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}

	h, err := Spawn(SpawnConfig{
		ShellPath: "/bin/sh",
		Args:      []string{"-c", "echo hello-from-pty"},
	})
	require.NoError(t, err)

	out := collectOutput(t, h, 5*time.Second)
	assert.Contains(t, string(out), "hello-from-pty")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Code)
	assert.True(t, h.Exited())
}

func TestExitCodePropagated(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}

	h, err := Spawn(SpawnConfig{
		ShellPath: "/bin/sh",
		Args:      []string{"-c", "exit 2"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Code)
}

func TestWriteAfterExit(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}

	h, err := Spawn(SpawnConfig{
		ShellPath: "/bin/sh",
		Args:      []string{"-c", "true"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	err = h.Write([]byte("echo too late\n"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKillReleasesProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}

	h, err := Spawn(SpawnConfig{
		ShellPath: "/bin/sh",
		Args:      []string{"-c", "sleep 60"},
	})
	require.NoError(t, err)
	pid := h.Pid()
	require.NotZero(t, pid)

	require.NoError(t, h.Kill())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, status.Signaled)

	// The pid must be gone (signal 0 probes existence; a reaped child
	// that is no longer ours reports ESRCH or EPERM).
	err = syscall.Kill(pid, 0)
	if err == nil {
		// Zombie until reaped by us; Wait already reaped, so any
		// surviving pid is a different process.
		t.Log("pid reused by another process")
	}
}

func TestWaitRespectsContext(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}

	h, err := Spawn(SpawnConfig{
		ShellPath: "/bin/sh",
		Args:      []string{"-c", "sleep 60"},
	})
	require.NoError(t, err)
	defer h.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInteractiveWrite(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}

	h, err := Spawn(SpawnConfig{
		ShellPath: "/bin/sh",
		Args:      []string{"-i"},
		Env:       map[string]string{"PS1": "$ "},
	})
	require.NoError(t, err)
	defer h.Kill()

	require.NoError(t, h.Write([]byte("echo round-trip\n")))

	deadline := time.After(5 * time.Second)
	var buf strings.Builder
	for !strings.Contains(buf.String(), "round-trip") {
		select {
		case chunk, ok := <-h.Output():
			if !ok {
				t.Fatalf("output closed early, got: %q", buf.String())
			}
			buf.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for echo, got: %q", buf.String())
		}
	}
}

func TestResize(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}

	h, err := Spawn(SpawnConfig{
		ShellPath: "/bin/sh",
		Args:      []string{"-c", "sleep 5"},
		Rows:      24,
		Cols:      80,
	})
	require.NoError(t, err)
	defer h.Kill()

	assert.NoError(t, h.Resize(50, 132))
}
