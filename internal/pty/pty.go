// Package pty owns the OS process and pseudo-terminal pair behind one
// shell session.
package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

var (
	// ErrExecutableNotFound reports a shell path that does not resolve.
	ErrExecutableNotFound = errors.New("shell executable not found")

	// ErrPermissionDenied reports a shell path that cannot be executed.
	ErrPermissionDenied = errors.New("shell executable not permitted")

	// ErrPtyAllocationFailed reports failure to allocate the
	// pseudo-terminal pair.
	ErrPtyAllocationFailed = errors.New("pty allocation failed")

	// ErrClosed reports a write or resize after the process exited.
	ErrClosed = errors.New("process handle is closed")
)

// SpawnConfig describes the shell process to start.
type SpawnConfig struct {
	ShellPath string
	Args      []string
	Env       map[string]string
	Cwd       string
	Rows      int
	Cols      int

	// ReadBufferSize is the PTY read chunk size; zero means 4096.
	ReadBufferSize int
}

// ExitStatus is the result of a finished process.
type ExitStatus struct {
	Code     int
	Signaled bool
}

// Handle wraps one spawned shell bound to a pseudo-terminal. The
// reader goroutine it owns is the only reader of the PTY master; all
// other methods are safe for concurrent use.
type Handle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	output chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	status ExitStatus
}

// Spawn starts the shell on a fresh PTY. The caller must eventually
// end the process (Signal, Kill, or shell exit) so the descriptors
// are reclaimed.
func Spawn(cfg SpawnConfig) (*Handle, error) {
	path, err := exec.LookPath(cfg.ShellPath)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, cfg.ShellPath)
		}
		return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, cfg.ShellPath)
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	for key, value := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	rows, cols := cfg.Rows, cfg.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, cfg.ShellPath)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, cfg.ShellPath)
		}
		return nil, fmt.Errorf("%w: %v", ErrPtyAllocationFailed, err)
	}

	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = 4096
	}

	h := &Handle{
		cmd:    cmd,
		ptmx:   ptmx,
		output: make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	go h.readLoop(bufSize)
	go h.reap()

	return h, nil
}

// Pid returns the OS process id.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Output returns the channel of raw PTY read chunks. It is closed
// when the PTY master reaches EOF. Consumers that fall behind apply
// backpressure to the PTY, never losing bytes.
func (h *Handle) Output() <-chan []byte {
	return h.output
}

// Write forwards input bytes to the shell.
func (h *Handle) Write(p []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if _, err := h.ptmx.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Resize propagates new terminal geometry. Fire-and-forget; the shell
// never acknowledges.
func (h *Handle) Resize(rows, cols int) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return pty.Setsize(h.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Signal delivers sig to the shell process. Best-effort.
func (h *Handle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return ErrClosed
	}
	return h.cmd.Process.Signal(sig)
}

// Interrupt stops the foreground command the way a terminal does:
// ETX on the master makes the line discipline raise SIGINT in the
// foreground process group.
func (h *Handle) Interrupt() error {
	return h.Write([]byte{0x03})
}

// Kill forcibly terminates the process.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return ErrClosed
	}
	return h.cmd.Process.Kill()
}

// Wait blocks until the process exits or ctx is cancelled. It blocks
// only the calling goroutine.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Exited reports whether the process has already exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// readLoop pumps the PTY master into the output channel until EOF.
// On Linux a closed PTY read reports EIO rather than io.EOF; both end
// the stream.
func (h *Handle) readLoop(bufSize int) {
	defer close(h.output)

	for {
		buf := make([]byte, bufSize)
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			h.output <- buf[:n]
		}
		if err != nil {
			// io.EOF, EIO, and ErrClosed all mean the slave side is
			// gone; any other error ends the stream the same way and
			// the reaper reports the exit status.
			return
		}
	}
}

// reap waits for process exit, records its status, and releases the
// PTY descriptors.
func (h *Handle) reap() {
	err := h.cmd.Wait()

	status := ExitStatus{}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signaled = true
			status.Code = 128 + int(ws.Signal())
		}
	} else if err != nil {
		status.Code = -1
	}

	h.mu.Lock()
	h.closed = true
	h.status = status
	h.mu.Unlock()

	h.ptmx.Close()
	close(h.done)
}
