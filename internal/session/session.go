package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gitworkflows/blockterm/internal/block"
	"github.com/gitworkflows/blockterm/internal/classify"
	"github.com/gitworkflows/blockterm/internal/demux"
	"github.com/gitworkflows/blockterm/internal/logging"
	"github.com/gitworkflows/blockterm/internal/monitoring"
	"github.com/gitworkflows/blockterm/internal/pty"
	"github.com/gitworkflows/blockterm/internal/shared/id"
)

// State is the lifecycle state of a session.
type State string

const (
	StateRunning State = "running"
	StateClosed  State = "closed"
)

var (
	// ErrSessionClosed is returned for input routed to a closed session.
	ErrSessionClosed = errors.New("session is closed")
)

// Info is the public snapshot of a session.
type Info struct {
	ID        id.SessionID `json:"id"`
	Shell     string       `json:"shell"`
	ShellKind string       `json:"shell_kind,omitempty"`
	Cwd       string       `json:"cwd"`
	State     State        `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	Pid       int          `json:"pid"`
	Blocks    int          `json:"blocks"`
	Degraded  bool         `json:"degraded"`
}

// Session couples one process handle, one demultiplexer, and one block
// store. Its processing goroutine is the store's single writer; every
// other accessor is read-only or funnels through that goroutine's
// state transitions.
type Session struct {
	ID        id.SessionID
	Shell     string
	StartedAt time.Time

	handle     *pty.Handle
	store      *block.Store
	classifier classify.Classifier
	logger     *logging.Logger
	metrics    *monitoring.Metrics

	cancelTimeout    time.Duration
	degradeThreshold int

	mu           sync.RWMutex
	state        State
	cwd          string
	shellKind    string
	degraded     bool
	cancelTarget uint64 // block id a cancel is pending for, 0 if none

	closeOnce sync.Once
	done      chan struct{} // closed when the processing loop ends
}

// Config describes one session to open.
type Config struct {
	Shell string
	Args  []string
	Env   map[string]string
	Cwd   string
	Rows  int
	Cols  int

	ReadBufferSize   int
	SubscriberBuffer int
	CancelTimeout    time.Duration
	DegradeThreshold int
}

func newSession(cfg Config, classifier classify.Classifier, logger *logging.Logger, metrics *monitoring.Metrics) (*Session, error) {
	handle, err := pty.Spawn(pty.SpawnConfig{
		ShellPath:      cfg.Shell,
		Args:           cfg.Args,
		Env:            cfg.Env,
		Cwd:            cfg.Cwd,
		Rows:           cfg.Rows,
		Cols:           cfg.Cols,
		ReadBufferSize: cfg.ReadBufferSize,
	})
	if err != nil {
		return nil, err
	}

	cancelTimeout := cfg.CancelTimeout
	if cancelTimeout <= 0 {
		cancelTimeout = 5 * time.Second
	}

	s := &Session{
		ID:               id.NewSessionID(),
		Shell:            cfg.Shell,
		StartedAt:        time.Now(),
		handle:           handle,
		store:            block.NewStore(cfg.SubscriberBuffer),
		classifier:       classifier,
		logger:           logger,
		metrics:          metrics,
		cancelTimeout:    cancelTimeout,
		degradeThreshold: cfg.DegradeThreshold,
		state:            StateRunning,
		cwd:              cfg.Cwd,
		done:             make(chan struct{}),
	}

	go s.run()
	return s, nil
}

// Store exposes the read side of the block store. Mutation goes
// through Submit and Cancel only.
func (s *Session) Store() *block.Store { return s.store }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:        s.ID,
		Shell:     s.Shell,
		ShellKind: s.shellKind,
		Cwd:       s.cwd,
		State:     s.state,
		StartedAt: s.StartedAt,
		Pid:       s.handle.Pid(),
		Blocks:    s.store.Len(),
		Degraded:  s.degraded,
	}
}

// State returns the session lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Submit classifies text, opens a new running block, and forwards the
// input to the shell. Fails with block.ErrAlreadyRunning while another
// block runs, and ErrSessionClosed once the session is closed.
func (s *Session) Submit(ctx context.Context, text string) (uint64, error) {
	if s.State() != StateRunning {
		return 0, ErrSessionClosed
	}

	kind := block.KindCommand
	if s.classifier != nil {
		kind = s.classifier.Classify(text)
	}

	blockID, err := s.store.AppendInput(text, kind)
	if err != nil {
		return 0, err
	}
	s.metrics.BlocksStarted.Inc()

	if err := s.handle.Write(append([]byte(text), '\n')); err != nil {
		// The shell is gone; the block can never produce output.
		code := block.ExitProcessDied
		s.finalize(blockID, block.StatusFailed, &code)
		return blockID, fmt.Errorf("forward input: %w", err)
	}

	s.logger.Debug("input submitted",
		zap.String("session_id", s.ID.String()),
		zap.Uint64("block_id", blockID),
		zap.String("kind", string(kind)))
	return blockID, nil
}

// Cancel interrupts the running block and waits, bounded by the
// cancel timeout, for it to finalize. On timeout the process is
// killed. The block always ends Cancelled or Failed.
func (s *Session) Cancel(ctx context.Context, blockID uint64) error {
	b, err := s.store.Get(blockID)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return nil
	}

	sub := s.store.Subscribe()
	defer s.store.Unsubscribe(sub.ID())

	// Re-check under the subscription so a finalize between the first
	// check and Subscribe is not missed.
	if b, err = s.store.Get(blockID); err != nil || b.Status.Terminal() {
		return err
	}

	s.mu.Lock()
	s.cancelTarget = blockID
	s.mu.Unlock()

	if err := s.handle.Interrupt(); err != nil && !s.handle.Exited() {
		s.logger.Warn("interrupt failed",
			zap.String("session_id", s.ID.String()), zap.Error(err))
	}

	timer := time.NewTimer(s.cancelTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil // store closed, loop finalized everything
			}
			if ev.Type == block.EventFinalized && ev.BlockID == blockID {
				return nil
			}
		case <-timer.C:
			if b, err := s.store.Get(blockID); err == nil && b.Status.Terminal() {
				return nil
			}
			s.logger.Warn("cancel timeout, killing process",
				zap.String("session_id", s.ID.String()),
				zap.Uint64("block_id", blockID))
			_ = s.handle.Kill()
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Resize propagates new terminal geometry. Fire-and-forget.
func (s *Session) Resize(rows, cols int) error {
	return s.handle.Resize(rows, cols)
}

// Cwd returns the working directory last reported by the shell.
func (s *Session) Cwd() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cwd
}

// ShellKind returns the shell's self-reported kind, empty before the
// integration announces it.
func (s *Session) ShellKind() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shellKind
}

// Degraded reports whether the stream lost shell-integration framing.
func (s *Session) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Close terminates the process and seals the block store. History
// stays readable. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if !s.handle.Exited() {
			_ = s.handle.Signal(syscall.SIGHUP)

			waitCtx, cancel := context.WithTimeout(ctx, s.cancelTimeout)
			defer cancel()
			if _, werr := s.handle.Wait(waitCtx); werr != nil {
				_ = s.handle.Kill()
			}
		}

		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Done is closed once the processing loop has finished and the store
// is sealed.
func (s *Session) Done() <-chan struct{} { return s.done }

// run is the session's only writer: it drains the PTY, demultiplexes
// the stream, and applies every event to the block store.
func (s *Session) run() {
	d := demux.New(s.degradeThreshold)

	for chunk := range s.handle.Output() {
		s.apply(d.Feed(chunk))
	}
	s.apply(d.Exited())

	status, _ := s.handle.Wait(context.Background())
	s.finalizeOnExit(status)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.store.Seal()
	s.metrics.SubscriberDrops.Add(float64(s.store.DroppedEvents()))
	s.metrics.SessionsClosed.Inc()
	close(s.done)

	s.logger.Info("session closed",
		zap.String("session_id", s.ID.String()),
		zap.Int("exit_code", status.Code),
		zap.Bool("signaled", status.Signaled))
}

func (s *Session) apply(events []demux.Event) {
	for _, ev := range events {
		switch ev.Type {
		case demux.EventOutput:
			s.applyOutput(ev.Data)
		case demux.EventCommandEnd:
			s.applyCommandEnd(ev.ExitCode)
		case demux.EventPromptStart:
			// Shell is idle; nothing to record until the next Submit.
		case demux.EventCwdChanged:
			s.mu.Lock()
			s.cwd = ev.Dir
			s.mu.Unlock()
		case demux.EventShellKind:
			s.mu.Lock()
			s.shellKind = ev.Shell
			s.mu.Unlock()
		case demux.EventDegraded:
			s.markDegraded("shell integration not detected", 0)
		case demux.EventVersionMismatch:
			s.markDegraded("shell integration version mismatch", ev.Version)
		case demux.EventProcessExited:
			// Exit status is applied once the read loop drains.
		}
	}
}

func (s *Session) applyOutput(data []byte) {
	blockID, ok := s.store.Running()
	if !ok {
		if !s.Degraded() {
			// Output with no open block is shell chatter between
			// commands; nothing to attribute it to.
			return
		}
		// Degraded capture keeps everything in one unterminated block.
		var err error
		blockID, err = s.store.AppendInput("", block.KindCommand)
		if err != nil {
			return
		}
		s.metrics.BlocksStarted.Inc()
	}

	if err := s.store.PushOutput(blockID, data); err == nil {
		s.metrics.OutputBytes.Add(float64(len(data)))
	}
}

func (s *Session) applyCommandEnd(exitCode int) {
	blockID, ok := s.store.Running()
	if !ok {
		return
	}

	status := block.StatusCompleted
	codePtr := &exitCode
	if exitCode != 0 {
		status = block.StatusFailed
	}

	if s.takeCancelTarget(blockID) {
		status = block.StatusCancelled
		codePtr = nil
	}

	s.finalize(blockID, status, codePtr)
}

// finalizeOnExit closes out a block left running when the process
// died: Cancelled if a cancel was pending, otherwise Failed with the
// synthetic process-died code.
func (s *Session) finalizeOnExit(status pty.ExitStatus) {
	blockID, ok := s.store.Running()
	if !ok {
		return
	}

	if s.takeCancelTarget(blockID) {
		s.finalize(blockID, block.StatusCancelled, nil)
		return
	}

	code := block.ExitProcessDied
	s.finalize(blockID, block.StatusFailed, &code)
	s.logger.Warn("process exited with block still running",
		zap.String("session_id", s.ID.String()),
		zap.Uint64("block_id", blockID),
		zap.Int("process_exit", status.Code))
}

func (s *Session) finalize(blockID uint64, status block.Status, code *int) {
	if err := s.store.Finalize(blockID, status, code); err != nil {
		s.logger.Error("finalize failed",
			zap.String("session_id", s.ID.String()),
			zap.Uint64("block_id", blockID),
			zap.Error(err))
		return
	}
	s.metrics.BlocksFinalized.WithLabelValues(string(status)).Inc()
}

func (s *Session) markDegraded(reason string, version int) {
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.mu.Unlock()
	if already {
		return
	}

	s.metrics.SessionsDegraded.Inc()
	s.logger.Warn("session degraded to unframed capture",
		zap.String("session_id", s.ID.String()),
		zap.String("reason", reason),
		zap.Int("marker_version", version))
}

// takeCancelTarget checks and clears a pending cancel for blockID.
func (s *Session) takeCancelTarget(blockID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTarget == blockID && blockID != 0 {
		s.cancelTarget = 0
		return true
	}
	return false
}
