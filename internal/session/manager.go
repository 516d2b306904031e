package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/gitworkflows/blockterm/internal/classify"
	"github.com/gitworkflows/blockterm/internal/config"
	"github.com/gitworkflows/blockterm/internal/logging"
	"github.com/gitworkflows/blockterm/internal/monitoring"
	"github.com/gitworkflows/blockterm/internal/shared/id"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrManagerClosed is returned after Shutdown.
	ErrManagerClosed = errors.New("session manager is shut down")

	// ErrTooManySessions is returned when the session cap is reached.
	ErrTooManySessions = errors.New("maximum session count reached")
)

// Manager owns every live session. Consumers hold session ids, never
// sessions; all access funnels through the manager. No manager lock is
// ever held across an I/O call: lookups resolve the session under the
// lock, then release it before touching the PTY.
type Manager struct {
	cfg        config.EngineConfig
	classifier classify.Classifier
	logger     *logging.Logger
	metrics    *monitoring.Metrics

	mu       sync.RWMutex
	sessions map[id.SessionID]*Session
	closed   bool
}

// NewManager creates a session manager. classifier may be nil, in
// which case every input is tagged a command.
func NewManager(cfg config.EngineConfig, classifier classify.Classifier, logger *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if classifier == nil {
		classifier = classify.Command()
	}
	return &Manager{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger.Component("session"),
		metrics:    metrics,
		sessions:   make(map[id.SessionID]*Session),
	}
}

// CreateOptions selects the shell and environment for a new session.
// Zero values fall back to engine configuration.
type CreateOptions struct {
	Shell string
	Args  []string
	Env   map[string]string
	Cwd   string
	Rows  int
	Cols  int
}

// Create spawns a new shell session and registers it.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	if m.atCapLocked() {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, m.cfg.MaxSessions)
	}
	m.mu.RUnlock()

	shell := opts.Shell
	if shell == "" {
		shell = m.cfg.DefaultShell
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = os.Getenv("HOME")
	}

	s, err := newSession(Config{
		Shell:            shell,
		Args:             opts.Args,
		Env:              opts.Env,
		Cwd:              cwd,
		Rows:             opts.Rows,
		Cols:             opts.Cols,
		ReadBufferSize:   m.cfg.ReadBufferSize,
		SubscriberBuffer: m.cfg.SubscriberBuffer,
		CancelTimeout:    m.cfg.CancelTimeout,
		DegradeThreshold: m.cfg.DegradeThreshold,
	}, m.classifier, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		// Lost the race with Shutdown; do not leak the process.
		_ = s.Close(ctx)
		return nil, ErrManagerClosed
	}
	// The pre-spawn check ran under a read lock, so concurrent Creates
	// may all have passed it; only the registration under the write
	// lock is authoritative.
	if m.atCapLocked() {
		m.mu.Unlock()
		_ = s.Close(ctx)
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, m.cfg.MaxSessions)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.metrics.SessionsTotal.Inc()
	m.metrics.SessionsActive.Inc()
	go func() {
		<-s.Done()
		m.metrics.SessionsActive.Dec()
	}()

	m.logger.Info("session created",
		zap.String("session_id", s.ID.String()),
		zap.String("shell", shell),
		zap.String("cwd", cwd))
	return s, nil
}

// atCapLocked reports whether the open-session cap is reached. Caller
// holds m.mu (read or write).
func (m *Manager) atCapLocked() bool {
	if m.cfg.MaxSessions <= 0 {
		return false
	}
	open := 0
	for _, s := range m.sessions {
		if s.State() == StateRunning {
			open++
		}
	}
	return open >= m.cfg.MaxSessions
}

// Get returns a live or closed session by id.
func (m *Manager) Get(sessionID id.SessionID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s, nil
}

// List returns snapshots of all sessions, open and closed.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// RouteInput forwards text to the target session.
func (m *Manager) RouteInput(ctx context.Context, sessionID id.SessionID, text string) (uint64, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return 0, err
	}
	return s.Submit(ctx, text)
}

// Cancel interrupts a running block in the target session.
func (m *Manager) Cancel(ctx context.Context, sessionID id.SessionID, blockID uint64) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Cancel(ctx, blockID)
}

// CloseSession terminates the session's process and seals its store.
// The session stays listed with its browsable history.
func (m *Manager) CloseSession(ctx context.Context, sessionID id.SessionID) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Close(ctx)
}

// Shutdown closes every session. After it returns no owned shell
// process is left running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(sessions))
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				errCh <- fmt.Errorf("close %s: %w", s.ID, err)
			}
		}(s)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	m.logger.Info("session manager shut down",
		zap.Int("sessions", len(sessions)),
		zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}
