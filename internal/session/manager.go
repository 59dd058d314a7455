// Package session owns the authenticated browsing context shared by all
// stage workers: it supplies session handles, detects authentication loss,
// and re-establishes the session without losing in-flight work.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// State is the lifecycle state of the managed session.
type State string

// Session lifecycle states.
const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
)

// Authenticator holds the site-specific authentication steps. Probe is a
// lightweight protected-page check; Login performs the full interactive flow.
type Authenticator interface {
	Probe(ctx context.Context, b pipeline.Browser) (bool, error)
	Login(ctx context.Context, b pipeline.Browser) error
}

// Config controls Manager behavior.
type Config struct {
	// StateFile is the persisted storage-state path. Absence is not an
	// error, only a trigger for full login.
	StateFile string
	// MaxLoginAttempts bounds authentication retries before the failure
	// becomes fatal to the whole pipeline.
	MaxLoginAttempts int
	// AttemptTimeout bounds one probe+login round.
	AttemptTimeout time.Duration
	// AttemptBackoff separates consecutive login attempts.
	AttemptBackoff time.Duration
}

// Handle is a borrowed reference to the authenticated browsing context.
type Handle struct {
	browser     pipeline.Browser
	invalidated chan struct{}
}

// NewPage opens an isolated page on the shared authenticated context.
func (h *Handle) NewPage(ctx context.Context) (pipeline.Page, error) {
	return h.browser.NewPage(ctx)
}

// Invalidated is closed when the session backing this handle is lost.
func (h *Handle) Invalidated() <-chan struct{} {
	return h.invalidated
}

// Manager implements pipeline.SessionSource over one browser.
type Manager struct {
	browser pipeline.Browser
	auth    Authenticator
	cfg     Config
	clock   pipeline.Clock
	logger  *zap.Logger

	mu              sync.Mutex
	state           State
	handle          *Handle
	pending         chan struct{}
	fatalErr        error
	lastValidatedAt time.Time

	fatalCh chan error
}

// NewManager constructs a Manager. The browser is owned exclusively by the
// manager; callers reach it only through borrowed handles.
func NewManager(browser pipeline.Browser, auth Authenticator, cfg Config, clock pipeline.Clock, logger *zap.Logger) *Manager {
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Minute
	}
	if cfg.AttemptBackoff <= 0 {
		cfg.AttemptBackoff = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		browser: browser,
		auth:    auth,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		state:   StateUnauthenticated,
		fatalCh: make(chan error, 1),
	}
}

// Acquire suspends the caller until a valid session exists. Concurrent calls
// during re-authentication share one pending attempt; exactly one
// authentication is ever in flight.
func (m *Manager) Acquire(ctx context.Context) (pipeline.SessionHandle, error) {
	for {
		m.mu.Lock()
		if m.fatalErr != nil {
			err := m.fatalErr
			m.mu.Unlock()
			return nil, err
		}
		if m.state == StateAuthenticated && m.handle != nil {
			h := m.handle
			m.mu.Unlock()
			return h, nil
		}
		if m.pending == nil {
			m.pending = make(chan struct{})
			m.state = StateAuthenticating
			go m.authenticate(m.pending)
		}
		wait := m.pending
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire session: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Invalidate reports authentication loss observed on a handle. Stale handles
// from an earlier session generation are ignored.
func (m *Manager) Invalidate(h pipeline.SessionHandle, cause error) {
	current, ok := h.(*Handle)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != current {
		return
	}
	m.logger.Warn("session invalidated by holder", zap.Error(cause))
	m.invalidateLocked()
}

// Heartbeat probes session validity. On failure it notifies all holders and
// begins re-authentication; callers treat a non-nil return as "paused".
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("session not authenticated (state %s)", state)
	}
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()
	ok, err := m.auth.Probe(probeCtx, m.browser)
	if err == nil && ok {
		m.mu.Lock()
		m.lastValidatedAt = m.clock.Now()
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return nil
	}
	m.logger.Warn("session heartbeat failed", zap.Error(err))
	m.invalidateLocked()
	return fmt.Errorf("session heartbeat failed: %w", errors.Join(err, pipeline.ErrSessionInvalid))
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastValidatedAt returns the time of the last successful probe.
func (m *Manager) LastValidatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastValidatedAt
}

// Fatal delivers the terminal authentication error, if one occurs. The
// orchestrator watches this to halt all stage workers rather than spin-loop
// against a locked-out account.
func (m *Manager) Fatal() <-chan error {
	return m.fatalCh
}

// invalidateLocked moves to authenticating and closes the current handle's
// invalidation channel. Callers hold m.mu.
func (m *Manager) invalidateLocked() {
	if m.handle != nil {
		close(m.handle.invalidated)
		m.handle = nil
	}
	m.state = StateAuthenticating
	if m.pending == nil {
		m.pending = make(chan struct{})
		go m.authenticate(m.pending)
	}
}

func (m *Manager) authenticate(pending chan struct{}) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxLoginAttempts; attempt++ {
		err := m.attempt(attempt)
		if err == nil {
			m.mu.Lock()
			m.state = StateAuthenticated
			m.handle = &Handle{browser: m.browser, invalidated: make(chan struct{})}
			m.lastValidatedAt = m.clock.Now()
			m.pending = nil
			m.mu.Unlock()
			close(pending)
			return
		}
		lastErr = err
		m.logger.Warn("authentication attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxLoginAttempts),
			zap.Error(err),
		)
		if attempt < m.cfg.MaxLoginAttempts {
			time.Sleep(m.cfg.AttemptBackoff)
		}
	}

	fatal := &pipeline.FatalAuthError{Attempts: m.cfg.MaxLoginAttempts, Err: lastErr}
	m.mu.Lock()
	m.state = StateUnauthenticated
	m.fatalErr = fatal
	m.pending = nil
	m.mu.Unlock()
	select {
	case m.fatalCh <- fatal:
	default:
	}
	close(pending)
}

// attempt restores persisted state when present and probes it; a failed
// probe falls through to full interactive login. Fresh state is persisted
// after every successful (re-)authentication.
func (m *Manager) attempt(attempt int) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttemptTimeout)
	defer cancel()

	if attempt == 1 {
		if restored := m.restoreState(ctx); restored {
			ok, err := m.auth.Probe(ctx, m.browser)
			if err == nil && ok {
				m.logger.Info("session restored from persisted state")
				return nil
			}
			m.logger.Info("persisted session state is no longer valid", zap.Error(err))
		}
	}

	if err := m.auth.Login(ctx, m.browser); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	ok, err := m.auth.Probe(ctx, m.browser)
	if err != nil {
		return fmt.Errorf("post-login probe: %w", err)
	}
	if !ok {
		return fmt.Errorf("post-login probe rejected session")
	}
	m.persistState(ctx)
	return nil
}

func (m *Manager) restoreState(ctx context.Context) bool {
	if m.cfg.StateFile == "" {
		return false
	}
	blob, err := os.ReadFile(m.cfg.StateFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("read session state file", zap.String("path", m.cfg.StateFile), zap.Error(err))
		}
		return false
	}
	if err := m.browser.ImportState(ctx, blob); err != nil {
		m.logger.Warn("import session state", zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) persistState(ctx context.Context) {
	if m.cfg.StateFile == "" {
		return
	}
	blob, err := m.browser.ExportState(ctx)
	if err != nil {
		m.logger.Warn("export session state", zap.Error(err))
		return
	}
	if err := os.WriteFile(m.cfg.StateFile, blob, 0o600); err != nil {
		m.logger.Warn("write session state file", zap.String("path", m.cfg.StateFile), zap.Error(err))
	}
}
