// Package manager implements session creation and teardown: atomic
// three-map bookkeeping, phased display/browser provisioning with
// compensating rollback on failure, and best-effort reverse-order
// teardown.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtdisplay/sessionstream/internal/apierr"
	"github.com/virtdisplay/sessionstream/internal/displaypool"
	"github.com/virtdisplay/sessionstream/internal/encoder"
	"github.com/virtdisplay/sessionstream/internal/session"
)

// Spec is the caller-supplied description of a session to create.
type Spec struct {
	SessionID string
	Width, Height, Framerate, Bitrate, GOPSize int
	URL       string // empty: no browser is launched
	Build     func(display string) encoder.CommandBuilder
}

type handles struct {
	automation AutomationHandle
	browser    BrowserHandle
}

// Manager owns every live session, its browser/automation pair, and
// its allocated display, under one lock.
type Manager struct {
	pool     *displaypool.Pool
	launcher Launcher

	queueSize        int
	gopCapBytes      int
	encoderChunk     int
	encoderSoftCap   int
	encoderHardCap   int
	sessionStopWait  time.Duration
	navigateTimeout  time.Duration

	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	browsers map[string]handles
	displays map[string]displaypool.DisplayID
}

// Options configures a Manager.
type Options struct {
	Pool     *displaypool.Pool // nil: sessions are never display-bound
	Launcher Launcher          // nil: URLs may not be used

	QueueSize       int
	GOPCapBytes     int
	EncoderChunk    int
	EncoderSoftCap  int
	EncoderHardCap  int
	SessionStopWait time.Duration
	NavigateTimeout time.Duration

	Logger *slog.Logger
}

// New creates a Manager.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		pool:            opts.Pool,
		launcher:        opts.Launcher,
		queueSize:       opts.QueueSize,
		gopCapBytes:     opts.GOPCapBytes,
		encoderChunk:    opts.EncoderChunk,
		encoderSoftCap:  opts.EncoderSoftCap,
		encoderHardCap:  opts.EncoderHardCap,
		sessionStopWait: opts.SessionStopWait,
		navigateTimeout: opts.NavigateTimeout,
		logger:          logger,
		sessions:        make(map[string]*session.Session),
		browsers:        make(map[string]handles),
		displays:        make(map[string]displaypool.DisplayID),
	}
}

// Get returns the session for id, or (nil, false).
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all currently managed sessions.
func (m *Manager) List() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Create allocates a display (if a pool is attached), launches a
// browser (if spec.URL is set), starts the session, and records it in
// all three maps. Any failure rolls back every step already completed,
// in reverse order, each under its own error boundary, before
// returning an error: apierr.ErrAlreadyExists for a duplicate id, the
// display pool's allocation error (e.g. apierr.ErrCapacityExceeded)
// wrapped as is, or apierr.ErrInfrastructure for browser and
// session-start failures.
func (m *Manager) Create(ctx context.Context, spec Spec) (*session.Session, error) {
	corrID := uuid.NewString()
	logger := m.logger.With("correlation_id", corrID, "session_id", spec.SessionID)

	m.mu.Lock()
	if _, exists := m.sessions[spec.SessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: session %q: %w", spec.SessionID, apierr.ErrAlreadyExists)
	}
	m.mu.Unlock()

	display := spec.Build
	displayLabel := ""
	var displayID displaypool.DisplayID
	haveDisplay := false

	if m.pool != nil {
		id, err := m.pool.Allocate(ctx, spec.Width, spec.Height)
		if err != nil {
			return nil, fmt.Errorf("manager: allocate display: %w", err)
		}
		displayID = id
		haveDisplay = true
		displayLabel = fmt.Sprintf(":%d", int(id))
		logger.Info("display allocated", "display", displayLabel)
	}

	rollbackDisplay := func() {
		if haveDisplay {
			if err := m.pool.Release(displayID); err != nil {
				logger.Warn("rollback: release display failed", "error", err)
			}
		}
	}

	var hs handles
	haveBrowser := false
	if spec.URL != "" {
		if m.launcher == nil {
			rollbackDisplay()
			return nil, fmt.Errorf("manager: session %q: url set but no launcher attached: %w", spec.SessionID, apierr.ErrInfrastructure)
		}
		automation, browser, err := m.launcher.Launch(displayLabel, spec.Width, spec.Height)
		if err != nil {
			rollbackDisplay()
			return nil, fmt.Errorf("manager: launch browser: %w: %w", apierr.ErrInfrastructure, err)
		}
		hs = handles{automation: automation, browser: browser}
		haveBrowser = true

		if err := browser.Navigate(spec.URL, m.navigateTimeout); err != nil {
			m.teardownBrowser(logger, hs)
			rollbackDisplay()
			return nil, fmt.Errorf("manager: navigate: %w: %w", apierr.ErrInfrastructure, err)
		}
		logger.Info("browser navigated", "url", spec.URL)
	}

	if display == nil {
		display = func(string) encoder.CommandBuilder {
			return func() (string, []string) { return "", nil }
		}
	}

	src := encoder.New(display(displayLabel), m.encoderChunk, m.encoderSoftCap, m.encoderHardCap, logger)
	cfg := session.Config{
		Width: spec.Width, Height: spec.Height, Framerate: spec.Framerate,
		Bitrate: spec.Bitrate, GOPSize: spec.GOPSize, Display: displayLabel,
	}
	sess := session.New(spec.SessionID, cfg, spec.URL, src, m.queueSize, m.gopCapBytes, m.sessionStopWait, logger)

	if err := sess.Start(ctx); err != nil {
		if haveBrowser {
			m.teardownBrowser(logger, hs)
		}
		rollbackDisplay()
		return nil, fmt.Errorf("manager: start session: %w: %w", apierr.ErrInfrastructure, err)
	}

	m.mu.Lock()
	m.sessions[spec.SessionID] = sess
	if haveBrowser {
		m.browsers[spec.SessionID] = hs
	}
	if haveDisplay {
		m.displays[spec.SessionID] = displayID
	}
	m.mu.Unlock()

	logger.Info("session created")
	return sess, nil
}

// Destroy removes id from all three maps atomically, then stops the
// session, closes the browser/automation pair, and releases the
// display, each step under its own error boundary and in reverse
// creation order. Unknown ids return apierr.ErrNotFound.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("manager: session %q: %w", id, apierr.ErrNotFound)
	}
	hs, hasBrowser := m.browsers[id]
	displayID, hasDisplay := m.displays[id]
	delete(m.sessions, id)
	delete(m.browsers, id)
	delete(m.displays, id)
	m.mu.Unlock()

	logger := m.logger.With("session_id", id)

	sess.Stop()

	if hasBrowser {
		m.teardownBrowser(logger, hs)
	}

	if hasDisplay && m.pool != nil {
		if err := m.pool.Release(displayID); err != nil {
			logger.Warn("teardown: release display failed", "error", err)
		}
	}

	logger.Info("session destroyed")
	return nil
}

func (m *Manager) teardownBrowser(logger *slog.Logger, hs handles) {
	if hs.browser != nil {
		if err := hs.browser.Close(); err != nil {
			logger.Warn("teardown: close browser failed", "error", err)
		}
	}
	if hs.automation != nil {
		if err := hs.automation.Stop(); err != nil {
			logger.Warn("teardown: stop automation failed", "error", err)
		}
	}
}
