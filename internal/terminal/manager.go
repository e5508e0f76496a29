// Package terminal tracks the single terminal window termpilot drives and
// the zmx session attached to it.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/asheshgoplani/termpilot/internal/automation"
	"github.com/asheshgoplani/termpilot/internal/keys"
	"github.com/asheshgoplani/termpilot/internal/logging"
	"github.com/asheshgoplani/termpilot/internal/registry"
)

var managerLog = logging.ForComponent(logging.CompTerminal)

var (
	// ErrNoWindow is returned when an operation needs a window and none can
	// be resolved.
	ErrNoWindow = errors.New("no terminal window")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// Driver is the UI automation surface the Manager needs.
type Driver interface {
	CheckControlPermission(ctx context.Context) error
	OpenWindowRunning(ctx context.Context, command string) (string, error)
	FrontWindowHandle(ctx context.Context) (string, error)
	Activate(ctx context.Context) error
	ReadFrontWindowText(ctx context.Context) (string, error)
	SendKey(ctx context.Context, ev keys.Event) error
	TypeText(ctx context.Context, text string) error
	ResizeFrontWindow(ctx context.Context, rows, cols int) (bool, error)
	CloseFrontWindow(ctx context.Context) error
	CaptureWindow(ctx context.Context, handle string) (automation.Capture, error)
}

// Registry is the session manager surface the Manager needs.
type Registry interface {
	AttachCommand(name string) string
	List(ctx context.Context) ([]registry.Session, error)
	Kill(ctx context.Context, name string) error
	KillAll(ctx context.Context) (int, error)
}

// Options holds the Manager's timing and naming settings. Zero values take
// the defaults (100ms poll, 5s timeout, 500ms stable, "termpilot" prefix),
// except RestartSettle where zero means no delay.
type Options struct {
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	DefaultStable  time.Duration
	RestartSettle  time.Duration
	SessionPrefix  string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Second
	}
	if o.DefaultStable <= 0 {
		o.DefaultStable = 500 * time.Millisecond
	}
	if o.RestartSettle < 0 {
		o.RestartSettle = 0
	}
	if o.SessionPrefix == "" {
		o.SessionPrefix = "termpilot"
	}
	return o
}

// Created is the result of CreateSession.
type Created struct {
	Session string `json:"session"`
	Window  string `json:"window"`
}

// Status is the result of GetStatus. Sessions is always read fresh from the
// registry.
type Status struct {
	Session  string             `json:"session,omitempty"`
	Active   bool               `json:"active"`
	Window   string             `json:"window,omitempty"`
	Sessions []registry.Session `json:"sessions"`
}

// Manager owns the current session and window. Mutating operations are
// serialized; screen sampling is not, so a long wait never blocks a read.
type Manager struct {
	driver   Driver
	registry Registry

	opMu sync.Mutex // serializes mutating operations

	stateMu sync.RWMutex
	session string
	window  string
	names   map[string]struct{} // names used by this process

	optsMu sync.RWMutex
	opts   Options

	now func() time.Time
}

// NewManager creates a Manager in the no-session state.
func NewManager(driver Driver, reg Registry, opts Options) *Manager {
	return &Manager{
		driver:   driver,
		registry: reg,
		names:    make(map[string]struct{}),
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Apply swaps the timing and naming settings, e.g. after a config reload.
// Waits already in progress keep the values they started with.
func (m *Manager) Apply(opts Options) {
	opts = opts.withDefaults()
	m.optsMu.Lock()
	m.opts = opts
	m.optsMu.Unlock()
	managerLog.Info("options_applied",
		slog.Duration("poll", opts.PollInterval),
		slog.Duration("default_timeout", opts.DefaultTimeout),
		slog.Duration("default_stable", opts.DefaultStable))
}

func (m *Manager) options() Options {
	m.optsMu.RLock()
	defer m.optsMu.RUnlock()
	return m.opts
}

// Current returns the current session and window handle ("" when unset).
func (m *Manager) Current() (session, window string) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.session, m.window
}

func (m *Manager) setState(session, window string) {
	m.stateMu.Lock()
	m.session, m.window = session, window
	if session != "" {
		m.names[session] = struct{}{}
	}
	m.stateMu.Unlock()
}

func (m *Manager) clearState() {
	m.setState("", "")
}

// resolveWindow returns the cached handle, re-resolving the front window
// when none is cached. Caller holds opMu.
func (m *Manager) resolveWindow(ctx context.Context) (string, error) {
	if _, window := m.Current(); window != "" {
		return window, nil
	}
	handle, err := m.driver.FrontWindowHandle(ctx)
	if err != nil {
		return "", err
	}
	if handle != "" {
		m.stateMu.Lock()
		m.window = handle
		m.stateMu.Unlock()
		managerLog.Debug("window_reresolved", slog.String("window", handle))
	}
	return handle, nil
}

// forgetWindow drops the cached handle if it is still handle. The session
// is kept; it may still be running in zmx.
func (m *Manager) forgetWindow(handle string) {
	m.stateMu.Lock()
	if m.window == handle {
		m.window = ""
	}
	m.stateMu.Unlock()
}

// CreateSession opens a window attached to the named session.
func (m *Manager) CreateSession(ctx context.Context, name string) (Created, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Created{}, fmt.Errorf("%w: session name is required", ErrInvalidInput)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.driver.CheckControlPermission(ctx); err != nil {
		return Created{}, fmt.Errorf("create session %q: %w", name, err)
	}
	handle, err := m.driver.OpenWindowRunning(ctx, m.registry.AttachCommand(name))
	if err != nil {
		return Created{}, fmt.Errorf("create session %q: %w", name, err)
	}
	m.setState(name, handle)
	managerLog.Info("session_created", slog.String("session", name), slog.String("window", handle))
	return Created{Session: name, Window: handle}, nil
}

// SendKeys delivers names in order and returns how many were sent. It stops
// at the first key that cannot be encoded or delivered; keys already sent
// stay sent.
func (m *Manager) SendKeys(ctx context.Context, names []string) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if len(names) == 0 {
		return 0, nil
	}
	if err := m.driver.Activate(ctx); err != nil {
		return 0, fmt.Errorf("send keys: %w", err)
	}
	for i, name := range names {
		ev, err := keys.Encode(name)
		if err != nil {
			return i, fmt.Errorf("send keys: key %d: %w", i+1, err)
		}
		if err := m.driver.SendKey(ctx, ev); err != nil {
			return i, fmt.Errorf("send keys: key %d (%s): %w", i+1, ev.Name, err)
		}
	}
	return len(names), nil
}

// TypeText injects text and returns its length in characters.
func (m *Manager) TypeText(ctx context.Context, text string) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if text == "" {
		return 0, nil
	}
	if err := m.driver.Activate(ctx); err != nil {
		return 0, fmt.Errorf("type text: %w", err)
	}
	if err := m.driver.TypeText(ctx, text); err != nil {
		return 0, fmt.Errorf("type text: %w", err)
	}
	return utf8.RuneCountInString(text), nil
}

// GetScreenText returns the front window's visible text ("" when no window).
func (m *Manager) GetScreenText(ctx context.Context) (string, error) {
	text, err := m.driver.ReadFrontWindowText(ctx)
	if err != nil {
		return "", fmt.Errorf("read screen: %w", err)
	}
	return text, nil
}

// GetScreenshot captures the current window.
func (m *Manager) GetScreenshot(ctx context.Context) (automation.Capture, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	handle, err := m.resolveWindow(ctx)
	if err != nil {
		return automation.Capture{}, fmt.Errorf("screenshot: %w", err)
	}
	if handle == "" {
		return automation.Capture{}, ErrNoWindow
	}
	capture, err := m.driver.CaptureWindow(ctx, handle)
	if errors.Is(err, automation.ErrWindowNotFound) {
		// The cached window was closed behind our back; try the front one.
		managerLog.Debug("window_stale", slog.String("window", handle))
		m.forgetWindow(handle)
		handle, err = m.resolveWindow(ctx)
		if err != nil {
			return automation.Capture{}, fmt.Errorf("screenshot: %w", err)
		}
		if handle == "" {
			return automation.Capture{}, ErrNoWindow
		}
		capture, err = m.driver.CaptureWindow(ctx, handle)
	}
	if err != nil {
		return automation.Capture{}, fmt.Errorf("screenshot of window %s: %w", handle, err)
	}
	return capture, nil
}

// GetStatus reports the current state and a fresh registry listing.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	window, err := m.resolveWindow(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	sessions, err := m.registry.List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	session, _ := m.Current()
	return Status{
		Session:  session,
		Active:   session != "" && window != "",
		Window:   window,
		Sessions: sessions,
	}, nil
}

// ListSessions returns the registry's sessions.
func (m *Manager) ListSessions(ctx context.Context) ([]registry.Session, error) {
	return m.registry.List(ctx)
}

// KillSession kills name and forgets it if it is the current session.
func (m *Manager) KillSession(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: session name is required", ErrInvalidInput)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.registry.Kill(ctx, name); err != nil {
		return err
	}
	if current, _ := m.Current(); current == name {
		m.clearState()
	}
	return nil
}

// KillAllSessions kills every session and clears the current state.
func (m *Manager) KillAllSessions(ctx context.Context) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	n, err := m.registry.KillAll(ctx)
	m.clearState()
	return n, err
}

// ResizeTerminal resizes the front window. It reports false when no window
// was open.
func (m *Manager) ResizeTerminal(ctx context.Context, rows, cols int) (bool, error) {
	if rows <= 0 || cols <= 0 {
		return false, fmt.Errorf("%w: rows and cols must be positive (got %dx%d)", ErrInvalidInput, rows, cols)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	resized, err := m.driver.ResizeFrontWindow(ctx, rows, cols)
	if err != nil {
		return false, fmt.Errorf("resize to %dx%d: %w", rows, cols, err)
	}
	return resized, nil
}

// Close closes the front window and clears the current state.
func (m *Manager) Close(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := m.driver.CloseFrontWindow(ctx)
	m.clearState()
	if err != nil {
		return fmt.Errorf("close window: %w", err)
	}
	return nil
}

// RestartTerminal replaces the current window and session. With a command,
// a fresh session name is generated and the command is typed and entered
// once the new session has settled. It returns the new session name. A
// failure to close the old window aborts the restart with the state
// untouched; a failure to kill the old session is only logged.
func (m *Manager) RestartTerminal(ctx context.Context, command string) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	opts := m.options()
	old, _ := m.Current()

	name := old
	if command != "" || name == "" {
		name = m.newSessionName(ctx, opts.SessionPrefix)
	}

	// A window left open here would be untracked next to the new one.
	if err := m.driver.CloseFrontWindow(ctx); err != nil {
		return "", fmt.Errorf("restart: close window: %w", err)
	}
	if old != "" {
		if err := m.registry.Kill(ctx, old); err != nil {
			managerLog.Warn("restart_kill_failed", slog.String("session", old), slog.String("error", err.Error()))
		}
	}
	m.clearState()

	handle, err := m.driver.OpenWindowRunning(ctx, m.registry.AttachCommand(name))
	if err != nil {
		return "", fmt.Errorf("restart as %q: %w", name, err)
	}
	m.setState(name, handle)
	managerLog.Info("terminal_restarted",
		slog.String("old_session", old), slog.String("session", name), slog.String("window", handle))

	if command == "" {
		return name, nil
	}

	if err := sleepCtx(ctx, opts.RestartSettle); err != nil {
		return name, err
	}
	enter, err := keys.Encode("enter")
	if err != nil {
		return name, err
	}
	if err := m.driver.Activate(ctx); err != nil {
		return name, fmt.Errorf("restart command: %w", err)
	}
	if err := m.driver.TypeText(ctx, command); err != nil {
		return name, fmt.Errorf("restart command: %w", err)
	}
	if err := m.driver.SendKey(ctx, enter); err != nil {
		return name, fmt.Errorf("restart command: %w", err)
	}
	return name, nil
}

// newSessionName returns "<prefix>-<unix millis>", bumped until it differs
// from every name this process has used and every listed session.
func (m *Manager) newSessionName(ctx context.Context, prefix string) string {
	taken := make(map[string]struct{})
	m.stateMu.RLock()
	for n := range m.names {
		taken[n] = struct{}{}
	}
	m.stateMu.RUnlock()
	if sessions, err := m.registry.List(ctx); err == nil {
		for _, s := range sessions {
			taken[s.Name] = struct{}{}
		}
	}

	ms := m.now().UnixMilli()
	for {
		name := fmt.Sprintf("%s-%d", prefix, ms)
		if _, ok := taken[name]; !ok {
			return name
		}
		ms++
	}
}

// Shutdown clears the current state. Sessions and windows are left running.
func (m *Manager) Shutdown() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	session, window := m.Current()
	m.clearState()
	managerLog.Info("manager_shutdown", slog.String("session", session), slog.String("window", window))
}
