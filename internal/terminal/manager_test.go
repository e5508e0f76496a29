package terminal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/termpilot/internal/automation"
	"github.com/asheshgoplani/termpilot/internal/keys"
	"github.com/asheshgoplani/termpilot/internal/registry"
)

type fakeDriver struct {
	mu         sync.Mutex
	events     []string
	front      string
	nextHandle int
	onOpen     func(command string)

	permErr    error
	activeErr  error
	captureErr error
	closeErr   error
	closed     map[string]bool // handles whose window is gone
	screen     func() (string, error)
	slowScreen bool // block reads until the caller's ctx is done
}

func (d *fakeDriver) record(ev string) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

func (d *fakeDriver) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func (d *fakeDriver) setFront(h string) {
	d.mu.Lock()
	d.front = h
	d.mu.Unlock()
}

func (d *fakeDriver) CheckControlPermission(context.Context) error { return d.permErr }

func (d *fakeDriver) OpenWindowRunning(_ context.Context, command string) (string, error) {
	d.mu.Lock()
	d.nextHandle++
	d.front = strconv.Itoa(100 + d.nextHandle)
	h := d.front
	d.events = append(d.events, "open:"+command)
	onOpen := d.onOpen
	d.mu.Unlock()
	if onOpen != nil {
		onOpen(command)
	}
	return h, nil
}

func (d *fakeDriver) FrontWindowHandle(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.front, nil
}

func (d *fakeDriver) Activate(context.Context) error {
	d.record("activate")
	return d.activeErr
}

func (d *fakeDriver) ReadFrontWindowText(ctx context.Context) (string, error) {
	if d.slowScreen {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if d.screen == nil {
		return "", nil
	}
	return d.screen()
}

func (d *fakeDriver) SendKey(_ context.Context, ev keys.Event) error {
	d.record("key:" + ev.Name)
	return nil
}

func (d *fakeDriver) TypeText(_ context.Context, text string) error {
	d.record("text:" + text)
	return nil
}

func (d *fakeDriver) ResizeFrontWindow(_ context.Context, rows, cols int) (bool, error) {
	d.record("resize:" + strconv.Itoa(rows) + "x" + strconv.Itoa(cols))
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.front != "", nil
}

func (d *fakeDriver) CloseFrontWindow(context.Context) error {
	d.record("close")
	if d.closeErr != nil {
		return d.closeErr
	}
	d.setFront("")
	return nil
}

func (d *fakeDriver) CaptureWindow(_ context.Context, handle string) (automation.Capture, error) {
	d.record("capture:" + handle)
	d.mu.Lock()
	gone := d.closed[handle]
	d.mu.Unlock()
	if gone {
		return automation.Capture{}, fmt.Errorf("%w: window %s", automation.ErrWindowNotFound, handle)
	}
	if d.captureErr != nil {
		return automation.Capture{}, d.captureErr
	}
	return automation.Capture{Data: []byte("png:" + handle), MIMEType: "image/png"}, nil
}

type fakeRegistry struct {
	mu       sync.Mutex
	sessions []registry.Session
	killed   []string
	killErr  error
}

func (r *fakeRegistry) AttachCommand(name string) string { return "zmx attach " + name }

func (r *fakeRegistry) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Name == name {
			return
		}
	}
	r.sessions = append(r.sessions, registry.Session{Name: name})
}

func (r *fakeRegistry) List(context.Context) ([]registry.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.Session{}, r.sessions...), nil
}

func (r *fakeRegistry) Kill(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, name)
	if r.killErr != nil {
		return r.killErr
	}
	kept := r.sessions[:0]
	for _, s := range r.sessions {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	r.sessions = kept
	return nil
}

func (r *fakeRegistry) KillAll(ctx context.Context) (int, error) {
	sessions, _ := r.List(ctx)
	for _, s := range sessions {
		if err := r.Kill(ctx, s.Name); err != nil {
			return len(sessions), err
		}
	}
	return len(sessions), nil
}

func newHarness(t *testing.T) (*Manager, *fakeDriver, *fakeRegistry) {
	t.Helper()
	reg := &fakeRegistry{}
	drv := &fakeDriver{}
	drv.onOpen = func(command string) {
		reg.add(strings.TrimPrefix(command, "zmx attach "))
	}
	return NewManager(drv, reg, Options{}), drv, reg
}

func TestCreateThenKillClearsState(t *testing.T) {
	m, drv, _ := newHarness(t)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", created.Session)
	assert.Equal(t, "101", created.Window)
	assert.Contains(t, drv.recorded(), "open:zmx attach dev")

	st, err := m.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev", st.Session)
	assert.True(t, st.Active)
	assert.Equal(t, "101", st.Window)
	assert.Equal(t, []registry.Session{{Name: "dev"}}, st.Sessions)

	require.NoError(t, m.KillSession(ctx, "dev"))
	st, err = m.GetStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Session)
	assert.False(t, st.Active)
	assert.Empty(t, st.Sessions)
}

func TestCreateSessionValidation(t *testing.T) {
	m, _, _ := newHarness(t)
	_, err := m.CreateSession(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateSessionPermissionDenied(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.permErr = &automation.PermissionError{Op: "check permission", Remediation: automation.RemediationAutomation}

	_, err := m.CreateSession(context.Background(), "dev")
	require.ErrorIs(t, err, automation.ErrPermissionDenied)
	assert.Equal(t, automation.RemediationAutomation, automation.Remediation(err))

	session, window := m.Current()
	assert.Empty(t, session)
	assert.Empty(t, window)
	assert.Empty(t, drv.recorded(), "no window is opened")
}

func TestSendKeysInOrder(t *testing.T) {
	m, drv, _ := newHarness(t)

	n, err := m.SendKeys(context.Background(), []string{"l", "s", "enter", "CTRL+C"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"activate", "key:l", "key:s", "key:enter", "key:ctrl+c"}, drv.recorded())
}

func TestSendKeysStopsAtUnknownKey(t *testing.T) {
	m, drv, _ := newHarness(t)

	n, err := m.SendKeys(context.Background(), []string{"a", "enter", "bogus", "b"})
	require.ErrorIs(t, err, keys.ErrUnknownKey)
	assert.Equal(t, 2, n, "keys before the bad one stay sent")
	assert.Equal(t, []string{"activate", "key:a", "key:enter"}, drv.recorded())
}

func TestSendKeysActivateFailure(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.activeErr = automation.ErrAutomation

	n, err := m.SendKeys(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, automation.ErrAutomation)
	assert.Zero(t, n)
}

func TestTypeTextCountsCharacters(t *testing.T) {
	m, drv, _ := newHarness(t)

	n, err := m.TypeText(context.Background(), "héllo 🚀")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, []string{"activate", "text:héllo 🚀"}, drv.recorded())

	n, err = m.TypeText(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetScreenText(t *testing.T) {
	m, drv, _ := newHarness(t)
	text, err := m.GetScreenText(context.Background())
	require.NoError(t, err)
	assert.Empty(t, text)

	drv.screen = func() (string, error) { return "$ ", nil }
	text, err = m.GetScreenText(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "$ ", text)
}

func TestGetScreenshotNoWindow(t *testing.T) {
	m, _, _ := newHarness(t)
	_, err := m.GetScreenshot(context.Background())
	assert.ErrorIs(t, err, ErrNoWindow)
}

func TestGetScreenshotReresolvesWindow(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.setFront("55") // opened outside termpilot

	capture, err := m.GetScreenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("png:55"), capture.Data)
	assert.Equal(t, "image/png", capture.MIMEType)

	_, window := m.Current()
	assert.Equal(t, "55", window)
}

func TestGetScreenshotPropagatesDriverError(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.setFront("55")
	drv.captureErr = automation.ErrWindowNotFound

	_, err := m.GetScreenshot(context.Background())
	assert.ErrorIs(t, err, automation.ErrWindowNotFound)
}

func TestGetScreenshotDropsClosedWindow(t *testing.T) {
	m, drv, _ := newHarness(t)
	ctx := context.Background()
	created, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)

	// The user closed our window; another one is now in front.
	drv.closed = map[string]bool{created.Window: true}
	drv.setFront("202")

	capture, err := m.GetScreenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("png:202"), capture.Data)

	session, window := m.Current()
	assert.Equal(t, "dev", session)
	assert.Equal(t, "202", window)

	events := drv.recorded()
	assert.Equal(t, []string{"capture:" + created.Window, "capture:202"}, events[len(events)-2:])
}

func TestGetScreenshotClosedWindowAndNoneInFront(t *testing.T) {
	m, drv, _ := newHarness(t)
	ctx := context.Background()
	created, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)

	drv.closed = map[string]bool{created.Window: true}
	drv.setFront("")

	_, err = m.GetScreenshot(ctx)
	assert.ErrorIs(t, err, ErrNoWindow)
	_, window := m.Current()
	assert.Empty(t, window)
}

func TestGetStatusIsIdempotent(t *testing.T) {
	m, _, reg := newHarness(t)
	reg.add("a")
	reg.add("b")

	first, err := m.GetStatus(context.Background())
	require.NoError(t, err)
	second, err := m.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Sessions, second.Sessions)
	assert.Equal(t, []string{"a", "b"}, []string{first.Sessions[0].Name, first.Sessions[1].Name})
}

func TestGetStatusReflectsRegistry(t *testing.T) {
	m, _, reg := newHarness(t)
	st, err := m.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Sessions)
	assert.NotNil(t, st.Sessions)

	reg.add("external")
	st, err = m.GetStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, "external", st.Sessions[0].Name)
}

func TestGetStatusWindowWithoutSessionIsInactive(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.setFront("7")

	st, err := m.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7", st.Window)
	assert.False(t, st.Active)
}

func TestKillOtherSessionKeepsState(t *testing.T) {
	m, _, reg := newHarness(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)
	reg.add("other")

	require.NoError(t, m.KillSession(ctx, "other"))
	session, _ := m.Current()
	assert.Equal(t, "dev", session)
}

func TestKillSessionError(t *testing.T) {
	m, _, reg := newHarness(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)
	reg.killErr = registry.ErrRegistry

	err = m.KillSession(ctx, "dev")
	assert.ErrorIs(t, err, registry.ErrRegistry)
	session, _ := m.Current()
	assert.Equal(t, "dev", session, "state is kept when the kill failed")
}

func TestKillAllSessionsClearsState(t *testing.T) {
	m, _, reg := newHarness(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)
	reg.add("other")

	n, err := m.KillAllSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	session, window := m.Current()
	assert.Empty(t, session)
	assert.Empty(t, window)
}

func TestKillAllSessionsClearsStateOnError(t *testing.T) {
	m, _, reg := newHarness(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)
	reg.killErr = registry.ErrRegistry

	_, err = m.KillAllSessions(ctx)
	assert.ErrorIs(t, err, registry.ErrRegistry)
	session, _ := m.Current()
	assert.Empty(t, session)
}

func TestResizeTerminal(t *testing.T) {
	m, drv, _ := newHarness(t)
	ctx := context.Background()

	_, err := m.ResizeTerminal(ctx, 0, 80)
	assert.ErrorIs(t, err, ErrInvalidInput)

	ok, err := m.ResizeTerminal(ctx, 24, 80)
	require.NoError(t, err)
	assert.False(t, ok, "no window to resize")

	_, err = m.CreateSession(ctx, "dev")
	require.NoError(t, err)
	ok, err = m.ResizeTerminal(ctx, 50, 160)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, drv.recorded(), "resize:50x160")
}

func TestCloseClearsState(t *testing.T) {
	m, drv, _ := newHarness(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	session, window := m.Current()
	assert.Empty(t, session)
	assert.Empty(t, window)
	assert.Contains(t, drv.recorded(), "close")
}

func TestRestartWithCommand(t *testing.T) {
	m, drv, reg := newHarness(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)

	name, err := m.RestartTerminal(ctx, "echo hi")
	require.NoError(t, err)
	assert.NotEqual(t, "dev", name)
	assert.True(t, strings.HasPrefix(name, "termpilot-"), name)

	events := drv.recorded()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, []string{"text:echo hi", "key:enter"}, events[len(events)-2:])
	assert.Contains(t, events, "close")
	assert.Contains(t, events, "open:zmx attach "+name)
	assert.Equal(t, []string{"dev"}, reg.killed)

	session, window := m.Current()
	assert.Equal(t, name, session)
	assert.NotEmpty(t, window)
}

func TestRestartNamesAreUnique(t *testing.T) {
	m, _, reg := newHarness(t)
	ctx := context.Background()
	fixed := time.UnixMilli(1000)
	m.now = func() time.Time { return fixed }
	reg.add("termpilot-1000")

	seen := map[string]bool{"termpilot-1000": true}
	for i := 0; i < 3; i++ {
		name, err := m.RestartTerminal(ctx, "true")
		require.NoError(t, err)
		assert.False(t, seen[name], "name %s reused", name)
		seen[name] = true
	}
	assert.True(t, seen["termpilot-1001"])
}

func TestRestartWithoutCommandReusesName(t *testing.T) {
	m, drv, _ := newHarness(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)

	name, err := m.RestartTerminal(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "dev", name)
	for _, ev := range drv.recorded() {
		assert.False(t, strings.HasPrefix(ev, "text:"), "nothing is typed")
	}
}

func TestRestartWithoutSessionGeneratesName(t *testing.T) {
	m, _, _ := newHarness(t)
	name, err := m.RestartTerminal(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "termpilot-"))
}

func TestRestartSwallowsStaleKillFailure(t *testing.T) {
	m, _, reg := newHarness(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)
	reg.killErr = errors.New("zmx exploded")

	name, err := m.RestartTerminal(ctx, "ls")
	require.NoError(t, err)
	session, _ := m.Current()
	assert.Equal(t, name, session)
}

func TestRestartFailsWhenOldWindowWontClose(t *testing.T) {
	m, drv, reg := newHarness(t)
	ctx := context.Background()
	created, err := m.CreateSession(ctx, "dev")
	require.NoError(t, err)
	drv.closeErr = fmt.Errorf("%w: window is busy", automation.ErrAutomation)

	_, err = m.RestartTerminal(ctx, "ls")
	require.Error(t, err)
	assert.ErrorIs(t, err, automation.ErrAutomation)
	assert.Contains(t, err.Error(), "restart")

	opens := 0
	for _, ev := range drv.recorded() {
		if strings.HasPrefix(ev, "open:") {
			opens++
		}
	}
	assert.Equal(t, 1, opens, "no second window is opened")
	assert.Empty(t, reg.killed)

	session, window := m.Current()
	assert.Equal(t, "dev", session)
	assert.Equal(t, created.Window, window)
}

func TestRestartUsesConfiguredPrefix(t *testing.T) {
	m, _, _ := newHarness(t)
	m.Apply(Options{SessionPrefix: "agent"})
	name, err := m.RestartTerminal(context.Background(), "ls")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "agent-"), name)
}

func TestShutdownClearsState(t *testing.T) {
	m, _, _ := newHarness(t)
	_, err := m.CreateSession(context.Background(), "dev")
	require.NoError(t, err)
	m.Shutdown()
	session, window := m.Current()
	assert.Empty(t, session)
	assert.Empty(t, window)
}
