// Package automation drives a macOS terminal application through osascript
// (AppleScript and JXA) and screencapture.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/termpilot/internal/keys"
	"github.com/asheshgoplani/termpilot/internal/logging"
)

var automationLog = logging.ForComponent(logging.CompAutomation)

// maxTypeChunk caps the bytes sent in one keystroke command. Long keystroke
// strings can outlive the script timeout.
const maxTypeChunk = 256

// Options configures a Driver. Zero values take the documented defaults.
type Options struct {
	App           string        // default "Terminal"
	ScriptTimeout time.Duration // default 4s
	OpenSettle    time.Duration // delay after opening a window
	KeysPerSecond int           // default 40; key and text deliveries per second
	Runner        Runner        // default ExecRunner
	TempDir       string        // for screenshots; default os.TempDir()
}

type settings struct {
	app           string
	scriptTimeout time.Duration
	openSettle    time.Duration
}

// Driver is the macOS automation driver. It is safe for concurrent use;
// callers are expected to serialize mutating operations themselves.
type Driver struct {
	run     Runner
	tempDir string
	limiter *rate.Limiter
	reads   singleflight.Group

	mu  sync.RWMutex
	cfg settings
}

// New creates a Driver.
func New(opts Options) *Driver {
	run := opts.Runner
	if run == nil {
		run = ExecRunner
	}
	d := &Driver{
		run:     run,
		tempDir: opts.TempDir,
		limiter: rate.NewLimiter(rate.Limit(40), 1),
	}
	d.Configure(opts)
	return d
}

// Configure swaps the timing settings. The runner and temp dir are fixed at
// construction.
func (d *Driver) Configure(opts Options) {
	s := settings{
		app:           opts.App,
		scriptTimeout: opts.ScriptTimeout,
		openSettle:    opts.OpenSettle,
	}
	if s.app == "" {
		s.app = "Terminal"
	}
	if s.scriptTimeout <= 0 {
		s.scriptTimeout = 4 * time.Second
	}
	if s.openSettle < 0 {
		s.openSettle = 0
	}
	kps := opts.KeysPerSecond
	if kps <= 0 {
		kps = 40
	}

	d.mu.Lock()
	d.cfg = s
	d.mu.Unlock()
	d.limiter.SetLimit(rate.Limit(kps))
}

func (d *Driver) settings() settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Driver) tellApp(body string) string {
	return "tell application " + quote(d.settings().app) + "\n" + body + "\nend tell"
}

// CheckControlPermission fails with ErrPermissionDenied when the terminal
// application cannot be scripted at all. Having no window open is fine.
func (d *Driver) CheckControlPermission(ctx context.Context) error {
	_, err := d.script(ctx, "check permission", langAppleScript, d.tellApp("count windows"))
	return err
}

// OpenWindowRunning opens a new window running command and returns its
// handle once the warm-up delay has passed.
func (d *Driver) OpenWindowRunning(ctx context.Context, command string) (string, error) {
	src := d.tellApp("activate\ndo script " + quote(command) + "\nreturn id of front window")
	handle, err := d.script(ctx, "open window", langAppleScript, src)
	if err != nil {
		return "", err
	}
	handle = strings.TrimSpace(handle)
	automationLog.Info("window_opened", slog.String("window", handle))

	if err := sleepCtx(ctx, d.settings().openSettle); err != nil {
		return "", err
	}
	return handle, nil
}

// FrontWindowHandle returns the id of the front window, or "" when none is open.
func (d *Driver) FrontWindowHandle(ctx context.Context) (string, error) {
	src := d.tellApp("if (count of windows) is 0 then return \"\"\nreturn id of front window")
	out, err := d.script(ctx, "front window", langAppleScript, src)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Activate brings the terminal application to the foreground so injected
// events reach it.
func (d *Driver) Activate(ctx context.Context) error {
	_, err := d.script(ctx, "activate", langAppleScript, d.tellApp("activate"))
	return err
}

// ReadFrontWindowText returns the visible text of the front window's
// selected tab, or "" when no window is open. Concurrent callers share one
// osascript call; each caller still returns as soon as its own ctx is done.
func (d *Driver) ReadFrontWindowText(ctx context.Context) (string, error) {
	src := d.tellApp("if (count of windows) is 0 then return \"\"\nreturn contents of selected tab of front window")
	ch := d.reads.DoChan("front-window-text", func() (any, error) {
		return d.script(context.WithoutCancel(ctx), "read screen", langAppleScript, src)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		text := res.Val.(string)
		logging.Aggregate(logging.CompAutomation, "screen_sample",
			slog.Int("bytes", len(text)), slog.Bool("shared", res.Shared))
		return text, nil
	}
}

// SendKey delivers one encoded key to the focused process.
func (d *Driver) SendKey(ctx context.Context, ev keys.Event) error {
	var stmt string
	switch ev.Kind {
	case keys.KindKeyCode:
		stmt = fmt.Sprintf("key code %d", ev.Code)
	case keys.KindCharacter:
		stmt = "keystroke " + quote(ev.Char)
	default:
		return fmt.Errorf("%w: unsupported key kind %s", ErrAutomation, ev.Kind)
	}
	if ev.Modifier != keys.ModNone {
		stmt += " using {" + string(ev.Modifier) + "}"
	}

	if err := d.pace(ctx); err != nil {
		return err
	}
	_, err := d.script(ctx, "send key "+ev.Name, langAppleScript,
		"tell application \"System Events\" to "+stmt)
	return err
}

// TypeText injects text into the focused process. Text is sent in chunks
// split at newline boundaries.
func (d *Driver) TypeText(ctx context.Context, text string) error {
	for _, chunk := range splitIntoChunks(text, maxTypeChunk) {
		if err := d.pace(ctx); err != nil {
			return err
		}
		_, err := d.script(ctx, "type text", langAppleScript,
			"tell application \"System Events\" to keystroke "+quote(chunk))
		if err != nil {
			return err
		}
	}
	return nil
}

// ResizeFrontWindow sets the front window's grid size. It reports false
// when no window was open.
func (d *Driver) ResizeFrontWindow(ctx context.Context, rows, cols int) (bool, error) {
	src := d.tellApp(fmt.Sprintf(
		"if (count of windows) is 0 then return \"false\"\n"+
			"set number of rows of selected tab of front window to %d\n"+
			"set number of columns of selected tab of front window to %d\n"+
			"return \"true\"", rows, cols))
	out, err := d.script(ctx, "resize window", langAppleScript, src)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// CloseFrontWindow closes the front window. No window is not an error.
func (d *Driver) CloseFrontWindow(ctx context.Context) error {
	src := d.tellApp("if (count of windows) > 0 then close front window")
	_, err := d.script(ctx, "close window", langAppleScript, src)
	return err
}

func (d *Driver) pace(ctx context.Context) error {
	if err := d.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The limiter refuses waits that would overrun the deadline.
		return context.DeadlineExceeded
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
