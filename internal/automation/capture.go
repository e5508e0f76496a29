package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Capture is a screenshot of one window.
type Capture struct {
	Data     []byte
	MIMEType string
}

// cgWindowScript finds the CoreGraphics window number of an application
// window. Windows are listed front to back; the first layer-0 window of
// the owner is the fallback when no title matches (titles are hidden
// without screen recording permission).
const cgWindowScript = `ObjC.import('CoreGraphics');
var owner = %s;
var title = %s;
var info = ObjC.deepUnwrap(ObjC.castRefToObject(
  $.CGWindowListCopyWindowInfo($.kCGWindowListOptionOnScreenOnly | $.kCGWindowListExcludeDesktopElements, 0))) || [];
var fallback = "";
var found = "";
for (var i = 0; i < info.length; i++) {
  var w = info[i];
  if (w.kCGWindowOwnerName !== owner || w.kCGWindowLayer !== 0) continue;
  if (fallback === "") fallback = String(w.kCGWindowNumber);
  if (title !== "" && w.kCGWindowName === title) { found = String(w.kCGWindowNumber); break; }
}
found || fallback;`

// CaptureWindow screenshots the window identified by handle (an id in the
// terminal application's namespace) and returns the PNG bytes.
func (d *Driver) CaptureWindow(ctx context.Context, handle string) (Capture, error) {
	if _, err := strconv.Atoi(handle); err != nil {
		return Capture{}, fmt.Errorf("%w: invalid window handle %q", ErrWindowNotFound, handle)
	}

	cgID, err := d.resolveCGWindow(ctx, handle)
	if err != nil {
		return Capture{}, err
	}
	if err := d.Activate(ctx); err != nil {
		return Capture{}, err
	}

	tmp, err := os.CreateTemp(d.tempDir, "termpilot-capture-*.png")
	if err != nil {
		return Capture{}, fmt.Errorf("%w: create temp file: %v", ErrAutomation, err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			automationLog.Warn("capture_cleanup_failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}()

	if err := d.screencapture(ctx, cgID, path); err != nil {
		return Capture{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Capture{}, fmt.Errorf("%w: read capture: %v", ErrAutomation, err)
	}
	if len(data) == 0 {
		return Capture{}, &PermissionError{
			Op:          "capture window",
			Detail:      "screencapture produced no image",
			Remediation: RemediationScreenRecording,
		}
	}
	automationLog.Debug("window_captured",
		slog.String("window", handle), slog.String("cg_window", cgID), slog.Int("bytes", len(data)))
	return Capture{Data: data, MIMEType: "image/png"}, nil
}

// windowTitlePrefix marks a window that exists. A bare empty reply means the
// handle no longer names a window.
const windowTitlePrefix = "window:"

// resolveCGWindow maps handle to a CoreGraphics window number. A handle
// whose window is gone is ErrWindowNotFound; the owner's front window is
// only substituted when the window exists but its title is hidden.
func (d *Driver) resolveCGWindow(ctx context.Context, handle string) (string, error) {
	out, err := d.script(ctx, "window title", langAppleScript,
		d.tellApp("if not (exists window id "+handle+") then return \"\"\nreturn "+
			quote(windowTitlePrefix)+" & (name of window id "+handle+")"))
	if err != nil {
		return "", err
	}
	title, ok := strings.CutPrefix(strings.TrimSpace(out), windowTitlePrefix)
	if !ok {
		return "", fmt.Errorf("%w: window %s no longer exists", ErrWindowNotFound, handle)
	}

	src := fmt.Sprintf(cgWindowScript, jsString(d.settings().app), jsString(strings.TrimSpace(title)))
	out, err = d.script(ctx, "resolve window", langJXA, src)
	if err != nil {
		return "", err
	}
	cgID := strings.TrimSpace(out)
	if _, convErr := strconv.Atoi(cgID); convErr != nil {
		return "", fmt.Errorf("%w: no on-screen window for handle %s", ErrWindowNotFound, handle)
	}
	return cgID, nil
}

func (d *Driver) screencapture(ctx context.Context, cgID, path string) error {
	sctx, cancel := context.WithTimeout(ctx, d.settings().scriptTimeout)
	defer cancel()

	_, stderr, err := d.run(sctx, "", "screencapture", "-x", "-o", "-l", cgID, path)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	msg := strings.TrimSpace(string(stderr))
	if strings.Contains(strings.ToLower(msg), "could not create image") || isPermissionMessage(msg) {
		return &PermissionError{Op: "capture window", Detail: msg, Remediation: RemediationScreenRecording}
	}
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Errorf("%w: screencapture: %s", ErrAutomation, msg)
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
