package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asheshgoplani/termpilot/internal/logging"
)

const (
	langAppleScript = "AppleScript"
	langJXA         = "JavaScript"
)

// Runner executes name with args, feeding stdin to the process.
type Runner func(ctx context.Context, stdin, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, stdin, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// quote renders s as an AppleScript string literal. Backslash and double
// quote are the only characters that need escaping.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// permissionMarkers are osascript error fragments that mean macOS privacy
// controls refused the call: -1743 (not authorized to send Apple events),
// -1719 (assistive access), -25211 (accessibility API disabled).
var permissionMarkers = []string{"-1743", "-1719", "-25211", "not allowed", "not authorized"}

func isPermissionMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range permissionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// script runs an osascript program and returns stdout with the single
// trailing newline osascript appends removed.
//
// The call is bounded by the script timeout and by ctx. Failures are
// classified here and nowhere else:
//   - ctx expired: ctx.Err(), unwrapped
//   - script timeout: a hung script is a blocked consent prompt, so ErrPermissionDenied
//   - privacy error codes: ErrPermissionDenied
//   - anything else: ErrAutomation
func (d *Driver) script(ctx context.Context, op, lang, src string) (string, error) {
	timeout := d.settings().scriptTimeout
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := d.run(sctx, src, "osascript", "-l", lang)
	logging.ObserveLatency(logging.CompAutomation, "osascript", time.Since(start), err)
	if err == nil {
		return strings.TrimSuffix(string(stdout), "\n"), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return "", &PermissionError{
			Op:          op,
			Detail:      fmt.Sprintf("script did not finish within %s; a consent prompt may be waiting", timeout),
			Remediation: RemediationAutomation,
		}
	}
	msg := strings.TrimSpace(string(stderr))
	if isPermissionMessage(msg) {
		return "", &PermissionError{Op: op, Detail: msg, Remediation: RemediationAutomation}
	}
	if msg == "" {
		msg = err.Error()
	}
	return "", fmt.Errorf("%w: %s: %s", ErrAutomation, op, msg)
}

// splitIntoChunks splits text for keystroke delivery. Chunks end at the last
// newline inside the limit when there is one, otherwise at the last rune
// boundary, so every chunk is valid UTF-8 and the concatenation is the
// input byte for byte.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}
		cut := strings.LastIndex(remaining[:maxSize], "\n") + 1
		if cut <= 0 {
			cut = maxSize
			for cut > 0 && !utf8.RuneStart(remaining[cut]) {
				cut--
			}
			if cut == 0 {
				_, size := utf8.DecodeRuneInString(remaining)
				cut = size
			}
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	return chunks
}
