// Package registry wraps the zmx session manager, which owns the named,
// persistent terminal sessions termpilot attaches windows to.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/asheshgoplani/termpilot/internal/logging"
)

var registryLog = logging.ForComponent(logging.CompRegistry)

// ErrRegistry is returned when the session manager reports a failure.
var ErrRegistry = errors.New("session registry error")

// DefaultBinary is the session manager invoked when none is configured.
const DefaultBinary = "zmx"

// commandTimeout bounds every zmx invocation.
const commandTimeout = 5 * time.Second

// Session is one entry of the registry report. PID and Clients are nil when
// the report line does not carry them.
type Session struct {
	Name    string `json:"name"`
	PID     *int   `json:"pid,omitempty"`
	Clients *int   `json:"clients,omitempty"`
}

// Runner executes a command and returns stdout and stderr separately.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Registry talks to the zmx CLI.
type Registry struct {
	argv []string // binary plus any fixed leading arguments
	run  Runner
}

// New builds a Registry. binary may carry leading arguments
// ("zmx --socket-dir /tmp/zmx"); it is split with shell quoting rules.
// A nil runner means ExecRunner.
func New(binary string, run Runner) (*Registry, error) {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	argv, err := shellquote.Split(binary)
	if err != nil {
		return nil, fmt.Errorf("invalid registry binary %q: %w", binary, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("invalid registry binary %q", binary)
	}
	if run == nil {
		run = ExecRunner
	}
	return &Registry{argv: argv, run: run}, nil
}

// Available reports whether the registry binary is on PATH.
func (r *Registry) Available() error {
	if _, err := exec.LookPath(r.argv[0]); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", r.argv[0], err)
	}
	return nil
}

// AttachCommand returns the shell command that attaches a new terminal
// window to the named session, creating it if needed.
func (r *Registry) AttachCommand(name string) string {
	words := append(append([]string{}, r.argv...), "attach", name)
	return shellquote.Join(words...)
}

// List returns the sessions in the order the registry reports them.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	stdout, stderr, err := r.exec(ctx, "list")
	if err != nil {
		// zmx exits non-zero when its socket dir holds no sessions.
		if isNoSessions(stdout) || isNoSessions(stderr) {
			return []Session{}, nil
		}
		return nil, fmt.Errorf("%w: list: %s", ErrRegistry, describe(err, stderr))
	}
	return ParseList(string(stdout)), nil
}

// Exists reports whether a session with the given name is listed.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Kill terminates a session. A session that is not running is not an error.
func (r *Registry) Kill(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: session name is required", ErrRegistry)
	}
	stdout, stderr, err := r.exec(ctx, "kill", name)
	if err != nil {
		if isNotRunning(stdout) || isNotRunning(stderr) {
			registryLog.Debug("kill_not_running", slog.String("session", name))
			return nil
		}
		return fmt.Errorf("%w: kill %q: %s", ErrRegistry, name, describe(err, stderr))
	}
	registryLog.Info("session_killed", slog.String("session", name))
	return nil
}

// KillAll kills every listed session and returns how many were listed
// before killing began. Sessions created concurrently are not counted.
func (r *Registry) KillAll(ctx context.Context) (int, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if err := r.Kill(ctx, s.Name); err != nil {
			return len(sessions), err
		}
	}
	return len(sessions), nil
}

func (r *Registry) exec(ctx context.Context, args ...string) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	full := append(append([]string{}, r.argv[1:]...), args...)
	return r.run(ctx, r.argv[0], full...)
}

// ParseList parses a zmx list report: one session per line made of
// whitespace-separated key=value tokens. Lines without a session_name are
// skipped; a "no sessions found" report yields an empty slice.
func ParseList(report string) []Session {
	sessions := []Session{}
	for _, line := range strings.Split(report, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isNoSessions([]byte(line)) {
			continue
		}
		var s Session
		for _, tok := range strings.Fields(line) {
			key, value, ok := strings.Cut(tok, "=")
			if !ok {
				continue
			}
			switch key {
			case "session_name", "name":
				s.Name = value
			case "pid":
				if n, err := strconv.Atoi(value); err == nil {
					s.PID = &n
				}
			case "clients":
				if n, err := strconv.Atoi(value); err == nil {
					s.Clients = &n
				}
			}
		}
		if s.Name == "" {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

func isNoSessions(out []byte) bool {
	return bytes.Contains(bytes.ToLower(out), []byte("no sessions"))
}

func isNotRunning(out []byte) bool {
	lower := bytes.ToLower(out)
	return bytes.Contains(lower, []byte("not running")) ||
		bytes.Contains(lower, []byte("no such session"))
}

func describe(err error, stderr []byte) string {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return err.Error()
	}
	return fmt.Sprintf("%v (%s)", err, msg)
}
