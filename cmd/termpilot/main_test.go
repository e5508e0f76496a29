package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/termpilot/internal/config"
	"github.com/asheshgoplani/termpilot/internal/journal"
	"github.com/asheshgoplani/termpilot/internal/registry"
)

func TestNormalizeArgs(t *testing.T) {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	fs.Bool("json", false, "")
	fs.Int("n", 20, "")

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"flags first already", []string{"-n", "5", "extra"}, []string{"-n", "5", "extra"}},
		{"flag after positional", []string{"extra", "-n", "5"}, []string{"-n", "5", "extra"}},
		{"bool flag takes no value", []string{"extra", "--json", "more"}, []string{"--json", "extra", "more"}},
		{"equals form", []string{"x", "-n=3"}, []string{"-n=3", "x"}},
		{"double dash stops", []string{"--json", "--", "-n", "5"}, []string{"--json", "-n", "5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeArgs(fs, tt.args))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a-long...", truncate("a-long-session-name", 9))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestFormatSessions(t *testing.T) {
	assert.Equal(t, "No zmx sessions.\n", formatSessions(nil))

	pid, clients := 4242, 1
	out := formatSessions([]registry.Session{
		{Name: "dev", PID: &pid, Clients: &clients},
		{Name: "scratch"},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[2], "dev")
	assert.Contains(t, lines[2], "4242")
	assert.Equal(t, []string{"scratch", "-", "-"}, strings.Fields(lines[3]))
	assert.Equal(t, "Total: 2 sessions", lines[5])
}

func TestFormatChecks(t *testing.T) {
	out := formatChecks([]doctorCheck{
		{Name: "platform", OK: true, Detail: "macOS 14.5"},
		{Name: "automation permission", Detail: "denied", Fix: "Open System Settings"},
	})
	assert.Equal(t,
		"✓ platform: macOS 14.5\n"+
			"✕ automation permission: denied\n"+
			"  ! Open System Settings\n",
		out)
}

func TestJournalOutput(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	entries := []journal.Entry{
		{ID: "a", Tool: "type_text", Session: "dev", Args: json.RawMessage(`{"text_len":3}`), OK: true, Duration: 120 * time.Millisecond, At: at},
		{ID: "b", Tool: "get_screenshot", OK: false, Error: "capture window: permission denied", Duration: 2 * time.Second, At: at},
	}

	js := journalToJSON(entries)
	require.Len(t, js, 2)
	assert.Equal(t, "2026-03-04T05:06:07Z", js[0].At)
	assert.Equal(t, int64(120), js[0].DurationMs)
	b, err := json.Marshal(js[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"args":{"text_len":3}`)
	assert.Nil(t, js[1].Args)

	table := formatJournal(entries)
	assert.Contains(t, table, "type_text")
	assert.Contains(t, table, "permission denied")
	assert.Equal(t, 3, strings.Count(table, "\n"))

	assert.Equal(t, "No tool calls recorded.\n", formatJournal(nil))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Terminal.KeysPerSecond = 12
	cfg.Terminal.SessionPrefix = "agent"

	d := driverOptions(cfg)
	assert.Equal(t, "Terminal", d.App)
	assert.Equal(t, 12, d.KeysPerSecond)
	assert.Equal(t, 4*time.Second, d.ScriptTimeout)
	assert.Equal(t, 1500*time.Millisecond, d.OpenSettle)

	m := managerOptions(cfg)
	assert.Equal(t, 100*time.Millisecond, m.PollInterval)
	assert.Equal(t, 5*time.Second, m.DefaultTimeout)
	assert.Equal(t, 500*time.Millisecond, m.DefaultStable)
	assert.Equal(t, time.Second, m.RestartSettle)
	assert.Equal(t, "agent", m.SessionPrefix)
}

func TestIsCleanExit(t *testing.T) {
	assert.True(t, isCleanExit(context.Canceled))
	assert.True(t, isCleanExit(fmt.Errorf("read: %w", io.EOF)))
	assert.False(t, isCleanExit(errors.New("broken pipe")))
}

func TestHeartbeatLoopStopsWithContext(t *testing.T) {
	j, err := journal.Open(t.TempDir() + "/journal.db")
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Migrate())
	require.NoError(t, j.RegisterServer())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		heartbeatLoop(ctx, j, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	alive, err := j.AliveServerCount()
	require.NoError(t, err)
	assert.Equal(t, 1, alive)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop")
	}
}

func TestJournalCheckReportsLastVersion(t *testing.T) {
	path := t.TempDir() + "/journal.db"

	c := journalCheckAt(path)
	assert.True(t, c.OK)
	assert.Equal(t, path, c.Detail)

	j, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Migrate())
	require.NoError(t, j.SetMeta(metaLastVersion, "0.3.0"))
	require.NoError(t, j.Close())

	c = journalCheckAt(path)
	assert.True(t, c.OK)
	assert.Equal(t, path+" last served by 0.3.0", c.Detail)
}
