package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/termpilot/internal/automation"
	"github.com/asheshgoplani/termpilot/internal/config"
	"github.com/asheshgoplani/termpilot/internal/journal"
	"github.com/asheshgoplani/termpilot/internal/platform"
	"github.com/asheshgoplani/termpilot/internal/registry"
)

// Table column widths for sessions and journal output
const (
	tableColName    = 28
	tableColTool    = 18
	tableColSession = 22
	tableColError   = 50
)

// doctorCheck is one line of `termpilot doctor` output.
type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

func handleDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	skipPermissions := fs.Bool("skip-permissions", false, "Do not probe Automation permission")

	fs.Usage = func() {
		fmt.Println("Usage: termpilot doctor [options]")
		fmt.Println()
		fmt.Println("Check that termpilot can drive Terminal.app and reach zmx.")
		fmt.Println("The permission probe may show a macOS consent prompt the first time.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checks := runDoctor(ctx, !*skipPermissions)
	NewCLIOutput(*jsonOutput).Print(formatChecks(checks), checks)

	for _, c := range checks {
		if !c.OK {
			return 1
		}
	}
	return 0
}

func runDoctor(ctx context.Context, probePermissions bool) []doctorCheck {
	var checks []doctorCheck

	p := platform.Detect()
	platformCheck := doctorCheck{Name: "platform", Detail: p.String()}
	if err := platform.RequireAutomation(); err != nil {
		platformCheck.Fix = err.Error()
	} else {
		platformCheck.OK = true
		if v := platform.ProductVersion(ctx); v != "" {
			platformCheck.Detail += " " + v
		}
	}
	checks = append(checks, platformCheck)

	cfg, cfgErr := config.Load()
	cfgCheck := doctorCheck{Name: "config", OK: cfgErr == nil}
	if path, err := config.Path(); err == nil {
		cfgCheck.Detail = path
	}
	if cfgErr != nil {
		cfgCheck.Fix = cfgErr.Error()
	}
	checks = append(checks, cfgCheck)

	checks = append(checks, registryCheck(ctx, cfg))

	if probePermissions && platformCheck.OK {
		drv := automation.New(driverOptions(cfg))
		permCheck := doctorCheck{Name: "automation permission", OK: true, Detail: cfg.Terminal.App}
		if err := drv.CheckControlPermission(ctx); err != nil {
			permCheck.OK = false
			permCheck.Detail = err.Error()
			permCheck.Fix = automation.Remediation(err)
		}
		checks = append(checks, permCheck)
	}

	if cfg.Journal.IsEnabled() {
		checks = append(checks, journalCheck(cfg))
	}
	return checks
}

func registryCheck(ctx context.Context, cfg *config.Config) doctorCheck {
	c := doctorCheck{Name: "zmx"}
	reg, err := registry.New(cfg.Registry.Binary, nil)
	if err != nil {
		c.Detail = err.Error()
		c.Fix = "Set [registry] binary in config.toml"
		return c
	}
	if err := reg.Available(); err != nil {
		c.Detail = err.Error()
		c.Fix = "Install zmx and make sure it is on PATH"
		return c
	}
	sessions, err := reg.List(ctx)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%d sessions", len(sessions))
	return c
}

func journalCheck(cfg *config.Config) doctorCheck {
	path, err := cfg.JournalPath()
	if err != nil {
		return doctorCheck{Name: "journal", Detail: err.Error()}
	}
	return journalCheckAt(path)
}

func journalCheckAt(path string) doctorCheck {
	c := doctorCheck{Name: "journal", Detail: path}
	j, err := journal.Open(path)
	if err != nil {
		c.Fix = err.Error()
		return c
	}
	defer j.Close()
	if err := j.Migrate(); err != nil {
		c.Fix = err.Error()
		return c
	}
	c.OK = true
	if alive, err := j.AliveServerCount(); err == nil && alive > 0 {
		c.Detail += fmt.Sprintf(" (%d server(s) running)", alive)
	}
	if v, err := j.GetMeta(metaLastVersion); err == nil && v != "" {
		c.Detail += " last served by " + v
	}
	return c
}

func formatChecks(checks []doctorCheck) string {
	var b strings.Builder
	for _, c := range checks {
		symbol := successSymbol
		if !c.OK {
			symbol = errorSymbol
		}
		fmt.Fprintf(&b, "%s %s", symbol, c.Name)
		if c.Detail != "" {
			fmt.Fprintf(&b, ": %s", c.Detail)
		}
		b.WriteString("\n")
		if c.Fix != "" {
			fmt.Fprintf(&b, "  %s %s\n", warnSymbol, c.Fix)
		}
	}
	return b.String()
}

func handleSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Println("Usage: termpilot sessions [options]")
		fmt.Println()
		fmt.Println("List zmx sessions.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	cfg, _ := config.Load()
	reg, err := registry.New(cfg.Registry.Binary, nil)
	if err != nil {
		out.Error(err.Error(), ErrCodeConfig)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions, err := reg.List(ctx)
	if err != nil {
		out.Error(err.Error(), ErrCodeRegistry)
		os.Exit(1)
	}
	if sessions == nil {
		sessions = []registry.Session{}
	}
	out.Print(formatSessions(sessions), sessions)
}

func formatSessions(sessions []registry.Session) string {
	if len(sessions) == 0 {
		return "No zmx sessions.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-*s %-8s %s\n", tableColName, "NAME", "PID", "CLIENTS")
	b.WriteString(strings.Repeat("-", tableColName+18) + "\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%-*s %-8s %s\n", tableColName, truncate(s.Name, tableColName), optInt(s.PID), optInt(s.Clients))
	}
	fmt.Fprintf(&b, "\nTotal: %d sessions\n", len(sessions))
	return b.String()
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

type journalJSON struct {
	ID         string `json:"id"`
	At         string `json:"at"`
	Tool       string `json:"tool"`
	Session    string `json:"session,omitempty"`
	Args       any    `json:"args,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func handleJournal(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	limit := fs.Int("n", 20, "Number of entries to show")

	fs.Usage = func() {
		fmt.Println("Usage: termpilot journal [options]")
		fmt.Println()
		fmt.Println("Show the most recent tool calls, newest first.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	cfg, _ := config.Load()
	path, err := cfg.JournalPath()
	if err != nil {
		out.Error(err.Error(), ErrCodeJournal)
		os.Exit(1)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		out.Print("No journal yet.\n", []journalJSON{})
		return
	}

	j, err := journal.Open(path)
	if err != nil {
		out.Error(err.Error(), ErrCodeJournal)
		os.Exit(1)
	}
	defer j.Close()
	if err := j.Migrate(); err != nil {
		out.Error(err.Error(), ErrCodeJournal)
		os.Exit(1)
	}

	entries, err := j.Recent(context.Background(), *limit)
	if err != nil {
		out.Error(err.Error(), ErrCodeJournal)
		os.Exit(1)
	}
	out.Print(formatJournal(entries), journalToJSON(entries))
}

func journalToJSON(entries []journal.Entry) []journalJSON {
	result := make([]journalJSON, len(entries))
	for i, e := range entries {
		result[i] = journalJSON{
			ID:         e.ID,
			At:         e.At.Format(time.RFC3339),
			Tool:       e.Tool,
			Session:    e.Session,
			OK:         e.OK,
			Error:      e.Error,
			DurationMs: e.Duration.Milliseconds(),
		}
		if len(e.Args) > 0 {
			result[i].Args = e.Args
		}
	}
	return result
}

func formatJournal(entries []journal.Entry) string {
	if len(entries) == 0 {
		return "No tool calls recorded.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-19s %-*s %-*s %-3s %8s  %s\n",
		"TIME", tableColTool, "TOOL", tableColSession, "SESSION", "OK", "MS", "ERROR")
	for _, e := range entries {
		ok := successSymbol
		if !e.OK {
			ok = errorSymbol
		}
		fmt.Fprintf(&b, "%-19s %-*s %-*s %-3s %8d  %s\n",
			e.At.Local().Format("2006-01-02 15:04:05"),
			tableColTool, truncate(e.Tool, tableColTool),
			tableColSession, truncate(e.Session, tableColSession),
			ok,
			e.Duration.Milliseconds(),
			truncate(e.Error, tableColError))
	}
	return b.String()
}
