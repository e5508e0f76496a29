package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/asheshgoplani/termpilot/internal/automation"
	"github.com/asheshgoplani/termpilot/internal/config"
	"github.com/asheshgoplani/termpilot/internal/journal"
	"github.com/asheshgoplani/termpilot/internal/logging"
	"github.com/asheshgoplani/termpilot/internal/mcpserver"
	"github.com/asheshgoplani/termpilot/internal/platform"
	"github.com/asheshgoplani/termpilot/internal/registry"
	"github.com/asheshgoplani/termpilot/internal/terminal"
)

const heartbeatInterval = 10 * time.Second

// metaLastVersion records which termpilot version last served from the journal.
const metaLastVersion = "last_version"

var serveLog = logging.ForComponent(logging.CompMCP)

func driverOptions(cfg *config.Config) automation.Options {
	return automation.Options{
		App:           cfg.Terminal.App,
		ScriptTimeout: cfg.Terminal.ScriptTimeout(),
		OpenSettle:    cfg.Terminal.OpenSettle(),
		KeysPerSecond: cfg.Terminal.KeysPerSecond,
	}
}

func managerOptions(cfg *config.Config) terminal.Options {
	return terminal.Options{
		PollInterval:   cfg.Wait.PollInterval(),
		DefaultTimeout: cfg.Wait.DefaultTimeout(),
		DefaultStable:  cfg.Wait.DefaultStable(),
		RestartSettle:  cfg.Terminal.RestartSettle(),
		SessionPrefix:  cfg.Terminal.SessionPrefix,
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	noJournal := fs.Bool("no-journal", false, "Do not record tool calls")
	noWatch := fs.Bool("no-watch", false, "Do not reload config.toml on change")

	fs.Usage = func() {
		fmt.Println("Usage: termpilot serve [options]")
		fmt.Println()
		fmt.Println("Serve the terminal tools over MCP on stdin/stdout.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}

	if err := platform.RequireAutomation(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", cfgErr)
	}

	baseDir, err := config.Dir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create %s: %v\n", baseDir, err)
		return 1
	}

	// Stdout carries the protocol; nothing else may write to it.
	logging.Init(cfg.Logs.LoggingConfig(baseDir))
	defer logging.Shutdown()
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompMCP))

	defer func() {
		if r := recover(); r != nil {
			dumpPath := filepath.Join(baseDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			serveLog.Error("server_panic", slog.Any("panic", r))
			_ = logging.DumpRingBuffer(dumpPath)
			panic(r)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpOnSignal(ctx, baseDir)

	reg, err := registry.New(cfg.Registry.Binary, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := reg.Available(); err != nil {
		// Tools report it per call.
		serveLog.Warn("registry_unavailable", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	drv := automation.New(driverOptions(cfg))
	mgr := terminal.NewManager(drv, reg, managerOptions(cfg))
	defer mgr.Shutdown()

	var recorder mcpserver.Recorder
	if cfg.Journal.IsEnabled() && !*noJournal {
		j, err := openJournal(cfg)
		if err != nil {
			serveLog.Warn("journal_unavailable", slog.String("error", err.Error()))
		} else {
			defer func() {
				_ = j.UnregisterServer()
				_ = j.Close()
			}()
			go heartbeatLoop(ctx, j, heartbeatInterval)
			recorder = j
		}
	}

	if !*noWatch {
		if w := watchConfig(drv, mgr); w != nil {
			defer w.Close()
		}
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "termpilot speaks MCP on stdin/stdout; add it to your MCP client as a stdio server.")
		fmt.Fprintln(os.Stderr, "Press Ctrl+C to exit.")
	}

	serveLog.Info("server_started",
		slog.String("version", Version),
		slog.Int("pid", os.Getpid()),
		slog.String("app", cfg.Terminal.App),
		slog.Bool("journal", recorder != nil))

	srv := mcpserver.New(mgr, recorder, Version)
	if err := srv.Run(ctx); err != nil && !isCleanExit(err) {
		serveLog.Error("server_stopped", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	serveLog.Info("server_stopped")
	return 0
}

// isCleanExit reports whether Run ended because the client went away or we
// were signalled.
func isCleanExit(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

func openJournal(cfg *config.Config) (*journal.Journal, error) {
	path, err := cfg.JournalPath()
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	if err := j.Migrate(); err != nil {
		_ = j.Close()
		return nil, err
	}
	if n, err := j.Prune(cfg.Journal.Retention()); err != nil {
		serveLog.Warn("journal_prune_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		serveLog.Info("journal_pruned", slog.Int64("entries", n))
	}
	if err := j.RegisterServer(); err != nil {
		serveLog.Warn("journal_register_failed", slog.String("error", err.Error()))
	}
	// Two servers share one Terminal.app; they will fight over the front window.
	if alive, err := j.AliveServerCount(); err == nil && alive > 1 {
		serveLog.Warn("multiple_servers_running", slog.Int("alive", alive))
	}
	if err := j.SetMeta(metaLastVersion, Version); err != nil {
		serveLog.Debug("journal_meta_failed", slog.String("error", err.Error()))
	}
	return j, nil
}

func heartbeatLoop(ctx context.Context, j *journal.Journal, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Heartbeat(); err != nil {
				serveLog.Debug("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// watchConfig applies config.toml edits to the running driver and manager.
func watchConfig(drv *automation.Driver, mgr *terminal.Manager) *config.Watcher {
	path, err := config.Path()
	if err != nil {
		return nil
	}
	if warning := platform.CheckFsnotifySupport(path); warning != "" {
		serveLog.Warn("config_watch_unsupported", slog.String("detail", warning))
		return nil
	}
	w, err := config.Watch(path, func(cfg *config.Config) {
		drv.Configure(driverOptions(cfg))
		mgr.Apply(managerOptions(cfg))
	})
	if err != nil {
		serveLog.Warn("config_watch_failed", slog.String("error", err.Error()))
		return nil
	}
	return w
}

// dumpOnSignal writes the log ring buffer to disk on SIGUSR1.
func dumpOnSignal(ctx context.Context, baseDir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			dumpPath := filepath.Join(baseDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				serveLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				serveLog.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}
}
