package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/termpilot/internal/logging"
)

// WaitResult reports how a wait ended. OK is "found" for WaitForText and
// "stable" for WaitForStable.
type WaitResult struct {
	OK      bool
	Elapsed time.Duration
}

// ElapsedMs returns Elapsed in whole milliseconds.
func (r WaitResult) ElapsedMs() int64 {
	return r.Elapsed.Milliseconds()
}

// WaitForText polls the screen until it contains text or timeout elapses.
// A non-positive timeout uses the default. Matching is a plain substring
// test.
func (m *Manager) WaitForText(ctx context.Context, text string, timeout time.Duration) (WaitResult, error) {
	opts := m.options()
	if timeout <= 0 {
		timeout = opts.DefaultTimeout
	}

	start := time.Now()
	wctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()

	for polls := 1; ; polls++ {
		sample, err := m.driver.ReadFrontWindowText(wctx)
		if err != nil {
			return m.endWait(ctx, wctx, start, "text", err)
		}
		if strings.Contains(sample, text) {
			res := WaitResult{OK: true, Elapsed: time.Since(start)}
			managerLog.Debug("wait_text_found", slog.Int("polls", polls), slog.Int64("elapsed_ms", res.ElapsedMs()))
			return res, nil
		}
		logging.Aggregate(logging.CompTerminal, "wait_text_poll")

		if err := sleepCtx(wctx, opts.PollInterval); err != nil {
			return m.endWait(ctx, wctx, start, "text", err)
		}
	}
}

// WaitForStable polls the screen until it has not changed for stable, or
// until timeout elapses. The first sample is the baseline and the call
// start counts as the last change, so an unchanging screen is stable after
// about stable. Non-positive durations use the defaults.
func (m *Manager) WaitForStable(ctx context.Context, timeout, stable time.Duration) (WaitResult, error) {
	opts := m.options()
	if timeout <= 0 {
		timeout = opts.DefaultTimeout
	}
	if stable <= 0 {
		stable = opts.DefaultStable
	}

	start := time.Now()
	wctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()

	prev, err := m.driver.ReadFrontWindowText(wctx)
	if err != nil {
		return m.endWait(ctx, wctx, start, "stable", err)
	}
	lastChange := start
	changes := 0

	for {
		if time.Since(lastChange) >= stable {
			res := WaitResult{OK: true, Elapsed: time.Since(start)}
			managerLog.Debug("wait_stable_reached", slog.Int("changes", changes), slog.Int64("elapsed_ms", res.ElapsedMs()))
			return res, nil
		}

		if err := sleepCtx(wctx, opts.PollInterval); err != nil {
			return m.endWait(ctx, wctx, start, "stable", err)
		}

		sample, err := m.driver.ReadFrontWindowText(wctx)
		if err != nil {
			return m.endWait(ctx, wctx, start, "stable", err)
		}
		if sample != prev {
			prev = sample
			lastChange = time.Now()
			changes++
		}
		logging.Aggregate(logging.CompTerminal, "wait_stable_poll")
	}
}

// endWait turns a sampling or sleep error into the wait's outcome. Running
// into the wait's own deadline is a plain negative result; a cancelled
// caller or a driver failure is an error.
func (m *Manager) endWait(ctx, wctx context.Context, start time.Time, kind string, err error) (WaitResult, error) {
	res := WaitResult{Elapsed: time.Since(start)}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if wctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		managerLog.Debug("wait_timed_out", slog.String("kind", kind), slog.Int64("elapsed_ms", res.ElapsedMs()))
		return res, nil
	}
	return res, fmt.Errorf("wait for %s: %w", kind, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
