package terminal

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/termpilot/internal/automation"
)

const poll = 100 * time.Millisecond

func TestWaitForTextFoundImmediately(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.screen = func() (string, error) { return "say hello world", nil }

	res, err := m.WaitForText(context.Background(), "hello", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Less(t, res.Elapsed, poll)
}

func TestWaitForTextTimesOut(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.screen = func() (string, error) { return "nothing here", nil }

	timeout := 300 * time.Millisecond
	res, err := m.WaitForText(context.Background(), "hello", timeout)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, timeout)
	assert.Less(t, res.Elapsed, timeout+poll+100*time.Millisecond)
}

func TestWaitForTextAppearsLater(t *testing.T) {
	m, drv, _ := newHarness(t)
	start := time.Now()
	drv.screen = func() (string, error) {
		if time.Since(start) > 250*time.Millisecond {
			return "$ build ok\n", nil
		}
		return "$ building...\n", nil
	}

	res, err := m.WaitForText(context.Background(), "build ok", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, 250*time.Millisecond)
	assert.Less(t, res.Elapsed, 250*time.Millisecond+2*poll)
}

func TestWaitForTextIsPlainSubstring(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.screen = func() (string, error) { return "a  b", nil }

	res, err := m.WaitForText(context.Background(), "a b", 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.OK, "whitespace is not normalized")
}

func TestWaitForStableAfterChangesStop(t *testing.T) {
	m, drv, _ := newHarness(t)
	start := time.Now()
	// Changes every 50ms for 300ms, then freezes.
	drv.screen = func() (string, error) {
		step := time.Since(start) / (50 * time.Millisecond)
		if step > 6 {
			step = 6
		}
		return "frame " + strconv.Itoa(int(step)), nil
	}

	res, err := m.WaitForStable(context.Background(), 5*time.Second, 500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, 750*time.Millisecond)
	assert.Less(t, res.Elapsed, 800*time.Millisecond+poll+200*time.Millisecond)
}

func TestWaitForStableUnchangingScreen(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.screen = func() (string, error) { return "$ ", nil }

	res, err := m.WaitForStable(context.Background(), 5*time.Second, 500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, 500*time.Millisecond)
	assert.Less(t, res.Elapsed, 500*time.Millisecond+poll+100*time.Millisecond)
}

func TestWaitForStableTimesOut(t *testing.T) {
	m, drv, _ := newHarness(t)
	var n atomic.Int64
	drv.screen = func() (string, error) {
		return "tick " + strconv.FormatInt(n.Add(1), 10), nil
	}

	timeout := 400 * time.Millisecond
	res, err := m.WaitForStable(context.Background(), timeout, 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, timeout)
}

func TestWaitUsesDefaults(t *testing.T) {
	m, drv, _ := newHarness(t)
	m.Apply(Options{PollInterval: 20 * time.Millisecond, DefaultTimeout: 200 * time.Millisecond, DefaultStable: 100 * time.Millisecond})
	drv.screen = func() (string, error) { return "static", nil }

	res, err := m.WaitForText(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, 200*time.Millisecond)
	assert.Less(t, res.Elapsed, time.Second)

	res, err = m.WaitForStable(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, 100*time.Millisecond)
	assert.Less(t, res.Elapsed, 200*time.Millisecond)
}

func TestWaitAbortsOnPermissionError(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.screen = func() (string, error) {
		return "", &automation.PermissionError{Op: "read screen", Remediation: automation.RemediationAutomation}
	}

	_, err := m.WaitForText(context.Background(), "x", time.Second)
	assert.ErrorIs(t, err, automation.ErrPermissionDenied)

	_, err = m.WaitForStable(context.Background(), time.Second, 200*time.Millisecond)
	assert.ErrorIs(t, err, automation.ErrPermissionDenied)
}

func TestWaitSampleCutByDeadlineIsNotFound(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.slowScreen = true

	timeout := 200 * time.Millisecond
	res, err := m.WaitForText(context.Background(), "x", timeout)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, timeout)

	res, err = m.WaitForStable(context.Background(), timeout, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestWaitDriverDeadlineBeforeWaitDeadlineIsError(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.screen = func() (string, error) { return "", context.DeadlineExceeded }

	res, err := m.WaitForText(context.Background(), "x", time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.OK)
}

func TestWaitCallerCancel(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.screen = func() (string, error) { return "", nil }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()
	res, err := m.WaitForText(ctx, "never", 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.OK)
	assert.Less(t, res.Elapsed, time.Second)
}

func TestScreenReadsDoNotWaitForMutations(t *testing.T) {
	m, drv, _ := newHarness(t)
	drv.screen = func() (string, error) { return "ready", nil }

	m.opMu.Lock()
	defer m.opMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := m.WaitForText(context.Background(), "ready", time.Second)
		assert.NoError(t, err)
		assert.True(t, res.OK)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait blocked on the operation lock")
	}
}
