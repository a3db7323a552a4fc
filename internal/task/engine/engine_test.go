package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyrouter/internal/eventbus"
	logx "notifyrouter/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	var runs atomic.Int32
	err := s.Submit(context.Background(), Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	require.NoError(t, err)

	e := waitEvent(t, events, eventbus.TaskFinished)
	assert.Equal(t, 3, e.Data.(HistoryItem).Attempts)
}

func TestPermanentStopsImmediately(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	var runs atomic.Int32
	require.NoError(t, s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond},
		Run: func(context.Context) error {
			runs.Add(1)
			return Permanent(errors.New("bad input"))
		},
	}))

	e := waitEvent(t, events, eventbus.TaskFailed)
	item := e.Data.(HistoryItem)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "bad input", item.Error)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	require.NoError(t, s.Enqueue(Task{
		Name: "panics",
		Opt:  TaskOptions{RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
		Run:  func(context.Context) error { panic("boom") },
	}))
	e := waitEvent(t, events, eventbus.TaskFailed)
	assert.Contains(t, e.Data.(HistoryItem).Error, "panic: boom")
}

func TestEnqueueRejectsWhenNotRunning(t *testing.T) {
	t.Parallel()
	run := func(context.Context) error { return nil }

	disabled := New(Config{}, logx.Nop(), nil)
	require.ErrorIs(t, disabled.Enqueue(Task{Name: "x", Run: run}), ErrDisabled)

	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	require.ErrorIs(t, stopped.Enqueue(Task{Name: "x", Run: run}), ErrStopped)
	require.Error(t, stopped.Enqueue(Task{Name: "", Run: run}))
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, CircuitTripFailures: 2, CircuitBaseDelay: time.Minute}, logx.Nop(), nil)
	cfg := s.cfg
	now := time.Now()
	fail := errors.New("down")

	s.circuitRecordResult(now, "dispatch:p1", cfg, TaskOptions{}, fail)
	open, _ := s.circuitIsOpen(now, "dispatch:p1", cfg, TaskOptions{})
	assert.False(t, open)

	s.circuitRecordResult(now, "dispatch:p1", cfg, TaskOptions{}, fail)
	open, until := s.circuitIsOpen(now, "dispatch:p1", cfg, TaskOptions{})
	assert.True(t, open)
	assert.Equal(t, now.Add(time.Minute), until)

	open, _ = s.circuitIsOpen(now, "dispatch:p2", cfg, TaskOptions{})
	assert.False(t, open)

	s.circuitRecordResult(now, "dispatch:p1", cfg, TaskOptions{}, nil)
	open, _ = s.circuitIsOpen(now, "dispatch:p1", cfg, TaskOptions{})
	assert.False(t, open)

	disabled := TaskOptions{CircuitTripFailures: -1}
	s.circuitRecordResult(now, "dispatch:p3", cfg, disabled, fail)
	s.circuitRecordResult(now, "dispatch:p3", cfg, disabled, fail)
	open, _ = s.circuitIsOpen(now, "dispatch:p3", cfg, disabled)
	assert.False(t, open)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 1, want: 100 * time.Millisecond},
		{retry: 2, want: 200 * time.Millisecond},
		{retry: 4, want: 800 * time.Millisecond},
		{retry: 10, want: time.Second},
	}
	for _, tt := range tests {
		tt := tt
		if got := backoffDelay(opt, tt.retry, nil); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}

	hinted := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 5*time.Second), rand.New(rand.NewSource(1)))
	assert.Equal(t, time.Second, hinted)
}
