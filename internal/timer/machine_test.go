package timer

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestStartPomodoroFromIdle(t *testing.T) {
	m := New(nil)

	if err := m.Start(ModePomodoro, t0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if m.State() != StateRunning {
		t.Errorf("expected running, got %s", m.State())
	}
	snap := m.Snapshot(t0)
	if snap.TimeRemainingSeconds != 1500 {
		t.Errorf("expected 1500 seconds remaining, got %d", snap.TimeRemainingSeconds)
	}

	// After 300 simulated seconds a tick leaves 1200.
	m.Tick(t0.Add(300 * time.Second))
	snap = m.Snapshot(t0.Add(300 * time.Second))
	if snap.TimeRemainingSeconds != 1200 {
		t.Errorf("expected 1200 seconds remaining, got %d", snap.TimeRemainingSeconds)
	}
	if m.State() != StateRunning {
		t.Errorf("expected still running, got %s", m.State())
	}
}

func TestPauseFreezesRemaining(t *testing.T) {
	m := New(nil)
	if err := m.Start(ModePomodoro, t0); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := m.Pause(t0.Add(90 * time.Second)); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if m.State() != StatePaused {
		t.Errorf("expected paused, got %s", m.State())
	}
	snap := m.Snapshot(t0.Add(10 * time.Minute))
	if snap.TimeRemainingSeconds != 1410 {
		t.Errorf("paused remaining should be frozen at 1410, got %d", snap.TimeRemainingSeconds)
	}
}

func TestPauseTruncatesFractionalSeconds(t *testing.T) {
	m := New(nil)
	if err := m.Start(ModePomodoro, t0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// 10.9 seconds elapsed counts as 10: never round up.
	if err := m.Pause(t0.Add(10*time.Second + 900*time.Millisecond)); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if got := m.Snapshot(t0).TimeRemainingSeconds; got != 1490 {
		t.Errorf("expected 1490 remaining, got %d", got)
	}
}

func TestResumePreservesRemaining(t *testing.T) {
	m := New(nil)
	if err := m.Start(ModeShortBreak, t0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := m.Pause(t0.Add(60 * time.Second)); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	resumeAt := t0.Add(10 * time.Minute)
	if err := m.Resume(resumeAt); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if m.State() != StateRunning {
		t.Errorf("expected running, got %s", m.State())
	}
	if got := m.Snapshot(resumeAt).TimeRemainingSeconds; got != 240 {
		t.Errorf("expected 240 remaining after resume, got %d", got)
	}
}

func TestResetFromAnyState(t *testing.T) {
	m := New(nil)
	if err := m.Reset(ModeLongBreak, t0); err != nil {
		t.Fatalf("reset from idle failed: %v", err)
	}
	if m.Mode() != ModeLongBreak || m.Snapshot(t0).TimeRemainingSeconds != 900 {
		t.Errorf("reset should load long break duration, got %s/%d", m.Mode(), m.Snapshot(t0).TimeRemainingSeconds)
	}

	if err := m.Start(ModeLongBreak, t0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := m.Reset(ModePomodoro, t0.Add(time.Minute)); err != nil {
		t.Fatalf("reset while running failed: %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle after reset, got %s", m.State())
	}
	if got := m.Snapshot(t0).TimeRemainingSeconds; got != 1500 {
		t.Errorf("expected full pomodoro after reset, got %d", got)
	}
}

func TestInvalidTransitions(t *testing.T) {
	m := New(nil)

	cases := []struct {
		name string
		op   func() error
	}{
		{"pause while idle", func() error { return m.Pause(t0) }},
		{"resume while idle", func() error { return m.Resume(t0) }},
		{"start unknown mode", func() error { return m.Start("nap", t0) }},
		{"set zero duration", func() error { return m.SetDuration(0, t0) }},
	}
	for _, tc := range cases {
		err := tc.op()
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Errorf("%s: expected InvalidTransitionError, got %v", tc.name, err)
		}
		if m.State() != StateIdle {
			t.Errorf("%s: rejected command must have no side effect, state is %s", tc.name, m.State())
		}
	}

	if err := m.Start(ModePomodoro, t0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	var invalid *InvalidTransitionError
	if err := m.Start(ModePomodoro, t0); !errors.As(err, &invalid) {
		t.Errorf("start while running: expected InvalidTransitionError, got %v", err)
	}
	if err := m.SetDuration(600, t0); !errors.As(err, &invalid) {
		t.Errorf("setDuration while running: expected InvalidTransitionError, got %v", err)
	}
}

func TestTickCompletesSession(t *testing.T) {
	m := New(Durations{ModePomodoro: 3, ModeShortBreak: 2, ModeLongBreak: 2})
	if err := m.Start(ModePomodoro, t0); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	event, fired := m.Tick(t0.Add(2 * time.Second))
	if fired {
		t.Errorf("unexpected event %q before completion", event)
	}
	event, fired = m.Tick(t0.Add(10 * time.Second))
	if !fired || event != EventSessionComplete {
		t.Fatalf("expected session complete event, got %q (fired=%v)", event, fired)
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle after completion, got %s", m.State())
	}
	if got := m.Snapshot(t0.Add(time.Hour)).TimeRemainingSeconds; got != 0 {
		t.Errorf("remaining should clamp at 0, got %d", got)
	}
}

func TestRemainingNeverNegativeOrIncreasing(t *testing.T) {
	m := New(nil)
	if err := m.Start(ModePomodoro, t0); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	prev := m.Snapshot(t0).TimeRemainingSeconds
	for i := 1; i <= 2000; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		m.Tick(now)
		got := m.Snapshot(now).TimeRemainingSeconds
		if got < 0 {
			t.Fatalf("remaining went negative: %d", got)
		}
		if got > prev {
			t.Fatalf("remaining increased from %d to %d without a reset", prev, got)
		}
		prev = got
	}
}

func TestRestoreRunningSnapshotComesBackPaused(t *testing.T) {
	m := Restore(StateRunning, ModePomodoro, 750, nil)
	if m.State() != StatePaused {
		t.Errorf("expected paused after restoring a running snapshot, got %s", m.State())
	}
	if got := m.Snapshot(t0).TimeRemainingSeconds; got != 750 {
		t.Errorf("expected 750 remaining, got %d", got)
	}

	if err := m.Resume(t0); err != nil {
		t.Fatalf("resume after restore failed: %v", err)
	}
	if got := m.Snapshot(t0.Add(50 * time.Second)).TimeRemainingSeconds; got != 700 {
		t.Errorf("expected 700 remaining, got %d", got)
	}
}

func TestRestoreBadValuesFallBackToDefaults(t *testing.T) {
	m := Restore("exploded", "nap", -40, nil)
	if m.State() != StateIdle || m.Mode() != ModePomodoro {
		t.Errorf("expected idle pomodoro, got %s/%s", m.State(), m.Mode())
	}
	if got := m.Snapshot(t0).TimeRemainingSeconds; got != 1500 {
		t.Errorf("expected default duration, got %d", got)
	}
}
