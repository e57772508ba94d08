package timer

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a room's shared countdown.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Mode is the kind of session the countdown is measuring.
type Mode string

const (
	ModePomodoro   Mode = "pomodoro"
	ModeShortBreak Mode = "short-break"
	ModeLongBreak  Mode = "long-break"
)

// Durations maps each mode to its canonical session length in seconds.
type Durations map[Mode]int

// DefaultDurations returns the standard 25/5/15 minute pomodoro lengths.
func DefaultDurations() Durations {
	return Durations{
		ModePomodoro:   25 * 60,
		ModeShortBreak: 5 * 60,
		ModeLongBreak:  15 * 60,
	}
}

// Event is emitted by the machine when it transitions on its own.
type Event string

// EventSessionComplete fires when a running countdown reaches zero.
const EventSessionComplete Event = "session-complete"

// InvalidTransitionError reports a command that is illegal for the
// machine's current state. It carries no side effects.
type InvalidTransitionError struct {
	Command string
	State   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s while %s", e.Command, e.State)
}

// Snapshot is an immutable view of the machine, suitable for broadcast
// and for checkpointing.
type Snapshot struct {
	State                State     `json:"state"`
	Mode                 Mode      `json:"mode"`
	TimeRemainingSeconds int       `json:"timeRemainingSeconds"`
	LastTickAt           time.Time `json:"lastTickAt"`
}

// Machine is the pure timer state machine for one room. It performs no
// I/O and is not safe for concurrent use; the owning room session is
// its single writer.
type Machine struct {
	state      State
	mode       Mode
	remaining  int
	lastTickAt time.Time
	durations  Durations
}

// New returns an idle pomodoro machine at full duration.
func New(durations Durations) *Machine {
	if durations == nil {
		durations = DefaultDurations()
	}
	return &Machine{
		state:     StateIdle,
		mode:      ModePomodoro,
		remaining: durations[ModePomodoro],
		durations: durations,
	}
}

// Restore rebuilds a machine from a persisted snapshot. A snapshot
// persisted while running is restored paused: the process cannot know
// how much wall time passed while the room was cold, and resuming a
// countdown nobody is watching would silently burn the session.
func Restore(state State, mode Mode, remaining int, durations Durations) *Machine {
	m := New(durations)
	if !validMode(mode, m.durations) {
		return m
	}
	m.mode = mode
	if remaining < 0 {
		remaining = 0
	}
	m.remaining = remaining
	switch state {
	case StateRunning, StatePaused:
		m.state = StatePaused
	default:
		m.state = StateIdle
	}
	return m
}

// Start begins a countdown. From idle it loads the canonical duration
// for the given mode; from paused with the same mode it resumes the
// frozen remaining time.
func (m *Machine) Start(mode Mode, now time.Time) error {
	if !validMode(mode, m.durations) {
		return &InvalidTransitionError{Command: fmt.Sprintf("start(%s)", mode), State: m.state}
	}
	switch m.state {
	case StateIdle:
		m.mode = mode
		m.remaining = m.durations[mode]
	case StatePaused:
		if mode != m.mode {
			// Switching modes discards the frozen remainder.
			m.mode = mode
			m.remaining = m.durations[mode]
		}
	default:
		return &InvalidTransitionError{Command: "start", State: m.state}
	}
	if m.remaining == 0 {
		m.remaining = m.durations[m.mode]
	}
	m.state = StateRunning
	m.lastTickAt = now
	return nil
}

// Pause freezes a running countdown, settling the elapsed time since
// the last tick. Fractional seconds are truncated so the stored value
// never undershoots what the clients were shown.
func (m *Machine) Pause(now time.Time) error {
	if m.state != StateRunning {
		return &InvalidTransitionError{Command: "pause", State: m.state}
	}
	m.remaining = m.remainingAt(now)
	m.state = StatePaused
	return nil
}

// Resume is start with the current mode and remaining time preserved.
func (m *Machine) Resume(now time.Time) error {
	if m.state != StatePaused {
		return &InvalidTransitionError{Command: "resume", State: m.state}
	}
	return m.Start(m.mode, now)
}

// Reset is valid from any state: it sets the mode, restores that
// mode's canonical duration, and returns to idle.
func (m *Machine) Reset(mode Mode, now time.Time) error {
	if !validMode(mode, m.durations) {
		return &InvalidTransitionError{Command: fmt.Sprintf("reset(%s)", mode), State: m.state}
	}
	m.mode = mode
	m.remaining = m.durations[mode]
	m.state = StateIdle
	m.lastTickAt = time.Time{}
	return nil
}

// SetDuration overrides the remaining time while the countdown is not
// running.
func (m *Machine) SetDuration(seconds int, now time.Time) error {
	if m.state == StateRunning {
		return &InvalidTransitionError{Command: "setDuration", State: m.state}
	}
	if seconds <= 0 {
		return &InvalidTransitionError{Command: fmt.Sprintf("setDuration(%d)", seconds), State: m.state}
	}
	m.remaining = seconds
	return nil
}

// Tick advances a running countdown to now. When the countdown reaches
// zero the machine auto-transitions to idle and reports a session
// completion; this is the only self-transition. Tick on a non-running
// machine is a no-op.
func (m *Machine) Tick(now time.Time) (Event, bool) {
	if m.state != StateRunning {
		return "", false
	}
	remaining := m.remainingAt(now)
	if remaining == m.remaining {
		return "", false
	}
	m.remaining = remaining
	m.lastTickAt = m.lastTickAt.Add(time.Duration(elapsedSeconds(m.lastTickAt, now)) * time.Second)
	if m.remaining == 0 {
		m.state = StateIdle
		return EventSessionComplete, true
	}
	return "", false
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// Mode returns the current session mode.
func (m *Machine) Mode() Mode { return m.mode }

// Snapshot computes the drift-corrected view of the machine at now.
func (m *Machine) Snapshot(now time.Time) Snapshot {
	remaining := m.remaining
	if m.state == StateRunning {
		remaining = m.remainingAt(now)
	}
	return Snapshot{
		State:                m.state,
		Mode:                 m.mode,
		TimeRemainingSeconds: remaining,
		LastTickAt:           m.lastTickAt,
	}
}

// remainingAt computes remaining time at now, clamped at zero. Elapsed
// time is truncated, never rounded up, so remaining never goes
// negative from an optimistic overshoot.
func (m *Machine) remainingAt(now time.Time) int {
	remaining := m.remaining - elapsedSeconds(m.lastTickAt, now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func elapsedSeconds(from, to time.Time) int {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Second)
}

func validMode(mode Mode, durations Durations) bool {
	_, ok := durations[mode]
	return ok
}
