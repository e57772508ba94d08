package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/studyhive/studyhive/internal/timer"
)

// RoomConfig holds the tunable policy for room sessions. Values come
// from an optional YAML file layered over the defaults below. All
// intervals are whole seconds, matching the timer's own arithmetic.
type RoomConfig struct {
	// Session lengths per mode.
	PomodoroSeconds   int `yaml:"pomodoro_seconds"`
	ShortBreakSeconds int `yaml:"short_break_seconds"`
	LongBreakSeconds  int `yaml:"long_break_seconds"`

	// Heartbeat cadence expected from clients, and the multiple of it
	// after which a silent participant is swept from the roster.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutMultiple int `yaml:"heartbeat_timeout_multiple"`

	// How often a running timer is re-broadcast between transitions.
	// Clients interpolate locally between these resyncs.
	ResyncIntervalSeconds int `yaml:"resync_interval_seconds"`

	// Grace period a room may sit with zero connections before its
	// session is evicted from memory.
	EvictionGraceSeconds int `yaml:"eviction_grace_seconds"`

	// Debounce window for checkpoint writes, and the timeout on each
	// individual write.
	CheckpointDebounceSeconds int `yaml:"checkpoint_debounce_seconds"`
	CheckpointTimeoutSeconds  int `yaml:"checkpoint_timeout_seconds"`

	// Pause a running timer when the roster empties out.
	AutoPauseWhenEmpty bool `yaml:"auto_pause_when_empty"`
}

// Default returns the standard room policy.
func Default() RoomConfig {
	return RoomConfig{
		PomodoroSeconds:           25 * 60,
		ShortBreakSeconds:         5 * 60,
		LongBreakSeconds:          15 * 60,
		HeartbeatIntervalSeconds:  15,
		HeartbeatTimeoutMultiple:  3,
		ResyncIntervalSeconds:     15,
		EvictionGraceSeconds:      120,
		CheckpointDebounceSeconds: 2,
		CheckpointTimeoutSeconds:  5,
		AutoPauseWhenEmpty:        true,
	}
}

// Load reads the config file at path, layering it over defaults. A
// missing file is not an error; the defaults apply.
func Load(path string) (RoomConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c RoomConfig) validate() error {
	if c.PomodoroSeconds <= 0 || c.ShortBreakSeconds <= 0 || c.LongBreakSeconds <= 0 {
		return fmt.Errorf("config: mode durations must be positive")
	}
	if c.HeartbeatIntervalSeconds <= 0 || c.HeartbeatTimeoutMultiple < 2 {
		return fmt.Errorf("config: heartbeat interval must be positive and timeout multiple at least 2")
	}
	if c.EvictionGraceSeconds <= 0 || c.CheckpointDebounceSeconds <= 0 || c.CheckpointTimeoutSeconds <= 0 {
		return fmt.Errorf("config: eviction and checkpoint intervals must be positive")
	}
	if c.ResyncIntervalSeconds <= 0 {
		return fmt.Errorf("config: resync interval must be positive")
	}
	return nil
}

// Durations converts the configured mode lengths into the timer
// machine's representation.
func (c RoomConfig) Durations() timer.Durations {
	return timer.Durations{
		timer.ModePomodoro:   c.PomodoroSeconds,
		timer.ModeShortBreak: c.ShortBreakSeconds,
		timer.ModeLongBreak:  c.LongBreakSeconds,
	}
}

// HeartbeatInterval is the expected client heartbeat cadence.
func (c RoomConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout is the silence window after which a participant is
// considered gone.
func (c RoomConfig) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval() * time.Duration(c.HeartbeatTimeoutMultiple)
}

// ResyncInterval is the coarse timer re-broadcast threshold.
func (c RoomConfig) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalSeconds) * time.Second
}

// EvictionGrace is how long an empty room stays live in memory.
func (c RoomConfig) EvictionGrace() time.Duration {
	return time.Duration(c.EvictionGraceSeconds) * time.Second
}

// CheckpointDebounce is the coalescing window for persistence writes.
func (c RoomConfig) CheckpointDebounce() time.Duration {
	return time.Duration(c.CheckpointDebounceSeconds) * time.Second
}

// CheckpointTimeout bounds a single persistence write.
func (c RoomConfig) CheckpointTimeout() time.Duration {
	return time.Duration(c.CheckpointTimeoutSeconds) * time.Second
}
