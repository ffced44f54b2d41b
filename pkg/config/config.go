// Package config defines typed configuration for the orchestrator and its
// background services, with built-in defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CompletionConfig controls the completion gate policy.
type CompletionConfig struct {
	// AutoFailureTolerance is the number of failed epic-tests tolerated on
	// a non-critical epic in autonomous mode before the epic blocks.
	AutoFailureTolerance int

	// CriticalEpicKeywords marks epics whose name contains any of these
	// (case-insensitive substring match) as critical. Critical epics block
	// on any epic-test failure even in autonomous mode.
	CriticalEpicKeywords []string

	// RetestStride is how many completed epics (project-wide) between
	// advisory retest recommendations.
	RetestStride int
}

// ReaperConfig controls stale-session reclamation.
type ReaperConfig struct {
	// Interval is the scan cadence.
	Interval time.Duration

	// InitStaleAfter is the heartbeat age beyond which an initializer
	// session is considered abandoned.
	InitStaleAfter time.Duration

	// CodingStaleAfter is the heartbeat age beyond which a coding session
	// is considered abandoned.
	CodingStaleAfter time.Duration
}

// SchedulerConfig controls session loop behavior.
type SchedulerConfig struct {
	// CancelGrace is how long a cancelled session may take to terminate
	// its event stream before the scheduler detaches and fails it.
	CancelGrace time.Duration

	// HeartbeatInterval is the cadence of explicit heartbeat stamps while
	// a session runs. Heartbeats are also stamped on every observed
	// runner event.
	HeartbeatInterval time.Duration
}

// EventsConfig controls the event bus.
type EventsConfig struct {
	// SubscriberBuffer is the bounded per-subscriber buffer size. On
	// overflow the oldest non-terminal event is dropped and accounted in
	// a Lagged marker.
	SubscriberBuffer int
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	Port string
}

// Config aggregates all service configuration.
type Config struct {
	Completion CompletionConfig
	Reaper     ReaperConfig
	Scheduler  SchedulerConfig
	Events     EventsConfig
	HTTP       HTTPConfig
}

// DefaultCompletionConfig returns the built-in completion gate defaults.
func DefaultCompletionConfig() CompletionConfig {
	return CompletionConfig{
		AutoFailureTolerance: 3,
		CriticalEpicKeywords: []string{"authentication", "database", "payment", "security", "core api"},
		RetestStride:         2,
	}
}

// DefaultReaperConfig returns the built-in reaper defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:         60 * time.Second,
		InitStaleAfter:   2 * time.Hour,
		CodingStaleAfter: 20 * time.Minute,
	}
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CancelGrace:       30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// DefaultEventsConfig returns the built-in event bus defaults.
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{SubscriberBuffer: 64}
}

// Default returns the full built-in configuration.
func Default() *Config {
	return &Config{
		Completion: DefaultCompletionConfig(),
		Reaper:     DefaultReaperConfig(),
		Scheduler:  DefaultSchedulerConfig(),
		Events:     DefaultEventsConfig(),
		HTTP:       HTTPConfig{Port: "8080"},
	}
}

// Load returns the defaults overridden by FOREMAN_* environment variables.
func Load() (*Config, error) {
	cfg := Default()

	var err error
	if cfg.Reaper.Interval, err = envDuration("FOREMAN_REAPER_INTERVAL", cfg.Reaper.Interval); err != nil {
		return nil, err
	}
	if cfg.Reaper.InitStaleAfter, err = envDuration("FOREMAN_INIT_STALE_AFTER", cfg.Reaper.InitStaleAfter); err != nil {
		return nil, err
	}
	if cfg.Reaper.CodingStaleAfter, err = envDuration("FOREMAN_CODING_STALE_AFTER", cfg.Reaper.CodingStaleAfter); err != nil {
		return nil, err
	}
	if cfg.Scheduler.CancelGrace, err = envDuration("FOREMAN_CANCEL_GRACE", cfg.Scheduler.CancelGrace); err != nil {
		return nil, err
	}
	if cfg.Scheduler.HeartbeatInterval, err = envDuration("FOREMAN_HEARTBEAT_INTERVAL", cfg.Scheduler.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.Completion.AutoFailureTolerance, err = envInt("FOREMAN_AUTO_FAILURE_TOLERANCE", cfg.Completion.AutoFailureTolerance); err != nil {
		return nil, err
	}
	if cfg.Completion.RetestStride, err = envInt("FOREMAN_RETEST_STRIDE", cfg.Completion.RetestStride); err != nil {
		return nil, err
	}
	if cfg.Events.SubscriberBuffer, err = envInt("FOREMAN_EVENT_BUFFER", cfg.Events.SubscriberBuffer); err != nil {
		return nil, err
	}
	if v := os.Getenv("FOREMAN_CRITICAL_EPIC_KEYWORDS"); v != "" {
		keywords := strings.Split(v, ",")
		for i := range keywords {
			keywords[i] = strings.TrimSpace(keywords[i])
		}
		cfg.Completion.CriticalEpicKeywords = keywords
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.HTTP.Port = v
	}

	return cfg, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
