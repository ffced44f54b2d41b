// Package events provides per-project, in-order fan-out of progress events
// to live subscribers.
//
// Delivery contract:
//   - Events for a project reach each subscriber in the order they were
//     published.
//   - Subscribers are independent; a slow subscriber never blocks the
//     publisher or other subscribers.
//   - Each subscriber has a bounded buffer. On overflow the oldest
//     non-terminal buffered event is dropped and a synthetic Lagged event
//     marks the gap. Terminal events are never dropped.
//   - No history: a fresh subscriber receives only subsequent events.
package events

import (
	"time"

	"github.com/buildforge/foreman/pkg/models"
)

// Event type names, used as the "type" discriminator on the wire.
const (
	TypeSessionStarted   = "session.started"
	TypeToolUse          = "session.tool_use"
	TypeAssistantMessage = "session.message"
	TypeProgressUpdate   = "project.progress"
	TypeSessionComplete  = "session.complete"
	TypeSessionError     = "session.error"
	TypeLagged           = "subscription.lagged"
)

// Stable error codes carried by SessionError events.
const (
	CodeStale           = "stale"
	CodeEpicTestBlocked = "epic_test_blocked"
	CodeCancelTimeout   = "cancel_timeout"
	CodeRunnerFailed    = "runner_failed"
	CodePanic           = "panic"
)

// Event is the tagged union delivered to subscribers.
type Event interface {
	EventType() string
	// Terminal events mark the end of a session and are never dropped by
	// the overflow policy.
	Terminal() bool
}

// BaseEvent carries the fields common to all session events.
type BaseEvent struct {
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBase stamps a base event with the current time.
func NewBase(projectID, sessionID string) BaseEvent {
	return BaseEvent{ProjectID: projectID, SessionID: sessionID, Timestamp: time.Now()}
}

// SessionStarted announces a new session.
type SessionStarted struct {
	BaseEvent
	SessionNumber int                `json:"session_number"`
	SessionType   models.SessionType `json:"session_type"`
}

func (SessionStarted) EventType() string { return TypeSessionStarted }
func (SessionStarted) Terminal() bool    { return false }

// ToolUse reports a tool invocation observed from the runner.
type ToolUse struct {
	BaseEvent
	ToolName        string `json:"tool_name"`
	CumulativeCount int    `json:"cumulative_count"`
}

func (ToolUse) EventType() string { return TypeToolUse }
func (ToolUse) Terminal() bool    { return false }

// AssistantMessage carries agent output text.
type AssistantMessage struct {
	BaseEvent
	Text string `json:"text"`
}

func (AssistantMessage) EventType() string { return TypeAssistantMessage }
func (AssistantMessage) Terminal() bool    { return false }

// ProgressUpdate carries a roadmap progress snapshot.
type ProgressUpdate struct {
	BaseEvent
	Progress models.ProgressSnapshot `json:"progress"`
}

func (ProgressUpdate) EventType() string { return TypeProgressUpdate }
func (ProgressUpdate) Terminal() bool    { return false }

// SessionComplete announces a session reaching a terminal status.
type SessionComplete struct {
	BaseEvent
	Status          models.SessionStatus `json:"status"`
	DurationSeconds float64              `json:"duration_seconds"`
}

func (SessionComplete) EventType() string { return TypeSessionComplete }
func (SessionComplete) Terminal() bool    { return true }

// SessionError announces a session failure with a stable error code.
type SessionError struct {
	BaseEvent
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func (SessionError) EventType() string { return TypeSessionError }
func (SessionError) Terminal() bool    { return true }

// Lagged is synthesized when a subscriber's buffer overflowed. Dropped is
// the number of events lost since the last delivery.
type Lagged struct {
	BaseEvent
	Dropped int `json:"dropped"`
}

func (Lagged) EventType() string { return TypeLagged }
func (Lagged) Terminal() bool    { return false }
