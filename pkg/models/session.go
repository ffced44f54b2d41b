package models

import "time"

// SessionType discriminates initializer sessions (roadmap planning) from
// coding sessions.
type SessionType string

const (
	SessionInitializer SessionType = "initializer"
	SessionCoding      SessionType = "coding"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// SessionMetrics aggregates per-session resource usage.
type SessionMetrics struct {
	ToolUses        int     `json:"tool_uses"`
	TokensIn        int64   `json:"tokens_in"`
	TokensOut       int64   `json:"tokens_out"`
	CostUSD         float64 `json:"cost_usd"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Session is one bounded execution by the agent driver for a project.
// At most one session per project is in {created, running} at any instant;
// session numbers are strictly increasing per project.
type Session struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	SessionNumber int            `json:"session_number"`
	Type          SessionType    `json:"type"`
	Status        SessionStatus  `json:"status"`
	Model         string         `json:"model,omitempty"`
	SandboxType   SandboxType    `json:"sandbox_type"`
	Error         *string        `json:"error,omitempty"`
	Metrics       SessionMetrics `json:"metrics"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	HeartbeatAt   time.Time      `json:"heartbeat_at"`
}

// Intervention records an epic that blocked and requires an explicit
// resume before the coding loop can make progress on it again.
type Intervention struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	EpicID         string     `json:"epic_id"`
	SessionID      *string    `json:"session_id,omitempty"`
	FailingTestIDs []string   `json:"failing_test_ids"`
	FailedCount    int        `json:"failed_count"`
	Reason         string     `json:"reason,omitempty"`
	Resolved       bool       `json:"resolved"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Checkpoint kinds written by the scheduler and the completion gate.
const (
	CheckpointTaskCompleted        = "task_completed"
	CheckpointEpicCompleted        = "epic_completed"
	CheckpointIntervention         = "intervention"
	CheckpointRetestRecommendation = "retest_recommendation"
)

// Checkpoint is an advisory durable snapshot associated with a session.
// The authoritative state is always the store rows; checkpoints exist for
// diagnosis and post-hoc inspection.
type Checkpoint struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	ProjectID string         `json:"project_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
