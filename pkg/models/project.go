// Package models defines the domain records shared across the store,
// orchestrator, and API layers.
package models

import (
	"regexp"
	"time"
)

// EpicTestingMode controls how epic-test failures are handled at epic
// completion time.
type EpicTestingMode string

const (
	// ModeStrict blocks the epic on any failed epic-test.
	ModeStrict EpicTestingMode = "strict"
	// ModeAutonomous tolerates a bounded number of failures on
	// non-critical epics and lets the coding loop continue.
	ModeAutonomous EpicTestingMode = "autonomous"
)

// SandboxType selects where the agent driver executes sessions.
type SandboxType string

const (
	SandboxDocker SandboxType = "docker"
	SandboxLocal  SandboxType = "local"
)

// ProjectNamePattern is the allowed shape of project names.
var ProjectNamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Project is a unit of work keyed by a unique name, owning a roadmap and
// its sessions. A project exists iff its spec has been persisted.
type Project struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Spec             []byte          `json:"-"`
	Initialized      bool            `json:"initialized"`
	EpicTestingMode  EpicTestingMode `json:"epic_testing_mode"`
	SandboxType      SandboxType     `json:"sandbox_type"`
	InitializerModel string          `json:"initializer_model,omitempty"`
	CodingModel      string          `json:"coding_model,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ProgressSnapshot is a point-in-time view of roadmap progress. Counters
// are not strongly consistent with in-flight mutations.
type ProgressSnapshot struct {
	EpicsTotal      int `json:"epics_total"`
	EpicsCompleted  int `json:"epics_completed"`
	EpicsBlocked    int `json:"epics_blocked"`
	TasksTotal      int `json:"tasks_total"`
	TasksDone       int `json:"tasks_done"`
	TestsTotal      int `json:"tests_total"`
	TestsPassing    int `json:"tests_passing"`
	EpicTestsTotal  int `json:"epic_tests_total"`
	EpicTestsPassed int `json:"epic_tests_passed"`
}

// DeleteCounts reports the rows removed by a cascading project delete.
type DeleteCounts struct {
	Epics    int `json:"epics_deleted"`
	Tasks    int `json:"tasks_deleted"`
	Tests    int `json:"tests_deleted"`
	Sessions int `json:"sessions_deleted"`
}

// PurgeCounts reports the roadmap rows removed by CancelInitialize.
type PurgeCounts struct {
	Epics int `json:"epics_deleted"`
	Tasks int `json:"tasks_deleted"`
	Tests int `json:"tests_deleted"`
}
