package models

import "time"

// EpicStatus is the lifecycle state of an epic.
type EpicStatus string

const (
	EpicPending    EpicStatus = "pending"
	EpicInProgress EpicStatus = "in_progress"
	EpicBlocked    EpicStatus = "blocked"
	EpicCompleted  EpicStatus = "completed"
)

// Epic groups related tasks and integration-level epic-tests. Epics are
// ordered within a project by (priority, id), lower priority first.
type Epic struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority"`
	Status      EpicStatus `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Task is a single unit of coding work within an epic. Marking a task done
// is refused while any attached test is not passing.
type Task struct {
	ID          string     `json:"id"`
	EpicID      string     `json:"epic_id"`
	ProjectID   string     `json:"project_id"`
	Priority    int        `json:"priority"`
	Action      string     `json:"action,omitempty"`
	Description string     `json:"description,omitempty"`
	Done        bool       `json:"done"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Test is a task-level verification. Identity is immutable once created;
// only execution metadata changes.
type Test struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	Category        string     `json:"category"`
	Requirements    string     `json:"requirements,omitempty"`
	SuccessCriteria string     `json:"success_criteria,omitempty"`
	Steps           string     `json:"steps,omitempty"`
	Passes          bool       `json:"passes"`
	LastResult      *string    `json:"last_result,omitempty"`
	ExecutionTimeMS *int64     `json:"execution_time_ms,omitempty"`
	RetryCount      int        `json:"retry_count"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Epic-test result values. A nil LastResult means the test has not run.
const (
	EpicTestPassed  = "passed"
	EpicTestFailed  = "failed"
	EpicTestSkipped = "skipped"
	EpicTestError   = "error"
)

// EpicTest is an integration-level test attached to an epic. All epic-tests
// must have passed before the epic can complete.
type EpicTest struct {
	ID             string         `json:"id"`
	EpicID         string         `json:"epic_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	LastResult     *string        `json:"last_result,omitempty"`
	DependsOnTasks []string       `json:"depends_on_tasks"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// EpicTestFailure is one appended entry in the epic-test failure log.
type EpicTestFailure struct {
	ID         int64     `json:"id"`
	EpicTestID string    `json:"epic_test_id"`
	SessionID  *string   `json:"session_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// EpicOutcome is the applied result of an epic gate evaluation.
type EpicOutcome struct {
	EpicID         string     `json:"epic_id"`
	Status         EpicStatus `json:"status"`
	FailingTestIDs []string   `json:"failing_test_ids,omitempty"`
	Reason         string     `json:"reason,omitempty"`

	// InterventionID is set when the gate blocked the epic.
	InterventionID string `json:"intervention_id,omitempty"`

	// RetestRecommended is advisory: completing this epic crossed the
	// configured retest stride.
	RetestRecommended bool `json:"retest_recommended,omitempty"`

	// CompletedEpics is the project-wide completed count after this
	// evaluation.
	CompletedEpics int `json:"completed_epics"`
}

// WorkItemKind discriminates the variants of WorkItem.
type WorkItemKind string

const (
	// WorkTask directs the runner at a single open task.
	WorkTask WorkItemKind = "task"
	// WorkEpicTests directs the runner to verify an epic whose tasks are
	// all done but whose epic-tests have not all passed.
	WorkEpicTests WorkItemKind = "epic_tests"
)

// WorkItem is the next unit of work selected by the store. A nil WorkItem
// means the roadmap is exhausted.
type WorkItem struct {
	Kind      WorkItemKind `json:"kind"`
	Epic      *Epic        `json:"epic"`
	Task      *Task        `json:"task,omitempty"`
	EpicTests []EpicTest   `json:"epic_tests,omitempty"`
}
