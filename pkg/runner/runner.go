// Package runner defines the capability contract for the agent driver that
// executes sessions. The orchestrator mediates all store writes from the
// events a run emits; a runner never touches the store itself.
package runner

import (
	"context"

	"github.com/buildforge/foreman/pkg/models"
)

// Runner executes one session and reports what happened through a Run.
type Runner interface {
	// RunInit plans the roadmap for a project from its spec. The returned
	// Run's event stream carries the planned epics, tasks, and tests.
	RunInit(ctx context.Context, req InitRequest) *Run

	// RunCoding executes one unit of work: a single task, or an epic-test
	// verification pass.
	RunCoding(ctx context.Context, req CodingRequest) *Run
}

// InitRequest describes an initializer session.
type InitRequest struct {
	Project *models.Project
	Spec    []byte
	Model   string
	Sandbox models.SandboxType
}

// CodingRequest describes a coding session directed at one work item.
type CodingRequest struct {
	Project *models.Project
	Work    *models.WorkItem
	Model   string
	Sandbox models.SandboxType
}

// Status is the terminal classification of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Result is the terminal outcome of a run, valid once the event stream has
// closed.
type Result struct {
	Status  Status
	Metrics models.SessionMetrics
	Err     error
}

// Run is one in-flight session execution. The contract: the events channel
// is closed exactly when the result has been set, so a consumer that drains
// Events() to closure may read Result() without further synchronization.
type Run struct {
	events chan Event
	result Result
}

// NewRun creates a run whose events channel holds up to buffer events.
// Runner implementations emit via Emit and must call Finish exactly once.
func NewRun(buffer int) *Run {
	if buffer <= 0 {
		buffer = 16
	}
	return &Run{events: make(chan Event, buffer)}
}

// Events returns the run's event stream. It is closed when the run ends.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Result returns the terminal outcome. Only valid after Events() closes.
func (r *Run) Result() Result {
	return r.result
}

// Emit delivers an event, giving up if the context ends first. Reports
// whether the event was delivered.
func (r *Run) Emit(ctx context.Context, ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish sets the result and closes the event stream.
func (r *Run) Finish(res Result) {
	r.result = res
	close(r.events)
}

// Event is the tagged union a runner emits while a session executes.
// External IDs are the runner's own identifiers; the scheduler maps them to
// store rows while ingesting an init stream.
type Event interface {
	isRunnerEvent()
}

// ToolUse reports one tool invocation.
type ToolUse struct {
	ToolName string
}

// Message carries agent output text.
type Message struct {
	Text string
}

// EpicPlanned announces a roadmap epic during initialization.
type EpicPlanned struct {
	ExternalID  string
	Name        string
	Description string
	Priority    int
}

// TaskPlanned announces a task under a previously planned epic.
type TaskPlanned struct {
	ExternalID     string
	ExternalEpicID string
	Priority       int
	Action         string
	Description    string
}

// TestPlanned announces a task-level test under a previously planned task.
type TestPlanned struct {
	ExternalID      string
	ExternalTaskID  string
	Category        string
	Requirements    string
	SuccessCriteria string
	Steps           string
}

// EpicTestPlanned announces an integration test under a previously planned
// epic. DependsOnTasks references external task IDs.
type EpicTestPlanned struct {
	ExternalID     string
	ExternalEpicID string
	Name           string
	Description    string
	DependsOnTasks []string
}

// TestResult reports a task-level test execution. TestID is a store row ID:
// coding sessions operate on the persisted roadmap.
type TestResult struct {
	TestID     string
	Passes     bool
	Notes      string
	Error      string
	DurationMS int64
}

// EpicTestResult reports an epic-test execution during a verification pass.
type EpicTestResult struct {
	EpicTestID string
	Result     string
	Output     string
}

// TaskCompleted claims a task is finished. The completion gate decides
// whether the claim is accepted.
type TaskCompleted struct {
	TaskID string
}

// Progress is an advisory hint that the session is alive and advancing.
type Progress struct {
	Note string
}

func (ToolUse) isRunnerEvent()         {}
func (Message) isRunnerEvent()         {}
func (EpicPlanned) isRunnerEvent()     {}
func (TaskPlanned) isRunnerEvent()     {}
func (TestPlanned) isRunnerEvent()     {}
func (EpicTestPlanned) isRunnerEvent() {}
func (TestResult) isRunnerEvent()      {}
func (EpicTestResult) isRunnerEvent()  {}
func (TaskCompleted) isRunnerEvent()   {}
func (Progress) isRunnerEvent()        {}
