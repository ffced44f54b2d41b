// Package gate implements the completion policy: when a task may be marked
// done, when an epic completes, and when it must block for intervention.
//
// All functions are pure over rows already loaded by the caller; the store
// invokes them inside the transaction that applies their outcome, so the
// decision never depends on event ordering.
package gate

import (
	"strings"

	"github.com/buildforge/foreman/pkg/models"
)

// Decision discriminates the epic gate outcome.
type Decision string

const (
	// DecisionCompleted means every task is done and every epic-test passed.
	DecisionCompleted Decision = "completed"
	// DecisionInProgress means the epic cannot complete yet but work may
	// continue (tests not run, or tolerated failures in autonomous mode).
	DecisionInProgress Decision = "in_progress"
	// DecisionBlocked means the epic requires intervention before any
	// further progress.
	DecisionBlocked Decision = "blocked"
)

// EpicInput is everything the epic gate looks at.
type EpicInput struct {
	EpicName string
	Mode     models.EpicTestingMode
	Tasks    []models.Task
	Tests    []models.EpicTest

	Tolerance        int
	CriticalKeywords []string
}

// Outcome is the epic gate result. FailingTestIDs is populated only for
// DecisionBlocked.
type Outcome struct {
	Decision       Decision
	FailingTestIDs []string
	Reason         string
}

// TaskCompletable reports whether a task may be marked done given its
// attached tests, returning the IDs of tests that are not passing.
func TaskCompletable(tests []models.Test) (bool, []string) {
	var failing []string
	for _, t := range tests {
		if !t.Passes {
			failing = append(failing, t.ID)
		}
	}
	return len(failing) == 0, failing
}

// EvaluateEpic classifies an epic after its last pending task closed (or
// after an epic-test verification pass).
func EvaluateEpic(in EpicInput) Outcome {
	for _, t := range in.Tasks {
		if !t.Done {
			return Outcome{Decision: DecisionInProgress, Reason: "tasks remaining"}
		}
	}

	var failed, notRun []string
	for _, et := range in.Tests {
		switch {
		case et.LastResult == nil:
			notRun = append(notRun, et.ID)
		case *et.LastResult == models.EpicTestPassed:
		default:
			// failed, skipped, and error all count as not passed; only
			// explicit failures drive the blocking rules.
			if *et.LastResult == models.EpicTestFailed {
				failed = append(failed, et.ID)
			} else {
				notRun = append(notRun, et.ID)
			}
		}
	}

	if len(failed) > 0 {
		if in.Mode == models.ModeStrict {
			return Outcome{
				Decision:       DecisionBlocked,
				FailingTestIDs: failed,
				Reason:         "strict mode: epic-test failures",
			}
		}
		if IsCriticalEpic(in.EpicName, in.CriticalKeywords) {
			return Outcome{
				Decision:       DecisionBlocked,
				FailingTestIDs: failed,
				Reason:         "critical epic with failing epic-tests",
			}
		}
		if len(failed) > in.Tolerance {
			return Outcome{
				Decision:       DecisionBlocked,
				FailingTestIDs: failed,
				Reason:         "failure count exceeds tolerance",
			}
		}
		return Outcome{Decision: DecisionInProgress, Reason: "tolerated epic-test failures"}
	}

	if len(notRun) > 0 {
		return Outcome{Decision: DecisionInProgress, Reason: "epic-tests not run"}
	}

	return Outcome{Decision: DecisionCompleted}
}

// IsCriticalEpic reports whether the epic name contains any configured
// critical keyword, case-insensitively.
func IsCriticalEpic(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// RetestDue reports whether completing an epic crossed the advisory retest
// stride. completedTotal is the project-wide completed epic count including
// the one just completed.
func RetestDue(completedTotal, stride int) bool {
	if stride <= 0 {
		return false
	}
	return completedTotal%stride == 0
}
