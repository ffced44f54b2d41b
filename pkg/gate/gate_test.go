package gate

import (
	"fmt"
	"testing"

	"github.com/buildforge/foreman/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func doneTasks(n int) []models.Task {
	tasks := make([]models.Task, n)
	for i := range tasks {
		tasks[i] = models.Task{ID: fmt.Sprintf("task-%d", i), Done: true}
	}
	return tasks
}

func epicTests(passed, failed, notRun int) []models.EpicTest {
	var tests []models.EpicTest
	for i := 0; i < passed; i++ {
		tests = append(tests, models.EpicTest{ID: fmt.Sprintf("passed-%d", i), LastResult: strPtr(models.EpicTestPassed)})
	}
	for i := 0; i < failed; i++ {
		tests = append(tests, models.EpicTest{ID: fmt.Sprintf("failed-%d", i), LastResult: strPtr(models.EpicTestFailed)})
	}
	for i := 0; i < notRun; i++ {
		tests = append(tests, models.EpicTest{ID: fmt.Sprintf("notrun-%d", i)})
	}
	return tests
}

func TestTaskCompletable(t *testing.T) {
	ok, failing := TaskCompletable(nil)
	assert.True(t, ok, "task without tests is completable")
	assert.Empty(t, failing)

	ok, failing = TaskCompletable([]models.Test{
		{ID: "t1", Passes: true},
		{ID: "t2", Passes: false},
		{ID: "t3", Passes: false},
	})
	assert.False(t, ok)
	assert.Equal(t, []string{"t2", "t3"}, failing)
}

func TestEvaluateEpic_OpenTasksStayInProgress(t *testing.T) {
	out := EvaluateEpic(EpicInput{
		EpicName: "storage layer",
		Mode:     models.ModeStrict,
		Tasks:    []models.Task{{ID: "t1", Done: true}, {ID: "t2", Done: false}},
		Tests:    epicTests(1, 0, 0),
	})
	assert.Equal(t, DecisionInProgress, out.Decision)
}

func TestEvaluateEpic_StrictModeBlocksOnAnyFailure(t *testing.T) {
	out := EvaluateEpic(EpicInput{
		EpicName: "reporting",
		Mode:     models.ModeStrict,
		Tasks:    doneTasks(3),
		Tests:    epicTests(1, 1, 0),
	})
	require.Equal(t, DecisionBlocked, out.Decision)
	assert.Equal(t, []string{"failed-0"}, out.FailingTestIDs)
}

func TestEvaluateEpic_AutonomousToleratesFailures(t *testing.T) {
	in := EpicInput{
		EpicName:  "reporting",
		Mode:      models.ModeAutonomous,
		Tasks:     doneTasks(2),
		Tests:     epicTests(3, 2, 0),
		Tolerance: 3,
	}
	out := EvaluateEpic(in)
	assert.Equal(t, DecisionInProgress, out.Decision, "2 failures within tolerance 3")

	in.Tests = epicTests(1, 4, 0)
	out = EvaluateEpic(in)
	require.Equal(t, DecisionBlocked, out.Decision, "4 failures exceed tolerance 3")
	assert.Len(t, out.FailingTestIDs, 4)
}

func TestEvaluateEpic_CriticalEpicAlwaysBlocks(t *testing.T) {
	out := EvaluateEpic(EpicInput{
		EpicName:         "User Authentication Flow",
		Mode:             models.ModeAutonomous,
		Tasks:            doneTasks(1),
		Tests:            epicTests(4, 1, 0),
		Tolerance:        3,
		CriticalKeywords: []string{"authentication", "database", "payment", "security", "core api"},
	})
	assert.Equal(t, DecisionBlocked, out.Decision)
}

func TestEvaluateEpic_NotRunTestsPreventCompletion(t *testing.T) {
	out := EvaluateEpic(EpicInput{
		EpicName: "reporting",
		Mode:     models.ModeAutonomous,
		Tasks:    doneTasks(2),
		Tests:    epicTests(2, 0, 1),
	})
	assert.Equal(t, DecisionInProgress, out.Decision)
	assert.Empty(t, out.FailingTestIDs)
}

func TestEvaluateEpic_SkippedCountsAsNotRun(t *testing.T) {
	out := EvaluateEpic(EpicInput{
		EpicName: "reporting",
		Mode:     models.ModeStrict,
		Tasks:    doneTasks(1),
		Tests: []models.EpicTest{
			{ID: "et1", LastResult: strPtr(models.EpicTestPassed)},
			{ID: "et2", LastResult: strPtr(models.EpicTestSkipped)},
		},
	})
	assert.Equal(t, DecisionInProgress, out.Decision, "skipped is not a failure, but prevents completion")
}

func TestEvaluateEpic_AllPassedCompletes(t *testing.T) {
	out := EvaluateEpic(EpicInput{
		EpicName: "reporting",
		Mode:     models.ModeStrict,
		Tasks:    doneTasks(3),
		Tests:    epicTests(2, 0, 0),
	})
	assert.Equal(t, DecisionCompleted, out.Decision)
}

func TestEvaluateEpic_NoTestsCompletes(t *testing.T) {
	out := EvaluateEpic(EpicInput{
		EpicName: "docs",
		Mode:     models.ModeStrict,
		Tasks:    doneTasks(1),
	})
	assert.Equal(t, DecisionCompleted, out.Decision)
}

func TestIsCriticalEpic(t *testing.T) {
	keywords := []string{"authentication", "database", "payment", "security", "core api"}

	assert.True(t, IsCriticalEpic("Payment Processing", keywords))
	assert.True(t, IsCriticalEpic("CORE API surface", keywords))
	assert.True(t, IsCriticalEpic("database-migrations", keywords))
	assert.False(t, IsCriticalEpic("frontend polish", keywords))
	assert.False(t, IsCriticalEpic("", keywords))
}

func TestRetestDue(t *testing.T) {
	assert.False(t, RetestDue(1, 2))
	assert.True(t, RetestDue(2, 2))
	assert.False(t, RetestDue(3, 2))
	assert.True(t, RetestDue(4, 2))
	assert.False(t, RetestDue(4, 0), "stride 0 disables recommendations")
}
