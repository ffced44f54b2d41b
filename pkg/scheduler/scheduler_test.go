package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/foreman/pkg/config"
	"github.com/buildforge/foreman/pkg/events"
	"github.com/buildforge/foreman/pkg/models"
	"github.com/buildforge/foreman/pkg/registry"
	"github.com/buildforge/foreman/pkg/runner"
	"github.com/buildforge/foreman/pkg/scheduler"
	"github.com/buildforge/foreman/pkg/store"
	dbtest "github.com/buildforge/foreman/test/database"
)

type env struct {
	store *store.Store
	bus   *events.Bus
	reg   *registry.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &env{
		store: store.New(dbtest.Setup(t), config.DefaultCompletionConfig(), logger),
		bus:   events.NewBus(256),
		reg:   registry.New(logger),
	}
}

func (e *env) scheduler(t *testing.T, r runner.Runner, cfg config.SchedulerConfig) *scheduler.Scheduler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return scheduler.New(e.store, e.bus, e.reg, r, cfg, logger)
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		CancelGrace:       300 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}

func (e *env) seedProject(t *testing.T, name string, mode models.EpicTestingMode) *models.Project {
	t.Helper()
	p, err := e.store.CreateProject(context.Background(), store.CreateProjectParams{
		Name: name, Spec: []byte("build it"), EpicTestingMode: mode,
	})
	require.NoError(t, err)
	return p
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunInit_IngestsRoadmapAndInitializes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seedProject(t, "p1", models.ModeStrict)

	r := &runner.ScriptedRunner{
		Init: runner.Script{
			Events: []runner.Event{
				runner.Message{Text: "planning"},
				runner.EpicPlanned{ExternalID: "e1", Name: "storage", Priority: 1},
				runner.TaskPlanned{ExternalID: "t1", ExternalEpicID: "e1", Priority: 1, Action: "schema"},
				runner.TestPlanned{ExternalID: "te1", ExternalTaskID: "t1", Category: "functional"},
				runner.EpicTestPlanned{ExternalID: "et1", ExternalEpicID: "e1", Name: "integration", DependsOnTasks: []string{"t1"}},
			},
			Result: runner.Result{Status: runner.StatusCompleted},
		},
	}
	sched := e.scheduler(t, r, testSchedulerConfig())

	sub := e.bus.Subscribe(p.ID)
	defer sub.Close()

	claim, err := e.reg.TryClaim(p.ID)
	require.NoError(t, err)
	sess, err := e.store.RecordSession(ctx, store.RecordSessionParams{
		ProjectID: p.ID, Type: models.SessionInitializer, Model: "planner-model",
	})
	require.NoError(t, err)
	sched.RunInit(ctx, p, claim, sess)

	got, err := e.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Initialized)

	epics, err := e.store.ListEpics(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, epics, 1)

	epicTests, err := e.store.ListEpicTests(ctx, epics[0].ID)
	require.NoError(t, err)
	require.Len(t, epicTests, 1)
	assert.Len(t, epicTests[0].DependsOnTasks, 1, "external task refs mapped to store IDs")

	sessions, err := e.store.ListSessions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionCompleted, sessions[0].Status)
	assert.Equal(t, models.SessionInitializer, sessions[0].Type)

	assert.Nil(t, e.reg.Lookup(p.ID), "slot released after the session")

	var sawStarted, sawComplete bool
	timeout := time.After(5 * time.Second)
	for !sawComplete {
		select {
		case ev := <-sub.C():
			switch ev.EventType() {
			case events.TypeSessionStarted:
				sawStarted = true
			case events.TypeSessionComplete:
				sawComplete = true
			}
		case <-timeout:
			t.Fatal("terminal event never broadcast")
		}
	}
	assert.True(t, sawStarted)
}

// codingRunner builds a runner whose coding sessions pass every test on the
// presented task and claim it complete, and pass every epic-test on a
// verification pass.
func (e *env) codingRunner(t *testing.T) *runner.ScriptedRunner {
	t.Helper()
	return &runner.ScriptedRunner{
		Coding: func(req runner.CodingRequest) runner.Script {
			var evs []runner.Event
			switch req.Work.Kind {
			case models.WorkTask:
				tests, err := e.store.ListTests(context.Background(), req.Work.Task.ID)
				require.NoError(t, err)
				for _, test := range tests {
					evs = append(evs, runner.TestResult{TestID: test.ID, Passes: true})
				}
				evs = append(evs, runner.TaskCompleted{TaskID: req.Work.Task.ID})
			case models.WorkEpicTests:
				for _, et := range req.Work.EpicTests {
					evs = append(evs, runner.EpicTestResult{EpicTestID: et.ID, Result: models.EpicTestPassed})
				}
			}
			return runner.Script{Events: evs, Result: runner.Result{Status: runner.StatusCompleted}}
		},
	}
}

func TestRunCoding_DrivesRoadmapToExhaustion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seedProject(t, "p1", models.ModeStrict)

	epic, err := e.store.CreateEpic(ctx, store.CreateEpicParams{ProjectID: p.ID, Name: "core", Priority: 1})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		task, err := e.store.CreateTask(ctx, store.CreateTaskParams{
			EpicID: epic.ID, ProjectID: p.ID, Priority: i,
		})
		require.NoError(t, err)
		_, err = e.store.CreateTest(ctx, store.CreateTestParams{TaskID: task.ID})
		require.NoError(t, err)
	}
	et, err := e.store.CreateEpicTest(ctx, store.CreateEpicTestParams{EpicID: epic.ID, Name: "integration"})
	require.NoError(t, err)
	require.NoError(t, e.store.SetInitialized(ctx, p.ID, true))

	r := e.codingRunner(t)
	sched := e.scheduler(t, r, testSchedulerConfig())

	sub := e.bus.Subscribe(p.ID)
	defer sub.Close()

	claim, err := e.reg.TryClaim(p.ID)
	require.NoError(t, err)
	sched.RunCoding(ctx, p, claim, "coder-model", 0)

	// Two task sessions plus one verification session.
	assert.Equal(t, 3, r.CodingCalls())

	got, err := e.store.GetEpic(ctx, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EpicCompleted, got.Status)

	tests, err := e.store.ListEpicTests(ctx, epic.ID)
	require.NoError(t, err)
	require.NotNil(t, tests[0].LastResult)
	assert.Equal(t, models.EpicTestPassed, *tests[0].LastResult)
	_ = et

	sessions, err := e.store.ListSessions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	for _, sess := range sessions {
		assert.Equal(t, models.SessionCompleted, sess.Status)
	}
	assert.Nil(t, e.reg.Lookup(p.ID))

	item, err := e.store.NextTask(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, item, "roadmap exhausted")

	// The loop's last word is a project-level progress snapshot with every
	// counter full — the observable completion signal.
	var final *events.ProgressUpdate
	timeout := time.After(5 * time.Second)
	for final == nil {
		select {
		case ev := <-sub.C():
			if pu, ok := ev.(events.ProgressUpdate); ok && pu.SessionID == "" {
				final = &pu
			}
		case <-timeout:
			t.Fatal("completion snapshot never broadcast")
		}
	}
	assert.Equal(t, final.Progress.EpicsTotal, final.Progress.EpicsCompleted)
	assert.Equal(t, final.Progress.TasksTotal, final.Progress.TasksDone)
}

func TestRunCoding_StopBetweenIterations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seedProject(t, "p4", models.ModeStrict)

	epic, err := e.store.CreateEpic(ctx, store.CreateEpicParams{ProjectID: p.ID, Name: "core", Priority: 1})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := e.store.CreateTask(ctx, store.CreateTaskParams{
			EpicID: epic.ID, ProjectID: p.ID, Priority: i,
		})
		require.NoError(t, err)
	}
	require.NoError(t, e.store.SetInitialized(ctx, p.ID, true))

	started := make(chan struct{}, 8)
	var once sync.Once
	r := &runner.ScriptedRunner{
		Coding: func(req runner.CodingRequest) runner.Script {
			once.Do(func() { close(started) })
			return runner.Script{
				Events: []runner.Event{
					runner.Progress{},
					runner.TaskCompleted{TaskID: req.Work.Task.ID},
				},
				StepDelay: 50 * time.Millisecond,
				Result:    runner.Result{Status: runner.StatusCompleted},
			}
		},
	}
	sched := e.scheduler(t, r, testSchedulerConfig())

	claim, err := e.reg.TryClaim(p.ID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sched.RunCoding(ctx, p, claim, "coder-model", 0)
		close(done)
	}()

	<-started
	assert.True(t, e.reg.RequestStop(p.ID))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("coding loop never stopped")
	}

	// The in-flight session ran to its natural terminus; no further
	// session was recorded.
	assert.Equal(t, 1, r.CodingCalls())
	sessions, err := e.store.ListSessions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionCompleted, sessions[0].Status)
	assert.Nil(t, e.reg.Lookup(p.ID), "no active session after stop")
}

func TestRunCoding_EpicTestBlockFailsSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seedProject(t, "p2", models.ModeStrict)

	epic, err := e.store.CreateEpic(ctx, store.CreateEpicParams{ProjectID: p.ID, Name: "core", Priority: 1})
	require.NoError(t, err)
	task, err := e.store.CreateTask(ctx, store.CreateTaskParams{EpicID: epic.ID, ProjectID: p.ID})
	require.NoError(t, err)
	_, err = e.store.CreateEpicTest(ctx, store.CreateEpicTestParams{EpicID: epic.ID, Name: "integration"})
	require.NoError(t, err)
	require.NoError(t, e.store.SetInitialized(ctx, p.ID, true))

	r := &runner.ScriptedRunner{
		Coding: func(req runner.CodingRequest) runner.Script {
			var evs []runner.Event
			switch req.Work.Kind {
			case models.WorkTask:
				evs = append(evs, runner.TaskCompleted{TaskID: req.Work.Task.ID})
			case models.WorkEpicTests:
				for _, et := range req.Work.EpicTests {
					evs = append(evs, runner.EpicTestResult{
						EpicTestID: et.ID, Result: models.EpicTestFailed, Output: "broken",
					})
				}
			}
			return runner.Script{Events: evs, Result: runner.Result{Status: runner.StatusCompleted}}
		},
	}
	sched := e.scheduler(t, r, testSchedulerConfig())

	sub := e.bus.Subscribe(p.ID)
	defer sub.Close()

	claim, err := e.reg.TryClaim(p.ID)
	require.NoError(t, err)
	sched.RunCoding(ctx, p, claim, "coder-model", 0)

	// Task session, then the verification session that blocked.
	assert.Equal(t, 2, r.CodingCalls())

	got, err := e.store.GetEpic(ctx, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EpicBlocked, got.Status)

	interventions, err := e.store.ListInterventions(ctx, p.ID, false)
	require.NoError(t, err)
	require.Len(t, interventions, 1)

	sessions, err := e.store.ListSessions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, models.SessionFailed, sessions[0].Status, "verification session failed")
	require.NotNil(t, sessions[0].Error)
	assert.Contains(t, *sessions[0].Error, events.CodeEpicTestBlocked)

	var blockedErr *events.SessionError
	timeout := time.After(5 * time.Second)
	for blockedErr == nil {
		select {
		case ev := <-sub.C():
			if se, ok := ev.(events.SessionError); ok && se.Code == events.CodeEpicTestBlocked {
				blockedErr = &se
			}
		case <-timeout:
			t.Fatal("epic_test_blocked error never broadcast")
		}
	}
	_ = task
}

func TestRunCoding_BlockedEpicHaltsUntilResolved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seedProject(t, "p2", models.ModeStrict)

	epic, err := e.store.CreateEpic(ctx, store.CreateEpicParams{ProjectID: p.ID, Name: "core", Priority: 1})
	require.NoError(t, err)
	task, err := e.store.CreateTask(ctx, store.CreateTaskParams{EpicID: epic.ID, ProjectID: p.ID})
	require.NoError(t, err)
	_, err = e.store.CreateEpicTest(ctx, store.CreateEpicTestParams{EpicID: epic.ID, Name: "integration"})
	require.NoError(t, err)

	// A later epic whose work must stay unreachable while the block holds.
	later, err := e.store.CreateEpic(ctx, store.CreateEpicParams{ProjectID: p.ID, Name: "polish", Priority: 2})
	require.NoError(t, err)
	_, err = e.store.CreateTask(ctx, store.CreateTaskParams{EpicID: later.ID, ProjectID: p.ID})
	require.NoError(t, err)
	require.NoError(t, e.store.SetInitialized(ctx, p.ID, true))

	// Epic-tests fail until the fault is "repaired" after the resolve.
	var repaired bool
	r := &runner.ScriptedRunner{
		Coding: func(req runner.CodingRequest) runner.Script {
			var evs []runner.Event
			switch req.Work.Kind {
			case models.WorkTask:
				evs = append(evs, runner.TaskCompleted{TaskID: req.Work.Task.ID})
			case models.WorkEpicTests:
				result := models.EpicTestFailed
				if repaired {
					result = models.EpicTestPassed
				}
				for _, et := range req.Work.EpicTests {
					evs = append(evs, runner.EpicTestResult{EpicTestID: et.ID, Result: result})
				}
			}
			return runner.Script{Events: evs, Result: runner.Result{Status: runner.StatusCompleted}}
		},
	}
	sched := e.scheduler(t, r, testSchedulerConfig())

	claim, err := e.reg.TryClaim(p.ID)
	require.NoError(t, err)
	sched.RunCoding(ctx, p, claim, "coder-model", 0)
	assert.Equal(t, 2, r.CodingCalls(), "task session, then the blocking verification")

	sub := e.bus.Subscribe(p.ID)
	defer sub.Close()

	// Starting again while the intervention is unresolved re-selects the
	// blocked epic and blocks immediately: one failed session, no runner
	// invocation, no progress into the later epic.
	claim, err = e.reg.TryClaim(p.ID)
	require.NoError(t, err)
	sched.RunCoding(ctx, p, claim, "coder-model", 0)

	assert.Equal(t, 2, r.CodingCalls(), "runner not consulted for a blocked epic")
	sessions, err := e.store.ListSessions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, models.SessionFailed, sessions[0].Status)
	require.NotNil(t, sessions[0].Error)
	assert.Contains(t, *sessions[0].Error, events.CodeEpicTestBlocked)

	laterTask, err := e.store.GetEpic(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EpicPending, laterTask.Status, "later epic untouched")

	var blocked *events.SessionError
	timeout := time.After(5 * time.Second)
	for blocked == nil {
		select {
		case ev := <-sub.C():
			if se, ok := ev.(events.SessionError); ok && se.Code == events.CodeEpicTestBlocked {
				blocked = &se
			}
		case <-timeout:
			t.Fatal("re-block never broadcast")
		}
	}

	// Resolving the intervention resumes the roadmap end to end.
	interventions, err := e.store.ListInterventions(ctx, p.ID, false)
	require.NoError(t, err)
	require.Len(t, interventions, 1)
	_, err = e.store.ResolveIntervention(ctx, interventions[0].ID)
	require.NoError(t, err)
	repaired = true

	claim, err = e.reg.TryClaim(p.ID)
	require.NoError(t, err)
	sched.RunCoding(ctx, p, claim, "coder-model", 0)

	got, err := e.store.GetEpic(ctx, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EpicCompleted, got.Status)
	item, err := e.store.NextTask(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, item, "roadmap exhausted after resume")
	_ = task
}

func TestRunCoding_CancelGraceDetach(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seedProject(t, "p1", models.ModeStrict)

	epic, err := e.store.CreateEpic(ctx, store.CreateEpicParams{ProjectID: p.ID, Name: "core", Priority: 1})
	require.NoError(t, err)
	_, err = e.store.CreateTask(ctx, store.CreateTaskParams{EpicID: epic.ID, ProjectID: p.ID})
	require.NoError(t, err)
	require.NoError(t, e.store.SetInitialized(ctx, p.ID, true))

	started := make(chan struct{})
	var once sync.Once
	r := &runner.ScriptedRunner{
		Coding: func(req runner.CodingRequest) runner.Script {
			once.Do(func() { close(started) })
			// Deaf to cancellation and slower than the grace period.
			return runner.Script{
				Events:       []runner.Event{runner.Progress{}, runner.Progress{}, runner.Progress{}},
				StepDelay:    400 * time.Millisecond,
				IgnoreCancel: true,
				Result:       runner.Result{Status: runner.StatusCompleted},
			}
		},
	}
	sched := e.scheduler(t, r, testSchedulerConfig())

	claim, err := e.reg.TryClaim(p.ID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sched.RunCoding(ctx, p, claim, "coder-model", 0)
		close(done)
	}()

	<-started
	waitFor(t, func() bool { return e.reg.Cancel(p.ID) }, "cancel handle never attached")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler never detached from the deaf runner")
	}

	sessions, err := e.store.ListSessions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionFailed, sessions[0].Status)
	require.NotNil(t, sessions[0].Error)
	assert.Contains(t, *sessions[0].Error, events.CodeCancelTimeout)
	assert.Nil(t, e.reg.Lookup(p.ID))
}

func TestRunCoding_CancelledSessionEndsLoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seedProject(t, "p1", models.ModeStrict)

	epic, err := e.store.CreateEpic(ctx, store.CreateEpicParams{ProjectID: p.ID, Name: "core", Priority: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := e.store.CreateTask(ctx, store.CreateTaskParams{EpicID: epic.ID, ProjectID: p.ID, Priority: i})
		require.NoError(t, err)
	}
	require.NoError(t, e.store.SetInitialized(ctx, p.ID, true))

	started := make(chan struct{})
	var once sync.Once
	r := &runner.ScriptedRunner{
		Coding: func(req runner.CodingRequest) runner.Script {
			once.Do(func() { close(started) })
			return runner.Script{
				Events:    []runner.Event{runner.Progress{}, runner.Progress{}, runner.Progress{}},
				StepDelay: 100 * time.Millisecond,
				Result:    runner.Result{Status: runner.StatusCompleted},
			}
		},
	}
	sched := e.scheduler(t, r, testSchedulerConfig())

	claim, err := e.reg.TryClaim(p.ID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sched.RunCoding(ctx, p, claim, "coder-model", 0)
		close(done)
	}()

	<-started
	waitFor(t, func() bool { return e.reg.Cancel(p.ID) }, "cancel handle never attached")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("coding loop never ended after cancel")
	}

	assert.Equal(t, 1, r.CodingCalls(), "no session after the cancelled one")
	sessions, err := e.store.ListSessions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionCancelled, sessions[0].Status)
}
