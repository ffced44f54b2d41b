// Package scheduler runs sessions: a single initializer iteration, or the
// auto-continue coding loop. Each loop owns one registry slot for its
// lifetime and is isolated so a panic tears down only its own session.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildforge/foreman/pkg/config"
	"github.com/buildforge/foreman/pkg/events"
	"github.com/buildforge/foreman/pkg/models"
	"github.com/buildforge/foreman/pkg/registry"
	"github.com/buildforge/foreman/pkg/runner"
	"github.com/buildforge/foreman/pkg/store"
)

// Scheduler executes sessions for projects. It is safe for concurrent use;
// per-project exclusivity comes from the registry claim the caller passes
// in.
type Scheduler struct {
	store    *store.Store
	bus      *events.Bus
	registry *registry.Registry
	runner   runner.Runner
	cfg      config.SchedulerConfig
	logger   *slog.Logger
}

// New creates a scheduler.
func New(st *store.Store, bus *events.Bus, reg *registry.Registry, run runner.Runner, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		bus:      bus,
		registry: reg,
		runner:   run,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// RunInit drives a pre-recorded initializer session to a terminal state and
// releases the claim when done. On success the project is marked
// initialized. Blocks until the session ends; callers run it in its own
// goroutine.
func (s *Scheduler) RunInit(ctx context.Context, project *models.Project, claim *registry.ActiveSession, sess *models.Session) {
	logger := s.logger.With("project_id", project.ID,
		"session_type", models.SessionInitializer, "session_id", sess.ID)
	defer s.registry.Release(project.ID, claim)
	defer s.recoverPanic(project.ID, logger)

	model := sess.Model

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.registry.SetCurrent(project.ID, sess.ID, cancel)

	s.markRunning(ctx, sess, logger)

	spec, err := s.store.GetProjectSpec(ctx, project.ID)
	if err != nil {
		s.failSession(ctx, sess, events.CodeRunnerFailed, err.Error(), logger)
		return
	}

	run := s.runner.RunInit(sessionCtx, runner.InitRequest{
		Project: project,
		Spec:    spec,
		Model:   model,
		Sandbox: project.SandboxType,
	})

	ingest := newInitIngestor(s.store, project.ID)
	state := &sessionState{sess: sess, started: time.Now()}
	detached := s.consume(ctx, sessionCtx, run, state, logger, func(ev runner.Event) {
		s.handleCommonEvent(ctx, project.ID, state, ev)
		if err := ingest.apply(ctx, ev); err != nil {
			logger.Error("failed to ingest roadmap event", "error", err)
		}
	})
	if detached {
		s.detachSession(ctx, sess, logger)
		return
	}

	result := run.Result()
	if result.Status == runner.StatusCompleted {
		if err := s.store.SetInitialized(ctx, project.ID, true); err != nil {
			logger.Error("failed to mark project initialized", "error", err)
			s.failSession(ctx, sess, events.CodeRunnerFailed, err.Error(), logger)
			return
		}
	}
	s.finishSession(ctx, project.ID, state, result, logger)
}

// RunCoding executes coding sessions task-by-task until the roadmap is
// exhausted, the stop flag is observed, the iteration budget runs out, or a
// session ends blocked, failed, or cancelled. Releases the claim when done.
func (s *Scheduler) RunCoding(ctx context.Context, project *models.Project, claim *registry.ActiveSession, model string, maxIterations int) {
	logger := s.logger.With("project_id", project.ID, "session_type", models.SessionCoding)
	defer s.registry.Release(project.ID, claim)
	defer s.recoverPanic(project.ID, logger)

	for i := 0; maxIterations == 0 || i < maxIterations; i++ {
		if s.registry.StopRequested(project.ID) {
			logger.Info("stop requested, not starting another session", "iterations", i)
			return
		}

		item, err := s.store.NextTask(ctx, project.ID)
		if err != nil {
			logger.Error("failed to select next task", "error", err)
			return
		}
		if item == nil {
			// No project-complete flag exists; the final progress snapshot
			// (all counters full) is the observable completion signal.
			logger.Info("roadmap exhausted, project complete", "iterations", i)
			s.publishProgress(ctx, project.ID, "", logger)
			return
		}

		status := s.runCodingSession(ctx, project, item, model, logger)
		if status != models.SessionCompleted {
			return
		}
	}
}

// runCodingSession runs one coding session for one work item and returns
// its terminal status.
func (s *Scheduler) runCodingSession(ctx context.Context, project *models.Project, item *models.WorkItem, model string, logger *slog.Logger) models.SessionStatus {
	sess, err := s.store.RecordSession(ctx, store.RecordSessionParams{
		ProjectID:   project.ID,
		Type:        models.SessionCoding,
		Model:       model,
		SandboxType: project.SandboxType,
	})
	if err != nil {
		logger.Error("failed to record coding session", "error", err)
		return models.SessionFailed
	}
	logger = logger.With("session_id", sess.ID)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.registry.SetCurrent(project.ID, sess.ID, cancel)

	s.markRunning(ctx, sess, logger)

	state := &sessionState{sess: sess, started: time.Now()}

	// A blocked epic stays selected while its intervention is unresolved;
	// it blocks again immediately, without consulting the runner.
	if item.Kind == models.WorkEpicTests && item.Epic.Status == models.EpicBlocked {
		blockErr := blockedEpicError(item)
		logger.Info("epic still blocked, halting",
			"epic_id", item.Epic.ID, "failing_tests", len(blockErr.FailingTestIDs))
		s.failSessionWithMetrics(ctx, state, models.SessionMetrics{},
			events.CodeEpicTestBlocked, blockErr.Error(), logger)
		return models.SessionFailed
	}

	run := s.runner.RunCoding(sessionCtx, runner.CodingRequest{
		Project: project,
		Work:    item,
		Model:   model,
		Sandbox: project.SandboxType,
	})

	detached := s.consume(ctx, sessionCtx, run, state, logger, func(ev runner.Event) {
		s.handleCommonEvent(ctx, project.ID, state, ev)
		s.handleCodingEvent(ctx, project.ID, state, ev, logger)
	})
	if detached {
		s.detachSession(ctx, sess, logger)
		return models.SessionFailed
	}

	result := run.Result()

	// After an epic-test verification pass, re-run the gate so results
	// recorded during the session settle the epic.
	if item.Kind == models.WorkEpicTests && result.Status == runner.StatusCompleted && state.blocked == nil {
		outcome, err := s.store.CheckEpicCompletion(ctx, item.Epic.ID, sess.ID)
		if err != nil {
			logger.Error("failed to evaluate epic after verification", "error", err, "epic_id", item.Epic.ID)
		} else {
			s.noteOutcome(ctx, project.ID, state, outcome, logger)
		}
	}

	if state.blocked != nil {
		blockErr := &store.EpicTestBlockedError{
			EpicID:         state.blocked.EpicID,
			FailingTestIDs: state.blocked.FailingTestIDs,
			Reason:         state.blocked.Reason,
		}
		s.failSessionWithMetrics(ctx, state, result.Metrics, events.CodeEpicTestBlocked, blockErr.Error(), logger)
		return models.SessionFailed
	}

	s.finishSession(ctx, project.ID, state, result, logger)
	return resultStatus(result)
}

// blockedEpicError describes a re-selected blocked epic as the typed gate
// error, with the epic-tests still short of passing.
func blockedEpicError(item *models.WorkItem) *store.EpicTestBlockedError {
	var failing []string
	for _, et := range item.EpicTests {
		if et.LastResult == nil || *et.LastResult != models.EpicTestPassed {
			failing = append(failing, et.ID)
		}
	}
	return &store.EpicTestBlockedError{
		EpicID:         item.Epic.ID,
		FailingTestIDs: failing,
		Reason:         "intervention unresolved",
	}
}

// sessionState accumulates per-session bookkeeping while events stream.
type sessionState struct {
	sess     *models.Session
	started  time.Time
	toolUses int
	blocked  *models.EpicOutcome
}

// consume drains the run's event stream, stamping heartbeats and applying
// each event via handle. When the session context is cancelled, the runner
// gets the cancel grace to terminate its stream; consume reports detached
// if the grace expired first.
func (s *Scheduler) consume(ctx, sessionCtx context.Context, run *runner.Run, state *sessionState, logger *slog.Logger, handle func(runner.Event)) bool {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var grace <-chan time.Time
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return false
			}
			if err := s.store.TouchSessionHeartbeat(ctx, state.sess.ID); err != nil {
				logger.Warn("failed to stamp heartbeat", "error", err)
			}
			handle(ev)

		case <-heartbeat.C:
			if err := s.store.TouchSessionHeartbeat(ctx, state.sess.ID); err != nil {
				logger.Warn("failed to stamp heartbeat", "error", err)
			}

		case <-sessionCtx.Done():
			if grace == nil {
				logger.Info("session cancelled, waiting for runner to terminate",
					"grace", s.cfg.CancelGrace)
				timer := time.NewTimer(s.cfg.CancelGrace)
				defer timer.Stop()
				grace = timer.C
				sessionCtx = context.Background() // stop re-selecting Done
			}

		case <-grace:
			logger.Warn("runner did not terminate within the cancel grace, detaching")
			return true
		}
	}
}

// handleCommonEvent covers the event kinds shared by init and coding
// sessions: tool uses, messages, and liveness hints.
func (s *Scheduler) handleCommonEvent(ctx context.Context, projectID string, state *sessionState, ev runner.Event) {
	switch e := ev.(type) {
	case runner.ToolUse:
		state.toolUses++
		s.bus.Publish(projectID, events.ToolUse{
			BaseEvent:       events.NewBase(projectID, state.sess.ID),
			ToolName:        e.ToolName,
			CumulativeCount: state.toolUses,
		})
	case runner.Message:
		s.bus.Publish(projectID, events.AssistantMessage{
			BaseEvent: events.NewBase(projectID, state.sess.ID),
			Text:      e.Text,
		})
	case runner.Progress:
		// Heartbeat already stamped by consume.
	}
}

// handleCodingEvent applies the stateful coding events through the store:
// test results, epic-test results, and task completion claims.
func (s *Scheduler) handleCodingEvent(ctx context.Context, projectID string, state *sessionState, ev runner.Event, logger *slog.Logger) {
	switch e := ev.(type) {
	case runner.TestResult:
		err := s.store.UpdateTestResult(ctx, store.UpdateTestResultParams{
			TestID:     e.TestID,
			Passes:     e.Passes,
			Notes:      e.Notes,
			Error:      e.Error,
			DurationMS: e.DurationMS,
		})
		if err != nil {
			logger.Error("failed to record test result", "error", err, "test_id", e.TestID)
		}

	case runner.EpicTestResult:
		err := s.store.RecordEpicTestResult(ctx, store.RecordEpicTestResultParams{
			EpicTestID: e.EpicTestID,
			SessionID:  state.sess.ID,
			Result:     e.Result,
			Output:     e.Output,
		})
		if err != nil {
			logger.Error("failed to record epic test result", "error", err, "epic_test_id", e.EpicTestID)
		}

	case runner.TaskCompleted:
		outcome, err := s.store.MarkTaskDone(ctx, e.TaskID, state.sess.ID)
		if err != nil {
			var notPassing *store.TestsNotPassingError
			if errors.As(err, &notPassing) {
				// The claim is refused, not fatal: the runner may fix the
				// tests and claim again within the same session.
				logger.Info("task completion refused",
					"task_id", e.TaskID, "failing_tests", len(notPassing.FailingTestIDs))
				return
			}
			logger.Error("failed to mark task done", "error", err, "task_id", e.TaskID)
			return
		}
		if _, err := s.store.RecordCheckpoint(ctx, state.sess.ID, projectID,
			models.CheckpointTaskCompleted, map[string]any{"task_id": e.TaskID}); err != nil {
			logger.Warn("failed to record checkpoint", "error", err)
		}
		if outcome != nil {
			s.noteOutcome(ctx, projectID, state, outcome, logger)
		}
		s.publishProgress(ctx, projectID, state.sess.ID, logger)
	}
}

// noteOutcome records checkpoints for an applied epic gate outcome and
// remembers a block so the session ends failed.
func (s *Scheduler) noteOutcome(ctx context.Context, projectID string, state *sessionState, outcome *models.EpicOutcome, logger *slog.Logger) {
	switch outcome.Status {
	case models.EpicCompleted:
		if _, err := s.store.RecordCheckpoint(ctx, state.sess.ID, projectID,
			models.CheckpointEpicCompleted, map[string]any{
				"epic_id":         outcome.EpicID,
				"completed_epics": outcome.CompletedEpics,
			}); err != nil {
			logger.Warn("failed to record checkpoint", "error", err)
		}
		if outcome.RetestRecommended {
			if _, err := s.store.RecordCheckpoint(ctx, state.sess.ID, projectID,
				models.CheckpointRetestRecommendation, map[string]any{
					"completed_epics": outcome.CompletedEpics,
				}); err != nil {
				logger.Warn("failed to record checkpoint", "error", err)
			}
		}

	case models.EpicBlocked:
		state.blocked = outcome
		if _, err := s.store.RecordCheckpoint(ctx, state.sess.ID, projectID,
			models.CheckpointIntervention, map[string]any{
				"epic_id":         outcome.EpicID,
				"intervention_id": outcome.InterventionID,
				"reason":          outcome.Reason,
			}); err != nil {
			logger.Warn("failed to record checkpoint", "error", err)
		}
	}
}

func (s *Scheduler) publishProgress(ctx context.Context, projectID, sessionID string, logger *slog.Logger) {
	snap, err := s.store.Progress(ctx, projectID)
	if err != nil {
		logger.Warn("failed to compute progress", "error", err)
		return
	}
	s.bus.Publish(projectID, events.ProgressUpdate{
		BaseEvent: events.NewBase(projectID, sessionID),
		Progress:  *snap,
	})
}

func (s *Scheduler) markRunning(ctx context.Context, sess *models.Session, logger *slog.Logger) {
	now := time.Now()
	status := models.SessionRunning
	if err := s.store.UpdateSession(ctx, sess.ID, store.SessionPatch{
		Status:    &status,
		StartedAt: &now,
	}); err != nil {
		logger.Error("failed to mark session running", "error", err)
	}
	s.bus.Publish(sess.ProjectID, events.SessionStarted{
		BaseEvent:     events.NewBase(sess.ProjectID, sess.ID),
		SessionNumber: sess.SessionNumber,
		SessionType:   sess.Type,
	})
}

// finishSession maps a runner result to a terminal session status, persists
// it with metrics, and broadcasts the terminal event.
func (s *Scheduler) finishSession(ctx context.Context, projectID string, state *sessionState, result runner.Result, logger *slog.Logger) {
	status := resultStatus(result)
	metrics := result.Metrics
	metrics.ToolUses = state.toolUses
	if metrics.DurationSeconds == 0 {
		metrics.DurationSeconds = time.Since(state.started).Seconds()
	}

	now := time.Now()
	patch := store.SessionPatch{Status: &status, EndedAt: &now, Metrics: &metrics}
	if result.Err != nil {
		msg := result.Err.Error()
		patch.Error = &msg
	}
	if err := s.store.UpdateSession(ctx, state.sess.ID, patch); err != nil {
		logger.Error("failed to finalize session", "error", err)
	}

	if status == models.SessionFailed {
		detail := ""
		if result.Err != nil {
			detail = result.Err.Error()
		}
		s.bus.Publish(projectID, events.SessionError{
			BaseEvent: events.NewBase(projectID, state.sess.ID),
			Code:      events.CodeRunnerFailed,
			Detail:    detail,
		})
	} else {
		s.bus.Publish(projectID, events.SessionComplete{
			BaseEvent:       events.NewBase(projectID, state.sess.ID),
			Status:          status,
			DurationSeconds: metrics.DurationSeconds,
		})
	}
	logger.Info("session finished", "status", status,
		"tool_uses", metrics.ToolUses, "duration_seconds", metrics.DurationSeconds)
}

// failSession marks the session failed with a stable error code and
// broadcasts the terminal error.
func (s *Scheduler) failSession(ctx context.Context, sess *models.Session, code, detail string, logger *slog.Logger) {
	s.failSessionWithMetrics(ctx, &sessionState{sess: sess, started: time.Now()},
		models.SessionMetrics{}, code, detail, logger)
}

func (s *Scheduler) failSessionWithMetrics(ctx context.Context, state *sessionState, metrics models.SessionMetrics, code, detail string, logger *slog.Logger) {
	status := models.SessionFailed
	now := time.Now()
	metrics.ToolUses = state.toolUses
	if metrics.DurationSeconds == 0 {
		metrics.DurationSeconds = time.Since(state.started).Seconds()
	}
	reason := code
	if detail != "" {
		reason = fmt.Sprintf("%s: %s", code, detail)
	}
	if err := s.store.UpdateSession(ctx, state.sess.ID, store.SessionPatch{
		Status:  &status,
		Error:   &reason,
		EndedAt: &now,
		Metrics: &metrics,
	}); err != nil {
		logger.Error("failed to mark session failed", "error", err)
	}
	s.bus.Publish(state.sess.ProjectID, events.SessionError{
		BaseEvent: events.NewBase(state.sess.ProjectID, state.sess.ID),
		Code:      code,
		Detail:    detail,
	})
	logger.Info("session failed", "code", code, "detail", detail)
}

// detachSession handles a runner that outlived the cancel grace: the
// session is failed with reason cancel_timeout and abandoned.
func (s *Scheduler) detachSession(ctx context.Context, sess *models.Session, logger *slog.Logger) {
	s.failSession(ctx, sess, events.CodeCancelTimeout,
		"runner did not terminate after cancellation", logger)
}

// recoverPanic converts a panicking loop into a failed session without
// poisoning other projects' loops.
func (s *Scheduler) recoverPanic(projectID string, logger *slog.Logger) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("session loop panicked", "panic", r)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sess, err := s.store.GetActiveSession(ctx, projectID); err == nil {
		s.failSession(ctx, sess, events.CodePanic, fmt.Sprint(r), logger)
	} else {
		s.bus.Publish(projectID, events.SessionError{
			BaseEvent: events.NewBase(projectID, ""),
			Code:      events.CodePanic,
			Detail:    fmt.Sprint(r),
		})
	}
}

func resultStatus(result runner.Result) models.SessionStatus {
	switch result.Status {
	case runner.StatusCompleted:
		return models.SessionCompleted
	case runner.StatusCancelled:
		return models.SessionCancelled
	default:
		return models.SessionFailed
	}
}
