package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/buildforge/foreman/pkg/models"
)

// MarkTaskDone completes a task. It fails with TestsNotPassingError while
// any attached test is not passing. When the completion closes the epic's
// last open task, the epic gate runs in the same transaction and the
// applied outcome is returned; otherwise the outcome is nil.
func (s *Store) MarkTaskDone(ctx context.Context, taskID, sessionID string) (*models.EpicOutcome, error) {
	var outcome *models.EpicOutcome
	err := s.withTx(ctx, "mark_task_done", func(ctx context.Context, tx pgx.Tx) error {
		outcome = nil

		var projectID, epicID string
		var done bool
		err := tx.QueryRow(ctx,
			`SELECT project_id, epic_id, done FROM tasks WHERE id = $1`, taskID).
			Scan(&projectID, &epicID, &done)
		if err != nil {
			if noRows(err) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return err
		}
		if err := lockProject(ctx, tx, projectID); err != nil {
			return err
		}
		if done {
			// Already complete; idempotent success without re-running the gate.
			return nil
		}

		rows, err := tx.Query(ctx,
			`SELECT id FROM tests WHERE task_id = $1 AND NOT passes ORDER BY id`, taskID)
		if err != nil {
			return err
		}
		var failing []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			failing = append(failing, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(failing) > 0 {
			return &TestsNotPassingError{TaskID: taskID, FailingTestIDs: failing}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET done = TRUE, completed_at = now() WHERE id = $1`, taskID); err != nil {
			return err
		}

		var open int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM tasks WHERE epic_id = $1 AND NOT done`, epicID).
			Scan(&open); err != nil {
			return err
		}
		if open > 0 {
			// More tasks remain; the epic stays workable.
			_, err := tx.Exec(ctx,
				`UPDATE epics SET status = 'in_progress'
				 WHERE id = $1 AND status = 'pending'`, epicID)
			return err
		}

		out, err := s.evaluateEpicTx(ctx, tx, epicID, sessionID)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		s.logger.Info("task completed, epic evaluated",
			"task_id", taskID, "epic_id", outcome.EpicID, "epic_status", outcome.Status)
	}
	return outcome, nil
}

// UpdateTestResultParams are the inputs for UpdateTestResult.
type UpdateTestResultParams struct {
	TestID     string
	Passes     bool
	Notes      string
	Error      string
	DurationMS int64
}

// UpdateTestResult records a task-level test execution: sets passes, bumps
// retry_count on failure, stamps verified_at on pass.
func (s *Store) UpdateTestResult(ctx context.Context, params UpdateTestResultParams) error {
	// Error text only ever describes a failure; a pass must not carry a
	// stale failure message.
	var result string
	switch {
	case params.Notes != "":
		result = params.Notes
	case !params.Passes && params.Error != "":
		result = params.Error
	case params.Passes:
		result = "passed"
	default:
		result = "failed"
	}

	return s.withRetry(ctx, "update_test_result", func(ctx context.Context) error {
		tag, err := s.db.Pool().Exec(ctx, `
			UPDATE tests SET
				passes = $2,
				last_result = $3,
				execution_time_ms = $4,
				retry_count = retry_count + CASE WHEN $2 THEN 0 ELSE 1 END,
				verified_at = CASE WHEN $2 THEN now() ELSE verified_at END
			WHERE id = $1`,
			params.TestID, params.Passes, result, params.DurationMS)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("test %s: %w", params.TestID, ErrNotFound)
		}
		return nil
	})
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task *models.Task
	err := s.withRetry(ctx, "get_task", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		if noRows(err) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTests returns a task's tests.
func (s *Store) ListTests(ctx context.Context, taskID string) ([]models.Test, error) {
	var tests []models.Test
	err := s.withRetry(ctx, "list_tests", func(ctx context.Context) error {
		rows, err := s.db.Pool().Query(ctx,
			`SELECT `+testColumns+` FROM tests WHERE task_id = $1 ORDER BY id`, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()

		tests = tests[:0]
		for rows.Next() {
			t, err := scanTest(rows)
			if err != nil {
				return err
			}
			tests = append(tests, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	return tests, nil
}
