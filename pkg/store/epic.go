package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildforge/foreman/pkg/gate"
	"github.com/buildforge/foreman/pkg/models"
)

// CheckEpicCompletion runs the epic gate for one epic in a single
// transaction under the project advisory lock, applying the resulting
// status. Blocked outcomes create the intervention row in the same
// transaction.
func (s *Store) CheckEpicCompletion(ctx context.Context, epicID, sessionID string) (*models.EpicOutcome, error) {
	var outcome *models.EpicOutcome
	err := s.withTx(ctx, "check_epic_completion", func(ctx context.Context, tx pgx.Tx) error {
		var projectID string
		err := tx.QueryRow(ctx,
			`SELECT project_id FROM epics WHERE id = $1`, epicID).Scan(&projectID)
		if err != nil {
			if noRows(err) {
				return fmt.Errorf("epic %s: %w", epicID, ErrNotFound)
			}
			return err
		}
		if err := lockProject(ctx, tx, projectID); err != nil {
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
	return outcome, nil
}

// RecordEpicTestResultParams are the inputs for RecordEpicTestResult.
type RecordEpicTestResultParams struct {
	EpicTestID string
	SessionID  string
	Result     string
	Output     string
}

// RecordEpicTestResult stores an epic-test execution result. Failures and
// errors are additionally appended to the failure log.
func (s *Store) RecordEpicTestResult(ctx context.Context, params RecordEpicTestResultParams) error {
	switch params.Result {
	case models.EpicTestPassed, models.EpicTestFailed, models.EpicTestSkipped, models.EpicTestError:
	default:
		return fmt.Errorf("invalid epic test result %q", params.Result)
	}

	return s.withTx(ctx, "record_epic_test_result", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE epic_tests SET last_result = $2 WHERE id = $1`,
			params.EpicTestID, params.Result)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("epic test %s: %w", params.EpicTestID, ErrNotFound)
		}

		if params.Result == models.EpicTestFailed || params.Result == models.EpicTestError {
			var sessionID any
			if params.SessionID != "" {
				sessionID = params.SessionID
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO epic_test_failures (epic_test_id, session_id, error)
				 VALUES ($1, $2, $3)`,
				params.EpicTestID, sessionID, params.Output)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEpicTestFailures returns the failure log for one epic-test, newest
// first.
func (s *Store) ListEpicTestFailures(ctx context.Context, epicTestID string) ([]models.EpicTestFailure, error) {
	var failures []models.EpicTestFailure
	err := s.withRetry(ctx, "list_epic_test_failures", func(ctx context.Context) error {
		rows, err := s.db.Pool().Query(ctx, `
			SELECT id, epic_test_id, session_id, error, created_at
			FROM epic_test_failures WHERE epic_test_id = $1
			ORDER BY created_at DESC, id DESC`, epicTestID)
		if err != nil {
			return err
		}
		defer rows.Close()

		failures = failures[:0]
		for rows.Next() {
			var f models.EpicTestFailure
			if err := rows.Scan(&f.ID, &f.EpicTestID, &f.SessionID, &f.Error, &f.CreatedAt); err != nil {
				return err
			}
			failures = append(failures, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list epic test failures: %w", err)
	}
	return failures, nil
}

// evaluateEpicTx loads the epic's rows, runs the pure gate, and applies the
// decision. Must be called with the project advisory lock held.
func (s *Store) evaluateEpicTx(ctx context.Context, tx pgx.Tx, epicID, sessionID string) (*models.EpicOutcome, error) {
	var epicName, projectID string
	var mode models.EpicTestingMode
	err := tx.QueryRow(ctx, `
		SELECT e.name, e.project_id, p.epic_testing_mode
		FROM epics e JOIN projects p ON p.id = e.project_id
		WHERE e.id = $1`, epicID).Scan(&epicName, &projectID, &mode)
	if err != nil {
		if noRows(err) {
			return nil, fmt.Errorf("epic %s: %w", epicID, ErrNotFound)
		}
		return nil, err
	}

	var tasks []models.Task
	rows, err := tx.Query(ctx,
		`SELECT id, done FROM tasks WHERE epic_id = $1 ORDER BY id`, epicID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.Done); err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tests []models.EpicTest
	rows, err = tx.Query(ctx,
		`SELECT id, last_result FROM epic_tests WHERE epic_id = $1 ORDER BY id`, epicID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var et models.EpicTest
		if err := rows.Scan(&et.ID, &et.LastResult); err != nil {
			rows.Close()
			return nil, err
		}
		tests = append(tests, et)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	decision := gate.EvaluateEpic(gate.EpicInput{
		EpicName:         epicName,
		Mode:             mode,
		Tasks:            tasks,
		Tests:            tests,
		Tolerance:        s.completion.AutoFailureTolerance,
		CriticalKeywords: s.completion.CriticalEpicKeywords,
	})

	outcome := &models.EpicOutcome{
		EpicID:         epicID,
		FailingTestIDs: decision.FailingTestIDs,
		Reason:         decision.Reason,
	}

	switch decision.Decision {
	case gate.DecisionCompleted:
		outcome.Status = models.EpicCompleted
		if _, err := tx.Exec(ctx,
			`UPDATE epics SET status = 'completed', completed_at = now()
			 WHERE id = $1 AND status <> 'completed'`, epicID); err != nil {
			return nil, err
		}
		var completed int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM epics WHERE project_id = $1 AND status = 'completed'`,
			projectID).Scan(&completed); err != nil {
			return nil, err
		}
		outcome.CompletedEpics = completed
		outcome.RetestRecommended = gate.RetestDue(completed, s.completion.RetestStride)

	case gate.DecisionBlocked:
		outcome.Status = models.EpicBlocked
		if _, err := tx.Exec(ctx,
			`UPDATE epics SET status = 'blocked' WHERE id = $1`, epicID); err != nil {
			return nil, err
		}
		interventionID, err := createInterventionTx(ctx, tx, interventionParams{
			ProjectID:      projectID,
			EpicID:         epicID,
			SessionID:      sessionID,
			FailingTestIDs: decision.FailingTestIDs,
			Reason:         decision.Reason,
		})
		if err != nil {
			return nil, err
		}
		outcome.InterventionID = interventionID

	default:
		outcome.Status = models.EpicInProgress
		if _, err := tx.Exec(ctx,
			`UPDATE epics SET status = 'in_progress'
			 WHERE id = $1 AND status IN ('pending', 'blocked')`, epicID); err != nil {
			return nil, err
		}
	}

	return outcome, nil
}

type interventionParams struct {
	ProjectID      string
	EpicID         string
	SessionID      string
	FailingTestIDs []string
	Reason         string
}

func createInterventionTx(ctx context.Context, tx pgx.Tx, params interventionParams) (string, error) {
	ids, err := json.Marshal(orEmpty(params.FailingTestIDs))
	if err != nil {
		return "", fmt.Errorf("failed to encode failing_test_ids: %w", err)
	}
	var sessionID any
	if params.SessionID != "" {
		sessionID = params.SessionID
	}

	id := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO interventions (id, project_id, epic_id, session_id,
			failing_test_ids, failed_count, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, params.ProjectID, params.EpicID, sessionID,
		ids, len(params.FailingTestIDs), params.Reason)
	if err != nil {
		return "", err
	}
	return id, nil
}
