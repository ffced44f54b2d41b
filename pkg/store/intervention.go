package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/buildforge/foreman/pkg/models"
)

const interventionColumns = `id, project_id, epic_id, session_id,
	failing_test_ids, failed_count, reason, resolved, created_at, resolved_at`

// ListInterventions returns a project's interventions, newest first.
// Resolved rows are included only when includeResolved is set.
func (s *Store) ListInterventions(ctx context.Context, projectID string, includeResolved bool) ([]models.Intervention, error) {
	var interventions []models.Intervention
	err := s.withRetry(ctx, "list_interventions", func(ctx context.Context) error {
		rows, err := s.db.Pool().Query(ctx,
			`SELECT `+interventionColumns+` FROM interventions
			 WHERE project_id = $1 AND (NOT resolved OR $2)
			 ORDER BY created_at DESC, id DESC`, projectID, includeResolved)
		if err != nil {
			return err
		}
		defer rows.Close()

		interventions = interventions[:0]
		for rows.Next() {
			iv, err := scanIntervention(rows)
			if err != nil {
				return err
			}
			interventions = append(interventions, *iv)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list interventions: %w", err)
	}
	return interventions, nil
}

// ResolveIntervention marks an intervention resolved and moves its epic
// from blocked back to in_progress, atomically. This is the explicit resume
// path out of a gate block.
func (s *Store) ResolveIntervention(ctx context.Context, id string) (*models.Intervention, error) {
	var intervention *models.Intervention
	err := s.withTx(ctx, "resolve_intervention", func(ctx context.Context, tx pgx.Tx) error {
		var projectID, epicID string
		err := tx.QueryRow(ctx,
			`SELECT project_id, epic_id FROM interventions WHERE id = $1`, id).
			Scan(&projectID, &epicID)
		if err != nil {
			if noRows(err) {
				return fmt.Errorf("intervention %s: %w", id, ErrNotFound)
			}
			return err
		}
		if err := lockProject(ctx, tx, projectID); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE interventions
			SET resolved = TRUE, resolved_at = COALESCE(resolved_at, now())
			WHERE id = $1
			RETURNING `+interventionColumns, id)
		iv, err := scanIntervention(row)
		if err != nil {
			return err
		}
		intervention = iv

		_, err = tx.Exec(ctx,
			`UPDATE epics SET status = 'in_progress'
			 WHERE id = $1 AND status = 'blocked'`, epicID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("intervention resolved",
		"intervention_id", id, "epic_id", intervention.EpicID)
	return intervention, nil
}

func scanIntervention(row pgx.Row) (*models.Intervention, error) {
	var iv models.Intervention
	var ids []byte
	err := row.Scan(&iv.ID, &iv.ProjectID, &iv.EpicID, &iv.SessionID,
		&ids, &iv.FailedCount, &iv.Reason, &iv.Resolved,
		&iv.CreatedAt, &iv.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ids, &iv.FailingTestIDs); err != nil {
		return nil, fmt.Errorf("failed to decode failing_test_ids: %w", err)
	}
	return &iv, nil
}
