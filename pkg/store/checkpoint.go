package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/buildforge/foreman/pkg/models"
)

// RecordCheckpoint appends an advisory checkpoint for a session. The
// authoritative state is always the store rows; checkpoints are for
// diagnosis and post-hoc inspection.
func (s *Store) RecordCheckpoint(ctx context.Context, sessionID, projectID, kind string, payload map[string]any) (*models.Checkpoint, error) {
	body, err := json.Marshal(orEmptyMap(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint payload: %w", err)
	}

	cp := &models.Checkpoint{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ProjectID: projectID,
		Kind:      kind,
		Payload:   payload,
	}
	err = s.withRetry(ctx, "record_checkpoint", func(ctx context.Context) error {
		return s.db.Pool().QueryRow(ctx, `
			INSERT INTO checkpoints (id, session_id, project_id, kind, payload)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at`,
			cp.ID, sessionID, projectID, kind, body).Scan(&cp.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a session's checkpoints in creation order.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]models.Checkpoint, error) {
	var checkpoints []models.Checkpoint
	err := s.withRetry(ctx, "list_checkpoints", func(ctx context.Context) error {
		rows, err := s.db.Pool().Query(ctx, `
			SELECT id, session_id, project_id, kind, payload, created_at
			FROM checkpoints WHERE session_id = $1
			ORDER BY created_at, id`, sessionID)
		if err != nil {
			return err
		}
		defer rows.Close()

		checkpoints = checkpoints[:0]
		for rows.Next() {
			var cp models.Checkpoint
			var body []byte
			if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.ProjectID,
				&cp.Kind, &body, &cp.CreatedAt); err != nil {
				return err
			}
			if err := json.Unmarshal(body, &cp.Payload); err != nil {
				return fmt.Errorf("failed to decode checkpoint payload: %w", err)
			}
			checkpoints = append(checkpoints, cp)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return checkpoints, nil
}
