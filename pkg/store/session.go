package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildforge/foreman/pkg/models"
)

const sessionColumns = `id, project_id, session_number, type, status, model,
	sandbox_type, error, tool_uses, tokens_in, tokens_out, cost_usd,
	duration_seconds, created_at, started_at, ended_at, heartbeat_at`

// RecordSessionParams are the inputs for RecordSession.
type RecordSessionParams struct {
	ProjectID   string
	Type        models.SessionType
	Model       string
	SandboxType models.SandboxType
}

// RecordSession creates a session row in status created, assigning the next
// session number under the project advisory lock. The partial unique index
// on live sessions backstops the single-active-session invariant; a
// violation surfaces as ErrActiveSession.
func (s *Store) RecordSession(ctx context.Context, params RecordSessionParams) (*models.Session, error) {
	if params.SandboxType == "" {
		params.SandboxType = models.SandboxDocker
	}

	id := uuid.NewString()
	var session *models.Session
	err := s.withTx(ctx, "record_session", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockProject(ctx, tx, params.ProjectID); err != nil {
			return err
		}

		var number int
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(session_number), 0) + 1 FROM sessions WHERE project_id = $1`,
			params.ProjectID).Scan(&number)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO sessions (id, project_id, session_number, type, model, sandbox_type)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+sessionColumns,
			id, params.ProjectID, number, params.Type, params.Model, params.SandboxType)
		sess, err := scanSession(row)
		if err != nil {
			return err
		}
		session = sess
		return nil
	})
	if err != nil {
		if isUniqueViolation(err, "sessions_one_active_per_project") {
			return nil, fmt.Errorf("project %s: %w", params.ProjectID, ErrActiveSession)
		}
		if isUniqueViolation(err, "") {
			// Lost a number race despite the lock; callers may retry.
			return nil, fmt.Errorf("project %s: %w", params.ProjectID, ErrActiveSession)
		}
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	s.logger.Info("session recorded",
		"session_id", session.ID, "project_id", session.ProjectID,
		"number", session.SessionNumber, "type", session.Type)
	return session, nil
}

// SessionPatch is a partial session update; nil fields are left unchanged.
type SessionPatch struct {
	Status    *models.SessionStatus
	Error     *string
	Metrics   *models.SessionMetrics
	StartedAt *time.Time
	EndedAt   *time.Time
}

// UpdateSession applies a patch to a session row.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	return s.withRetry(ctx, "update_session", func(ctx context.Context) error {
		tag, err := s.db.Pool().Exec(ctx, `
			UPDATE sessions SET
				status = COALESCE($2, status),
				error = COALESCE($3, error),
				started_at = COALESCE($4, started_at),
				ended_at = COALESCE($5, ended_at),
				tool_uses = COALESCE($6, tool_uses),
				tokens_in = COALESCE($7, tokens_in),
				tokens_out = COALESCE($8, tokens_out),
				cost_usd = COALESCE($9, cost_usd),
				duration_seconds = COALESCE($10, duration_seconds),
				heartbeat_at = now()
			WHERE id = $1`,
			id, patch.Status, patch.Error, patch.StartedAt, patch.EndedAt,
			metricsField(patch.Metrics, func(m *models.SessionMetrics) any { return m.ToolUses }),
			metricsField(patch.Metrics, func(m *models.SessionMetrics) any { return m.TokensIn }),
			metricsField(patch.Metrics, func(m *models.SessionMetrics) any { return m.TokensOut }),
			metricsField(patch.Metrics, func(m *models.SessionMetrics) any { return m.CostUSD }),
			metricsField(patch.Metrics, func(m *models.SessionMetrics) any { return m.DurationSeconds }))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// TouchSessionHeartbeat stamps heartbeat_at on a live session. A terminal
// session is left alone.
func (s *Store) TouchSessionHeartbeat(ctx context.Context, id string) error {
	return s.withRetry(ctx, "touch_heartbeat", func(ctx context.Context) error {
		_, err := s.db.Pool().Exec(ctx, `
			UPDATE sessions SET heartbeat_at = now()
			WHERE id = $1 AND status IN ('created', 'running')`, id)
		return err
	})
}

// AgeSessionHeartbeat backdates a session's heartbeat by the given amount.
// Exists for staleness tests; production code only moves heartbeats forward.
func (s *Store) AgeSessionHeartbeat(ctx context.Context, id string, by time.Duration) error {
	return s.withRetry(ctx, "age_heartbeat", func(ctx context.Context) error {
		tag, err := s.db.Pool().Exec(ctx,
			`UPDATE sessions SET heartbeat_at = now() - $2::interval WHERE id = $1`,
			id, by)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session *models.Session
	err := s.withRetry(ctx, "get_session", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
		sess, err := scanSession(row)
		if err != nil {
			return err
		}
		session = sess
		return nil
	})
	if err != nil {
		if noRows(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns a project's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]models.Session, error) {
	return s.querySessions(ctx, "list_sessions",
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = $1
		 ORDER BY session_number DESC`, projectID)
}

// GetActiveSession returns the project's live session, or ErrNotFound.
func (s *Store) GetActiveSession(ctx context.Context, projectID string) (*models.Session, error) {
	var session *models.Session
	err := s.withRetry(ctx, "get_active_session", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE project_id = $1 AND status IN ('created', 'running')`, projectID)
		sess, err := scanSession(row)
		if err != nil {
			return err
		}
		session = sess
		return nil
	})
	if err != nil {
		if noRows(err) {
			return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return session, nil
}

// ListActiveSessions returns every live session across projects. Used at
// startup to rebuild the registry.
func (s *Store) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	return s.querySessions(ctx, "list_active_sessions",
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN ('created', 'running')
		 ORDER BY created_at`)
}

// ListStaleSessions returns live sessions whose heartbeat aged past the
// type-specific threshold.
func (s *Store) ListStaleSessions(ctx context.Context, thresholds map[models.SessionType]time.Duration) ([]models.Session, error) {
	return s.querySessions(ctx, "list_stale_sessions",
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN ('created', 'running')
		   AND ((type = 'initializer' AND heartbeat_at < now() - $1::interval)
		     OR (type = 'coding' AND heartbeat_at < now() - $2::interval))
		 ORDER BY heartbeat_at`,
		thresholds[models.SessionInitializer], thresholds[models.SessionCoding])
}

func (s *Store) querySessions(ctx context.Context, op, query string, args ...any) ([]models.Session, error) {
	var sessions []models.Session
	err := s.withRetry(ctx, op, func(ctx context.Context) error {
		rows, err := s.db.Pool().Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		sessions = sessions[:0]
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				return err
			}
			sessions = append(sessions, *sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.SessionNumber,
		&sess.Type, &sess.Status, &sess.Model, &sess.SandboxType, &sess.Error,
		&sess.Metrics.ToolUses, &sess.Metrics.TokensIn, &sess.Metrics.TokensOut,
		&sess.Metrics.CostUSD, &sess.Metrics.DurationSeconds,
		&sess.CreatedAt, &sess.StartedAt, &sess.EndedAt, &sess.HeartbeatAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func metricsField(m *models.SessionMetrics, pick func(*models.SessionMetrics) any) any {
	if m == nil {
		return nil
	}
	return pick(m)
}
