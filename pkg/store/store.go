// Package store is the durable source of truth. It exposes coarse
// transactional operations over explicit SQL; every invariant the domain
// promises is enforced here, backed by the schema's constraints, never
// only in the orchestration layer.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/buildforge/foreman/pkg/config"
	"github.com/buildforge/foreman/pkg/database"
)

const defaultOpTimeout = 30 * time.Second

// Store provides transactional persistence for projects, roadmaps,
// sessions, interventions, and checkpoints.
type Store struct {
	db         *database.Client
	logger     *slog.Logger
	completion config.CompletionConfig
	opTimeout  time.Duration
}

// New creates a store over the given database client. The completion
// config parameterizes the epic gate decisions applied in-transaction.
func New(db *database.Client, completion config.CompletionConfig, logger *slog.Logger) *Store {
	return &Store{
		db:         db,
		logger:     logger.With("component", "store"),
		completion: completion,
		opTimeout:  defaultOpTimeout,
	}
}

// withDeadline bounds a store operation with the per-op deadline.
func (s *Store) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// withRetry runs fn, retrying the transient error class with exponential
// backoff and jitter under a bounded budget. Non-transient errors abort
// immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 15 * time.Second

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("retrying transient database error",
			"op", op, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(policy, ctx))
}

// withTx runs fn inside a transaction, with transient retry around the
// whole attempt so serialization failures replay cleanly.
func (s *Store) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return s.withRetry(ctx, op, func(ctx context.Context) error {
		tx, err := s.db.Pool().Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// lockProject takes the per-project advisory lock for the transaction's
// lifetime, serializing writers that mutate the same project.
func lockProject(ctx context.Context, tx pgx.Tx, projectID string) error {
	_, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, projectID)
	return err
}

// isTransient classifies errors worth retrying: serialization conflicts,
// deadlocks, and connection-level failures.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return true
		}
		return pgerrcode.IsConnectionException(pgErr.Code)
	}
	return pgconn.SafeToRetry(err)
}

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// noRows maps pgx's no-rows marker to the store's ErrNotFound.
func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
