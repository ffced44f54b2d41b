// Package reaper reclaims abandoned sessions: live-status rows whose
// heartbeat aged past the type-specific threshold are marked failed so the
// single-active-session slot frees up.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/buildforge/foreman/pkg/config"
	"github.com/buildforge/foreman/pkg/events"
	"github.com/buildforge/foreman/pkg/models"
	"github.com/buildforge/foreman/pkg/registry"
	"github.com/buildforge/foreman/pkg/store"
)

const staleReason = "stale"

// Reaper scans for stale sessions on a fixed cadence. The registry is the
// authority on liveness: a session with a live (non-recovered) handle is
// left alone regardless of its heartbeat.
type Reaper struct {
	store    *store.Store
	bus      *events.Bus
	registry *registry.Registry
	cfg      config.ReaperConfig
	logger   *slog.Logger

	mu       sync.Mutex
	lastScan time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a reaper.
func New(st *store.Store, bus *events.Bus, reg *registry.Registry, cfg config.ReaperConfig, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    st,
		bus:      bus,
		registry: reg,
		cfg:      cfg,
		logger:   logger.With("component", "reaper"),
	}
}

// Start launches the scan loop. Call Stop to terminate it.
func (r *Reaper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.logger.Info("reaper started",
			"interval", r.cfg.Interval,
			"init_stale_after", r.cfg.InitStaleAfter,
			"coding_stale_after", r.cfg.CodingStaleAfter)

		for {
			select {
			case <-ticker.C:
				if reaped, err := r.RunOnce(ctx); err != nil {
					r.logger.Error("reaper scan failed", "error", err)
				} else if reaped > 0 {
					r.logger.Info("reaped stale sessions", "count", reaped)
				}
			case <-ctx.Done():
				r.logger.Info("reaper stopped")
				return
			}
		}
	}()
}

// Stop terminates the scan loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// LastScan reports when the last scan completed. Zero before the first.
func (r *Reaper) LastScan() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastScan
}

// RunOnce performs a single scan, returning how many sessions it reclaimed.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	defer func() {
		r.mu.Lock()
		r.lastScan = time.Now()
		r.mu.Unlock()
	}()

	stale, err := r.store.ListStaleSessions(ctx, map[models.SessionType]time.Duration{
		models.SessionInitializer: r.cfg.InitStaleAfter,
		models.SessionCoding:      r.cfg.CodingStaleAfter,
	})
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, sess := range stale {
		if slot := r.registry.Lookup(sess.ProjectID); slot != nil && !slot.Recovered && slot.SessionID == sess.ID {
			// A loop on this process owns the session; its heartbeats
			// lapsed but the handle is authoritative.
			continue
		}
		if err := r.reap(ctx, sess); err != nil {
			r.logger.Error("failed to reap stale session",
				"session_id", sess.ID, "project_id", sess.ProjectID, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

func (r *Reaper) reap(ctx context.Context, sess models.Session) error {
	status := models.SessionFailed
	reason := staleReason
	now := time.Now()
	err := r.store.UpdateSession(ctx, sess.ID, store.SessionPatch{
		Status:  &status,
		Error:   &reason,
		EndedAt: &now,
	})
	if err != nil {
		return err
	}

	r.logger.Info("stale session reclaimed",
		"session_id", sess.ID, "project_id", sess.ProjectID,
		"type", sess.Type, "heartbeat_at", sess.HeartbeatAt)

	r.bus.Publish(sess.ProjectID, events.SessionError{
		BaseEvent: events.NewBase(sess.ProjectID, sess.ID),
		Code:      events.CodeStale,
		Detail:    "session heartbeat aged past the staleness threshold",
	})

	if slot := r.registry.Lookup(sess.ProjectID); slot != nil && slot.Recovered && slot.SessionID == sess.ID {
		r.registry.ReleaseRecovered(sess.ProjectID)
	}
	return nil
}
