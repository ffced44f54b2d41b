// Package orchestrator is the public control surface: it validates
// preconditions against the store, claims the per-project session slot,
// and hands execution to the scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildforge/foreman/pkg/events"
	"github.com/buildforge/foreman/pkg/models"
	"github.com/buildforge/foreman/pkg/registry"
	"github.com/buildforge/foreman/pkg/scheduler"
	"github.com/buildforge/foreman/pkg/store"
)

// ErrBusy is returned when a project already has an active session.
var ErrBusy = registry.ErrBusy

// releaseWait bounds how long CancelInitialize waits for the cancelled
// session to release its slot; it covers the scheduler's cancel grace.
const releaseWait = 45 * time.Second

// Orchestrator glues the store, registry, event bus, and scheduler behind
// the operations the API exposes.
type Orchestrator struct {
	store     *store.Store
	bus       *events.Bus
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	// loopCtx bounds spawned session loops; cancelling it is part of
	// process shutdown, not of any one request.
	loopCtx context.Context
}

// New creates an orchestrator. loopCtx is the lifetime context for spawned
// session loops.
func New(loopCtx context.Context, st *store.Store, bus *events.Bus, reg *registry.Registry, sched *scheduler.Scheduler, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		bus:       bus,
		registry:  reg,
		scheduler: sched,
		logger:    logger.With("component", "orchestrator"),
		loopCtx:   loopCtx,
	}
}

// CreateProject persists a new project.
func (o *Orchestrator) CreateProject(ctx context.Context, params store.CreateProjectParams) (*models.Project, error) {
	return o.store.CreateProject(ctx, params)
}

// GetProject fetches a project.
func (o *Orchestrator) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	return o.store.GetProject(ctx, projectID)
}

// ListProjects lists all projects.
func (o *Orchestrator) ListProjects(ctx context.Context) ([]models.Project, error) {
	return o.store.ListProjects(ctx)
}

// Initialize starts the initializer session for a project. The returned
// session is already recorded; the planning loop runs in the background.
func (o *Orchestrator) Initialize(ctx context.Context, projectID, model string) (*models.Session, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Initialized {
		return nil, fmt.Errorf("project %s: %w", projectID, store.ErrAlreadyInitialized)
	}
	if model == "" {
		model = project.InitializerModel
	}

	claim, err := o.registry.TryClaim(projectID)
	if err != nil {
		return nil, err
	}

	sess, err := o.store.RecordSession(ctx, store.RecordSessionParams{
		ProjectID:   projectID,
		Type:        models.SessionInitializer,
		Model:       model,
		SandboxType: project.SandboxType,
	})
	if err != nil {
		o.registry.Release(projectID, claim)
		if errors.Is(err, store.ErrActiveSession) {
			return nil, ErrBusy
		}
		return nil, err
	}

	o.logger.Info("initialization started",
		"project_id", projectID, "session_id", sess.ID)
	go o.scheduler.RunInit(o.loopCtx, project, claim, sess)
	return sess, nil
}

// CancelInitialize cancels a running initializer session (if any), waits
// for it to settle, then atomically purges the partial roadmap and clears
// the initialized flag. Returns the purge counts.
func (o *Orchestrator) CancelInitialize(ctx context.Context, projectID string) (models.PurgeCounts, error) {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return models.PurgeCounts{}, err
	}

	if o.registry.Cancel(projectID) {
		if err := o.waitForRelease(ctx, projectID); err != nil {
			return models.PurgeCounts{}, err
		}
	}

	counts, err := o.store.PurgeRoadmap(ctx, projectID)
	if err != nil {
		return models.PurgeCounts{}, err
	}
	o.logger.Info("initialization cancelled", "project_id", projectID,
		"epics_deleted", counts.Epics, "tasks_deleted", counts.Tasks,
		"tests_deleted", counts.Tests)
	return counts, nil
}

// StartCoding launches the auto-continue coding loop. maxIterations of zero
// means unbounded.
func (o *Orchestrator) StartCoding(ctx context.Context, projectID, model string, maxIterations int) error {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if !project.Initialized {
		return fmt.Errorf("project %s: %w", projectID, store.ErrNotInitialized)
	}
	if model == "" {
		model = project.CodingModel
	}

	claim, err := o.registry.TryClaim(projectID)
	if err != nil {
		return err
	}

	o.logger.Info("coding loop started",
		"project_id", projectID, "max_iterations", maxIterations)
	go o.scheduler.RunCoding(o.loopCtx, project, claim, model, maxIterations)
	return nil
}

// StopCoding requests a cooperative stop: the in-flight session finishes,
// no further session starts. Idempotent; stopping an idle project is a
// no-op.
func (o *Orchestrator) StopCoding(ctx context.Context, projectID string) error {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	if o.registry.RequestStop(projectID) {
		o.logger.Info("stop requested", "project_id", projectID)
	}
	return nil
}

// CancelSession hard-cancels the project's running session. Idempotent;
// cancelling an idle project is a no-op.
func (o *Orchestrator) CancelSession(ctx context.Context, projectID string) error {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	o.registry.Cancel(projectID)
	return nil
}

// DeleteProject removes a project and everything it owns. Refused while a
// session is active; deleting an absent project is an idempotent no-op.
func (o *Orchestrator) DeleteProject(ctx context.Context, projectID string) (models.DeleteCounts, error) {
	if o.registry.Lookup(projectID) != nil {
		return models.DeleteCounts{}, ErrBusy
	}
	counts, err := o.store.DeleteProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.DeleteCounts{}, nil
		}
		return models.DeleteCounts{}, err
	}
	return counts, nil
}

// Status is the aggregate view the status endpoint serves.
type Status struct {
	Project       *models.Project          `json:"project"`
	Progress      *models.ProgressSnapshot `json:"progress"`
	NextTask      *models.WorkItem         `json:"next_task,omitempty"`
	ActiveSession *models.Session          `json:"active_session,omitempty"`
}

// GetStatus returns the project, its progress snapshot, the next unit of
// work, and the active session if one is live.
func (o *Orchestrator) GetStatus(ctx context.Context, projectID string) (*Status, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	progress, err := o.store.Progress(ctx, projectID)
	if err != nil {
		return nil, err
	}
	next, err := o.store.NextTask(ctx, projectID)
	if err != nil {
		return nil, err
	}

	status := &Status{Project: project, Progress: progress, NextTask: next}
	active, err := o.store.GetActiveSession(ctx, projectID)
	if err == nil {
		status.ActiveSession = active
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return status, nil
}

// ListSessions lists a project's sessions, newest first.
func (o *Orchestrator) ListSessions(ctx context.Context, projectID string) ([]models.Session, error) {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return o.store.ListSessions(ctx, projectID)
}

// GetSession fetches one session.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return o.store.GetSession(ctx, sessionID)
}

// ListInterventions lists a project's interventions.
func (o *Orchestrator) ListInterventions(ctx context.Context, projectID string, includeResolved bool) ([]models.Intervention, error) {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return o.store.ListInterventions(ctx, projectID, includeResolved)
}

// ResolveIntervention is the explicit resume out of a blocked epic.
func (o *Orchestrator) ResolveIntervention(ctx context.Context, interventionID string) (*models.Intervention, error) {
	return o.store.ResolveIntervention(ctx, interventionID)
}

// Subscribe attaches a live event subscriber for a project.
func (o *Orchestrator) Subscribe(projectID string) *events.Subscription {
	return o.bus.Subscribe(projectID)
}

// waitForRelease blocks until the project's registry slot frees, the
// bounded wait expires, or ctx ends.
func (o *Orchestrator) waitForRelease(ctx context.Context, projectID string) error {
	deadline := time.NewTimer(releaseWait)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		if o.registry.Lookup(projectID) == nil {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("session for project %s did not release in time", projectID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
