package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildforge/foreman/pkg/models"
)

const projectColumns = `id, name, initialized, epic_testing_mode, sandbox_type,
	initializer_model, coding_model, created_at, updated_at`

// CreateProjectParams are the inputs for CreateProject. Mode defaults to
// strict and sandbox to docker when empty.
type CreateProjectParams struct {
	Name             string
	Spec             []byte
	EpicTestingMode  models.EpicTestingMode
	SandboxType      models.SandboxType
	InitializerModel string
	CodingModel      string
}

// CreateProject persists a new project. The name must be unique and match
// the allowed pattern; the spec bytes are required.
func (s *Store) CreateProject(ctx context.Context, params CreateProjectParams) (*models.Project, error) {
	if !models.ProjectNamePattern.MatchString(params.Name) {
		return nil, ErrInvalidProjectName
	}
	if len(params.Spec) == 0 {
		return nil, ErrSpecMissing
	}
	if params.EpicTestingMode == "" {
		params.EpicTestingMode = models.ModeStrict
	}
	if params.SandboxType == "" {
		params.SandboxType = models.SandboxDocker
	}

	id := uuid.NewString()
	var project *models.Project
	err := s.withRetry(ctx, "create_project", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx, `
			INSERT INTO projects (id, name, spec, epic_testing_mode, sandbox_type,
				initializer_model, coding_model)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+projectColumns,
			id, params.Name, params.Spec, params.EpicTestingMode, params.SandboxType,
			params.InitializerModel, params.CodingModel)

		p, err := scanProject(row)
		if err != nil {
			return err
		}
		project = p
		return nil
	})
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, fmt.Errorf("project %q: %w", params.Name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	s.logger.Info("project created", "project_id", project.ID, "name", project.Name)
	return project, nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var project *models.Project
	err := s.withRetry(ctx, "get_project", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
		p, err := scanProject(row)
		if err != nil {
			return err
		}
		project = p
		return nil
	})
	if err != nil {
		if noRows(err) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

// GetProjectSpec fetches the persisted spec bytes.
func (s *Store) GetProjectSpec(ctx context.Context, id string) ([]byte, error) {
	var spec []byte
	err := s.withRetry(ctx, "get_project_spec", func(ctx context.Context) error {
		return s.db.Pool().QueryRow(ctx,
			`SELECT spec FROM projects WHERE id = $1`, id).Scan(&spec)
	})
	if err != nil {
		if noRows(err) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project spec: %w", err)
	}
	return spec, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	var projects []models.Project
	err := s.withRetry(ctx, "list_projects", func(ctx context.Context) error {
		rows, err := s.db.Pool().Query(ctx,
			`SELECT `+projectColumns+` FROM projects ORDER BY created_at, id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		projects = projects[:0]
		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			projects = append(projects, *p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// SetInitialized flips the initialized flag.
func (s *Store) SetInitialized(ctx context.Context, id string, initialized bool) error {
	return s.withRetry(ctx, "set_initialized", func(ctx context.Context) error {
		tag, err := s.db.Pool().Exec(ctx,
			`UPDATE projects SET initialized = $2, updated_at = now() WHERE id = $1`,
			id, initialized)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// DeleteProject removes a project and everything it owns, returning the
// row counts for response composition.
func (s *Store) DeleteProject(ctx context.Context, id string) (models.DeleteCounts, error) {
	var counts models.DeleteCounts
	err := s.withTx(ctx, "delete_project", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockProject(ctx, tx, id); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			SELECT
				(SELECT count(*) FROM epics WHERE project_id = $1),
				(SELECT count(*) FROM tasks WHERE project_id = $1),
				(SELECT count(*) FROM tests t JOIN tasks tk ON tk.id = t.task_id
					WHERE tk.project_id = $1),
				(SELECT count(*) FROM sessions WHERE project_id = $1)`, id)
		if err := row.Scan(&counts.Epics, &counts.Tasks, &counts.Tests, &counts.Sessions); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return models.DeleteCounts{}, err
	}

	s.logger.Info("project deleted", "project_id", id,
		"epics", counts.Epics, "tasks", counts.Tasks,
		"tests", counts.Tests, "sessions", counts.Sessions)
	return counts, nil
}

// PurgeRoadmap removes every epic (cascading tasks, tests, and epic-tests)
// and clears the initialized flag, atomically. Used when initialization is
// cancelled.
func (s *Store) PurgeRoadmap(ctx context.Context, projectID string) (models.PurgeCounts, error) {
	var counts models.PurgeCounts
	err := s.withTx(ctx, "purge_roadmap", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockProject(ctx, tx, projectID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			SELECT
				(SELECT count(*) FROM epics WHERE project_id = $1),
				(SELECT count(*) FROM tasks WHERE project_id = $1),
				(SELECT count(*) FROM tests t JOIN tasks tk ON tk.id = t.task_id
					WHERE tk.project_id = $1)`, projectID)
		if err := row.Scan(&counts.Epics, &counts.Tasks, &counts.Tests); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM epics WHERE project_id = $1`, projectID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE projects SET initialized = FALSE, updated_at = now() WHERE id = $1`,
			projectID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return models.PurgeCounts{}, err
	}

	s.logger.Info("roadmap purged", "project_id", projectID,
		"epics", counts.Epics, "tasks", counts.Tasks, "tests", counts.Tests)
	return counts, nil
}

// Progress returns a point-in-time roadmap progress snapshot. Counters are
// not strongly consistent with in-flight mutations.
func (s *Store) Progress(ctx context.Context, projectID string) (*models.ProgressSnapshot, error) {
	var snap models.ProgressSnapshot
	err := s.withRetry(ctx, "progress", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx, `
			SELECT
				(SELECT count(*) FROM epics WHERE project_id = $1),
				(SELECT count(*) FROM epics WHERE project_id = $1 AND status = 'completed'),
				(SELECT count(*) FROM epics WHERE project_id = $1 AND status = 'blocked'),
				(SELECT count(*) FROM tasks WHERE project_id = $1),
				(SELECT count(*) FROM tasks WHERE project_id = $1 AND done),
				(SELECT count(*) FROM tests t JOIN tasks tk ON tk.id = t.task_id
					WHERE tk.project_id = $1),
				(SELECT count(*) FROM tests t JOIN tasks tk ON tk.id = t.task_id
					WHERE tk.project_id = $1 AND t.passes),
				(SELECT count(*) FROM epic_tests et JOIN epics e ON e.id = et.epic_id
					WHERE e.project_id = $1),
				(SELECT count(*) FROM epic_tests et JOIN epics e ON e.id = et.epic_id
					WHERE e.project_id = $1 AND et.last_result = 'passed')`,
			projectID)
		return row.Scan(
			&snap.EpicsTotal, &snap.EpicsCompleted, &snap.EpicsBlocked,
			&snap.TasksTotal, &snap.TasksDone,
			&snap.TestsTotal, &snap.TestsPassing,
			&snap.EpicTestsTotal, &snap.EpicTestsPassed)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute progress: %w", err)
	}
	return &snap, nil
}

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.Initialized, &p.EpicTestingMode,
		&p.SandboxType, &p.InitializerModel, &p.CodingModel,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
