package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildforge/foreman/pkg/models"
)

const (
	epicColumns = `id, project_id, name, description, priority, status,
	completed_at, created_at`
	taskColumns = `id, epic_id, project_id, priority, action, description,
	done, completed_at, created_at`
	testColumns = `id, task_id, category, requirements, success_criteria,
	steps, passes, last_result, execution_time_ms, retry_count, verified_at,
	created_at`
	epicTestColumns = `id, epic_id, name, description, last_result,
	depends_on_tasks, metadata, created_at`
)

// CreateEpicParams are the inputs for CreateEpic.
type CreateEpicParams struct {
	ProjectID   string
	Name        string
	Description string
	Priority    int
}

// CreateEpic persists a roadmap epic in status pending.
func (s *Store) CreateEpic(ctx context.Context, params CreateEpicParams) (*models.Epic, error) {
	id := uuid.NewString()
	var epic *models.Epic
	err := s.withRetry(ctx, "create_epic", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx, `
			INSERT INTO epics (id, project_id, name, description, priority)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+epicColumns,
			id, params.ProjectID, params.Name, params.Description, params.Priority)
		e, err := scanEpic(row)
		if err != nil {
			return err
		}
		epic = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create epic: %w", err)
	}
	return epic, nil
}

// CreateTaskParams are the inputs for CreateTask.
type CreateTaskParams struct {
	EpicID      string
	ProjectID   string
	Priority    int
	Action      string
	Description string
}

// CreateTask persists a task under an epic.
func (s *Store) CreateTask(ctx context.Context, params CreateTaskParams) (*models.Task, error) {
	id := uuid.NewString()
	var task *models.Task
	err := s.withRetry(ctx, "create_task", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx, `
			INSERT INTO tasks (id, epic_id, project_id, priority, action, description)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+taskColumns,
			id, params.EpicID, params.ProjectID, params.Priority,
			params.Action, params.Description)
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// CreateTestParams are the inputs for CreateTest.
type CreateTestParams struct {
	TaskID          string
	Category        string
	Requirements    string
	SuccessCriteria string
	Steps           string
}

// CreateTest persists a task-level test. Identity is immutable afterwards.
func (s *Store) CreateTest(ctx context.Context, params CreateTestParams) (*models.Test, error) {
	if params.Category == "" {
		params.Category = "functional"
	}
	id := uuid.NewString()
	var test *models.Test
	err := s.withRetry(ctx, "create_test", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx, `
			INSERT INTO tests (id, task_id, category, requirements, success_criteria, steps)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+testColumns,
			id, params.TaskID, params.Category, params.Requirements,
			params.SuccessCriteria, params.Steps)
		t, err := scanTest(row)
		if err != nil {
			return err
		}
		test = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create test: %w", err)
	}
	return test, nil
}

// CreateEpicTestParams are the inputs for CreateEpicTest.
type CreateEpicTestParams struct {
	EpicID         string
	Name           string
	Description    string
	DependsOnTasks []string
	Metadata       map[string]any
}

// CreateEpicTest persists an integration-level test under an epic.
func (s *Store) CreateEpicTest(ctx context.Context, params CreateEpicTestParams) (*models.EpicTest, error) {
	deps, err := json.Marshal(orEmpty(params.DependsOnTasks))
	if err != nil {
		return nil, fmt.Errorf("failed to encode depends_on_tasks: %w", err)
	}
	meta, err := json.Marshal(orEmptyMap(params.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	id := uuid.NewString()
	var epicTest *models.EpicTest
	err = s.withRetry(ctx, "create_epic_test", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx, `
			INSERT INTO epic_tests (id, epic_id, name, description, depends_on_tasks, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+epicTestColumns,
			id, params.EpicID, params.Name, params.Description, deps, meta)
		et, err := scanEpicTest(row)
		if err != nil {
			return err
		}
		epicTest = et
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create epic test: %w", err)
	}
	return epicTest, nil
}

// GetEpic fetches an epic by ID.
func (s *Store) GetEpic(ctx context.Context, id string) (*models.Epic, error) {
	var epic *models.Epic
	err := s.withRetry(ctx, "get_epic", func(ctx context.Context) error {
		row := s.db.Pool().QueryRow(ctx,
			`SELECT `+epicColumns+` FROM epics WHERE id = $1`, id)
		e, err := scanEpic(row)
		if err != nil {
			return err
		}
		epic = e
		return nil
	})
	if err != nil {
		if noRows(err) {
			return nil, fmt.Errorf("epic %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get epic: %w", err)
	}
	return epic, nil
}

// ListEpics returns a project's epics in roadmap order.
func (s *Store) ListEpics(ctx context.Context, projectID string) ([]models.Epic, error) {
	var epics []models.Epic
	err := s.withRetry(ctx, "list_epics", func(ctx context.Context) error {
		rows, err := s.db.Pool().Query(ctx,
			`SELECT `+epicColumns+` FROM epics WHERE project_id = $1
			 ORDER BY priority, id`, projectID)
		if err != nil {
			return err
		}
		defer rows.Close()

		epics = epics[:0]
		for rows.Next() {
			e, err := scanEpic(rows)
			if err != nil {
				return err
			}
			epics = append(epics, *e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list epics: %w", err)
	}
	return epics, nil
}

// ListEpicTests returns an epic's integration tests.
func (s *Store) ListEpicTests(ctx context.Context, epicID string) ([]models.EpicTest, error) {
	var tests []models.EpicTest
	err := s.withRetry(ctx, "list_epic_tests", func(ctx context.Context) error {
		rows, err := s.db.Pool().Query(ctx,
			`SELECT `+epicTestColumns+` FROM epic_tests WHERE epic_id = $1
			 ORDER BY created_at, id`, epicID)
		if err != nil {
			return err
		}
		defer rows.Close()

		tests = tests[:0]
		for rows.Next() {
			et, err := scanEpicTest(rows)
			if err != nil {
				return err
			}
			tests = append(tests, *et)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list epic tests: %w", err)
	}
	return tests, nil
}

// NextTask selects the next unit of work for a project. An epic whose tasks
// are all done but whose epic-tests have not all passed is selected first
// (EpicTestRequired) — blocked epics included, so a blocked epic stays
// selected and keeps the project halted until its intervention is resolved.
// Otherwise the lowest-ordered open task in a workable epic. A nil WorkItem
// means the roadmap is exhausted.
func (s *Store) NextTask(ctx context.Context, projectID string) (*models.WorkItem, error) {
	var item *models.WorkItem
	err := s.withRetry(ctx, "next_task", func(ctx context.Context) error {
		item = nil

		row := s.db.Pool().QueryRow(ctx, `
			SELECT `+prefixColumns("e", epicColumns)+`
			FROM epics e
			WHERE e.project_id = $1
			  AND e.status IN ('pending', 'in_progress', 'blocked')
			  AND NOT EXISTS (
				SELECT 1 FROM tasks t WHERE t.epic_id = e.id AND NOT t.done)
			  AND EXISTS (
				SELECT 1 FROM epic_tests et WHERE et.epic_id = e.id
				  AND (et.last_result IS NULL OR et.last_result <> 'passed'))
			ORDER BY e.priority, e.id
			LIMIT 1`, projectID)
		epic, err := scanEpic(row)
		if err == nil {
			tests, err := s.listEpicTestsRaw(ctx, epic.ID)
			if err != nil {
				return err
			}
			item = &models.WorkItem{Kind: models.WorkEpicTests, Epic: epic, EpicTests: tests}
			return nil
		}
		if !noRows(err) {
			return err
		}

		row = s.db.Pool().QueryRow(ctx, `
			SELECT `+prefixColumns("t", taskColumns)+`, `+prefixColumns("e", epicColumns)+`
			FROM tasks t
			JOIN epics e ON e.id = t.epic_id
			WHERE t.project_id = $1
			  AND NOT t.done
			  AND e.status IN ('pending', 'in_progress')
			ORDER BY e.priority, e.id, t.priority, t.id
			LIMIT 1`, projectID)

		var task models.Task
		var epic2 models.Epic
		err = row.Scan(
			&task.ID, &task.EpicID, &task.ProjectID, &task.Priority,
			&task.Action, &task.Description, &task.Done, &task.CompletedAt,
			&task.CreatedAt,
			&epic2.ID, &epic2.ProjectID, &epic2.Name, &epic2.Description,
			&epic2.Priority, &epic2.Status, &epic2.CompletedAt, &epic2.CreatedAt)
		if err != nil {
			if noRows(err) {
				return nil
			}
			return err
		}
		item = &models.WorkItem{Kind: models.WorkTask, Epic: &epic2, Task: &task}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select next task: %w", err)
	}
	return item, nil
}

func (s *Store) listEpicTestsRaw(ctx context.Context, epicID string) ([]models.EpicTest, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+epicTestColumns+` FROM epic_tests WHERE epic_id = $1
		 ORDER BY created_at, id`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []models.EpicTest
	for rows.Next() {
		et, err := scanEpicTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, *et)
	}
	return tests, rows.Err()
}

func scanEpic(row pgx.Row) (*models.Epic, error) {
	var e models.Epic
	err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Description,
		&e.Priority, &e.Status, &e.CompletedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.EpicID, &t.ProjectID, &t.Priority,
		&t.Action, &t.Description, &t.Done, &t.CompletedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTest(row pgx.Row) (*models.Test, error) {
	var t models.Test
	err := row.Scan(&t.ID, &t.TaskID, &t.Category, &t.Requirements,
		&t.SuccessCriteria, &t.Steps, &t.Passes, &t.LastResult,
		&t.ExecutionTimeMS, &t.RetryCount, &t.VerifiedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanEpicTest(row pgx.Row) (*models.EpicTest, error) {
	var et models.EpicTest
	var deps, meta []byte
	err := row.Scan(&et.ID, &et.EpicID, &et.Name, &et.Description,
		&et.LastResult, &deps, &meta, &et.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(deps, &et.DependsOnTasks); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on_tasks: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &et.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &et, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
