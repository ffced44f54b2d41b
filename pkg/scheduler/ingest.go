package scheduler

import (
	"context"
	"fmt"

	"github.com/buildforge/foreman/pkg/runner"
	"github.com/buildforge/foreman/pkg/store"
)

// initIngestor persists the roadmap an initializer session plans, mapping
// the runner's external IDs to store row IDs as the stream arrives. The
// stream must announce parents before children.
type initIngestor struct {
	store     *store.Store
	projectID string
	epics     map[string]string // external epic ID → store ID
	tasks     map[string]string // external task ID → store ID
}

func newInitIngestor(st *store.Store, projectID string) *initIngestor {
	return &initIngestor{
		store:     st,
		projectID: projectID,
		epics:     make(map[string]string),
		tasks:     make(map[string]string),
	}
}

func (in *initIngestor) apply(ctx context.Context, ev runner.Event) error {
	switch e := ev.(type) {
	case runner.EpicPlanned:
		epic, err := in.store.CreateEpic(ctx, store.CreateEpicParams{
			ProjectID:   in.projectID,
			Name:        e.Name,
			Description: e.Description,
			Priority:    e.Priority,
		})
		if err != nil {
			return err
		}
		in.epics[e.ExternalID] = epic.ID

	case runner.TaskPlanned:
		epicID, ok := in.epics[e.ExternalEpicID]
		if !ok {
			return fmt.Errorf("task %s references unknown epic %s", e.ExternalID, e.ExternalEpicID)
		}
		task, err := in.store.CreateTask(ctx, store.CreateTaskParams{
			EpicID:      epicID,
			ProjectID:   in.projectID,
			Priority:    e.Priority,
			Action:      e.Action,
			Description: e.Description,
		})
		if err != nil {
			return err
		}
		in.tasks[e.ExternalID] = task.ID

	case runner.TestPlanned:
		taskID, ok := in.tasks[e.ExternalTaskID]
		if !ok {
			return fmt.Errorf("test %s references unknown task %s", e.ExternalID, e.ExternalTaskID)
		}
		_, err := in.store.CreateTest(ctx, store.CreateTestParams{
			TaskID:          taskID,
			Category:        e.Category,
			Requirements:    e.Requirements,
			SuccessCriteria: e.SuccessCriteria,
			Steps:           e.Steps,
		})
		if err != nil {
			return err
		}

	case runner.EpicTestPlanned:
		epicID, ok := in.epics[e.ExternalEpicID]
		if !ok {
			return fmt.Errorf("epic test %s references unknown epic %s", e.ExternalID, e.ExternalEpicID)
		}
		deps := make([]string, 0, len(e.DependsOnTasks))
		for _, ext := range e.DependsOnTasks {
			if id, ok := in.tasks[ext]; ok {
				deps = append(deps, id)
			}
		}
		_, err := in.store.CreateEpicTest(ctx, store.CreateEpicTestParams{
			EpicID:         epicID,
			Name:           e.Name,
			Description:    e.Description,
			DependsOnTasks: deps,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
