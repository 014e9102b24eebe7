//go:build integration

package integration

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/poofware/worktrack/models"
	"github.com/stretchr/testify/require"
)

// newProject creates a client and a project owned by it. Both are removed
// when the test ends; tasks go with them through ON DELETE CASCADE.
func newProject(t *testing.T) *models.Project {
	t.Helper()

	c := &models.Client{
		ID:           uuid.New(),
		Name:         fmt.Sprintf("client_%s", uuid.NewString()[:8]),
		ContactEmail: "it@example.com",
		Active:       true,
	}
	require.NoError(t, h.Clients.CreateSafely(h.Ctx, c, nil))
	t.Cleanup(func() { h.DB.Exec(h.Ctx, `DELETE FROM clients WHERE id=$1`, c.ID) })

	p := &models.Project{
		ID:       uuid.New(),
		ClientID: c.ID,
		Name:     "integration",
		Status:   models.ProjectStatusActive,
	}
	require.NoError(t, h.Projects.CreateSafely(h.Ctx, p, nil))
	return p
}

func newTask(t *testing.T, projectID uuid.UUID, title string) *models.Task {
	t.Helper()
	task := &models.Task{ID: uuid.New(), ProjectID: projectID, Title: title}
	require.NoError(t, h.Tasks.CreateSafely(h.Ctx, task, nil))
	return task
}
