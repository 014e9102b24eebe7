package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/poofware/worktrack/internal/services"
	"github.com/poofware/worktrack/models"
	"github.com/poofware/worktrack/repositories"
	"github.com/poofware/worktrack/utils"
)

// Fixed ids so seeding can tell it already ran.
const (
	DemoClientID  = "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaa1"
	DemoProjectID = "bbbbbbbb-bbbb-4bbb-bbbb-bbbbbbbbbbb1"
)

var demoTasks = []services.TaskDraft{
	{Title: "Kick-off meeting", Priority: 1},
	{Title: "Collect requirements", Priority: 2},
	{Title: "Draft estimate", Priority: 3},
	{Title: "Review estimate with client", Priority: 3},
	{Title: "Schedule first milestone", Priority: 1},
}

// SeedDemoData creates a demo client with one active project and a handful
// of tasks. It is idempotent: an existing demo client means nothing to do.
func SeedDemoData(
	ctx context.Context,
	clients repositories.ClientRepository,
	projects repositories.ProjectRepository,
	maintenance services.MaintenanceService,
) error {
	clientID := uuid.MustParse(DemoClientID)
	projectID := uuid.MustParse(DemoProjectID)

	if _, err := clients.GetByID(ctx, clientID); err == nil {
		utils.Logger.Info("Seed data already present; skipping seeding.")
		return nil
	} else if !errors.Is(err, utils.ErrNotFound) {
		return fmt.Errorf("failed to check for demo client: %w", err)
	}

	client := &models.Client{
		ID:           clientID,
		Name:         "Demo Client",
		ContactEmail: "demo@example.com",
		Active:       true,
	}
	if err := clients.CreateSafely(ctx, client, nil); err != nil {
		return fmt.Errorf("seed demo client: %w", err)
	}

	due := time.Now().UTC().AddDate(0, 1, 0).Truncate(24 * time.Hour)
	project := &models.Project{
		ID:       projectID,
		ClientID: clientID,
		Name:     "Website Relaunch",
		Status:   models.ProjectStatusActive,
		DueDate:  &due,
	}
	if err := projects.CreateSafely(ctx, project, nil); err != nil {
		return fmt.Errorf("seed demo project: %w", err)
	}

	if _, err := maintenance.ImportTasks(ctx, clientID, projectID, demoTasks, nil); err != nil {
		return fmt.Errorf("seed demo tasks: %w", err)
	}

	utils.Logger.Info("Seeding completed successfully.")
	return nil
}
