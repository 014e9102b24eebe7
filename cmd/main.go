package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/poofware/worktrack/internal/app"
	"github.com/poofware/worktrack/internal/config"
	"github.com/poofware/worktrack/repositories"
	"github.com/poofware/worktrack/utils"
	"github.com/robfig/cron/v3"
	_ "time/tzdata"
)

const maintenanceJobTimeout = 30 * time.Minute

const usage = `usage: worktrack <command> [flags]

commands:
  schema                 apply the database schema
  seed                   insert demo data (idempotent)
  archive                archive DONE tasks older than ARCHIVE_AFTER
  recount -project <id>  recompute a project's open task count
  serve                  run maintenance on MAINTENANCE_CRON until stopped
`

var commands = map[string]func(ctx context.Context, a *app.App, args []string) error{
	"schema":  func(context.Context, *app.App, []string) error { return nil },
	"seed":    runSeed,
	"archive": func(ctx context.Context, a *app.App, _ []string) error { return runArchive(ctx, a) },
	"recount": runRecount,
	"serve":   func(ctx context.Context, a *app.App, _ []string) error { return serve(ctx, a) },
}

func main() {
	utils.InitLogger(config.AppName)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]
	command, ok := commands[name]
	if !ok {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(name, command, args); err != nil {
		utils.Logger.WithError(err).Errorf("%s failed", name)
		os.Exit(1)
	}
}

// run owns every resource of the process, so its deferred cleanup always
// runs before main exits.
func run(name string, command func(context.Context, *app.App, []string) error, args []string) error {
	cfg := config.LoadConfig()
	application, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("initialize worktrack: %w", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repositories.EnsureSchema(ctx, application.Engine); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if cfg.LDFlag_SeedDbWithTestData && name != "seed" {
		if err := runSeed(ctx, application, nil); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
	}
	return command(ctx, application, args)
}

func runSeed(ctx context.Context, a *app.App, _ []string) error {
	return app.SeedDemoData(ctx, a.Clients, a.Projects, a.Maintenance)
}

func runArchive(ctx context.Context, a *app.App) error {
	cutoff := time.Now().UTC().Add(-a.Config.ArchiveAfter)
	res, err := a.Maintenance.ArchiveCompletedTasks(ctx, cutoff, nil)
	if err != nil {
		return err
	}
	utils.Logger.Infof("Archived %d tasks, skipped %d changed concurrently", res.Archived, res.Skipped)
	return nil
}

func runRecount(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("recount", flag.ContinueOnError)
	projectFlag := fs.String("project", "", "project id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	projectID, err := uuid.Parse(*projectFlag)
	if err != nil {
		return fmt.Errorf("invalid -project: %w", err)
	}

	p, err := a.Maintenance.RecountProject(ctx, projectID, nil)
	if err != nil {
		return err
	}
	utils.Logger.Infof("Project %s has %d open tasks (version %d)", p.ID, p.OpenTaskCount, p.RowVersion)
	return nil
}

// serve runs archive and recount on a cron schedule. Several replicas
// may run it: the archive lock lets only one of them work at a time.
func serve(ctx context.Context, a *app.App) error {
	if a.Config.MaintenanceCron == "" {
		return fmt.Errorf("MAINTENANCE_CRON is not set")
	}

	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(a.Config.MaintenanceCron, func() {
		jobCtx, cancel := context.WithTimeout(ctx, maintenanceJobTimeout)
		defer cancel()
		utils.Logger.Info("Starting maintenance cron job...")
		if err := runArchive(jobCtx, a); err != nil {
			utils.Logger.WithError(err).Error("Failed to archive completed tasks")
		}
		changed, err := a.Maintenance.RecountUnfinishedProjects(jobCtx, nil)
		if err != nil {
			utils.Logger.WithError(err).Error("Failed to recount projects")
			return
		}
		utils.Logger.Infof("Recounted projects, %d changed", changed)
	})
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	c.Start()
	utils.Logger.Infof("Scheduled maintenance cron job (%s)", a.Config.MaintenanceCron)

	<-ctx.Done()
	utils.Logger.Info("Shutting down, waiting for running jobs...")
	<-c.Stop().Done()
	return nil
}
