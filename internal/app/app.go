package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/poofware/worktrack/internal/config"
	"github.com/poofware/worktrack/internal/services"
	"github.com/poofware/worktrack/repositories"
	"github.com/poofware/worktrack/txengine"
	"github.com/poofware/worktrack/utils"
)

const (
	maxRetries     = 5
	connectTimeout = 5 * time.Second
	initialBackoff = 500 * time.Millisecond
	minPoolConns   = 16
)

type App struct {
	Config *config.Config
	DB     *pgxpool.Pool
	Engine *txengine.Engine

	Clients     repositories.ClientRepository
	Projects    repositories.ProjectRepository
	Tasks       repositories.TaskRepository
	Maintenance services.MaintenanceService
}

func NewApp(cfg *config.Config) (*App, error) {
	var (
		dbPool  *pgxpool.Pool
		err     error
		backoff = initialBackoff
	)

	for i := 1; i <= maxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		dbPool, err = newDBPool(ctx, cfg.DBUrl)
		cancel()
		if err == nil {
			utils.Logger.Infof("%s connected to DB on attempt %d", cfg.AppName, i)
			break
		}

		utils.Logger.WithError(err).Warnf(
			"Failed DB connect on attempt %d/%d. Retrying in %v...",
			i, maxRetries, backoff,
		)

		if i == maxRetries {
			return nil, fmt.Errorf("unable to connect after %d attempts: %w", maxRetries, err)
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	engine, err := txengine.New(dbPool, cfg.EngineOptions())
	if err != nil {
		dbPool.Close()
		return nil, err
	}

	projects := repositories.NewProjectRepository(dbPool, engine)
	tasks := repositories.NewTaskRepository(dbPool, engine)
	return &App{
		Config:      cfg,
		DB:          dbPool,
		Engine:      engine,
		Clients:     repositories.NewClientRepository(dbPool, engine),
		Projects:    projects,
		Tasks:       tasks,
		Maintenance: services.NewMaintenanceService(engine, projects, tasks),
	}, nil
}

func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		utils.Logger.Infof("%s DB connection closed.", a.Config.AppName)
	}
}

func newDBPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	return pgxpool.ConnectConfig(ctx, cfg)
}

// poolConfig raises MaxConns to minPoolConns. A process waiting on an
// advisory lock pins one connection per waiter, and the holder still needs
// its own for the work it runs under the lock.
func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnIdleTime = 2 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	if cfg.MaxConns < minPoolConns {
		cfg.MaxConns = minPoolConns
	}
	return cfg, nil
}
