// Package main provides the entry point for the Gridplane API server
//
// @title Gridplane API
// @version 0.1.0
// @description Database branching engine: fork, sync, and merge isolated schema branches of a live Postgres dataset
// @host localhost:8400
// @BasePath /
// @schemes http https
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/gridplane/gridplane/domain/branching"
	"github.com/gridplane/gridplane/domain/changelog"
	"github.com/gridplane/gridplane/domain/health"
	"github.com/gridplane/gridplane/domain/scheduler"
	"github.com/gridplane/gridplane/domain/tracing"
	"github.com/gridplane/gridplane/internal/config"
	"github.com/gridplane/gridplane/internal/database"
	"github.com/gridplane/gridplane/internal/server"
	"github.com/gridplane/gridplane/pkg/logger"
	"github.com/gridplane/gridplane/pkg/syshealth"
)

func main() {
	// Load .env files if present (for local development)
	// Order matters: .env.local overrides .env
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		server.Module,

		// OTel tracing (no-op unless an OTLP endpoint is configured)
		tracing.Module,

		// System health monitor (gates the provisioning worker under load)
		syshealth.Module,

		// Domain modules
		health.Module,
		changelog.Module,
		branching.Module,

		// Scheduler module (cron-based scheduled tasks)
		scheduler.Module,

		// Activation middleware: resolves the active branch per request
		fx.Invoke(registerActivation),
	).Run()
}

// registerActivation installs the branch activation middleware so every
// request can select the schema it operates on.
func registerActivation(e *echo.Echo, store *branching.Store, cfg *config.Config) {
	e.Use(branching.Middleware(store, cfg.Branching.SchemaPrefix))
}
