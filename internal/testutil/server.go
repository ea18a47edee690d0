package testutil

import (
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gridplane/gridplane/domain/branching"
	"github.com/gridplane/gridplane/domain/changelog"
	"github.com/gridplane/gridplane/domain/health"
	"github.com/gridplane/gridplane/pkg/apperror"
)

// TestServer wires an in-process Echo instance with the branching API,
// backed by a TestDB. It mirrors the production middleware stack minus
// listeners, so handler tests exercise real routing and error handling.
type TestServer struct {
	Echo *echo.Echo
	DB   *TestDB

	Branching   *branching.Service
	Store       *branching.Store
	Provisioner *branching.Provisioner
	Changelog   *changelog.Store
	Replayer    *changelog.Replayer
	Registry    *changelog.Registry
}

// NewTestServer builds the in-process server against the given TestDB.
func NewTestServer(tdb *TestDB) *TestServer {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := tdb.Config

	registry := changelog.NewRegistry(tdb.DB, cfg, log)
	chStore := changelog.NewStore(tdb.DB, cfg, log)
	replayer := changelog.NewReplayer(log)

	store := branching.NewStore(tdb.DB)
	provisioner := branching.NewProvisioner(tdb.DB, store, registry, cfg, log)
	svc := branching.NewService(tdb.DB, store, chStore, registry, replayer, provisioner, cfg, log)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(log)
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestID())
	e.Use(branching.Middleware(store, cfg.Branching.SchemaPrefix))

	branching.RegisterRoutes(e, branching.NewHandler(svc, cfg))
	health.RegisterRoutes(e, health.NewHandler(tdb.Pool, cfg), health.NewMetricsHandler(tdb.DB))

	return &TestServer{
		Echo:        e,
		DB:          tdb,
		Branching:   svc,
		Store:       store,
		Provisioner: provisioner,
		Changelog:   chStore,
		Replayer:    replayer,
		Registry:    registry,
	}
}
