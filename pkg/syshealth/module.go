package syshealth

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
)

// Module provides the system health monitor to the fx app.
var Module = fx.Module("syshealth",
	fx.Provide(newMonitorFromDB),
	fx.Invoke(registerMonitorLifecycle),
)

func newMonitorFromDB(db *bun.DB, log *slog.Logger) Monitor {
	return NewMonitor(DefaultConfig(), db, log)
}

func registerMonitorLifecycle(lc fx.Lifecycle, m Monitor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return m.Start() },
		OnStop:  func(context.Context) error { return m.Stop() },
	})
}
