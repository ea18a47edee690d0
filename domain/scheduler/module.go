package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/gridplane/gridplane/domain/branching"
)

// Module provides scheduled task functionality
var Module = fx.Module("scheduler",
	fx.Provide(
		NewConfig,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for creating scheduled tasks
type TaskParams struct {
	fx.In
	Scheduler *Scheduler
	DB        *bun.DB
	Branching *branching.Service
	Log       *slog.Logger
	Cfg       *Config
}

// RegisterTasks registers all scheduled tasks
func RegisterTasks(p TaskParams) error {
	if !p.Cfg.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	// A cron schedule override takes precedence over the interval
	add := func(name, schedule string, interval time.Duration, task TaskFunc) {
		var err error
		if schedule != "" {
			err = p.Scheduler.AddCronTask(name, schedule, task)
		} else {
			err = p.Scheduler.AddIntervalTask(name, interval, task)
		}
		if err != nil {
			p.Log.Error("failed to register scheduled task",
				slog.String("task", name),
				slog.String("error", err.Error()))
		}
	}

	// Stale provisioning job recovery always runs
	staleTask := NewStaleJobRecoveryTask(p.DB, p.Log, p.Cfg.StaleJobMinutes)
	add("stale_job_recovery", p.Cfg.StaleJobRecoverySchedule,
		p.Cfg.StaleJobRecoveryInterval, staleTask.Run)

	// Auto-sync when enabled
	if p.Cfg.AutoSyncInterval > 0 || p.Cfg.AutoSyncSchedule != "" {
		syncTask := NewAutoSyncTask(p.Branching, p.Log)
		add("branch_auto_sync", p.Cfg.AutoSyncSchedule,
			p.Cfg.AutoSyncInterval, syncTask.Run)
	}

	// Merged-schema cleanup when retention is configured
	if p.Cfg.MergedRetention > 0 {
		cleanupTask := NewMergedCleanupTask(p.Branching, p.Log, p.Cfg.MergedRetention)
		add("merged_branch_cleanup", p.Cfg.MergedCleanupSchedule,
			p.Cfg.MergedCleanupInterval, cleanupTask.Run)
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *Config) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
