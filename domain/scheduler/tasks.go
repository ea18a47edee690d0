package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/gridplane/gridplane/domain/branching"
	"github.com/gridplane/gridplane/pkg/logger"
)

// StaleJobRecoveryTask returns provisioning jobs (and their branches)
// that were abandoned mid-flight back to a runnable state. A worker crash
// leaves the job in 'processing' and the branch in 'provisioning'; this
// task resets both so the next poll picks the work up again.
type StaleJobRecoveryTask struct {
	db           *bun.DB
	log          *slog.Logger
	staleMinutes int
}

// NewStaleJobRecoveryTask creates a new stale job recovery task
func NewStaleJobRecoveryTask(db *bun.DB, log *slog.Logger, staleMinutes int) *StaleJobRecoveryTask {
	if staleMinutes <= 0 {
		staleMinutes = 30
	}
	return &StaleJobRecoveryTask{
		db:           db,
		log:          log.With(logger.Scope("scheduler.stale_job_recovery")),
		staleMinutes: staleMinutes,
	}
}

// Run executes the stale job recovery
func (t *StaleJobRecoveryTask) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := time.Now().Add(-time.Duration(t.staleMinutes) * time.Minute)

	result, err := t.db.ExecContext(ctx, `
		UPDATE branching.provision_jobs
		SET status = 'pending', started_at = NULL, updated_at = NOW()
		WHERE status = 'processing'
		AND started_at < ?
	`, cutoff)
	if err != nil {
		t.log.Error("failed to recover stale provisioning jobs", logger.Error(err))
		return err
	}
	jobsRecovered, _ := result.RowsAffected()

	// branches stuck mid-provision go back to 'new' so the recovered job
	// can claim them again
	result, err = t.db.ExecContext(ctx, `
		UPDATE branching.branches
		SET status = 'new', updated_at = NOW()
		WHERE status = 'provisioning'
		AND updated_at < ?
	`, cutoff)
	if err != nil {
		t.log.Error("failed to reset stuck branches", logger.Error(err))
		return err
	}
	branchesReset, _ := result.RowsAffected()

	if jobsRecovered > 0 || branchesReset > 0 {
		t.log.Info("recovered stale provisioning work",
			slog.Int64("jobs", jobsRecovered),
			slog.Int64("branches", branchesReset),
			slog.Duration("duration", time.Since(start)))
	} else {
		t.log.Debug("no stale provisioning work",
			slog.Duration("duration", time.Since(start)))
	}

	return nil
}

// AutoSyncTask keeps every ready branch current with main by running a
// sync on each. Branches that lose the ready/syncing race are skipped.
type AutoSyncTask struct {
	svc *branching.Service
	log *slog.Logger
}

// NewAutoSyncTask creates a new auto-sync task
func NewAutoSyncTask(svc *branching.Service, log *slog.Logger) *AutoSyncTask {
	return &AutoSyncTask{
		svc: svc,
		log: log.With(logger.Scope("scheduler.auto_sync")),
	}
}

// Run executes a sync of every ready branch
func (t *AutoSyncTask) Run(ctx context.Context) error {
	ready := branching.StatusReady
	branches, err := t.svc.List(ctx, &ready)
	if err != nil {
		t.log.Error("failed to list ready branches", logger.Error(err))
		return err
	}

	for _, b := range branches {
		if _, err := t.svc.Sync(ctx, b.ID, true); err != nil {
			t.log.Warn("auto-sync failed for branch",
				slog.String("branch_id", b.ID),
				slog.String("name", b.Name),
				logger.Error(err))
		}
	}
	return nil
}

// MergedCleanupTask drops the schemas of branches that were merged longer
// ago than the retention period. The branch rows and their event history
// stay; only the (now redundant) data schema goes away.
type MergedCleanupTask struct {
	svc       *branching.Service
	log       *slog.Logger
	retention time.Duration
}

// NewMergedCleanupTask creates a new merged-schema cleanup task
func NewMergedCleanupTask(svc *branching.Service, log *slog.Logger, retention time.Duration) *MergedCleanupTask {
	return &MergedCleanupTask{
		svc:       svc,
		log:       log.With(logger.Scope("scheduler.merged_cleanup")),
		retention: retention,
	}
}

// Run executes the merged-schema cleanup
func (t *MergedCleanupTask) Run(ctx context.Context) error {
	merged := branching.StatusMerged
	branches, err := t.svc.List(ctx, &merged)
	if err != nil {
		t.log.Error("failed to list merged branches", logger.Error(err))
		return err
	}

	cutoff := time.Now().Add(-t.retention)
	for _, b := range branches {
		if b.MergedTime == nil || b.MergedTime.After(cutoff) {
			continue
		}
		if err := t.svc.Deprovision(ctx, b.ID); err != nil {
			t.log.Warn("failed to drop merged branch schema",
				slog.String("branch_id", b.ID),
				logger.Error(err))
			continue
		}
		t.log.Info("dropped merged branch schema",
			slog.String("branch_id", b.ID),
			slog.String("name", b.Name))
	}
	return nil
}
