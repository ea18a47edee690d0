package branching

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/gridplane/gridplane/internal/config"
	"github.com/gridplane/gridplane/internal/jobs"
	"github.com/gridplane/gridplane/pkg/logger"
	"github.com/gridplane/gridplane/pkg/syshealth"
)

// ProvisionWorker drains the provisioning queue in the background.
// Provisioning copies the whole main dataset, so batches are skipped
// while system health is critical rather than piling schema copies onto
// an overloaded host.
type ProvisionWorker struct {
	queue       *jobs.Queue
	worker      *jobs.Worker
	store       *Store
	provisioner *Provisioner
	health      syshealth.Monitor
	scaler      *syshealth.ConcurrencyScaler
	log         *slog.Logger
}

func NewProvisionWorker(
	db *bun.DB,
	store *Store,
	provisioner *Provisioner,
	health syshealth.Monitor,
	cfg *config.Config,
	log *slog.Logger,
) *ProvisionWorker {
	w := &ProvisionWorker{
		store:       store,
		provisioner: provisioner,
		health:      health,
		log:         log.With(logger.Scope("branching.worker")),
	}

	// a failed provision marks the branch failed, so retrying the job
	// cannot succeed; one attempt per job
	queueCfg := jobs.DefaultQueueConfig("branching.provision_jobs", "branch_id")
	queueCfg.MaxAttempts = 1
	w.queue = jobs.NewQueue(db, queueCfg, w.log)
	w.scaler = syshealth.NewConcurrencyScaler(health, "provision", true, 1, queueCfg.BatchSize)

	workerCfg := jobs.DefaultWorkerConfig("provision-worker")
	workerCfg.PollInterval = cfg.Branching.WorkerPollInterval
	w.worker = jobs.NewWorker(workerCfg, w.log, w.processBatch)

	return w
}

func (w *ProvisionWorker) Start(ctx context.Context) error {
	return w.worker.Start(ctx)
}

func (w *ProvisionWorker) Stop(ctx context.Context) error {
	return w.worker.Stop(ctx)
}

// Queue exposes the underlying queue for stats and stale-job recovery.
func (w *ProvisionWorker) Queue() *jobs.Queue {
	return w.queue
}

func (w *ProvisionWorker) processBatch(ctx context.Context) error {
	if health := w.health.GetHealth(); health != nil && health.Zone == syshealth.HealthZoneCritical {
		w.log.Warn("skipping provisioning batch, system health critical",
			slog.Int("health_score", health.Score))
		return nil
	}

	// shrink the batch while the host is under load
	ids, err := w.queue.Dequeue(ctx, w.scaler.GetConcurrency(0))
	if err != nil {
		return err
	}

	for _, jobID := range ids {
		w.worker.IncrementProcessed()
		if err := w.processJob(ctx, jobID); err != nil {
			w.worker.IncrementFailure()
			w.log.Error("provisioning job failed",
				slog.String("job_id", jobID),
				logger.Error(err))
		} else {
			w.worker.IncrementSuccess()
		}
	}
	return nil
}

func (w *ProvisionWorker) processJob(ctx context.Context, jobID string) error {
	var job ProvisionJob
	if err := w.queue.GetJobByID(ctx, jobID, &job); err != nil {
		return err
	}

	branch, err := w.store.GetByID(ctx, job.BranchID)
	if err != nil {
		return w.fail(ctx, &job, err)
	}
	if branch == nil {
		// branch deleted before provisioning ran; nothing to do
		w.log.Warn("provisioning job for missing branch",
			slog.String("job_id", job.ID),
			slog.String("branch_id", job.BranchID))
		return w.queue.MarkCompleted(ctx, job.ID)
	}

	if err := w.provisioner.Provision(ctx, branch); err != nil {
		return w.fail(ctx, &job, err)
	}
	return w.queue.MarkCompleted(ctx, job.ID)
}

func (w *ProvisionWorker) fail(ctx context.Context, job *ProvisionJob, cause error) error {
	if err := w.queue.MarkFailed(ctx, job.ID, job.AttemptCount, cause.Error()); err != nil {
		w.log.Error("failed to mark job failed", logger.Error(err))
	}
	return cause
}

// registerWorkerLifecycle ties the worker to the fx application lifecycle.
func registerWorkerLifecycle(lc fx.Lifecycle, w *ProvisionWorker) {
	lc.Append(fx.Hook{
		OnStart: w.Start,
		OnStop:  w.Stop,
	})
}
