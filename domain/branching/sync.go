package branching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gridplane/gridplane/pkg/apperror"
	"github.com/gridplane/gridplane/pkg/logger"
	"github.com/gridplane/gridplane/pkg/tracing"
)

// errDryRunRollback aborts a dry-run transaction after replay succeeded.
var errDryRunRollback = fmt.Errorf("dry run: rolling back")

// Sync replays main-schema changes made since the branch last caught up
// into the branch schema. Requires status ready; on success last_sync is
// updated, on failure the branch returns to ready with nothing applied.
// With commit=false the full replay runs and is then rolled back,
// validating that a real sync would succeed.
func (s *Service) Sync(ctx context.Context, id string, commit bool) (*Branch, error) {
	ctx, span := tracing.Start(ctx, "branching.sync",
		attribute.String("branch.id", id),
		attribute.Bool("commit", commit))
	defer span.End()

	branch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	claimed, err := s.store.ClaimStatus(ctx, id, StatusReady, StatusSyncing)
	if err != nil {
		return nil, fmt.Errorf("claim branch for sync: %w", err)
	}
	if !claimed {
		return nil, apperror.ErrBranchNotReady.WithMessage(
			fmt.Sprintf("branch is %s; only a ready branch can be synced", branch.Status))
	}

	start := time.Now()
	syncedAt := start.UTC()
	schema := branch.SchemaName(s.cfg.Branching.SchemaPrefix)
	user := CurrentUser(ctx)

	s.log.Info("syncing branch",
		slog.String("branch_id", branch.ID),
		slog.String("schema", schema),
		slog.Bool("commit", commit),
		slog.Time("since", branch.SyncedTime()))

	applied, err := s.replaySync(ctx, branch, schema, syncedAt, user, commit)
	if err != nil {
		observeOperation("sync", "error")
		if serr := s.store.SetStatus(ctx, id, StatusReady); serr != nil {
			s.log.Error("failed to restore branch to ready after sync error",
				slog.String("branch_id", id), logger.Error(serr))
		}
		return nil, err
	}

	if !commit {
		// dry run: nothing happened, just hand the branch back
		if err := s.store.SetStatus(ctx, id, StatusReady); err != nil {
			return nil, fmt.Errorf("restore branch after dry run: %w", err)
		}
		s.log.Info("sync dry run succeeded",
			slog.String("branch_id", branch.ID),
			slog.Int("changes", applied))
		return s.Get(ctx, id)
	}

	observeOperation("sync", "ok")
	observeDuration("sync", time.Since(start))
	observeReplayed("sync", applied)
	s.log.Info("branch synced",
		slog.String("branch_id", branch.ID),
		slog.Int("changes", applied),
		slog.Duration("elapsed", time.Since(start)))
	return s.Get(ctx, id)
}

// replaySync runs the sync transaction and returns the number of records
// applied. The branch row updates (last_sync, status, event) ride on the
// same transaction, so a failed replay leaves no trace.
func (s *Service) replaySync(ctx context.Context, branch *Branch, schema string, syncedAt time.Time, user *string, commit bool) (int, error) {
	tables, err := s.registry.DataTables(ctx)
	if err != nil {
		return 0, err
	}

	recs, err := s.chStore.Since(ctx, s.cfg.Branching.MainSchema, tables, branch.SyncedTime())
	if err != nil {
		return 0, fmt.Errorf("load unsynced changes: %w", err)
	}

	applied := len(recs)
	// replay runs with the branch active, like any other write to its schema
	ctx = WithActiveBranch(ctx, branch)
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.replayer.ReplayAll(ctx, tx, schema, recs); err != nil {
			return err
		}

		if err := s.store.FinishSync(ctx, tx, branch.ID, syncedAt); err != nil {
			return fmt.Errorf("record sync time: %w", err)
		}

		event := &BranchEvent{BranchID: branch.ID, UserName: user, Type: EventSynced}
		if err := s.store.InsertEvent(ctx, tx, event); err != nil {
			return fmt.Errorf("record synced event: %w", err)
		}

		if !commit {
			return errDryRunRollback
		}
		return nil
	})
	if err != nil {
		if !commit && err == errDryRunRollback {
			return applied, nil
		}
		return 0, err
	}
	return applied, nil
}
