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

// Merge replays every change the branch recorded back into the main
// schema, in order, inside one transaction. On success the branch goes to
// merged with merged_time/merged_by set and provenance rows link each
// replayed record to the branch. On failure the branch returns to ready
// with main untouched. With commit=false the full replay runs and is then
// rolled back.
//
// Branch change records are copied into the main change log with their
// ids preserved; the shared id sequence guarantees no collision with
// records main produced in the meantime.
func (s *Service) Merge(ctx context.Context, id string, commit bool) (*Branch, error) {
	ctx, span := tracing.Start(ctx, "branching.merge",
		attribute.String("branch.id", id),
		attribute.Bool("commit", commit))
	defer span.End()

	branch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	claimed, err := s.store.ClaimStatus(ctx, id, StatusReady, StatusMerging)
	if err != nil {
		return nil, fmt.Errorf("claim branch for merge: %w", err)
	}
	if !claimed {
		return nil, apperror.ErrBranchNotReady.WithMessage(
			fmt.Sprintf("branch is %s; only a ready branch can be merged", branch.Status))
	}

	start := time.Now()
	schema := branch.SchemaName(s.cfg.Branching.SchemaPrefix)
	user := CurrentUser(ctx)

	s.log.Info("merging branch",
		slog.String("branch_id", branch.ID),
		slog.String("schema", schema),
		slog.Bool("commit", commit))

	applied, err := s.replayMerge(ctx, branch, schema, user, commit)
	if err != nil {
		observeOperation("merge", "error")
		if serr := s.store.SetStatus(ctx, id, StatusReady); serr != nil {
			s.log.Error("failed to restore branch to ready after merge error",
				slog.String("branch_id", id), logger.Error(serr))
		}
		return nil, err
	}

	if !commit {
		if err := s.store.SetStatus(ctx, id, StatusReady); err != nil {
			return nil, fmt.Errorf("restore branch after dry run: %w", err)
		}
		s.log.Info("merge dry run succeeded",
			slog.String("branch_id", branch.ID),
			slog.Int("changes", applied))
		return s.Get(ctx, id)
	}

	observeOperation("merge", "ok")
	observeDuration("merge", time.Since(start))
	observeReplayed("merge", applied)
	s.log.Info("branch merged",
		slog.String("branch_id", branch.ID),
		slog.Int("changes", applied),
		slog.Duration("elapsed", time.Since(start)))
	return s.Get(ctx, id)
}

func (s *Service) replayMerge(ctx context.Context, branch *Branch, schema string, user *string, commit bool) (int, error) {
	// Reading the history after the merging claim is safe: the query reads
	// the branch schema's change log directly, and the claim stops any
	// writer that routes by status from adding records underneath us.
	recs, err := s.chStore.InSchema(ctx, schema)
	if err != nil {
		return 0, fmt.Errorf("load branch changes: %w", err)
	}

	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}

	mergedAt := time.Now().UTC()
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.replayer.ReplayAll(ctx, tx, s.cfg.Branching.MainSchema, recs); err != nil {
			return err
		}

		if err := s.chStore.CopyToMain(ctx, tx, schema, ids); err != nil {
			return fmt.Errorf("copy change records to main: %w", err)
		}
		if err := s.chStore.RecordApplied(ctx, tx, branch.ID, ids); err != nil {
			return fmt.Errorf("record applied changes: %w", err)
		}

		if err := s.store.FinishMerge(ctx, tx, branch.ID, user, mergedAt); err != nil {
			return fmt.Errorf("mark branch merged: %w", err)
		}

		event := &BranchEvent{BranchID: branch.ID, UserName: user, Type: EventMerged}
		if err := s.store.InsertEvent(ctx, tx, event); err != nil {
			return fmt.Errorf("record merged event: %w", err)
		}

		if !commit {
			return errDryRunRollback
		}
		return nil
	})
	if err != nil {
		if !commit && err == errDryRunRollback {
			return len(recs), nil
		}
		return 0, err
	}
	return len(recs), nil
}
