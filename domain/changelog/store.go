package changelog

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"

	"github.com/gridplane/gridplane/internal/config"
	"github.com/gridplane/gridplane/pkg/logger"
)

// Store reads and copies change records across schemas. Every query names
// its schema explicitly; nothing here relies on the connection search path.
type Store struct {
	db  *bun.DB
	cfg *config.Config
	log *slog.Logger
}

func NewStore(db *bun.DB, cfg *config.Config, log *slog.Logger) *Store {
	return &Store{
		db:  db,
		cfg: cfg,
		log: log.With(logger.Scope("changelog.store")),
	}
}

// InSchema returns every change record in the given schema in replay
// order: time first, id as the tiebreaker.
func (s *Store) InSchema(ctx context.Context, schema string) ([]*ChangeRecord, error) {
	var recs []*ChangeRecord
	err := s.db.NewSelect().
		Model(&recs).
		ModelTableExpr("?.? AS cr", bun.Ident(schema), bun.Ident(s.cfg.Branching.ChangeLogTable)).
		OrderExpr("cr.time ASC, cr.id ASC").
		Scan(ctx)
	return recs, err
}

// Since returns the change records in the given schema that touch one of
// the listed tables and are newer than the given time, in replay order.
// This is the sync feed: main-schema changes a branch has not seen yet.
func (s *Store) Since(ctx context.Context, schema string, tables []string, since time.Time) ([]*ChangeRecord, error) {
	var recs []*ChangeRecord
	err := s.db.NewSelect().
		Model(&recs).
		ModelTableExpr("?.? AS cr", bun.Ident(schema), bun.Ident(s.cfg.Branching.ChangeLogTable)).
		Where("cr.table_name = ANY(?)", pq.Array(tables)).
		Where("cr.time > ?", since).
		OrderExpr("cr.time ASC, cr.id ASC").
		Scan(ctx)
	return recs, err
}

// CountBetween counts change records in a schema within the half-open
// interval (after, until]. A nil bound is unbounded on that side.
func (s *Store) CountBetween(ctx context.Context, schema string, after, until *time.Time) (int, error) {
	q := s.db.NewSelect().
		Model((*ChangeRecord)(nil)).
		ModelTableExpr("?.? AS cr", bun.Ident(schema), bun.Ident(s.cfg.Branching.ChangeLogTable))
	if after != nil {
		q = q.Where("cr.time > ?", *after)
	}
	if until != nil {
		q = q.Where("cr.time <= ?", *until)
	}
	return q.Count(ctx)
}

// CopyToMain copies the identified change records from a branch schema
// into the main change log, preserving their ids. Branch schemas draw ids
// from the main sequence, so the ids cannot collide with rows already in
// main. Runs on the caller's transaction.
func (s *Store) CopyToMain(ctx context.Context, db bun.IDB, schema string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.NewRaw(
		"INSERT INTO ?.? SELECT * FROM ?.? WHERE id = ANY(?)",
		bun.Ident(s.cfg.Branching.MainSchema), bun.Ident(s.cfg.Branching.ChangeLogTable),
		bun.Ident(schema), bun.Ident(s.cfg.Branching.ChangeLogTable),
		pq.Array(ids),
	).Exec(ctx)
	return err
}

// RecordApplied writes the provenance rows linking merged change records
// back to the branch they came from. Runs on the caller's transaction.
func (s *Store) RecordApplied(ctx context.Context, db bun.IDB, branchID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]*AppliedChange, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, &AppliedChange{
			BranchID:       branchID,
			ChangeRecordID: id,
			AppliedAt:      now,
		})
	}
	_, err := db.NewInsert().Model(&rows).Exec(ctx)
	return err
}

// MergedFromBranch returns the main-schema change records that were merged
// from the given branch, in replay order.
func (s *Store) MergedFromBranch(ctx context.Context, branchID string) ([]*ChangeRecord, error) {
	var recs []*ChangeRecord
	err := s.db.NewSelect().
		Model(&recs).
		ModelTableExpr("?.? AS cr", bun.Ident(s.cfg.Branching.MainSchema), bun.Ident(s.cfg.Branching.ChangeLogTable)).
		Join("JOIN branching.applied_changes AS ac ON ac.change_record_id = cr.id").
		Where("ac.branch_id = ?", branchID).
		OrderExpr("cr.time ASC, cr.id ASC").
		Scan(ctx)
	return recs, err
}

// BranchesThatChanged returns the ids of branches whose merged changes
// touched the given record, most recent merge first.
func (s *Store) BranchesThatChanged(ctx context.Context, tableName string, recordID int64) ([]string, error) {
	var branchIDs []string
	err := s.db.NewSelect().
		ModelTableExpr("branching.applied_changes AS ac").
		ColumnExpr("DISTINCT ac.branch_id").
		Join("JOIN ?.? AS cr ON cr.id = ac.change_record_id", bun.Ident(s.cfg.Branching.MainSchema), bun.Ident(s.cfg.Branching.ChangeLogTable)).
		Where("cr.table_name = ?", tableName).
		Where("cr.record_id = ?", recordID).
		Scan(ctx, &branchIDs)
	return branchIDs, err
}
