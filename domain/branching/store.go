package branching

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// Store handles metadata operations for branches. Branch data lives in
// per-branch schemas; everything here touches only the branching schema
// in the main database.
type Store struct {
	db bun.IDB
}

// NewStore creates a new branching store
func NewStore(db bun.IDB) *Store {
	return &Store{db: db}
}

// List returns all branches, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status *Status) ([]*Branch, error) {
	var branches []*Branch
	q := s.db.NewSelect().Model(&branches).Order("created_at DESC")

	if status != nil {
		q = q.Where("status = ?", *status)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, err
	}

	return branches, nil
}

// GetByID returns a branch by ID, or nil if it doesn't exist.
func (s *Store) GetByID(ctx context.Context, id string) (*Branch, error) {
	branch := new(Branch)
	err := s.db.NewSelect().
		Model(branch).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return branch, nil
}

// GetByName returns a branch by name, or nil if it doesn't exist.
func (s *Store) GetByName(ctx context.Context, name string) (*Branch, error) {
	branch := new(Branch)
	err := s.db.NewSelect().
		Model(branch).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return branch, nil
}

// GetBySchemaID returns a branch by its schema identifier, or nil.
func (s *Store) GetBySchemaID(ctx context.Context, schemaID string) (*Branch, error) {
	branch := new(Branch)
	err := s.db.NewSelect().
		Model(branch).
		Where("schema_id = ?", schemaID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return branch, nil
}

// Create inserts a new branch and returns it.
func (s *Store) Create(ctx context.Context, branch *Branch) (*Branch, error) {
	_, err := s.db.NewInsert().
		Model(branch).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return branch, nil
}

// UpdateName renames a branch. Returns nil if the branch doesn't exist.
func (s *Store) UpdateName(ctx context.Context, id string, name string) (*Branch, error) {
	branch := new(Branch)
	_, err := s.db.NewUpdate().
		Model(branch).
		Set("name = ?", name).
		Set("updated_at = now()").
		Where("id = ?", id).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, err
	}

	if branch.ID == "" {
		return nil, nil
	}

	return branch, nil
}

// ClaimStatus atomically moves a branch from one status to another.
// Returns false when the branch was not in the expected status, which is
// how concurrent sync/merge attempts lose the race.
func (s *Store) ClaimStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	result, err := s.db.NewUpdate().
		Model((*Branch)(nil)).
		Set("status = ?", to).
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// SetStatus unconditionally sets the branch status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.NewUpdate().
		Model((*Branch)(nil)).
		Set("status = ?", status).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// FinishSync returns the branch to ready and records the sync time. Runs
// on the given transaction so it commits atomically with the replayed
// data.
func (s *Store) FinishSync(ctx context.Context, db bun.IDB, id string, syncedAt time.Time) error {
	_, err := db.NewUpdate().
		Model((*Branch)(nil)).
		Set("status = ?", StatusReady).
		Set("last_sync = ?", syncedAt).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// FinishMerge marks the branch merged and records who merged it. Runs on
// the given transaction so it commits atomically with the replayed data.
func (s *Store) FinishMerge(ctx context.Context, db bun.IDB, id string, mergedBy *string, mergedAt time.Time) error {
	_, err := db.NewUpdate().
		Model((*Branch)(nil)).
		Set("status = ?", StatusMerged).
		Set("merged_time = ?", mergedAt).
		Set("merged_by = ?", mergedBy).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// Delete removes a branch row, returns true if a row was deleted.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.NewDelete().
		Model((*Branch)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// InsertEvent appends a lifecycle event to the branch history.
func (s *Store) InsertEvent(ctx context.Context, db bun.IDB, event *BranchEvent) error {
	_, err := db.NewInsert().
		Model(event).
		Returning("*").
		Exec(ctx)
	return err
}

// ListEvents returns a branch's lifecycle events, newest first.
func (s *Store) ListEvents(ctx context.Context, branchID string) ([]*BranchEvent, error) {
	var events []*BranchEvent
	err := s.db.NewSelect().
		Model(&events).
		Where("branch_id = ?", branchID).
		OrderExpr("time DESC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return events, nil
}
