package branching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/gridplane/gridplane/domain/changelog"
	"github.com/gridplane/gridplane/internal/config"
	"github.com/gridplane/gridplane/pkg/apperror"
	"github.com/gridplane/gridplane/pkg/logger"
	"github.com/gridplane/gridplane/pkg/pgutils"
)

// ProvisionJob is one queued provisioning request. Workers claim rows
// through the shared queue machinery (FOR UPDATE SKIP LOCKED).
type ProvisionJob struct {
	bun.BaseModel `bun:"table:branching.provision_jobs,alias:pj"`

	ID           string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	BranchID     string     `bun:"branch_id,notnull,type:uuid" json:"branch_id"`
	Status       string     `bun:"status,notnull,default:'pending'" json:"status"`
	Priority     int        `bun:"priority,notnull,default:0" json:"priority"`
	AttemptCount int        `bun:"attempt_count,notnull,default:0" json:"attempt_count"`
	LastError    *string    `bun:"last_error" json:"last_error,omitempty"`
	ScheduledAt  *time.Time `bun:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt    *time.Time `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `bun:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Service implements the branch lifecycle: create, rename, delete, and
// the change/event query surface. Sync and merge live in their own files.
type Service struct {
	db          *bun.DB
	store       *Store
	chStore     *changelog.Store
	registry    *changelog.Registry
	replayer    *changelog.Replayer
	provisioner *Provisioner
	cfg         *config.Config
	log         *slog.Logger
}

func NewService(
	db *bun.DB,
	store *Store,
	chStore *changelog.Store,
	registry *changelog.Registry,
	replayer *changelog.Replayer,
	provisioner *Provisioner,
	cfg *config.Config,
	log *slog.Logger,
) *Service {
	return &Service{
		db:          db,
		store:       store,
		chStore:     chStore,
		registry:    registry,
		replayer:    replayer,
		provisioner: provisioner,
		cfg:         cfg,
		log:         log.With(logger.Scope("branching.service")),
	}
}

// Create registers a branch and enqueues its provisioning job. The branch
// comes back in status new; a worker builds the schema asynchronously.
// Creating a branch while another branch is active is rejected: the new
// branch must snapshot main, not another branch.
func (s *Service) Create(ctx context.Context, req *CreateBranchRequest) (*Branch, error) {
	if req.Name == "" {
		return nil, apperror.NewBadRequest("branch name is required")
	}
	if ActiveBranch(ctx) != nil {
		return nil, apperror.ErrBranchActive.WithMessage("cannot create a branch while another branch is active")
	}

	if existing, err := s.store.GetByName(ctx, req.Name); err != nil {
		return nil, fmt.Errorf("check branch name: %w", err)
	} else if existing != nil {
		return nil, apperror.ErrConflict.WithMessage(fmt.Sprintf("branch %q already exists", req.Name))
	}

	owner := req.Owner
	if owner == nil {
		owner = CurrentUser(ctx)
	}

	branch := &Branch{
		Name:     req.Name,
		Owner:    owner,
		SchemaID: NewSchemaID(s.cfg.Branching.SchemaIDLength),
		Status:   StatusNew,
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(branch).Returning("*").Exec(ctx); err != nil {
			return err
		}
		job := &ProvisionJob{BranchID: branch.ID}
		_, err := tx.NewInsert().Model(job).Exec(ctx)
		return err
	})
	if err != nil {
		if pgutils.IsUniqueViolation(err) {
			return nil, apperror.ErrConflict.WithMessage(fmt.Sprintf("branch %q already exists", req.Name))
		}
		return nil, fmt.Errorf("create branch: %w", err)
	}

	s.log.Info("branch created",
		slog.String("branch_id", branch.ID),
		slog.String("name", branch.Name),
		slog.String("schema_id", branch.SchemaID))
	return branch, nil
}

// List returns branches, optionally filtered by status.
func (s *Service) List(ctx context.Context, status *Status) ([]*Branch, error) {
	return s.store.List(ctx, status)
}

// Get returns a branch by id.
func (s *Service) Get(ctx context.Context, id string) (*Branch, error) {
	branch, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if branch == nil {
		return nil, apperror.NewNotFound("branch", id)
	}
	return branch, nil
}

// Rename changes a branch's name. Rejected while the branch is
// mid-operation or while any branch is active in the calling context.
func (s *Service) Rename(ctx context.Context, id string, req *UpdateBranchRequest) (*Branch, error) {
	if req.Name == "" {
		return nil, apperror.NewBadRequest("branch name is required")
	}
	if ActiveBranch(ctx) != nil {
		return nil, apperror.ErrBranchActive.WithMessage("cannot modify a branch while a branch is active")
	}

	branch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if branch.Status.Transient() {
		return nil, apperror.ErrBranchNotReady.WithMessage(
			fmt.Sprintf("branch is %s and cannot be modified", branch.Status))
	}

	updated, err := s.store.UpdateName(ctx, id, req.Name)
	if err != nil {
		if pgutils.IsUniqueViolation(err) {
			return nil, apperror.ErrConflict.WithMessage(fmt.Sprintf("branch %q already exists", req.Name))
		}
		return nil, err
	}
	if updated == nil {
		return nil, apperror.NewNotFound("branch", id)
	}
	return updated, nil
}

// Delete removes a branch and its schema. Rejected while the branch is
// mid-operation or while any branch is active in the calling context.
func (s *Service) Delete(ctx context.Context, id string) error {
	if ActiveBranch(ctx) != nil {
		return apperror.ErrBranchActive.WithMessage("cannot delete a branch while a branch is active")
	}

	branch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if branch.Status.Transient() {
		return apperror.ErrBranchNotReady.WithMessage(
			fmt.Sprintf("branch is %s and cannot be deleted", branch.Status))
	}

	if err := s.provisioner.Deprovision(ctx, branch, CurrentUser(ctx)); err != nil {
		return err
	}

	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return apperror.NewNotFound("branch", id)
	}

	s.log.Info("branch deleted", slog.String("branch_id", id))
	return nil
}

// Deprovision drops the branch schema without deleting the branch row.
func (s *Service) Deprovision(ctx context.Context, id string) error {
	branch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if branch.Status.Transient() {
		return apperror.ErrBranchNotReady.WithMessage(
			fmt.Sprintf("branch is %s and cannot be deprovisioned", branch.Status))
	}
	return s.provisioner.Deprovision(ctx, branch, CurrentUser(ctx))
}

// Changes returns the change records attributed to a branch. While the
// branch is live they come from its own schema; after a merge they come
// from main's change log through the applied-change links. A branch that
// was never provisioned has no changes.
func (s *Service) Changes(ctx context.Context, id string) ([]*changelog.ChangeRecord, error) {
	branch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch branch.Status {
	case StatusNew, StatusProvisioning, StatusFailed:
		return []*changelog.ChangeRecord{}, nil
	case StatusMerged:
		return s.chStore.MergedFromBranch(ctx, branch.ID)
	default:
		return s.chStore.InSchema(ctx, branch.SchemaName(s.cfg.Branching.SchemaPrefix))
	}
}

// Provenance returns the branches whose merged changes touched the given
// record in the main schema.
func (s *Service) Provenance(ctx context.Context, tableName string, recordID int64) ([]*Branch, error) {
	ids, err := s.chStore.BranchesThatChanged(ctx, tableName, recordID)
	if err != nil {
		return nil, err
	}

	branches := make([]*Branch, 0, len(ids))
	for _, id := range ids {
		branch, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if branch != nil {
			branches = append(branches, branch)
		}
	}
	return branches, nil
}

// EventHistory returns the branch's lifecycle timeline, newest first,
// with each entry carrying the number of branch changes recorded after
// that event (and before the next newer one), interleaving lifecycle
// transitions with activity summaries.
func (s *Service) EventHistory(ctx context.Context, id string) ([]*HistoryEntry, error) {
	branch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	events, err := s.store.ListEvents(ctx, branch.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]*HistoryEntry, 0, len(events))
	countable := branch.Status == StatusReady || branch.Status == StatusSyncing || branch.Status == StatusMerging

	for i, event := range events {
		entry := &HistoryEntry{Event: event}
		if countable {
			// events are newest first: count changes between this event
			// and the next newer one (unbounded for the newest event)
			after := event.Time
			var until *time.Time
			if i > 0 {
				until = &events[i-1].Time
			}
			n, err := s.chStore.CountBetween(ctx, branch.SchemaName(s.cfg.Branching.SchemaPrefix), &after, until)
			if err != nil {
				return nil, err
			}
			entry.ChangeCount = n
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
