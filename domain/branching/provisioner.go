package branching

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gridplane/gridplane/domain/changelog"
	"github.com/gridplane/gridplane/internal/config"
	"github.com/gridplane/gridplane/pkg/apperror"
	"github.com/gridplane/gridplane/pkg/logger"
	"github.com/gridplane/gridplane/pkg/pgutils"
	"github.com/gridplane/gridplane/pkg/tracing"
)

// Provisioner builds and tears down branch schemas. Provisioning copies
// every branch-aware table from the main schema in a single transaction,
// so a branch is always a consistent snapshot of main at one moment.
type Provisioner struct {
	db       *bun.DB
	store    *Store
	registry *changelog.Registry
	cfg      *config.Config
	log      *slog.Logger
}

func NewProvisioner(db *bun.DB, store *Store, registry *changelog.Registry, cfg *config.Config, log *slog.Logger) *Provisioner {
	return &Provisioner{
		db:       db,
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      log.With(logger.Scope("branching.provisioner")),
	}
}

// Provision creates the branch schema and moves the branch to ready.
// Requires status new; on failure the branch goes to failed and any
// partially created schema is dropped.
func (p *Provisioner) Provision(ctx context.Context, branch *Branch) error {
	ctx, span := tracing.Start(ctx, "branching.provision",
		attribute.String("branch.id", branch.ID))
	defer span.End()

	claimed, err := p.store.ClaimStatus(ctx, branch.ID, StatusNew, StatusProvisioning)
	if err != nil {
		return fmt.Errorf("claim branch for provisioning: %w", err)
	}
	if !claimed {
		return apperror.ErrConflict.WithMessage(fmt.Sprintf("branch %s is not awaiting provisioning", branch.ID))
	}

	start := time.Now()
	schema := branch.SchemaName(p.cfg.Branching.SchemaPrefix)
	p.log.Info("provisioning branch",
		slog.String("branch_id", branch.ID),
		slog.String("schema", schema))

	if err := p.buildSchema(ctx, branch, schema); err != nil {
		observeOperation("provision", "error")
		p.log.Error("provisioning failed",
			slog.String("branch_id", branch.ID),
			logger.Error(err))

		// best effort: remove whatever was created before marking failed
		p.dropSchema(ctx, schema)
		if serr := p.store.SetStatus(ctx, branch.ID, StatusFailed); serr != nil {
			p.log.Error("failed to mark branch failed", logger.Error(serr))
		}
		return err
	}

	observeOperation("provision", "ok")
	observeDuration("provision", time.Since(start))
	p.log.Info("branch provisioned",
		slog.String("branch_id", branch.ID),
		slog.String("schema", schema),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Provisioner) buildSchema(ctx context.Context, branch *Branch, schema string) error {
	tables, err := p.registry.Tables(ctx)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin provisioning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "CREATE SCHEMA ?", bun.Ident(schema)); err != nil {
		if pgutils.IsInsufficientPrivilege(err) {
			return apperror.New(http.StatusForbidden, "insufficient_privilege",
				"database role lacks CREATE privilege on the database; grant it with GRANT CREATE ON DATABASE").
				WithInternal(err)
		}
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	main := p.cfg.Branching.MainSchema
	for _, table := range tables {
		if err := p.replicateTable(ctx, tx, schema, main, table); err != nil {
			return fmt.Errorf("replicate table %s: %w", table, err)
		}
	}

	event := &BranchEvent{BranchID: branch.ID, UserName: branch.Owner, Type: EventProvisioned}
	if err := p.store.InsertEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("record provisioned event: %w", err)
	}

	if _, err := tx.NewUpdate().
		Model((*Branch)(nil)).
		Set("status = ?", StatusReady).
		Set("updated_at = now()").
		Where("id = ?", branch.ID).
		Exec(ctx); err != nil {
		return fmt.Errorf("mark branch ready: %w", err)
	}

	return tx.Commit()
}

// replicateTable clones one table into the branch schema: structure,
// defaults, and indexes via LIKE, id defaults repointed at the main
// sequence so ids never collide across schemas, and rows copied for
// everything except the change log (a new branch starts with an empty
// log).
func (p *Provisioner) replicateTable(ctx context.Context, tx bun.Tx, schema, main, table string) error {
	_, err := tx.ExecContext(ctx,
		"CREATE TABLE ?.? (LIKE ?.? INCLUDING DEFAULTS INCLUDING INDEXES)",
		bun.Ident(schema), bun.Ident(table),
		bun.Ident(main), bun.Ident(table))
	if err != nil {
		return err
	}

	var seq *string
	err = tx.NewRaw("SELECT pg_get_serial_sequence(?, 'id')", main+"."+table).Scan(ctx, &seq)
	if err != nil {
		return fmt.Errorf("resolve id sequence: %w", err)
	}
	if seq != nil && *seq != "" {
		_, err = tx.ExecContext(ctx,
			"ALTER TABLE ?.? ALTER COLUMN id SET DEFAULT nextval(?::regclass)",
			bun.Ident(schema), bun.Ident(table), *seq)
		if err != nil {
			return fmt.Errorf("repoint id sequence: %w", err)
		}
	}

	if table == p.cfg.Branching.ChangeLogTable {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO ?.? SELECT * FROM ?.?",
		bun.Ident(schema), bun.Ident(table),
		bun.Ident(main), bun.Ident(table))
	return err
}

// Deprovision drops the branch schema and records the event. Safe to call
// on a branch whose schema is already gone.
func (p *Provisioner) Deprovision(ctx context.Context, branch *Branch, userName *string) error {
	exists, err := p.SchemaExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	schema := branch.SchemaName(p.cfg.Branching.SchemaPrefix)
	p.log.Info("deprovisioning branch",
		slog.String("branch_id", branch.ID),
		slog.String("schema", schema))

	if _, err := p.db.ExecContext(ctx, "DROP SCHEMA IF EXISTS ? CASCADE", bun.Ident(schema)); err != nil {
		return fmt.Errorf("drop schema %s: %w", schema, err)
	}

	event := &BranchEvent{BranchID: branch.ID, UserName: userName, Type: EventDeprovisioned}
	if err := p.store.InsertEvent(ctx, p.db, event); err != nil {
		return fmt.Errorf("record deprovisioned event: %w", err)
	}
	return nil
}

// SchemaExists reports whether the branch schema is present.
func (p *Provisioner) SchemaExists(ctx context.Context, branch *Branch) (bool, error) {
	schema := branch.SchemaName(p.cfg.Branching.SchemaPrefix)
	var exists bool
	err := p.db.NewRaw(
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = ?)",
		schema,
	).Scan(ctx, &exists)
	return exists, err
}

func (p *Provisioner) dropSchema(ctx context.Context, schema string) {
	if _, err := p.db.ExecContext(ctx, "DROP SCHEMA IF EXISTS ? CASCADE", bun.Ident(schema)); err != nil {
		p.log.Warn("cleanup of partial schema failed",
			slog.String("schema", schema),
			logger.Error(err))
	}
}
