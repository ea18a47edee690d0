package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lib/pq"
	"github.com/uptrace/bun"

	"github.com/gridplane/gridplane/internal/config"
	"github.com/gridplane/gridplane/pkg/logger"
)

// Registry resolves the set of tables that get replicated into branch
// schemas. The base set comes from configuration; join tables are
// discovered from the catalog so many-to-many relations between
// branch-aware tables follow their endpoints automatically.
type Registry struct {
	db  *bun.DB
	cfg *config.Config
	log *slog.Logger
}

func NewRegistry(db *bun.DB, cfg *config.Config, log *slog.Logger) *Registry {
	return &Registry{
		db:  db,
		cfg: cfg,
		log: log.With(logger.Scope("changelog.registry")),
	}
}

// Tables returns the ordered list of tables to replicate: the configured
// branch-aware tables, their discovered join tables, and the change log
// table itself (always last, so replay state lands after the data it
// describes during provisioning).
func (r *Registry) Tables(ctx context.Context) ([]string, error) {
	base := r.cfg.Branching.Tables

	joins, err := r.discoverJoinTables(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("discover join tables: %w", err)
	}

	seen := make(map[string]bool, len(base)+len(joins)+1)
	out := make([]string, 0, len(base)+len(joins)+1)
	for _, t := range base {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range joins {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)

	if !seen[r.cfg.Branching.ChangeLogTable] {
		out = append(out, r.cfg.Branching.ChangeLogTable)
	}
	return out, nil
}

// DataTables is Tables minus the change log table, for callers that only
// care about object data (sync and merge replay targets).
func (r *Registry) DataTables(ctx context.Context) ([]string, error) {
	all, err := r.Tables(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, t := range all {
		if t != r.cfg.Branching.ChangeLogTable {
			out = append(out, t)
		}
	}
	return out, nil
}

// discoverJoinTables finds tables in the main schema whose foreign keys
// land on two or more branch-aware tables. Those are treated as join
// tables and replicated alongside their endpoints.
func (r *Registry) discoverJoinTables(ctx context.Context, base []string) ([]string, error) {
	if len(base) == 0 {
		return nil, nil
	}

	var names []string
	err := r.db.NewRaw(`
		SELECT c.relname
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_class ref ON ref.oid = con.confrelid
		JOIN pg_namespace refn ON refn.oid = ref.relnamespace
		WHERE con.contype = 'f'
		  AND n.nspname = ?
		  AND refn.nspname = ?
		  AND ref.relname = ANY(?)
		GROUP BY c.relname
		HAVING count(DISTINCT ref.relname) >= 2
	`, r.cfg.Branching.MainSchema, r.cfg.Branching.MainSchema, pq.Array(base)).
		Scan(ctx, &names)
	if err != nil {
		return nil, err
	}

	if len(names) > 0 {
		r.log.Debug("discovered join tables", slog.Int("count", len(names)))
	}
	return names, nil
}
