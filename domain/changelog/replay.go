package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/uptrace/bun"

	"github.com/gridplane/gridplane/pkg/logger"
)

// Replayer applies change records to a target schema. Sync replays main
// changes into a branch; merge replays branch changes into main. Both use
// the same apply path, so a record that replays cleanly in a dry run
// behaves identically in the real merge.
type Replayer struct {
	log *slog.Logger
}

func NewReplayer(log *slog.Logger) *Replayer {
	return &Replayer{log: log.With(logger.Scope("changelog.replay"))}
}

// ReplayError wraps the record that failed so callers can report which
// change broke a sync or merge.
type ReplayError struct {
	Record *ChangeRecord
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay change %d (%s %s/%d): %v",
		e.Record.ID, e.Record.Action, e.Record.TableName, e.Record.RecordID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Apply replays a single change record against the given schema on the
// caller's transaction. Creates and updates are applied as upserts keyed
// on id, so replaying a create over a row that already exists (or an
// update over a row that was never created) converges on the recorded
// post-change state. Deletes of absent rows are no-ops.
func (r *Replayer) Apply(ctx context.Context, db bun.IDB, schema string, rec *ChangeRecord) error {
	var err error
	switch rec.Action {
	case ActionCreate, ActionUpdate:
		err = r.upsert(ctx, db, schema, rec)
	case ActionDelete:
		err = r.delete(ctx, db, schema, rec)
	default:
		err = fmt.Errorf("unknown action %q", rec.Action)
	}
	if err != nil {
		return &ReplayError{Record: rec, Err: err}
	}
	return nil
}

// ReplayAll applies records in order, stopping at the first failure.
func (r *Replayer) ReplayAll(ctx context.Context, db bun.IDB, schema string, recs []*ChangeRecord) error {
	for _, rec := range recs {
		if err := r.Apply(ctx, db, schema, rec); err != nil {
			return err
		}
		r.log.Debug("replayed change",
			slog.Int64("change_id", rec.ID),
			slog.String("table", rec.TableName),
			slog.String("action", string(rec.Action)))
	}
	return nil
}

func (r *Replayer) upsert(ctx context.Context, db bun.IDB, schema string, rec *ChangeRecord) error {
	if len(rec.PostChange) == 0 {
		return fmt.Errorf("record has no postchange snapshot")
	}

	var fields map[string]any
	if err := json.Unmarshal(rec.PostChange, &fields); err != nil {
		return fmt.Errorf("decode postchange: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("postchange snapshot is empty")
	}

	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	args := make([]any, 0, 2*len(cols)+3)

	sb.WriteString("INSERT INTO ?.? (")
	args = append(args, bun.Ident(schema), bun.Ident(rec.TableName))
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, bun.Ident(col))
	}
	sb.WriteString(") VALUES (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, normalizeValue(fields[col]))
	}
	sb.WriteString(") ON CONFLICT (id) DO UPDATE SET ")
	first := true
	for _, col := range cols {
		if col == "id" {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString("? = EXCLUDED.?")
		args = append(args, bun.Ident(col), bun.Ident(col))
	}
	if first {
		// id-only snapshot, nothing to update on conflict
		sb.Reset()
		sb.WriteString("INSERT INTO ?.? (id) VALUES (?) ON CONFLICT (id) DO NOTHING")
		args = []any{bun.Ident(schema), bun.Ident(rec.TableName), normalizeValue(fields["id"])}
	}

	_, err := db.NewRaw(sb.String(), args...).Exec(ctx)
	return err
}

func (r *Replayer) delete(ctx context.Context, db bun.IDB, schema string, rec *ChangeRecord) error {
	_, err := db.NewRaw(
		"DELETE FROM ?.? WHERE id = ?",
		bun.Ident(schema), bun.Ident(rec.TableName), rec.RecordID,
	).Exec(ctx)
	return err
}

// normalizeValue converts decoded JSON values into something the driver
// can bind. Nested objects and arrays go back to JSON text; Postgres
// casts the text to the target jsonb column on insert.
func normalizeValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	default:
		return v
	}
}
