package testutil

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// Fixture IDs for the sample inventory rows seeded by SeedInventory.
// They are stable because TruncateTables restarts identity sequences.
const (
	SiteHQ     int64 = 1
	SiteBranch int64 = 2

	DeviceRouter int64 = 1
	DeviceSwitch int64 = 2

	TagCore int64 = 1
	TagEdge int64 = 2
)

// SeedInventory populates the sample dataset replicated by branch tests:
// two sites, two devices in the first site, two tags, and one tag
// assignment through the device_tags join table.
func SeedInventory(ctx context.Context, db bun.IDB) error {
	stmts := []string{
		`INSERT INTO public.sites (name) VALUES ('hq'), ('warehouse')`,
		`INSERT INTO public.devices (name, site_id, labels)
		 VALUES ('router-1', 1, '{"role": "gateway"}'),
		        ('switch-1', 1, NULL)`,
		`INSERT INTO public.tags (name) VALUES ('core'), ('edge')`,
		`INSERT INTO public.device_tags (device_id, tag_id) VALUES (1, 1)`,
	}
	for _, stmt := range stmts {
		if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
			return fmt.Errorf("seed inventory: %w", err)
		}
	}
	return nil
}

// DropBranchSchemas removes every schema created by the branching engine.
// TruncateTables only resets tables inside known schemas, so leftover
// branch schemas must be dropped separately between tests.
func DropBranchSchemas(ctx context.Context, db bun.IDB, prefix string) error {
	var schemas []string
	err := db.NewRaw(
		`SELECT schema_name FROM information_schema.schemata WHERE schema_name LIKE ?`,
		prefix+"%",
	).Scan(ctx, &schemas)
	if err != nil {
		return fmt.Errorf("list branch schemas: %w", err)
	}
	for _, schema := range schemas {
		if _, err := db.NewRaw("DROP SCHEMA IF EXISTS ? CASCADE", bun.Ident(schema)).Exec(ctx); err != nil {
			return fmt.Errorf("drop schema %s: %w", schema, err)
		}
	}
	return nil
}

// RecordChange inserts a change record into the given schema's change log.
// Tests use it to simulate the capture side of the change stream.
func RecordChange(ctx context.Context, db bun.IDB, schema, action, table string, recordID int64, postchange string) error {
	var post any
	if postchange != "" {
		post = postchange
	}
	_, err := db.NewRaw(
		`INSERT INTO ?.change_records (action, table_name, record_id, user_name, postchange)
		 VALUES (?, ?, ?, 'test-user', ?)`,
		bun.Ident(schema), action, table, recordID, post,
	).Exec(ctx)
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}
