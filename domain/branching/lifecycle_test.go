package branching_test

import (
	"fmt"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/uptrace/bun"

	"github.com/gridplane/gridplane/domain/branching"
	"github.com/gridplane/gridplane/internal/testutil"
)

// BranchLifecycleSuite exercises the full engine against a real database:
// provisioning, sync, merge, deprovisioning, and the HTTP surface.
type BranchLifecycleSuite struct {
	testutil.BaseSuite
}

func TestBranchLifecycleSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	suite.Run(t, new(BranchLifecycleSuite))
}

func (s *BranchLifecycleSuite) SetupSuite() {
	s.SetDBSuffix("lifecycle")
	s.BaseSuite.SetupSuite()
	if s.Server == nil {
		s.T().Skip("requires in-process server")
	}
}

// createReadyBranch creates a branch via the API and provisions it
// synchronously, standing in for the provision worker.
func (s *BranchLifecycleSuite) createReadyBranch(name string) *branching.Branch {
	id, err := s.Client.CreateBranch(name, "alice")
	s.Require().NoError(err)

	branch, err := s.Server.Store.GetByID(s.Ctx, id)
	s.Require().NoError(err)
	s.Require().Equal(branching.StatusNew, branch.Status)

	s.Require().NoError(s.Server.Provisioner.Provision(s.Ctx, branch))

	branch, err = s.Server.Store.GetByID(s.Ctx, id)
	s.Require().NoError(err)
	s.Require().Equal(branching.StatusReady, branch.Status)
	return branch
}

func (s *BranchLifecycleSuite) schemaName(b *branching.Branch) string {
	return b.SchemaName(s.TestDB.Config.Branching.SchemaPrefix)
}

func (s *BranchLifecycleSuite) countRows(schema, table string) int {
	var n int
	err := s.TestDB.DB.NewRaw("SELECT count(*) FROM ?.?", bun.Ident(schema), bun.Ident(table)).Scan(s.Ctx, &n)
	s.Require().NoError(err)
	return n
}

func (s *BranchLifecycleSuite) schemaExists(schema string) bool {
	var exists bool
	err := s.TestDB.DB.NewRaw(
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = ?)", schema,
	).Scan(s.Ctx, &exists)
	s.Require().NoError(err)
	return exists
}

// =============================================================================
// Provisioning
// =============================================================================

func (s *BranchLifecycleSuite) TestProvision_ReplicatesData() {
	branch := s.createReadyBranch("replicates-data")
	schema := s.schemaName(branch)

	s.True(s.schemaExists(schema))
	s.Equal(2, s.countRows(schema, "sites"))
	s.Equal(2, s.countRows(schema, "devices"))
	s.Equal(2, s.countRows(schema, "tags"))
	s.Equal(1, s.countRows(schema, "device_tags"), "join tables are discovered and replicated")
	s.Equal(0, s.countRows(schema, "change_records"), "a new branch starts with an empty change log")

	// Lifecycle event recorded
	events, err := s.Server.Store.ListEvents(s.Ctx, branch.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(branching.EventProvisioned, events[0].Type)
}

func (s *BranchLifecycleSuite) TestProvision_SharedSequences() {
	branch := s.createReadyBranch("shared-sequences")
	schema := s.schemaName(branch)

	var branchID, mainID int64
	err := s.TestDB.DB.NewRaw(
		"INSERT INTO ?.sites (name) VALUES ('from-branch') RETURNING id", bun.Ident(schema),
	).Scan(s.Ctx, &branchID)
	s.Require().NoError(err)

	err = s.TestDB.DB.NewRaw(
		"INSERT INTO public.sites (name) VALUES ('from-main') RETURNING id",
	).Scan(s.Ctx, &mainID)
	s.Require().NoError(err)

	s.NotEqual(branchID, mainID, "branch and main draw from the same sequence")
	s.Greater(branchID, int64(2))
	s.Greater(mainID, branchID)
}

func (s *BranchLifecycleSuite) TestProvision_ClaimsStatus() {
	branch := s.createReadyBranch("already-provisioned")

	// A second provision attempt must not win the status claim
	err := s.Server.Provisioner.Provision(s.Ctx, branch)
	s.Error(err)
}

// =============================================================================
// Sync (main -> branch)
// =============================================================================

func (s *BranchLifecycleSuite) recordMainSiteCreate(name string) int64 {
	var id int64
	err := s.TestDB.DB.NewRaw(
		"INSERT INTO public.sites (name) VALUES (?) RETURNING id", name,
	).Scan(s.Ctx, &id)
	s.Require().NoError(err)

	post := `{"id":` + strconv.FormatInt(id, 10) + `,"name":"` + name + `"}`
	s.Require().NoError(testutil.RecordChange(s.Ctx, s.TestDB.DB, "public", "create", "sites", id, post))
	return id
}

func (s *BranchLifecycleSuite) TestSync_ReplaysMainChanges() {
	branch := s.createReadyBranch("sync-replays")
	schema := s.schemaName(branch)

	s.recordMainSiteCreate("lab")

	resp := s.Client.POST("/api/branches/"+branch.ID+"/sync",
		testutil.WithUser("alice"),
		testutil.WithJSONBody(map[string]any{}),
	)
	s.Require().Equal(http.StatusOK, resp.StatusCode, resp.String())

	var body map[string]any
	s.Require().NoError(resp.JSON(&body))
	s.Equal("ready", body["status"])
	s.NotNil(body["last_sync"], "sync stamps last_sync")

	s.Equal(3, s.countRows(schema, "sites"))

	var name string
	err := s.TestDB.DB.NewRaw(
		"SELECT name FROM ?.sites ORDER BY id DESC LIMIT 1", bun.Ident(schema),
	).Scan(s.Ctx, &name)
	s.Require().NoError(err)
	s.Equal("lab", name)

	events, err := s.Server.Store.ListEvents(s.Ctx, branch.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(branching.EventSynced, events[0].Type, "events are newest first")
}

func (s *BranchLifecycleSuite) TestSync_DryRunRollsBack() {
	branch := s.createReadyBranch("sync-dry-run")
	schema := s.schemaName(branch)

	s.recordMainSiteCreate("staging")

	resp := s.Client.POST("/api/branches/"+branch.ID+"/sync",
		testutil.WithJSONBody(map[string]any{"dry_run": true}),
	)
	s.Require().Equal(http.StatusOK, resp.StatusCode, resp.String())

	s.Equal(2, s.countRows(schema, "sites"), "dry run leaves the branch untouched")

	updated, err := s.Server.Store.GetByID(s.Ctx, branch.ID)
	s.Require().NoError(err)
	s.Equal(branching.StatusReady, updated.Status)
	s.Nil(updated.LastSync, "dry run does not advance the sync marker")
}

func (s *BranchLifecycleSuite) TestSync_SecondSyncOnlyReplaysNewChanges() {
	branch := s.createReadyBranch("sync-incremental")
	schema := s.schemaName(branch)

	s.recordMainSiteCreate("first")
	resp := s.Client.POST("/api/branches/"+branch.ID+"/sync", testutil.WithJSONBody(map[string]any{}))
	s.Require().Equal(http.StatusOK, resp.StatusCode, resp.String())
	s.Equal(3, s.countRows(schema, "sites"))

	s.recordMainSiteCreate("second")
	resp = s.Client.POST("/api/branches/"+branch.ID+"/sync", testutil.WithJSONBody(map[string]any{}))
	s.Require().Equal(http.StatusOK, resp.StatusCode, resp.String())
	s.Equal(4, s.countRows(schema, "sites"))
}

func (s *BranchLifecycleSuite) TestSync_RejectsUnprovisionedBranch() {
	id, err := s.Client.CreateBranch("sync-too-early", "alice")
	s.Require().NoError(err)

	resp := s.Client.POST("/api/branches/"+id+"/sync", testutil.WithJSONBody(map[string]any{}))
	s.Equal(http.StatusConflict, resp.StatusCode)
}

// =============================================================================
// Merge (branch -> main)
// =============================================================================

// recordBranchSiteCreate makes a change inside the branch schema and logs
// it in the branch's own change log, the way a branch-aware writer would.
func (s *BranchLifecycleSuite) recordBranchSiteCreate(schema, name string) int64 {
	var id int64
	err := s.TestDB.DB.NewRaw(
		"INSERT INTO ?.sites (name) VALUES (?) RETURNING id", bun.Ident(schema), name,
	).Scan(s.Ctx, &id)
	s.Require().NoError(err)

	post := `{"id":` + strconv.FormatInt(id, 10) + `,"name":"` + name + `"}`
	s.Require().NoError(testutil.RecordChange(s.Ctx, s.TestDB.DB, schema, "create", "sites", id, post))
	return id
}

func (s *BranchLifecycleSuite) TestMerge_ReplaysIntoMain() {
	branch := s.createReadyBranch("merge-replays")
	schema := s.schemaName(branch)

	siteID := s.recordBranchSiteCreate(schema, "edge-site")

	var recordID int64
	err := s.TestDB.DB.NewRaw("SELECT id FROM ?.change_records", bun.Ident(schema)).Scan(s.Ctx, &recordID)
	s.Require().NoError(err)

	resp := s.Client.POST("/api/branches/"+branch.ID+"/merge",
		testutil.WithUser("alice"),
		testutil.WithJSONBody(map[string]any{}),
	)
	s.Require().Equal(http.StatusOK, resp.StatusCode, resp.String())

	var body map[string]any
	s.Require().NoError(resp.JSON(&body))
	s.Equal("merged", body["status"])
	s.Equal("alice", body["merged_by"])
	s.NotNil(body["merged_time"])

	// The row landed in main
	var name string
	err = s.TestDB.DB.NewRaw("SELECT name FROM public.sites WHERE id = ?", siteID).Scan(s.Ctx, &name)
	s.Require().NoError(err)
	s.Equal("edge-site", name)

	// The change record was copied into main's log preserving its id
	var count int
	err = s.TestDB.DB.NewRaw("SELECT count(*) FROM public.change_records WHERE id = ?", recordID).Scan(s.Ctx, &count)
	s.Require().NoError(err)
	s.Equal(1, count)

	// Provenance row links the record back to the branch
	err = s.TestDB.DB.NewRaw(
		"SELECT count(*) FROM branching.applied_changes WHERE branch_id = ? AND change_record_id = ?",
		branch.ID, recordID,
	).Scan(s.Ctx, &count)
	s.Require().NoError(err)
	s.Equal(1, count)

	// Merge keeps the schema around until deprovisioning
	s.True(s.schemaExists(schema))

	// Changes for a merged branch resolve through the provenance links
	resp = s.Client.GET("/api/branches/" + branch.ID + "/changes")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var changes map[string]any
	s.Require().NoError(resp.JSON(&changes))
	s.Equal(float64(1), changes["count"])

	// The merged record traces back to the branch that changed it
	resp = s.Client.GET(fmt.Sprintf("/api/changes/sites/%d/branches", siteID))
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var origins []map[string]any
	s.Require().NoError(resp.JSON(&origins))
	s.Require().Len(origins, 1)
	s.Equal(branch.ID, origins[0]["id"])
}

func (s *BranchLifecycleSuite) TestMerge_DryRunRollsBack() {
	branch := s.createReadyBranch("merge-dry-run")
	schema := s.schemaName(branch)

	s.recordBranchSiteCreate(schema, "phantom-site")

	resp := s.Client.POST("/api/branches/"+branch.ID+"/merge",
		testutil.WithJSONBody(map[string]any{"dry_run": true}),
	)
	s.Require().Equal(http.StatusOK, resp.StatusCode, resp.String())

	updated, err := s.Server.Store.GetByID(s.Ctx, branch.ID)
	s.Require().NoError(err)
	s.Equal(branching.StatusReady, updated.Status, "dry run returns the branch to ready")

	s.Equal(2, s.countRows("public", "sites"), "dry run leaves main untouched")
	s.Equal(0, s.countRows("branching", "applied_changes"))
}

func (s *BranchLifecycleSuite) TestMerge_EmptyBranch() {
	branch := s.createReadyBranch("merge-empty")

	resp := s.Client.POST("/api/branches/"+branch.ID+"/merge", testutil.WithJSONBody(map[string]any{}))
	s.Require().Equal(http.StatusOK, resp.StatusCode, resp.String())

	var body map[string]any
	s.Require().NoError(resp.JSON(&body))
	s.Equal("merged", body["status"])
}

// recordBranchSiteUpdate renames an existing row inside the branch schema
// and logs the update in the branch's change log.
func (s *BranchLifecycleSuite) recordBranchSiteUpdate(schema string, id int64, name string) {
	_, err := s.TestDB.DB.NewRaw(
		"UPDATE ?.sites SET name = ? WHERE id = ?", bun.Ident(schema), name, id,
	).Exec(s.Ctx)
	s.Require().NoError(err)

	post := `{"id":` + strconv.FormatInt(id, 10) + `,"name":"` + name + `"}`
	s.Require().NoError(testutil.RecordChange(s.Ctx, s.TestDB.DB, schema, "update", "sites", id, post))
}

func (s *BranchLifecycleSuite) TestMerge_ReplaysInChangeOrder() {
	branch := s.createReadyBranch("merge-ordering")
	schema := s.schemaName(branch)

	// A create followed by two updates of the same row; replay must apply
	// them oldest first or the updates have nothing to land on
	siteID := s.recordBranchSiteCreate(schema, "ordering-site")
	s.recordBranchSiteUpdate(schema, siteID, "renamed-once")
	s.recordBranchSiteUpdate(schema, siteID, "renamed-twice")

	resp := s.Client.POST("/api/branches/"+branch.ID+"/merge", testutil.WithJSONBody(map[string]any{}))
	s.Require().Equal(http.StatusOK, resp.StatusCode, resp.String())

	var name string
	err := s.TestDB.DB.NewRaw("SELECT name FROM public.sites WHERE id = ?", siteID).Scan(s.Ctx, &name)
	s.Require().NoError(err)
	s.Equal("renamed-twice", name, "the last update wins")

	var count int
	err = s.TestDB.DB.NewRaw("SELECT count(*) FROM public.sites WHERE id = ?", siteID).Scan(s.Ctx, &count)
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *BranchLifecycleSuite) TestMerge_FailureRollsBackAppliedRecords() {
	branch := s.createReadyBranch("merge-atomic")
	schema := s.schemaName(branch)

	// A valid record followed by one that cannot replay
	s.recordBranchSiteCreate(schema, "never-lands")
	s.Require().NoError(testutil.RecordChange(
		s.Ctx, s.TestDB.DB, schema, "create", "nonexistent_table", 1, `{"id":1}`))

	before := s.countRows("public", "sites")

	resp := s.Client.POST("/api/branches/"+branch.ID+"/merge", testutil.WithJSONBody(map[string]any{}))
	s.Equal(http.StatusInternalServerError, resp.StatusCode)

	s.Equal(before, s.countRows("public", "sites"), "the already-replayed create is rolled back")

	var linked int
	err := s.TestDB.DB.NewRaw(
		"SELECT count(*) FROM branching.applied_changes WHERE branch_id = ?", branch.ID,
	).Scan(s.Ctx, &linked)
	s.Require().NoError(err)
	s.Equal(0, linked, "no provenance rows survive a failed merge")

	updated, err := s.Server.Store.GetByID(s.Ctx, branch.ID)
	s.Require().NoError(err)
	s.Equal(branching.StatusReady, updated.Status)
}

func (s *BranchLifecycleSuite) TestMerge_ConflictRestoresReady() {
	branch := s.createReadyBranch("merge-conflict")
	schema := s.schemaName(branch)

	// A record naming a table that does not exist fails replay
	s.Require().NoError(testutil.RecordChange(
		s.Ctx, s.TestDB.DB, schema, "create", "nonexistent_table", 1, `{"id":1}`))

	resp := s.Client.POST("/api/branches/"+branch.ID+"/merge", testutil.WithJSONBody(map[string]any{}))
	s.Equal(http.StatusInternalServerError, resp.StatusCode)

	updated, err := s.Server.Store.GetByID(s.Ctx, branch.ID)
	s.Require().NoError(err)
	s.Equal(branching.StatusReady, updated.Status, "failed merge restores ready")
}

// =============================================================================
// Deprovision and delete
// =============================================================================

func (s *BranchLifecycleSuite) TestDeprovision() {
	branch := s.createReadyBranch("deprovision")
	schema := s.schemaName(branch)

	resp := s.Client.POST("/api/branches/"+branch.ID+"/deprovision", testutil.WithUser("alice"))
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)
	s.False(s.schemaExists(schema))

	// Idempotent: a second deprovision is a no-op, not an error
	resp = s.Client.POST("/api/branches/" + branch.ID + "/deprovision")
	s.Equal(http.StatusNoContent, resp.StatusCode)

	events, err := s.Server.Store.ListEvents(s.Ctx, branch.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(branching.EventDeprovisioned, events[0].Type)
}

func (s *BranchLifecycleSuite) TestDelete_DropsSchemaAndRow() {
	branch := s.createReadyBranch("delete-me")
	schema := s.schemaName(branch)

	resp := s.Client.DELETE("/api/branches/" + branch.ID)
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)
	s.False(s.schemaExists(schema))

	resp = s.Client.GET("/api/branches/" + branch.ID)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *BranchLifecycleSuite) TestDelete_RejectsActiveBranch() {
	branch := s.createReadyBranch("delete-active")

	resp := s.Client.DELETE("/api/branches/"+branch.ID, testutil.WithBranch(branch.SchemaID))
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.True(s.schemaExists(s.schemaName(branch)))
}
