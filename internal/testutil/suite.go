package testutil

import (
	"context"
	"os"

	"github.com/stretchr/testify/suite"
)

// BaseSuite provides common test infrastructure for branching tests.
// Embed it to get an isolated test database, an in-process server, and
// the sample inventory dataset reseeded before every test.
//
// Environment variables:
//   - TEST_SERVER_URL: External server URL (e.g., "http://localhost:8400")
//   - If not set, uses an in-process test server (requires DB access)
//
// Usage:
//
//	type MySuite struct {
//	    testutil.BaseSuite
//	}
//
//	func (s *MySuite) TestSomething() {
//	    resp := s.Client.POST("/api/branches", testutil.WithJSONBody(...))
//	}
type BaseSuite struct {
	suite.Suite
	TestDB *TestDB
	Server *TestServer
	Client *HTTPClient
	Ctx    context.Context

	// dbSuffix is used to create unique database names
	dbSuffix string

	externalServer bool
}

// SetDBSuffix sets the database name suffix. Call this in your suite's
// SetupSuite before calling BaseSuite.SetupSuite.
func (s *BaseSuite) SetDBSuffix(suffix string) {
	s.dbSuffix = suffix
}

// SetupSuite creates the test database and server.
// If you override this, call s.BaseSuite.SetupSuite() first.
func (s *BaseSuite) SetupSuite() {
	s.Ctx = context.Background()

	if serverURL := os.Getenv("TEST_SERVER_URL"); serverURL != "" {
		s.T().Logf("Using external server: %s", serverURL)
		s.externalServer = true
		s.Client = NewExternalHTTPClient(serverURL)
		return
	}

	suffix := s.dbSuffix
	if suffix == "" {
		suffix = "test"
	}

	testDB, err := SetupTestDB(s.Ctx, suffix)
	s.Require().NoError(err, "Failed to setup test database")
	s.TestDB = testDB

	s.Server = NewTestServer(testDB)
	s.Client = NewHTTPClient(s.Server.Echo)
}

// TearDownSuite closes the test database.
func (s *BaseSuite) TearDownSuite() {
	if s.TestDB != nil {
		s.TestDB.Close()
	}
}

// SetupTest resets all tables, drops leftover branch schemas, and
// reseeds the sample inventory. The provisioner issues DDL through its
// own transactions, so per-test rollback isolation is not an option
// here; a truncate-and-reseed between tests keeps state deterministic.
func (s *BaseSuite) SetupTest() {
	if s.externalServer {
		return
	}

	err := TruncateTables(s.Ctx, s.TestDB.DB)
	s.Require().NoError(err, "Failed to truncate tables")

	err = DropBranchSchemas(s.Ctx, s.TestDB.DB, s.TestDB.Config.Branching.SchemaPrefix)
	s.Require().NoError(err, "Failed to drop branch schemas")

	err = SeedInventory(s.Ctx, s.TestDB.DB)
	s.Require().NoError(err, "Failed to seed inventory")
}
