// Package testutils provides shared helpers for the mailman test suites.
//
// Key components:
//   - NewLocalStore: a migrated SQLite store in the test's temp directory
//   - SetupTestDatabase: the PostgreSQL store described by config-test.toml
//   - RecordingMailer: a Mailer that keeps every message it is given
//   - MemoryArchive: an in-memory stand-in for the digest archive
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//		store := testutils.NewLocalStore(t)
//		list := testutils.CreateTestList(t, store, testutils.TestList("devel"))
//		mailer := &testutils.RecordingMailer{}
//		// ...
//	}
package testutils
