package testutil

import (
	"testing"

	"worktrace/internal/database"
	"worktrace/internal/wt"
)

// NewTestStore creates a new in-memory store with the schema applied, using
// clock for timestamps and sequential ids. The store is closed when the test
// completes.
func NewTestStore(t *testing.T, clock wt.Clock) *database.SQLiteStore {
	t.Helper()

	if clock == nil {
		clock = FixedClock()
	}
	s, err := database.NewSQLiteStore(":memory:", clock, NewStubIDGenerator())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}
