package testutil

import (
	"worktrace/internal/media"
)

// NewTestMediaStore creates a new in-memory media store for testing.
func NewTestMediaStore() *media.MemoryStore {
	return media.NewMemoryStore("memory://test")
}
