package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"worktrace/internal/wt"
)

// StubClock is a wt.Clock that only moves when a test moves it.
type StubClock struct {
	mu sync.Mutex
	t  time.Time
}

var _ wt.Clock = (*StubClock)(nil)

func NewStubClock(start time.Time) *StubClock {
	return &StubClock{t: start.UTC()}
}

// FixedClock starts on Monday 2024-01-15 at 10:30 UTC, well clear of a
// budget day boundary.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, time.January, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	return t
}

func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// StubIDGenerator hands out id-0001, id-0002, ... in call order so row
// ordering in assertions stays readable.
type StubIDGenerator struct {
	n atomic.Int64
}

var _ wt.IDGenerator = (*StubIDGenerator)(nil)

func NewStubIDGenerator() *StubIDGenerator { return &StubIDGenerator{} }

func (g *StubIDGenerator) New() string {
	return fmt.Sprintf("id-%04d", g.n.Add(1))
}
