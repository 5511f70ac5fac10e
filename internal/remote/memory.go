package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"worktrace/internal/model"
	"worktrace/internal/wt"
)

// MemoryRemote upserts rows by id into in-memory tables. Rows are kept in
// their JSON form, as a real remote would see them.
type MemoryRemote struct {
	mu     sync.Mutex
	tables map[wt.Table]map[string]json.RawMessage
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{tables: make(map[wt.Table]map[string]json.RawMessage)}
}

func (m *MemoryRemote) InsertBatch(ctx context.Context, table wt.Table, rows []model.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !table.Valid() {
		return fmt.Errorf("%w: %s", wt.ErrUnknownTable, table)
	}

	encoded := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encoding row %s: %w", row.RowID(), err)
		}
		encoded[row.RowID()] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]json.RawMessage)
		m.tables[table] = t
	}
	for id, data := range encoded {
		t[id] = data
	}
	return nil
}

// Count returns the number of distinct rows stored in table.
func (m *MemoryRemote) Count(table wt.Table) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Get returns the JSON object stored for id.
func (m *MemoryRemote) Get(table wt.Table, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.tables[table][id]
	return data, ok
}

var _ wt.Remote = (*MemoryRemote)(nil)
