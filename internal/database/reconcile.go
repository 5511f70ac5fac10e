package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// additiveColumn is a column added after the base schema. Columns are only
// ever appended here; nothing is dropped or renamed automatically.
type additiveColumn struct {
	table string
	name  string
	ddl   string
}

var additiveColumns = []additiveColumn{
	{table: "time_entries", name: "reject_count", ddl: "INTEGER NOT NULL DEFAULT 0"},
	{table: "time_entries", name: "dead_lettered_at", ddl: "TIMESTAMP"},
	{table: "activity_logs", name: "reject_count", ddl: "INTEGER NOT NULL DEFAULT 0"},
	{table: "activity_logs", name: "dead_lettered_at", ddl: "TIMESTAMP"},
	{table: "screenshots", name: "reject_count", ddl: "INTEGER NOT NULL DEFAULT 0"},
	{table: "screenshots", name: "dead_lettered_at", ddl: "TIMESTAMP"},
	{table: "screenshots", name: "checksum", ddl: "TEXT NOT NULL DEFAULT ''"},
	{table: "app_usage", name: "reject_count", ddl: "INTEGER NOT NULL DEFAULT 0"},
	{table: "app_usage", name: "dead_lettered_at", ddl: "TIMESTAMP"},
}

// ReconcileColumns inspects the column set of each table and adds any
// additive column that is missing. Running it on an up-to-date store is a
// no-op. It returns the added columns as "table.column".
func ReconcileColumns(ctx context.Context, db *sqlx.DB) ([]string, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	existing := make(map[string]map[string]bool)
	var added []string
	for _, col := range additiveColumns {
		cols, ok := existing[col.table]
		if !ok {
			cols, err = tableColumns(ctx, tx, col.table)
			if err != nil {
				return nil, err
			}
			existing[col.table] = cols
		}
		if cols[col.name] {
			continue
		}

		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.name, col.ddl)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("adding column %s.%s: %w", col.table, col.name, err)
		}
		cols[col.name] = true
		added = append(added, col.table+"."+col.name)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing column reconcile: %w", err)
	}
	return added, nil
}

func tableColumns(ctx context.Context, tx *sqlx.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryxContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		info := make(map[string]any)
		if err := rows.MapScan(info); err != nil {
			return nil, fmt.Errorf("scanning column of %s: %w", table, err)
		}
		switch name := info["name"].(type) {
		case string:
			cols[name] = true
		case []byte:
			cols[string(name)] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return cols, nil
}
