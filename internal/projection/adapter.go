package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// conn is the subset of *sql.DB / *sql.Tx statements run against.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// upsert builds and executes a parameterized "INSERT ... ON CONFLICT (...) DO
// UPDATE SET ..." statement from an opaque row map, a table name, and the
// primary-key column subset. This is the storage adapter the engine needs
// because read-model table shapes are only known at configuration time.
func upsert(ctx context.Context, c conn, table string, row map[string]interface{}, primaryKeyCols []string) error {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols) // deterministic placeholder ordering

	placeholders := make([]string, len(cols))
	values := make([]interface{}, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		values[i] = row[col]
	}

	pkSet := make(map[string]bool, len(primaryKeyCols))
	for _, k := range primaryKeyCols {
		pkSet[k] = true
	}
	updates := make([]string, 0, len(cols))
	for _, col := range cols {
		if pkSet[col] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(primaryKeyCols, ", "), strings.Join(updates, ", "),
	)
	if len(updates) == 0 {
		// every column is part of the primary key: nothing to update on conflict
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(primaryKeyCols, ", "))
	}

	_, err := c.ExecContext(ctx, q, values...)
	return err
}

func sortedKeyNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func keySetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
