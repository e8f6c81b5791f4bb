package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
	"github.com/wataruoguchi/emmett-go/internal/eventlog"
)

// Engine applies events to per-table snapshot projections. Each Spec gets one
// row per distinct key set returned by its ExtractKeys; the engine enforces
// that a single Spec never returns two different key-name sets across calls.
type Engine struct {
	db *sql.DB

	mu       sync.Mutex
	keyNames map[string][]string // table name -> sorted key column names seen so far
}

// NewEngine builds a projection Engine backed by db. Target tables are
// expected to pre-exist (columns: the key columns, last_stream_position,
// snapshot, plus any denormalized columns a Spec's MapToColumns produces);
// this mirrors read models being owned by the domain, not the engine.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: db, keyNames: map[string][]string{}}
}

// ApplyEvent folds one event into its snapshot row, inside a single
// transaction it opens and commits itself: lock the row (creating it
// implicitly via upsert if absent), skip if already applied, evolve, and
// write back.
func (e *Engine) ApplyEvent(ctx context.Context, spec Spec, partition string, event eventlog.Message) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return apperror.ProjectionFailed("begin projection transaction", err)
	}
	defer tx.Rollback()

	if err := e.ApplyEventTx(ctx, tx, spec, partition, event); err != nil {
		return err
	}

	return tx.Commit()
}

// ApplyEventTx is ApplyEvent's core logic run against a caller-supplied
// transaction, so a caller (such as the runner's checkpoint advance) can
// commit the projection write and its own bookkeeping atomically. The caller
// owns tx's lifecycle: it must commit or roll back itself.
func (e *Engine) ApplyEventTx(ctx context.Context, tx *sql.Tx, spec Spec, partition string, event eventlog.Message) error {
	keys := spec.ExtractKeys(event, partition)
	names := sortedKeyNames(keys)
	if err := e.checkKeySet(spec.TableName, names); err != nil {
		return err
	}

	existing, err := lockRow(ctx, tx, spec.TableName, keys)
	if err != nil {
		return err
	}

	if existing != nil && event.StreamPosition <= existing.lastStreamPosition {
		// already applied; idempotent no-op
		return nil
	}

	var state interface{}
	if existing != nil && len(existing.snapshot) > 0 {
		if err := json.Unmarshal(existing.snapshot, &state); err != nil {
			return apperror.InvalidDataFormat("parse existing snapshot", err)
		}
	} else if spec.InitialState != nil {
		state = spec.InitialState()
	}

	state = spec.Evolve(state, event)

	snapshotJSON, err := json.Marshal(state)
	if err != nil {
		return apperror.InvalidDataFormat("marshal snapshot state", err)
	}

	row := map[string]interface{}{
		"last_stream_position": event.StreamPosition,
		"snapshot":             snapshotJSON,
	}
	for k, v := range keys {
		row[k] = v
	}
	if spec.MapToColumns != nil {
		for col, val := range spec.MapToColumns(state) {
			row[col] = val
		}
	}

	if err := upsert(ctx, tx, spec.TableName, row, names); err != nil {
		return apperror.ProjectionFailed(fmt.Sprintf("upsert projection row in %s", spec.TableName), err)
	}

	return nil
}

func (e *Engine) checkKeySet(table string, names []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	prior, seen := e.keyNames[table]
	if !seen {
		e.keyNames[table] = names
		return nil
	}
	if !keySetsEqual(prior, names) {
		return apperror.InconsistentKeys(fmt.Sprintf("projection %s: key set changed from %v to %v", table, prior, names))
	}
	return nil
}

type existingRow struct {
	lastStreamPosition int64
	snapshot           []byte
}

// lockRow selects and FOR-UPDATE-locks the snapshot row matching keys, if one
// exists. A nil result (no rows) is not an error: the row simply doesn't
// exist yet and will be created by the subsequent upsert.
func lockRow(ctx context.Context, tx *sql.Tx, table string, keys map[string]string) (*existingRow, error) {
	names := sortedKeyNames(keys)
	conds := make([]string, len(names))
	args := make([]interface{}, len(names))
	for i, name := range names {
		conds[i] = fmt.Sprintf("%s = $%d", name, i+1)
		args[i] = keys[name]
	}
	q := fmt.Sprintf("SELECT last_stream_position, snapshot FROM %s WHERE %s FOR UPDATE", table, strings.Join(conds, " AND "))

	var r existingRow
	err := tx.QueryRowContext(ctx, q, args...).Scan(&r.lastStreamPosition, &r.snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ProjectionFailed(fmt.Sprintf("lock projection row in %s", table), err)
	}
	return &r, nil
}
