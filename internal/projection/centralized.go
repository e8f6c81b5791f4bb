package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
	"github.com/wataruoguchi/emmett-go/internal/eventlog"
)

// centralizedTable is the single shared table used by ApplyEventCentralized,
// as opposed to Spec's one-table-per-projection model.
const centralizedTable = "snapshots"

// CentralizedSpec is like Spec but targets the shared snapshots table instead
// of a dedicated one, identified by ReadModelTableName plus a stream id
// derived deterministically from ExtractKeys.
type CentralizedSpec struct {
	ReadModelTableName string
	ExtractKeys        ExtractKeysFunc
	Evolve             EvolveFunc
	InitialState       InitialStateFunc
	MapToColumns       MapToColumnsFunc // optional; stored as JSON in the columns field
}

// BuildCentralizedStreamID derives a deterministic stream id from a key map:
// keys sorted lexically, each value URL-encoded, joined as "k:v|k:v...". Two
// calls with the same key/value map always produce the same id, regardless
// of map iteration order.
func BuildCentralizedStreamID(keys map[string]string) string {
	names := sortedKeyNames(keys)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ":" + url.QueryEscape(keys[name])
	}
	return strings.Join(parts, "|")
}

// ApplyEventCentralized folds event into the shared snapshots table, row
// keyed by (readmodel_table_name, stream_id, partition).
func (e *Engine) ApplyEventCentralized(ctx context.Context, spec CentralizedSpec, partition string, event eventlog.Message) error {
	keys := spec.ExtractKeys(event, partition)
	streamID := BuildCentralizedStreamID(keys)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return apperror.ProjectionFailed("begin centralized projection transaction", err)
	}
	defer tx.Rollback()

	var lastPos int64
	var snapshotBytes []byte
	row := tx.QueryRowContext(ctx,
		`SELECT last_stream_position, snapshot FROM `+centralizedTable+`
		 WHERE readmodel_table_name = $1 AND stream_id = $2 AND partition = $3 FOR UPDATE`,
		spec.ReadModelTableName, streamID, partition)
	err = row.Scan(&lastPos, &snapshotBytes)
	found := true
	if err == sql.ErrNoRows {
		found = false
	} else if err != nil {
		return apperror.ProjectionFailed("lock centralized snapshot row", err)
	}

	if found && event.StreamPosition <= lastPos {
		return tx.Commit()
	}

	var state interface{}
	if found && len(snapshotBytes) > 0 {
		if err := json.Unmarshal(snapshotBytes, &state); err != nil {
			return apperror.InvalidDataFormat("parse existing centralized snapshot", err)
		}
	} else if spec.InitialState != nil {
		state = spec.InitialState()
	}

	state = spec.Evolve(state, event)

	snapshotJSON, err := json.Marshal(state)
	if err != nil {
		return apperror.InvalidDataFormat("marshal centralized snapshot state", err)
	}

	var columnsJSON []byte
	if spec.MapToColumns != nil {
		columnsJSON, err = json.Marshal(spec.MapToColumns(state))
		if err != nil {
			return apperror.InvalidDataFormat("marshal centralized columns", err)
		}
	} else {
		columnsJSON = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+centralizedTable+` (readmodel_table_name, stream_id, partition, last_stream_position, snapshot, columns)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (readmodel_table_name, stream_id, partition) DO UPDATE SET
			last_stream_position = EXCLUDED.last_stream_position,
			snapshot = EXCLUDED.snapshot,
			columns = EXCLUDED.columns`,
		spec.ReadModelTableName, streamID, partition, event.StreamPosition, snapshotJSON, columnsJSON)
	if err != nil {
		return apperror.ProjectionFailed("upsert centralized snapshot row", err)
	}

	return tx.Commit()
}

// EnsureCentralizedTable creates the shared snapshots table if absent. Call
// once during startup before using ApplyEventCentralized.
func (e *Engine) EnsureCentralizedTable(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+centralizedTable+` (
			readmodel_table_name TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			partition TEXT NOT NULL,
			last_stream_position BIGINT NOT NULL,
			snapshot JSONB NOT NULL,
			columns JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (readmodel_table_name, stream_id, partition)
		)`)
	return err
}
