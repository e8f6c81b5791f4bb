// Package archival implements the archival streamer: a background tailer
// that durably exports every committed message exactly once to Kafka and S3,
// independent of the write and projection paths.
package archival

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
)

// Status values for archival_ledger.archive_status.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusRetry      = "retry"
	StatusFailed     = "failed"
)

// MaxAttempts bounds retries before a ledger row is given up on.
const MaxAttempts = 5

// Entry is one claimed row joining archival_ledger and messages: enough to
// build the export envelope without a second round-trip.
type Entry struct {
	MessageID       string
	StreamID        string
	Partition       string
	MessageType     string
	MessageData     []byte
	MessageMetadata []byte
	GlobalPosition  int64
	Created         time.Time
}

// Ledger persists archival_ledger and claims messages pending export.
type Ledger struct {
	db *sql.DB
}

// NewLedger constructs a Ledger, ensuring its schema exists.
func NewLedger(ctx context.Context, db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS archival_ledger (
			message_id TEXT PRIMARY KEY,
			partition TEXT NOT NULL,
			archive_status TEXT NOT NULL DEFAULT 'pending',
			archive_attempts INTEGER NOT NULL DEFAULT 0,
			last_archive_error TEXT,
			s3_object_key TEXT,
			archived_at TIMESTAMPTZ,
			kafka_produced_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return apperror.ProjectionFailed("ensure archival_ledger schema", err)
	}
	return nil
}

// seedPending inserts a pending ledger row for every message not yet
// tracked. Messages are only ever appended, never deleted, so this is safe
// to run repeatedly and cheaply bounded by an index scan.
func (l *Ledger) seedPending(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO archival_ledger (message_id, partition, archive_status)
		SELECT m.message_id, m.partition, 'pending'
		FROM messages m
		WHERE NOT EXISTS (
			SELECT 1 FROM archival_ledger a WHERE a.message_id = m.message_id
		)
		ON CONFLICT (message_id) DO NOTHING`)
	if err != nil {
		return apperror.ProjectionFailed("seed archival_ledger", err)
	}
	return nil
}

// FetchPending claims up to batchSize messages pending (or retry-eligible)
// export, using SELECT ... FOR UPDATE SKIP LOCKED so multiple streamers can
// run concurrently without double-claiming.
func (l *Ledger) FetchPending(ctx context.Context, batchSize int) ([]Entry, error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	if err := l.seedPending(ctx); err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.ProjectionFailed("begin claim transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT m.message_id, m.stream_id, m.partition, m.message_type, m.message_data,
		       m.message_metadata, m.global_position, m.created
		FROM archival_ledger a
		JOIN messages m ON m.message_id = a.message_id
		WHERE a.archive_status IN ('pending', 'retry')
		ORDER BY m.global_position ASC
		FOR UPDATE OF a SKIP LOCKED
		LIMIT $1`, batchSize)
	if err != nil {
		return nil, apperror.ProjectionFailed("select pending archival entries", err)
	}

	var entries []Entry
	var ids []string
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.MessageID, &e.StreamID, &e.Partition, &e.MessageType,
			&e.MessageData, &e.MessageMetadata, &e.GlobalPosition, &e.Created); err != nil {
			rows.Close()
			return nil, apperror.ProjectionFailed("scan pending archival entry", err)
		}
		entries = append(entries, e)
		ids = append(ids, e.MessageID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apperror.ProjectionFailed("iterate pending archival entries", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return entries, tx.Commit()
	}

	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE archival_ledger
			SET archive_status = 'in_progress', archive_attempts = archive_attempts + 1, updated_at = now()
			WHERE message_id = $1`, id)
		if err != nil {
			return nil, apperror.ProjectionFailed(fmt.Sprintf("claim archival entry %s", id), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.ProjectionFailed("commit archival claim", err)
	}
	return entries, nil
}

// MarkResult records the outcome of exporting one message: success sets the
// S3 key and both produce/archive timestamps and marks complete; failure
// records the error and transitions to retry, or failed once archive_attempts
// has reached MaxAttempts, mirroring the teacher's audit-event streaming state
// machine.
func (l *Ledger) MarkResult(ctx context.Context, messageID string, s3Key sql.NullString, success bool, errMsg sql.NullString) error {
	if success {
		_, err := l.db.ExecContext(ctx, `
			UPDATE archival_ledger
			SET s3_object_key = $1,
			    archived_at = COALESCE(archived_at, now()),
			    kafka_produced_at = COALESCE(kafka_produced_at, now()),
			    last_archive_error = NULL,
			    archive_status = 'complete',
			    updated_at = now()
			WHERE message_id = $2`, s3Key, messageID)
		if err != nil {
			return apperror.ProjectionFailed("mark archival success", err)
		}
		return nil
	}

	_, err := l.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE archival_ledger
		SET last_archive_error = $1,
		    archive_status = CASE WHEN archive_attempts >= %d THEN 'failed' ELSE 'retry' END,
		    updated_at = now()
		WHERE message_id = $2`, MaxAttempts), errMsg, messageID)
	if err != nil {
		return apperror.ProjectionFailed("mark archival failure", err)
	}
	return nil
}

// Envelope is the canonical JSON shape produced to Kafka and archived to S3.
type Envelope struct {
	MessageID       string          `json:"message_id"`
	StreamID        string          `json:"stream_id"`
	Partition       string          `json:"partition"`
	MessageType     string          `json:"message_type"`
	MessageData     json.RawMessage `json:"message_data"`
	MessageMetadata json.RawMessage `json:"message_metadata"`
	GlobalPosition  int64           `json:"global_position"`
	Created         string          `json:"created"`
}

func envelopeFor(e Entry) Envelope {
	return Envelope{
		MessageID:       e.MessageID,
		StreamID:        e.StreamID,
		Partition:       e.Partition,
		MessageType:     e.MessageType,
		MessageData:     e.MessageData,
		MessageMetadata: e.MessageMetadata,
		GlobalPosition:  e.GlobalPosition,
		Created:         e.Created.Format(time.RFC3339Nano),
	}
}
