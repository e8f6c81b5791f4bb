package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
)

// conn is the subset of *sql.DB / *sql.Tx that statements run against.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PGStore is the Postgres-backed Store. Table bootstrap follows the same
// ensure-on-construct convention as the rest of this codebase's registries.
type PGStore struct {
	db   *sql.DB
	conn conn
	// inTx is true when this PGStore was produced by WithSession; a nested
	// WithSession call reuses the existing transaction rather than attempting
	// to begin a second one (Postgres transactions do not nest).
	inTx bool
}

var _ Store = (*PGStore)(nil)

// NewPGStore ensures the event-log schema exists and returns a Store backed by db.
func NewPGStore(ctx context.Context, db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db, conn: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS streams (
  stream_id text NOT NULL,
  partition text NOT NULL,
  stream_type text NOT NULL,
  stream_position bigint NOT NULL DEFAULT 0,
  stream_metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
  is_archived boolean NOT NULL DEFAULT false,
  PRIMARY KEY (stream_id, partition)
);

CREATE TABLE IF NOT EXISTS messages (
  message_id text NOT NULL UNIQUE,
  stream_id text NOT NULL,
  partition text NOT NULL,
  stream_position bigint NOT NULL,
  global_position bigserial,
  message_type text NOT NULL,
  message_kind text NOT NULL DEFAULT 'E',
  message_schema_version integer NOT NULL DEFAULT 1,
  message_data jsonb NOT NULL,
  message_metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
  is_archived boolean NOT NULL DEFAULT false,
  created timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (stream_id, partition, stream_position)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_global_position ON messages (global_position);
CREATE INDEX IF NOT EXISTS idx_messages_partition_global_position ON messages (partition, global_position);
`
	_, err := s.conn.ExecContext(ctx, q)
	return err
}

// AppendToStream implements Store.
func (s *PGStore) AppendToStream(ctx context.Context, streamID string, events []EventInput, opts AppendOptions) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, apperror.EmptyBatch("appendToStream requires at least one event")
	}

	var result AppendResult
	err := s.runInTx(ctx, func(ctx context.Context, tx conn) error {
		basePos, exists, err := readStreamPosition(ctx, tx, streamID, opts.Partition)
		if err != nil {
			return fmt.Errorf("read stream position: %w", err)
		}
		if err := validateExpectedVersion(opts.ExpectedVersion, exists, basePos); err != nil {
			return err
		}

		newPos := basePos + int64(len(events))
		createdNew := false

		if !exists {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO streams (stream_id, partition, stream_type, stream_position) VALUES ($1,$2,$3,$4)`,
				streamID, opts.Partition, opts.StreamType, newPos)
			if err != nil {
				if isUniqueViolation(err) {
					return apperror.VersionMismatch(fmt.Sprintf("stream %s created concurrently", streamID))
				}
				return fmt.Errorf("insert stream: %w", err)
			}
			createdNew = true
		} else {
			row := tx.QueryRowContext(ctx,
				`UPDATE streams SET stream_position = $1 WHERE stream_id = $2 AND partition = $3 AND stream_position = $4 RETURNING stream_position`,
				newPos, streamID, opts.Partition, basePos)
			var got int64
			if err := row.Scan(&got); err != nil {
				if err == sql.ErrNoRows {
					return apperror.VersionMismatch(fmt.Sprintf("stream %s expected position %d, was changed concurrently", streamID, basePos))
				}
				return fmt.Errorf("advance stream position: %w", err)
			}
		}

		var lastGlobal int64
		for i, ev := range events {
			pos := basePos + int64(i) + 1
			id := ev.MessageID
			if id == "" {
				id = uuid.NewString()
			}
			data := ev.MessageData
			if data == nil {
				data = []byte("{}")
			}
			meta := ev.MessageMetadata
			if meta == nil {
				meta = []byte("{}")
			}
			row := tx.QueryRowContext(ctx,
				`INSERT INTO messages (message_id, stream_id, partition, stream_position, message_type, message_kind, message_schema_version, message_data, message_metadata)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING global_position`,
				id, streamID, opts.Partition, pos, ev.MessageType, MessageKind, 1, data, meta)
			if err := row.Scan(&lastGlobal); err != nil {
				return fmt.Errorf("insert message %s: %w", id, err)
			}
		}

		result = AppendResult{NextVersion: newPos, LastGlobalPosition: lastGlobal, CreatedNewStream: createdNew}
		return nil
	})
	return result, err
}

func validateExpectedVersion(ev ExpectedVersion, exists bool, basePos int64) error {
	switch ev.Kind {
	case ExpectedVersionUnset:
		return nil
	case ExpectedVersionNumeric:
		if basePos != ev.Version {
			return apperror.VersionMismatch(fmt.Sprintf("expected version %d, current version %d", ev.Version, basePos))
		}
		return nil
	case ExpectedVersionStreamExists:
		if !exists {
			return apperror.VersionMismatch("expected stream to exist, but it does not")
		}
		return nil
	case ExpectedVersionStreamDoesNotExist:
		if exists {
			return apperror.VersionMismatch("expected stream to not exist, but it does")
		}
		return nil
	default:
		return apperror.VersionMismatch("unrecognized expected-version kind")
	}
}

func readStreamPosition(ctx context.Context, c conn, streamID, partition string) (int64, bool, error) {
	row := c.QueryRowContext(ctx,
		`SELECT stream_position FROM streams WHERE stream_id = $1 AND partition = $2 AND NOT is_archived`,
		streamID, partition)
	var pos int64
	if err := row.Scan(&pos); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pos, true, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}

// ReadStream implements Store.
func (s *PGStore) ReadStream(ctx context.Context, streamID string, opts ReadOptions) (ReadResult, error) {
	curPos, exists, err := readStreamPosition(ctx, s.conn, streamID, opts.Partition)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read stream position: %w", err)
	}
	if !exists {
		return ReadResult{StreamExists: false}, nil
	}

	query := `SELECT message_id, stream_id, partition, stream_position, global_position, message_type,
	                  message_kind, message_schema_version, message_data, message_metadata, is_archived, created
	           FROM messages
	           WHERE stream_id = $1 AND partition = $2 AND stream_position >= $3`
	args := []interface{}{streamID, opts.Partition, opts.From}
	if opts.To > 0 {
		query += fmt.Sprintf(" AND stream_position <= $%d", len(args)+1)
		args = append(args, opts.To)
	}
	query += " ORDER BY stream_position ASC"
	if opts.MaxCount > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.MaxCount)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return ReadResult{}, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var events []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.StreamID, &m.Partition, &m.StreamPosition, &m.GlobalPosition,
			&m.MessageType, &m.MessageKind, &m.MessageSchemaVersion, &m.MessageData, &m.MessageMetadata,
			&m.IsArchived, &m.Created); err != nil {
			return ReadResult{}, fmt.Errorf("scan message: %w", err)
		}
		events = append(events, m)
	}
	if err := rows.Err(); err != nil {
		return ReadResult{}, fmt.Errorf("rows error: %w", err)
	}

	return ReadResult{Events: events, CurrentVersion: curPos, StreamExists: true}, nil
}

// AggregateStream implements Store.
func (s *PGStore) AggregateStream(ctx context.Context, streamID string, opts AggregateOptions) (AggregateResult, error) {
	read, err := s.ReadStream(ctx, streamID, ReadOptions{Partition: opts.Partition})
	if err != nil {
		return AggregateResult{}, err
	}
	if !read.StreamExists {
		var state interface{}
		if opts.InitialState != nil {
			state = opts.InitialState()
		}
		return AggregateResult{State: state, CurrentVersion: 0, StreamExists: false}, nil
	}

	var state interface{}
	if opts.InitialState != nil {
		state = opts.InitialState()
	}
	for _, ev := range read.Events {
		state = opts.Evolve(state, ev)
	}
	return AggregateResult{State: state, CurrentVersion: read.CurrentVersion, StreamExists: true}, nil
}

// WithSession implements Store.
func (s *PGStore) WithSession(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	if s.inTx {
		// Already inside a transaction: reuse it rather than nesting.
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	session := &PGStore{db: s.db, conn: tx, inTx: true}
	if err := fn(ctx, session); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// runInTx is the internal helper for single-call atomicity (append).
func (s *PGStore) runInTx(ctx context.Context, fn func(ctx context.Context, c conn) error) error {
	if s.inTx {
		return fn(ctx, s.conn)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
