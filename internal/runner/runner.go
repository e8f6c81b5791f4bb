// Package runner implements the projection runner: it drives a batch of
// events from a stream through a projection, advancing a durable checkpoint
// in lockstep with each event so a crash mid-batch resumes without
// reprocessing or skipping.
package runner

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wataruoguchi/emmett-go/internal/apperror"
	"github.com/wataruoguchi/emmett-go/internal/eventlog"
	"github.com/wataruoguchi/emmett-go/internal/projection"
)

// Options configures a single call to ProjectEvents.
type Options struct {
	Partition string
	BatchSize int // default 100
}

// Result reports the outcome of a single ProjectEvents call.
type Result struct {
	// Processed is the number of events applied to the projection.
	Processed int
	// CurrentStreamVersion is the stream's version as observed by the read
	// that fed this call, independent of how many of those events were past
	// the checkpoint and actually applied.
	CurrentStreamVersion int64
}

// Runner reads a batch of a stream's events through the crypto-wrapped log
// and applies each one to a projection, committing the projection write and
// the checkpoint advance in the same database transaction.
//
// A subscription's checkpoint is keyed by (subscription_id, partition), not
// by stream: callers dedicate one subscription id per stream they track, the
// same way the teacher dedicates one audit_events row per claimed event.
type Runner struct {
	db     *sql.DB
	log    eventlog.Store
	engine *projection.Engine
}

// New builds a Runner. log should be the crypto-wrapped store so projections
// only ever see decrypted events.
func New(db *sql.DB, log eventlog.Store, engine *projection.Engine) (*Runner, error) {
	r := &Runner{db: db, log: log, engine: engine}
	if err := r.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			subscription_id TEXT NOT NULL,
			partition TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			last_processed_position BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (subscription_id, partition)
		)`)
	if err != nil {
		return apperror.ProjectionFailed("ensure subscriptions schema", err)
	}
	return nil
}

// ProjectEvents reads events for streamID past the subscription's checkpoint,
// up to opts.BatchSize, and applies each to spec. Every event is processed in
// its own transaction that also advances the checkpoint, so a crash after
// event N leaves the checkpoint at exactly N: the next call resumes at N+1,
// never reprocessing and never skipping.
func (r *Runner) ProjectEvents(ctx context.Context, subscriptionID, streamID string, spec projection.Spec, opts Options) (Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	checkpoint, err := r.readCheckpoint(ctx, subscriptionID, opts.Partition)
	if err != nil {
		return Result{}, err
	}

	read, err := r.log.ReadStream(ctx, streamID, eventlog.ReadOptions{
		Partition: opts.Partition,
		From:      checkpoint + 1,
		MaxCount:  opts.BatchSize,
	})
	if err != nil {
		return Result{}, err
	}

	applied := 0
	for _, event := range read.Events {
		if err := r.applyAndAdvance(ctx, subscriptionID, opts.Partition, spec, event); err != nil {
			return Result{Processed: applied, CurrentStreamVersion: read.CurrentVersion}, fmt.Errorf("project event at stream_position=%d: %w", event.StreamPosition, err)
		}
		applied++
	}
	return Result{Processed: applied, CurrentStreamVersion: read.CurrentVersion}, nil
}

func (r *Runner) applyAndAdvance(ctx context.Context, subscriptionID, partition string, spec projection.Spec, event eventlog.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperror.ProjectionFailed("begin runner transaction", err)
	}
	defer tx.Rollback()

	if err := r.engine.ApplyEventTx(ctx, tx, spec, partition, event); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (subscription_id, partition, last_processed_position, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (subscription_id, partition) DO UPDATE SET
			last_processed_position = EXCLUDED.last_processed_position,
			version = subscriptions.version + 1,
			updated_at = now()`,
		subscriptionID, partition, event.StreamPosition)
	if err != nil {
		return apperror.ProjectionFailed("advance checkpoint", err)
	}

	return tx.Commit()
}

func (r *Runner) readCheckpoint(ctx context.Context, subscriptionID, partition string) (int64, error) {
	var position int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_processed_position FROM subscriptions WHERE subscription_id = $1 AND partition = $2`,
		subscriptionID, partition).Scan(&position)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperror.ProjectionFailed("read checkpoint", err)
	}
	return position, nil
}
