package archival

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Producer is the subset of Kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (producedAt time.Time, err error)
	Close() error
}

// Archiver is the subset of S3 archiving behavior the streamer needs.
type Archiver interface {
	Archive(ctx context.Context, e Entry) (objectKey string, err error)
}

// LedgerAPI is the subset of *Ledger the streamer depends on.
type LedgerAPI interface {
	FetchPending(ctx context.Context, batchSize int) ([]Entry, error)
	MarkResult(ctx context.Context, messageID string, s3Key sql.NullString, success bool, errMsg sql.NullString) error
}

// Config configures the streamer's polling loop.
type Config struct {
	BatchSize      int           // default 10
	PollInterval   time.Duration // default 3s
	MaxConcurrency int           // default 5
}

// Streamer durably exports every committed message exactly once to Kafka and
// S3, independent of the write and projection paths, grounded directly on
// the teacher's DB-first audit event streamer.
type Streamer struct {
	ledger   LedgerAPI
	producer Producer
	archiver Archiver
	cfg      Config

	wg sync.WaitGroup
}

// New constructs a Streamer. Zero-value Config fields take their defaults.
func New(ledger LedgerAPI, producer Producer, archiver Archiver, cfg Config) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{ledger: ledger, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls for pending messages and exports them until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[archival.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[archival.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.ledger.FetchPending(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[archival.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		if len(entries) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, entry := range entries {
			select {
			case <-ctx.Done():
				break
			default:
			}

			sem <- struct{}{}
			s.wg.Add(1)
			go func(e Entry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEntry(ctx, e); err != nil {
					log.Printf("[archival.streamer] process message %s: %v", e.MessageID, err)
				}
			}(entry)
		}

		// drain the batch before fetching more, preserving global_position order per batch
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

func (s *Streamer) processEntry(parentCtx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	canonBytes, err := json.Marshal(envelopeFor(e))
	if err != nil {
		msg := sql.NullString{String: fmt.Sprintf("marshal envelope: %v", err), Valid: true}
		_ = s.ledger.MarkResult(parentCtx, e.MessageID, sql.NullString{}, false, msg)
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if _, err := s.producer.Produce(ctx, []byte(e.MessageID), canonBytes); err != nil {
		msg := sql.NullString{String: fmt.Sprintf("kafka produce: %v", err), Valid: true}
		_ = s.ledger.MarkResult(parentCtx, e.MessageID, sql.NullString{}, false, msg)
		return fmt.Errorf("kafka produce: %w", err)
	}

	key, err := s.archiver.Archive(ctx, e)
	if err != nil {
		msg := sql.NullString{String: fmt.Sprintf("s3 archive: %v", err), Valid: true}
		_ = s.ledger.MarkResult(parentCtx, e.MessageID, sql.NullString{}, false, msg)
		return fmt.Errorf("s3 archive: %w", err)
	}

	if err := s.ledger.MarkResult(parentCtx, e.MessageID, sql.NullString{String: key, Valid: true}, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark archival success: %w", err)
	}

	log.Printf("[archival.streamer] message %s archived: key=%s", e.MessageID, key)
	return nil
}
