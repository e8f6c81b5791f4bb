package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/wataruoguchi/emmett-go/domain/cart"
	"github.com/wataruoguchi/emmett-go/internal/archival"
	"github.com/wataruoguchi/emmett-go/internal/consumer"
	"github.com/wataruoguchi/emmett-go/internal/crypto"
	"github.com/wataruoguchi/emmett-go/internal/eventlog"
	"github.com/wataruoguchi/emmett-go/internal/keys"
	"github.com/wataruoguchi/emmett-go/internal/policy"
	"github.com/wataruoguchi/emmett-go/internal/projection"
	"github.com/wataruoguchi/emmett-go/internal/runner"
	"github.com/wataruoguchi/emmett-go/pkg/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()
	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL must be set")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer db.Close()

	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
	}
	log.Println("connected to postgres")

	ctx := context.Background()

	logStore, err := eventlog.NewPGStore(ctx, db)
	if err != nil {
		log.Fatalf("failed to initialize event log: %v", err)
	}

	keyManager, err := keys.NewPGManager(ctx, db, cfg.KeyManagerMasterKey)
	if err != nil {
		log.Fatalf("failed to initialize key manager: %v", err)
	}

	policyStore, err := policy.NewStore(ctx, db)
	if err != nil {
		log.Fatalf("failed to initialize policy store: %v", err)
	}
	resolver := policy.NewResolver(policyStore)

	cryptoStore := crypto.New(logStore, resolver, keyManager, nil)

	engine := projection.NewEngine(db)
	if err := engine.EnsureCentralizedTable(ctx); err != nil {
		log.Fatalf("failed to ensure centralized snapshot table: %v", err)
	}

	runnerSvc, err := runner.New(db, cryptoStore, engine)
	if err != nil {
		log.Fatalf("failed to initialize projection runner: %v", err)
	}

	subs := []consumer.Subscription{
		{
			ID:         "cart-projector",
			Spec:       cart.Spec(),
			Partitions: []string{"default"},
			Lister:     consumer.NewByStreamTypeLister(db, cart.StreamType),
		},
	}
	consumerSvc := consumer.New(runnerSvc, subs, consumer.Config{
		BatchSize:      cfg.RunnerBatchSize,
		PollInterval:   cfg.ConsumerPollInterval,
		MaxConcurrency: 5,
	})

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	go func() {
		if err := consumerSvc.Run(consumerCtx); err != nil && err != context.Canceled {
			log.Printf("[consumer] exited with error: %v", err)
		}
		log.Printf("[consumer] stopped")
	}()
	log.Println("projection consumer started")

	// Archival streamer: only started when a durable DB and every export
	// destination is configured, mirroring the conditional-wiring check in
	// the kernel bootstrap this is descended from.
	var stopArchival context.CancelFunc
	if cfg.ArchivalEnabled {
		stopArchival = startArchivalStreamer(cfg)
	} else {
		log.Println("archival streamer not started: ARCHIVAL_ENABLED is false or destinations incomplete")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")

	stopConsumer()
	if stopArchival != nil {
		stopArchival()
	}
	// Give background loops a moment to observe cancellation before the
	// process exits; both loops check ctx.Done() on every pass.
	time.Sleep(500 * time.Millisecond)

	log.Println("stopped")
}

func startArchivalStreamer(cfg *config.Config) context.CancelFunc {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archival: failed to open postgres: %v", err)
	}

	ledger, err := archival.NewLedger(context.Background(), db)
	if err != nil {
		log.Fatalf("archival: failed to initialize ledger: %v", err)
	}

	producer, err := archival.NewKafkaProducer(archival.KafkaProducerConfig{
		Brokers: splitBrokers(cfg.ArchivalKafkaBrokers),
		Topic:   cfg.ArchivalKafkaTopic,
	})
	if err != nil {
		log.Fatalf("archival: failed to initialize kafka producer: %v", err)
	}

	archiver, err := archival.NewS3Archiver(context.Background(), cfg.ArchivalS3Bucket, cfg.ArchivalS3Prefix)
	if err != nil {
		log.Fatalf("archival: failed to initialize s3 archiver: %v", err)
	}

	streamer := archival.New(ledger, producer, archiver, archival.Config{
		BatchSize:      cfg.ArchivalBatchSize,
		PollInterval:   cfg.ArchivalPollInterval,
		MaxConcurrency: cfg.ArchivalConcurrency,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := streamer.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("[archival.streamer] exited with error: %v", err)
		}
		_ = producer.Close()
		_ = db.Close()
		log.Printf("[archival.streamer] stopped")
	}()
	log.Printf("archival streamer started (bucket=%s topic=%s)", cfg.ArchivalS3Bucket, cfg.ArchivalKafkaTopic)
	return cancel
}

func splitBrokers(csv string) []string {
	var out []string
	for _, b := range strings.Split(csv, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
