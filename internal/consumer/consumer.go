// Package consumer drives the projection runner continuously: it polls a
// partition's streams for new events and pushes them through a runner's
// single-event-per-transaction checkpoint advance.
//
// Checkpoint semantics live entirely in the runner: the consumer is a bare
// polling loop and never itself advances or reads a checkpoint. It only
// decides when and in what order to call the runner again.
package consumer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wataruoguchi/emmett-go/internal/projection"
	"github.com/wataruoguchi/emmett-go/internal/runner"
)

// StreamLister enumerates the streams a subscription should project within a
// partition. A simple implementation can be backed by a fixed list, or by a
// query over distinct stream ids for a stream type.
type StreamLister interface {
	ListStreams(ctx context.Context, partition string) ([]string, error)
}

// Subscription binds a subscription id and projection spec to the partitions
// it runs over.
type Subscription struct {
	ID         string
	Spec       projection.Spec
	Partitions []string
	Lister     StreamLister
}

// Config configures the consumer's polling loop.
type Config struct {
	BatchSize      int // default 100, forwarded to runner.Options
	PollInterval   time.Duration // default 2s, used when a poll pass makes no progress
	MaxConcurrency int           // default 5, bounds concurrent stream processing
}

// Projector is the subset of *runner.Runner the consumer depends on.
type Projector interface {
	ProjectEvents(ctx context.Context, subscriptionID, streamID string, spec projection.Spec, opts runner.Options) (runner.Result, error)
}

// Consumer is a long-lived poller over one or more subscriptions.
type Consumer struct {
	run  Projector
	subs []Subscription
	cfg  Config

	wg sync.WaitGroup
}

// New builds a Consumer driving r across subs.
func New(r Projector, subs []Subscription, cfg Config) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Consumer{run: r, subs: subs, cfg: cfg}
}

// Run polls every subscription's streams until ctx is cancelled. Each pass
// over a subscription's streams runs with bounded concurrency; the loop
// sleeps PollInterval only when an entire pass makes no progress, so a busy
// system keeps draining without waiting out the interval between batches.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("[consumer] starting (%d subscriptions, concurrency=%d)", len(c.subs), c.cfg.MaxConcurrency)
	defer log.Printf("[consumer] stopped")

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		default:
		}

		progressed := false
		for _, sub := range c.subs {
			n, err := c.pollSubscription(ctx, sub)
			if err != nil {
				log.Printf("[consumer] subscription %s poll error: %v", sub.ID, err)
				continue
			}
			if n > 0 {
				progressed = true
			}
		}

		if !progressed {
			select {
			case <-ctx.Done():
				c.wg.Wait()
				return ctx.Err()
			case <-time.After(c.cfg.PollInterval):
			}
		}
	}
}

func (c *Consumer) pollSubscription(ctx context.Context, sub Subscription) (int, error) {
	total := 0
	sem := make(chan struct{}, c.cfg.MaxConcurrency)
	var mu sync.Mutex

	for _, partition := range sub.Partitions {
		streams, err := sub.Lister.ListStreams(ctx, partition)
		if err != nil {
			return total, err
		}

		for _, streamID := range streams {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			default:
			}

			sem <- struct{}{}
			c.wg.Add(1)
			go func(partition, streamID string) {
				defer func() {
					<-sem
					c.wg.Done()
				}()
				// The runner keys checkpoints by (subscription_id, partition), so
				// each stream gets its own subscription id derived from sub.ID.
				result, err := c.run.ProjectEvents(ctx, sub.ID+":"+streamID, streamID, sub.Spec, runner.Options{
					Partition: partition,
					BatchSize: c.cfg.BatchSize,
				})
				if err != nil {
					log.Printf("[consumer] subscription %s stream %s: %v", sub.ID, streamID, err)
					return
				}
				mu.Lock()
				total += result.Processed
				mu.Unlock()
			}(partition, streamID)
		}
	}

	// drain before reporting progress, so a busy pass is detected accurately
	for i := 0; i < c.cfg.MaxConcurrency; i++ {
		sem <- struct{}{}
	}
	for i := 0; i < c.cfg.MaxConcurrency; i++ {
		<-sem
	}

	return total, nil
}
