package consumer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wataruoguchi/emmett-go/internal/projection"
	"github.com/wataruoguchi/emmett-go/internal/runner"
)

type fakeLister struct{ streams []string }

func (f fakeLister) ListStreams(ctx context.Context, partition string) ([]string, error) {
	return f.streams, nil
}

type fakeProjector struct {
	calls int32
	drain int32 // number of calls that should report progress before going dry
}

func (f *fakeProjector) ProjectEvents(ctx context.Context, subscriptionID, streamID string, spec projection.Spec, opts runner.Options) (runner.Result, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.drain {
		return runner.Result{Processed: 1, CurrentStreamVersion: int64(n)}, nil
	}
	return runner.Result{}, nil
}

func TestConsumer_StopsOnContextCancel(t *testing.T) {
	fp := &fakeProjector{drain: 1}
	c := New(fp, []Subscription{
		{ID: "sub-1", Spec: projection.Spec{}, Partitions: []string{"tenant-a"}, Lister: fakeLister{streams: []string{"cart-1"}}},
	}, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := c.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&fp.calls)), 1)
}

func TestConsumer_PollsMultiplePartitions(t *testing.T) {
	fp := &fakeProjector{drain: 100}
	c := New(fp, []Subscription{
		{
			ID:         "sub-1",
			Spec:       projection.Spec{},
			Partitions: []string{"tenant-a", "tenant-b"},
			Lister:     fakeLister{streams: []string{"cart-1", "cart-2"}},
		},
	}, Config{PollInterval: 5 * time.Millisecond, MaxConcurrency: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_ = c.Run(ctx)
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&fp.calls)), 4)
}
