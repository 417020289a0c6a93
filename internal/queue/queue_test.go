package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInMemoryQueueFIFO(t *testing.T) {
	q := NewInMemoryQueue()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(&Task{ID: id}))
	}
	assert.Equal(t, 3, q.Size())

	for _, want := range []string{"a", "b", "c"} {
		task, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, task.ID)
	}
}

func TestInMemoryQueuePopWaits(t *testing.T) {
	q := NewInMemoryQueue()

	got := make(chan *Task, 1)
	go func() {
		task, _ := q.Pop(context.Background())
		got <- task
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(&Task{ID: "late"}))

	select {
	case task := <-got:
		assert.Equal(t, "late", task.ID)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestInMemoryQueuePopContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInMemoryQueueClose(t *testing.T) {
	q := NewInMemoryQueue()
	require.NoError(t, q.Push(&Task{ID: "pending"}))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Push(&Task{ID: "rejected"}), ErrQueueClosed)

	task, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", task.ID)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestPoolSubmitAndWait(t *testing.T) {
	p := NewPool(2, testLogger())
	defer p.Shutdown(context.Background())

	f, err := Submit(p, "double", func(ctx context.Context) (int, error) {
		return 21 * 2, nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	select {
	case <-f.Done():
	default:
		t.Fatal("future should be done")
	}
}

func TestPoolPreservesSubmissionOrder(t *testing.T) {
	p := NewPool(1, testLogger())
	defer p.Shutdown(context.Background())

	var mu sync.Mutex
	var order []int
	var futures []*Future[struct{}]
	for i := 0; i < 10; i++ {
		i := i
		f, err := Submit(p, "ordered", func(ctx context.Context) (struct{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return struct{}{}, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 2
	p := NewPool(workers, testLogger())
	defer p.Shutdown(context.Background())

	var current, peak atomic.Int64
	release := make(chan struct{})

	var futures []*Future[bool]
	for i := 0; i < 6; i++ {
		f, err := Submit(p, "heavy", func(ctx context.Context) (bool, error) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return true, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Running == workers && s.Queued == 4
	}, time.Second, 5*time.Millisecond)

	close(release)
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(workers), peak.Load())
}

func TestPoolIsolatesFailures(t *testing.T) {
	p := NewPool(1, testLogger())
	defer p.Shutdown(context.Background())

	boom, err := Submit(p, "panics", func(ctx context.Context) (int, error) {
		panic("selector exploded")
	})
	require.NoError(t, err)

	failing, err := Submit(p, "fails", func(ctx context.Context) (int, error) {
		return 0, errors.New("store down")
	})
	require.NoError(t, err)

	ok, err := Submit(p, "works", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)

	_, err = boom.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTaskPanic)

	_, err = failing.Wait(context.Background())
	assert.EqualError(t, err, "store down")

	v, err := ok.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFutureWaitTimeoutLeavesTaskRunning(t *testing.T) {
	p := NewPool(1, testLogger())
	defer p.Shutdown(context.Background())

	release := make(chan struct{})
	f, err := Submit(p, "slow", func(ctx context.Context) (string, error) {
		<-release
		return "done", nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestPoolShutdown(t *testing.T) {
	p := NewPool(1, testLogger())

	f, err := Submit(p, "queued", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = Submit(p, "late", func(ctx context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestPoolShutdownDeadlineCancelsTasks(t *testing.T) {
	p := NewPool(1, testLogger())

	f, err := Submit(p, "blocking", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
