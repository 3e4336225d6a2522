package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the task result", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		result, err := cq.Enqueue(ctx, UserLane("u1"), func(ctx context.Context) (interface{}, error) {
			return "result", nil
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, "result", result)
	})

	t.Run("should return the task error", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		expected := errors.New("task failed")
		result, err := cq.Enqueue(ctx, UserLane("u1"), func(ctx context.Context) (interface{}, error) {
			return nil, expected
		}, nil)

		assert.Same(t, expected, err)
		assert.Nil(t, result)
	})

	t.Run("should recover a panicking task", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		_, err := cq.Enqueue(ctx, UserLane("u1"), func(ctx context.Context) (interface{}, error) {
			panic("kaboom")
		}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")

		result, err := cq.Enqueue(ctx, UserLane("u1"), func(ctx context.Context) (interface{}, error) {
			return "still serving", nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "still serving", result)
	})

	t.Run("should refuse work after close", func(t *testing.T) {
		cq := New()
		require.NoError(t, cq.Close())

		_, err := cq.Enqueue(ctx, UserLane("u1"), func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestCommandQueue_Serialization(t *testing.T) {
	ctx := context.Background()

	t.Run("should run one task at a time in arrival order", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		lane := UserLane("u1")
		release := make(chan struct{})
		started := make(chan struct{})

		var (
			mu      sync.Mutex
			order   []int
			running int32
			maxSeen int32
		)
		record := func(i int) Task {
			return func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&running, -1)
				return i, nil
			}
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) {
				close(started)
				<-release
				return nil, nil
			}, nil)
		}()
		<-started

		for i := 1; i <= 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = cq.Enqueue(ctx, lane, record(i), nil)
			}(i)
			require.Eventually(t, func() bool { return cq.QueueSize(lane) == i }, time.Second, 5*time.Millisecond)
		}

		assert.True(t, cq.IsBusy(lane))
		assert.Equal(t, 1, cq.ActiveLanes())
		close(release)
		wg.Wait()

		assert.Equal(t, []int{1, 2, 3}, order)
		assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
		assert.False(t, cq.IsBusy(lane))
		assert.Equal(t, 0, cq.ActiveLanes())
	})

	t.Run("should run different lanes concurrently", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		a := make(chan struct{})
		b := make(chan struct{})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(ctx, UserLane("alice"), func(ctx context.Context) (interface{}, error) {
				close(a)
				<-b
				return nil, nil
			}, nil)
		}()
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(ctx, UserLane("bob"), func(ctx context.Context) (interface{}, error) {
				close(b)
				<-a
				return nil, nil
			}, nil)
		}()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	})
}

func TestCommandQueue_ClearLane(t *testing.T) {
	ctx := context.Background()
	cq := New()
	defer cq.Close()

	lane := UserLane("u1")
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = cq.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := cq.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) {
				return "should not run", nil
			}, nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return cq.QueueSize(lane) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, cq.ClearLane(lane))
	assert.ErrorIs(t, <-errs, ErrLaneCleared)
	assert.ErrorIs(t, <-errs, ErrLaneCleared)
	assert.True(t, cq.IsBusy(lane))

	close(release)
	assert.True(t, cq.WaitForActive(time.Second))
	assert.Equal(t, 0, cq.ClearLane("user:unknown"))
}

func TestCommandQueue_RequestID(t *testing.T) {
	ctx := context.Background()
	cq := New(WithDedupTTL(time.Minute))
	defer cq.Close()

	var calls int32
	task := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	first, err := cq.Enqueue(ctx, UserLane("u1"), task, &TaskOptions{RequestID: "req-1"})
	require.NoError(t, err)
	again, err := cq.Enqueue(ctx, UserLane("u1"), task, &TaskOptions{RequestID: "req-1"})
	require.NoError(t, err)
	other, err := cq.Enqueue(ctx, UserLane("u2"), task, &TaskOptions{RequestID: "req-1"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), first)
	assert.Equal(t, int32(1), again)
	assert.Equal(t, int32(2), other)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCommandQueue_Events(t *testing.T) {
	ctx := context.Background()
	cq := New()
	defer cq.Close()

	var (
		mu     sync.Mutex
		events []Event
	)
	handler := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	cq.On(EventEnqueued, handler)
	cq.On(EventCompleted, handler)

	boom := errors.New("boom")
	_, _ = cq.Enqueue(ctx, UserLane("u1"), func(ctx context.Context) (interface{}, error) {
		return nil, boom
	}, nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, EventEnqueued, events[0].Type)
	assert.Equal(t, "user:u1", events[0].Lane)
	assert.Equal(t, EventCompleted, events[1].Type)
	assert.Same(t, boom, events[1].Err)
	mu.Unlock()

	cq.Off(EventEnqueued)
	cq.Off(EventCompleted)
	_, _ = cq.Enqueue(ctx, UserLane("u1"), func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, events, 2)
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	ctx := context.Background()
	cq := New()
	defer cq.Close()

	lane := UserLane("u1")
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	waited := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) { return nil, nil }, &TaskOptions{
			WarnAfter: 20 * time.Millisecond,
			OnWait: func(wait time.Duration, queuePos int) {
				waited <- queuePos
			},
		})
	}()

	select {
	case pos := <-waited:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("wait callback not invoked")
	}

	close(release)
	<-done
}

func TestCommandQueue_CloseCancelsRunningTask(t *testing.T) {
	cq := New()
	started := make(chan struct{})
	errCh := make(chan error, 1)

	go func() {
		_, err := cq.Enqueue(context.Background(), UserLane("u1"), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		errCh <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
