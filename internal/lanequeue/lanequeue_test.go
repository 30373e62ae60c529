package lanequeue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneFIFO(t *testing.T) {
	// P1: two messages on the same lane start and complete in enqueue order.
	q := New(10)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string

	work := func(name string, sleep time.Duration) Work {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, "start:"+name)
			mu.Unlock()
			time.Sleep(sleep)
			mu.Lock()
			order = append(order, "done:"+name)
			mu.Unlock()
			return name, nil
		}
	}

	r1 := q.Enqueue(ctx, "chat-1", work("m1", 30*time.Millisecond))
	r2 := q.Enqueue(ctx, "chat-1", work("m2", 1*time.Millisecond))

	res1 := <-r1
	res2 := <-r2

	require.NoError(t, res1.Err)
	require.NoError(t, res2.Err)
	assert.Equal(t, []string{"start:m1", "done:m1", "start:m2", "done:m2"}, order)
}

func TestConcurrencyCap(t *testing.T) {
	// P2: at no instant do more than maxConcurrency tasks run.
	const maxConcurrency = 3
	q := New(maxConcurrency)
	ctx := context.Background()

	var running int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		laneKey := fmt.Sprintf("chat-%d", i)
		go func() {
			defer wg.Done()
			<-q.Enqueue(ctx, laneKey, func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(maxSeen), maxConcurrency)
}

func TestDifferentLanesRunInParallel(t *testing.T) {
	q := New(10)
	ctx := context.Background()

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	barrier := make(chan struct{}, 2)
	go func() {
		defer wg.Done()
		<-q.Enqueue(ctx, "chat-a", func(ctx context.Context) (interface{}, error) {
			barrier <- struct{}{}
			<-start
			return nil, nil
		})
	}()
	go func() {
		defer wg.Done()
		<-q.Enqueue(ctx, "chat-b", func(ctx context.Context) (interface{}, error) {
			barrier <- struct{}{}
			<-start
			return nil, nil
		})
	}()

	// Both lanes must reach the barrier before either is released —
	// otherwise they aren't actually running concurrently.
	select {
	case <-barrier:
	case <-time.After(time.Second):
		t.Fatal("first lane did not start")
	}
	select {
	case <-barrier:
	case <-time.After(time.Second):
		t.Fatal("second lane did not start concurrently with the first")
	}
	close(start)
	wg.Wait()
}

func TestPanicDoesNotCorruptLane(t *testing.T) {
	q := New(10)
	ctx := context.Background()

	r1 := q.Enqueue(ctx, "chat-1", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	res1 := <-r1
	require.Error(t, res1.Err)

	r2 := q.Enqueue(ctx, "chat-1", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	res2 := <-r2
	require.NoError(t, res2.Err)
	assert.Equal(t, "ok", res2.Value)
}

func TestErrorSurfacesWithoutBlockingLane(t *testing.T) {
	q := New(10)
	ctx := context.Background()

	r1 := q.Enqueue(ctx, "chat-1", func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	})
	res1 := <-r1
	require.Error(t, res1.Err)

	r2 := q.Enqueue(ctx, "chat-1", func(ctx context.Context) (interface{}, error) {
		return "next", nil
	})
	res2 := <-r2
	require.NoError(t, res2.Err)
	assert.Equal(t, "next", res2.Value)
}
