// Package lanequeue serializes work per key while bounding total concurrency
// across keys. Messages on one chat are processed strictly FIFO; different
// chats run in parallel up to a global cap.
package lanequeue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Work is a unit of work enqueued on a lane. It must respect ctx
// cancellation but the queue itself imposes no timeout.
type Work func(ctx context.Context) (interface{}, error)

// Result is resolved once Work completes (or panics/errors).
type Result struct {
	Value interface{}
	Err   error
}

// lane is a single FIFO worker for one key. It owns its own goroutine and
// channel so that a panicking task cannot corrupt queue state for other
// lanes or for later items on the same lane.
type lane struct {
	key   string
	items chan queuedItem
	done  chan struct{} // closed when the lane goroutine exits (idle teardown)
}

type queuedItem struct {
	ctx    context.Context
	work   Work
	result chan<- Result
}

// Queue implements the Lane Queue contract (spec §4.1): enqueue(laneKey, work)
// returns a future resolved when work completes; lanes are FIFO; global
// concurrency is capped by maxConcurrency; lanes are created lazily and
// torn down when idle.
type Queue struct {
	mu    sync.Mutex
	lanes map[string]*lane
	sem   *semaphore.Weighted
}

// New creates a Queue bounded at maxConcurrency simultaneous running tasks
// across all lanes. maxConcurrency <= 0 defaults to 10 (spec §5 default).
func New(maxConcurrency int) *Queue {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Queue{
		lanes: make(map[string]*lane),
		sem:   semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// Enqueue schedules work on laneKey's FIFO and returns a channel that
// receives exactly one Result once the task completes. Enqueue never
// blocks: the work itself waits in the lane and for the global semaphore.
func (q *Queue) Enqueue(ctx context.Context, laneKey string, work Work) <-chan Result {
	resultCh := make(chan Result, 1)
	l := q.getOrCreateLane(laneKey)

	select {
	case l.items <- queuedItem{ctx: ctx, work: work, result: resultCh}:
	default:
		// Lane buffer briefly exhausted under pathological burst; fall back to a
		// blocking send in its own goroutine so Enqueue itself never blocks.
		go func() { l.items <- queuedItem{ctx: ctx, work: work, result: resultCh} }()
	}
	return resultCh
}

// EnqueueSync is a convenience wrapper that blocks until the result is ready.
func (q *Queue) EnqueueSync(ctx context.Context, laneKey string, work Work) (interface{}, error) {
	res := <-q.Enqueue(ctx, laneKey, work)
	return res.Value, res.Err
}

func (q *Queue) getOrCreateLane(key string) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.lanes[key]; ok {
		return l
	}

	l := &lane{
		key:   key,
		items: make(chan queuedItem, 64),
		done:  make(chan struct{}),
	}
	q.lanes[key] = l
	go q.runLane(l)
	return l
}

// runLane drains l.items strictly in order. Acquiring the global semaphore
// happens per item, inside the lane loop, so a busy lane never starves
// other lanes of their fair share of the global cap (FIFO within the lane,
// no ordering promised across lanes).
func (q *Queue) runLane(l *lane) {
	idleTimer := newIdleTicker()
	defer idleTimer.Stop()

	for {
		select {
		case item, ok := <-l.items:
			if !ok {
				return
			}
			q.runItem(l, item)
		case <-idleTimer.C:
			if q.tryRetireLane(l) {
				return
			}
		}
	}
}

func (q *Queue) runItem(l *lane, item queuedItem) {
	if err := q.sem.Acquire(item.ctx, 1); err != nil {
		item.result <- Result{Err: err}
		return
	}
	defer q.sem.Release(1)

	item.result <- q.safeRun(item)
}

// safeRun executes work, converting a panic into an error Result so that a
// panicking task never corrupts lane state or blocks subsequent items.
func (q *Queue) safeRun(item queuedItem) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: panicError{recovered: r}}
		}
	}()
	v, err := item.work(item.ctx)
	return Result{Value: v, Err: err}
}

// tryRetireLane removes an idle lane from the registry. Returns true if the
// lane was retired (caller's goroutine should exit); false if new work
// raced in and the lane must keep running.
func (q *Queue) tryRetireLane(l *lane) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(l.items) > 0 {
		// Work raced in between the idle-tick and the lock: leave it queued
		// for the lane loop and keep the lane registered.
		return false
	}

	delete(q.lanes, l.key)
	close(l.done)
	return true
}

// ActiveLanes returns the number of lanes currently registered (for tests
// and observability; not part of the spec contract).
func (q *Queue) ActiveLanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

type panicError struct {
	recovered interface{}
}

func (p panicError) Error() string {
	return "lanequeue: task panicked: " + toString(p.recovered)
}

func toString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic"
}
