package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrLaneCleared is returned to tasks that were still queued when their lane was cleared.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("command queue closed")
)

// Task is one unit of work run on a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single enqueue.
type TaskOptions struct {
	// RequestID makes the enqueue idempotent: a repeat within the dedup TTL
	// returns the first result without running the task again.
	RequestID string
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// EventType names a queue lifecycle event.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
)

// Event is delivered synchronously to handlers registered with On.
type Event struct {
	Type      EventType
	Lane      string
	TaskID    string
	QueueSize int
	Duration  time.Duration
	Err       error
}

// EventHandler receives queue events.
type EventHandler func(event Event)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
	done       chan struct{}
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running bool
	active  string
	mu      sync.Mutex
}

// Option configures a CommandQueue.
type Option func(*CommandQueue)

// WithDedupTTL sets how long RequestID results are remembered.
func WithDedupTTL(ttl time.Duration) Option {
	return func(cq *CommandQueue) {
		cq.dedupTTL = ttl
	}
}

// CommandQueue runs tasks one at a time per lane, in arrival order.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	dedupTTL  time.Duration
	dedup     *dedupCache

	eventHandlers map[EventType][]EventHandler
	eventMu       sync.RWMutex
}

// New creates an empty queue. Lanes are created on first use.
func New(opts ...Option) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[EventType][]EventHandler),
	}
	for _, opt := range opts {
		opt(cq)
	}
	cq.dedup = newDedupCache(ctx, cq.dedupTTL)
	return cq
}

// UserLane returns the lane name that serializes one user's operations.
func UserLane(userID string) string {
	return "user:" + userID
}

// Enqueue runs task on lane and blocks for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "platepal.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	if opts.RequestID != "" {
		if cached, ok := cq.dedup.Get(lane + "/" + opts.RequestID); ok {
			log.Debug().Str("lane", lane).Str("requestId", opts.RequestID).Msg("Returning deduplicated result")
			return cached.value, cached.err
		}
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	cq.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
		done:       make(chan struct{}),
	}

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)
	cq.emit(Event{Type: EventEnqueued, Lane: lane, TaskID: taskID, QueueSize: queueSize})

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane)
	}

	cq.processLane(lane)

	result := <-record.result
	tracing.FailSpan(span, result.err)

	if opts.RequestID != "" && !errors.Is(result.err, ErrLaneCleared) {
		cq.dedup.Set(lane+"/"+opts.RequestID, result)
	}
	return result.value, result.err
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	return cq.lanes[name]
}

// processLane starts the head task when the lane is idle.
func (cq *CommandQueue) processLane(lane string) {
	ls := cq.lane(lane)
	if ls == nil {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.running || len(ls.queue) == 0 {
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true
	ls.active = record.id

	cq.wg.Add(1)
	go cq.executeTask(lane, record)
}

func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "platepal.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(start)

	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.running = false
	ls.active = ""
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.done)

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	cq.emit(Event{Type: EventCompleted, Lane: lane, TaskID: record.id, QueueSize: queueSize, Duration: duration, Err: err})

	cq.processLane(lane)
}

func runTask(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls := cq.lane(lane)
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-record.done:
	case <-cq.ctx.Done():
	}
}

// QueueSize returns the number of tasks waiting on a lane, excluding the running one.
func (cq *CommandQueue) QueueSize(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// IsBusy reports whether a task is running on lane.
func (cq *CommandQueue) IsBusy(lane string) bool {
	ls := cq.lane(lane)
	if ls == nil {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// ActiveLanes counts lanes with a running or queued task.
func (cq *CommandQueue) ActiveLanes() int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	count := 0
	for _, ls := range cq.lanes {
		ls.mu.Lock()
		if ls.running || len(ls.queue) > 0 {
			count++
		}
		ls.mu.Unlock()
	}
	return count
}

// ClearLane rejects every queued task on lane with ErrLaneCleared.
// The running task, if any, is left alone.
func (cq *CommandQueue) ClearLane(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneCleared}
		close(record.done)
	}
	ls.queue = nil

	if count > 0 {
		log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	}
	observability.SetQueueSize(lane, 0)
	return count
}

// WaitForActive waits until no lane has a running task or the timeout passes.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if ls.running {
				drained = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks, rejects queued ones and waits for workers to exit.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	names := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		names = append(names, name)
	}
	cq.mu.Unlock()

	for _, name := range names {
		cq.ClearLane(name)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers handler for eventType.
func (cq *CommandQueue) On(eventType EventType, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes every handler for eventType.
func (cq *CommandQueue) Off(eventType EventType) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
