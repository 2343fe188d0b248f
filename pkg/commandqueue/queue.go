package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "personakit/commandqueue"

var (
	// ErrClosed is returned when submitting to a closed queue
	ErrClosed = errors.New("command queue is closed")

	// ErrLaneCleared is the result of tasks dropped by ClearLane
	ErrLaneCleared = errors.New("lane cleared")

	// ErrLaneReset is the result of tasks dropped by ResetLane
	ErrLaneReset = errors.New("lane reset")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// Result is the outcome of a task
type Result struct {
	Value interface{}
	Err   error
}

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still queued after this long
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, position int)
}

// EventType names a queue event
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
)

// Event represents a queue event
type Event struct {
	Type   EventType
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Config configures a CommandQueue
type Config struct {
	// Lanes presets the concurrency of named lanes; other lanes run one task at a time
	Lanes  map[string]int
	Logger zerolog.Logger
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan Result
}

// laneState manages execution state for a single lane
type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger

	eventHandlers map[EventType][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a CommandQueue
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		logger:        cfg.Logger.With().Str("component", "commandqueue").Logger(),
		eventHandlers: make(map[EventType][]EventHandler),
	}
	for lane, concurrency := range cfg.Lanes {
		cq.lane(lane).concurrency = max(concurrency, 1)
	}
	return cq
}

// lane returns the lane state, creating it with concurrency 1
func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[name]; ok {
		return ls
	}
	ls = &laneState{concurrency: 1}
	cq.lanes[name] = ls
	cq.logger.Debug().Str("lane", name).Msg("Lane initialized")
	return ls
}

func (cq *CommandQueue) existing(name string) (*laneState, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	ls, ok := cq.lanes[name]
	return ls, ok
}

// Enqueue runs task in lane and waits for its result
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	results, err := cq.Submit(ctx, lane, task, options)
	if err != nil {
		return nil, err
	}

	result := <-results
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	return result.Value, result.Err
}

// Submit queues task in lane and returns a channel receiving its result. The
// task is queued before Submit returns, so submissions from one goroutine keep
// their order.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) (<-chan Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	ls := cq.lane(lane)
	ls.mu.Lock()
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan Result, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	log := tracing.LoggerFromContext(ctx, cq.logger)
	log.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	observability.SetQueueDepth(lane, queueSize)
	cq.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: taskID,
		Data:   map[string]interface{}{"queue_size": queueSize},
	})

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane)
	}

	cq.processLane(lane)
	return record.result, nil
}

// processLane starts queued tasks while the lane has capacity
func (cq *CommandQueue) processLane(lane string) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- Result{Err: ErrLaneReset}
			continue
		}

		ls.running++
		cq.logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Int("running", ls.running).
			Msg("Task started")

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracerName, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- Result{Value: value, Err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueTask(lane, duration, err == nil, queueSize)
	cq.emit(Event{
		Type:   EventCompleted,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"success":     err == nil,
		},
	})

	cq.processLane(lane)
}

// startWarnTimer warns when a task waits longer than its WarnAfter
func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls := cq.lane(lane)
	ls.mu.Lock()
	position := -1
	for i, r := range ls.queue {
		if r.id == record.id {
			position = i
			break
		}
	}
	ls.mu.Unlock()

	if position < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	cq.logger.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("position", position).
		Msg("Task waiting longer than expected")

	if record.options.OnWait != nil {
		record.options.OnWait(wait, position)
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls, ok := cq.existing(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls, ok := cq.existing(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane drops the queued tasks of a lane; running tasks are unaffected
func (cq *CommandQueue) ClearLane(lane string) int {
	ls, ok := cq.existing(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- Result{Err: ErrLaneCleared}
	}
	ls.queue = nil
	ls.mu.Unlock()

	cq.logger.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	observability.SetQueueDepth(lane, 0)
	return count
}

// ResetLane drops the queued tasks of a lane and starts a new generation
func (cq *CommandQueue) ResetLane(lane string) {
	ls, ok := cq.existing(lane)
	if !ok {
		return
	}

	ls.mu.Lock()
	ls.generation++
	generation := ls.generation
	for _, record := range ls.queue {
		record.result <- Result{Err: ErrLaneReset}
	}
	ls.queue = nil
	ls.mu.Unlock()

	cq.logger.Info().Str("lane", lane).Int("generation", generation).Msg("Lane reset")
	observability.SetQueueDepth(lane, 0)
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	concurrency = max(concurrency, 1)

	ls := cq.lane(lane)
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	cq.logger.Info().
		Str("lane", lane).
		Int("old_max", oldMax).
		Int("new_max", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		cq.processLane(lane)
	}
}

// WaitForIdle waits until no lane has queued or running tasks
func (cq *CommandQueue) WaitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if ls.running > 0 || len(ls.queue) > 0 {
				idle = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if idle {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for queued tasks")
			return false
		}
		<-ticker.C
	}
}

// Close refuses new tasks, cancels running ones and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType EventType, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType EventType) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

// emit calls handlers synchronously
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
