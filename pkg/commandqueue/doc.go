// Package commandqueue runs tasks in named lanes.
//
// Invariants:
// - Tasks in the same lane start in FIFO order, at most the lane's concurrency at a time.
// - Tasks in different lanes may execute concurrently.
// - Queue activity is observable through enqueued/completed events and metrics.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "hooks", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
