// Package commandqueue serializes work per lane. The session manager uses one
// lane per user so a user's operations never interleave.
//
// Invariants:
// - Tasks in the same lane execute one at a time in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - An enqueue carrying a RequestID that already completed on the same lane
//   returns the remembered result instead of running again.
// - Queue activity is observable through enqueued/completed events and metrics.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, commandqueue.UserLane("u1"), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
