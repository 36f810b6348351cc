package adapter

import "context"

// TaskQueue is the asynchronous execution substrate. Submission enqueues a
// batch id and returns immediately; a worker picks it up outside the
// request path. The database remains the durable source of pending work, so
// an implementation may treat enqueue as a best-effort wake-up.
type TaskQueue interface {
	EnqueueBatch(ctx context.Context, batchID string) error
}
