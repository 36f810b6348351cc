package worker

import (
	"context"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/ports/adapter"
)

// MemQueue is the in-process TaskQueue: a buffered channel of batch ids.
// It is only a wake-up signal for the processor; pending work survives in
// the database, so a full buffer or a restart loses nothing.
type MemQueue struct {
	ch chan string
}

var _ adapter.TaskQueue = (*MemQueue)(nil)

func NewMemQueue(size int) *MemQueue {
	if size <= 0 {
		size = 64
	}
	return &MemQueue{ch: make(chan string, size)}
}

func (q *MemQueue) EnqueueBatch(ctx context.Context, batchID string) error {
	select {
	case q.ch <- batchID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return domain.ErrQueueFull
	}
}

// Wake exposes the signal channel to the processor.
func (q *MemQueue) Wake() <-chan string { return q.ch }
