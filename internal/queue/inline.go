package queue

import (
	"context"
	"fmt"
	"sync"
)

// Inline runs handlers synchronously inside Publish. A handler error is
// returned to the publisher, which keeps the outbox row for a later retry.
type Inline struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewInline returns an empty inline queue.
func NewInline() *Inline {
	return &Inline{handlers: map[string]Handler{}}
}

// Publish implements Queue.
func (q *Inline) Publish(ctx context.Context, job string, payload []byte) error {
	q.mu.RLock()
	h, ok := q.handlers[job]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job)
	}
	return h(ctx, payload)
}

// Handle implements Queue.
func (q *Inline) Handle(job string, h Handler) {
	q.mu.Lock()
	q.handlers[job] = h
	q.mu.Unlock()
}

// Run implements Queue.
func (q *Inline) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close implements Queue.
func (q *Inline) Close() error { return nil }
