// Package queue moves background jobs from the outbox relay to their
// handlers. Delivery is at-least-once for every backend; handlers must
// tolerate re-execution.
package queue

import (
	"context"
	"errors"
	"fmt"
)

// Handler processes one job payload. A returned error makes the backend
// retry the job.
type Handler func(ctx context.Context, payload []byte) error

// Queue is a named-job work queue.
type Queue interface {
	// Publish enqueues payload for job.
	Publish(ctx context.Context, job string, payload []byte) error
	// Handle registers the handler for job. Call before Run.
	Handle(job string, h Handler)
	// Run consumes until ctx is done.
	Run(ctx context.Context) error
	// Close releases broker resources.
	Close() error
}

// Backend names accepted by New.
const (
	DriverMemory = "memory"
	DriverNATS   = "nats"
	DriverInline = "inline"
)

// ErrNoHandler is returned when a job has no registered handler.
var ErrNoHandler = errors.New("queue: no handler registered")

// Options selects and tunes a backend.
type Options struct {
	Driver     string
	NATSURL    string
	MaxRetries int
}

// New builds the backend named by opts.Driver.
func New(ctx context.Context, opts Options) (Queue, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewWatermill(WatermillConfig{MaxRetries: opts.MaxRetries}), nil
	case DriverNATS:
		return NewJetStream(ctx, JetStreamConfig{URL: opts.NATSURL, MaxDeliver: opts.MaxRetries + 1})
	case DriverInline:
		return NewInline(), nil
	}
	return nil, fmt.Errorf("unsupported queue driver %q", opts.Driver)
}
