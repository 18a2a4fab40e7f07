package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamConfig configures the durable NATS backend.
type JetStreamConfig struct {
	URL        string
	Stream     string        // default NEGOTIATION_JOBS
	MaxDeliver int           // attempts per job, default 5
	AckWait    time.Duration // redelivery timeout, default 2m
}

// JetStream publishes jobs to subjects jobs.<name> on a work-queue stream and
// consumes each job with its own durable consumer.
type JetStream struct {
	cfg JetStreamConfig
	nc  *nats.Conn
	js  jetstream.JetStream

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewJetStream connects and ensures the stream exists.
func NewJetStream(ctx context.Context, cfg JetStreamConfig) (*JetStream, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Stream == "" {
		cfg.Stream = "NEGOTIATION_JOBS"
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 2 * time.Minute
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("go-negotiation-backend"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(sctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{"jobs.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return &JetStream{cfg: cfg, nc: nc, js: js, handlers: map[string]Handler{}}, nil
}

func subject(job string) string { return "jobs." + job }

// Publish implements Queue.
func (q *JetStream) Publish(ctx context.Context, job string, payload []byte) error {
	if _, err := q.js.Publish(ctx, subject(job), payload); err != nil {
		return fmt.Errorf("failed to publish job to subject %s: %w", subject(job), err)
	}
	return nil
}

// Handle implements Queue.
func (q *JetStream) Handle(job string, h Handler) {
	q.mu.Lock()
	q.handlers[job] = h
	q.mu.Unlock()
}

// Run creates one durable consumer per registered job and consumes until ctx
// is done. A failing handler naks its message for redelivery, up to MaxDeliver.
func (q *JetStream) Run(ctx context.Context) error {
	q.mu.Lock()
	handlers := make(map[string]Handler, len(q.handlers))
	for k, v := range q.handlers {
		handlers[k] = v
	}
	q.mu.Unlock()
	if len(handlers) == 0 {
		return errors.New("jetstream: no handlers registered")
	}

	var running []jetstream.ConsumeContext
	defer func() {
		for _, cc := range running {
			cc.Stop()
		}
	}()
	for job, h := range handlers {
		cons, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
			Durable:       "negotiator-" + job,
			FilterSubject: subject(job),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       q.cfg.AckWait,
			MaxDeliver:    q.cfg.MaxDeliver,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer for %s: %w", job, err)
		}
		cc, err := cons.Consume(q.consumeFunc(ctx, job, h))
		if err != nil {
			return fmt.Errorf("failed to start consuming %s: %w", job, err)
		}
		running = append(running, cc)
		log.Info().Str("job", job).Str("stream", q.cfg.Stream).Msg("consumer started")
	}
	<-ctx.Done()
	return nil
}

func (q *JetStream) consumeFunc(ctx context.Context, job string, h Handler) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		attempt := uint64(1)
		if md, err := msg.Metadata(); err == nil {
			attempt = md.NumDelivered
		}
		if err := h(ctx, msg.Data()); err != nil {
			log.Warn().Err(err).Str("job", job).Uint64("attempt", attempt).Msg("job failed")
			if int(attempt) >= q.cfg.MaxDeliver {
				_ = msg.Term()
				return
			}
			_ = msg.NakWithDelay(time.Duration(attempt) * time.Second)
			return
		}
		_ = msg.Ack()
	}
}

// Close implements Queue.
func (q *JetStream) Close() error {
	if q.nc != nil {
		return q.nc.Drain()
	}
	return nil
}
