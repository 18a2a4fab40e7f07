package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// WatermillConfig tunes the in-process queue.
type WatermillConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
}

// Watermill is an in-process queue on a watermill GoChannel and Router.
// Jobs published before Run starts wait until the router is running.
type Watermill struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter
}

// NewWatermill builds the queue. Failed handlers are retried with
// exponential backoff; after the last retry the job is logged and dropped.
func NewWatermill(cfg WatermillConfig) *Watermill {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	logger := NewLoggerAdapter(log.With().Str("component", "queue").Logger())
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, logger)
	if err != nil {
		// NewRouter only fails on invalid config.
		panic(err)
	}
	router.AddMiddleware(
		dropExhausted(logger),
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.InitialInterval,
			Multiplier:      2,
			MaxInterval:     10 * time.Second,
			Logger:          logger,
		}.Middleware,
		middleware.Recoverer,
	)
	return &Watermill{pubsub: pubsub, router: router, logger: logger}
}

// dropExhausted acks a message whose retries are used up. GoChannel would
// otherwise redeliver a nacked message forever.
func dropExhausted(logger watermill.LoggerAdapter) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err != nil {
				logger.Error("job dropped after retries", err, watermill.LogFields{
					"job":        msg.Metadata.Get("job"),
					"message_id": msg.UUID,
				})
				return nil, nil
			}
			return out, nil
		}
	}
}

// Publish implements Queue.
func (w *Watermill) Publish(ctx context.Context, job string, payload []byte) error {
	select {
	case <-w.router.Running():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: queue not running: %w", job, ctx.Err())
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("job", job)
	return w.pubsub.Publish(job, msg)
}

// Handle implements Queue.
func (w *Watermill) Handle(job string, h Handler) {
	w.router.AddNoPublisherHandler(job, job, w.pubsub, func(msg *message.Message) error {
		return h(msg.Context(), msg.Payload)
	})
}

// Run implements Queue.
func (w *Watermill) Run(ctx context.Context) error {
	return w.router.Run(ctx)
}

// Close implements Queue.
func (w *Watermill) Close() error {
	if err := w.router.Close(); err != nil {
		return err
	}
	return w.pubsub.Close()
}
