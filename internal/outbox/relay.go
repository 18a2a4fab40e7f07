// Package outbox moves committed outbox rows onto the job queue.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/repo"
)

// Publisher is the part of queue.Queue the relay needs.
type Publisher interface {
	Publish(ctx context.Context, job string, payload []byte) error
}

// Relay publishes undispatched outbox rows in (created_at, id) order.
type Relay struct {
	db    *gorm.DB
	pub   Publisher
	batch int
	mu    sync.Mutex
	// pending is set by every Flush call; the lock holder drains again
	// while it is set.
	pending atomic.Bool
}

// NewRelay returns a relay reading batch rows per round (default 50).
func NewRelay(db *gorm.DB, pub Publisher, batch int) *Relay {
	if batch <= 0 {
		batch = 50
	}
	return &Relay{db: db, pub: pub, batch: batch}
}

// Flush publishes every pending row and returns how many were dispatched.
// A publish error is recorded on the row and stops the flush; the row stays
// pending for the next one. If another flush is already running, Flush
// returns immediately and the running flush lists the table again before it
// releases the lock.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.pending.Store(true)
	sent := 0
	for r.pending.Load() {
		if !r.mu.TryLock() {
			return sent, nil
		}
		n, err := r.drain(ctx)
		r.mu.Unlock()
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// drain publishes rows until a short batch comes back. Callers hold mu.
func (r *Relay) drain(ctx context.Context) (int, error) {
	r.pending.Store(false)
	sent := 0
	for {
		rows, err := repo.ListUndispatched(ctx, r.db, r.batch)
		if err != nil {
			return sent, fmt.Errorf("list outbox: %w", err)
		}
		for _, m := range rows {
			if err := r.pub.Publish(ctx, m.Job, m.Payload); err != nil {
				if merr := repo.MarkOutboxFailed(ctx, r.db, m.ID, err.Error()); merr != nil {
					log.Error().Err(merr).Str("outbox_id", m.ID).Msg("record outbox failure")
				}
				return sent, fmt.Errorf("publish %s %s: %w", m.Job, m.ID, err)
			}
			ok, err := repo.MarkDispatched(ctx, r.db, m.ID, time.Now().UTC())
			if err != nil {
				return sent, fmt.Errorf("mark dispatched %s: %w", m.ID, err)
			}
			if ok {
				sent++
			}
		}
		if len(rows) < r.batch {
			return sent, nil
		}
	}
}

// FlushQuietly runs Flush and logs a failure instead of returning it.
func (r *Relay) FlushQuietly(ctx context.Context) {
	n, err := r.Flush(ctx)
	if err != nil {
		log.Warn().Err(err).Int("dispatched", n).Msg("outbox flush failed; sweeper will retry")
		return
	}
	if n > 0 {
		log.Debug().Int("dispatched", n).Msg("outbox flushed")
	}
}
