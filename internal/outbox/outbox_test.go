package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:outbox_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.OutboxMessage{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

type recorder struct {
	mu     sync.Mutex
	jobs   []string
	failOn string
}

func (r *recorder) Publish(_ context.Context, job string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job == r.failOn {
		return errors.New("broker unavailable")
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func enqueue(t *testing.T, db *gorm.DB, jobs ...string) {
	t.Helper()
	for _, j := range jobs {
		_, err := repo.EnqueueOutbox(context.Background(), db, j, map[string]string{"job": j})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
}

func TestRelay_FlushPublishesInOrder(t *testing.T) {
	db := newDB(t)
	enqueue(t, db, "a", "b", "c", "d", "e")
	pub := &recorder{}

	n, err := NewRelay(db, pub, 2).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, pub.jobs)

	left, err := repo.ListUndispatched(context.Background(), db, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRelay_FlushStopsAtFailure(t *testing.T) {
	db := newDB(t)
	enqueue(t, db, "a", "bad", "c")
	pub := &recorder{failOn: "bad"}
	relay := NewRelay(db, pub, 10)

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, pub.jobs)

	var rows []domain.OutboxMessage
	require.NoError(t, db.Where("job = ?", "bad").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].DispatchedAt)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Contains(t, rows[0].LastError, "broker unavailable")

	// Once the broker recovers the remaining rows go out.
	pub.failOn = ""
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "bad", "c"}, pub.jobs)
}

func TestRelay_FlushEmpty(t *testing.T) {
	n, err := NewRelay(newDB(t), &recorder{}, 0).Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// A publisher that flushes again from inside Publish, as the inline queue does
// when a handler commits more outbox rows.
type reentrant struct {
	relay *Relay
	db    *gorm.DB
	seen  []string
	once  bool
}

func (r *reentrant) Publish(ctx context.Context, job string, _ []byte) error {
	r.seen = append(r.seen, job)
	if !r.once {
		r.once = true
		if _, err := repo.EnqueueOutbox(ctx, r.db, "followup", struct{}{}); err != nil {
			return err
		}
		if _, err := r.relay.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func TestRelay_ReentrantFlushDoesNotDeadlock(t *testing.T) {
	db := newDB(t)
	enqueue(t, db, "first")
	pub := &reentrant{db: db}
	relay := NewRelay(db, pub, 1)
	pub.relay = relay

	_, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "followup"}, pub.seen)
}

func TestRelay_FlushDuringShortBatchIsNotLost(t *testing.T) {
	db := newDB(t)
	enqueue(t, db, "build_artifact")
	pub := &reentrant{db: db}
	relay := NewRelay(db, pub, 0)
	pub.relay = relay

	_, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"build_artifact", "followup"}, pub.seen)

	left, err := repo.ListUndispatched(context.Background(), db, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

type countingFlusher struct {
	mu    sync.Mutex
	calls int
}

func (c *countingFlusher) Flush(context.Context) (int, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return 0, nil
}

func TestSweeper_RunsImmediatelyAndStops(t *testing.T) {
	f := &countingFlusher{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(f, "").Run(ctx) }()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.calls >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	err := NewSweeper(&countingFlusher{}, "every minute").Run(context.Background())
	assert.Error(t, err)
}
