package queue

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runQueue(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = q.Close()
	})
}

func TestWatermill_DeliversToHandler(t *testing.T) {
	q := NewWatermill(WatermillConfig{MaxRetries: 1, InitialInterval: time.Millisecond})
	got := make(chan string, 1)
	q.Handle("build_artifact", func(_ context.Context, payload []byte) error {
		got <- string(payload)
		return nil
	})
	runQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Publish(ctx, "build_artifact", []byte(`{"messageId":"m1"}`)))

	select {
	case p := <-got:
		assert.JSONEq(t, `{"messageId":"m1"}`, p)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestWatermill_RetriesFailingHandler(t *testing.T) {
	q := NewWatermill(WatermillConfig{MaxRetries: 3, InitialInterval: time.Millisecond})
	var calls int32
	ok := make(chan struct{})
	q.Handle("send_email", func(context.Context, []byte) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("smtp down")
		}
		close(ok)
		return nil
	})
	runQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Publish(ctx, "send_email", []byte(`{}`)))

	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never succeeded")
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestWatermill_DropsAfterRetriesExhausted(t *testing.T) {
	q := NewWatermill(WatermillConfig{MaxRetries: 2, InitialInterval: time.Millisecond})
	var calls int32
	q.Handle("notify_counterpart", func(context.Context, []byte) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})
	runQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Publish(ctx, "notify_counterpart", []byte(`{}`)))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "message must not be redelivered after the last retry")
}

func TestWatermill_RecoversPanics(t *testing.T) {
	q := NewWatermill(WatermillConfig{MaxRetries: 1, InitialInterval: time.Millisecond})
	var calls int32
	q.Handle("build_artifact", func(context.Context, []byte) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("nil map")
		}
		return nil
	})
	runQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Publish(ctx, "build_artifact", []byte(`{}`)))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestWatermill_PublishBeforeRunTimesOut(t *testing.T) {
	q := NewWatermill(WatermillConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, "send_email", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInline_RunsSynchronously(t *testing.T) {
	q := NewInline()
	var seen []byte
	q.Handle("send_email", func(_ context.Context, p []byte) error {
		seen = p
		return nil
	})
	require.NoError(t, q.Publish(context.Background(), "send_email", []byte("x")))
	assert.Equal(t, []byte("x"), seen)
}

func TestInline_PropagatesErrors(t *testing.T) {
	q := NewInline()
	boom := errors.New("boom")
	q.Handle("a", func(context.Context, []byte) error { return boom })

	assert.ErrorIs(t, q.Publish(context.Background(), "a", nil), boom)
	assert.ErrorIs(t, q.Publish(context.Background(), "missing", nil), ErrNoHandler)
}

func TestNew_Drivers(t *testing.T) {
	q, err := New(context.Background(), Options{Driver: DriverInline})
	require.NoError(t, err)
	assert.IsType(t, &Inline{}, q)

	q, err = New(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &Watermill{}, q)

	_, err = New(context.Background(), Options{Driver: "kafka"})
	assert.Error(t, err)
}

// Requires a JetStream-enabled server, e.g. `nats-server -js`.
func TestJetStream_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := NewJetStream(ctx, JetStreamConfig{URL: url, Stream: "NEGOTIATION_JOBS_TEST", MaxDeliver: 3})
	require.NoError(t, err)

	var calls int32
	done := make(chan struct{})
	q.Handle("send_email", func(context.Context, []byte) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("first attempt fails")
		}
		close(done)
		return nil
	})
	runQueue(t, q)

	require.Eventually(t, func() bool {
		return q.Publish(ctx, "send_email", []byte(`{}`)) == nil
	}, 5*time.Second, 100*time.Millisecond)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("message not redelivered after nak")
	}
}
