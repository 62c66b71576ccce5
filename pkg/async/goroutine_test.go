package async

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/campusauth/pkg/observability"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunner_Success(t *testing.T) {
	r := NewRunner(nil)
	executed := atomic.Bool{}

	r.Go(context.Background(), time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	require.NoError(t, r.Wait(context.Background()))
	assert.True(t, executed.Load())
}

func TestRunner_OutlivesParentCancellation(t *testing.T) {
	r := NewRunner(nil)
	ctx, cancel := context.WithCancel(observability.WithRequestID(context.Background(), "req-7"))

	var sawCancel atomic.Bool
	var requestID atomic.Value
	release := make(chan struct{})

	r.Go(ctx, time.Second, "detached", func(ctx context.Context) error {
		<-release
		sawCancel.Store(ctx.Err() != nil)
		requestID.Store(observability.GetRequestID(ctx))
		return nil
	})

	cancel()
	close(release)
	require.NoError(t, r.Wait(context.Background()))

	assert.False(t, sawCancel.Load())
	assert.Equal(t, "req-7", requestID.Load())
}

func TestRunner_Timeout(t *testing.T) {
	r := NewRunner(nil)
	var timedOut atomic.Bool

	r.Go(context.Background(), 20*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		timedOut.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})

	require.NoError(t, r.Wait(context.Background()))
	assert.True(t, timedOut.Load())
}

func TestRunner_PanicAndErrorAreLogged(t *testing.T) {
	out := &syncBuffer{}
	r := NewRunner(observability.NewLogger(observability.InfoLevel, out))

	r.Go(context.Background(), time.Second, "panicky", func(ctx context.Context) error {
		panic("test panic")
	})
	r.Go(context.Background(), time.Second, "failing", func(ctx context.Context) error {
		return errors.New("smtp refused")
	})

	require.NoError(t, r.Wait(context.Background()))

	logs := out.String()
	assert.True(t, strings.Contains(logs, "PANIC recovered"))
	assert.True(t, strings.Contains(logs, "smtp refused"))
}

func TestRunner_WaitRespectsContext(t *testing.T) {
	r := NewRunner(nil)
	release := make(chan struct{})
	defer close(release)

	r.Go(context.Background(), time.Minute, "blocked", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}
