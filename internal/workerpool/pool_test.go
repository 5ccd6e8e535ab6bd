package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitRunsAndReturnsResult(t *testing.T) {
	p := New(2)
	defer p.Shutdown()

	f, err := p.Submit(context.Background(), func(ctx context.Context) (Result, error) {
		return Result{Values: []any{int64(42)}}, nil
	})
	require.NoError(t, err)

	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []any{int64(42)}, res.Values)
}

func TestSubmitPropagatesError(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	wantErr := errors.New("boom")
	f, err := p.Submit(context.Background(), func(ctx context.Context) (Result, error) {
		return Result{}, wantErr
	})
	require.NoError(t, err)

	_, err = f.Wait(context.Background())
	require.ErrorIs(t, err, wantErr)
}

func TestBoundedConcurrency(t *testing.T) {
	const n = 2
	p := New(n)
	defer p.Shutdown()

	var running int32
	var maxSeen int32
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		_, err := p.Submit(context.Background(), func(ctx context.Context) (Result, error) {
			cur := atomic.AddInt32(&running, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if cur <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, cur) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return Result{}, nil
		})
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(n))
	close(release)
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	p := New(1)
	p.Shutdown()

	_, err := p.Submit(context.Background(), func(ctx context.Context) (Result, error) {
		return Result{}, nil
	})
	require.Error(t, err)
}
