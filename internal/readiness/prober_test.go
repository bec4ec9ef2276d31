package readiness

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reserveAddr returns a loopback address nothing is listening on.
func reserveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestProber_WaitsForDelayedServer(t *testing.T) {
	addr := reserveAddr(t)
	const delay = 1200 * time.Millisecond

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	defer srv.Close()

	started := time.Now()
	go func() {
		time.Sleep(delay)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		_ = srv.Serve(ln)
	}()

	var failures atomic.Int32
	p := NewProber("http://"+addr+"/",
		WithInterval(100*time.Millisecond),
		WithAttemptHook(func(_ int, err error) {
			if err != nil {
				failures.Add(1)
			}
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	readyAt, err := p.Run(ctx)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, readyAt.Sub(started), delay, "ready reported before the server accepted connections")
	assert.Greater(t, failures.Load(), int32(0), "refused connections must be counted as failures")
}

func TestProber_RefusedConnectionIsNeverReady(t *testing.T) {
	addr := reserveAddr(t)
	var attempts atomic.Int32
	p := NewProber("http://"+addr+"/",
		WithGrace(0),
		WithInterval(50*time.Millisecond),
		WithAttemptHook(func(_ int, err error) {
			attempts.Add(1)
			assert.Error(t, err)
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, attempts.Load(), int32(1), "polling keeps going until cancelled")
}

func TestProber_AttemptTimeoutIsIndependentOfInterval(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	var attempts atomic.Int32
	p := NewProber(srv.URL,
		WithGrace(0),
		WithInterval(20*time.Millisecond),
		WithAttemptTimeout(100*time.Millisecond),
		WithAttemptHook(func(int, error) { attempts.Add(1) }))

	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3), "a hanging server must not stall the prober")
}

func TestProber_AnyResponseIsReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, WithGrace(0))
	_, err := p.Run(context.Background())
	assert.NoError(t, err)
}

func TestProber_GracePeriodBeforeFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	start := time.Now()
	_, err := NewProber(srv.URL, WithGrace(150*time.Millisecond)).Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestProber_MaxWait(t *testing.T) {
	addr := reserveAddr(t)
	p := NewProber("http://"+addr+"/", WithGrace(0), WithInterval(20*time.Millisecond), WithMaxWait(150*time.Millisecond))

	_, err := p.Run(context.Background())
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestProber_CancelDuringGrace(t *testing.T) {
	p := NewProber("http://127.0.0.1:1/", WithGrace(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestState_Monotonic(t *testing.T) {
	var s State
	assert.False(t, s.Ready())

	first := time.Now()
	assert.True(t, s.MarkReady(first))
	assert.False(t, s.MarkReady(first.Add(time.Second)), "second success must not re-fire")

	ready, since := s.Snapshot()
	assert.True(t, ready)
	assert.Equal(t, first, since)

	s.Reset()
	assert.False(t, s.Ready())
	assert.True(t, s.MarkReady(time.Now()), "a new process lifetime may fire again")
}

func TestState_ConcurrentMarkReadyFiresOnce(t *testing.T) {
	var (
		s     State
		wg    sync.WaitGroup
		fired atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkReady(time.Now()) {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fired.Load())
}
