// Package readiness decides when the backend server is serving traffic.
//
// A Prober polls the server's root URL until it answers; a State records the
// result as a monotonic latch that is reset only when the server exits.
package readiness

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultGrace          = 500 * time.Millisecond
	DefaultInterval       = 500 * time.Millisecond
	DefaultAttemptTimeout = 2 * time.Second
)

// ErrTimeout is returned by Run when a maximum wait was configured and elapsed.
var ErrTimeout = errors.New("readiness: server did not become ready in time")

// AttemptFunc observes every probe attempt; err is nil on success.
type AttemptFunc func(attempt int, err error)

// Prober polls a URL until it receives an HTTP response.
//
// Polling is unbounded unless WithMaxWait is used: whoever owns the server
// process decides when to give up by stopping it and cancelling Run.
type Prober struct {
	target         string
	grace          time.Duration
	interval       time.Duration
	attemptTimeout time.Duration
	maxWait        time.Duration
	client         *http.Client
	onAttempt      AttemptFunc
}

// Option customises a Prober.
type Option func(*Prober)

// WithGrace sets the delay before the first attempt.
func WithGrace(d time.Duration) Option {
	return func(p *Prober) {
		if d >= 0 {
			p.grace = d
		}
	}
}

// WithInterval sets the delay between attempts.
func WithInterval(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithAttemptTimeout bounds a single attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.attemptTimeout = d
		}
	}
}

// WithMaxWait bounds the whole wait. Zero keeps polling forever.
func WithMaxWait(d time.Duration) Option {
	return func(p *Prober) {
		if d >= 0 {
			p.maxWait = d
		}
	}
}

// WithHTTPClient replaces the client used for attempts.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// WithAttemptHook installs a callback invoked after every attempt.
func WithAttemptHook(fn AttemptFunc) Option {
	return func(p *Prober) {
		p.onAttempt = fn
	}
}

// NewProber returns a prober for target, typically "http://localhost:<port>/".
func NewProber(target string, opts ...Option) *Prober {
	p := &Prober{
		target:         target,
		grace:          DefaultGrace,
		interval:       DefaultInterval,
		attemptTimeout: DefaultAttemptTimeout,
		client:         &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until the target answers, returning the time it did. It returns
// ctx.Err() when cancelled and ErrTimeout when a max wait elapsed.
func (p *Prober) Run(ctx context.Context) (time.Time, error) {
	if p.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.maxWait)
		defer cancel()
	}
	entry := log.WithField("target", p.target)

	select {
	case <-ctx.Done():
		return time.Time{}, p.stopReason(ctx)
	case <-time.After(p.grace):
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		err := p.Probe(ctx)
		if p.onAttempt != nil {
			p.onAttempt(attempt, err)
		}
		if err == nil {
			entry.Debugf("ready after %d attempt(s)", attempt)
			return time.Now(), nil
		}
		if ctx.Err() != nil {
			return time.Time{}, p.stopReason(ctx)
		}
		entry.WithError(err).Tracef("attempt %d failed", attempt)

		select {
		case <-ctx.Done():
			return time.Time{}, p.stopReason(ctx)
		case <-ticker.C:
		}
	}
}

func (p *Prober) stopReason(ctx context.Context) error {
	if p.maxWait > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// Probe performs a single GET with its own timeout. Any HTTP response counts
// as ready; connection errors and timeouts do not.
func (p *Prober) Probe(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, p.target, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return nil
}
