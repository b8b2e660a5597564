package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MarketPulse/internal/domain/errs"
	applogger "MarketPulse/pkg/logger"
)

// Admitter gates each attempt. Satisfied by ratelimit.Limiter.
type Admitter interface {
	Admit(provider string) bool
}

var errAttemptTimeout = errors.New("attempt timed out")

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Request describes one Execute call. Zero MaxRetries and BaseDelay fall
// back to the policy defaults.
type Request struct {
	Key        string
	Provider   string
	MaxRetries int
	BaseDelay  time.Duration
}

// ExhaustedError is returned once no attempt succeeded.
type ExhaustedError struct {
	Key      string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Key, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Policy runs an operation with bounded exponential backoff.
type Policy struct {
	limiter        Admitter
	maxRetries     int
	baseDelay      time.Duration
	attemptTimeout time.Duration
	admitWait      time.Duration
	sleep          Sleeper
	logger         *applogger.Logger
}

// Option configures Policy.
type Option func(*Policy)

// WithLimiter gates attempts on provider admission.
func WithLimiter(a Admitter) Option {
	return func(p *Policy) { p.limiter = a }
}

// WithDefaults sets retries and base delay used when a Request leaves them zero.
func WithDefaults(maxRetries int, baseDelay time.Duration) Option {
	return func(p *Policy) {
		p.maxRetries = maxRetries
		p.baseDelay = baseDelay
	}
}

// WithAttemptTimeout bounds each attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.attemptTimeout = d
		}
	}
}

// WithAdmitWait sets the pause between refused admissions.
func WithAdmitWait(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.admitWait = d
		}
	}
}

// WithSleeper replaces the timer based wait.
func WithSleeper(s Sleeper) Option {
	return func(p *Policy) { p.sleep = s }
}

// WithLogger sets logger.
func WithLogger(l *applogger.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(opts ...Option) *Policy {
	p := &Policy{
		maxRetries:     3,
		baseDelay:      time.Second,
		attemptTimeout: 5 * time.Second,
		admitWait:      time.Second,
		sleep:          sleepCtx,
		logger:         applogger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay returns the wait before retry n (1-based).
func Delay(base time.Duration, n int) time.Duration {
	if n < 1 {
		return 0
	}
	return base << (n - 1)
}

// Execute calls op up to MaxRetries+1 times. Refused admissions wait and
// re-check without consuming an attempt. Errors that are not retryable end
// the sequence early.
func Execute[T any](ctx context.Context, p *Policy, req Request, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.maxRetries
	}
	base := req.BaseDelay
	if base <= 0 {
		base = p.baseDelay
	}

	var last error
	attempt := 0
	for attempt <= maxRetries {
		if attempt > 0 {
			d := Delay(base, attempt)
			p.logger.Debug("retry.backoff",
				applogger.String("key", req.Key),
				applogger.Int("attempt", attempt+1),
				applogger.Duration("delay_ms", d),
			)
			if err := p.sleep(ctx, d); err != nil {
				return zero, &ExhaustedError{Key: req.Key, Attempts: attempt, Last: err}
			}
		}

		if err := p.awaitAdmission(ctx, req.Provider); err != nil {
			return zero, &ExhaustedError{Key: req.Key, Attempts: attempt, Last: err}
		}

		attempt++
		v, err := runAttempt(ctx, p.attemptTimeout, req.Provider, op)
		if err == nil {
			return v, nil
		}
		last = errs.Classify(req.Provider, err)
		p.logger.Debug("retry.attempt_failed",
			applogger.String("key", req.Key),
			applogger.Int("attempt", attempt),
			applogger.Error(last),
		)
		if !errs.IsRetryable(last) {
			break
		}
	}
	return zero, &ExhaustedError{Key: req.Key, Attempts: attempt, Last: last}
}

func (p *Policy) awaitAdmission(ctx context.Context, provider string) error {
	if p.limiter == nil {
		return nil
	}
	for !p.limiter.Admit(provider) {
		p.logger.Debug("retry.admission_refused", applogger.String("provider", provider))
		if err := p.sleep(ctx, p.admitWait); err != nil {
			return err
		}
	}
	return nil
}

type result[T any] struct {
	v   T
	err error
}

// runAttempt runs op under timeout. An op that ignores its context is
// abandoned at the deadline.
func runAttempt[T any](ctx context.Context, timeout time.Duration, provider string, op func(ctx context.Context) (T, error)) (T, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		v, err := op(actx)
		ch <- result[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return r.v, errs.Wrap(errs.KindTimeout, provider, fmt.Errorf("%w: %w", errAttemptTimeout, r.err))
		}
		return r.v, r.err
	case <-actx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, errs.Wrap(errs.KindTimeout, provider, fmt.Errorf("%w: %w", errAttemptTimeout, actx.Err()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
