// Package retry runs remote operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/metrics"
)

// Config holds the backoff parameters.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	// AttemptTimeout bounds each invocation; zero means no bound.
	AttemptTimeout time.Duration
}

// DefaultConfig returns 1s initial delay, 60s cap and 6 retries, giving the
// delay sequence 1, 2, 4, 8, 16, 32 seconds.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   6,
	}
}

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type state struct {
	attempts    int
	lastAttempt time.Time
}

// Controller executes operations with backoff, keeping per-operation
// attempt counters in memory only.
type Controller struct {
	cfg       Config
	sleep     SleepFunc
	now       func() time.Time
	retryable func(error) bool
	log       *logging.Logger

	mu     sync.Mutex
	states map[string]*state
}

// Option configures a Controller.
type Option func(*Controller)

func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) { c.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithClassifier overrides apperrors.IsRetryable.
func WithClassifier(fn func(error) bool) Option {
	return func(c *Controller) { c.retryable = fn }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// New builds a Controller. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	c := &Controller{
		cfg:       cfg,
		sleep:     Sleep,
		now:       time.Now,
		retryable: apperrors.IsRetryable,
		states:    make(map[string]*state),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Get().Component("retry")
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// CalculateDelay returns min(initial * 2^attempt, max). The attempt is
// clamped to MaxRetries-1, so attempts past the last retry repeat the
// final delay instead of doubling again.
func (c *Controller) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > c.cfg.MaxRetries-1 {
		attempt = c.cfg.MaxRetries - 1
	}
	d := float64(c.cfg.InitialDelay) * math.Pow(2, float64(attempt))
	if d > float64(c.cfg.MaxDelay) {
		return c.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Execute runs op until it succeeds, fails terminally, or has been retried
// MaxRetries times. A retryable failure after the last retry yields a
// MaxRetriesError carrying opID and the attempt count.
func (c *Controller) Execute(ctx context.Context, opID string, op func(ctx context.Context) error) error {
	for {
		err := c.invoke(ctx, op)
		if err == nil {
			c.Reset(opID)
			return nil
		}
		if ctx.Err() != nil {
			c.Reset(opID)
			return err
		}
		if !c.retryable(err) {
			c.Reset(opID)
			return err
		}

		attempt := c.recordFailure(opID)
		if attempt > c.cfg.MaxRetries {
			c.Reset(opID)
			metrics.IncRetriesExhausted()
			c.log.Warn("retries exhausted", logging.Fields{"operation": opID, "attempts": c.cfg.MaxRetries})
			return apperrors.MaxRetries(opID, c.cfg.MaxRetries, err)
		}

		delay := c.CalculateDelay(attempt - 1)
		metrics.IncRetryAttempts()
		c.log.Debug("retrying operation", logging.Fields{
			"operation": opID,
			"attempt":   attempt,
			"delay":     delay.String(),
			"error":     err.Error(),
		})
		if err := c.sleep(ctx, delay); err != nil {
			c.Reset(opID)
			return err
		}
	}
}

func (c *Controller) invoke(ctx context.Context, op func(ctx context.Context) error) error {
	if c.cfg.AttemptTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()
	return op(actx)
}

// recordFailure bumps the counter for opID and returns its new value.
func (c *Controller) recordFailure(opID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[opID]
	if !ok {
		st = &state{}
		c.states[opID] = st
	}
	st.attempts++
	st.lastAttempt = c.now()
	return st.attempts
}

// Attempts returns the current failure count for opID.
func (c *Controller) Attempts(opID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[opID]; ok {
		return st.attempts
	}
	return 0
}

// LastAttempt returns when opID last failed, or the zero time.
func (c *Controller) LastAttempt(opID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[opID]; ok {
		return st.lastAttempt
	}
	return time.Time{}
}

// Reset clears the counter for opID.
func (c *Controller) Reset(opID string) {
	c.mu.Lock()
	delete(c.states, opID)
	c.mu.Unlock()
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, c *Controller, opID string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Execute(ctx, opID, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
