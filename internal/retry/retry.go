// Package retry wraps fallible operations with bounded, jittered
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/portal"
)

var ErrInvalidConfig = errors.New("invalid retry config")

type Config struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" koanf:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay" koanf:"base_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier" koanf:"multiplier"`
	Jitter      bool          `json:"jitter" yaml:"jitter" koanf:"jitter"`
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" koanf:"max_delay"`
}

func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be >= 1", ErrInvalidConfig)
	case c.BaseDelay < 0:
		return fmt.Errorf("%w: base_delay must be >= 0", ErrInvalidConfig)
	case c.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be >= 1", ErrInvalidConfig)
	case c.MaxDelay < 0:
		return fmt.Errorf("%w: max_delay must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Controller runs an operation until it succeeds, fails permanently or
// runs out of attempts. It is safe for concurrent use.
type Controller struct {
	cfg       Config
	name      string
	retryable func(error) bool
	sleep     func(ctx context.Context, d time.Duration) error
	rand      func() float64
	log       logger.Logger
}

type Option func(*Controller)

// WithClassifier replaces the transient-error test (portal.IsTransient).
func WithClassifier(fn func(error) bool) Option {
	return func(c *Controller) {
		if fn != nil {
			c.retryable = fn
		}
	}
}

// WithSleep replaces the context-aware wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithRand replaces the jitter source; fn returns values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(c *Controller) {
		if fn != nil {
			c.rand = fn
		}
	}
}

func WithName(name string) Option {
	return func(c *Controller) { c.name = name }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func New(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       cfg,
		name:      "op",
		retryable: portal.IsTransient,
		sleep:     sleepCtx,
		rand:      rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Named("retry")
	}
	return c, nil
}

func (c *Controller) Config() Config { return c.cfg }

// Delay is the wait before retry number retry (0-based), before jitter.
func (c *Controller) Delay(retry int) time.Duration {
	d := float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(retry))
	if c.cfg.MaxDelay > 0 && d > float64(c.cfg.MaxDelay) {
		return c.cfg.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// jittered draws uniformly from [d/2, d).
func (c *Controller) jittered(d time.Duration) time.Duration {
	if !c.cfg.Jitter || d <= 0 {
		return d
	}
	half := float64(d) / 2
	return time.Duration(half + half*c.rand())
}

// Do runs op and returns its result, the number of retries consumed, and
// the last error. Non-retryable errors return immediately. Once ctx is done
// no further attempt starts and the returned error wraps ctx.Err().
func Do[T any](ctx context.Context, c *Controller, op func(context.Context) (T, error)) (T, int, error) {
	var zero T
	retries := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, retries, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, retries, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return zero, retries, errors.Join(err, cerr)
		}
		if attempt >= c.cfg.MaxAttempts || !c.retryable(err) {
			return zero, retries, err
		}

		wait := c.jittered(c.Delay(retries))
		c.log.Debug(ctx, "retrying",
			logger.String("op", c.name),
			logger.Int("attempt", attempt),
			logger.Duration("wait", wait),
			logger.Error(err))
		if serr := c.sleep(ctx, wait); serr != nil {
			return zero, retries, errors.Join(err, serr)
		}
		retries++
	}
}

// Run is Do for operations without a result.
func (c *Controller) Run(ctx context.Context, op func(context.Context) error) (int, error) {
	_, n, err := Do(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return n, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
