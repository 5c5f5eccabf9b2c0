package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/retry"
)

// DefaultIORetry is used when NewWriter gets a zero retry.Config.
var DefaultIORetry = retry.Config{
	MaxAttempts: 3,
	BaseDelay:   50 * time.Millisecond,
	Multiplier:  2,
	Jitter:      true,
	MaxDelay:    time.Second,
}

// Writer serializes all ledger access for a process. Only one Writer may
// exist per ledger file; Open enforces that across processes.
type Writer struct {
	mu    sync.Mutex
	store Store
	rc    *retry.Controller
	log   logger.Logger
}

// NewWriter wraps store. cfg configures the IO retry; the zero value
// selects DefaultIORetry.
func NewWriter(store Store, cfg retry.Config, log logger.Logger) (*Writer, error) {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultIORetry
	}
	if log == nil {
		log = logger.Named("ledger")
	}
	rc, err := retry.New(cfg,
		retry.WithName("ledger"),
		retry.WithLogger(log),
		retry.WithClassifier(retryableIO),
	)
	if err != nil {
		return nil, err
	}
	return &Writer{store: store, rc: rc, log: log}, nil
}

func retryableIO(err error) bool {
	return !errors.Is(err, ErrAlreadySubmitted) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Append durably writes r. ErrAlreadySubmitted is returned unwrapped by
// retries; any other failure that outlives the retries wraps ErrLedgerIO.
func (w *Writer) Append(ctx context.Context, r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.rc.Run(ctx, func(ctx context.Context) error {
		return w.store.Append(ctx, r)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlreadySubmitted):
		return err
	default:
		w.log.Error(ctx, "ledger append failed",
			logger.String("posting", r.PostingID().String()),
			logger.Error(err))
		return fmt.Errorf("%w: append %s: %w", ErrLedgerIO, r.PostingID(), err)
	}
}

func (w *Writer) HasSubmitted(ctx context.Context, id domain.PostingID) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ok, _, err := retry.Do(ctx, w.rc, func(ctx context.Context) (bool, error) {
		return w.store.HasSubmitted(ctx, id)
	})
	if err != nil {
		return false, fmt.Errorf("%w: lookup %s: %w", ErrLedgerIO, id, err)
	}
	return ok, nil
}
