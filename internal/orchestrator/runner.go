// Package orchestrator runs discovery across portals and fans postings out
// to the application state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"jobapply-engine/internal/apply"
	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/eligibility"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/ledger"
	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/metrics"
	"jobapply-engine/internal/portal"
	"jobapply-engine/internal/ratelimit"
	"jobapply-engine/internal/retry"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrConfiguration is returned before any attempt starts.
var ErrConfiguration = errors.New("invalid run configuration")

type Config struct {
	ConcurrencyLimit   int
	PerPortalRateLimit time.Duration
	HaltOnBlock        bool
	Inspect            retry.Config
	Submit             retry.Config
}

type Request struct {
	// Portals to discover from; empty means every registered portal.
	Portals  []string
	Criteria domain.SearchCriteria
	Policy   eligibility.Policy
}

type Summary struct {
	RunID           string                      `json:"run_id"`
	StartedAt       time.Time                   `json:"started_at"`
	EndedAt         time.Time                   `json:"ended_at"`
	Discovered      int                         `json:"discovered"`
	DiscoveryErrors int                         `json:"discovery_errors"`
	Submitted       int                         `json:"submitted"`
	Skipped         int                         `json:"skipped"`
	Failed          int                         `json:"failed"`
	Cancelled       bool                        `json:"cancelled"`
	Attempts        []domain.ApplicationAttempt `json:"attempts"`
}

func (s Summary) Total() int { return s.Submitted + s.Skipped + s.Failed }

type Runner struct {
	cfg     Config
	portals *portal.Registry
	ledger  ledger.Store
	log     logger.Logger
	metrics *metrics.Manager
	events  events.Publisher
	now     func() time.Time
}

type Option func(*Runner)

func WithLogger(l logger.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Manager) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.events = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRunner(cfg Config, portals *portal.Registry, store ledger.Store, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		portals: portals,
		ledger:  store,
		metrics: metrics.Default(),
		events:  events.Nop{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Named("orchestrator")
	}
	return r
}

type plan struct {
	adapters []portal.Adapter
	machine  *apply.Machine
}

func (r *Runner) prepare(req Request, gate *ratelimit.Gate) (plan, error) {
	var errs []error
	if r.cfg.ConcurrencyLimit < 1 {
		errs = append(errs, fmt.Errorf("concurrency limit must be >= 1, got %d", r.cfg.ConcurrencyLimit))
	}
	if r.cfg.PerPortalRateLimit < 0 {
		errs = append(errs, errors.New("per-portal rate limit must be >= 0"))
	}
	if err := req.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}

	ids := req.Portals
	if len(ids) == 0 {
		ids = r.portals.IDs()
	}
	if len(ids) == 0 {
		errs = append(errs, errors.New("no portals to run"))
	}
	var p plan
	for _, id := range ids {
		a, err := r.portals.Lookup(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.adapters = append(p.adapters, a)
	}

	inspect, err := retry.New(r.cfg.Inspect, retry.WithName("inspect"), retry.WithLogger(r.log.Named("retry")))
	if err != nil {
		errs = append(errs, fmt.Errorf("inspect retry: %w", err))
	}
	submit, err := retry.New(r.cfg.Submit, retry.WithName("submit"), retry.WithLogger(r.log.Named("retry")))
	if err != nil {
		errs = append(errs, fmt.Errorf("submit retry: %w", err))
	}
	if len(errs) > 0 {
		return plan{}, fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}

	p.machine, err = apply.New(apply.Deps{
		Portals: r.portals,
		Ledger:  r.ledger,
		Gate:    gate,
		Inspect: inspect,
		Submit:  submit,
	}, apply.Config{Policy: req.Policy, HaltOnBlock: r.cfg.HaltOnBlock},
		apply.WithLogger(r.log.Named("apply")),
		apply.WithMetrics(r.metrics),
		apply.WithEvents(r.events),
		apply.WithClock(r.now))
	if err != nil {
		return plan{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return p, nil
}

// Run discovers postings from every requested portal and applies to them.
// Caller cancellation yields a summary with Cancelled set and a nil error;
// postings not yet admitted when it happens are not attempted or recorded.
// A ledger failure stops the run and is returned with the partial summary.
func (r *Runner) Run(ctx context.Context, req Request) (Summary, error) {
	gate := ratelimit.NewGate(r.cfg.PerPortalRateLimit)
	p, err := r.prepare(req, gate)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{RunID: uuid.NewString(), StartedAt: r.now()}
	log := r.log.Named(sum.RunID[:8])
	log.Info(ctx, "run started", logger.Int("portals", len(p.adapters)), logger.Int("concurrency", r.cfg.ConcurrencyLimit))
	r.events.Emit(events.TypeRunStarted, map[string]any{"run_id": sum.RunID, "portals": len(p.adapters)})

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	g, gctx := errgroup.WithContext(runCtx)
	postings := r.discover(gctx, p.adapters, req.Criteria, &sum)

	sem := semaphore.NewWeighted(int64(r.cfg.ConcurrencyLimit))
	var mu sync.Mutex
	var attempts []domain.ApplicationAttempt
	seen := make(map[domain.PostingID]struct{})

admit:
	for posting := range postings {
		if _, dup := seen[posting.ID]; dup {
			continue
		}
		seen[posting.ID] = struct{}{}

		// Acquire may succeed on a done context
		if gctx.Err() != nil {
			break admit
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break admit
		}
		mu.Lock()
		idx := len(attempts)
		attempts = append(attempts, domain.ApplicationAttempt{})
		mu.Unlock()

		g.Go(func() error {
			defer sem.Release(1)
			r.metrics.AddInFlight(1)
			defer r.metrics.AddInFlight(-1)

			a, err := p.machine.Run(gctx, sum.RunID, posting)
			mu.Lock()
			attempts[idx] = a
			mu.Unlock()
			if err != nil {
				// stop admissions before the slot is released
				stop(err)
			}
			return err
		})
	}
	// let discovery observe cancellation and close the channel
	for range postings {
	}

	runErr := g.Wait()
	sum.EndedAt = r.now()
	sum.Discovered = len(seen)
	sum.Attempts = attempts
	for _, a := range attempts {
		switch a.Outcome.Kind {
		case domain.OutcomeSubmitted:
			sum.Submitted++
		case domain.OutcomeSkipped:
			sum.Skipped++
		case domain.OutcomeFailed:
			sum.Failed++
		}
	}

	result := "completed"
	switch {
	case runErr != nil:
		result = "failed"
	case ctx.Err() != nil:
		result = "cancelled"
		sum.Cancelled = true
	}
	r.metrics.RecordRun(result)
	r.events.Emit(events.TypeRunFinished, map[string]any{
		"run_id":    sum.RunID,
		"result":    result,
		"submitted": sum.Submitted,
		"skipped":   sum.Skipped,
		"failed":    sum.Failed,
	})
	log.Info(ctx, "run finished",
		logger.String("result", result),
		logger.Int("submitted", sum.Submitted),
		logger.Int("skipped", sum.Skipped),
		logger.Int("failed", sum.Failed),
		logger.Duration("took", sum.EndedAt.Sub(sum.StartedAt)))

	if runErr != nil {
		return sum, fmt.Errorf("run %s: %w", sum.RunID, runErr)
	}
	return sum, nil
}

// discover streams postings from all adapters concurrently. The channel is
// closed once every adapter is exhausted or ctx is done.
func (r *Runner) discover(ctx context.Context, adapters []portal.Adapter, c domain.SearchCriteria, sum *Summary) <-chan domain.Posting {
	out := make(chan domain.Posting)
	var errCount atomic.Int64
	var wg sync.WaitGroup

	for _, a := range adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := r.log.Named(a.ID())
			n := 0
			for p, err := range a.Discover(ctx, c) {
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					errCount.Add(1)
					r.metrics.RecordDiscoveryError(a.ID())
					log.Warn(ctx, "discovery error", logger.Error(err))
					continue
				}
				if !c.Matches(p, r.now()) {
					continue
				}
				select {
				case out <- p:
					n++
				case <-ctx.Done():
					return
				}
			}
			log.Debug(ctx, "discovery finished", logger.Int("postings", n))
		}()
	}

	go func() {
		wg.Wait()
		sum.DiscoveryErrors = int(errCount.Load())
		close(out)
	}()
	return out
}
