// Package apply drives one posting from discovery to a terminal outcome.
package apply

import (
	"context"
	"errors"
	"fmt"
	"time"

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
)

const (
	// KindDuplicate is the failure recorded when the ledger refuses a second
	// submitted record for a posting.
	KindDuplicate = "duplicate"
	// KindLedger marks an attempt cut short by a ledger failure.
	KindLedger = "ledger"
)

const ledgerWriteTimeout = 15 * time.Second

// errPortalHalted is returned from inside the submit op when another attempt
// halted the portal while this one waited on the gate.
var errPortalHalted = errors.New("portal halted")

// Deps are the collaborators shared by every attempt of a run.
type Deps struct {
	Portals *portal.Registry
	Ledger  ledger.Store
	Gate    *ratelimit.Gate
	Inspect *retry.Controller
	Submit  *retry.Controller
}

type Config struct {
	Policy eligibility.Policy
	// HaltOnBlock stops submissions to a portal for the rest of the run
	// once it reports a block.
	HaltOnBlock bool
}

// Machine is safe for concurrent use; each Run owns its own attempt.
type Machine struct {
	deps    Deps
	cfg     Config
	log     logger.Logger
	metrics *metrics.Manager
	events  events.Publisher
	now     func() time.Time
	newID   func() string
}

type Option func(*Machine)

func WithLogger(l logger.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

func WithMetrics(mm *metrics.Manager) Option {
	return func(m *Machine) {
		if mm != nil {
			m.metrics = mm
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(m *Machine) {
		if p != nil {
			m.events = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func New(deps Deps, cfg Config, opts ...Option) (*Machine, error) {
	switch {
	case deps.Portals == nil:
		return nil, errors.New("apply: nil portal registry")
	case deps.Ledger == nil:
		return nil, errors.New("apply: nil ledger")
	case deps.Gate == nil:
		return nil, errors.New("apply: nil rate gate")
	case deps.Inspect == nil || deps.Submit == nil:
		return nil, errors.New("apply: missing retry controller")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		deps:    deps,
		cfg:     cfg,
		metrics: metrics.Default(),
		events:  events.Nop{},
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Named("apply")
	}
	return m, nil
}

// Run takes p through the state machine and records the terminal outcome.
// The attempt is always terminal on return. err is non-nil only when the
// ledger could not be read or written; the run must stop then.
func (m *Machine) Run(ctx context.Context, runID string, p domain.Posting) (domain.ApplicationAttempt, error) {
	a := domain.NewAttempt(m.newID(), runID, p, m.now())
	log := m.log.Named(p.ID.Portal)

	err := m.drive(ctx, &a)
	if err != nil {
		// ledger read failed; the attempt is terminal but cannot be recorded
		m.finish(&a, domain.StateFailed, domain.Failed(KindLedger))
		log.Error(ctx, "ledger lookup failed", logger.String("posting", p.ID.String()), logger.Error(err))
		m.observe(a)
		return a, err
	}

	if err := m.record(ctx, &a); err != nil {
		log.Error(ctx, "ledger append failed", logger.String("posting", p.ID.String()), logger.Error(err))
		m.observe(a)
		return a, err
	}

	log.Info(ctx, "attempt finished",
		logger.String("posting", p.ID.String()),
		logger.String("company", p.Company),
		logger.String("outcome", a.Outcome.String()),
		logger.Int("retries", a.RetryCount))
	m.observe(a)
	return a, nil
}

// drive leaves a in a terminal state unless the ledger lookup fails.
func (m *Machine) drive(ctx context.Context, a *domain.ApplicationAttempt) error {
	p := a.Posting

	if ctx.Err() != nil {
		m.finish(a, domain.StateFailed, domain.Failed(string(portal.KindCancelled)))
		return nil
	}
	if d := eligibility.Prescreen(p, m.cfg.Policy, m.now()); !d.Eligible {
		m.finish(a, domain.StateIneligible, domain.Skipped(d.Reason()))
		return nil
	}
	if done, err := m.alreadyApplied(ctx, a); done || err != nil {
		return err
	}

	adapter, err := m.deps.Portals.Lookup(p.ID.Portal)
	if err != nil {
		// the orchestrator validates portals up front, so this is a programming error
		m.finish(a, domain.StateFailed, domain.Failed(string(portal.KindUnexpectedPageState)))
		return nil
	}

	m.step(a, domain.StateInspecting)
	in, retries, err := retry.Do(ctx, m.deps.Inspect, func(ctx context.Context) (domain.Inspection, error) {
		return adapter.Inspect(ctx, p)
	})
	a.RetryCount += retries
	m.metrics.RecordRetries("inspect", retries)
	if err != nil {
		m.finish(a, domain.StateFailed, domain.Failed(string(portal.KindOf(err))))
		return nil
	}
	a.Inspection = &in
	a.Posting.Mechanism = in.Mechanism

	d := eligibility.Decide(p, in, m.cfg.Policy, m.now())
	if !d.Eligible {
		m.finish(a, domain.StateIneligible, domain.Skipped(d.Reason()))
		return nil
	}
	m.step(a, domain.StateEligible)

	if m.deps.Gate.Blocked(p.ID.Portal) {
		m.finish(a, domain.StateIneligible, domain.Skipped(eligibility.ReasonPortalBlocked))
		return nil
	}
	if done, err := m.alreadyApplied(ctx, a); done || err != nil {
		return err
	}

	m.step(a, domain.StateSubmitting)
	_, retries, err = retry.Do(ctx, m.deps.Submit, func(ctx context.Context) (domain.SubmissionResult, error) {
		if err := m.deps.Gate.Wait(ctx, p.ID.Portal); err != nil {
			return domain.SubmissionResult{}, err
		}
		// the portal may have been halted while we queued on the gate or
		// between retries
		if m.deps.Gate.Blocked(p.ID.Portal) {
			return domain.SubmissionResult{}, errPortalHalted
		}
		return adapter.Submit(ctx, p)
	})
	a.RetryCount += retries
	m.metrics.RecordRetries("submit", retries)
	switch {
	case err == nil:
		m.finish(a, domain.StateSubmitted, domain.Submitted())
	case errors.Is(err, errPortalHalted):
		m.finish(a, domain.StateIneligible, domain.Skipped(eligibility.ReasonPortalBlocked))
	case portal.IsBlocked(err):
		m.metrics.RecordPortalBlocked(p.ID.Portal)
		if m.cfg.HaltOnBlock {
			m.deps.Gate.Block(p.ID.Portal)
			m.log.Warn(ctx, "portal blocked; halting submissions",
				logger.String("portal", p.ID.Portal), logger.Error(err))
		}
		m.finish(a, domain.StateFailed, domain.Failed(string(portal.KindBlocked)))
	default:
		m.finish(a, domain.StateFailed, domain.Failed(string(portal.KindOf(err))))
	}
	return nil
}

func (m *Machine) alreadyApplied(ctx context.Context, a *domain.ApplicationAttempt) (bool, error) {
	// lookups must complete even when the run is being cancelled
	ok, err := m.deps.Ledger.HasSubmitted(context.WithoutCancel(ctx), a.Posting.ID)
	if err != nil {
		return true, err
	}
	if ok {
		m.finish(a, domain.StateIneligible, domain.Skipped(eligibility.ReasonAlreadyApplied))
	}
	return ok, nil
}

// record appends the ledger record for a terminal attempt.
func (m *Machine) record(ctx context.Context, a *domain.ApplicationAttempt) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()

	err := m.deps.Ledger.Append(wctx, ledger.FromAttempt(*a))
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrAlreadySubmitted) {
		return err
	}

	// another attempt recorded the submission first
	a.Outcome = domain.Failed(KindDuplicate)
	if err := m.deps.Ledger.Append(wctx, ledger.FromAttempt(*a)); err != nil {
		return fmt.Errorf("record duplicate: %w", err)
	}
	return nil
}

func (m *Machine) step(a *domain.ApplicationAttempt, s domain.State) {
	// only fails out of a terminal state, which drive never does
	_ = a.Transition(s)
}

func (m *Machine) finish(a *domain.ApplicationAttempt, s domain.State, o domain.Outcome) {
	if !a.State.Terminal() {
		_ = a.Transition(s)
	}
	a.Outcome = o
	a.EndedAt = m.now()
}

func (m *Machine) observe(a domain.ApplicationAttempt) {
	m.metrics.RecordAttempt(a.Posting.ID.Portal, string(a.Outcome.Kind), a.EndedAt.Sub(a.StartedAt).Seconds())
	m.events.Emit(events.TypeAttemptFinished, events.AttemptFinished{
		RunID:      a.RunID,
		AttemptID:  a.ID,
		Posting:    a.Posting.ID.String(),
		Company:    a.Posting.Company,
		Role:       a.Posting.Title,
		Outcome:    string(a.Outcome.Kind),
		Reason:     a.Outcome.Reason,
		RetryCount: a.RetryCount,
	})
}
