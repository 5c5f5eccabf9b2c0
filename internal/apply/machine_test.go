package apply

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/eligibility"
	"jobapply-engine/internal/ledger"
	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/metrics"
	"jobapply-engine/internal/portal"
	"jobapply-engine/internal/portal/portaltest"
	"jobapply-engine/internal/ratelimit"
	"jobapply-engine/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	fake   *portaltest.Fake
	store  *ledger.SQLite
	gate   *ratelimit.Gate
	events *recorder
}

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Emit(typ string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typ)
}

func controller(t *testing.T, attempts int) *retry.Controller {
	t.Helper()
	c, err := retry.New(retry.Config{MaxAttempts: attempts, Multiplier: 1}, retry.WithLogger(logger.Discard()))
	require.NoError(t, err)
	return c
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &harness{
		fake:   portaltest.New("fake"),
		store:  s,
		gate:   ratelimit.NewGate(0),
		events: &recorder{},
	}
}

func (h *harness) machine(t *testing.T, store ledger.Store, cfg Config) *Machine {
	t.Helper()
	if store == nil {
		w, err := ledger.NewWriter(h.store, retry.Config{MaxAttempts: 2, Multiplier: 1}, logger.Discard())
		require.NoError(t, err)
		store = w
	}
	if cfg.Policy.AllowedMechanisms == nil {
		cfg.Policy = eligibility.DefaultPolicy()
	}
	m, err := New(Deps{
		Portals: portal.NewRegistry(h.fake),
		Ledger:  store,
		Gate:    h.gate,
		Inspect: controller(t, 3),
		Submit:  controller(t, 3),
	}, cfg,
		WithLogger(logger.Discard()),
		WithMetrics(metrics.NewManager()),
		WithEvents(h.events))
	require.NoError(t, err)
	return m
}

func (h *harness) records(t *testing.T) []ledger.Record {
	t.Helper()
	rs, err := h.store.List(context.Background(), ledger.ListOpts{})
	require.NoError(t, err)
	return rs
}

func posting(ext string) domain.Posting {
	return portaltest.Posting("fake", ext, "Acme")
}

func TestEasyApplyIsSubmitted(t *testing.T) {
	h := newHarness(t)
	m := h.machine(t, nil, Config{})

	a, err := m.Run(context.Background(), "run-1", posting("1"))
	require.NoError(t, err)

	assert.Equal(t, domain.Submitted(), a.Outcome)
	assert.Equal(t, []domain.State{
		domain.StateDiscovered, domain.StateInspecting, domain.StateEligible,
		domain.StateSubmitting, domain.StateSubmitted,
	}, a.History)
	assert.False(t, a.EndedAt.Before(a.StartedAt))
	assert.Equal(t, "run-1", a.RunID)
	assert.NotEmpty(t, a.ID)

	rs := h.records(t)
	require.Len(t, rs, 1)
	assert.Equal(t, domain.OutcomeSubmitted, rs[0].Outcome)
	assert.Equal(t, a.ID, rs[0].AttemptID)
	assert.Equal(t, []string{"attempt_finished"}, h.events.types)

	require.NotNil(t, a.Inspection)
	assert.Equal(t, domain.MechanismEasyApply, a.Inspection.Mechanism)
	assert.Equal(t, domain.MechanismEasyApply, a.Posting.Mechanism, "inspected mechanism replaces the discovery hint")
}

func TestIneligibleNeverSubmits(t *testing.T) {
	cases := map[string]struct {
		in     domain.Inspection
		reason string
	}{
		"captcha": {
			in:     domain.Inspection{Mechanism: domain.MechanismEasyApply, CaptchaDetected: true},
			reason: eligibility.ReasonCaptcha,
		},
		"unknown mechanism": {
			in:     domain.Inspection{Mechanism: domain.MechanismUnknown},
			reason: eligibility.ReasonMechanism,
		},
		"external form": {
			in:     domain.Inspection{Mechanism: domain.MechanismExternalForm, RequiredUnknownFields: []string{"visa"}},
			reason: eligibility.ReasonMechanism,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.fake.SetInspection("1", tc.in)
			m := h.machine(t, nil, Config{})

			a, err := m.Run(context.Background(), "run", posting("1"))
			require.NoError(t, err)
			assert.Equal(t, domain.Skipped(tc.reason), a.Outcome)
			assert.Equal(t, domain.StateIneligible, a.State)
			assert.Zero(t, h.fake.SubmitCalls())
			assert.Len(t, h.records(t), 1)
		})
	}
}

func TestPrescreenSkipsWithoutPortalTraffic(t *testing.T) {
	h := newHarness(t)
	policy := eligibility.DefaultPolicy()
	policy.ExcludedCompanies = []string{"  acme "}
	m := h.machine(t, nil, Config{Policy: policy})

	a, err := m.Run(context.Background(), "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Skipped(eligibility.ReasonExcludedCompany), a.Outcome)
	assert.Zero(t, h.fake.InspectCalls())
}

func TestAlreadyAppliedIsSkipped(t *testing.T) {
	h := newHarness(t)
	m := h.machine(t, nil, Config{})

	_, err := m.Run(context.Background(), "run-1", posting("1"))
	require.NoError(t, err)

	a, err := m.Run(context.Background(), "run-2", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Skipped(eligibility.ReasonAlreadyApplied), a.Outcome)
	assert.Equal(t, 1, h.fake.InspectCalls(), "second run does not touch the portal")
	assert.Equal(t, 1, h.fake.SubmitCalls())

	submitted, err := h.store.List(context.Background(), ledger.ListOpts{Outcome: domain.OutcomeSubmitted})
	require.NoError(t, err)
	assert.Len(t, submitted, 1)
}

func TestTransientSubmitFailuresAreRetried(t *testing.T) {
	h := newHarness(t)
	h.fake.FailSubmit("1",
		portal.NavigationError("fake", "submit", errors.New("connection reset")),
		portal.ElementNotFound("fake", "submit", "form"))
	h.fake.FailInspect("1", portal.NavigationError("fake", "inspect", errors.New("eof")))
	m := h.machine(t, nil, Config{})

	a, err := m.Run(context.Background(), "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Submitted(), a.Outcome)
	assert.Equal(t, 3, a.RetryCount)
	assert.Equal(t, 3, h.fake.SubmitCalls())
	assert.Equal(t, 3, h.records(t)[0].RetryCount)
}

func TestElementNotFoundTwiceThenSubmitted(t *testing.T) {
	h := newHarness(t)
	nf := portal.ElementNotFound("fake", "submit", "form")
	h.fake.FailSubmit("1", nf, nf)
	m := h.machine(t, nil, Config{})

	a, err := m.Run(context.Background(), "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Submitted(), a.Outcome)
	assert.Equal(t, 2, a.RetryCount)
	assert.Equal(t, 3, h.fake.SubmitCalls())
}

func TestExhaustedRetriesFail(t *testing.T) {
	h := newHarness(t)
	nf := portal.ElementNotFound("fake", "submit", "form")
	h.fake.FailSubmit("1", nf, nf, nf, nf)
	m := h.machine(t, nil, Config{})

	a, err := m.Run(context.Background(), "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(string(portal.KindElementNotFound)), a.Outcome)
	assert.Equal(t, domain.StateFailed, a.State)
	assert.Equal(t, 3, h.fake.SubmitCalls())
	assert.Equal(t, 2, a.RetryCount)
}

func TestCommittedFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.fake.FailSubmit("1", portal.NavigationError("fake", "submit", errors.New("eof")).Committed())
	m := h.machine(t, nil, Config{})

	a, err := m.Run(context.Background(), "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(string(portal.KindNavigation)), a.Outcome)
	assert.Equal(t, 1, h.fake.SubmitCalls())
}

func TestBlockHaltsPortal(t *testing.T) {
	h := newHarness(t)
	h.fake.FailSubmit("1", portal.BlockedByPortal("fake", "submit", "429"))
	m := h.machine(t, nil, Config{HaltOnBlock: true})

	a, err := m.Run(context.Background(), "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(string(portal.KindBlocked)), a.Outcome)
	assert.Equal(t, 1, h.fake.SubmitCalls(), "blocked is never retried")
	assert.True(t, h.gate.Blocked("fake"))

	a, err = m.Run(context.Background(), "run", posting("2"))
	require.NoError(t, err)
	assert.Equal(t, domain.Skipped(eligibility.ReasonPortalBlocked), a.Outcome)
	assert.Equal(t, 1, h.fake.SubmitCalls())
}

func TestHaltBetweenRetriesSkipsSubmit(t *testing.T) {
	h := newHarness(t)
	h.fake.FailSubmit("1", portal.ElementNotFound("fake", "submit", "form"))
	// another attempt halts the portal while this one is mid-retry
	h.fake.OnSubmit = func(domain.Posting) { h.gate.Block("fake") }
	m := h.machine(t, nil, Config{HaltOnBlock: true})

	a, err := m.Run(context.Background(), "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Skipped(eligibility.ReasonPortalBlocked), a.Outcome)
	assert.Equal(t, domain.StateIneligible, a.State)
	assert.Equal(t, 1, h.fake.SubmitCalls(), "the retry never reaches the portal")

	rs := h.records(t)
	require.Len(t, rs, 1)
	assert.Equal(t, domain.OutcomeSkipped, rs[0].Outcome)
}

func TestBlockWithoutHaltKeepsGoing(t *testing.T) {
	h := newHarness(t)
	h.fake.FailSubmit("1", portal.BlockedByPortal("fake", "submit", "captcha"))
	m := h.machine(t, nil, Config{})

	_, err := m.Run(context.Background(), "run", posting("1"))
	require.NoError(t, err)
	assert.False(t, h.gate.Blocked("fake"))

	a, err := m.Run(context.Background(), "run", posting("2"))
	require.NoError(t, err)
	assert.Equal(t, domain.Submitted(), a.Outcome)
}

func TestCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	m := h.machine(t, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := m.Run(ctx, "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(string(portal.KindCancelled)), a.Outcome)
	assert.Zero(t, h.fake.InspectCalls())

	rs := h.records(t)
	require.Len(t, rs, 1, "cancelled attempts are still recorded")
	assert.Equal(t, domain.OutcomeFailed, rs[0].Outcome)
	assert.Equal(t, "cancelled", rs[0].Reason)
}

func TestCancelledDuringSubmit(t *testing.T) {
	h := newHarness(t)
	h.fake.SubmitDelay = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	h.fake.OnSubmit = func(domain.Posting) { cancel() }
	m := h.machine(t, nil, Config{})

	a, err := m.Run(ctx, "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(string(portal.KindCancelled)), a.Outcome)
	assert.Equal(t, 1, h.fake.SubmitCalls(), "no retry after cancellation")
	assert.Len(t, h.records(t), 1)
}

// racyStore answers "not yet applied" but enforces the submitted
// constraint on write, as a concurrent writer would.
type racyStore struct {
	inner   ledger.Store
	lookups int
	err     error
}

func (s *racyStore) Append(ctx context.Context, r ledger.Record) error {
	return s.inner.Append(ctx, r)
}

func (s *racyStore) HasSubmitted(context.Context, domain.PostingID) (bool, error) {
	s.lookups++
	return false, s.err
}

func TestDuplicateSubmissionIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Append(context.Background(), ledger.Record{
		RunID: "other", AttemptID: "x", PortalID: "fake", ExternalID: "1",
		Outcome: domain.OutcomeSubmitted, Timestamp: time.Now(),
	}))
	m := h.machine(t, &racyStore{inner: h.store}, Config{})

	a, err := m.Run(context.Background(), "run", posting("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Failed(KindDuplicate), a.Outcome)

	rs := h.records(t)
	require.Len(t, rs, 2)
	assert.Equal(t, domain.OutcomeFailed, rs[0].Outcome)
	assert.Equal(t, KindDuplicate, rs[0].Reason)
}

func TestLedgerLookupFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("disk gone")
	m := h.machine(t, &racyStore{inner: h.store, err: boom}, Config{})

	a, err := m.Run(context.Background(), "run", posting("1"))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, domain.Failed(KindLedger), a.Outcome)
	assert.True(t, a.State.Terminal())
	assert.Zero(t, h.fake.InspectCalls())
}

func TestNewValidates(t *testing.T) {
	_, err := New(Deps{}, Config{Policy: eligibility.DefaultPolicy()})
	assert.Error(t, err)

	h := newHarness(t)
	_, err = New(Deps{
		Portals: portal.NewRegistry(h.fake),
		Ledger:  h.store,
		Gate:    h.gate,
		Inspect: controller(t, 1),
		Submit:  controller(t, 1),
	}, Config{Policy: eligibility.Policy{}})
	assert.Error(t, err, "empty mechanism set is rejected")
}
