// Package portaltest provides a scripted in-memory portal adapter.
package portaltest

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"jobapply-engine/internal/domain"
)

// Fake is a scripted portal. Inspections and submit errors are keyed by
// external id; a posting without an inspection is an easy-apply form.
type Fake struct {
	PortalID string
	Postings []domain.Posting

	mu          sync.Mutex
	inspections map[string]domain.Inspection
	inspectErrs map[string][]error
	submitErrs  map[string][]error

	// SubmitDelay holds each Submit call open, honoring ctx.
	SubmitDelay time.Duration
	// OnSubmit runs at the start of every Submit call.
	OnSubmit func(p domain.Posting)

	inspectCalls atomic.Int64
	submitCalls  atomic.Int64
	submitted    []domain.PostingID
	submitTimes  []time.Time

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func New(id string, postings ...domain.Posting) *Fake {
	return &Fake{
		PortalID:    id,
		Postings:    postings,
		inspections: map[string]domain.Inspection{},
		inspectErrs: map[string][]error{},
		submitErrs:  map[string][]error{},
	}
}

func (f *Fake) ID() string { return f.PortalID }

func (f *Fake) SetInspection(externalID string, in domain.Inspection) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspections[externalID] = in
	return f
}

// FailInspect makes the next len(errs) Inspect calls for externalID fail.
func (f *Fake) FailInspect(externalID string, errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectErrs[externalID] = append(f.inspectErrs[externalID], errs...)
	return f
}

// FailSubmit makes the next len(errs) Submit calls for externalID fail.
func (f *Fake) FailSubmit(externalID string, errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs[externalID] = append(f.submitErrs[externalID], errs...)
	return f
}

func (f *Fake) Discover(ctx context.Context, c domain.SearchCriteria) iter.Seq2[domain.Posting, error] {
	return func(yield func(domain.Posting, error) bool) {
		for _, p := range f.Postings {
			if ctx.Err() != nil {
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (f *Fake) Inspect(ctx context.Context, p domain.Posting) (domain.Inspection, error) {
	f.inspectCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return domain.Inspection{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(f.inspectErrs, p.ID.ExternalID); err != nil {
		return domain.Inspection{}, err
	}
	if in, ok := f.inspections[p.ID.ExternalID]; ok {
		return in, nil
	}
	return domain.Inspection{Mechanism: domain.MechanismEasyApply}, nil
}

func (f *Fake) Submit(ctx context.Context, p domain.Posting) (domain.SubmissionResult, error) {
	f.submitCalls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.OnSubmit != nil {
		f.OnSubmit(p)
	}
	if f.SubmitDelay > 0 {
		select {
		case <-ctx.Done():
			return domain.SubmissionResult{}, ctx.Err()
		case <-time.After(f.SubmitDelay):
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.SubmissionResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitTimes = append(f.submitTimes, time.Now())
	if err := pop(f.submitErrs, p.ID.ExternalID); err != nil {
		return domain.SubmissionResult{}, err
	}
	f.submitted = append(f.submitted, p.ID)
	return domain.SubmissionResult{SubmittedAt: time.Now(), Confirmation: "thank you for applying"}, nil
}

func (f *Fake) InspectCalls() int { return int(f.inspectCalls.Load()) }
func (f *Fake) SubmitCalls() int  { return int(f.submitCalls.Load()) }

// MaxConcurrentSubmits is the highest number of Submit calls seen in flight.
func (f *Fake) MaxConcurrentSubmits() int { return int(f.maxInFlight.Load()) }

// Submitted lists successful submissions in order.
func (f *Fake) Submitted() []domain.PostingID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PostingID(nil), f.submitted...)
}

// SubmitTimes lists when each Submit call reached the portal.
func (f *Fake) SubmitTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.submitTimes...)
}

func pop(m map[string][]error, key string) error {
	q := m[key]
	if len(q) == 0 {
		return nil
	}
	m[key] = q[1:]
	return q[0]
}

// Posting builds a minimal posting for portal id.
func Posting(portal, externalID, company string) domain.Posting {
	return domain.Posting{
		ID:           domain.PostingID{Portal: portal, ExternalID: externalID},
		Title:        "Backend Engineer",
		Company:      company,
		URL:          "https://jobs.example.com/" + externalID,
		Mechanism:    domain.MechanismUnknown,
		DiscoveredAt: time.Now(),
	}
}
