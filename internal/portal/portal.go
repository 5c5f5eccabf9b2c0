// Package portal defines the capability set every job portal adapter
// implements and the registry the orchestrator resolves portals from.
package portal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"jobapply-engine/internal/domain"
)

// Adapter encapsulates one portal. Inspect must not change portal state.
type Adapter interface {
	ID() string

	// Discover yields matching postings lazily. An error element reports a
	// failed board; iteration continues with the next one.
	Discover(ctx context.Context, c domain.SearchCriteria) iter.Seq2[domain.Posting, error]

	Inspect(ctx context.Context, p domain.Posting) (domain.Inspection, error)
	Submit(ctx context.Context, p domain.Posting) (domain.SubmissionResult, error)
}

var ErrUnknownPortal = errors.New("unknown portal")

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a, replacing any adapter with the same id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

func (r *Registry) Lookup(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPortal, id)
	}
	return a, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
