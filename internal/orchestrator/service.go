package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// Plan builds the runner and request for the next run. It is called once per
// run so config changes take effect without a restart.
type Plan func() (*Runner, Request, error)

type Status struct {
	Running   bool      `json:"running"`
	RunID     string    `json:"run_id,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	LastOkAt  time.Time `json:"last_ok_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Service allows one run at a time and remembers the last summary.
type Service struct {
	plan Plan

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	status  Status
	last    *Summary
	hooks   map[int]finishHook
	hookSeq int

	// OnFinish, if set, is called after every run that produced a summary.
	// It runs after the run slot is released, so the next run may start
	// while it works. Cancel stops it and Wait waits for it.
	OnFinish func(ctx context.Context, sum Summary)
}

type finishHook struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(plan Plan) *Service {
	return &Service{plan: plan}
}

func (s *Service) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.Running = true
	s.status.RunID = ""
	s.status.LastRunAt = time.Now().UTC()
	return runCtx, nil
}

func (s *Service) end(sum Summary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.running = false
	s.status.Running = false
	s.status.RunID = sum.RunID
	if sum.RunID != "" {
		s.last = &sum
	}
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
		s.status.LastOkAt = time.Now().UTC()
	}
	close(s.done)
}

// RunNow runs synchronously.
func (s *Service) RunNow(ctx context.Context) (Summary, error) {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return Summary{}, err
	}
	return s.execute(runCtx)
}

// Start runs in the background on a context detached from ctx's
// cancellation; use Cancel to stop it.
func (s *Service) Start(ctx context.Context) error {
	runCtx, err := s.begin(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	go func() { _, _ = s.execute(runCtx) }()
	return nil
}

func (s *Service) execute(ctx context.Context) (Summary, error) {
	sum, err := s.run(ctx)
	id, hookCtx := s.addHook(ctx, sum)
	s.end(sum, err)
	if hookCtx != nil {
		func() {
			defer s.removeHook(id)
			s.OnFinish(hookCtx, sum)
		}()
	}
	return sum, err
}

func (s *Service) run(ctx context.Context) (Summary, error) {
	r, req, err := s.plan()
	if err != nil {
		return Summary{}, err
	}
	return r.Run(ctx, req)
}

// addHook registers the finish hook before end closes done, so a Wait that
// saw the run finish also sees the hook.
func (s *Service) addHook(ctx context.Context, sum Summary) (int, context.Context) {
	if sum.RunID == "" || s.OnFinish == nil {
		return 0, nil
	}
	hookCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hooks == nil {
		s.hooks = make(map[int]finishHook)
	}
	s.hookSeq++
	s.hooks[s.hookSeq] = finishHook{cancel: cancel, done: make(chan struct{})}
	return s.hookSeq, hookCtx
}

func (s *Service) removeHook(id int) {
	s.mu.Lock()
	h := s.hooks[id]
	delete(s.hooks, id)
	s.mu.Unlock()
	h.cancel()
	close(h.done)
}

// Cancel stops the active run and any finish hook still working. It reports
// whether a run was active.
func (s *Service) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hooks {
		h.cancel()
	}
	if !s.running {
		return false
	}
	s.cancel()
	return true
}

// Wait blocks until the active run, if any, and the finish hooks started so
// far have returned.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	pending := make([]chan struct{}, 0, len(s.hooks))
	for _, h := range s.hooks {
		pending = append(pending, h.done)
	}
	s.mu.Unlock()
	for _, d := range pending {
		select {
		case <-d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Last returns the most recent summary, or false if no run has finished.
func (s *Service) Last() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}
