package domain

import (
	"fmt"
	"time"
)

type State string

const (
	StateDiscovered State = "discovered"
	StateInspecting State = "inspecting"
	StateEligible   State = "eligible"
	StateIneligible State = "ineligible"
	StateSubmitting State = "submitting"
	StateSubmitted  State = "submitted"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateIneligible || s == StateSubmitted || s == StateFailed
}

type OutcomeKind string

const (
	OutcomeSubmitted OutcomeKind = "submitted"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the terminal result of an attempt. Reason is the skip reason
// for skipped outcomes and the error kind for failed ones.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

func Submitted() Outcome              { return Outcome{Kind: OutcomeSubmitted} }
func Skipped(reason string) Outcome   { return Outcome{Kind: OutcomeSkipped, Reason: reason} }
func Failed(errorKind string) Outcome { return Outcome{Kind: OutcomeFailed, Reason: errorKind} }

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
}

// ApplicationAttempt is one pass of one posting through the state machine.
type ApplicationAttempt struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Posting    Posting   `json:"posting"`
	State      State     `json:"state"`
	History    []State   `json:"history"`
	RetryCount int       `json:"retry_count"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	Outcome    Outcome   `json:"outcome"`

	// Inspection is set once the application page was inspected.
	Inspection *Inspection `json:"inspection,omitempty"`
}

func NewAttempt(id, runID string, p Posting, now time.Time) ApplicationAttempt {
	return ApplicationAttempt{
		ID:        id,
		RunID:     runID,
		Posting:   p,
		State:     StateDiscovered,
		History:   []State{StateDiscovered},
		StartedAt: now,
	}
}

// Transition moves the attempt to next. Terminal states are final.
func (a *ApplicationAttempt) Transition(next State) error {
	if a.State.Terminal() {
		return fmt.Errorf("attempt %s: transition %s -> %s out of terminal state", a.ID, a.State, next)
	}
	a.State = next
	a.History = append(a.History, next)
	return nil
}
