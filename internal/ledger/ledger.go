// Package ledger is the append-only record of application attempts. It is
// the source of truth for "already applied".
package ledger

import (
	"context"
	"errors"
	"time"

	"jobapply-engine/internal/domain"
)

var (
	// ErrAlreadySubmitted rejects a second submitted record for a posting.
	ErrAlreadySubmitted = errors.New("posting already has a submitted record")
	// ErrLedgerIO wraps storage failures that survived retries.
	ErrLedgerIO = errors.New("ledger io error")
	// ErrLedgerLocked means another process holds the ledger.
	ErrLedgerLocked = errors.New("ledger is locked by another process")
)

type Record struct {
	ID         int64              `json:"id"`
	RunID      string             `json:"run_id"`
	AttemptID  string             `json:"attempt_id"`
	PortalID   string             `json:"portal_id"`
	ExternalID string             `json:"external_id"`
	Company    string             `json:"company"`
	Role       string             `json:"role"`
	Outcome    domain.OutcomeKind `json:"outcome"`
	Reason     string             `json:"reason,omitempty"`
	RetryCount int                `json:"retry_count"`
	Timestamp  time.Time          `json:"timestamp"`
}

func (r Record) PostingID() domain.PostingID {
	return domain.PostingID{Portal: r.PortalID, ExternalID: r.ExternalID}
}

// FromAttempt builds the record for a finished attempt.
func FromAttempt(a domain.ApplicationAttempt) Record {
	ts := a.EndedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return Record{
		RunID:      a.RunID,
		AttemptID:  a.ID,
		PortalID:   a.Posting.ID.Portal,
		ExternalID: a.Posting.ID.ExternalID,
		Company:    a.Posting.Company,
		Role:       a.Posting.Title,
		Outcome:    a.Outcome.Kind,
		Reason:     a.Outcome.Reason,
		RetryCount: a.RetryCount,
		Timestamp:  ts.UTC(),
	}
}

// Store is durable record storage.
type Store interface {
	Append(ctx context.Context, r Record) error
	HasSubmitted(ctx context.Context, id domain.PostingID) (bool, error)
}

// Confirmation links a confirmation message to a submitted record.
type Confirmation struct {
	ID         int64     `json:"id"`
	PortalID   string    `json:"portal_id"`
	ExternalID string    `json:"external_id"`
	MessageID  string    `json:"message_id"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
}

type ListOpts struct {
	Outcome  domain.OutcomeKind // empty means all
	PortalID string
	Limit    int
}
