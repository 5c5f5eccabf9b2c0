// Package confirm links confirmation mail ("thank you for applying") to
// submitted ledger records. It only appends; application records are never
// edited.
package confirm

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"jobapply-engine/internal/events"
	"jobapply-engine/internal/ledger"
	"jobapply-engine/internal/logger"
)

type Message struct {
	ID      string
	From    string
	Subject string
	Date    time.Time
}

// Mailbox lists messages received on or after since.
type Mailbox interface {
	Search(ctx context.Context, since time.Time) ([]Message, error)
}

// Store is the part of the ledger the scanner needs.
type Store interface {
	SubmittedSince(ctx context.Context, since time.Time) ([]ledger.Record, error)
	AppendConfirmation(ctx context.Context, c ledger.Confirmation) (bool, error)
}

type Scanner struct {
	store    Store
	mailbox  Mailbox
	subjects []string
	lookback time.Duration
	log      logger.Logger
	events   events.Publisher
	now      func() time.Time
}

type Option func(*Scanner)

func WithLogger(l logger.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.log = l
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(s *Scanner) {
		if p != nil {
			s.events = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		if now != nil {
			s.now = now
		}
	}
}

func NewScanner(store Store, mb Mailbox, subjects []string, lookback time.Duration, opts ...Option) *Scanner {
	s := &Scanner{
		store:    store,
		mailbox:  mb,
		subjects: subjects,
		lookback: lookback,
		events:   events.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Named("confirm")
	}
	return s
}

// Scan matches recent mail against submitted records and returns how many
// new confirmations were stored.
func (s *Scanner) Scan(ctx context.Context) (added int, err error) {
	records, err := s.store.SubmittedSince(ctx, s.now().Add(-s.lookback))
	if err != nil {
		return 0, fmt.Errorf("load submitted records: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	// records are oldest first
	since := records[0].Timestamp.Truncate(24 * time.Hour)
	msgs, err := s.mailbox.Search(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("search mailbox: %w", err)
	}

	for _, m := range msgs {
		if !IsConfirmation(m.Subject, s.subjects) {
			continue
		}
		r, ok := Match(m, records)
		if !ok {
			s.log.Debug(ctx, "confirmation without matching record", logger.String("subject", m.Subject))
			continue
		}
		ok, err := s.store.AppendConfirmation(ctx, ledger.Confirmation{
			PortalID:   r.PortalID,
			ExternalID: r.ExternalID,
			MessageID:  m.ID,
			Subject:    m.Subject,
			ReceivedAt: m.Date,
		})
		if err != nil {
			return added, fmt.Errorf("append confirmation: %w", err)
		}
		if !ok {
			continue
		}
		added++
		s.events.Emit(events.TypeConfirmationFound, map[string]any{
			"posting": r.PostingID().String(),
			"company": r.Company,
			"subject": m.Subject,
		})
	}

	s.log.Info(ctx, "confirmation scan finished",
		logger.Int("messages", len(msgs)),
		logger.Int("added", added))
	return added, nil
}

// IsConfirmation reports whether subject contains any of the phrases.
func IsConfirmation(subject string, phrases []string) bool {
	subj := strings.ToLower(subject)
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(subj, p) {
			return true
		}
	}
	return false
}

// Match picks the most recent record submitted before m arrived whose
// company appears in the subject or sender.
func Match(m Message, records []ledger.Record) (ledger.Record, bool) {
	hay := squash(m.Subject + " " + m.From)
	var best ledger.Record
	found := false
	for _, r := range records {
		company := squash(r.Company)
		if company == "" || !strings.Contains(hay, company) {
			continue
		}
		// allow for clock skew between us and the mail server
		if !m.Date.IsZero() && m.Date.Before(r.Timestamp.Add(-time.Hour)) {
			continue
		}
		if !found || r.Timestamp.After(best.Timestamp) {
			best, found = r, true
		}
	}
	return best, found
}

// squash lowercases s and drops everything but letters and digits, so
// "Acme, Inc." matches "no-reply@acmeinc.com".
func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
