package confirm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/ledger"
	"jobapply-engine/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailbox struct {
	msgs  []Message
	since time.Time
	err   error
}

func (f *fakeMailbox) Search(_ context.Context, since time.Time) ([]Message, error) {
	f.since = since
	return f.msgs, f.err
}

var phrases = []string{"thank you for applying", "application received"}

func TestIsConfirmation(t *testing.T) {
	assert.True(t, IsConfirmation("Thank you for applying to Acme!", phrases))
	assert.True(t, IsConfirmation("Your application received", phrases))
	assert.False(t, IsConfirmation("Weekly newsletter", phrases))
	assert.False(t, IsConfirmation("anything", []string{" "}))
}

func TestMatchPicksLatestRecordForCompany(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	records := []ledger.Record{
		{PortalID: "greenhouse", ExternalID: "acme:1", Company: "Acme, Inc.", Timestamp: base},
		{PortalID: "lever", ExternalID: "globex:2", Company: "Globex", Timestamp: base.Add(time.Hour)},
		{PortalID: "greenhouse", ExternalID: "acme:3", Company: "Acme, Inc.", Timestamp: base.Add(2 * time.Hour)},
	}

	r, ok := Match(Message{From: "no-reply@acmeinc.com", Subject: "Thanks", Date: base.Add(3 * time.Hour)}, records)
	require.True(t, ok)
	assert.Equal(t, "acme:3", r.ExternalID)

	r, ok = Match(Message{Subject: "Thank you for applying to Acme Inc", Date: base.Add(30 * time.Minute)}, records)
	require.True(t, ok)
	assert.Equal(t, "acme:1", r.ExternalID, "mail older than a record cannot confirm it")

	_, ok = Match(Message{Subject: "Thank you for applying to Initech", Date: base}, records)
	assert.False(t, ok)
}

func openLedger(t *testing.T) *ledger.SQLite {
	t.Helper()
	s, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestScanAppendsOncePerMessage(t *testing.T) {
	ctx := context.Background()
	s := openLedger(t)
	now := time.Date(2026, 5, 3, 12, 0, 0, 0, time.UTC)
	submitted := now.Add(-26 * time.Hour)

	require.NoError(t, s.Append(ctx, ledger.Record{
		RunID: "r", AttemptID: "a", PortalID: "greenhouse", ExternalID: "acme:1",
		Company: "Acme", Role: "SRE", Outcome: domain.OutcomeSubmitted, Timestamp: submitted,
	}))

	mb := &fakeMailbox{msgs: []Message{
		{ID: "<1@acme>", From: "jobs@acme.com", Subject: "Thank you for applying to Acme", Date: submitted.Add(time.Minute)},
		{ID: "<2@news>", From: "news@example.com", Subject: "Top 10 jobs", Date: submitted.Add(time.Hour)},
	}}
	sc := NewScanner(s, mb, phrases, 7*24*time.Hour, WithLogger(logger.Discard()), WithClock(func() time.Time { return now }))

	added, err := sc.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, submitted.Truncate(24*time.Hour), mb.since)

	added, err = sc.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, added, "re-scanning the same mail adds nothing")

	cs, err := s.Confirmations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "acme:1", cs[0].ExternalID)
}

func TestScanSkipsMailboxWithoutSubmissions(t *testing.T) {
	s := openLedger(t)
	mb := &fakeMailbox{err: errors.New("should not be called")}
	sc := NewScanner(s, mb, phrases, time.Hour, WithLogger(logger.Discard()))

	added, err := sc.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.True(t, mb.since.IsZero())
}

func TestScanReportsMailboxErrors(t *testing.T) {
	ctx := context.Background()
	s := openLedger(t)
	require.NoError(t, s.Append(ctx, ledger.Record{
		PortalID: "lever", ExternalID: "x", Company: "X", Outcome: domain.OutcomeSubmitted, Timestamp: time.Now(),
	}))
	sc := NewScanner(s, &fakeMailbox{err: errors.New("login failed")}, phrases, time.Hour, WithLogger(logger.Discard()))

	_, err := sc.Scan(ctx)
	assert.ErrorContains(t, err, "login failed")
}

func TestIMAPRequiresCredentials(t *testing.T) {
	_, err := IMAP{Host: "imap.example.com", Port: 993}.Search(context.Background(), time.Now())
	assert.ErrorContains(t, err, "username/password")
}
