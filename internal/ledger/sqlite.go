package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobapply-engine/internal/domain"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// SQLite stores the ledger in a single-file database.
type SQLite struct {
	db   *sql.DB
	lock *flock.Flock
}

// Open takes the ledger's process lock, opens the database at path and
// migrates it.
func Open(path string) (*SQLite, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLedgerLocked, path)
	}

	// modernc sqlite uses DSN like: file:foo.db?_pragma=busy_timeout(5000)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	// one writer; the Writer mutex serializes on top of this
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &SQLite{db: db, lock: lock}, nil
}

// NewSQLite wraps an already migrated database without taking the lock.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.lock != nil {
		err = errors.Join(err, s.lock.Unlock())
	}
	return err
}

// schemaVersion is the PRAGMA user_version Migrate brings a ledger to.
const schemaVersion = 2

var schemaV1 = []string{`
CREATE TABLE IF NOT EXISTS applications (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  attempt_id TEXT NOT NULL,
  portal_id TEXT NOT NULL,
  external_id TEXT NOT NULL,
  company TEXT NOT NULL,
  role TEXT NOT NULL,
  outcome TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  timestamp TEXT NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS idx_applications_posting
ON applications(portal_id, external_id);`, `
CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_one_submitted
ON applications(portal_id, external_id)
WHERE outcome = 'submitted';`, `
CREATE INDEX IF NOT EXISTS idx_applications_timestamp
ON applications(timestamp);`, `
CREATE TABLE IF NOT EXISTS confirmations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  portal_id TEXT NOT NULL,
  external_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  subject TEXT NOT NULL DEFAULT '',
  received_at TEXT NOT NULL,
  UNIQUE(message_id, portal_id, external_id)
);`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var v int
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return err
	}
	if v >= schemaVersion {
		return tx.Commit()
	}

	if v < 1 {
		for _, q := range schemaV1 {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return err
			}
		}
	}
	if v < 2 {
		// v1 wrote RFC3339Nano, which trims trailing zeros and breaks
		// string ordering within a second
		if err := rewriteTimes(ctx, tx, "applications", "timestamp"); err != nil {
			return err
		}
		if err := rewriteTimes(ctx, tx, "confirmations", "received_at"); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// rewriteTimes re-encodes every value of table.col with formatTime.
func rewriteTimes(ctx context.Context, tx *sql.Tx, table, col string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id, %s FROM %s;`, col, table))
	if err != nil {
		return err
	}
	type row struct {
		id int64
		ts string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.ts); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	update := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE id = ?;`, table, col)
	for _, r := range all {
		t, err := parseTime(r.ts)
		if err != nil {
			return fmt.Errorf("migrate %s.%s id %d: %w", table, col, r.id, err)
		}
		if _, err := tx.ExecContext(ctx, update, formatTime(t), r.id); err != nil {
			return err
		}
	}
	return nil
}

const insertRecord = `
INSERT INTO applications(run_id, attempt_id, portal_id, external_id, company, role, outcome, reason, retry_count, timestamp)
VALUES(?,?,?,?,?,?,?,?,?,?);`

// Append inserts r. A submitted record for a posting that already has one
// fails with ErrAlreadySubmitted and writes nothing.
func (s *SQLite) Append(ctx context.Context, r Record) error {
	args := []any{
		r.RunID, r.AttemptID, r.PortalID, r.ExternalID, r.Company, r.Role,
		string(r.Outcome), r.Reason, r.RetryCount, formatTime(r.Timestamp),
	}
	if r.Outcome != domain.OutcomeSubmitted {
		_, err := s.db.ExecContext(ctx, insertRecord, args...)
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `
SELECT 1 FROM applications
WHERE portal_id = ? AND external_id = ? AND outcome = 'submitted'
LIMIT 1;`, r.PortalID, r.ExternalID).Scan(&one)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s:%s", ErrAlreadySubmitted, r.PortalID, r.ExternalID)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx, insertRecord, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s:%s", ErrAlreadySubmitted, r.PortalID, r.ExternalID)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLite) HasSubmitted(ctx context.Context, id domain.PostingID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM applications
WHERE portal_id = ? AND external_id = ? AND outcome = 'submitted'
LIMIT 1;`, id.Portal, id.ExternalID).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

// List returns records newest first.
func (s *SQLite) List(ctx context.Context, opts ListOpts) ([]Record, error) {
	var where []string
	var args []any
	if opts.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(opts.Outcome))
	}
	if opts.PortalID != "" {
		where = append(where, "portal_id = ?")
		args = append(args, opts.PortalID)
	}
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	q := `SELECT id, run_id, attempt_id, portal_id, external_id, company, role, outcome, reason, retry_count, timestamp FROM applications`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?;"
	args = append(args, limit)

	return s.query(ctx, q, args...)
}

// SubmittedSince returns submitted records at or after since, oldest first.
func (s *SQLite) SubmittedSince(ctx context.Context, since time.Time) ([]Record, error) {
	return s.query(ctx, `
SELECT id, run_id, attempt_id, portal_id, external_id, company, role, outcome, reason, retry_count, timestamp
FROM applications
WHERE outcome = 'submitted' AND timestamp >= ?
ORDER BY timestamp ASC;`, formatTime(since))
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var outcome, ts string
		if err := rows.Scan(&r.ID, &r.RunID, &r.AttemptID, &r.PortalID, &r.ExternalID, &r.Company, &r.Role, &outcome, &r.Reason, &r.RetryCount, &ts); err != nil {
			return nil, err
		}
		r.Outcome = domain.OutcomeKind(outcome)
		r.Timestamp, _ = parseTime(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendConfirmation records c once; added is false for a duplicate.
func (s *SQLite) AppendConfirmation(ctx context.Context, c Confirmation) (added bool, err error) {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO confirmations(portal_id, external_id, message_id, subject, received_at)
VALUES(?,?,?,?,?);`, c.PortalID, c.ExternalID, c.MessageID, c.Subject, formatTime(c.ReceivedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) Confirmations(ctx context.Context, limit int) ([]Confirmation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, portal_id, external_id, message_id, subject, received_at
FROM confirmations
ORDER BY id DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Confirmation
	for rows.Next() {
		var c Confirmation
		var ts string
		if err := rows.Scan(&c.ID, &c.PortalID, &c.ExternalID, &c.MessageID, &c.Subject, &ts); err != nil {
			return nil, err
		}
		c.ReceivedAt, _ = parseTime(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts both timeLayout and the trimmed RFC3339Nano form.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
