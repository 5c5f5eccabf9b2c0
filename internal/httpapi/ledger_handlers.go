package httpapi

import (
	"database/sql"
	"net/http"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/ledger"
)

type LedgerHandler struct {
	Ledger LedgerReader
	DB     *sql.DB
}

// List serves GET /ledger?outcome=&portal=&limit=, newest first.
func (h LedgerHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := ledger.ListOpts{PortalID: q.Get("portal")}

	if s := q.Get("outcome"); s != "" {
		switch k := domain.OutcomeKind(s); k {
		case domain.OutcomeSubmitted, domain.OutcomeSkipped, domain.OutcomeFailed:
			opts.Outcome = k
		default:
			WriteError(w, r, http.StatusBadRequest, "bad_outcome", "outcome must be submitted, skipped or failed")
			return
		}
	}
	limit, ok := intParam(r, "limit", 0)
	if !ok {
		WriteError(w, r, http.StatusBadRequest, CodeBadLimit, "limit must be a positive integer")
		return
	}
	opts.Limit = limit

	recs, err := h.Ledger.List(r.Context(), opts)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, CodeLedgerError, err.Error())
		return
	}
	if recs == nil {
		recs = []ledger.Record{}
	}
	writeJSON(w, recs)
}

func (h LedgerHandler) Confirmations(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", 100)
	if !ok {
		WriteError(w, r, http.StatusBadRequest, CodeBadLimit, "limit must be a positive integer")
		return
	}
	cs, err := h.Ledger.Confirmations(r.Context(), limit)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, CodeLedgerError, err.Error())
		return
	}
	if cs == nil {
		cs = []ledger.Confirmation{}
	}
	writeJSON(w, cs)
}

// Checkpoint folds the WAL into the main database file. Local callers only.
func (h LedgerHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	if !IsLoopback(r) {
		WriteError(w, r, http.StatusForbidden, CodeForbidden, "forbidden")
		return
	}
	if h.DB == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "no_db", "ledger database not available")
		return
	}
	if _, err := h.DB.ExecContext(r.Context(), `PRAGMA wal_checkpoint(FULL);`); err != nil {
		WriteError(w, r, http.StatusInternalServerError, "checkpoint_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
