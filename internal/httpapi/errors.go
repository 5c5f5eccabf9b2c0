package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"jobapply-engine/internal/ledger"
	"jobapply-engine/internal/orchestrator"
)

// Error codes shared by more than one handler.
const (
	CodeInvalidJSON  = "invalid_json"
	CodeBadLimit     = "bad_limit"
	CodeForbidden    = "forbidden"
	CodeLedgerError  = "ledger_error"
	CodeKeyringError = "keyring_error"
	CodeInternal     = "internal_error"
)

type APIError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var e APIError
	e.Error.Code = code
	e.Error.Message = message
	e.Error.RequestID = RequestIDFrom(r.Context())
	WriteJSON(w, status, e)
}

// writeRunError maps engine errors returned while starting a run.
func writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		WriteError(w, r, http.StatusConflict, "run_in_progress", err.Error())
	case errors.Is(err, orchestrator.ErrConfiguration):
		WriteError(w, r, http.StatusBadRequest, "invalid_run_config", err.Error())
	case errors.Is(err, ledger.ErrLedgerIO), errors.Is(err, ledger.ErrLedgerLocked):
		WriteError(w, r, http.StatusServiceUnavailable, "ledger_unavailable", err.Error())
	default:
		WriteError(w, r, http.StatusInternalServerError, "run_failed", err.Error())
	}
}
