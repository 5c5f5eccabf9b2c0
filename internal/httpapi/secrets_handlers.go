package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"jobapply-engine/internal/config"
	"jobapply-engine/internal/secrets"
)

type SecretsHandler struct {
	CfgVal *atomic.Value // stores config.Config
}

type setIMAPPasswordReq struct {
	Password string `json:"password"`
}

func (h SecretsHandler) account(w http.ResponseWriter, r *http.Request) (string, bool) {
	cfg := h.CfgVal.Load().(config.Config)
	if cfg.Confirm.Username == "" || cfg.Confirm.IMAPHost == "" {
		WriteError(w, r, http.StatusBadRequest, "imap_not_configured", "set confirm.username and confirm.imap_host first")
		return "", false
	}
	return secrets.IMAPKeyringAccount(cfg.Confirm), true
}

func (h SecretsHandler) SetIMAPPassword(w http.ResponseWriter, r *http.Request) {
	var req setIMAPPasswordReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidJSON, "invalid json")
		return
	}
	if strings.TrimSpace(req.Password) == "" {
		WriteError(w, r, http.StatusBadRequest, "empty_password", "password is required")
		return
	}
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	if err := secrets.SetIMAPPassword(acct, req.Password); err != nil {
		WriteError(w, r, http.StatusInternalServerError, CodeKeyringError, "failed to store password: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h SecretsHandler) DeleteIMAPPassword(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	if err := secrets.DeleteIMAPPassword(acct); err != nil {
		WriteError(w, r, http.StatusInternalServerError, CodeKeyringError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
