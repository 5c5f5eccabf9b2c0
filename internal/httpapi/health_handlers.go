package httpapi

import (
	"database/sql"
	"net/http"
	"time"
)

type HealthHandler struct {
	DB *sql.DB
}

func (h HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.PingContext(r.Context()); err != nil {
			WriteError(w, r, http.StatusServiceUnavailable, "ledger_unavailable", err.Error())
			return
		}
	}
	writeJSON(w, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}
