package httpapi

import (
	"net/http"
)

type RunsHandler struct {
	Runs Runs
}

// Start kicks off a run in the background. The run outlives the request.
func (h RunsHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.Runs.Start(r.Context()); err != nil {
		writeRunError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (h RunsHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Runs.Status())
}

func (h RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ok": h.Runs.Cancel()})
}

func (h RunsHandler) Last(w http.ResponseWriter, r *http.Request) {
	sum, ok := h.Runs.Last()
	if !ok {
		WriteError(w, r, http.StatusNotFound, "no_runs", "no run has finished yet")
		return
	}
	writeJSON(w, sum)
}
