package handlers

import (
	"net/http"
	"time"
)

var processStart = time.Now()

// Health reports liveness. It deliberately touches no storage backend: the
// tracker degrades to in-memory persistence rather than failing, so a
// reachable process is a healthy one.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "export-tracker",
		"uptime_seconds": int(time.Since(processStart).Seconds()),
	})
}
