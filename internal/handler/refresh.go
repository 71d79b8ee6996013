package handler

import (
	"net/http"

	"github.com/web3-frozen/yield-loops/internal/refresh"
)

// Refresher is the background refresh engine.
type Refresher interface {
	Trigger() bool
	Status() refresh.Status
}

// TriggerRefresh queues a forced refresh.
func TriggerRefresh(rf Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if rf == nil {
			http.Error(w, `{"error":"refresh is not configured"}`, http.StatusServiceUnavailable)
			return
		}
		status := "queued"
		if !rf.Trigger() {
			status = "already queued"
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
	}
}

// RefreshStatus reports the last refresh run.
func RefreshStatus(rf Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if rf == nil {
			http.Error(w, `{"error":"refresh is not configured"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, rf.Status())
	}
}
