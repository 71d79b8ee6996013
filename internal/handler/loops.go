package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/web3-frozen/yield-loops/internal/ranking"
)

// LoopSource produces ranked loops for a filter. *aggregate.Service's
// Search and FromStore methods both fit.
type LoopSource func(ctx context.Context, f ranking.Filter) ([]ranking.Ranked, error)

type loopsResponse struct {
	Loops []ranking.Ranked `json:"loops"`
}

// Loops serves GET /api/loops. Query parameters are parsed on top of base.
func Loops(source LoopSource, base ranking.Filter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := ranking.ParseQuery(r.URL.Query(), base)

		loops, err := source(r.Context(), f)
		if err != nil {
			logger.Error("loop search failed", "error", err)
			http.Error(w, `{"error":"failed to load loops"}`, http.StatusBadGateway)
			return
		}
		if loops == nil {
			loops = []ranking.Ranked{}
		}
		writeJSON(w, http.StatusOK, loopsResponse{Loops: loops})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
