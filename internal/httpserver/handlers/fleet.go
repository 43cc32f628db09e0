package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
)

// Metrics dumps the in-memory metrics intervals.
func Metrics(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Metrics == nil {
			http.Error(w, "metrics disabled", http.StatusNotFound)
			return
		}
		summary, err := d.Metrics.DisplayMetrics(w, r)
		if err != nil {
			d.Logger.Error("metrics summary failed", logger.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Templates lists every template with its nodes.
func Templates(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templates := []codec.Document{}
		if d.Fleet != nil {
			templates = d.Fleet.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(map[string]any{"templates": templates})
	}
}
