package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/fleetmesh/internal/version"
)

type healthzResponse struct {
	Status        string       `json:"status"`
	Ready         bool         `json:"ready"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Templates     int          `json:"templates"`
	Nodes         int          `json:"nodes"`
	Players       int          `json:"players"`
	Build         version.Info `json:"build"`
}

// Healthz reports liveness plus a one-line summary of the fleet. It always
// answers 200 while the process runs; readiness lives in /readyz.
func Healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthzResponse{
			Status:        "ok",
			Ready:         d.Ready != nil && d.Ready(),
			UptimeSeconds: time.Since(d.StartTime).Seconds(),
			Build:         d.Build,
		}
		if d.Fleet != nil {
			for _, t := range d.Fleet.Snapshot() {
				resp.Templates++
				resp.Nodes += t.IntOr("nodes", 0)
				resp.Players += t.IntOr("players", 0)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
