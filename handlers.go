package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cgutteridge/sotonmesh/mesh"
)

// newHTTPServer creates an HTTP server with all endpoints. Data files are
// served from the tracker's output directory.
func newHTTPServer(stateTracker *mesh.StateTracker, metrics *mesh.Metrics) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Debug("HTTP request", "path", "/health", "remote", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasRun    bool      `json:"hasRun"`
			RunID     string    `json:"runId,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasRun:    stateTracker.HasRun(),
		}
		if s, ok := stateTracker.GetSummary(); ok {
			status.RunID = s.RunID
		}
		writeJSON(w, http.StatusOK, status)
	})

	// Summary of the latest run
	mux.HandleFunc("/api/summary", func(w http.ResponseWriter, r *http.Request) {
		summary, ok := stateTracker.GetSummary()
		if !ok {
			http.Error(w, "No run available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	// Full diagnostics, optionally restricted to entities with a record in
	// ?category= at ?severity= or above
	mux.HandleFunc("/api/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		report, ok := stateTracker.GetDiagnostics()
		if !ok {
			http.Error(w, "No run available", http.StatusServiceUnavailable)
			return
		}

		category := r.URL.Query().Get("category")
		if category == "" {
			writeJSON(w, http.StatusOK, report)
			return
		}

		atLeast := mesh.SeverityInfo
		if s := r.URL.Query().Get("severity"); s != "" {
			if err := atLeast.UnmarshalText([]byte(s)); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		filtered := *report
		filtered.Entities = []mesh.EntityDiagnostics{}
		for _, ed := range report.Entities {
			if ed.HasCategory(category, atLeast) {
				filtered.Entities = append(filtered.Entities, ed)
			}
		}
		writeJSON(w, http.StatusOK, filtered)
	})

	// Entities whose location could not be resolved
	mux.HandleFunc("/api/location-unknown", func(w http.ResponseWriter, r *http.Request) {
		report, ok := stateTracker.GetDiagnostics()
		if !ok {
			http.Error(w, "No run available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, report.LocationUnknown)
	})

	// Re-read the output directory after an external run
	mux.HandleFunc("/api/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if stateTracker.OutputDir() == "" {
			http.Error(w, "No output directory configured", http.StatusConflict)
			return
		}
		if err := stateTracker.Reload(); err != nil {
			log.Warn("Reload failed", "dir", stateTracker.OutputDir(), "err", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		summary, _ := stateTracker.GetSummary()
		writeJSON(w, http.StatusOK, summary)
	})

	if metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}

	if dir := stateTracker.OutputDir(); dir != "" {
		files := http.StripPrefix("/data/", http.FileServer(http.Dir(dir)))
		mux.Handle("/data/", noCache(files))
	}

	return mux
}

// noCache marks responses as always revalidated; data files are replaced
// in place by each run
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Encoding response failed", "err", err)
	}
}
