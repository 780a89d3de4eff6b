package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kwv/scanreg/scanreg"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}

// errorStatus maps workspace errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, scanreg.ErrScanNotFound), errors.Is(err, scanreg.ErrNoPair):
		return http.StatusNotFound
	case errors.Is(err, scanreg.ErrGroupTooSmall), errors.Is(err, scanreg.ErrGroupDisconnected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(app *App) http.Handler {
	ws := app.Workspace
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status        string     `json:"status"`
			Timestamp     time.Time  `json:"timestamp"`
			Scans         int        `json:"scans"`
			MQTTConnected bool       `json:"mqttConnected"`
			LastAlign     *time.Time `json:"lastAlign,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Scans:     len(ws.Scans()),
		}
		if app.MQTTClient != nil {
			status.MQTTConnected = app.MQTTClient.IsConnected()
		}
		if t := ws.LastAlign(); !t.IsZero() {
			status.LastAlign = &t
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("/groups", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ws.Groups())
	})

	mux.HandleFunc("/pairs", func(w http.ResponseWriter, r *http.Request) {
		pairs, err := ws.Pairs(r.URL.Query().Get("scan"))
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, pairs)
	})

	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		sum, err := ws.Summary(r.URL.Query().Get("scan"))
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, struct {
			scanreg.Summary
			Grades map[string]int `json:"grades"`
		}{sum, sum.GradeCounts()})
	})

	// Overview renders are buffered so a failed render still gets a proper status code.
	mux.HandleFunc("/overview.svg", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := ws.RenderSVG(&buf); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(buf.Bytes())
	})

	mux.HandleFunc("/overview.png", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := ws.RenderPNG(&buf); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(buf.Bytes())
	})

	mux.HandleFunc("/pairs.geojson", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := ws.WriteGeoJSON(&buf); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write(buf.Bytes())
	})

	mux.Handle("/metrics", promhttp.Handler())

	// Alignment: body {"scan": "...", "partner": "..."}; empty body aligns every group.
	mux.HandleFunc("/align", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req scanreg.AlignRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		log.Printf("[HTTP] /align %+v from %s", req, r.RemoteAddr)

		outcome, err := ws.Align(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		if !app.NoSave {
			if err := app.savePoses(); err != nil {
				log.Printf("[HTTP] %v", err)
			}
		}
		if app.Publisher != nil {
			if err := ws.PublishPoses(app.Publisher); err != nil {
				log.Printf("[MQTT] Error publishing poses: %v", err)
			}
		}
		writeJSON(w, http.StatusOK, outcome)
	})

	return mux
}
