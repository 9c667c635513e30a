package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/sandmesh/sandbox"
)

// historyReader is the read side of the calibration run history.
type historyReader interface {
	Recent(limit int) ([]sandbox.CalibrationRun, error)
}

// maxCommandBytes bounds POST /command bodies.
const maxCommandBytes = 64 << 10

// newHTTPServer creates an HTTP server with all endpoints. history may be nil.
func newHTTPServer(stateTracker *sandbox.StateTracker, ctrl sandbox.Controller, history historyReader, config *sandbox.Config) http.Handler {
	mux := http.NewServeMux()
	stCfg := config.StabilizerConfig()
	elevation := sandbox.NewElevationRenderer()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := ctrl.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			Frames     uint64    `json:"frames"`
			Calibrated bool      `json:"calibrated"`
			Phase      string    `json:"phase"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			Frames:     stateTracker.FrameCount(),
			Calibrated: snap.State.Calibrated,
			Phase:      snap.State.Phase.String(),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(ctrl.Snapshot()); err != nil {
			log.Printf("Error encoding state: %v", err)
		}
	})

	// Elevation map of the latest stabilized frame
	mux.HandleFunc("/depth.png", func(w http.ResponseWriter, r *http.Request) {
		frame := stateTracker.Frame()
		if frame == nil || frame.Depth == nil {
			http.Error(w, "No depth frame available", http.StatusServiceUnavailable)
			return
		}
		snap := ctrl.Snapshot()
		roi := snap.ROI
		if roi.Empty() {
			roi = frame.Depth.Bounds()
		}
		status := snap.State.Phase.String()
		if snap.State.Message != "" {
			status = snap.State.Message
		}

		img := elevation.Render(frame.Depth, snap.Transformer, roi, stCfg.Usable, status)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := sandbox.WritePNG(w, img); err != nil {
			log.Printf("Error encoding depth PNG: %v", err)
		}
	})

	mux.HandleFunc("/gradient.svg", func(w http.ResponseWriter, r *http.Request) {
		frame := stateTracker.Frame()
		if frame == nil || frame.Gradient == nil {
			http.Error(w, "No gradient field available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := sandbox.RenderGradientSVG(w, frame.Gradient); err != nil {
			log.Printf("Error encoding gradient SVG: %v", err)
		}
	})

	// Projector frame: calibration chessboard or ROI outline
	mux.HandleFunc("/projector.svg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := sandbox.RenderProjectorSVG(w, ctrl.Snapshot().Projector); err != nil {
			log.Printf("Error encoding projector SVG: %v", err)
		}
	})

	mux.HandleFunc("/projector.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := sandbox.RenderProjectorPNG(w, ctrl.Snapshot().Projector); err != nil {
			log.Printf("Error encoding projector PNG: %v", err)
		}
	})

	mux.HandleFunc("/roi.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := sandbox.CalibrationGeoJSON(ctrl.Snapshot())
		data, err := fc.MarshalJSON()
		if err != nil {
			http.Error(w, fmt.Sprintf("encoding GeoJSON: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		if history == nil {
			http.Error(w, "Calibration history disabled", http.StatusNotFound)
			return
		}
		limit := 20
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := history.Recent(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("reading history: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(runs); err != nil {
			log.Printf("Error encoding history: %v", err)
		}
	})

	mux.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
		if err != nil {
			http.Error(w, fmt.Sprintf("reading body: %v", err), http.StatusBadRequest)
			return
		}
		cmd, err := sandbox.ParseCommand(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := sandbox.HandleCommand(ctrl, cmd)
		w.Header().Set("Content-Type", "application/json")
		if !resp.OK() {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("Error encoding command response: %v", err)
		}
	})

	// Default route serves a full-screen page for the projector window
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>sandmesh projector</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#000}
img{display:block;width:100vw;height:100vh;object-fit:fill}
</style>
</head>
<body>
<img id="frame" src="/projector.svg" alt="Projector">
<script>
setInterval(function(){document.getElementById("frame").src="/projector.svg?t="+Date.now()},250);
</script>
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
