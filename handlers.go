package main

import (
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kwv/radiofix/fix"
)

// wsUpgrader upgrades /ws requests. The service runs on trusted networks, so
// cross-origin clients are allowed
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *fix.FixTracker, registry *fix.Registry, plan *fix.FloorPlan, config *fix.ServiceConfig) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Sources   int       `json:"sources"`
			Tags      int       `json:"tags"`
			HasPlan   bool      `json:"hasPlan"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Sources:   registry.Len(),
			Tags:      len(tracker.Tags()),
			HasPlan:   plan != nil,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Tags with at least one fix
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tracker.Tags()); err != nil {
			log.Printf("Error encoding tags: %v", err)
		}
	})

	// Latest fix per tag
	mux.HandleFunc("/api/fixes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tracker.Latest()); err != nil {
			log.Printf("Error encoding fixes: %v", err)
		}
	})

	// Latest fix and history for one tag
	mux.HandleFunc("/api/fixes/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/fixes/")
		parts := strings.Split(rest, "/")
		tag := parts[0]
		if tag == "" {
			http.Error(w, "Tag required", http.StatusBadRequest)
			return
		}

		switch {
		case len(parts) == 1:
			record, ok := tracker.LatestFor(tag)
			if !ok {
				http.Error(w, "No fix for tag", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(record); err != nil {
				log.Printf("Error encoding fix for %s: %v", tag, err)
			}
		case len(parts) == 2 && parts[1] == "history":
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(tracker.History(tag)); err != nil {
				log.Printf("Error encoding history for %s: %v", tag, err)
			}
		default:
			http.NotFound(w, r)
		}
	})

	// Floor plan, sources and fixes as one GeoJSON document
	mux.HandleFunc("/api/geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := fix.BuildGeoJSON(plan, registry.Sources(), tracker.Latest())
		data, err := fc.MarshalJSON()
		if err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
			http.Error(w, "Failed to encode GeoJSON", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(data); err != nil {
			log.Printf("Error writing GeoJSON: %v", err)
		}
	})

	// Raster map with signal coverage shading
	mux.HandleFunc("/coverage.png", func(w http.ResponseWriter, r *http.Request) {
		renderer := fix.NewCoverageRenderer(plan, registry.Sources(), tracker.Latest())
		renderer.ShowCoverage = true
		img := renderer.Render()
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, img); err != nil {
			log.Printf("Error encoding coverage PNG: %v", err)
		}
	})

	// Vector map endpoints
	mux.HandleFunc("/scene.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer := fix.NewSceneRenderer(plan, registry.Sources(), tracker.Latest())
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding scene SVG: %v", err)
		}
	})

	mux.HandleFunc("/scene.png", func(w http.ResponseWriter, r *http.Request) {
		renderer := fix.NewSceneRenderer(plan, registry.Sources(), tracker.Latest())
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			log.Printf("Error encoding scene PNG: %v", err)
		}
	})

	// Live fix stream over WebSocket
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Error upgrading websocket for %s: %v", r.RemoteAddr, err)
			return
		}
		defer conn.Close()

		fixes, cancel := tracker.Subscribe()
		defer cancel()

		// Drain client frames so pings are answered and closes detected
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		// Send the current fixes up front so clients draw without waiting
		for _, record := range tracker.Latest() {
			if err := conn.WriteJSON(record); err != nil {
				return
			}
		}

		for {
			select {
			case record, ok := <-fixes:
				if !ok {
					return
				}
				if err := conn.WriteJSON(record); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})

	// Default route serves HTML page embedding the SVG map
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
<title>radiofix</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/scene.svg" alt="Live Map">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
