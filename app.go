package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kwv/radiofix/fix"
)

// App encapsulates the service state and dependencies
type App struct {
	Config     *fix.ServiceConfig
	Registry   *fix.Registry
	Plan       *fix.FloorPlan
	Tracker    *fix.FixTracker
	Collector  *fix.Collector
	MQTTClient *fix.MQTTClient
	Publisher  *fix.FixPublisher

	// CLI flags (effectively dependencies)
	Listen   string
	MqttMode bool
	HttpMode bool
}

// NewApp wires the estimation pipeline from a loaded configuration
func NewApp(config *fix.ServiceConfig) (*App, error) {
	registry, err := config.BuildRegistry()
	if err != nil {
		return nil, err
	}
	seqCfg, err := config.SequentialConfig()
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   config,
		Registry: registry,
		Tracker:  fix.NewFixTracker(config.Collector.HistoryLimit),
	}

	collector, err := fix.NewCollector(config.Collector, registry.Sources(), seqCfg, app.deliverFix)
	if err != nil {
		return nil, err
	}
	app.Collector = collector
	return app, nil
}

// deliverFix records a completed fix and republishes it over MQTT
func (a *App) deliverFix(record *fix.FixRecord) {
	a.Tracker.Record(record)
	if a.Publisher != nil {
		if err := a.Publisher.PublishFix(record); err != nil {
			log.Printf("Error publishing fix for %s: %v", record.Tag, err)
		}
	}
}

// handleScan feeds decoded scans into the collector
func (a *App) handleScan(tag string, rawPayload []byte, scan *fix.Scan, err error) {
	if err != nil {
		log.Printf("Error decoding scan for %s: %v", tag, err)
		return
	}
	if err := a.Collector.Ingest(scan); err != nil {
		log.Printf("Error ingesting scan for %s: %v", scan.Tag, err)
	}
}

// Run starts the enabled service modes and blocks until interrupted
func (a *App) Run() {
	a.Plan = loadFloorPlan(a.Config)

	if a.MqttMode {
		mqttClient, err := fix.InitMQTT(a.Config, a.Registry, a.handleScan)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient
		a.Publisher = fix.NewFixPublisher(mqttClient.GetClient(), a.Config.PublishPrefix())
		fmt.Println("MQTT fix publisher initialized")
	}

	if a.HttpMode {
		httpServer := newHTTPServer(a.Tracker, a.Registry, a.Plan, a.Config)
		go func() {
			addr := a.listenAddr()
			fmt.Printf("HTTP server starting on %s\n", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	a.Collector.Close()
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
}

func (a *App) listenAddr() string {
	if a.Listen != "" {
		return a.Listen
	}
	return a.Config.Listen()
}

// printServiceInfo prints the topics and endpoints the service exposes
func (a *App) printServiceInfo() {
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Printf("  Subscribed to: %s\n", a.Config.ScanTopic())
		fmt.Printf("  Publishing to: %s/fixes/{tag}\n", a.Config.PublishPrefix())
		fmt.Printf("  Combined fixes: %s/fixes\n", a.Config.PublishPrefix())
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (%s):\n", a.listenAddr())
		fmt.Println("  GET /health                  - Health check")
		fmt.Println("  GET /api/tags                - Tags with at least one fix")
		fmt.Println("  GET /api/fixes               - Latest fix per tag")
		fmt.Println("  GET /api/fixes/{tag}         - Latest fix for one tag")
		fmt.Println("  GET /api/fixes/{tag}/history - Retained fixes for one tag")
		fmt.Println("  GET /api/geojson             - Floor plan, sources and fixes as GeoJSON")
		fmt.Println("  GET /coverage.png            - Raster map with coverage shading")
		fmt.Println("  GET /scene.svg               - Vector map")
		fmt.Println("  GET /scene.png               - Rasterized vector map")
		fmt.Println("  GET /ws                      - Live fix stream over WebSocket")
	}

	fmt.Println("\nPress Ctrl+C to stop")
}
