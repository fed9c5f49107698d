package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kwv/radiofix/fix"
)

// serviceYAML declares the four corner sources of a 10x8 meter room with a
// long debounce window so tests control when estimation runs.
const serviceYAML = `mqtt:
  scanTopic: "radiofix/scan/+"
  publishPrefix: "radiofix"

http:
  listen: ":8080"

sources:
  - bssid: "aa:bb:cc:dd:ee:00"
    frequency: 2400000000
    position: [0, 0]
    transmittedPower: -40
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2400000000
    position: [10, 0]
    transmittedPower: -40
  - bssid: "aa:bb:cc:dd:ee:02"
    frequency: 2400000000
    position: [10, 8]
    transmittedPower: -40
  - bssid: "aa:bb:cc:dd:ee:03"
    frequency: 2400000000
    position: [0, 8]
    transmittedPower: -40

collector:
  windowSeconds: 60
  historyLimit: 5
`

// Helper function to write the service config to a temp file
func writeServiceConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// Helper function to load the standard test configuration
func loadTestConfig(t *testing.T) *fix.ServiceConfig {
	t.Helper()
	config, err := fix.LoadServiceConfig(writeServiceConfig(t, serviceYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	return config
}

// scanPayload builds a scan message with exact distances from (x, y) to every
// corner source
func scanPayload(t *testing.T, tag string, x, y float64) []byte {
	t.Helper()
	type observation struct {
		Bssid    string  `json:"bssid"`
		Distance float64 `json:"distance"`
	}
	obs := make([]observation, 0, len(cornerPositions))
	for i, p := range cornerPositions {
		obs = append(obs, observation{
			Bssid:    fmt.Sprintf("aa:bb:cc:dd:ee:%02x", i),
			Distance: math.Hypot(x-p[0], y-p[1]),
		})
	}
	payload, err := json.Marshal(map[string]interface{}{
		"tag":          tag,
		"timestamp":    time.Now().UnixMilli(),
		"observations": obs,
	})
	if err != nil {
		t.Fatalf("Failed to marshal scan payload: %v", err)
	}
	return payload
}

// TestNewApp tests that the estimation pipeline is wired from a loaded config
func TestNewApp(t *testing.T) {
	app, err := NewApp(loadTestConfig(t))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Collector.Close()

	if app.Registry == nil {
		t.Error("Registry should be initialized")
	} else if app.Registry.Len() != 4 {
		t.Errorf("Expected 4 registered sources, got %d", app.Registry.Len())
	}
	if app.Tracker == nil {
		t.Error("Tracker should be initialized")
	}
	if app.Collector == nil {
		t.Error("Collector should be initialized")
	}
	if app.Publisher != nil {
		t.Error("Publisher should be nil until MQTT mode starts")
	}
	if app.MQTTClient != nil {
		t.Error("MQTTClient should be nil until MQTT mode starts")
	}
}

// TestNewApp_NoSources tests that an empty source list is rejected
func TestNewApp_NoSources(t *testing.T) {
	_, err := NewApp(&fix.ServiceConfig{})
	if err == nil {
		t.Fatal("Expected error for config without sources")
	}
}

// TestNewApp_InvalidMethod tests that a bad estimator override is rejected
func TestNewApp_InvalidMethod(t *testing.T) {
	config := loadTestConfig(t)
	config.Estimator.Ranging.Method = "quantum"

	_, err := NewApp(config)
	if err == nil {
		t.Fatal("Expected error for unknown robust method")
	}
}

// TestDeliverFix tests that completed fixes land in the tracker
func TestDeliverFix(t *testing.T) {
	app, err := NewApp(loadTestConfig(t))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Collector.Close()

	// Publisher is nil here. Should not panic
	app.deliverFix(&fix.FixRecord{
		Tag:      "badge-1",
		Position: []float64{3, 2},
		Readings: 4,
	})

	record, ok := app.Tracker.LatestFor("badge-1")
	if !ok {
		t.Fatal("Expected tracker to hold the delivered fix")
	}
	if record.Position[0] != 3 || record.Position[1] != 2 {
		t.Errorf("Expected fix at (3, 2), got %v", record.Position)
	}
	if record.ID == "" {
		t.Error("Expected tracker to assign an ID")
	}
}

// TestHandleScan tests the scan path from decoded payload to tracked fix
func TestHandleScan(t *testing.T) {
	app, err := NewApp(loadTestConfig(t))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Collector.Close()

	truth := []float64{3, 2}
	payload := scanPayload(t, "badge-7", truth[0], truth[1])
	scan, err := fix.DecodeScan(payload, app.Registry)
	if err != nil {
		t.Fatalf("Failed to decode scan: %v", err)
	}

	app.handleScan(scan.Tag, payload, scan, nil)
	if app.Collector.Pending() != 1 {
		t.Fatalf("Expected 1 pending window, got %d", app.Collector.Pending())
	}

	record, err := app.Collector.Flush("badge-7")
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if math.Abs(record.Position[0]-truth[0]) > 0.5 || math.Abs(record.Position[1]-truth[1]) > 0.5 {
		t.Errorf("Expected fix near (3, 2), got %v", record.Position)
	}

	tracked, ok := app.Tracker.LatestFor("badge-7")
	if !ok {
		t.Fatal("Expected flushed fix in the tracker")
	}
	if tracked.ID != record.ID {
		t.Errorf("Expected tracked fix %s, got %s", record.ID, tracked.ID)
	}
	if len(app.Tracker.History("badge-7")) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(app.Tracker.History("badge-7")))
	}
}

// TestHandleScan_DecodeError tests that decode failures are dropped
func TestHandleScan_DecodeError(t *testing.T) {
	app, err := NewApp(loadTestConfig(t))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Collector.Close()

	// Should not panic
	app.handleScan("badge-7", []byte("{bad json"), nil, errors.New("parsing scan JSON"))

	if app.Collector.Pending() != 0 {
		t.Errorf("Expected no pending windows, got %d", app.Collector.Pending())
	}
	if len(app.Tracker.Tags()) != 0 {
		t.Errorf("Expected no tracked tags, got %v", app.Tracker.Tags())
	}
}

// TestHandleScan_EmptyReadings tests that a scan of only unknown sources is a no-op
func TestHandleScan_EmptyReadings(t *testing.T) {
	app, err := NewApp(loadTestConfig(t))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Collector.Close()

	payload := []byte(`{"tag": "badge-7", "observations": [{"bssid": "ff:ff:ff:ff:ff:ff", "rssi": -60}]}`)
	scan, err := fix.DecodeScan(payload, app.Registry)
	if err != nil {
		t.Fatalf("Failed to decode scan: %v", err)
	}
	if len(scan.Unknown) != 1 {
		t.Fatalf("Expected 1 unknown source, got %d", len(scan.Unknown))
	}

	app.handleScan(scan.Tag, payload, scan, nil)
	if app.Collector.Pending() != 0 {
		t.Errorf("Expected no pending window for a scan without usable readings, got %d", app.Collector.Pending())
	}
}

// TestListenAddr tests the listen address precedence
func TestListenAddr(t *testing.T) {
	tests := []struct {
		name         string
		override     string
		configListen string
		expected     string
	}{
		{
			name:     "default",
			expected: ":8080",
		},
		{
			name:         "config address",
			configListen: ":9000",
			expected:     ":9000",
		},
		{
			name:         "flag override wins",
			override:     ":7777",
			configListen: ":9000",
			expected:     ":7777",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &App{
				Config: &fix.ServiceConfig{
					HTTP: fix.HTTPSettings{Listen: tt.configListen},
				},
				Listen: tt.override,
			}
			if got := app.listenAddr(); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}
