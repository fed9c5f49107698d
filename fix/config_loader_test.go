package fix

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func floatPtr(v float64) *float64 { return &v }

func validServiceYAML() string {
	return `mqtt:
  broker: tcp://localhost:1883
  clientId: radiofix-test
  scanTopic: radiofix/scan/+
  publishPrefix: radiofix
sources:
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2.4e9
    position: [0, 0]
    transmittedPower: -40
    pathLossExponent: 2.1
  - bssid: "aa:bb:cc:dd:ee:02"
    frequency: 2.4e9
    position: [10, 0]
  - bssid: "aa:bb:cc:dd:ee:03"
    frequency: 5.2e9
    position: [5, 8]
    positionStdDev: 0.25
collector:
  windowSeconds: 1.5
  maxReadings: 64
`
}

func writeServiceConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadServiceConfig
// ---------------------------------------------------------------------------

func TestLoadServiceConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadServiceConfig(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadServiceConfig_ValidYAML(t *testing.T) {
	path := writeServiceConfig(t, validServiceYAML())

	cfg, err := LoadServiceConfig(path)
	if err != nil {
		t.Fatalf("LoadServiceConfig: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %q, want %q", cfg.MQTT.Broker, "tcp://localhost:1883")
	}
	if len(cfg.Sources) != 3 {
		t.Fatalf("len(Sources) = %d, want 3", len(cfg.Sources))
	}
	if cfg.Sources[0].Bssid != "aa:bb:cc:dd:ee:01" {
		t.Errorf("Sources[0].Bssid = %q, want %q", cfg.Sources[0].Bssid, "aa:bb:cc:dd:ee:01")
	}
	if cfg.Sources[0].TransmittedPower == nil || *cfg.Sources[0].TransmittedPower != -40 {
		t.Errorf("Sources[0].TransmittedPower = %v, want -40", cfg.Sources[0].TransmittedPower)
	}
	if cfg.Sources[2].PositionStdDev == nil || *cfg.Sources[2].PositionStdDev != 0.25 {
		t.Errorf("Sources[2].PositionStdDev = %v, want 0.25", cfg.Sources[2].PositionStdDev)
	}
	if cfg.Collector.MaxReadings != 64 {
		t.Errorf("Collector.MaxReadings = %d, want 64", cfg.Collector.MaxReadings)
	}
}

func TestLoadServiceConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no sources",
			yaml: `sources: []
`,
		},
		{
			name: "source missing bssid",
			yaml: `sources:
  - bssid: ""
    frequency: 2.4e9
    position: [0, 0]
`,
		},
		{
			name: "duplicate bssid",
			yaml: `sources:
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2.4e9
    position: [0, 0]
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2.4e9
    position: [1, 1]
`,
		},
		{
			name: "zero frequency",
			yaml: `sources:
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 0
    position: [0, 0]
`,
		},
		{
			name: "one dimensional position",
			yaml: `sources:
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2.4e9
    position: [0]
`,
		},
		{
			name: "mixed dimensions",
			yaml: `sources:
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2.4e9
    position: [0, 0]
  - bssid: "aa:bb:cc:dd:ee:02"
    frequency: 2.4e9
    position: [1, 1, 1]
`,
		},
		{
			name: "power stddev without power",
			yaml: `sources:
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2.4e9
    position: [0, 0]
    transmittedPowerStdDev: 1.0
`,
		},
		{
			name: "unknown robust method",
			yaml: `sources:
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2.4e9
    position: [0, 0]
estimator:
  ranging:
    method: kalman
`,
		},
		{
			name: "confidence out of range",
			yaml: `sources:
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2.4e9
    position: [0, 0]
estimator:
  rssi:
    confidence: 1.5
`,
		},
		{
			name: "negative debounce window",
			yaml: `sources:
  - bssid: "aa:bb:cc:dd:ee:01"
    frequency: 2.4e9
    position: [0, 0]
collector:
  windowSeconds: -1
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeServiceConfig(t, tc.yaml)
			_, err := LoadServiceConfig(path)
			if err == nil {
				t.Errorf("expected validation error for %q, got nil", tc.name)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// SaveServiceConfig
// ---------------------------------------------------------------------------

func TestSaveServiceConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	original := &ServiceConfig{
		MQTT: MQTTSettings{
			Broker:        "tcp://localhost:1883",
			PublishPrefix: "radiofix",
			ClientID:      "test-client",
		},
		Sources: []SourceConfig{
			{Bssid: "aa:bb:cc:dd:ee:01", Frequency: 2.4e9, Position: []float64{1, 2}, TransmittedPower: floatPtr(-38)},
		},
		Collector: CollectorSettings{WindowSeconds: 0.75},
	}

	if err := SaveServiceConfig(path, original); err != nil {
		t.Fatalf("SaveServiceConfig: %v", err)
	}

	// Round-trip: LoadServiceConfig must succeed and reproduce the data
	loaded, err := LoadServiceConfig(path)
	if err != nil {
		t.Fatalf("LoadServiceConfig after save: %v", err)
	}
	if loaded.MQTT.Broker != original.MQTT.Broker {
		t.Errorf("Broker = %q, want %q", loaded.MQTT.Broker, original.MQTT.Broker)
	}
	if loaded.Collector.WindowSeconds != 0.75 {
		t.Errorf("WindowSeconds = %g, want 0.75", loaded.Collector.WindowSeconds)
	}
	if len(loaded.Sources) != 1 || loaded.Sources[0].Bssid != "aa:bb:cc:dd:ee:01" {
		t.Errorf("Sources round-trip mismatch: %+v", loaded.Sources)
	}
	if loaded.Sources[0].TransmittedPower == nil || *loaded.Sources[0].TransmittedPower != -38 {
		t.Errorf("TransmittedPower round-trip mismatch: %v", loaded.Sources[0].TransmittedPower)
	}
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func TestServiceConfig_Defaults(t *testing.T) {
	cfg := &ServiceConfig{}

	if got := cfg.ScanTopic(); got != "radiofix/scan/+" {
		t.Errorf("ScanTopic() = %q, want %q", got, "radiofix/scan/+")
	}
	if got := cfg.PublishPrefix(); got != "radiofix" {
		t.Errorf("PublishPrefix() = %q, want %q", got, "radiofix")
	}
	if got := cfg.Listen(); got != ":8080" {
		t.Errorf("Listen() = %q, want %q", got, ":8080")
	}
	if got := cfg.Collector.Window(); got != 2*time.Second {
		t.Errorf("Window() = %v, want 2s", got)
	}

	cfg.MQTT.ScanTopic = "site/+/scan"
	cfg.MQTT.PublishPrefix = "site"
	cfg.HTTP.Listen = ":9000"
	cfg.Collector.WindowSeconds = 0.5
	if got := cfg.ScanTopic(); got != "site/+/scan" {
		t.Errorf("ScanTopic() override = %q, want %q", got, "site/+/scan")
	}
	if got := cfg.PublishPrefix(); got != "site" {
		t.Errorf("PublishPrefix() override = %q, want %q", got, "site")
	}
	if got := cfg.Listen(); got != ":9000" {
		t.Errorf("Listen() override = %q, want %q", got, ":9000")
	}
	if got := cfg.Collector.Window(); got != 500*time.Millisecond {
		t.Errorf("Window() override = %v, want 500ms", got)
	}
}

// ---------------------------------------------------------------------------
// ParseRobustMethod
// ---------------------------------------------------------------------------

func TestParseRobustMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    RobustMethod
		wantErr bool
	}{
		{"ransac", MethodRansac, false},
		{"RANSAC", MethodRansac, false},
		{" msac ", MethodMsac, false},
		{"LMedS", MethodLmeds, false},
		{"prosac", MethodProsac, false},
		{"PROMedS", MethodPromeds, false},
		{"kalman", "", true},
		{"", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseRobustMethod(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("ParseRobustMethod(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRobustMethod(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseRobustMethod(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// SequentialConfig overrides
// ---------------------------------------------------------------------------

func TestSequentialConfig_Overrides(t *testing.T) {
	cfg := &ServiceConfig{
		Sources: []SourceConfig{
			{Bssid: "aa:bb:cc:dd:ee:01", Frequency: 2.4e9, Position: []float64{0, 0}},
		},
		Estimator: EstimatorSettings{
			Ranging: PassSettings{
				Method:          "promeds",
				MaxIterations:   intPtr(500),
				InlierThreshold: floatPtr(0.8),
			},
			Rssi: PassSettings{
				Confidence:          floatPtr(0.95),
				SpreadAcrossSources: boolPtr(true),
			},
		},
	}

	seqCfg, err := cfg.SequentialConfig()
	if err != nil {
		t.Fatalf("SequentialConfig: %v", err)
	}

	if seqCfg.Ranging.Method != MethodPromeds {
		t.Errorf("Ranging.Method = %q, want %q", seqCfg.Ranging.Method, MethodPromeds)
	}
	if seqCfg.Ranging.MaxIterations != 500 {
		t.Errorf("Ranging.MaxIterations = %d, want 500", seqCfg.Ranging.MaxIterations)
	}
	if seqCfg.Ranging.Threshold != 0.8 {
		t.Errorf("Ranging.Threshold = %g, want 0.8", seqCfg.Ranging.Threshold)
	}
	if seqCfg.Rssi.Confidence != 0.95 {
		t.Errorf("Rssi.Confidence = %g, want 0.95", seqCfg.Rssi.Confidence)
	}
	if !seqCfg.Rssi.EvenlyDistributeReadings {
		t.Error("Rssi.EvenlyDistributeReadings should be true")
	}

	// Unset fields keep the package defaults
	defaults := DefaultSequentialConfig()
	if seqCfg.Rssi.Method != defaults.Rssi.Method {
		t.Errorf("Rssi.Method = %q, want default %q", seqCfg.Rssi.Method, defaults.Rssi.Method)
	}
	if seqCfg.Ranging.Confidence != defaults.Ranging.Confidence {
		t.Errorf("Ranging.Confidence = %g, want default %g", seqCfg.Ranging.Confidence, defaults.Ranging.Confidence)
	}
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// ---------------------------------------------------------------------------
// BuildSources / Registry
// ---------------------------------------------------------------------------

func TestBuildSources(t *testing.T) {
	cfg := &ServiceConfig{
		Sources: []SourceConfig{
			{
				Bssid:                  "aa:bb:cc:dd:ee:01",
				Frequency:              2.4e9,
				Position:               []float64{1, 2},
				TransmittedPower:       floatPtr(-42),
				TransmittedPowerStdDev: floatPtr(0.5),
				PathLossExponent:       floatPtr(2.3),
			},
			{
				Bssid:          "aa:bb:cc:dd:ee:02",
				Frequency:      5.2e9,
				Position:       []float64{10, 0},
				PositionStdDev: floatPtr(0.2),
			},
		},
	}

	sources, err := cfg.BuildSources()
	if err != nil {
		t.Fatalf("BuildSources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("len(sources) = %d, want 2", len(sources))
	}

	first := sources[0]
	if !first.IsLocated() {
		t.Error("first source should be located")
	}
	if !first.HasPowerModel() {
		t.Error("first source should have a power model")
	}
	if *first.TransmittedPower != -42 {
		t.Errorf("TransmittedPower = %g, want -42", *first.TransmittedPower)
	}
	if first.TransmittedPowerStdDev == nil || *first.TransmittedPowerStdDev != 0.5 {
		t.Errorf("TransmittedPowerStdDev = %v, want 0.5", first.TransmittedPowerStdDev)
	}
	if first.PathLossExponent != 2.3 {
		t.Errorf("PathLossExponent = %g, want 2.3", first.PathLossExponent)
	}

	second := sources[1]
	if second.PositionCovariance == nil {
		t.Fatal("second source should carry a position covariance")
	}
	want := 0.2 * 0.2
	if got := second.PositionCovariance.At(0, 0); got != want {
		t.Errorf("PositionCovariance[0,0] = %g, want %g", got, want)
	}
	if got := second.PositionCovariance.At(0, 1); got != 0 {
		t.Errorf("PositionCovariance[0,1] = %g, want 0", got)
	}
}

func TestRegistry(t *testing.T) {
	sources := circleSources(t, 3, 0, 0, 10)

	reg, err := NewRegistry(sources)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg.Len() != 3 {
		t.Errorf("Len() = %d, want 3", reg.Len())
	}

	src, ok := reg.Lookup(sources[1].Bssid)
	if !ok {
		t.Fatalf("Lookup(%q) not found", sources[1].Bssid)
	}
	if src != sources[1] {
		t.Error("Lookup returned a different source")
	}

	if _, ok := reg.Lookup("ff:ff:ff:ff:ff:ff"); ok {
		t.Error("Lookup of unknown bssid should fail")
	}

	// Declaration order is preserved
	got := reg.Sources()
	for i := range sources {
		if got[i] != sources[i] {
			t.Errorf("Sources()[%d] out of order", i)
		}
	}
}

func TestNewRegistry_Duplicates(t *testing.T) {
	sources := circleSources(t, 2, 0, 0, 10)
	dup := append(sources, sources[0])

	_, err := NewRegistry(dup)
	if err == nil {
		t.Fatal("expected error for duplicate bssid, got nil")
	}
}
