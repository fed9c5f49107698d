package fix

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// SourceConfig declares one access point in the service configuration.
type SourceConfig struct {
	Bssid     string    `yaml:"bssid" json:"bssid"`
	Frequency float64   `yaml:"frequency" json:"frequency"` // Hz
	Position  []float64 `yaml:"position" json:"position"`   // meters, [x y] or [x y z]

	// PositionStdDev expands to a diagonal position covariance, per axis.
	PositionStdDev *float64 `yaml:"positionStdDev,omitempty" json:"positionStdDev,omitempty"`

	// Power model. A source without transmittedPower serves ranging readings
	// only.
	TransmittedPower       *float64 `yaml:"transmittedPower,omitempty" json:"transmittedPower,omitempty"` // dBm
	TransmittedPowerStdDev *float64 `yaml:"transmittedPowerStdDev,omitempty" json:"transmittedPowerStdDev,omitempty"`
	PathLossExponent       *float64 `yaml:"pathLossExponent,omitempty" json:"pathLossExponent,omitempty"`
	PathLossExponentStdDev *float64 `yaml:"pathLossExponentStdDev,omitempty" json:"pathLossExponentStdDev,omitempty"`
}

// MQTTSettings holds MQTT connection settings. Environment variables
// MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and MQTT_PASSWORD override the
// file values at connect time.
type MQTTSettings struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	ScanTopic     string `yaml:"scanTopic,omitempty" json:"scanTopic,omitempty"`         // subscription filter, last level is the tag ID
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"` // topic prefix for published fixes
}

// HTTPSettings holds the HTTP API settings.
type HTTPSettings struct {
	Listen       string `yaml:"listen,omitempty" json:"listen,omitempty"`
	FloorPlanURL string `yaml:"floorPlanUrl,omitempty" json:"floorPlanUrl,omitempty"` // GeoJSON floor plan to fetch at startup
}

// PassSettings overrides individual robust-estimation knobs of one pass.
// Unset fields keep the package defaults.
type PassSettings struct {
	Method                 string   `yaml:"method,omitempty" json:"method,omitempty"`
	Confidence             *float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	MaxIterations          *int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	InlierThreshold        *float64 `yaml:"inlierThreshold,omitempty" json:"inlierThreshold,omitempty"` // meters
	SubsetSize             *int     `yaml:"subsetSize,omitempty" json:"subsetSize,omitempty"`
	RefineResult           *bool    `yaml:"refineResult,omitempty" json:"refineResult,omitempty"`
	SpreadAcrossSources    *bool    `yaml:"spreadAcrossSources,omitempty" json:"spreadAcrossSources,omitempty"`
	FallbackDistanceStdDev *float64 `yaml:"fallbackDistanceStdDev,omitempty" json:"fallbackDistanceStdDev,omitempty"` // meters
}

// EstimatorSettings groups the per-pass overrides.
type EstimatorSettings struct {
	Ranging PassSettings `yaml:"ranging,omitempty" json:"ranging,omitempty"`
	Rssi    PassSettings `yaml:"rssi,omitempty" json:"rssi,omitempty"`
}

// CollectorSettings controls the per-tag scan buffering.
type CollectorSettings struct {
	WindowSeconds float64 `yaml:"windowSeconds,omitempty" json:"windowSeconds,omitempty"` // debounce window, default 2s
	MaxReadings   int     `yaml:"maxReadings,omitempty" json:"maxReadings,omitempty"`     // per-window cap, default 256
	HistoryLimit  int     `yaml:"historyLimit,omitempty" json:"historyLimit,omitempty"`   // retained fixes per tag, default 100
}

// Window returns the debounce window as a duration.
func (c CollectorSettings) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.WindowSeconds * float64(time.Second))
}

// ServiceConfig is the full service configuration file.
type ServiceConfig struct {
	MQTT      MQTTSettings      `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP      HTTPSettings      `yaml:"http,omitempty" json:"http,omitempty"`
	Sources   []SourceConfig    `yaml:"sources" json:"sources"`
	Estimator EstimatorSettings `yaml:"estimator,omitempty" json:"estimator,omitempty"`
	Collector CollectorSettings `yaml:"collector,omitempty" json:"collector,omitempty"`
}

// LoadServiceConfig loads and validates the service configuration from a
// YAML file.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config ServiceConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveServiceConfig writes the configuration to a YAML file.
func SaveServiceConfig(path string, config *ServiceConfig) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks every field of the configuration.
func (c *ServiceConfig) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be defined")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, sc := range c.Sources {
		if sc.Bssid == "" {
			return fmt.Errorf("sources[%d].bssid is required", i)
		}
		if seen[sc.Bssid] {
			return fmt.Errorf("sources[%d]: duplicate bssid %s", i, sc.Bssid)
		}
		seen[sc.Bssid] = true
		if sc.Frequency <= 0 {
			return fmt.Errorf("sources[%d].frequency must be > 0 for %s", i, sc.Bssid)
		}
		if d := len(sc.Position); d != 2 && d != 3 {
			return fmt.Errorf("sources[%d].position must have 2 or 3 coordinates for %s, got %d", i, sc.Bssid, d)
		}
		if sc.PositionStdDev != nil && *sc.PositionStdDev <= 0 {
			return fmt.Errorf("sources[%d].positionStdDev must be > 0 for %s", i, sc.Bssid)
		}
		if sc.TransmittedPowerStdDev != nil {
			if sc.TransmittedPower == nil {
				return fmt.Errorf("sources[%d].transmittedPowerStdDev set without transmittedPower for %s", i, sc.Bssid)
			}
			if *sc.TransmittedPowerStdDev <= 0 {
				return fmt.Errorf("sources[%d].transmittedPowerStdDev must be > 0 for %s", i, sc.Bssid)
			}
		}
		if sc.PathLossExponent != nil && *sc.PathLossExponent <= 0 {
			return fmt.Errorf("sources[%d].pathLossExponent must be > 0 for %s", i, sc.Bssid)
		}
		if sc.PathLossExponentStdDev != nil && *sc.PathLossExponentStdDev <= 0 {
			return fmt.Errorf("sources[%d].pathLossExponentStdDev must be > 0 for %s", i, sc.Bssid)
		}
	}

	// All registry positions must share one dimension.
	dim := len(c.Sources[0].Position)
	for i, sc := range c.Sources {
		if len(sc.Position) != dim {
			return fmt.Errorf("sources[%d].position is %dD but sources[0] is %dD", i, len(sc.Position), dim)
		}
	}

	if err := c.Estimator.Ranging.check("estimator.ranging"); err != nil {
		return err
	}
	if err := c.Estimator.Rssi.check("estimator.rssi"); err != nil {
		return err
	}
	if c.Collector.WindowSeconds < 0 {
		return fmt.Errorf("collector.windowSeconds must be >= 0")
	}
	if c.Collector.MaxReadings < 0 {
		return fmt.Errorf("collector.maxReadings must be >= 0")
	}
	if c.Collector.HistoryLimit < 0 {
		return fmt.Errorf("collector.historyLimit must be >= 0")
	}
	return nil
}

func (p *PassSettings) check(prefix string) error {
	if p.Method != "" {
		if _, err := ParseRobustMethod(p.Method); err != nil {
			return fmt.Errorf("%s.method: %v", prefix, err)
		}
	}
	if p.Confidence != nil && (*p.Confidence <= 0 || *p.Confidence >= 1) {
		return fmt.Errorf("%s.confidence must be in (0,1)", prefix)
	}
	if p.MaxIterations != nil && *p.MaxIterations <= 0 {
		return fmt.Errorf("%s.maxIterations must be > 0", prefix)
	}
	if p.InlierThreshold != nil && *p.InlierThreshold <= 0 {
		return fmt.Errorf("%s.inlierThreshold must be > 0", prefix)
	}
	if p.SubsetSize != nil && *p.SubsetSize <= 0 {
		return fmt.Errorf("%s.subsetSize must be > 0", prefix)
	}
	if p.FallbackDistanceStdDev != nil && *p.FallbackDistanceStdDev <= 0 {
		return fmt.Errorf("%s.fallbackDistanceStdDev must be > 0", prefix)
	}
	return nil
}

// apply merges the overrides into cfg.
func (p *PassSettings) apply(cfg *EstimatorConfig) error {
	if p.Method != "" {
		m, err := ParseRobustMethod(p.Method)
		if err != nil {
			return err
		}
		cfg.Method = m
	}
	if p.Confidence != nil {
		cfg.Confidence = *p.Confidence
	}
	if p.MaxIterations != nil {
		cfg.MaxIterations = *p.MaxIterations
	}
	if p.InlierThreshold != nil {
		cfg.Threshold = *p.InlierThreshold
	}
	if p.SubsetSize != nil {
		cfg.PreliminarySubsetSize = *p.SubsetSize
	}
	if p.RefineResult != nil {
		cfg.RefineResult = *p.RefineResult
	}
	if p.SpreadAcrossSources != nil {
		cfg.EvenlyDistributeReadings = *p.SpreadAcrossSources
	}
	if p.FallbackDistanceStdDev != nil {
		cfg.FallbackDistanceStdDev = *p.FallbackDistanceStdDev
	}
	return nil
}

// SequentialConfig builds the two-pass estimator configuration from the
// package defaults and the file overrides.
func (c *ServiceConfig) SequentialConfig() (SequentialConfig, error) {
	cfg := DefaultSequentialConfig()
	if err := c.Estimator.Ranging.apply(&cfg.Ranging); err != nil {
		return cfg, fmt.Errorf("estimator.ranging: %w", err)
	}
	if err := c.Estimator.Rssi.apply(&cfg.Rssi); err != nil {
		return cfg, fmt.Errorf("estimator.rssi: %w", err)
	}
	return cfg, nil
}

// ParseRobustMethod parses a method name, case insensitive.
func ParseRobustMethod(s string) (RobustMethod, error) {
	m := RobustMethod(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown robust method %q", s)
	}
	return m, nil
}

// ScanTopic returns the configured scan subscription filter or the default.
func (c *ServiceConfig) ScanTopic() string {
	if c.MQTT.ScanTopic != "" {
		return c.MQTT.ScanTopic
	}
	return "radiofix/scan/+"
}

// PublishPrefix returns the configured publish prefix or the default.
func (c *ServiceConfig) PublishPrefix() string {
	if c.MQTT.PublishPrefix != "" {
		return c.MQTT.PublishPrefix
	}
	return "radiofix"
}

// Listen returns the configured HTTP listen address or the default.
func (c *ServiceConfig) Listen() string {
	if c.HTTP.Listen != "" {
		return c.HTTP.Listen
	}
	return ":8080"
}

// BuildSources converts the source declarations into located radio sources.
func (c *ServiceConfig) BuildSources() ([]*RadioSource, error) {
	out := make([]*RadioSource, 0, len(c.Sources))
	for i, sc := range c.Sources {
		src, err := NewLocatedRadioSource(sc.Bssid, sc.Frequency, Position(sc.Position))
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if sc.TransmittedPower != nil {
			power := *sc.TransmittedPower
			src.TransmittedPower = &power
		}
		if sc.TransmittedPowerStdDev != nil {
			if err := src.SetTransmittedPowerStdDev(*sc.TransmittedPowerStdDev); err != nil {
				return nil, fmt.Errorf("sources[%d]: %w", i, err)
			}
		}
		if sc.PathLossExponent != nil {
			if err := src.SetPathLossExponent(*sc.PathLossExponent); err != nil {
				return nil, fmt.Errorf("sources[%d]: %w", i, err)
			}
		}
		if sc.PathLossExponentStdDev != nil {
			if err := src.SetPathLossExponentStdDev(*sc.PathLossExponentStdDev); err != nil {
				return nil, fmt.Errorf("sources[%d]: %w", i, err)
			}
		}
		if sc.PositionStdDev != nil {
			dim := src.Dim()
			cov := mat.NewSymDense(dim, nil)
			v := (*sc.PositionStdDev) * (*sc.PositionStdDev)
			for d := 0; d < dim; d++ {
				cov.SetSym(d, d, v)
			}
			if err := src.SetPositionCovariance(cov); err != nil {
				return nil, fmt.Errorf("sources[%d]: %w", i, err)
			}
		}
		out = append(out, src)
	}
	return out, nil
}

// Registry indexes located sources by BSSID for scan decoding.
type Registry struct {
	byBssid map[string]*RadioSource
	order   []*RadioSource
}

// NewRegistry builds a registry from sources, rejecting duplicates.
func NewRegistry(sources []*RadioSource) (*Registry, error) {
	r := &Registry{byBssid: make(map[string]*RadioSource, len(sources))}
	for _, src := range sources {
		if src == nil {
			return nil, fmt.Errorf("%w: nil source", ErrInvalidArgument)
		}
		if _, dup := r.byBssid[src.Bssid]; dup {
			return nil, fmt.Errorf("%w: duplicate bssid %s", ErrInvalidArgument, src.Bssid)
		}
		r.byBssid[src.Bssid] = src
		r.order = append(r.order, src)
	}
	return r, nil
}

// BuildRegistry builds the registry straight from the configuration.
func (c *ServiceConfig) BuildRegistry() (*Registry, error) {
	sources, err := c.BuildSources()
	if err != nil {
		return nil, err
	}
	return NewRegistry(sources)
}

// Lookup returns the source with the given BSSID.
func (r *Registry) Lookup(bssid string) (*RadioSource, bool) {
	src, ok := r.byBssid[bssid]
	return src, ok
}

// Sources returns all sources in declaration order.
func (r *Registry) Sources() []*RadioSource {
	out := make([]*RadioSource, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	return len(r.order)
}
