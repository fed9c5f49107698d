package fix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SequentialConfig carries one configuration block per pass of the
// sequential estimator, each validated and applied independently.
type SequentialConfig struct {
	Ranging EstimatorConfig
	Rssi    EstimatorConfig
	// ProgressDelta is the minimum blended progress fraction between listener
	// notifications. Zero selects the package default.
	ProgressDelta float64
}

// DefaultSequentialConfig returns package defaults for both passes.
func DefaultSequentialConfig() SequentialConfig {
	return SequentialConfig{
		Ranging:       DefaultEstimatorConfig(),
		Rssi:          DefaultEstimatorConfig(),
		ProgressDelta: DefaultProgressDelta,
	}
}

func (c *SequentialConfig) validate() error {
	if err := c.Ranging.validate(); err != nil {
		return fmt.Errorf("ranging: %w", err)
	}
	if err := c.Rssi.validate(); err != nil {
		return fmt.Errorf("rssi: %w", err)
	}
	if c.ProgressDelta < 0 || c.ProgressDelta > 1 {
		return fmt.Errorf("%w: progress delta must be in [0,1], got %g", ErrInvalidArgument, c.ProgressDelta)
	}
	return nil
}

func (c *SequentialConfig) progressDelta() float64 {
	if c.ProgressDelta > 0 {
		return c.ProgressDelta
	}
	return DefaultProgressDelta
}

// SequentialEstimatorListener observes one sequential estimate call.
// Callbacks run synchronously while the estimator is locked; progress blends
// both passes into one [0,1] range.
type SequentialEstimatorListener interface {
	OnEstimateStart(e *SequentialEstimator)
	// OnEstimateEnd fires only when the estimate succeeded.
	OnEstimateEnd(e *SequentialEstimator)
	OnEstimateProgressChange(e *SequentialEstimator, progress float64)
}

// SequentialEstimator locates a device from a combined fingerprint by running
// a robust ranging pass and a robust RSSI pass in sequence. The ranging
// estimate seeds the RSSI pass when the caller gave no initial position, and
// the ranging distance uncertainties calibrate the RSSI fallback std-dev. The
// final position is the RSSI pass result when both passes ran.
type SequentialEstimator struct {
	cfg      SequentialConfig
	ranging  *RangingEstimator
	rssi     *RssiEstimator
	listener SequentialEstimatorListener

	initial Position
	locked  bool

	lastProgress float64

	estimated       Position
	covariance      *mat.SymDense
	rangingPosition Position
	rssiPosition    Position
	rangingInliers  *InliersData
	rssiInliers     *InliersData
}

// NewSequentialEstimator validates cfg and returns an estimator with no
// inputs set yet.
func NewSequentialEstimator(cfg SequentialConfig) (*SequentialEstimator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ranging, err := NewRangingEstimator(cfg.Ranging)
	if err != nil {
		return nil, err
	}
	rssi, err := NewRssiEstimator(cfg.Rssi)
	if err != nil {
		return nil, err
	}
	return &SequentialEstimator{cfg: cfg, ranging: ranging, rssi: rssi}, nil
}

// SetSources replaces the located sources of both passes.
func (s *SequentialEstimator) SetSources(sources []*RadioSource) error {
	if s.locked {
		return ErrLocked
	}
	if err := s.ranging.SetSources(sources); err != nil {
		return err
	}
	return s.rssi.SetSources(sources)
}

// SetFingerprint replaces the combined fingerprint. Each pass picks the
// readings of its own modality out of it.
func (s *SequentialEstimator) SetFingerprint(fp *Fingerprint) error {
	if s.locked {
		return ErrLocked
	}
	if err := s.ranging.SetFingerprint(fp); err != nil {
		return err
	}
	return s.rssi.SetFingerprint(fp)
}

// SetQualityScores sets the sampling weights shared by both passes.
func (s *SequentialEstimator) SetQualityScores(sourceScores, readingScores []float64) error {
	if s.locked {
		return ErrLocked
	}
	if err := s.ranging.SetQualityScores(sourceScores, readingScores); err != nil {
		return err
	}
	return s.rssi.SetQualityScores(sourceScores, readingScores)
}

// SetInitialPosition sets an optional starting position for the sequence.
// When set it also seeds the RSSI pass; when nil the ranging estimate does.
func (s *SequentialEstimator) SetInitialPosition(p Position) error {
	if s.locked {
		return ErrLocked
	}
	if err := s.ranging.SetInitialPosition(p); err != nil {
		return err
	}
	s.initial = p.Clone()
	return nil
}

// SetListener sets the lifecycle listener. Nil clears it.
func (s *SequentialEstimator) SetListener(l SequentialEstimatorListener) error {
	if s.locked {
		return ErrLocked
	}
	s.listener = l
	return nil
}

// SetRangingConfig replaces the ranging pass configuration.
func (s *SequentialEstimator) SetRangingConfig(cfg EstimatorConfig) error {
	if s.locked {
		return ErrLocked
	}
	if err := s.ranging.SetConfig(cfg); err != nil {
		return err
	}
	s.cfg.Ranging = cfg
	return nil
}

// SetRssiConfig replaces the RSSI pass configuration.
func (s *SequentialEstimator) SetRssiConfig(cfg EstimatorConfig) error {
	if s.locked {
		return ErrLocked
	}
	if err := s.rssi.SetConfig(cfg); err != nil {
		return err
	}
	s.cfg.Rssi = cfg
	return nil
}

// SetRangingPreliminarySubsetSize overrides the ranging pass subset size.
func (s *SequentialEstimator) SetRangingPreliminarySubsetSize(size int) error {
	if s.locked {
		return ErrLocked
	}
	if err := s.ranging.SetPreliminarySubsetSize(size); err != nil {
		return err
	}
	s.cfg.Ranging.PreliminarySubsetSize = size
	return nil
}

// SetRssiPreliminarySubsetSize overrides the RSSI pass subset size.
func (s *SequentialEstimator) SetRssiPreliminarySubsetSize(size int) error {
	if s.locked {
		return ErrLocked
	}
	if err := s.rssi.SetPreliminarySubsetSize(size); err != nil {
		return err
	}
	s.cfg.Rssi.PreliminarySubsetSize = size
	return nil
}

// Config returns the active configuration of both passes.
func (s *SequentialEstimator) Config() SequentialConfig { return s.cfg }

// Sources returns the configured sources, nil when unset.
func (s *SequentialEstimator) Sources() []*RadioSource { return s.ranging.Sources() }

// Fingerprint returns the configured fingerprint, nil when unset.
func (s *SequentialEstimator) Fingerprint() *Fingerprint { return s.ranging.Fingerprint() }

// SourceQualityScores returns the per-source sampling weights, nil when unset.
func (s *SequentialEstimator) SourceQualityScores() []float64 { return s.ranging.SourceQualityScores() }

// ReadingQualityScores returns the per-reading sampling weights, nil when unset.
func (s *SequentialEstimator) ReadingQualityScores() []float64 {
	return s.ranging.ReadingQualityScores()
}

// InitialPosition returns the configured starting position, nil when unset.
func (s *SequentialEstimator) InitialPosition() Position { return s.initial.Clone() }

// Listener returns the lifecycle listener, nil when unset.
func (s *SequentialEstimator) Listener() SequentialEstimatorListener { return s.listener }

// IsReady reports whether at least one pass has enough usable readings.
func (s *SequentialEstimator) IsReady() bool {
	return s.ranging.IsReady() || s.rssi.IsReady()
}

// IsLocked reports whether an estimate is in progress.
func (s *SequentialEstimator) IsLocked() bool { return s.locked }

// EstimatedPosition returns the final position of the last estimate, nil
// before the first successful call.
func (s *SequentialEstimator) EstimatedPosition() Position { return s.estimated.Clone() }

// Covariance returns the covariance of the pass that produced the final
// position, nil unless that pass keeps one.
func (s *SequentialEstimator) Covariance() *mat.SymDense { return s.covariance }

// RangingEstimatedPosition returns the ranging pass result of the last
// estimate, nil when the pass did not run.
func (s *SequentialEstimator) RangingEstimatedPosition() Position { return s.rangingPosition.Clone() }

// RssiEstimatedPosition returns the RSSI pass result of the last estimate,
// nil when the pass did not run.
func (s *SequentialEstimator) RssiEstimatedPosition() Position { return s.rssiPosition.Clone() }

// RangingInliersData returns the ranging pass diagnostics of the last
// estimate, nil when the pass did not run.
func (s *SequentialEstimator) RangingInliersData() *InliersData { return s.rangingInliers }

// RssiInliersData returns the RSSI pass diagnostics of the last estimate,
// nil when the pass did not run.
func (s *SequentialEstimator) RssiInliersData() *InliersData { return s.rssiInliers }

// Positions returns the source positions of both passes' working rows,
// ranging rows first.
func (s *SequentialEstimator) Positions() []Position {
	return append(s.ranging.Positions(), s.rssi.Positions()...)
}

// Distances returns the measured and derived distances of both passes'
// working rows, ranging rows first.
func (s *SequentialEstimator) Distances() []float64 {
	return append(s.ranging.Distances(), s.rssi.Distances()...)
}

// DistanceStandardDeviations returns the distance std-devs of both passes'
// working rows, ranging rows first.
func (s *SequentialEstimator) DistanceStandardDeviations() []float64 {
	return append(s.ranging.DistanceStandardDeviations(), s.rssi.DistanceStandardDeviations()...)
}

// Estimate runs the ranging pass, then the RSSI pass, and returns the final
// position. Either pass is skipped when it lacks usable readings; an error in
// a pass that did run aborts the sequence. The estimator is locked for the
// duration of the call.
func (s *SequentialEstimator) Estimate() (Position, error) {
	if s.locked {
		return nil, ErrLocked
	}
	runRanging := s.ranging.IsReady()
	runRssi := s.rssi.IsReady()
	if !runRanging && !runRssi {
		return nil, fmt.Errorf("%w: neither pass has enough usable readings", ErrNotReady)
	}
	s.locked = true
	defer func() { s.locked = false }()

	s.clearResults()
	if s.listener != nil {
		s.listener.OnEstimateStart(s)
	}

	// Blend per-pass progress into one range: each pass that runs owns an
	// equal share of [0,1].
	span := 1.0
	if runRanging && runRssi {
		span = 0.5
	}
	base := 0.0

	if runRanging {
		s.ranging.SetListener(&rangingProgressForwarder{fn: s.progressEmitter(base, span)})
		p, err := s.ranging.Estimate()
		s.ranging.SetListener(nil)
		if err != nil {
			return nil, fmt.Errorf("ranging pass: %w", err)
		}
		s.rangingPosition = p
		s.rangingInliers = s.ranging.InliersData()
		base += span
	}

	if runRssi {
		seed := s.initial
		if seed == nil {
			seed = s.rangingPosition
		}
		if err := s.rssi.SetInitialPosition(seed); err != nil {
			return nil, err
		}
		if runRanging {
			// Hand the ranging uncertainty scale to the RSSI pass so derived
			// distances without a propagated std-dev weigh comparably.
			if med := medianOf(s.ranging.DistanceStandardDeviations()); med > 0 {
				if err := s.rssi.SetFallbackDistanceStdDev(med); err != nil {
					return nil, err
				}
			}
		}
		s.rssi.SetListener(&rssiProgressForwarder{fn: s.progressEmitter(base, span)})
		p, err := s.rssi.Estimate()
		s.rssi.SetListener(nil)
		if err != nil {
			return nil, fmt.Errorf("rssi pass: %w", err)
		}
		s.rssiPosition = p
		s.rssiInliers = s.rssi.InliersData()
	}

	if runRssi {
		s.estimated = s.rssiPosition
		s.covariance = s.rssi.Covariance()
	} else {
		s.estimated = s.rangingPosition
		s.covariance = s.ranging.Covariance()
	}

	if s.listener != nil && s.lastProgress < 1 {
		s.lastProgress = 1
		s.listener.OnEstimateProgressChange(s, 1)
	}
	if s.listener != nil {
		s.listener.OnEstimateEnd(s)
	}
	return s.estimated.Clone(), nil
}

func (s *SequentialEstimator) clearResults() {
	s.estimated = nil
	s.covariance = nil
	s.rangingPosition = nil
	s.rssiPosition = nil
	s.rangingInliers = nil
	s.rssiInliers = nil
	s.lastProgress = 0
}

// progressEmitter maps a pass-local progress fraction into the blended range
// and forwards it to the listener, gated by the configured delta.
func (s *SequentialEstimator) progressEmitter(base, span float64) func(float64) {
	return func(passProgress float64) {
		if s.listener == nil {
			return
		}
		blended := base + span*passProgress
		if blended > 1 {
			blended = 1
		}
		if blended-s.lastProgress < s.cfg.progressDelta() {
			return
		}
		s.lastProgress = blended
		s.listener.OnEstimateProgressChange(s, blended)
	}
}

// rangingProgressForwarder adapts the ranging listener interface down to a
// progress callback for the sequential blend.
type rangingProgressForwarder struct{ fn func(float64) }

func (f *rangingProgressForwarder) OnEstimateStart(*RangingEstimator) {}
func (f *rangingProgressForwarder) OnEstimateEnd(*RangingEstimator)  {}
func (f *rangingProgressForwarder) OnEstimateProgressChange(_ *RangingEstimator, p float64) {
	f.fn(p)
}
func (f *rangingProgressForwarder) OnEstimateNextIteration(*RangingEstimator, int) {}

type rssiProgressForwarder struct{ fn func(float64) }

func (f *rssiProgressForwarder) OnEstimateStart(*RssiEstimator) {}
func (f *rssiProgressForwarder) OnEstimateEnd(*RssiEstimator)   {}
func (f *rssiProgressForwarder) OnEstimateProgressChange(_ *RssiEstimator, p float64) {
	f.fn(p)
}
func (f *rssiProgressForwarder) OnEstimateNextIteration(*RssiEstimator, int) {}
