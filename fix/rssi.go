package fix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RssiEstimatorListener observes one estimate call. Callbacks run
// synchronously on the calling goroutine while the estimator is locked, so
// they must not mutate the estimator.
type RssiEstimatorListener interface {
	OnEstimateStart(e *RssiEstimator)
	// OnEstimateEnd fires only when the estimate succeeded.
	OnEstimateEnd(e *RssiEstimator)
	OnEstimateProgressChange(e *RssiEstimator, progress float64)
	OnEstimateNextIteration(e *RssiEstimator, iteration int)
}

// RssiEstimator locates a device from the RSSI readings of a fingerprint.
// Each reading is converted to a distance through the path-loss model of its
// source, so only readings whose source carries a power model participate.
type RssiEstimator struct {
	core     *estimatorCore
	listener RssiEstimatorListener
}

// NewRssiEstimator validates cfg and returns an estimator with no inputs set
// yet.
func NewRssiEstimator(cfg EstimatorConfig) (*RssiEstimator, error) {
	core, err := newEstimatorCore(modalityRssi, cfg)
	if err != nil {
		return nil, err
	}
	return &RssiEstimator{core: core}, nil
}

// SetSources replaces the located sources. All sources must share one
// dimensionality and carry a position.
func (e *RssiEstimator) SetSources(sources []*RadioSource) error {
	return e.core.setSources(sources)
}

// SetFingerprint replaces the reading fingerprint.
func (e *RssiEstimator) SetFingerprint(fp *Fingerprint) error {
	return e.core.setFingerprint(fp)
}

// SetQualityScores sets the per-source and per-reading sampling weights used
// by the quality-driven robust methods. Both must match the current input
// sizes; nil clears them.
func (e *RssiEstimator) SetQualityScores(sourceScores, readingScores []float64) error {
	return e.core.setQualityScores(sourceScores, readingScores)
}

// SetInitialPosition sets an optional starting position, typically the
// result of a ranging pass. Nil clears it.
func (e *RssiEstimator) SetInitialPosition(p Position) error {
	return e.core.setInitialPosition(p)
}

// SetPreliminarySubsetSize overrides the per-candidate subset size. Zero
// restores the minimal size for the dimension.
func (e *RssiEstimator) SetPreliminarySubsetSize(size int) error {
	return e.core.setPreliminarySubsetSize(size)
}

// SetFallbackDistanceStdDev overrides the std-dev substituted for derived
// distances whose reading carries no uncertainty information.
func (e *RssiEstimator) SetFallbackDistanceStdDev(std float64) error {
	return e.core.setFallbackDistanceStdDev(std)
}

// SetConfig replaces the whole configuration.
func (e *RssiEstimator) SetConfig(cfg EstimatorConfig) error {
	return e.core.setConfig(cfg)
}

// SetListener sets the lifecycle listener. Nil clears it.
func (e *RssiEstimator) SetListener(l RssiEstimatorListener) error {
	if err := e.core.checkLocked(); err != nil {
		return err
	}
	e.listener = l
	return nil
}

// Config returns the active configuration.
func (e *RssiEstimator) Config() EstimatorConfig { return e.core.cfg }

// Sources returns the configured sources, nil when unset.
func (e *RssiEstimator) Sources() []*RadioSource { return e.core.sources }

// Fingerprint returns the configured fingerprint, nil when unset.
func (e *RssiEstimator) Fingerprint() *Fingerprint { return e.core.fingerprint }

// SourceQualityScores returns the per-source sampling weights, nil when unset.
func (e *RssiEstimator) SourceQualityScores() []float64 { return e.core.sourceQuality }

// ReadingQualityScores returns the per-reading sampling weights, nil when unset.
func (e *RssiEstimator) ReadingQualityScores() []float64 { return e.core.readingQuality }

// InitialPosition returns the configured starting position, nil when unset.
func (e *RssiEstimator) InitialPosition() Position { return e.core.initial.Clone() }

// Listener returns the lifecycle listener, nil when unset.
func (e *RssiEstimator) Listener() RssiEstimatorListener { return e.listener }

// IsReady reports whether enough usable RSSI readings are present for an
// estimate.
func (e *RssiEstimator) IsReady() bool { return e.core.ready() }

// IsLocked reports whether an estimate is in progress.
func (e *RssiEstimator) IsLocked() bool { return e.core.locked }

// MinRequiredReadings returns the smallest number of usable readings that
// makes the estimator ready.
func (e *RssiEstimator) MinRequiredReadings() int { return e.core.subsetSize() }

// EstimatedPosition returns the last estimate, nil before the first
// successful call.
func (e *RssiEstimator) EstimatedPosition() Position { return e.core.getEstimatedPosition() }

// Covariance returns the covariance of the last estimate, nil unless the
// configuration keeps it.
func (e *RssiEstimator) Covariance() *mat.SymDense { return e.core.getCovariance() }

// InliersData returns the diagnostics of the last estimate, nil before the
// first successful call.
func (e *RssiEstimator) InliersData() *InliersData { return e.core.getInliersData() }

// Positions returns the source positions of the current working rows.
func (e *RssiEstimator) Positions() []Position { return e.core.getPositions() }

// Distances returns the path-loss derived distances of the current working
// rows, in meters.
func (e *RssiEstimator) Distances() []float64 { return e.core.getDistances() }

// DistanceStandardDeviations returns the per-row distance std-devs, either
// propagated from the power model or the fallback.
func (e *RssiEstimator) DistanceStandardDeviations() []float64 {
	return e.core.getDistanceStandardDeviations()
}

// Estimate runs one robust pass over the current inputs and returns the
// winning position. The estimator is locked for the duration of the call;
// mutators and reentrant Estimate calls fail with ErrLocked until it returns.
func (e *RssiEstimator) Estimate() (Position, error) {
	if e.core.locked {
		return nil, ErrLocked
	}
	if !e.core.ready() {
		return nil, fmt.Errorf("%w: %d usable rssi readings, need %d", ErrNotReady, len(e.core.rows.positions), e.core.subsetSize())
	}
	e.core.locked = true
	defer func() { e.core.locked = false }()

	e.core.clearResults()
	if e.listener != nil {
		e.listener.OnEstimateStart(e)
	}
	err := e.core.run(
		func(iteration int) {
			if e.listener != nil {
				e.listener.OnEstimateNextIteration(e, iteration)
			}
		},
		func(progress float64) {
			if e.listener != nil {
				e.listener.OnEstimateProgressChange(e, progress)
			}
		},
	)
	if err != nil {
		return nil, err
	}
	if e.listener != nil {
		e.listener.OnEstimateEnd(e)
	}
	return e.core.estimated.Clone(), nil
}
