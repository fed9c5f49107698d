package fix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RangingEstimatorListener observes one estimate call. Callbacks run
// synchronously on the calling goroutine while the estimator is locked, so
// they must not mutate the estimator.
type RangingEstimatorListener interface {
	OnEstimateStart(e *RangingEstimator)
	// OnEstimateEnd fires only when the estimate succeeded.
	OnEstimateEnd(e *RangingEstimator)
	OnEstimateProgressChange(e *RangingEstimator, progress float64)
	OnEstimateNextIteration(e *RangingEstimator, iteration int)
}

// RangingEstimator locates a device from the distance readings of a
// fingerprint against located radio sources, using the configured robust
// method to reject outlying readings.
type RangingEstimator struct {
	core     *estimatorCore
	listener RangingEstimatorListener
}

// NewRangingEstimator validates cfg and returns an estimator with no inputs
// set yet.
func NewRangingEstimator(cfg EstimatorConfig) (*RangingEstimator, error) {
	core, err := newEstimatorCore(modalityRanging, cfg)
	if err != nil {
		return nil, err
	}
	return &RangingEstimator{core: core}, nil
}

// SetSources replaces the located sources. All sources must share one
// dimensionality and carry a position.
func (e *RangingEstimator) SetSources(sources []*RadioSource) error {
	return e.core.setSources(sources)
}

// SetFingerprint replaces the reading fingerprint.
func (e *RangingEstimator) SetFingerprint(fp *Fingerprint) error {
	return e.core.setFingerprint(fp)
}

// SetQualityScores sets the per-source and per-reading sampling weights used
// by the quality-driven robust methods. Both must match the current input
// sizes; nil clears them.
func (e *RangingEstimator) SetQualityScores(sourceScores, readingScores []float64) error {
	return e.core.setQualityScores(sourceScores, readingScores)
}

// SetInitialPosition sets an optional starting position. Nil clears it.
func (e *RangingEstimator) SetInitialPosition(p Position) error {
	return e.core.setInitialPosition(p)
}

// SetPreliminarySubsetSize overrides the per-candidate subset size. Zero
// restores the minimal size for the dimension.
func (e *RangingEstimator) SetPreliminarySubsetSize(size int) error {
	return e.core.setPreliminarySubsetSize(size)
}

// SetFallbackDistanceStdDev overrides the std-dev substituted for readings
// without uncertainty information.
func (e *RangingEstimator) SetFallbackDistanceStdDev(std float64) error {
	return e.core.setFallbackDistanceStdDev(std)
}

// SetConfig replaces the whole configuration.
func (e *RangingEstimator) SetConfig(cfg EstimatorConfig) error {
	return e.core.setConfig(cfg)
}

// SetListener sets the lifecycle listener. Nil clears it.
func (e *RangingEstimator) SetListener(l RangingEstimatorListener) error {
	if err := e.core.checkLocked(); err != nil {
		return err
	}
	e.listener = l
	return nil
}

// Config returns the active configuration.
func (e *RangingEstimator) Config() EstimatorConfig { return e.core.cfg }

// Sources returns the configured sources, nil when unset.
func (e *RangingEstimator) Sources() []*RadioSource { return e.core.sources }

// Fingerprint returns the configured fingerprint, nil when unset.
func (e *RangingEstimator) Fingerprint() *Fingerprint { return e.core.fingerprint }

// SourceQualityScores returns the per-source sampling weights, nil when unset.
func (e *RangingEstimator) SourceQualityScores() []float64 { return e.core.sourceQuality }

// ReadingQualityScores returns the per-reading sampling weights, nil when unset.
func (e *RangingEstimator) ReadingQualityScores() []float64 { return e.core.readingQuality }

// InitialPosition returns the configured starting position, nil when unset.
func (e *RangingEstimator) InitialPosition() Position { return e.core.initial.Clone() }

// Listener returns the lifecycle listener, nil when unset.
func (e *RangingEstimator) Listener() RangingEstimatorListener { return e.listener }

// IsReady reports whether enough usable ranging readings are present for an
// estimate.
func (e *RangingEstimator) IsReady() bool { return e.core.ready() }

// IsLocked reports whether an estimate is in progress.
func (e *RangingEstimator) IsLocked() bool { return e.core.locked }

// MinRequiredReadings returns the smallest number of usable readings that
// makes the estimator ready.
func (e *RangingEstimator) MinRequiredReadings() int { return e.core.subsetSize() }

// EstimatedPosition returns the last estimate, nil before the first
// successful call.
func (e *RangingEstimator) EstimatedPosition() Position { return e.core.getEstimatedPosition() }

// Covariance returns the covariance of the last estimate, nil unless the
// configuration keeps it.
func (e *RangingEstimator) Covariance() *mat.SymDense { return e.core.getCovariance() }

// InliersData returns the diagnostics of the last estimate, nil before the
// first successful call.
func (e *RangingEstimator) InliersData() *InliersData { return e.core.getInliersData() }

// Positions returns the source positions of the current working rows.
func (e *RangingEstimator) Positions() []Position { return e.core.getPositions() }

// Distances returns the measured distances of the current working rows, in
// meters.
func (e *RangingEstimator) Distances() []float64 { return e.core.getDistances() }

// DistanceStandardDeviations returns the per-row distance std-devs, with the
// fallback already applied.
func (e *RangingEstimator) DistanceStandardDeviations() []float64 {
	return e.core.getDistanceStandardDeviations()
}

// Estimate runs one robust pass over the current inputs and returns the
// winning position. The estimator is locked for the duration of the call;
// mutators and reentrant Estimate calls fail with ErrLocked until it returns.
func (e *RangingEstimator) Estimate() (Position, error) {
	if e.core.locked {
		return nil, ErrLocked
	}
	if !e.core.ready() {
		return nil, fmt.Errorf("%w: %d usable ranging readings, need %d", ErrNotReady, len(e.core.rows.positions), e.core.subsetSize())
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
