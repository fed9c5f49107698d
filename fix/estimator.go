package fix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// modality selects which reading component an estimator consumes.
type modality int

const (
	modalityRanging modality = iota
	modalityRssi
)

// rowSet holds the working arrays one robust pass operates on: one row per
// usable reading, all slices parallel.
type rowSet struct {
	positions  []Position
	distances  []float64
	stdDevs    []float64
	covs       []*mat.SymDense
	bySource   [][]int
	quality    []float64 // nil when no quality scores are set
	readingIdx []int     // row -> fingerprint reading index
}

// estimatorCore is the state shared by the ranging and RSSI estimators:
// configuration, inputs, eagerly rebuilt working arrays and results. The
// concrete estimators add their listener plumbing on top.
type estimatorCore struct {
	mode modality
	cfg  EstimatorConfig

	sources        []*RadioSource
	fingerprint    *Fingerprint
	sourceQuality  []float64
	readingQuality []float64
	initial        Position

	locked bool
	dim    int
	rows   rowSet

	estimated   Position
	covariance  *mat.SymDense
	inliersData *InliersData
}

func newEstimatorCore(mode modality, cfg EstimatorConfig) (*estimatorCore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &estimatorCore{mode: mode, cfg: cfg}, nil
}

func (e *estimatorCore) checkLocked() error {
	if e.locked {
		return ErrLocked
	}
	return nil
}

func (e *estimatorCore) setConfig(cfg EstimatorConfig) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	e.cfg = cfg
	e.rebuild()
	return nil
}

func (e *estimatorCore) setSources(sources []*RadioSource) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("%w: nil or empty sources", ErrInvalidArgument)
	}
	dim := 0
	for i, s := range sources {
		if s == nil {
			return fmt.Errorf("%w: nil source at index %d", ErrInvalidArgument, i)
		}
		if !s.IsLocated() {
			return fmt.Errorf("%w: source %s has no position", ErrInvalidArgument, s.Bssid)
		}
		if i == 0 {
			dim = s.Dim()
		} else if s.Dim() != dim {
			return fmt.Errorf("%w: source %s is %dD, want %dD", ErrInvalidArgument, s.Bssid, s.Dim(), dim)
		}
	}
	if len(sources) < dim+1 {
		return fmt.Errorf("%w: need at least %d sources for %dD, got %d", ErrInvalidArgument, dim+1, dim, len(sources))
	}
	if e.sourceQuality != nil && len(e.sourceQuality) != len(sources) {
		return fmt.Errorf("%w: %d source quality scores do not match %d sources", ErrInvalidArgument, len(e.sourceQuality), len(sources))
	}
	if e.initial != nil && e.initial.Dim() != dim {
		return fmt.Errorf("%w: initial position is %dD, sources are %dD", ErrInvalidArgument, e.initial.Dim(), dim)
	}
	e.sources = sources
	e.dim = dim
	e.rebuild()
	return nil
}

func (e *estimatorCore) setFingerprint(fp *Fingerprint) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if fp == nil {
		return fmt.Errorf("%w: nil fingerprint", ErrInvalidArgument)
	}
	if e.readingQuality != nil && len(e.readingQuality) != fp.Len() {
		return fmt.Errorf("%w: %d reading quality scores do not match %d readings", ErrInvalidArgument, len(e.readingQuality), fp.Len())
	}
	e.fingerprint = fp
	e.rebuild()
	return nil
}

func (e *estimatorCore) setQualityScores(sourceScores, readingScores []float64) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if sourceScores != nil {
		if e.sources != nil && len(sourceScores) != len(e.sources) {
			return fmt.Errorf("%w: %d source quality scores do not match %d sources", ErrInvalidArgument, len(sourceScores), len(e.sources))
		}
		for i, q := range sourceScores {
			if q < 0 {
				return fmt.Errorf("%w: source quality score %d is negative", ErrInvalidArgument, i)
			}
		}
	}
	if readingScores != nil {
		if e.fingerprint != nil && len(readingScores) != e.fingerprint.Len() {
			return fmt.Errorf("%w: %d reading quality scores do not match %d readings", ErrInvalidArgument, len(readingScores), e.fingerprint.Len())
		}
		for i, q := range readingScores {
			if q < 0 {
				return fmt.Errorf("%w: reading quality score %d is negative", ErrInvalidArgument, i)
			}
		}
	}
	e.sourceQuality = sourceScores
	e.readingQuality = readingScores
	e.rebuild()
	return nil
}

func (e *estimatorCore) setInitialPosition(p Position) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if p != nil && e.dim != 0 && p.Dim() != e.dim {
		return fmt.Errorf("%w: initial position is %dD, sources are %dD", ErrInvalidArgument, p.Dim(), e.dim)
	}
	e.initial = p.Clone()
	return nil
}

func (e *estimatorCore) setPreliminarySubsetSize(size int) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("%w: preliminary subset size must be >= 0, got %d", ErrInvalidArgument, size)
	}
	if size > 0 && e.dim != 0 && size < e.dim+1 {
		return fmt.Errorf("%w: preliminary subset size %d below minimal %d", ErrInvalidArgument, size, e.dim+1)
	}
	e.cfg.PreliminarySubsetSize = size
	e.rebuild()
	return nil
}

func (e *estimatorCore) setFallbackDistanceStdDev(std float64) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if std < 0 {
		return fmt.Errorf("%w: fallback distance std-dev must be >= 0, got %g", ErrInvalidArgument, std)
	}
	e.cfg.FallbackDistanceStdDev = std
	e.rebuild()
	return nil
}

// rebuild recomputes the working arrays from the current inputs. It runs
// eagerly on every input change so the estimator state is always consistent
// before the next estimate call.
func (e *estimatorCore) rebuild() {
	e.rows = rowSet{}
	if e.sources == nil || e.fingerprint == nil {
		return
	}
	ordinal := make(map[string]int, len(e.sources))
	for i, s := range e.sources {
		ordinal[s.Bssid] = i
	}
	fallback := e.cfg.fallbackStdDev()
	useQuality := e.sourceQuality != nil || e.readingQuality != nil
	groups := make([][]int, len(e.sources))

	for ri, r := range e.fingerprint.Readings() {
		ord, known := ordinal[r.Source.Bssid]
		if !known {
			continue
		}
		src := e.sources[ord]
		var distance, std float64
		switch e.mode {
		case modalityRanging:
			if !r.HasRanging() {
				continue
			}
			distance = r.Distance
			std = fallback
			if r.DistanceStdDev != nil {
				std = *r.DistanceStdDev
			}
		case modalityRssi:
			if !r.HasRssi() || !src.HasPowerModel() {
				continue
			}
			d, derived, err := RssiToDistanceWithStdDev(src, r.Rssi, r.RssiStdDev)
			if err != nil {
				continue
			}
			distance = d
			std = fallback
			if derived != nil && *derived > 0 {
				std = *derived
			}
		}

		row := len(e.rows.positions)
		e.rows.positions = append(e.rows.positions, src.Position)
		e.rows.distances = append(e.rows.distances, distance)
		e.rows.stdDevs = append(e.rows.stdDevs, std)
		e.rows.covs = append(e.rows.covs, src.PositionCovariance)
		e.rows.readingIdx = append(e.rows.readingIdx, ri)
		groups[ord] = append(groups[ord], row)
		if useQuality {
			q := 0.0
			if e.sourceQuality != nil {
				q += e.sourceQuality[ord]
			}
			if e.readingQuality != nil {
				q += e.readingQuality[ri]
			}
			e.rows.quality = append(e.rows.quality, q)
		}
	}
	for _, g := range groups {
		if len(g) > 0 {
			e.rows.bySource = append(e.rows.bySource, g)
		}
	}
}

// subsetSize resolves the configured preliminary subset size against the
// minimal fit size for the dimension.
func (e *estimatorCore) subsetSize() int {
	min := e.dim + 1
	if e.cfg.PreliminarySubsetSize > min {
		return e.cfg.PreliminarySubsetSize
	}
	return min
}

// ready reports whether an estimate can be attempted.
func (e *estimatorCore) ready() bool {
	if e.sources == nil || e.fingerprint == nil {
		return false
	}
	if len(e.rows.positions) < e.dim+1 || len(e.rows.positions) < e.subsetSize() {
		return false
	}
	if e.cfg.Method.NeedsQualityScores() && (e.sourceQuality == nil || e.readingQuality == nil) {
		return false
	}
	return true
}

func (e *estimatorCore) clearResults() {
	e.estimated = nil
	e.covariance = nil
	e.inliersData = nil
}

// run executes the robust loop over the current working arrays and stores
// the outcome.
func (e *estimatorCore) run(onIteration func(int), onProgress func(float64)) error {
	strat, err := strategyFor(&e.cfg, e.subsetSize())
	if err != nil {
		return err
	}
	solver := &robustSolver{
		cfg:        &e.cfg,
		strategy:   strat,
		positions:  e.rows.positions,
		distances:  e.rows.distances,
		stdDevs:    e.rows.stdDevs,
		sourceCovs: e.rows.covs,
		bySource:   e.rows.bySource,
		quality:    e.rows.quality,
		dim:        e.dim,
		subsetSize: e.subsetSize(),
		rng:        e.cfg.Rng,
		initial:    e.initial,

		onIteration: onIteration,
		onProgress:  onProgress,
	}
	outcome, err := solver.solve()
	if err != nil {
		return err
	}
	e.estimated = outcome.position
	e.covariance = outcome.covariance
	e.inliersData = outcome.inliers
	return nil
}

// Copy-on-read getters shared by both estimators.

func (e *estimatorCore) getEstimatedPosition() Position {
	return e.estimated.Clone()
}

func (e *estimatorCore) getCovariance() *mat.SymDense {
	return e.covariance
}

func (e *estimatorCore) getInliersData() *InliersData {
	return e.inliersData
}

func (e *estimatorCore) getPositions() []Position {
	out := make([]Position, len(e.rows.positions))
	for i, p := range e.rows.positions {
		out[i] = p.Clone()
	}
	return out
}

func (e *estimatorCore) getDistances() []float64 {
	out := make([]float64, len(e.rows.distances))
	copy(out, e.rows.distances)
	return out
}

func (e *estimatorCore) getDistanceStandardDeviations() []float64 {
	out := make([]float64, len(e.rows.stdDevs))
	copy(out, e.rows.stdDevs)
	return out
}
