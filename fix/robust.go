package fix

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
)

// RobustMethod selects the consensus strategy used by the robust loop.
type RobustMethod string

const (
	MethodRansac  RobustMethod = "ransac"
	MethodLmeds   RobustMethod = "lmeds"
	MethodMsac    RobustMethod = "msac"
	MethodProsac  RobustMethod = "prosac"
	MethodPromeds RobustMethod = "promeds"
)

// Valid reports whether m names a supported method.
func (m RobustMethod) Valid() bool {
	switch m {
	case MethodRansac, MethodLmeds, MethodMsac, MethodProsac, MethodPromeds:
		return true
	}
	return false
}

// NeedsQualityScores reports whether the method samples subsets by
// caller-supplied quality scores.
func (m RobustMethod) NeedsQualityScores() bool {
	return m == MethodProsac || m == MethodPromeds
}

// NeedsThreshold reports whether the method requires a positive inlier
// threshold. For the median-based methods the threshold is an optional early
// stop instead.
func (m RobustMethod) NeedsThreshold() bool {
	return m == MethodRansac || m == MethodMsac || m == MethodProsac
}

const (
	// DefaultConfidence is the probability that at least one sampled subset
	// is outlier free, driving the adaptive iteration bound.
	DefaultConfidence = 0.99
	// DefaultMaxIterations caps the robust loop regardless of confidence.
	DefaultMaxIterations = 5000
	// DefaultInlierThreshold is the residual cutoff in meters for the
	// threshold-based methods.
	DefaultInlierThreshold = 1.0
	// DefaultProgressDelta is the minimum fractional progress between two
	// listener progress notifications.
	DefaultProgressDelta = 0.05
	// DefaultFallbackDistanceStdDev weighs readings that carry no
	// uncertainty of their own (meters). With a uniform fallback all such
	// readings weigh equally.
	DefaultFallbackDistanceStdDev = 1.0
)

// EstimatorConfig carries the settings of one robust estimation pass. The
// zero value is not usable; start from DefaultEstimatorConfig.
type EstimatorConfig struct {
	Method        RobustMethod
	Confidence    float64 // in (0,1)
	MaxIterations int
	// Threshold is the inlier residual cutoff in meters for RANSAC, MSAC and
	// PROSAC. For LMedS and PROMedS a positive value stops the loop early
	// once the best median residual drops below it.
	Threshold float64
	// PreliminarySubsetSize is the number of readings per candidate fit.
	// Zero means the minimal size for the dimension (dim+1).
	PreliminarySubsetSize int
	// RefinePreliminary refines each candidate fit before scoring it.
	RefinePreliminary bool
	// RefineResult recomputes the final position from the consensus set.
	RefineResult bool
	// KeepCovariance propagates a covariance from the final refinement.
	KeepCovariance bool
	// UseHomogeneousLinearSolver selects the SVD-based linear stage.
	UseHomogeneousLinearSolver bool
	// EvenlyDistributeReadings spreads each subset across distinct sources
	// instead of concentrating on one source's repeated readings.
	EvenlyDistributeReadings bool
	// UseSourcePositionCovariance inflates residual variances with the
	// source position covariance during the final refinement.
	UseSourcePositionCovariance bool
	// FallbackDistanceStdDev substitutes for readings without uncertainty
	// information, in meters. Zero selects the package default.
	FallbackDistanceStdDev float64
	// ProgressDelta is the minimum progress fraction between listener
	// notifications. Zero selects the package default.
	ProgressDelta float64
	// Rng drives subset sampling. Nil seeds a generator from the clock;
	// inject a fixed-seed generator for reproducible runs.
	Rng *rand.Rand
}

// DefaultEstimatorConfig returns the package defaults: RANSAC with a 1 m
// threshold, refined result with covariance.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Method:                 MethodRansac,
		Confidence:             DefaultConfidence,
		MaxIterations:          DefaultMaxIterations,
		Threshold:              DefaultInlierThreshold,
		RefineResult:           true,
		KeepCovariance:         true,
		FallbackDistanceStdDev: DefaultFallbackDistanceStdDev,
		ProgressDelta:          DefaultProgressDelta,
	}
}

func (c *EstimatorConfig) validate() error {
	if !c.Method.Valid() {
		return fmt.Errorf("%w: unknown robust method %q", ErrInvalidArgument, c.Method)
	}
	if c.Confidence <= 0 || c.Confidence >= 1 {
		return fmt.Errorf("%w: confidence must be in (0,1), got %g", ErrInvalidArgument, c.Confidence)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: max iterations must be > 0, got %d", ErrInvalidArgument, c.MaxIterations)
	}
	if c.Method.NeedsThreshold() && c.Threshold <= 0 {
		return fmt.Errorf("%w: method %s requires a threshold > 0", ErrInvalidArgument, c.Method)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be >= 0, got %g", ErrInvalidArgument, c.Threshold)
	}
	if c.PreliminarySubsetSize < 0 {
		return fmt.Errorf("%w: preliminary subset size must be >= 0, got %d", ErrInvalidArgument, c.PreliminarySubsetSize)
	}
	if c.FallbackDistanceStdDev < 0 {
		return fmt.Errorf("%w: fallback distance std-dev must be >= 0, got %g", ErrInvalidArgument, c.FallbackDistanceStdDev)
	}
	if c.ProgressDelta < 0 || c.ProgressDelta > 1 {
		return fmt.Errorf("%w: progress delta must be in [0,1], got %g", ErrInvalidArgument, c.ProgressDelta)
	}
	return nil
}

// fallbackStdDev resolves the configured fallback, applying the default.
func (c *EstimatorConfig) fallbackStdDev() float64 {
	if c.FallbackDistanceStdDev > 0 {
		return c.FallbackDistanceStdDev
	}
	return DefaultFallbackDistanceStdDev
}

func (c *EstimatorConfig) progressDelta() float64 {
	if c.ProgressDelta > 0 {
		return c.ProgressDelta
	}
	return DefaultProgressDelta
}

// InliersData records, for one robust pass, which readings were classified
// inliers, their residuals against the winning position, and the winning
// consensus score (inlier count for RANSAC and PROSAC, capped loss for MSAC,
// median residual for LMedS and PROMedS).
type InliersData struct {
	Inliers    []bool
	Residuals  []float64
	NumInliers int
	BestScore  float64
}

// candidateScore ranks one candidate position against the full reading set.
type candidateScore struct {
	valid       bool
	inlierCount int
	residual    float64 // method specific: total inlier residual, capped loss, or median
	sigma       float64 // robust scale, median methods only
}

// consensusStrategy is implemented once per robust method over the shared
// iterate-score-refine skeleton.
type consensusStrategy interface {
	// score evaluates a candidate's residuals over the full reading set.
	// quality is the per-reading sampling weight, nil unless the method is
	// progressive.
	score(res, quality []float64) candidateScore
	// better reports whether a is a stronger consensus than b.
	better(a, b candidateScore) bool
	// inliers returns the inlier mask implied by a score.
	inliers(res []float64, best candidateScore) []bool
	// value is the externally reported consensus score.
	value(best candidateScore) float64
	// progressive reports whether subsets are drawn by quality weighting.
	progressive() bool
	// stop reports whether the search may end before the iteration bound.
	stop(best candidateScore) bool
}

// strategyFor builds the scoring strategy for the configured method.
// subsetSize must already be resolved to the actual preliminary subset size.
func strategyFor(cfg *EstimatorConfig, subsetSize int) (consensusStrategy, error) {
	switch cfg.Method {
	case MethodRansac:
		return &ransacStrategy{threshold: cfg.Threshold}, nil
	case MethodMsac:
		return &msacStrategy{threshold: cfg.Threshold}, nil
	case MethodLmeds:
		return &lmedsStrategy{stopThreshold: cfg.Threshold, subsetSize: subsetSize}, nil
	case MethodProsac:
		return &prosacStrategy{ransacStrategy{threshold: cfg.Threshold}}, nil
	case MethodPromeds:
		return &promedsStrategy{lmedsStrategy{stopThreshold: cfg.Threshold, subsetSize: subsetSize}}, nil
	}
	return nil, fmt.Errorf("%w: unknown robust method %q", ErrInvalidArgument, cfg.Method)
}

// robustSolver runs the consensus loop over prepared working arrays. One
// instance serves one estimate call.
type robustSolver struct {
	cfg      *EstimatorConfig
	strategy consensusStrategy

	positions  []Position
	distances  []float64
	stdDevs    []float64
	sourceCovs []*mat.SymDense
	bySource   [][]int   // reading indices grouped by source ordinal
	quality    []float64 // per-reading sampling weight, nil unless progressive

	dim        int
	subsetSize int
	rng        *rand.Rand

	// initial, when set, is scored as a zeroth candidate before any subset is
	// drawn and seeds the refinement of preliminary fits.
	initial Position

	onIteration func(int)
	onProgress  func(float64)
}

// robustOutcome is the winning position with its diagnostics.
type robustOutcome struct {
	position   Position
	covariance *mat.SymDense
	inliers    *InliersData
}

func (s *robustSolver) solve() (*robustOutcome, error) {
	n := len(s.positions)
	minFit := s.dim + 1
	if s.subsetSize < minFit {
		s.subsetSize = minFit
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	candidateSolver := &LaterationSolver{
		Homogeneous:   s.cfg.UseHomogeneousLinearSolver,
		Refine:        s.cfg.RefinePreliminary,
		MaxIterations: DefaultRefinementIterations,
		Tolerance:     DefaultRefinementTolerance,
	}

	var (
		best    candidateScore
		bestPos Position
		bestRes []float64
	)
	maxIter := s.cfg.MaxIterations
	required := maxIter
	progressStep := s.cfg.progressDelta()
	lastProgress := 0.0

	// A caller-supplied starting position competes as a zeroth candidate: if
	// it already explains most readings, the adaptive bound collapses and few
	// subsets are drawn.
	if s.initial != nil && s.initial.Dim() == s.dim {
		res := s.residuals(s.initial)
		if sc := s.strategy.score(res, s.quality); sc.valid {
			best = sc
			bestPos = s.initial.Clone()
			bestRes = res
			w := float64(sc.inlierCount) / float64(n)
			required = adaptiveIterations(s.cfg.Confidence, w, s.subsetSize, maxIter)
		}
	}

	subsetPos := make([]Position, s.subsetSize)
	subsetDist := make([]float64, s.subsetSize)
	subsetStd := make([]float64, s.subsetSize)

	for iter := 0; iter < maxIter && iter < required; iter++ {
		subset := s.drawSubset()
		for k, idx := range subset {
			subsetPos[k] = s.positions[idx]
			subsetDist[k] = s.distances[idx]
			subsetStd[k] = s.stdDevs[idx]
		}

		var seed Position
		if s.cfg.RefinePreliminary {
			seed = s.initial
		}
		// A degenerate subset (collinear or duplicated sources) is a local,
		// expected outcome: the candidate simply scores worst and the loop
		// moves on.
		cand, _, err := candidateSolver.Solve(subsetPos, subsetDist, subsetStd, nil, seed)
		if err == nil {
			res := s.residuals(cand)
			sc := s.strategy.score(res, s.quality)
			if sc.valid && (!best.valid || s.strategy.better(sc, best)) {
				best = sc
				bestPos = cand
				bestRes = res
				w := float64(sc.inlierCount) / float64(n)
				required = adaptiveIterations(s.cfg.Confidence, w, s.subsetSize, maxIter)
			}
		}

		if s.onIteration != nil {
			s.onIteration(iter + 1)
		}
		if s.onProgress != nil {
			target := required
			if target > maxIter {
				target = maxIter
			}
			if target < iter+1 {
				target = iter + 1
			}
			progress := float64(iter+1) / float64(target)
			if progress > 1 {
				progress = 1
			}
			if progress-lastProgress >= progressStep {
				lastProgress = progress
				s.onProgress(progress)
			}
		}
		if best.valid && s.strategy.stop(best) {
			break
		}
	}

	if !best.valid || best.inlierCount < minFit {
		return nil, fmt.Errorf("%w: best consensus has %d inliers of %d readings", ErrRobustEstimation, best.inlierCount, n)
	}

	mask := s.strategy.inliers(bestRes, best)
	outcome := &robustOutcome{
		position: bestPos,
		inliers: &InliersData{
			Inliers:    mask,
			Residuals:  bestRes,
			NumInliers: countTrue(mask),
			BestScore:  s.strategy.value(best),
		},
	}

	if s.cfg.RefineResult {
		s.refineOutcome(outcome, best)
	}
	if s.onProgress != nil && lastProgress < 1 {
		s.onProgress(1)
	}
	return outcome, nil
}

// refineOutcome recomputes the position from the consensus set. For the
// median methods every reading participates, down-weighted by a bisquare
// weight on its normalized residual; for the threshold methods only inliers
// participate. A refinement failure keeps the consensus position.
func (s *robustSolver) refineOutcome(outcome *robustOutcome, best candidateScore) {
	var (
		pos  []Position
		dist []float64
		std  []float64
		covs []*mat.SymDense
	)
	switch s.cfg.Method {
	case MethodLmeds, MethodPromeds:
		sigma := best.sigma
		if sigma < 1e-9 {
			sigma = 1e-9
		}
		// Tukey bisquare: w = (1 - (r/(c*sigma))^2)^2 inside c*sigma, 0 outside.
		const c = 4.685
		for i, r := range outcome.inliers.Residuals {
			t := r / (c * sigma)
			if t >= 1 {
				continue
			}
			w := (1 - t*t) * (1 - t*t)
			pos = append(pos, s.positions[i])
			dist = append(dist, s.distances[i])
			std = append(std, s.stdDevs[i]/math.Sqrt(w))
			covs = append(covs, s.sourceCov(i))
		}
	default:
		for i, in := range outcome.inliers.Inliers {
			if !in {
				continue
			}
			pos = append(pos, s.positions[i])
			dist = append(dist, s.distances[i])
			std = append(std, s.stdDevs[i])
			covs = append(covs, s.sourceCov(i))
		}
	}
	if len(pos) < s.dim+1 {
		return
	}
	finalSolver := &LaterationSolver{
		Homogeneous:         s.cfg.UseHomogeneousLinearSolver,
		Refine:              true,
		KeepCovariance:      s.cfg.KeepCovariance,
		UseSourceCovariance: s.cfg.UseSourcePositionCovariance,
		MaxIterations:       DefaultRefinementIterations,
		Tolerance:           DefaultRefinementTolerance,
	}
	p, cov, err := finalSolver.Solve(pos, dist, std, covs, outcome.position)
	if err != nil {
		return
	}
	outcome.position = p
	outcome.covariance = cov
	// Reclassify against the refined position so the reported inliers match
	// the reported estimate.
	res := s.residuals(p)
	sc := s.strategy.score(res, s.quality)
	if sc.valid {
		mask := s.strategy.inliers(res, sc)
		outcome.inliers.Inliers = mask
		outcome.inliers.Residuals = res
		outcome.inliers.NumInliers = countTrue(mask)
		outcome.inliers.BestScore = s.strategy.value(sc)
	}
}

func (s *robustSolver) sourceCov(i int) *mat.SymDense {
	if s.sourceCovs == nil {
		return nil
	}
	return s.sourceCovs[i]
}

// residuals returns |(distance from p to source i) - measured_i| in meters
// for every reading.
func (s *robustSolver) residuals(p Position) []float64 {
	out := make([]float64, len(s.positions))
	for i := range s.positions {
		out[i] = math.Abs(p.DistanceTo(s.positions[i]) - s.distances[i])
	}
	return out
}

// drawSubset picks the preliminary subset indices for one iteration.
func (s *robustSolver) drawSubset() []int {
	if s.cfg.EvenlyDistributeReadings && len(s.bySource) > 1 {
		return s.drawSpread()
	}
	if s.strategy.progressive() && s.quality != nil {
		return s.drawWeighted()
	}
	perm := s.rng.Perm(len(s.positions))
	return perm[:s.subsetSize]
}

// drawWeighted samples without replacement with probability proportional to
// each reading's quality score. A tiny floor keeps zero-scored readings
// reachable.
func (s *robustSolver) drawWeighted() []int {
	n := len(s.positions)
	taken := make([]bool, n)
	out := make([]int, 0, s.subsetSize)
	for len(out) < s.subsetSize {
		total := 0.0
		for i := 0; i < n; i++ {
			if !taken[i] {
				total += s.quality[i] + 1e-12
			}
		}
		r := s.rng.Float64() * total
		pick := -1
		for i := 0; i < n; i++ {
			if taken[i] {
				continue
			}
			r -= s.quality[i] + 1e-12
			pick = i
			if r <= 0 {
				break
			}
		}
		taken[pick] = true
		out = append(out, pick)
	}
	return out
}

// drawSpread rotates across sources, taking at most one reading per source
// per round, so repeated readings of a single source cannot dominate a
// subset. Within a source the reading is picked uniformly; the source order
// is quality-weighted for the progressive methods.
func (s *robustSolver) drawSpread() []int {
	order := s.sourceOrder()
	taken := make(map[int]bool, s.subsetSize)
	out := make([]int, 0, s.subsetSize)
	for len(out) < s.subsetSize {
		added := false
		for _, src := range order {
			if len(out) == s.subsetSize {
				break
			}
			group := s.bySource[src]
			free := make([]int, 0, len(group))
			for _, idx := range group {
				if !taken[idx] {
					free = append(free, idx)
				}
			}
			if len(free) == 0 {
				continue
			}
			pick := free[s.rng.Intn(len(free))]
			taken[pick] = true
			out = append(out, pick)
			added = true
		}
		if !added {
			break
		}
	}
	return out
}

// sourceOrder returns the source visiting order for drawSpread: a plain
// permutation, or weighted sampling by summed member quality for the
// progressive methods.
func (s *robustSolver) sourceOrder() []int {
	k := len(s.bySource)
	if !s.strategy.progressive() || s.quality == nil {
		return s.rng.Perm(k)
	}
	weights := make([]float64, k)
	for src, group := range s.bySource {
		for _, idx := range group {
			weights[src] += s.quality[idx]
		}
		weights[src] += 1e-12
	}
	out := make([]int, 0, k)
	taken := make([]bool, k)
	for len(out) < k {
		total := 0.0
		for i := 0; i < k; i++ {
			if !taken[i] {
				total += weights[i]
			}
		}
		r := s.rng.Float64() * total
		pick := -1
		for i := 0; i < k; i++ {
			if taken[i] {
				continue
			}
			r -= weights[i]
			pick = i
			if r <= 0 {
				break
			}
		}
		taken[pick] = true
		out = append(out, pick)
	}
	return out
}

// adaptiveIterations is the standard consensus bound: the number of subset
// draws needed so that, with the given confidence, at least one subset of
// size n is outlier free when the inlier ratio is w:
//
//	k = log(1 - confidence) / log(1 - w^n)
func adaptiveIterations(confidence, inlierRatio float64, subsetSize, maxIterations int) int {
	if inlierRatio <= 0 {
		return maxIterations
	}
	if inlierRatio > 1 {
		inlierRatio = 1
	}
	wn := math.Pow(inlierRatio, float64(subsetSize))
	if wn >= 1 {
		return 1
	}
	denom := math.Log(1 - wn)
	if denom == 0 || math.IsNaN(denom) {
		return maxIterations
	}
	k := math.Log(1-confidence) / denom
	if math.IsNaN(k) || k > float64(maxIterations) {
		return maxIterations
	}
	if k < 1 {
		return 1
	}
	return int(math.Ceil(k))
}

// medianOf returns the median of values. The input is copied.
func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return 0.5 * (sorted[mid-1] + sorted[mid])
}

// weightedMedianOf returns the weighted median: the smallest value v such
// that the weights of all values <= v reach half the total weight.
func weightedMedianOf(values, weights []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	if weights == nil {
		return medianOf(values)
	}
	type pair struct{ v, w float64 }
	pairs := make([]pair, len(values))
	total := 0.0
	for i := range values {
		w := weights[i] + 1e-12
		pairs[i] = pair{values[i], w}
		total += w
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].v < pairs[j].v })
	acc := 0.0
	for _, p := range pairs {
		acc += p.w
		if acc >= total/2 {
			return p.v
		}
	}
	return pairs[len(pairs)-1].v
}

// lmedsSigma converts a median absolute residual into a robust standard
// deviation estimate, with the usual finite-sample correction.
func lmedsSigma(median float64, n, subsetSize int) float64 {
	correction := 1.0
	if n > subsetSize {
		correction = 1.0 + 5.0/float64(n-subsetSize)
	}
	return 1.4826 * correction * median
}

func countTrue(mask []bool) int {
	n := 0
	for _, b := range mask {
		if b {
			n++
		}
	}
	return n
}
