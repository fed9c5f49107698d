package fix

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultRefinementIterations bounds the non-linear refinement loop.
	DefaultRefinementIterations = 50
	// DefaultRefinementTolerance is the step-norm below which refinement is
	// considered converged (meters).
	DefaultRefinementTolerance = 1e-9
)

// LaterationSolver solves for an unknown position from known source
// positions and measured distances. The linear stage builds a system from
// squared-distance differences against a reference source; the optional
// non-linear stage refines it by weighted least squares.
type LaterationSolver struct {
	Homogeneous         bool // solve the homogeneous system via SVD instead of the inhomogeneous one via QR
	Refine              bool // run Levenberg-Marquardt refinement seeded by the linear solution
	KeepCovariance      bool // derive a position covariance from the refinement Jacobian
	UseSourceCovariance bool // inflate residual variances with source-position covariance
	MaxIterations       int
	Tolerance           float64
}

// NewLaterationSolver returns a solver with refinement and covariance
// propagation enabled.
func NewLaterationSolver() *LaterationSolver {
	return &LaterationSolver{
		Refine:         true,
		KeepCovariance: true,
		MaxIterations:  DefaultRefinementIterations,
		Tolerance:      DefaultRefinementTolerance,
	}
}

// Solve estimates the position implied by parallel slices of source
// positions, measured distances and distance standard deviations.
// sourceCovs may be nil, or hold a nil entry for sources without position
// covariance; it is only consulted when UseSourceCovariance is set.
// initial, when non-nil, overrides the linear solution as the refinement
// seed. The returned covariance is nil unless Refine and KeepCovariance are
// both set.
func (s *LaterationSolver) Solve(positions []Position, distances, stdDevs []float64, sourceCovs []*mat.SymDense, initial Position) (Position, *mat.SymDense, error) {
	n := len(positions)
	if n == 0 || len(distances) != n || len(stdDevs) != n {
		return nil, nil, fmt.Errorf("%w: positions/distances/std-devs must have equal non-zero length", ErrInvalidArgument)
	}
	if sourceCovs != nil && len(sourceCovs) != n {
		return nil, nil, fmt.Errorf("%w: source covariances length %d does not match %d measurements", ErrInvalidArgument, len(sourceCovs), n)
	}
	dim := positions[0].Dim()
	if dim != 2 && dim != 3 {
		return nil, nil, fmt.Errorf("%w: positions must be 2D or 3D, got %dD", ErrInvalidArgument, dim)
	}
	for i, p := range positions {
		if p.Dim() != dim {
			return nil, nil, fmt.Errorf("%w: position %d has dimension %d, want %d", ErrInvalidArgument, i, p.Dim(), dim)
		}
		if stdDevs[i] <= 0 {
			return nil, nil, fmt.Errorf("%w: std-dev %d must be > 0, got %g", ErrInvalidArgument, i, stdDevs[i])
		}
	}
	if n < dim+1 {
		return nil, nil, fmt.Errorf("%w: have %d measurements, need at least %d for %dD", ErrNotReady, n, dim+1, dim)
	}

	var covs []*mat.SymDense
	if s.UseSourceCovariance && sourceCovs != nil {
		covs = sourceCovs
		for i, c := range covs {
			if c == nil {
				continue
			}
			if c.SymmetricDim() != dim {
				return nil, nil, fmt.Errorf("%w: source covariance %d has dimension %d, want %d", ErrInvalidArgument, i, c.SymmetricDim(), dim)
			}
			var ch mat.Cholesky
			if !ch.Factorize(c) {
				return nil, nil, fmt.Errorf("%w: source covariance %d", ErrNotPositiveDefinite, i)
			}
		}
	}

	seed := initial
	if seed == nil {
		linear, err := s.solveLinear(positions, distances, dim)
		if err != nil {
			return nil, nil, err
		}
		seed = linear
	} else if seed.Dim() != dim {
		return nil, nil, fmt.Errorf("%w: initial position has dimension %d, want %d", ErrInvalidArgument, seed.Dim(), dim)
	}

	if !s.Refine {
		return seed.Clone(), nil, nil
	}

	refined, cov, err := s.refine(seed, positions, distances, stdDevs, covs)
	if err != nil {
		return nil, nil, err
	}
	if !s.KeepCovariance {
		cov = nil
	}
	return refined, cov, nil
}

// solveLinear computes the closed-form position from squared-distance
// differences against the first source. Subtracting the reference equation
// from ||p - s_i||^2 = d_i^2 gives, per remaining source,
//
//	2*(s_i - s_0) . p = (||s_i||^2 - ||s_0||^2) - (d_i^2 - d_0^2)
func (s *LaterationSolver) solveLinear(positions []Position, distances []float64, dim int) (Position, error) {
	n := len(positions)
	rows := n - 1
	ref := positions[0]
	refNorm := ref.squaredNorm()
	refDist := distances[0] * distances[0]

	if s.Homogeneous {
		// Append the right-hand side as a last column and find the null
		// vector of [2*(s_i - s_0) | -b_i]; the position is the null vector
		// de-homogenized by its last component.
		m := mat.NewDense(rows, dim+1, nil)
		for i := 1; i < n; i++ {
			b := (positions[i].squaredNorm() - refNorm) - (distances[i]*distances[i] - refDist)
			for j := 0; j < dim; j++ {
				m.Set(i-1, j, 2.0*(positions[i][j]-ref[j]))
			}
			m.Set(i-1, dim, -b)
		}
		var svd mat.SVD
		if !svd.Factorize(m, mat.SVDFullV) {
			return nil, fmt.Errorf("%w: SVD of lateration system failed", ErrNumericalInstability)
		}
		var v mat.Dense
		svd.VTo(&v)
		// Singular values are descending; the null vector is the last column.
		w := v.ColView(dim)
		scale := w.AtVec(dim)
		if math.Abs(scale) < 1e-12 {
			return nil, fmt.Errorf("%w: homogeneous solution at infinity", ErrNumericalInstability)
		}
		out := make(Position, dim)
		for j := 0; j < dim; j++ {
			out[j] = w.AtVec(j) / scale
		}
		if !finitePosition(out) {
			return nil, fmt.Errorf("%w: non-finite linear solution", ErrNumericalInstability)
		}
		return out, nil
	}

	a := mat.NewDense(rows, dim, nil)
	b := mat.NewVecDense(rows, nil)
	for i := 1; i < n; i++ {
		for j := 0; j < dim; j++ {
			a.Set(i-1, j, 2.0*(positions[i][j]-ref[j]))
		}
		b.SetVec(i-1, (positions[i].squaredNorm()-refNorm)-(distances[i]*distances[i]-refDist))
	}
	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return nil, fmt.Errorf("%w: lateration system is singular: %v", ErrNumericalInstability, err)
	}
	out := make(Position, dim)
	for j := 0; j < dim; j++ {
		out[j] = x.AtVec(j)
	}
	if !finitePosition(out) {
		return nil, fmt.Errorf("%w: non-finite linear solution", ErrNumericalInstability)
	}
	return out, nil
}

// refine runs damped least squares from the seed, minimizing
// sum_i ((||p - s_i|| - d_i) / sigma_i)^2. When source covariances are
// present the per-residual variance is inflated by the covariance projected
// onto the line of sight, sigma_eff^2 = sigma_i^2 + u' C_i u.
func (s *LaterationSolver) refine(seed Position, positions []Position, distances, stdDevs []float64, covs []*mat.SymDense) (Position, *mat.SymDense, error) {
	n := len(positions)
	dim := seed.Dim()
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultRefinementIterations
	}
	tol := s.Tolerance
	if tol <= 0 {
		tol = DefaultRefinementTolerance
	}

	p := seed.Clone()
	jac := mat.NewDense(n, dim, nil)
	res := mat.NewVecDense(n, nil)
	cost := s.linearize(p, positions, distances, stdDevs, covs, jac, res)

	lambda := 1e-3
	for iter := 0; iter < maxIter; iter++ {
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), res)

		// Marquardt damping on the normal equations diagonal.
		sym := mat.NewSymDense(dim, nil)
		for i := 0; i < dim; i++ {
			for j := i; j < dim; j++ {
				v := jtj.At(i, j)
				if i == j {
					v += lambda * jtj.At(i, i)
					if v == 0 {
						v = lambda
					}
				}
				sym.SetSym(i, j, v)
			}
		}
		var ch mat.Cholesky
		if !ch.Factorize(sym) {
			lambda *= 10
			if lambda > 1e12 {
				return nil, nil, fmt.Errorf("%w: refinement normal equations not solvable", ErrNumericalInstability)
			}
			continue
		}
		var step mat.VecDense
		if err := ch.SolveVecTo(&step, &jtr); err != nil {
			return nil, nil, fmt.Errorf("%w: refinement step failed: %v", ErrNumericalInstability, err)
		}

		trial := p.Clone()
		for j := 0; j < dim; j++ {
			trial[j] -= step.AtVec(j)
		}
		trialCost := s.linearize(trial, positions, distances, stdDevs, covs, jac, res)
		if trialCost <= cost {
			stepNorm := mat.Norm(&step, 2)
			p = trial
			cost = trialCost
			lambda *= 0.1
			if lambda < 1e-12 {
				lambda = 1e-12
			}
			if stepNorm < tol {
				break
			}
		} else {
			lambda *= 10
			if lambda > 1e12 {
				break
			}
			// Restore the linearization at the accepted point.
			s.linearize(p, positions, distances, stdDevs, covs, jac, res)
		}
	}
	if !finitePosition(p) {
		return nil, nil, fmt.Errorf("%w: refinement produced a non-finite position", ErrNumericalInstability)
	}

	if !s.KeepCovariance {
		return p, nil, nil
	}
	// Covariance of the estimate from the weighted Jacobian at the solution:
	// (J' J)^-1 with the weights already folded into J rows.
	s.linearize(p, positions, distances, stdDevs, covs, jac, res)
	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)
	sym := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			sym.SetSym(i, j, jtj.At(i, j))
		}
	}
	var ch mat.Cholesky
	if !ch.Factorize(sym) {
		return nil, nil, fmt.Errorf("%w: covariance propagation failed", ErrNumericalInstability)
	}
	cov := mat.NewSymDense(dim, nil)
	if err := ch.InverseTo(cov); err != nil {
		return nil, nil, fmt.Errorf("%w: covariance inversion failed: %v", ErrNumericalInstability, err)
	}
	return p, cov, nil
}

// linearize fills the weighted Jacobian and residual vector at p and returns
// the cost. Row i is u_i' / sigma_i with u_i the unit vector from source i
// towards p; the residual is (||p - s_i|| - d_i) / sigma_i.
func (s *LaterationSolver) linearize(p Position, positions []Position, distances, stdDevs []float64, covs []*mat.SymDense, jac *mat.Dense, res *mat.VecDense) float64 {
	dim := p.Dim()
	u := make([]float64, dim)
	cost := 0.0
	for i := range positions {
		norm := 0.0
		for j := 0; j < dim; j++ {
			u[j] = p[j] - positions[i][j]
			norm += u[j] * u[j]
		}
		norm = math.Sqrt(norm)
		if norm < 1e-12 {
			// Receiver sitting on top of a source: no usable direction.
			for j := 0; j < dim; j++ {
				u[j] = 0
			}
		} else {
			for j := 0; j < dim; j++ {
				u[j] /= norm
			}
		}

		sigma := stdDevs[i]
		if covs != nil && covs[i] != nil && norm >= 1e-12 {
			uv := mat.NewVecDense(dim, u)
			sigma = math.Sqrt(sigma*sigma + mat.Inner(uv, covs[i], uv))
		}

		r := (norm - distances[i]) / sigma
		res.SetVec(i, r)
		cost += r * r
		for j := 0; j < dim; j++ {
			jac.Set(i, j, u[j]/sigma)
		}
	}
	return cost
}

func finitePosition(p Position) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
