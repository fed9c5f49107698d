package fix

import "errors"

// Sentinel errors shared by the solvers and estimators. Wrapped values carry
// the specifics; callers discriminate with errors.Is.
var (
	// ErrInvalidArgument reports a malformed value rejected at construction
	// or setter time. State is never partially applied when this is returned.
	ErrInvalidArgument = errors.New("fix: invalid argument")

	// ErrNotReady reports that an estimator is missing sources, readings or
	// quality scores and cannot attempt an estimate. Nothing is mutated.
	ErrNotReady = errors.New("fix: estimator not ready")

	// ErrLocked reports a mutator or estimate call while an estimate is
	// already running on the same instance.
	ErrLocked = errors.New("fix: estimator locked")

	// ErrNumericalInstability reports a singular or ill-conditioned linear
	// system encountered while solving or propagating covariance.
	ErrNumericalInstability = errors.New("fix: numerical instability")

	// ErrNotPositiveDefinite reports a supplied covariance matrix that
	// failed the symmetric-positive-definite check.
	ErrNotPositiveDefinite = errors.New("fix: covariance not positive definite")

	// ErrRobustEstimation reports that the robust loop exhausted its
	// iteration budget without reaching a usable consensus.
	ErrRobustEstimation = errors.New("fix: no robust consensus reached")
)
