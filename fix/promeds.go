package fix

// promedsStrategy combines quality-weighted subset sampling with a
// quality-weighted median rank: residuals of trusted readings pull the
// median harder than residuals of doubtful ones.
type promedsStrategy struct {
	lmedsStrategy
}

func (p *promedsStrategy) score(res, quality []float64) candidateScore {
	return p.scoreMedian(res, weightedMedianOf(res, quality))
}

func (p *promedsStrategy) progressive() bool { return true }
