package fix

// lmedsStrategy ranks candidates by their median absolute residual, needing
// no threshold: as long as a majority of readings are clean, the median is
// immune to the outliers. Inliers are classified afterwards against a robust
// scale estimate derived from the winning median.
type lmedsStrategy struct {
	stopThreshold float64 // optional early stop on the best median, 0 disables
	subsetSize    int
}

// inlierFactor classifies residuals within this multiple of the robust
// scale as inliers, the customary 2.5-sigma band.
const inlierFactor = 2.5

func (l *lmedsStrategy) score(res, _ []float64) candidateScore {
	return l.scoreMedian(res, medianOf(res))
}

func (l *lmedsStrategy) scoreMedian(res []float64, median float64) candidateScore {
	sigma := lmedsSigma(median, len(res), l.subsetSize)
	if sigma < 1e-9 {
		// Perfect or near-perfect consensus: keep the band open so exact
		// residuals still classify as inliers.
		sigma = 1e-9
	}
	count := 0
	for _, v := range res {
		if v <= inlierFactor*sigma {
			count++
		}
	}
	return candidateScore{valid: true, inlierCount: count, residual: median, sigma: sigma}
}

func (l *lmedsStrategy) better(a, b candidateScore) bool {
	return a.residual < b.residual
}

func (l *lmedsStrategy) inliers(res []float64, best candidateScore) []bool {
	mask := make([]bool, len(res))
	for i, v := range res {
		mask[i] = v <= inlierFactor*best.sigma
	}
	return mask
}

func (l *lmedsStrategy) value(best candidateScore) float64 {
	return best.residual
}

func (l *lmedsStrategy) progressive() bool { return false }

func (l *lmedsStrategy) stop(best candidateScore) bool {
	return l.stopThreshold > 0 && best.residual < l.stopThreshold
}
