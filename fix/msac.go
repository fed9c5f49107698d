package fix

// msacStrategy sums a capped loss over all residuals: an inlier contributes
// its residual, an outlier the threshold, so the loss keeps discriminating
// between candidates with equal inlier counts.
type msacStrategy struct {
	threshold float64
}

func (m *msacStrategy) score(res, _ []float64) candidateScore {
	count := 0
	loss := 0.0
	for _, v := range res {
		if v <= m.threshold {
			count++
			loss += v
		} else {
			loss += m.threshold
		}
	}
	return candidateScore{valid: count > 0, inlierCount: count, residual: loss}
}

func (m *msacStrategy) better(a, b candidateScore) bool {
	return a.residual < b.residual
}

func (m *msacStrategy) inliers(res []float64, _ candidateScore) []bool {
	mask := make([]bool, len(res))
	for i, v := range res {
		mask[i] = v <= m.threshold
	}
	return mask
}

func (m *msacStrategy) value(best candidateScore) float64 {
	return best.residual
}

func (m *msacStrategy) progressive() bool { return false }

func (m *msacStrategy) stop(best candidateScore) bool { return false }
