package fix

// ransacStrategy keeps the candidate with the most residuals under the
// threshold; ties fall to the lower total inlier residual.
type ransacStrategy struct {
	threshold float64
}

func (r *ransacStrategy) score(res, _ []float64) candidateScore {
	count := 0
	total := 0.0
	for _, v := range res {
		if v <= r.threshold {
			count++
			total += v
		}
	}
	return candidateScore{valid: count > 0, inlierCount: count, residual: total}
}

func (r *ransacStrategy) better(a, b candidateScore) bool {
	if a.inlierCount != b.inlierCount {
		return a.inlierCount > b.inlierCount
	}
	return a.residual < b.residual
}

func (r *ransacStrategy) inliers(res []float64, _ candidateScore) []bool {
	mask := make([]bool, len(res))
	for i, v := range res {
		mask[i] = v <= r.threshold
	}
	return mask
}

func (r *ransacStrategy) value(best candidateScore) float64 {
	return float64(best.inlierCount)
}

func (r *ransacStrategy) progressive() bool { return false }

func (r *ransacStrategy) stop(best candidateScore) bool { return false }
