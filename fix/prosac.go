package fix

// prosacStrategy scores exactly like RANSAC but draws its subsets weighted
// by the caller-supplied quality scores, so trustworthy readings are tried
// first and consensus is usually found in far fewer iterations.
type prosacStrategy struct {
	ransacStrategy
}

func (p *prosacStrategy) progressive() bool { return true }
