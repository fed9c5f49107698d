package fix

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// DefaultHistoryLimit is the number of fixes retained per tag.
const DefaultHistoryLimit = 100

// FixRecord is one completed position estimate for a tag.
type FixRecord struct {
	ID             string      `json:"id"`
	Tag            string      `json:"tag"`
	Position       []float64   `json:"position"`             // meters
	StdDev         []float64   `json:"stdDev,omitempty"`     // per axis, from the covariance diagonal
	Covariance     [][]float64 `json:"covariance,omitempty"` // row major, dim x dim
	RangingInliers int         `json:"rangingInliers,omitempty"`
	RssiInliers    int         `json:"rssiInliers,omitempty"`
	Readings       int         `json:"readings"`
	Timestamp      time.Time   `json:"timestamp"`
}

// CovarianceMatrix rebuilds the covariance as a matrix, nil when the record
// carries none
func (f *FixRecord) CovarianceMatrix() *mat.SymDense {
	dim := len(f.Covariance)
	if dim == 0 {
		return nil
	}
	cov := mat.NewSymDense(dim, nil)
	for i, row := range f.Covariance {
		if len(row) != dim {
			return nil
		}
		for j := i; j < dim; j++ {
			cov.SetSym(i, j, row[j])
		}
	}
	return cov
}

// FixTracker tracks the latest fix and a bounded history per tag for the
// HTTP endpoints, and fans completed fixes out to live subscribers
type FixTracker struct {
	mu           sync.RWMutex
	latest       map[string]*FixRecord
	history      map[string][]*FixRecord
	historyLimit int
	subscribers  map[int]chan *FixRecord
	nextSubID    int
}

// NewFixTracker creates a new fix tracker. historyLimit <= 0 selects the
// default
func NewFixTracker(historyLimit int) *FixTracker {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &FixTracker{
		latest:       make(map[string]*FixRecord),
		history:      make(map[string][]*FixRecord),
		historyLimit: historyLimit,
		subscribers:  make(map[int]chan *FixRecord),
	}
}

// Record stores a completed fix, assigning it an ID and timestamp if unset
func (ft *FixTracker) Record(fix *FixRecord) {
	if fix == nil || fix.Tag == "" {
		return
	}
	if fix.ID == "" {
		fix.ID = uuid.NewString()
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.latest[fix.Tag] = fix
	h := append(ft.history[fix.Tag], fix)
	if len(h) > ft.historyLimit {
		h = h[len(h)-ft.historyLimit:]
	}
	ft.history[fix.Tag] = h

	// Slow subscribers drop fixes rather than block ingestion. Sending under
	// the lock keeps Record ordered with Subscribe cancellation
	for _, ch := range ft.subscribers {
		select {
		case ch <- fix:
		default:
		}
	}
}

// Latest returns the most recent fix per tag
func (ft *FixTracker) Latest() map[string]*FixRecord {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	result := make(map[string]*FixRecord)
	for k, v := range ft.latest {
		copy := *v
		result[k] = &copy
	}
	return result
}

// LatestFor returns the most recent fix for one tag
func (ft *FixTracker) LatestFor(tag string) (*FixRecord, bool) {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	v, ok := ft.latest[tag]
	if !ok {
		return nil, false
	}
	copy := *v
	return &copy, true
}

// History returns the retained fixes for one tag, oldest first
func (ft *FixTracker) History(tag string) []*FixRecord {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	h := ft.history[tag]
	result := make([]*FixRecord, len(h))
	for i, v := range h {
		copy := *v
		result[i] = &copy
	}
	return result
}

// Tags returns all tags with at least one fix, sorted
func (ft *FixTracker) Tags() []string {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	tags := make([]string, 0, len(ft.latest))
	for tag := range ft.latest {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Subscribe registers a live fix feed. The returned cancel function must be
// called to release the subscription
func (ft *FixTracker) Subscribe() (<-chan *FixRecord, func()) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	id := ft.nextSubID
	ft.nextSubID++
	ch := make(chan *FixRecord, 16)
	ft.subscribers[id] = ch

	cancel := func() {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		if _, ok := ft.subscribers[id]; ok {
			delete(ft.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}
