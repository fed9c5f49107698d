package fix

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// defaultMaxReadings caps how many readings one debounce window retains.
const defaultMaxReadings = 256

// FixSink receives completed fixes
type FixSink func(fix *FixRecord)

// Collector buffers incoming scans per tag and runs the estimator once a
// tag's debounce window closes. Scans arriving while a window is open are
// merged into it, so a burst of messages from one tag produces one fix
type Collector struct {
	mu      sync.Mutex
	cfg     CollectorSettings
	sources []*RadioSource
	seqCfg  SequentialConfig
	sink    FixSink
	pending map[string]*scanWindow
	closed  bool
}

type scanWindow struct {
	readings []*Reading
	lastSeen time.Time // timestamp of the newest merged scan
	timer    *time.Timer
}

// NewCollector creates a collector estimating against the given sources.
// The sink is called for every completed fix; nil disables delivery
func NewCollector(cfg CollectorSettings, sources []*RadioSource, seqCfg SequentialConfig, sink FixSink) (*Collector, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrInvalidArgument)
	}
	if cfg.MaxReadings <= 0 {
		cfg.MaxReadings = defaultMaxReadings
	}
	return &Collector{
		cfg:     cfg,
		sources: sources,
		seqCfg:  seqCfg,
		sink:    sink,
		pending: make(map[string]*scanWindow),
	}, nil
}

// Ingest merges a decoded scan into the tag's pending window, opening one if
// none is open. The window closes after the configured debounce interval
func (c *Collector) Ingest(scan *Scan) error {
	if scan == nil || scan.Tag == "" {
		return fmt.Errorf("%w: scan carries no tag ID", ErrInvalidArgument)
	}
	if len(scan.Readings) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("collector is closed")
	}

	w, open := c.pending[scan.Tag]
	if !open {
		w = &scanWindow{}
		tag := scan.Tag
		w.timer = time.AfterFunc(c.cfg.Window(), func() {
			if _, err := c.Flush(tag); err != nil {
				log.Printf("Estimate for %s failed: %v", tag, err)
			}
		})
		c.pending[scan.Tag] = w
	}

	w.readings = append(w.readings, scan.Readings...)
	if len(w.readings) > c.cfg.MaxReadings {
		// Keep the newest readings
		w.readings = w.readings[len(w.readings)-c.cfg.MaxReadings:]
	}
	if scan.Timestamp.After(w.lastSeen) {
		w.lastSeen = scan.Timestamp
	}
	return nil
}

// Flush closes the tag's pending window immediately and runs the estimator
// on its readings
func (c *Collector) Flush(tag string) (*FixRecord, error) {
	c.mu.Lock()
	w, open := c.pending[tag]
	if open {
		delete(c.pending, tag)
		w.timer.Stop()
	}
	sink := c.sink
	c.mu.Unlock()

	if !open {
		return nil, fmt.Errorf("%w: no pending readings for %s", ErrNotReady, tag)
	}

	fix, err := c.estimate(tag, w)
	if err != nil {
		return nil, err
	}

	log.Printf("Fix for %s: %s from %d readings (%d+%d inliers)",
		tag, Position(fix.Position).String(), fix.Readings, fix.RangingInliers, fix.RssiInliers)
	if sink != nil {
		sink(fix)
	}
	return fix, nil
}

// Pending returns the number of tags with an open window
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels all open windows without estimating
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for tag, w := range c.pending {
		w.timer.Stop()
		delete(c.pending, tag)
	}
}

// estimate runs the two-pass estimator over one closed window
func (c *Collector) estimate(tag string, w *scanWindow) (*FixRecord, error) {
	fp, err := NewFingerprint(w.readings)
	if err != nil {
		return nil, err
	}

	est, err := NewSequentialEstimator(c.seqCfg)
	if err != nil {
		return nil, err
	}
	if err := est.SetSources(c.sources); err != nil {
		return nil, err
	}
	if err := est.SetFingerprint(fp); err != nil {
		return nil, err
	}

	p, err := est.Estimate()
	if err != nil {
		return nil, err
	}

	fix := &FixRecord{
		Tag:       tag,
		Position:  []float64(p),
		Readings:  len(w.readings),
		Timestamp: w.lastSeen,
	}
	if cov := est.Covariance(); cov != nil {
		dim := cov.SymmetricDim()
		fix.StdDev = make([]float64, dim)
		fix.Covariance = make([][]float64, dim)
		for d := 0; d < dim; d++ {
			if v := cov.At(d, d); v > 0 {
				fix.StdDev[d] = math.Sqrt(v)
			}
			row := make([]float64, dim)
			for e := 0; e < dim; e++ {
				row[e] = cov.At(d, e)
			}
			fix.Covariance[d] = row
		}
	}
	if inl := est.RangingInliersData(); inl != nil {
		fix.RangingInliers = inl.NumInliers
	}
	if inl := est.RssiInliersData(); inl != nil {
		fix.RssiInliers = inl.NumInliers
	}
	return fix, nil
}
