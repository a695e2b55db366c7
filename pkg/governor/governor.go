package governor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"marketmigration/pkg/models"
)

// ErrMemoryLimitExceeded is returned by CheckAndThrottle when usage stays
// above the ceiling after a reclaim attempt. The orchestrator treats it as
// unrecoverable for the current run.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

const (
	nearLimitFraction = 0.8
	throttlePause     = 200 * time.Millisecond
)

// Sampler reads current process memory usage in MB
type Sampler interface {
	UsedMB() (float64, error)
}

// ProcessSampler samples resident memory of this process, falling back to
// the Go heap when the platform reading is unavailable.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler creates a sampler for the current process
func NewProcessSampler() *ProcessSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &ProcessSampler{proc: proc}
}

// UsedMB returns resident memory in MB
func (s *ProcessSampler) UsedMB() (float64, error) {
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil && info != nil {
			return float64(info.RSS) / 1024 / 1024, nil
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / 1024 / 1024, nil
}

// Governor samples process memory on a fixed cadence and provides advisory
// backpressure to batch processors. One governor is shared by all runs;
// each run scopes it with a View carrying that run's ceiling and peak, so
// concurrent runs cannot interfere with each other.
type Governor struct {
	mu             sync.RWMutex
	sampler        Sampler
	defaultLimitMB int64
	interval       time.Duration
	current        float64
	peak           float64
	views          map[*View]struct{}
	stopCh         chan struct{}
	stopOnce       sync.Once
	log            *logrus.Entry
}

// New creates a governor. defaultLimitMB only scopes the health-reporting
// Sample; runs carry their own ceiling via NewView.
func New(sampler Sampler, defaultLimitMB int64) *Governor {
	if sampler == nil {
		sampler = NewProcessSampler()
	}
	g := &Governor{
		sampler:        sampler,
		defaultLimitMB: defaultLimitMB,
		interval:       time.Second,
		views:          make(map[*View]struct{}),
		stopCh:         make(chan struct{}),
		log:            logrus.WithField("component", "governor"),
	}
	g.refresh()
	return g
}

// Start launches the background sampling loop
func (g *Governor) Start() {
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.refresh()
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// refresh takes one reading and folds it into the process-lifetime peak and
// the peak of every live view. Returns the reading in MB.
func (g *Governor) refresh() float64 {
	used, err := g.sampler.UsedMB()
	if err != nil {
		g.log.WithError(err).Warn("memory sample failed")
		g.mu.RLock()
		defer g.mu.RUnlock()
		return g.current
	}

	g.mu.Lock()
	g.current = used
	if used > g.peak {
		g.peak = used
	}
	for v := range g.views {
		if used > v.peak {
			v.peak = used
		}
	}
	g.mu.Unlock()
	return used
}

// Sample returns the latest reading against the default ceiling. Used for
// health reporting; per-run checks go through a View.
func (g *Governor) Sample() models.ResourceSample {
	g.mu.RLock()
	defer g.mu.RUnlock()

	limit := float64(g.defaultLimitMB)
	return models.ResourceSample{
		UsedMB:    g.current,
		PeakMB:    g.peak,
		LimitMB:   g.defaultLimitMB,
		NearLimit: limit > 0 && g.current > limit*nearLimitFraction,
		OverLimit: limit > 0 && g.current > limit,
		SampledAt: time.Now(),
	}
}

// View scopes the shared sampling loop to one run: its own memory ceiling
// and its own peak, tracked from creation until Close.
type View struct {
	g       *Governor
	limitMB int64

	// peak is guarded by g.mu; refresh updates it
	peak float64
}

// NewView registers a per-run view with the given memory ceiling in MB
func (g *Governor) NewView(limitMB int64) *View {
	g.mu.Lock()
	v := &View{g: g, limitMB: limitMB, peak: g.current}
	g.views[v] = struct{}{}
	g.mu.Unlock()
	return v
}

// Close unregisters the view; its peak stays readable
func (v *View) Close() {
	v.g.mu.Lock()
	delete(v.g.views, v)
	v.g.mu.Unlock()
}

// PeakMB returns the highest reading observed during the view's lifetime
func (v *View) PeakMB() float64 {
	v.g.mu.RLock()
	defer v.g.mu.RUnlock()
	return v.peak
}

// Sample returns the latest reading against this view's ceiling
func (v *View) Sample() models.ResourceSample {
	v.g.mu.RLock()
	defer v.g.mu.RUnlock()

	limit := float64(v.limitMB)
	return models.ResourceSample{
		UsedMB:    v.g.current,
		PeakMB:    v.peak,
		LimitMB:   v.limitMB,
		NearLimit: limit > 0 && v.g.current > limit*nearLimitFraction,
		OverLimit: limit > 0 && v.g.current > limit,
		SampledAt: time.Now(),
	}
}

// CheckAndThrottle inspects a fresh sample between batches. Above 80% of
// the view's ceiling it requests a GC, pauses briefly, and re-samples; if
// usage is still above the ceiling it fails with ErrMemoryLimitExceeded.
func (v *View) CheckAndThrottle(ctx context.Context) error {
	used := v.g.refresh()
	limit := float64(v.limitMB)
	if limit <= 0 || used <= limit*nearLimitFraction {
		return nil
	}

	v.g.log.WithFields(logrus.Fields{
		"used_mb":  fmt.Sprintf("%.1f", used),
		"limit_mb": v.limitMB,
	}).Warn("memory near limit, reclaiming")

	runtime.GC()
	debug.FreeOSMemory()

	select {
	case <-time.After(throttlePause):
	case <-ctx.Done():
		return ctx.Err()
	}

	used = v.g.refresh()
	if used > limit {
		return fmt.Errorf("%w: %.1fMB used, %dMB ceiling", ErrMemoryLimitExceeded, used, v.limitMB)
	}
	return nil
}
