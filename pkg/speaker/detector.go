// Package speaker determines which participant is currently speaking by
// periodically sampling audio energy across all tracked streams.
package speaker

import (
	"sync"
	"time"
)

// Defaults: sample every 200ms, ignore energy below 0.02 normalized.
const (
	DefaultInterval  = 200 * time.Millisecond
	DefaultThreshold = 0.02
)

// LevelSource is anything exposing a normalized (0..1) audio energy:
// local capture tracks and remote streams both qualify.
type LevelSource interface {
	ID() string
	AudioLevel() float64
}

// Detector polls its sources on a fixed cadence and reports the loudest
// one above the threshold. When nothing crosses the threshold it reports
// no speaker at all; the previous speaker is never held over.
type Detector struct {
	interval  time.Duration
	threshold float64

	mu       sync.Mutex
	sources  map[string]LevelSource
	current  string
	onChange func(id string)
	stop     chan struct{}
	running  bool
}

// NewDetector creates a detector with the given cadence and threshold.
// Zero values pick the defaults.
func NewDetector(interval time.Duration, threshold float64) *Detector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{
		interval:  interval,
		threshold: threshold,
		sources:   make(map[string]LevelSource),
	}
}

// OnChange registers the callback fired when the active speaker changes.
// An empty id means nobody is above the threshold.
func (d *Detector) OnChange(f func(id string)) {
	d.mu.Lock()
	d.onChange = f
	d.mu.Unlock()
}

// Add registers a stream. Safe while sampling is running; a source with
// the same id replaces the previous one.
func (d *Detector) Add(s LevelSource) {
	d.mu.Lock()
	d.sources[s.ID()] = s
	d.mu.Unlock()
}

// Remove drops a stream. Safe while sampling is running.
func (d *Detector) Remove(id string) {
	d.mu.Lock()
	delete(d.sources, id)
	if d.current == id {
		d.current = ""
	}
	d.mu.Unlock()
}

// Current returns the active speaker's id, or "" if nobody is speaking.
func (d *Detector) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Start begins periodic sampling. A second Start is a no-op until Stop.
func (d *Detector) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	stop := d.stop
	d.mu.Unlock()

	go d.loop(stop)
}

// Stop cancels the sampling timer and releases all per-stream state.
// Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	d.sources = make(map[string]LevelSource)
	d.current = ""
	d.mu.Unlock()
}

func (d *Detector) loop(stop chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.sample()
		}
	}
}

func (d *Detector) sample() {
	d.mu.Lock()
	sources := make([]LevelSource, 0, len(d.sources))
	for _, s := range d.sources {
		sources = append(sources, s)
	}
	d.mu.Unlock()

	best := ""
	bestLevel := d.threshold
	for _, s := range sources {
		if lvl := s.AudioLevel(); lvl > bestLevel {
			best = s.ID()
			bestLevel = lvl
		}
	}

	d.mu.Lock()
	changed := best != d.current
	d.current = best
	cb := d.onChange
	d.mu.Unlock()

	if changed && cb != nil {
		cb(best)
	}
}
