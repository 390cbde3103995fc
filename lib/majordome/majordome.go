package majordome

import (
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/lib/registry"
	"github.com/ValentinKolb/kvhost/lib/stats"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("majordome")

// IRegistry is the part of the registry the majordome works with.
// It only talks to the registry through its public operations.
type IRegistry interface {
	// Snapshot returns a copy of the current registry records
	Snapshot() []registry.RecordInfo
	// UnmountIdle unmounts name without force, unless it was accessed after cutoff
	UnmountIdle(name string, cutoff time.Time) error
}

// Majordome periodically unmounts databases that have been idle for longer
// than the idle threshold and have no operation in flight.
type Majordome struct {
	reg      IRegistry
	interval time.Duration
	idle     time.Duration
	now      func() time.Time
	metrics  *stats.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Majordome
type Option func(*Majordome)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Majordome) { m.now = now }
}

// WithMetrics records ticks and evictions
func WithMetrics(metrics *stats.Metrics) Option {
	return func(m *Majordome) { m.metrics = metrics }
}

// New creates a majordome scanning every interval and evicting databases
// idle for longer than idle. An idle threshold of zero uses the interval.
func New(reg IRegistry, interval, idle time.Duration, opts ...Option) *Majordome {
	if idle <= 0 {
		idle = interval
	}
	m := &Majordome{
		reg:      reg,
		interval: interval,
		idle:     idle,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the background task. It returns false and starts nothing
// when the interval is zero.
func (m *Majordome) Start() bool {
	if m.interval <= 0 {
		Logger.Infof("majordome disabled")
		return false
	}

	m.wg.Add(1)
	go m.run()
	Logger.Infof("majordome started (interval %s, idle threshold %s)", m.interval, m.idle)
	return true
}

// Stop ends the background task and waits for a running scan to finish.
// It is safe to call Stop more than once and on a majordome never started.
func (m *Majordome) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Majordome) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stopCh:
			Logger.Infof("majordome stopped")
			return
		}
	}
}

// Tick runs one scan and returns the names of the evicted databases.
func (m *Majordome) Tick() []string {
	m.metrics.MajordomeTick()

	cutoff := m.now().Add(-m.idle)
	var evicted []string
	for _, rec := range m.reg.Snapshot() {
		if rec.State != registry.Active || rec.Inflight > 0 {
			continue
		}
		if !rec.LastAccess.Before(cutoff) {
			continue
		}

		err := m.reg.UnmountIdle(rec.Name, cutoff)
		switch {
		case err == nil:
			evicted = append(evicted, rec.Name)
			Logger.Infof("evicted idle database %q (last access %s)", rec.Name, rec.LastAccess.Format(time.RFC3339))
		case errors.Is(err, errs.ErrBusy), errors.Is(err, errs.ErrNotMounted):
			// activity resumed or someone else unmounted it since the snapshot
		default:
			Logger.Errorf("failed to evict database %q: %v", rec.Name, err)
		}
	}
	return evicted
}
