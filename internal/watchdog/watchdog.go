// Package watchdog provides the timing primitives the TSB consumer uses to
// detect a stalled player (§4.4): a stop/expire watchdog timer, an interval
// accumulator for measuring cumulative pause time, and a cyclic ticker that
// drives the trick-play re-evaluation loop.
package watchdog

import (
	"sync"
	"time"
)

// State mirrors a watchdog's lifecycle.
type State int

const (
	Clear State = iota
	Running
	Stopped
	Expired
)

func (s State) String() string {
	switch s {
	case Clear:
		return "clear"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Watchdog invokes fn(false) if it is stopped before timeout elapses, or
// fn(true) if the timeout elapses while running. Restart re-arms the
// deadline without changing state, for callers that want to "pet" a running
// watchdog (e.g. on every successfully delivered chunk).
type Watchdog struct {
	mu      sync.Mutex
	state   State
	timeout time.Duration
	fn      func(expired bool)
	timer   *time.Timer
	running bool
	closed  bool
}

// New creates a watchdog in the Clear state. It does not start ticking
// until Start is called.
func New(timeout time.Duration, fn func(expired bool)) *Watchdog {
	return &Watchdog{timeout: timeout, fn: fn, state: Clear}
}

func (w *Watchdog) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.timeout, w.onExpire)
}

func (w *Watchdog) onExpire() {
	w.mu.Lock()
	if !w.running || w.closed {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.state = Expired
	fn := w.fn
	w.mu.Unlock()
	if fn != nil {
		fn(true)
	}
}

// Start arms the watchdog if it is not already running.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.closed {
		return
	}
	w.running = true
	w.state = Running
	w.armLocked()
}

// Stop disarms the watchdog before it expires, invoking fn(false).
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.state = Stopped
	if w.timer != nil {
		w.timer.Stop()
	}
	fn := w.fn
	w.mu.Unlock()
	if fn != nil {
		fn(false)
	}
}

// Restart re-arms the deadline from now, without invoking fn. A no-op
// unless the watchdog is currently running.
func (w *Watchdog) Restart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || !w.running {
		return
	}
	w.armLocked()
}

// Clear resets the watchdog to its initial state without invoking fn.
func (w *Watchdog) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = Clear
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Close permanently disarms the watchdog; it must not be started again.
func (w *Watchdog) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
}

// State reports the watchdog's current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IntervalMonitor accumulates elapsed wall-clock time across start/stop
// cycles — used to track how long a stream has been paused in total.
type IntervalMonitor struct {
	mu          sync.Mutex
	running     bool
	initTime    time.Time
	lastTime    time.Time
	accumulated time.Duration
}

// NewIntervalMonitor returns a monitor reset to zero.
func NewIntervalMonitor() *IntervalMonitor {
	m := &IntervalMonitor{}
	m.Reset()
	return m
}

// Reset zeroes the accumulated time and stops the current interval.
func (m *IntervalMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.running = false
	m.initTime = now
	m.lastTime = now
	m.accumulated = 0
}

// Stop ends the current interval now; the accumulated time is unchanged
// until the next Update call folds it in.
func (m *IntervalMonitor) Stop() {
	m.mu.Lock()
	if m.running {
		m.lastTime = time.Now()
	}
	m.running = false
	m.mu.Unlock()
}

// Update, when not running, folds the last open interval into the
// accumulator and starts a new one; when already running, it just advances
// the interval's end marker.
func (m *IntervalMonitor) Update() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if !m.running {
		m.accumulated += m.lastTime.Sub(m.initTime)
		m.initTime = now
		m.lastTime = now
		m.running = true
	} else {
		m.lastTime = now
	}
}

// AccumulatedMicros returns the total elapsed time, in microseconds,
// across every interval since the last Reset (including the open one).
func (m *IntervalMonitor) AccumulatedMicros() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.lastTime
	if m.running {
		end = time.Now()
	}
	return (m.accumulated + end.Sub(m.initTime)).Microseconds()
}

// CyclicTimer invokes fn every period on its own goroutine until fn returns
// true (stop) or Stop is called — used for the trick-play re-evaluation
// tick (§4.4).
type CyclicTimer struct {
	mu      sync.Mutex
	period  time.Duration
	fn      func() bool
	running bool
	stopCh  chan struct{}
}

// NewCyclicTimer creates a timer bound to fn; SetPeriod must be called with
// a positive duration before Start succeeds.
func NewCyclicTimer(fn func() bool) *CyclicTimer {
	return &CyclicTimer{fn: fn}
}

// SetPeriod sets the tick period used by the next Start call.
func (c *CyclicTimer) SetPeriod(period time.Duration) {
	c.mu.Lock()
	c.period = period
	c.mu.Unlock()
}

// Start begins cyclic invocation, returning false if already running, if
// no function is set, or if the period is not positive.
func (c *CyclicTimer) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.fn == nil || c.period <= 0 {
		return false
	}
	c.running = true
	stop := make(chan struct{})
	c.stopCh = stop
	go c.loop(c.period, stop)
	return true
}

func (c *CyclicTimer) loop(period time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.fn() {
				c.mu.Lock()
				c.running = false
				c.mu.Unlock()
				return
			}
		}
	}
}

// Stop halts cyclic invocation if running.
func (c *CyclicTimer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop := c.stopCh
	c.mu.Unlock()
	close(stop)
}

// Running reports whether the timer is currently ticking.
func (c *CyclicTimer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
