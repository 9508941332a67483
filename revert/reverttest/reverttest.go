// Package reverttest provides a manually advanced clock and a recording layer switcher
// for testing code built on revert.Controller.
package reverttest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jbensmann/clickback/revert"
)

// Clock is a revert.Clock whose time only moves with Advance.
type Clock struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*timer
}

type timer struct {
	clock   *Clock
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) AfterFunc(d time.Duration, f func()) revert.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{clock: c, at: c.now + d, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Now returns the time passed since the clock was created.
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and runs all callbacks that become due, in order.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()

		// callbacks may schedule or stop timers themselves
		next.f()
	}
}

// AdvanceTo moves the clock forward to the given time.
func (c *Clock) AdvanceTo(at time.Duration) {
	now := c.Now()
	if at < now {
		panic(fmt.Sprintf("cannot move clock back from %v to %v", now, at))
	}
	c.Advance(at - now)
}

// Outstanding returns the number of timers that have neither fired nor been stopped.
func (c *Clock) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *Clock) nextDueLocked(target time.Duration) *timer {
	var due []*timer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at != due[j].at {
			return due[i].at < due[j].at
		}
		return due[i].seq < due[j].seq
	})
	return due[0]
}

// Switch is one recorded layer switch.
type Switch struct {
	Layer int
	At    time.Duration
}

// Switcher records layer switches and rejects layers outside [0, NumLayers).
type Switcher struct {
	Clock     *Clock
	NumLayers int

	mu       sync.Mutex
	switches []Switch
	rejected []int
}

func NewSwitcher(clock *Clock, numLayers int) *Switcher {
	return &Switcher{Clock: clock, NumLayers: numLayers}
}

func (s *Switcher) SwitchTo(layer int) error {
	var at time.Duration
	if s.Clock != nil {
		at = s.Clock.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if layer < 0 || layer >= s.NumLayers {
		s.rejected = append(s.rejected, layer)
		return fmt.Errorf("layer %d: %w", layer, revert.ErrInvalidLayer)
	}
	s.switches = append(s.switches, Switch{Layer: layer, At: at})
	return nil
}

// Switches returns all successful switches so far.
func (s *Switcher) Switches() []Switch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Switch(nil), s.switches...)
}

// Rejected returns the layers of all rejected switches.
func (s *Switcher) Rejected() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.rejected...)
}

// Observer collects revert events.
type Observer struct {
	mu     sync.Mutex
	events []revert.Event
}

func (o *Observer) RevertEvent(event revert.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

// Kinds returns the kinds of all events so far.
func (o *Observer) Kinds() []revert.EventKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	var kinds []revert.EventKind
	for _, e := range o.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// Events returns all events so far, in the order they were received.
func (o *Observer) Events() []revert.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]revert.Event(nil), o.events...)
}
