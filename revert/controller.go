package revert

import (
	"errors"
	"sync"
	"time"

	"github.com/jbensmann/clickback/config"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidLayer is returned by a LayerSwitcher that rejects a layer.
var ErrInvalidLayer = errors.New("invalid layer")

// LayerSwitcher performs the actual layer change when a revert fires.
type LayerSwitcher interface {
	SwitchTo(layer int) error
}

type EventKind string

const (
	EventArmed     EventKind = "armed"
	EventCancelled EventKind = "cancelled"
	EventFired     EventKind = "fired"
	EventFailed    EventKind = "failed"
)

// Event reports a state change of a Controller. Seq increases with every state change
// of the controller, observers may receive events out of order and can sort them by it.
type Event struct {
	Seq      uint64
	Instance string
	Kind     EventKind
	Layer    int
	Timeout  time.Duration
	Err      error
	At       time.Time
}

// Observer is notified about every arm, cancel and fire. It must not block.
type Observer interface {
	RevertEvent(event Event)
}

// Controller switches back to a layer once a timeout has passed, unless cancelled before.
// At most one revert is pending at any time.
type Controller struct {
	name     string
	clock    Clock
	layers   LayerSwitcher
	observer Observer

	mu sync.Mutex
	// cycle identifies the current arm cycle, a callback of an older cycle does nothing
	cycle      uint64
	timer      Timer
	armedLayer int
	seq        uint64
}

func NewController(name string, clock Clock, layers LayerSwitcher) *Controller {
	if clock == nil {
		clock = SystemClock
	}
	return &Controller{
		name:       name,
		clock:      clock,
		layers:     layers,
		armedLayer: config.NoLayerChange,
	}
}

// SetObserver sets the observer that is informed about revert events.
// It has to be called before the controller is used.
func (c *Controller) SetObserver(observer Observer) {
	c.observer = observer
}

// Arm schedules a switch to layer after timeout, replacing any pending one.
// A zero timeout or the NoLayerChange layer only cancels what is pending.
func (c *Controller) Arm(layer int, timeout time.Duration) {
	c.mu.Lock()
	previous := c.armedLayer
	cancelled := c.cancelLocked()
	var cancelSeq uint64
	if cancelled {
		cancelSeq = c.nextSeqLocked()
	}
	if timeout <= 0 || layer == config.NoLayerChange {
		c.mu.Unlock()
		log.Debugf("Revert %s: not arming, layer %d, timeout %v", c.name, layer, timeout)
		if cancelled {
			c.notify(cancelSeq, EventCancelled, previous, 0, nil)
		}
		return
	}
	c.cycle++
	cycle := c.cycle
	c.armedLayer = layer
	armSeq := c.nextSeqLocked()
	c.timer = c.clock.AfterFunc(timeout, func() {
		c.fire(cycle)
	})
	c.mu.Unlock()

	if cancelled {
		c.notify(cancelSeq, EventCancelled, previous, 0, nil)
	}
	log.Debugf("Revert %s: switching to layer %d in %v", c.name, layer, timeout)
	c.notify(armSeq, EventArmed, layer, timeout, nil)
}

// Cancel cancels the pending revert, if any, and returns true if there was one.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	layer := c.armedLayer
	cancelled := c.cancelLocked()
	var seq uint64
	if cancelled {
		seq = c.nextSeqLocked()
	}
	c.mu.Unlock()

	if cancelled {
		log.Debugf("Revert %s: cancelled switch to layer %d", c.name, layer)
		c.notify(seq, EventCancelled, layer, 0, nil)
	}
	return cancelled
}

// Pending returns true if a revert is armed and has not fired yet.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// ArmedLayer returns the layer of the pending revert.
func (c *Controller) ArmedLayer() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return config.NoLayerChange, false
	}
	return c.armedLayer, true
}

// cancelLocked stops the timer of the current cycle. c.mu must be held.
func (c *Controller) cancelLocked() bool {
	if c.timer == nil {
		return false
	}
	// Stop may fail when the callback has started already, it then waits for the lock
	// and sees that the cycle is no longer pending
	c.timer.Stop()
	c.timer = nil
	c.armedLayer = config.NoLayerChange
	return true
}

// fire is called by the clock when the timeout of the given cycle has passed.
func (c *Controller) fire(cycle uint64) {
	c.mu.Lock()
	if c.timer == nil || cycle != c.cycle {
		c.mu.Unlock()
		log.Debugf("Revert %s: timer of a cancelled cycle fired", c.name)
		return
	}
	layer := c.armedLayer
	c.timer = nil
	c.armedLayer = config.NoLayerChange
	seq := c.nextSeqLocked()
	c.mu.Unlock()

	// c.mu is not held while switching
	log.Debugf("Revert %s: switching to layer %d", c.name, layer)
	if err := c.layers.SwitchTo(layer); err != nil {
		log.Warnf("Revert %s: failed to switch to layer %d: %v", c.name, layer, err)
		c.notify(seq, EventFailed, layer, 0, err)
		return
	}
	c.notify(seq, EventFired, layer, 0, nil)
}

// nextSeqLocked numbers a state change. c.mu must be held.
func (c *Controller) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

func (c *Controller) notify(seq uint64, kind EventKind, layer int, timeout time.Duration, err error) {
	if c.observer == nil {
		return
	}
	c.observer.RevertEvent(Event{
		Seq:      seq,
		Instance: c.name,
		Kind:     kind,
		Layer:    layer,
		Timeout:  timeout,
		Err:      err,
		At:       time.Now(),
	})
}
