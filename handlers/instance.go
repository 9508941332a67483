package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jbensmann/clickback/config"
	"github.com/jbensmann/clickback/revert"
	log "github.com/sirupsen/logrus"
)

// FlushTimeout is the longest time a press or release waits for the mouse report to be written.
const FlushTimeout = 100 * time.Millisecond

// ErrTransport is returned when a mouse report could not be sent.
var ErrTransport = errors.New("mouse report could not be sent")

// ReportSink receives mouse button changes.
type ReportSink interface {
	SetButton(mask config.ButtonMask, pressed bool)
	Flush(ctx context.Context) error
}

type InstanceState int

const (
	InstanceStateIdle InstanceState = iota
	InstanceStatePressed
)

func (s InstanceState) String() string {
	if s == InstanceStatePressed {
		return "pressed"
	}
	return "idle"
}

// Instance is a single configured click-back behavior: it clicks mouse buttons and
// switches back to a layer a while after the buttons have been released.
type Instance struct {
	config *config.Instance
	sink   ReportSink
	revert *revert.Controller

	mu    sync.Mutex
	state InstanceState
}

func NewInstance(conf *config.Instance, sink ReportSink, controller *revert.Controller) *Instance {
	return &Instance{
		config: conf,
		sink:   sink,
		revert: controller,
		state:  InstanceStateIdle,
	}
}

func (i *Instance) ID() int {
	return i.config.ID
}

func (i *Instance) Name() string {
	return i.config.Name
}

// OnPress cancels a pending revert and presses the buttons.
// An error wraps ErrTransport, the press counts as done anyway.
func (i *Instance) OnPress(buttons config.ButtonMask, layerParam int) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	log.Debugf("ClickBack %s: pressing %v", i.config.Name, buttons)
	i.revert.Cancel()
	i.state = InstanceStatePressed
	i.sink.SetButton(buttons, true)
	return i.flush()
}

// OnRelease releases the buttons and arms the revert. A release is accepted in any state.
// An error wraps ErrTransport, the revert is armed nevertheless.
func (i *Instance) OnRelease(buttons config.ButtonMask, layerParam int) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	log.Debugf("ClickBack %s: releasing %v", i.config.Name, buttons)
	i.state = InstanceStateIdle
	i.sink.SetButton(buttons, false)
	err := i.flush()
	i.revert.Arm(i.targetLayer(layerParam), i.config.Timeout)
	return err
}

// CancelPendingRevert cancels the pending revert without pressing anything.
func (i *Instance) CancelPendingRevert() bool {
	return i.revert.Cancel()
}

// State returns whether the buttons of the instance are currently held.
func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Pending returns true if a revert is armed.
func (i *Instance) Pending() bool {
	return i.revert.Pending()
}

func (i *Instance) targetLayer(layerParam int) int {
	if i.config.PerEvent {
		return layerParam
	}
	return i.config.ReturnLayer
}

func (i *Instance) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), FlushTimeout)
	defer cancel()
	if err := i.sink.Flush(ctx); err != nil {
		log.Warnf("ClickBack %s: %v", i.config.Name, err)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Registry holds all instances, indexed by their id and name.
type Registry struct {
	instances []*Instance
	byName    map[string]*Instance
}

// NewRegistry creates one instance per configured click-back behavior.
// observer may be nil.
func NewRegistry(conf *config.Config, sink ReportSink, clock revert.Clock, layers revert.LayerSwitcher,
	observer revert.Observer) *Registry {
	r := Registry{
		byName: make(map[string]*Instance),
	}
	for _, instanceConf := range conf.Instances {
		controller := revert.NewController(instanceConf.Name, clock, layers)
		if observer != nil {
			controller.SetObserver(observer)
		}
		instance := NewInstance(instanceConf, sink, controller)
		r.instances = append(r.instances, instance)
		r.byName[instance.Name()] = instance
		log.Debugf("ClickBack %s: registered with timeout %v and return layer %d",
			instanceConf.Name, instanceConf.Timeout, instanceConf.ReturnLayer)
	}
	return &r
}

func (r *Registry) Get(name string) (*Instance, bool) {
	instance, ok := r.byName[name]
	return instance, ok
}

func (r *Registry) ByID(id int) (*Instance, bool) {
	if id < 0 || id >= len(r.instances) {
		return nil, false
	}
	return r.instances[id], true
}

func (r *Registry) Instances() []*Instance {
	return r.instances
}

// CancelAll cancels the pending reverts of all instances and returns how many there were.
func (r *Registry) CancelAll() int {
	n := 0
	for _, instance := range r.instances {
		if instance.CancelPendingRevert() {
			n++
		}
	}
	return n
}

// MotionSubscribers returns the instances that are cancelled by pointer motion.
func (r *Registry) MotionSubscribers() []*Instance {
	var subscribers []*Instance
	for _, instance := range r.instances {
		if instance.config.CancelOnMotion {
			subscribers = append(subscribers, instance)
		}
	}
	return subscribers
}
