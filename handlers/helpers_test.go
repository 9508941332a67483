package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jbensmann/clickback/config"
	"github.com/jbensmann/clickback/keyboard"
	"github.com/jbensmann/clickback/motion"
	"github.com/jbensmann/clickback/revert"
	"github.com/jbensmann/clickback/revert/reverttest"
	"github.com/jbensmann/clickback/virtual"
	"github.com/stretchr/testify/require"
)

// EventHandlerMock is the end of the chain under test. It records the events it receives,
// manages the current layer, performs the layer switches of reverts and moves the pointer.
type EventHandlerMock struct {
	clock   *reverttest.Clock
	layers  []*config.Layer
	pointer *virtual.Pointer

	mu            sync.Mutex
	currentLayer  int
	switches      []reverttest.Switch
	eventBindings []EventBinding
}

func NewEventHandlerMock(conf *config.Config, clock *reverttest.Clock) *EventHandlerMock {
	return &EventHandlerMock{
		clock:  clock,
		layers: conf.Layers,
	}
}

func (b *EventHandlerMock) HandleEvent(eventBinding EventBinding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventBindings = append(b.eventBindings, eventBinding)
	code := eventBinding.Event.Code
	if !eventBinding.Event.IsPress {
		b.pointer.OriginalKeyUp(code)
		return
	}
	switch binding := eventBinding.Binding.(type) {
	case config.LayerBinding:
		for i, layer := range b.layers {
			if layer.Name == binding.Layer {
				b.currentLayer = i
			}
		}
	case config.MoveBinding:
		b.pointer.ChangeMoveSpeed(code, binding.X, binding.Y)
	case config.ScrollBinding:
		b.pointer.ChangeScrollSpeed(code, binding.X, binding.Y)
	}
}

func (b *EventHandlerMock) SwitchTo(index int) error {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.layers) {
		return fmt.Errorf("layer %d: %w", index, revert.ErrInvalidLayer)
	}
	b.currentLayer = index
	b.switches = append(b.switches, reverttest.Switch{Layer: index, At: now})
	return nil
}

func (b *EventHandlerMock) Switches() []reverttest.Switch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]reverttest.Switch(nil), b.switches...)
}

func (b *EventHandlerMock) BaseLayer() *config.Layer {
	return b.layers[0]
}

func (b *EventHandlerMock) CurrentLayer() *config.Layer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.layers[b.currentLayer]
}

func (b *EventHandlerMock) SetNextHandler(_ EventHandler) {
}

func (b *EventHandlerMock) SetLayerManager(_ LayerManager) {
}

// sinkMock records every flushed button change as e.g. "+MB1" or "-MB2".
type sinkMock struct {
	mu      sync.Mutex
	staged  []string
	reports []string
	err     error
}

func (s *sinkMock) SetButton(mask config.ButtonMask, pressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := "-"
	if pressed {
		prefix = "+"
	}
	s.staged = append(s.staged, prefix+mask.String())
}

func (s *sinkMock) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.staged
	s.staged = nil
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, staged...)
	return nil
}

func (s *sinkMock) Reports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reports...)
}

type pointerSinkMock struct {
	mu    sync.Mutex
	moves int
}

func (s *pointerSinkMock) Move(_, _ int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moves++
}

func (s *pointerSinkMock) Scroll(_ bool, _, _ int32) {
}

const clickBackConfig = `
instances:
- name: back
  timeoutMs: 500
  returnLayer: l2
- name: quick
  timeoutMs: 200
  returnLayer: l3
- name: moving
  timeoutMs: 300
  returnLayer: l1
  cancelOnMotion: true
- name: zero
  timeoutMs: 0
  returnLayer: base
- name: dynamic
  timeoutMs: 100
  perEvent: true
  cancelOnMotion: true
layers:
- name: base
  bindings:
    a: click-back back left
    b: click-back quick right
    c: click-back moving left
    d: click-back zero left
    e: click-back dynamic left l2
    f: click-back dynamic middle
    g: cancel-revert
    h: cancel-revert back
    j: move 1 0
    k: scroll down
    l: layer l1
- name: l1
  passThrough: false
- name: l2
- name: l3
  bindings:
    h: click-back back left
`

// pointerTick is the interval in which the harness moves the pointer.
const pointerTick = 20 * time.Millisecond

// harness wires a DefaultHandler and a ClickBackHandler to the mocks.
type harness struct {
	clock       *reverttest.Clock
	sink        *sinkMock
	pointerSink *pointerSinkMock
	mock        *EventHandlerMock
	registry    *Registry
	listener    *motion.Listener
	pointer     *virtual.Pointer
	chain       EventHandler
}

func newHarness(t *testing.T, configStr string) *harness {
	conf, err := config.ParseConfig([]byte(configStr))
	require.NoError(t, err)

	h := harness{
		clock:       reverttest.NewClock(),
		sink:        &sinkMock{},
		pointerSink: &pointerSinkMock{},
	}
	h.mock = NewEventHandlerMock(conf, h.clock)
	h.registry = NewRegistry(conf, h.sink, h.clock, h.mock, nil)
	var subscribers []motion.Canceller
	for _, instance := range h.registry.MotionSubscribers() {
		subscribers = append(subscribers, instance)
	}
	h.listener = motion.NewListener(conf.MotionAxes, subscribers...)
	h.pointer = virtual.NewPointer(conf.Pointer, h.pointerSink, func(d motion.Displacement) {
		h.listener.HandleDisplacement(d)
	})
	h.mock.pointer = h.pointer
	h.chain = Chain(h.mock, NewDefaultHandler(), NewClickBackHandler(h.registry), h.mock)
	return &h
}

// feed runs a scenario like "Pa 100 Ra M5 300": P and R press and release a key,
// a number advances the clock by that many milliseconds, Mx moves the pointer by x.
// While the clock advances, the pointer is moved every pointerTick.
func (h *harness) feed(t *testing.T, events string) {
	for _, s := range strings.Fields(events) {
		switch s[0] {
		case 'P', 'R':
			code, ok := config.GetKeyCode(s[1:])
			require.True(t, ok, "unknown key %s", s)
			h.chain.HandleEvent(EventBinding{Event: keyboard.Event{Code: code, IsPress: s[0] == 'P', Time: time.Now()}})
		case 'M':
			dx, err := strconv.Atoi(s[1:])
			require.NoError(t, err)
			h.listener.HandleDisplacement(motion.Displacement{DX: int32(dx)})
		default:
			ms, err := strconv.Atoi(s)
			require.NoError(t, err, "failed to parse milliseconds: %s", s)
			for remaining := time.Duration(ms) * time.Millisecond; remaining > 0; {
				step := min(remaining, pointerTick)
				h.clock.Advance(step)
				h.pointer.Tick(step)
				remaining -= step
			}
		}
	}
}

func layerSwitches(switches ...int) []reverttest.Switch {
	var result []reverttest.Switch
	for i := 0; i+1 < len(switches); i += 2 {
		result = append(result, reverttest.Switch{Layer: switches[i], At: time.Duration(switches[i+1]) * time.Millisecond})
	}
	return result
}
