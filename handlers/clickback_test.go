package handlers

import (
	"errors"
	"testing"

	"github.com/jbensmann/clickback/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickBackScenarios(t *testing.T) {
	tests := []struct {
		events   string
		reports  []string
		switches []int // pairs of layer and time in ms
	}{
		// every press and release is reported
		{"Pa Ra Pa Ra", []string{"+MB1", "-MB1", "+MB1", "-MB1"}, nil},
		{"Pb Rb Pb Rb", []string{"+MB2", "-MB2", "+MB2", "-MB2"}, nil},
		// the revert fires once after the timeout
		{"Pb Rb 199", []string{"+MB2", "-MB2"}, nil},
		{"Pb Rb 200", []string{"+MB2", "-MB2"}, []int{3, 200}},
		{"Pb Rb 250 1000", []string{"+MB2", "-MB2"}, []int{3, 200}},
		{"Pb 100 Rb 250", []string{"+MB2", "-MB2"}, []int{3, 300}},
		// a press before the timeout cancels the revert
		{"Pa Ra 100 Pa 500", []string{"+MB1", "-MB1", "+MB1"}, nil},
		{"Pa Ra 100 Pa 50 Ra 499", []string{"+MB1", "-MB1", "+MB1", "-MB1"}, nil},
		{"Pa Ra 100 Pa 50 Ra 500", []string{"+MB1", "-MB1", "+MB1", "-MB1"}, []int{2, 650}},
		// a release re-arms
		{"Pa Ra 300 Pa Ra 499 1", []string{"+MB1", "-MB1", "+MB1", "-MB1"}, []int{2, 800}},
		// pointer motion cancels instances that listen for it
		{"Pc Rc 50 M5 1000", []string{"+MB1", "-MB1"}, nil},
		{"Pc Rc 50 M0 1000", []string{"+MB1", "-MB1"}, []int{1, 300}},
		{"Pa Ra 50 M5 1000", []string{"+MB1", "-MB1"}, []int{2, 500}},
		{"Pc Rc 300 M5 1000", []string{"+MB1", "-MB1"}, []int{1, 300}},
		// and so does moving the pointer by keys, but not scrolling with the default axes
		{"Pc Rc 50 Pj 1000", []string{"+MB1", "-MB1"}, nil},
		{"Pc Rc 50 Pj Rj 1000", []string{"+MB1", "-MB1"}, []int{1, 300}},
		{"Pa Ra 50 Pj 1000", []string{"+MB1", "-MB1"}, []int{2, 500}},
		{"Pc Rc 50 Pk 1000", []string{"+MB1", "-MB1"}, []int{1, 300}},
		// zero timeout never schedules anything
		{"Pd Rd 1000", []string{"+MB1", "-MB1"}, nil},
		// the layer of the binding is used for per-event instances
		{"Pe Re 100", []string{"+MB1", "-MB1"}, []int{2, 100}},
		{"Pf Rf 1000", []string{"+MB3", "-MB3"}, nil},
		{"Pe Re 50 Pf Rf 1000", []string{"+MB1", "-MB1", "+MB3", "-MB3"}, nil},
		// instances are independent of each other
		{"Pa Ra Pb Rb 1000", []string{"+MB1", "-MB1", "+MB2", "-MB2"}, []int{3, 200, 2, 500}},
		{"Pa Ra Pb 1000", []string{"+MB1", "-MB1", "+MB2"}, []int{2, 500}},
		// cancel-revert bindings
		{"Pa Ra 100 Pg Rg 1000", []string{"+MB1", "-MB1"}, nil},
		{"Pa Ra Pb Rb 100 Pg 1000", []string{"+MB1", "-MB1", "+MB2", "-MB2"}, nil},
		{"Pa Ra Pb Rb 100 Ph 1000", []string{"+MB1", "-MB1", "+MB2", "-MB2"}, []int{3, 200}},
		// the release goes to the pressed binding even if the layer changed in between
		{"Pa Pl Ra 1000", []string{"+MB1", "-MB1"}, []int{2, 500}},
		// a release without press still releases the buttons and arms
		{"Ra 1000", []string{"-MB1"}, []int{2, 500}},
		// but not for keys that were pressed with another binding
		{"Pl Rl Pa Pesc Ra 1000", nil, nil},
		{"Pb Rb Ph 200 Rh 1000", []string{"+MB2", "-MB2"}, []int{3, 200}},
		// after a revert the keys of the new layer apply
		{"Pb Rb 200 Pa Ra 1000", []string{"+MB2", "-MB2"}, []int{3, 200}},
	}
	for _, test := range tests {
		h := newHarness(t, clickBackConfig)
		h.feed(t, test.events)
		assert.Equal(t, test.reports, h.sink.Reports(), "reports of %s", test.events)
		assert.Equal(t, layerSwitches(test.switches...), h.mock.Switches(), "switches of %s", test.events)
	}
}

func TestPointerMovementCancelsRevert(t *testing.T) {
	h := newHarness(t, clickBackConfig)
	moving, _ := h.registry.Get("moving")

	h.feed(t, "Pc Rc 50 Pj 20")
	assert.True(t, moving.Pending())
	assert.Equal(t, 0, h.pointerSink.moves)

	// the first whole pixel is moved in the third tick
	h.feed(t, "40")
	assert.False(t, moving.Pending())
	assert.Greater(t, h.pointerSink.moves, 0)
	h.feed(t, "Rj 1000")
	assert.Empty(t, h.mock.Switches())
}

func TestClickBackPressIsNotForwarded(t *testing.T) {
	h := newHarness(t, clickBackConfig)
	h.feed(t, "Pa Ra Pg Pz")

	require.Len(t, h.mock.eventBindings, 4)
	assert.Equal(t, config.NopBinding{}, h.mock.eventBindings[0].Binding)
	assert.Nil(t, h.mock.eventBindings[1].Binding)
	assert.Equal(t, config.NopBinding{}, h.mock.eventBindings[2].Binding)
	z, _ := config.GetKeyCode("z")
	assert.Equal(t, config.KeyBinding{KeyCombo: []uint16{z}}, h.mock.eventBindings[3].Binding)
}

func TestInstanceState(t *testing.T) {
	h := newHarness(t, clickBackConfig)
	back, ok := h.registry.Get("back")
	require.True(t, ok)
	assert.Equal(t, 0, back.ID())

	assert.Equal(t, InstanceStateIdle, back.State())
	h.feed(t, "Pa")
	assert.Equal(t, InstanceStatePressed, back.State())
	assert.False(t, back.Pending())
	h.feed(t, "Ra")
	assert.Equal(t, InstanceStateIdle, back.State())
	assert.True(t, back.Pending())
	h.feed(t, "500")
	assert.False(t, back.Pending())
}

func TestZeroTimeoutStaysIdle(t *testing.T) {
	h := newHarness(t, clickBackConfig)
	zero, _ := h.registry.Get("zero")

	h.feed(t, "Pd Rd")
	assert.Equal(t, InstanceStateIdle, zero.State())
	assert.False(t, zero.Pending())
	assert.Equal(t, 0, h.clock.Outstanding())
}

func TestReleaseWithoutPress(t *testing.T) {
	h := newHarness(t, clickBackConfig)
	quick, _ := h.registry.Get("quick")

	require.NoError(t, quick.OnRelease(config.MB2, config.NoLayerChange))
	require.NoError(t, quick.OnRelease(config.MB2, config.NoLayerChange))
	assert.Equal(t, []string{"-MB2", "-MB2"}, h.sink.Reports())
	assert.True(t, quick.Pending())
	assert.Equal(t, 1, h.clock.Outstanding())

	h.feed(t, "1000")
	assert.Equal(t, layerSwitches(3, 200), h.mock.Switches())
}

func TestTransportError(t *testing.T) {
	h := newHarness(t, clickBackConfig)
	transportErr := errors.New("device gone")
	h.sink.err = transportErr
	back, _ := h.registry.Get("back")

	err := back.OnPress(config.MB1, config.NoLayerChange)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, transportErr))
	assert.Equal(t, InstanceStatePressed, back.State())

	// the revert is armed although the release could not be sent
	err = back.OnRelease(config.MB1, config.NoLayerChange)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Equal(t, InstanceStateIdle, back.State())
	assert.True(t, back.Pending())

	h.feed(t, "500")
	assert.Equal(t, layerSwitches(2, 500), h.mock.Switches())
}

func TestCancelPendingRevert(t *testing.T) {
	h := newHarness(t, clickBackConfig)
	back, _ := h.registry.Get("back")

	assert.False(t, back.CancelPendingRevert())
	h.feed(t, "Pa Ra 100")
	assert.True(t, back.CancelPendingRevert())
	assert.False(t, back.CancelPendingRevert())
	h.feed(t, "1000")
	assert.Empty(t, h.mock.Switches())
}

func TestRegistry(t *testing.T) {
	h := newHarness(t, clickBackConfig)

	require.Len(t, h.registry.Instances(), 5)
	for i, instance := range h.registry.Instances() {
		byID, ok := h.registry.ByID(i)
		require.True(t, ok)
		assert.Same(t, instance, byID)
		byName, ok := h.registry.Get(instance.Name())
		require.True(t, ok)
		assert.Same(t, instance, byName)
	}
	_, ok := h.registry.ByID(5)
	assert.False(t, ok)
	_, ok = h.registry.Get("unknown")
	assert.False(t, ok)

	var names []string
	for _, instance := range h.registry.MotionSubscribers() {
		names = append(names, instance.Name())
	}
	assert.Equal(t, []string{"moving", "dynamic"}, names)

	h.feed(t, "Pa Ra Pb Rb Pc Rc")
	assert.Equal(t, 3, h.registry.CancelAll())
	assert.Equal(t, 0, h.registry.CancelAll())
}
