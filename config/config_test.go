package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
devices:
- my keyboard
statusListen: 127.0.0.1:9470
motionAxes: [x, y, wheel]
mouseLoopInterval: 10
baseMouseSpeed: 1000
mouseAccelerationCurve: 1.5
instances:
- name: back
  timeoutMs: 500
  returnLayer: nav
- name: default
- name: numeric
  timeoutMs: 0
  returnLayer: "1"
- name: sentinel
  returnLayer: "255"
- name: dynamic
  perEvent: true
  cancelOnMotion: true
layers:
- name: base
  bindings:
    a: click-back back left
    b: click-back dynamic left|mb3 nav
    c: click-back dynamic 3 none
    d: cancel-revert
    e: cancel-revert back
    f: layer nav
    g: nop
    h: exec echo hello world
    i: move 1 -0.5
    k: scroll down
    l: speed 2.5
    m: multi move 0 1; speed 0.5
    "*": leftctrl+*
- name: nav
  passThrough: false
  bindings:
    j: down
`

func TestParseConfig(t *testing.T) {
	conf, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"my keyboard"}, conf.Devices)
	assert.Equal(t, "127.0.0.1:9470", conf.StatusListen)
	assert.Equal(t, AxisX|AxisY|AxisWheel, conf.MotionAxes)

	require.Len(t, conf.Layers, 2)
	assert.True(t, conf.Layers[0].PassThrough)
	assert.False(t, conf.Layers[1].PassThrough)
	assert.Equal(t, 1, conf.Layers[1].Index)

	require.Len(t, conf.Instances, 5)
	expected := []Instance{
		{ID: 0, Name: "back", Timeout: 500 * time.Millisecond, ReturnLayer: 1},
		{ID: 1, Name: "default", Timeout: 200 * time.Millisecond, ReturnLayer: NoLayerChange},
		{ID: 2, Name: "numeric", Timeout: 0, ReturnLayer: 1},
		{ID: 3, Name: "sentinel", Timeout: 200 * time.Millisecond, ReturnLayer: NoLayerChange},
		{ID: 4, Name: "dynamic", Timeout: 200 * time.Millisecond, ReturnLayer: NoLayerChange, PerEvent: true,
			CancelOnMotion: true},
	}
	for i, instance := range conf.Instances {
		assert.Equal(t, expected[i], *instance)
	}
	back, ok := conf.GetInstance("back")
	require.True(t, ok)
	assert.Same(t, conf.Instances[0], back)
}

func TestParsePointer(t *testing.T) {
	conf, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)
	assert.Equal(t, Pointer{
		LoopInterval:      10 * time.Millisecond,
		BaseSpeed:         1000,
		AccelerationCurve: 1.5,
		AccelerationTime:  DefaultMouseAccelerationTime,
		DecelerationCurve: DefaultMouseDecelerationCurve,
		DecelerationTime:  DefaultMouseDecelerationTime,
		BaseScrollSpeed:   DefaultBaseScrollSpeed,
	}, conf.Pointer)
}

func TestParseBindings(t *testing.T) {
	conf, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)
	base := conf.Layers[0]

	key := func(alias string) uint16 {
		code, ok := GetKeyCode(alias)
		require.True(t, ok, alias)
		return code
	}

	assert.Equal(t, ClickBackBinding{Instance: "back", Buttons: MB1, Layer: NoLayerChange}, base.Bindings[key("a")])
	assert.Equal(t, ClickBackBinding{Instance: "dynamic", Buttons: MB1 | MB3, Layer: 1, HasLayer: true},
		base.Bindings[key("b")])
	assert.Equal(t, ClickBackBinding{Instance: "dynamic", Buttons: MB1 | MB2, Layer: NoLayerChange, HasLayer: true},
		base.Bindings[key("c")])
	assert.Equal(t, CancelRevertBinding{}, base.Bindings[key("d")])
	assert.Equal(t, CancelRevertBinding{Instance: "back"}, base.Bindings[key("e")])
	assert.Equal(t, LayerBinding{Layer: "nav"}, base.Bindings[key("f")])
	assert.Equal(t, NopBinding{}, base.Bindings[key("g")])
	assert.Equal(t, ExecBinding{Command: "echo hello world"}, base.Bindings[key("h")])
	assert.Equal(t, MoveBinding{X: 1, Y: -0.5}, base.Bindings[key("i")])
	assert.Equal(t, ScrollBinding{X: 0, Y: 1}, base.Bindings[key("k")])
	assert.Equal(t, SpeedBinding{Speed: 2.5}, base.Bindings[key("l")])
	assert.Equal(t, MultiBinding{Bindings: []Binding{MoveBinding{X: 0, Y: 1}, SpeedBinding{Speed: 0.5}}},
		base.Bindings[key("m")])
	assert.Equal(t, KeyBinding{KeyCombo: []uint16{key("leftctrl"), WildcardKey}}, base.WildcardBinding)
	assert.Equal(t, KeyBinding{KeyCombo: []uint16{key("down")}}, conf.Layers[1].Bindings[key("j")])
}

func TestParseConfigErrors(t *testing.T) {
	tests := map[string]string{
		"no layers": `
instances:
- name: a`,
		"negative timeout": `
instances:
- name: a
  timeoutMs: -1
layers:
- name: base`,
		"duplicate instance": `
instances:
- name: a
- name: a
layers:
- name: base`,
		"instance without name": `
instances:
- timeoutMs: 5
layers:
- name: base`,
		"unknown return layer": `
instances:
- name: a
  returnLayer: nav
layers:
- name: base`,
		"return layer out of range": `
instances:
- name: a
  returnLayer: "2"
layers:
- name: base
- name: nav`,
		"unknown instance": `
layers:
- name: base
  bindings:
    a: click-back missing left`,
		"unknown button": `
instances:
- name: a
layers:
- name: base
  bindings:
    a: click-back a thumb`,
		"button out of range": `
instances:
- name: a
layers:
- name: base
  bindings:
    a: click-back a 32`,
		"unknown binding layer": `
instances:
- name: a
layers:
- name: base
  bindings:
    a: click-back a left nav`,
		"unknown cancel instance": `
layers:
- name: base
  bindings:
    a: cancel-revert missing`,
		"unknown layer binding": `
layers:
- name: base
  bindings:
    a: layer nav`,
		"unknown axis": `
motionAxes: [z]
layers:
- name: base`,
		"combo key": `
layers:
- name: base
  bindings:
    a+b: nop`,
		"click-back in multi": `
instances:
- name: a
layers:
- name: base
  bindings:
    a: multi click-back a left; speed 2`,
		"nested multi": `
layers:
- name: base
  bindings:
    a: multi speed 2; multi speed 2; speed 3`,
		"single multi": `
layers:
- name: base
  bindings:
    a: multi speed 2`,
		"invalid move": `
layers:
- name: base
  bindings:
    a: move 1`,
		"invalid scroll": `
layers:
- name: base
  bindings:
    a: scroll sideways`,
		"invalid yaml": `layers: [`,
	}
	for name, configStr := range tests {
		_, err := ParseConfig([]byte(configStr))
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrConfig), "%s: %v", name, err)
		var configErr *ConfigError
		assert.True(t, errors.As(err, &configErr), name)
	}
}

func TestParseLayerRef(t *testing.T) {
	layers := []*Layer{{Name: "base"}, {Name: "2"}, {Name: "nav"}}
	tests := map[string]int{
		"base":      0,
		"nav":       2,
		"0":         0,
		"2":         1, // names take precedence over indices
		"none":      NoLayerChange,
		"No-Change": NoLayerChange,
		"255":       NoLayerChange,
	}
	for ref, expected := range tests {
		layer, err := parseLayerRef(ref, layers)
		require.NoError(t, err, ref)
		assert.Equal(t, expected, layer, ref)
	}
	for _, ref := range []string{"-1", "3", "mouse"} {
		_, err := parseLayerRef(ref, layers)
		assert.Error(t, err, ref)
	}
}

func TestParseButtonMask(t *testing.T) {
	tests := map[string]ButtonMask{
		"left":           MB1,
		"Right":          MB2,
		"middle":         MB3,
		"back":           MB4,
		"forward":        MB5,
		"left|mb4":       MB1 | MB4,
		" left | right ": MB1 | MB2,
		"5":              MB1 | MB3,
		"0x10":           MB5,
	}
	for raw, expected := range tests {
		mask, err := ParseButtonMask(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, expected, mask, raw)
	}
	for _, raw := range []string{"", "0", "32", "thumb", "left|"} {
		_, err := ParseButtonMask(raw)
		assert.Error(t, err, raw)
	}
}

func TestButtonMaskString(t *testing.T) {
	assert.Equal(t, "none", ButtonMask(0).String())
	assert.Equal(t, "MB1", MB1.String())
	assert.Equal(t, "MB1|MB3|MB5", (MB1 | MB3 | MB5).String())
}

func TestKeyAliases(t *testing.T) {
	code, ok := GetKeyCode("a")
	require.True(t, ok)
	alias, ok := GetKeyAlias(code)
	require.True(t, ok)
	assert.Equal(t, "a", alias)

	_, ok = GetKeyCode("nokey")
	assert.False(t, ok)
}
