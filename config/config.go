package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// NoLayerChange is the layer value that means "do not switch layers".
const NoLayerChange = -1

// DefaultTimeoutMs is used for instances that do not set timeoutMs.
const DefaultTimeoutMs = 200

type Action string

const (
	ActionLayer        Action = "layer"
	ActionToggleLayer  Action = "toggle-layer"
	ActionClickBack    Action = "click-back"
	ActionCancelRevert Action = "cancel-revert"
	ActionExec         Action = "exec"
	ActionNop          Action = "nop"
	ActionMulti        Action = "multi"
	ActionMove         Action = "move"
	ActionScroll       Action = "scroll"
	ActionSpeed        Action = "speed"
)

// defaults of the pointer movement
const (
	DefaultMouseLoopInterval      = 20
	DefaultBaseMouseSpeed         = 750.0
	DefaultMouseAccelerationCurve = 2.0
	DefaultMouseAccelerationTime  = 200.0
	DefaultMouseDecelerationCurve = 3.0
	DefaultMouseDecelerationTime  = 300.0
	DefaultBaseScrollSpeed        = 20.0
)

// ErrConfig is matched by every error returned from parsing the configuration.
var ErrConfig = errors.New("invalid config")

// ConfigError describes a malformed part of the configuration.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

func configErrorf(field string, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// RawConfig defines the structure of the config file.
type RawConfig struct {
	Devices        []string      `yaml:"devices"`
	PointerDevices []string      `yaml:"pointerDevices"`
	StartCommand   string        `yaml:"startCommand"`
	StatusListen   string        `yaml:"statusListen"`
	MotionAxes     []string      `yaml:"motionAxes"`
	Instances      []RawInstance `yaml:"instances"`
	Layers         []RawLayer    `yaml:"layers"`

	MouseLoopInterval      int64   `yaml:"mouseLoopInterval"`
	BaseMouseSpeed         float64 `yaml:"baseMouseSpeed"`
	StartMouseSpeed        float64 `yaml:"startMouseSpeed"`
	MouseAccelerationCurve float64 `yaml:"mouseAccelerationCurve"`
	MouseAccelerationTime  float64 `yaml:"mouseAccelerationTime"`
	MouseDecelerationCurve float64 `yaml:"mouseDecelerationCurve"`
	MouseDecelerationTime  float64 `yaml:"mouseDecelerationTime"`
	BaseScrollSpeed        float64 `yaml:"baseScrollSpeed"`
}

type RawInstance struct {
	Name           string `yaml:"name"`
	TimeoutMs      *int64 `yaml:"timeoutMs"`
	ReturnLayer    string `yaml:"returnLayer"`
	PerEvent       bool   `yaml:"perEvent"`
	CancelOnMotion bool   `yaml:"cancelOnMotion"`
}

type RawLayer struct {
	Name         string            `yaml:"name"`
	PassThrough  *bool             `yaml:"passThrough"`
	EnterCommand *string           `yaml:"enterCommand"`
	ExitCommand  *string           `yaml:"exitCommand"`
	Bindings     map[string]string `yaml:"bindings"`
}

// Config is the parsed form of RawConfig.
type Config struct {
	Devices        []string
	PointerDevices []string
	StartCommand   string
	StatusListen   string
	MotionAxes     Axes
	Instances      []*Instance
	Layers         []*Layer
	Pointer        Pointer
}

// Pointer configures the movement and scrolling of the virtual mouse by keys. Speeds are
// in pixels or wheel clicks per second, times in milliseconds.
type Pointer struct {
	LoopInterval      time.Duration
	BaseSpeed         float64
	StartSpeed        float64
	AccelerationCurve float64
	AccelerationTime  float64
	DecelerationCurve float64
	DecelerationTime  float64
	BaseScrollSpeed   float64
}

// Instance is one configured click-back behavior. It is immutable once parsed.
type Instance struct {
	ID             int
	Name           string
	Timeout        time.Duration
	ReturnLayer    int
	PerEvent       bool
	CancelOnMotion bool
}

type Layer struct {
	Index           int
	Name            string
	PassThrough     bool // default true
	EnterCommand    *string
	ExitCommand     *string
	Bindings        map[uint16]Binding
	WildcardBinding Binding
}

// Axes is a bit set of the pointer axes whose motion cancels pending reverts.
type Axes uint8

const (
	AxisX Axes = 1 << iota
	AxisY
	AxisWheel
	AxisHWheel
)

type Binding interface {
	binding()
}

type BaseBinding struct {
}

func (b BaseBinding) binding() {}

type LayerBinding struct {
	BaseBinding
	Layer string
}
type NopBinding struct {
	BaseBinding
}
type ToggleLayerBinding struct {
	BaseBinding
	Layer string
}
type KeyBinding struct {
	BaseBinding
	KeyCombo []uint16
}
type ExecBinding struct {
	BaseBinding
	Command string
}

// ClickBackBinding presses Buttons while held and arms the layer revert of Instance on release.
// Layer is the per-event layer parameter and only matters for instances with PerEvent set.
type ClickBackBinding struct {
	BaseBinding
	Instance string
	Buttons  ButtonMask
	Layer    int
	HasLayer bool

	layerRef string
}

// MultiBinding executes all of its bindings.
type MultiBinding struct {
	BaseBinding
	Bindings []Binding
}

// MoveBinding moves the pointer in direction X, Y while the key is held.
type MoveBinding struct {
	BaseBinding
	X float64
	Y float64
}

// ScrollBinding scrolls in direction X, Y while the key is held.
type ScrollBinding struct {
	BaseBinding
	X float64
	Y float64
}

// SpeedBinding multiplies the speed of moving and scrolling while the key is held.
type SpeedBinding struct {
	BaseBinding
	Speed float64
}

// CancelRevertBinding cancels the pending revert of Instance, or of all instances if Instance is empty.
type CancelRevertBinding struct {
	BaseBinding
	Instance string
}

// ReadConfig reads and parses the configuration from the given file.
func ReadConfig(fileName string) (*Config, error) {
	// read the file
	configFile, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer configFile.Close()

	configString, err := io.ReadAll(configFile)
	if err != nil {
		return nil, err
	}

	return ParseConfig(configString)
}

// ParseConfig parses the given configuration.
func ParseConfig(configBytes []byte) (*Config, error) {
	var rawConfig RawConfig
	err := yaml.Unmarshal(configBytes, &rawConfig)
	if err != nil {
		return nil, &ConfigError{Field: "yaml", Err: err}
	}

	config := Config{}
	config.Devices = rawConfig.Devices
	config.PointerDevices = rawConfig.PointerDevices
	config.StartCommand = rawConfig.StartCommand
	config.StatusListen = rawConfig.StatusListen

	if config.MotionAxes, err = parseAxes(rawConfig.MotionAxes); err != nil {
		return nil, err
	}
	config.Pointer = parsePointer(rawConfig)

	if len(rawConfig.Layers) == 0 {
		return nil, configErrorf("layers", "at least one layer is required")
	}
	for i, l := range rawConfig.Layers {
		layer, err := parseLayer(l)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("layers[%d]", i), Err: err}
		}
		layer.Index = i
		config.Layers = append(config.Layers, layer)
	}

	names := make(map[string]struct{})
	for i, ri := range rawConfig.Instances {
		instance, err := parseInstance(ri, config.Layers)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("instances[%d]", i), Err: err}
		}
		if _, ok := names[instance.Name]; ok {
			return nil, configErrorf(fmt.Sprintf("instances[%d]", i), "duplicate instance name '%s'", instance.Name)
		}
		names[instance.Name] = struct{}{}
		instance.ID = i
		config.Instances = append(config.Instances, instance)
	}

	// resolve the references of click-back bindings now that all layers and instances are known
	for _, layer := range config.Layers {
		for code, b := range layer.Bindings {
			resolved, err := resolveBinding(b, &config, names)
			if err != nil {
				alias, _ := GetKeyAlias(code)
				return nil, &ConfigError{Field: fmt.Sprintf("layer %s, key %s", layer.Name, alias), Err: err}
			}
			layer.Bindings[code] = resolved
		}
		if layer.WildcardBinding != nil {
			resolved, err := resolveBinding(layer.WildcardBinding, &config, names)
			if err != nil {
				return nil, &ConfigError{Field: fmt.Sprintf("layer %s, key *", layer.Name), Err: err}
			}
			layer.WildcardBinding = resolved
		}
	}

	log.Debugf("config: %+v", config)
	return &config, nil
}

// LayerIndex returns the index of the layer with the given name.
func (c *Config) LayerIndex(name string) (int, bool) {
	for i, layer := range c.Layers {
		if layer.Name == name {
			return i, true
		}
	}
	return 0, false
}

// GetInstance returns the instance with the given name.
func (c *Config) GetInstance(name string) (*Instance, bool) {
	for _, instance := range c.Instances {
		if instance.Name == name {
			return instance, true
		}
	}
	return nil, false
}

func parsePointer(raw RawConfig) Pointer {
	pointer := Pointer{
		LoopInterval:      DefaultMouseLoopInterval * time.Millisecond,
		BaseSpeed:         DefaultBaseMouseSpeed,
		StartSpeed:        raw.StartMouseSpeed,
		AccelerationCurve: DefaultMouseAccelerationCurve,
		AccelerationTime:  DefaultMouseAccelerationTime,
		DecelerationCurve: DefaultMouseDecelerationCurve,
		DecelerationTime:  DefaultMouseDecelerationTime,
		BaseScrollSpeed:   DefaultBaseScrollSpeed,
	}
	if raw.MouseLoopInterval > 0 {
		pointer.LoopInterval = time.Duration(raw.MouseLoopInterval) * time.Millisecond
	}
	if raw.BaseMouseSpeed > 0 {
		pointer.BaseSpeed = raw.BaseMouseSpeed
	}
	if raw.MouseAccelerationCurve > 0 {
		pointer.AccelerationCurve = raw.MouseAccelerationCurve
	}
	if raw.MouseAccelerationTime > 0 {
		pointer.AccelerationTime = raw.MouseAccelerationTime
	}
	if raw.MouseDecelerationCurve > 0 {
		pointer.DecelerationCurve = raw.MouseDecelerationCurve
	}
	if raw.MouseDecelerationTime > 0 {
		pointer.DecelerationTime = raw.MouseDecelerationTime
	}
	if raw.BaseScrollSpeed > 0 {
		pointer.BaseScrollSpeed = raw.BaseScrollSpeed
	}
	return pointer
}

func parseInstance(raw RawInstance, layers []*Layer) (*Instance, error) {
	if raw.Name == "" {
		return nil, fmt.Errorf("no name given")
	}
	instance := Instance{
		Name:           raw.Name,
		Timeout:        DefaultTimeoutMs * time.Millisecond,
		ReturnLayer:    NoLayerChange,
		PerEvent:       raw.PerEvent,
		CancelOnMotion: raw.CancelOnMotion,
	}
	if raw.TimeoutMs != nil {
		if *raw.TimeoutMs < 0 {
			return nil, fmt.Errorf("timeoutMs must not be negative: %d", *raw.TimeoutMs)
		}
		instance.Timeout = time.Duration(*raw.TimeoutMs) * time.Millisecond
	}
	if raw.ReturnLayer != "" {
		layer, err := parseLayerRef(raw.ReturnLayer, layers)
		if err != nil {
			return nil, fmt.Errorf("returnLayer: %w", err)
		}
		instance.ReturnLayer = layer
	}
	return &instance, nil
}

// parseLayerRef parses a layer given by index, by name, or as the no-change sentinel.
func parseLayerRef(ref string, layers []*Layer) (int, error) {
	ref = strings.TrimSpace(ref)
	switch strings.ToLower(ref) {
	case "none", "no-change", "255":
		return NoLayerChange, nil
	}
	for i, layer := range layers {
		if layer.Name == ref {
			return i, nil
		}
	}
	index, err := strconv.Atoi(ref)
	if err != nil {
		return 0, fmt.Errorf("unknown layer '%s'", ref)
	}
	if index < 0 || index >= len(layers) {
		return 0, fmt.Errorf("layer index %d out of range, %d layers defined", index, len(layers))
	}
	return index, nil
}

func parseAxes(raw []string) (Axes, error) {
	if len(raw) == 0 {
		return AxisX | AxisY, nil
	}
	var axes Axes
	for _, a := range raw {
		switch strings.ToLower(strings.TrimSpace(a)) {
		case "x":
			axes |= AxisX
		case "y":
			axes |= AxisY
		case "wheel":
			axes |= AxisWheel
		case "hwheel":
			axes |= AxisHWheel
		default:
			return 0, configErrorf("motionAxes", "unknown axis '%s'", a)
		}
	}
	return axes, nil
}

func resolveBinding(b Binding, config *Config, instances map[string]struct{}) (Binding, error) {
	switch t := b.(type) {
	case ClickBackBinding:
		if _, ok := instances[t.Instance]; !ok {
			return nil, fmt.Errorf("unknown click-back instance '%s'", t.Instance)
		}
		if t.layerRef != "" {
			layer, err := parseLayerRef(t.layerRef, config.Layers)
			if err != nil {
				return nil, err
			}
			t.Layer = layer
			t.HasLayer = true
			t.layerRef = ""
		}
		return t, nil
	case CancelRevertBinding:
		if _, ok := instances[t.Instance]; t.Instance != "" && !ok {
			return nil, fmt.Errorf("unknown click-back instance '%s'", t.Instance)
		}
		return t, nil
	case LayerBinding:
		if _, ok := config.LayerIndex(t.Layer); !ok {
			return nil, fmt.Errorf("unknown layer '%s'", t.Layer)
		}
	case ToggleLayerBinding:
		if _, ok := config.LayerIndex(t.Layer); !ok {
			return nil, fmt.Errorf("unknown layer '%s'", t.Layer)
		}
	case MultiBinding:
		resolved := MultiBinding{}
		for _, inner := range t.Bindings {
			switch inner.(type) {
			case ClickBackBinding, CancelRevertBinding:
				return nil, fmt.Errorf("%T is not allowed in a multi binding", inner)
			}
			r, err := resolveBinding(inner, config, instances)
			if err != nil {
				return nil, err
			}
			resolved.Bindings = append(resolved.Bindings, r)
		}
		return resolved, nil
	}
	return b, nil
}

// parseLayer parses a single RawLayer to Layer.
func parseLayer(rawLayer RawLayer) (*Layer, error) {
	var layer Layer

	if rawLayer.Name == "" {
		return nil, fmt.Errorf("no name given")
	}

	layer.Name = rawLayer.Name
	layer.EnterCommand = rawLayer.EnterCommand
	layer.ExitCommand = rawLayer.ExitCommand
	layer.Bindings = make(map[uint16]Binding)
	if rawLayer.PassThrough == nil {
		layer.PassThrough = true
	} else {
		layer.PassThrough = *rawLayer.PassThrough
	}

	for key, bind := range rawLayer.Bindings {
		codes, err := parseKeyCombo(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse the key '%v': %v", key, err)
		}
		if len(codes) != 1 {
			return nil, fmt.Errorf("combos are not supported: '%v'", key)
		}
		binding, err := parseBinding(bind)
		if err != nil {
			return nil, fmt.Errorf("failed to parse the binding '%v': %v", bind, err)
		}
		if codes[0] == WildcardKey {
			layer.WildcardBinding = binding
		} else {
			layer.Bindings[codes[0]] = binding
		}
	}

	return &layer, nil
}

// parseBinding parses a single binding of a layer.
func parseBinding(rawBinding string) (binding Binding, err error) {
	spaceSplit := strings.Fields(rawBinding)
	if len(spaceSplit) == 0 {
		return nil, fmt.Errorf("binding is empty")
	}
	action := spaceSplit[0]
	args := spaceSplit[1:]

	switch action {
	case string(ActionMulti):
		argString := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rawBinding), action))
		metaArgs := strings.Split(argString, ";")
		if len(metaArgs) < 2 {
			return nil, fmt.Errorf("action requires at least two meta arguments (separated by ;)")
		}
		multiBinding := MultiBinding{}
		for _, arg := range metaArgs {
			b, err := parseBinding(arg)
			if err != nil {
				return nil, err
			}
			if _, ok := b.(MultiBinding); ok {
				return nil, fmt.Errorf("multi bindings cannot be nested")
			}
			multiBinding.Bindings = append(multiBinding.Bindings, b)
		}
		binding = multiBinding
	case string(ActionMove):
		if len(args) != 2 {
			return nil, fmt.Errorf("action requires exactly two arguments")
		}
		x, y := 0.0, 0.0
		if x, err = strconv.ParseFloat(args[0], 64); err != nil {
			return nil, fmt.Errorf("first argument must be a number")
		}
		if y, err = strconv.ParseFloat(args[1], 64); err != nil {
			return nil, fmt.Errorf("second argument must be a number")
		}
		binding = MoveBinding{X: x, Y: y}
	case string(ActionScroll):
		if len(args) != 1 {
			return nil, fmt.Errorf("action requires exactly one argument")
		}
		x, y := 0.0, 0.0
		switch args[0] {
		case "up":
			y = -1
		case "down":
			y = +1
		case "left":
			x = -1
		case "right":
			x = +1
		default:
			return nil, fmt.Errorf("first argument must one of up, down, left or right")
		}
		binding = ScrollBinding{X: x, Y: y}
	case string(ActionSpeed):
		if len(args) != 1 {
			return nil, fmt.Errorf("action requires exactly one argument")
		}
		speed := 0.0
		if speed, err = strconv.ParseFloat(args[0], 64); err != nil {
			return nil, fmt.Errorf("first argument must be a number")
		}
		binding = SpeedBinding{Speed: speed}
	case string(ActionLayer):
		if len(args) != 1 {
			return nil, fmt.Errorf("action requires exactly one argument")
		}
		binding = LayerBinding{Layer: args[0]}
	case string(ActionToggleLayer):
		if len(args) != 1 {
			return nil, fmt.Errorf("action requires exactly one argument")
		}
		binding = ToggleLayerBinding{Layer: args[0]}
	case string(ActionClickBack):
		if len(args) != 2 && len(args) != 3 {
			return nil, fmt.Errorf("action requires an instance, a button and an optional layer")
		}
		buttons, err := ParseButtonMask(args[1])
		if err != nil {
			return nil, err
		}
		b := ClickBackBinding{Instance: args[0], Buttons: buttons, Layer: NoLayerChange}
		if len(args) == 3 {
			b.layerRef = args[2]
		}
		binding = b
	case string(ActionCancelRevert):
		if len(args) > 1 {
			return nil, fmt.Errorf("action takes at most one argument")
		}
		b := CancelRevertBinding{}
		if len(args) == 1 {
			b.Instance = args[0]
		}
		binding = b
	case string(ActionExec):
		if len(args) == 0 {
			return nil, fmt.Errorf("action requires at least one argument")
		}
		binding = ExecBinding{Command: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rawBinding), action))}
	case string(ActionNop):
		if len(args) != 0 {
			return nil, fmt.Errorf("action does not take any argument")
		}
		binding = NopBinding{}
	default:
		combo, err := parseKeyCombo(rawBinding)
		if err != nil {
			return nil, fmt.Errorf("neither a valid action nor a valid key sequence")
		}
		binding = KeyBinding{KeyCombo: combo}
	}

	return binding, nil
}

// parseKeyCombo parses a key combination of the form key1+key2+...
func parseKeyCombo(rawCombo string) (combo []uint16, err error) {
	for _, key := range strings.Split(rawCombo, "+") {
		code, err := parseKey(key)
		if err != nil {
			return combo, err
		}
		combo = append(combo, code)
	}
	return combo, nil
}

// parseKey parses a single key, which can be either the code itself or an alias.
func parseKey(key string) (code uint16, err error) {
	key = strings.TrimSpace(key)

	if code, ok := GetKeyCode(key); ok {
		return code, nil
	}

	if code, err := strconv.Atoi(key); err == nil {
		return uint16(code), nil
	}

	return 0, fmt.Errorf("neither an integer nor a key alias")
}
