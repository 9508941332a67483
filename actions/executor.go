package actions

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/jbensmann/clickback/config"
	"github.com/jbensmann/clickback/handlers"
	"github.com/jbensmann/clickback/revert"
	log "github.com/sirupsen/logrus"
)

// KeyPresser is the virtual keyboard that key bindings are sent to.
type KeyPresser interface {
	PressKeys(triggeredByKey uint16, codes []uint16)
	OriginalKeyUp(code uint16)
}

// PointerMover moves and scrolls the virtual mouse while keys are held.
type PointerMover interface {
	ChangeMoveSpeed(triggeredByKey uint16, x float64, y float64)
	ChangeScrollSpeed(triggeredByKey uint16, x float64, y float64)
	AddSpeedFactor(triggeredByKey uint16, speedFactor float64)
	OriginalKeyUp(code uint16)
}

// BindingExecutor is the last element of the handler chain. It executes the resolved bindings
// and owns the current layer.
type BindingExecutor struct {
	config          *config.Config
	virtualKeyboard KeyPresser
	pointer         PointerMover
	runCommand      func(command string, env ...string) error

	mu           sync.Mutex
	currentLayer *config.Layer
	// remember all keys that toggled a layer, and from which layer they came from
	toggleLayerKeys     []uint16
	toggleLayerPrevious []*config.Layer
}

func NewBindingExecutor(config *config.Config, virtualKeyboard KeyPresser, pointer PointerMover) *BindingExecutor {
	b := BindingExecutor{
		config:          config,
		virtualKeyboard: virtualKeyboard,
		pointer:         pointer,
		runCommand:      runShellCommand,
		currentLayer:    config.Layers[0],
	}
	return &b
}

func (b *BindingExecutor) SetNextHandler(_ handlers.EventHandler) {
}

func (b *BindingExecutor) SetLayerManager(_ handlers.LayerManager) {
}

func (b *BindingExecutor) HandleEvent(eventBinding handlers.EventBinding) {
	if eventBinding.Binding != nil {
		b.ExecuteBinding(eventBinding.Binding, eventBinding.Event.Code)
	}
	if !eventBinding.Event.IsPress {
		b.KeyReleased(eventBinding.Event.Code)
	}
}

func (b *BindingExecutor) ExecuteBinding(binding config.Binding, causeCode uint16) {
	log.Debugf("Executing %T: %+v", binding, binding)

	switch t := binding.(type) {
	case config.MultiBinding:
		for _, b2 := range t.Bindings {
			b.ExecuteBinding(b2, causeCode)
		}
	case config.SpeedBinding:
		b.pointer.AddSpeedFactor(causeCode, t.Speed)
	case config.ScrollBinding:
		b.pointer.ChangeScrollSpeed(causeCode, t.X, t.Y)
	case config.MoveBinding:
		b.pointer.ChangeMoveSpeed(causeCode, t.X, t.Y)
	case config.KeyBinding:
		// replace any wildcard with the key that was pressed
		keys := make([]uint16, len(t.KeyCombo))
		copy(keys, t.KeyCombo)
		for i, key := range keys {
			if key == config.WildcardKey {
				keys[i] = causeCode
			}
		}
		b.virtualKeyboard.PressKeys(causeCode, keys)
	case config.LayerBinding:
		b.mu.Lock()
		defer b.mu.Unlock()
		// deactivate any toggled layers
		b.toggleLayerKeys = nil
		b.toggleLayerPrevious = nil
		if layer, ok := b.getLayer(t.Layer); ok {
			b.goToLayer(layer)
		}
	case config.ToggleLayerBinding:
		b.mu.Lock()
		defer b.mu.Unlock()
		if layer, ok := b.getLayer(t.Layer); ok {
			b.toggleLayerKeys = append(b.toggleLayerKeys, causeCode)
			b.toggleLayerPrevious = append(b.toggleLayerPrevious, b.currentLayer)
			b.goToLayer(layer)
		}
	case config.ExecBinding:
		log.Debugf("Executing: %s", t.Command)
		// pass the pressed key as environment variable
		alias, exists := config.GetKeyAlias(causeCode)
		if !exists {
			alias = "unknown"
		}
		err := b.runCommand(t.Command, fmt.Sprintf("key=%s", alias), fmt.Sprintf("key_code=%d", causeCode))
		if err != nil {
			log.Warnf("Execution of command failed: %v", err)
		}
	case config.NopBinding:
	default:
		log.Warnf("BindingExecutor: unhandled binding %T", binding)
	}
}

// SwitchTo switches to the layer with the given index. Toggled layers are forgotten,
// as with a layer binding.
func (b *BindingExecutor) SwitchTo(index int) error {
	if index < 0 || index >= len(b.config.Layers) {
		return fmt.Errorf("layer %d of %d: %w", index, len(b.config.Layers), revert.ErrInvalidLayer)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toggleLayerKeys = nil
	b.toggleLayerPrevious = nil
	b.goToLayer(b.config.Layers[index])
	return nil
}

func (b *BindingExecutor) CurrentLayer() *config.Layer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLayer
}

func (b *BindingExecutor) BaseLayer() *config.Layer {
	return b.config.Layers[0]
}

func (b *BindingExecutor) KeyReleased(code uint16) {
	b.mu.Lock()
	// go back to the previous layer when toggleLayerKey is released
	for i, key := range b.toggleLayerKeys {
		if key == code {
			b.goToLayer(b.toggleLayerPrevious[i])
			// all layers that have been toggled after the current one are removed as well
			b.toggleLayerKeys = b.toggleLayerKeys[:i]
			b.toggleLayerPrevious = b.toggleLayerPrevious[:i]
			break
		}
	}
	b.mu.Unlock()

	// inform the keyboard and the pointer about key releases
	b.virtualKeyboard.OriginalKeyUp(code)
	b.pointer.OriginalKeyUp(code)
}

func (b *BindingExecutor) getLayer(name string) (*config.Layer, bool) {
	for _, layer := range b.config.Layers {
		if layer.Name == name {
			return layer, true
		}
	}
	log.Warnf("BindingExecutor: layer does not exist: %s", name)
	return nil, false
}

// goToLayer switches to the given layer and executes the appropriate exit and enter commands if set.
// b.mu must be held.
func (b *BindingExecutor) goToLayer(layer *config.Layer) {
	if layer == b.currentLayer {
		return
	}
	b.executeCommandIfNotEmpty(b.currentLayer.ExitCommand)
	log.Debugf("Switching to layer %v", layer.Name)
	b.currentLayer = layer
	b.executeCommandIfNotEmpty(layer.EnterCommand)
}

func (b *BindingExecutor) executeCommandIfNotEmpty(command *string) {
	if command != nil && *command != "" {
		log.Debugf("Executing command: %s", *command)
		if err := b.runCommand(*command); err != nil {
			log.Warnf("Execution of command '%s' failed: %v", *command, err)
		}
	}
}

func runShellCommand(command string, env ...string) error {
	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return fmt.Errorf("%w, stderr: %s", err, stderr.String())
	}
	return err
}
