package handlers

import (
	"sync"

	"github.com/jbensmann/clickback/config"
	log "github.com/sirupsen/logrus"
)

// ClickBackHandler executes click-back and cancel-revert bindings and forwards everything else.
type ClickBackHandler struct {
	BaseHandler
	registry *Registry

	mu sync.Mutex
	// the click-back bindings of keys that are currently pressed
	pressedBindings map[uint16]config.ClickBackBinding
	// all other keys that are currently pressed, including cancel-revert keys
	pressedKeys map[uint16]struct{}
}

func NewClickBackHandler(registry *Registry) *ClickBackHandler {
	return &ClickBackHandler{
		registry:        registry,
		pressedBindings: make(map[uint16]config.ClickBackBinding),
		pressedKeys:     make(map[uint16]struct{}),
	}
}

func (c *ClickBackHandler) HandleEvent(eventBinding EventBinding) {
	log.Debugf("ClickBackHandler: handling Event: %+v", eventBinding)
	event := eventBinding.Event

	if event.IsPress {
		switch b := eventBinding.Binding.(type) {
		case config.ClickBackBinding:
			c.mu.Lock()
			c.pressedBindings[event.Code] = b
			c.mu.Unlock()
			if instance, ok := c.registry.Get(b.Instance); ok {
				if err := instance.OnPress(b.Buttons, b.Layer); err != nil {
					log.Warnf("ClickBackHandler: press of %s failed: %v", b.Instance, err)
				}
			}
			eventBinding.Binding = config.NopBinding{}
		case config.CancelRevertBinding:
			c.mu.Lock()
			c.pressedKeys[event.Code] = struct{}{}
			c.mu.Unlock()
			if b.Instance == "" {
				n := c.registry.CancelAll()
				log.Debugf("ClickBackHandler: cancelled %d pending reverts", n)
			} else if instance, ok := c.registry.Get(b.Instance); ok {
				instance.CancelPendingRevert()
			}
			eventBinding.Binding = config.NopBinding{}
		default:
			c.mu.Lock()
			c.pressedKeys[event.Code] = struct{}{}
			c.mu.Unlock()
		}
	} else {
		c.handleRelease(event.Code)
	}

	c.next.HandleEvent(eventBinding)
}

// handleRelease sends the release to the binding that was pressed, even if the layer has changed since.
// A key whose press has not been seen at all, e.g. one held down at startup, is resolved in the current layer.
func (c *ClickBackHandler) handleRelease(code uint16) {
	c.mu.Lock()
	b, ok := c.pressedBindings[code]
	delete(c.pressedBindings, code)
	_, seen := c.pressedKeys[code]
	delete(c.pressedKeys, code)
	c.mu.Unlock()

	if !ok {
		if seen {
			return
		}
		if b, ok = resolveBinding(c.layerManager, code).(config.ClickBackBinding); !ok {
			return
		}
		log.Debugf("ClickBackHandler: release of %s without press", b.Instance)
	}
	if instance, ok := c.registry.Get(b.Instance); ok {
		if err := instance.OnRelease(b.Buttons, b.Layer); err != nil {
			log.Warnf("ClickBackHandler: release of %s failed: %v", b.Instance, err)
		}
	}
}
