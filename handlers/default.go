package handlers

import (
	evdev "github.com/gvalkov/golang-evdev"
	"github.com/jbensmann/clickback/config"
	log "github.com/sirupsen/logrus"
)

// DefaultHandler resolves the binding of key presses from the current layer.
type DefaultHandler struct {
	BaseHandler
}

func NewDefaultHandler() *DefaultHandler {
	return &DefaultHandler{}
}

func (d *DefaultHandler) HandleEvent(eventBinding EventBinding) {
	log.Debugf("DefaultHandler: handling Event: %+v", eventBinding)
	event := eventBinding.Event

	if event.IsPress && eventBinding.Binding == nil {
		eventBinding.Binding = resolveBinding(d.layerManager, event.Code)
	}

	d.next.HandleEvent(eventBinding)
}

// resolveBinding returns the binding of the given key in the current layer.
func resolveBinding(manager LayerManager, code uint16) config.Binding {
	currentLayer := manager.CurrentLayer()
	binding := currentLayer.Bindings[code]

	// switch to first layer on escape, if not mapped to something else
	baseLayer := manager.BaseLayer()
	if binding == nil && code == evdev.KEY_ESC && currentLayer != baseLayer {
		binding = config.LayerBinding{Layer: baseLayer.Name}
	}

	// use the wildcard binding if no binding is defined for the key
	if binding == nil && currentLayer.WildcardBinding != nil {
		binding = currentLayer.WildcardBinding
	}

	// if there is no wildcard either and pass through is enabled, insert a KeyBinding
	if binding == nil && currentLayer.PassThrough {
		binding = config.KeyBinding{KeyCombo: []uint16{code}}
	}
	return binding
}
