package handlers

import (
	"github.com/jbensmann/clickback/config"
	"github.com/jbensmann/clickback/keyboard"
)

// EventBinding is a key event together with the binding it has been resolved to, if any.
type EventBinding struct {
	Event   keyboard.Event
	Binding config.Binding
}

type LayerManager interface {
	CurrentLayer() *config.Layer
	BaseLayer() *config.Layer
}

// EventHandler is one element of the chain that every key event passes.
type EventHandler interface {
	HandleEvent(event EventBinding)
	SetNextHandler(handler EventHandler)
	SetLayerManager(manager LayerManager)
}

type BaseHandler struct {
	next         EventHandler
	layerManager LayerManager
}

func (b *BaseHandler) SetNextHandler(handler EventHandler) {
	b.next = handler
}

func (b *BaseHandler) SetLayerManager(manager LayerManager) {
	b.layerManager = manager
}

// Chain links the handlers in the given order and returns the first one.
func Chain(manager LayerManager, handlers ...EventHandler) EventHandler {
	for i, handler := range handlers {
		handler.SetLayerManager(manager)
		if i+1 < len(handlers) {
			handler.SetNextHandler(handlers[i+1])
		}
	}
	return handlers[0]
}
