package virtual

import "github.com/jbensmann/clickback/config"

// ButtonEvent is a single button going down or up.
type ButtonEvent struct {
	Button  config.ButtonMask
	Pressed bool
}

// ButtonEvents splits a button mask into one event per set button, lowest button first.
func ButtonEvents(mask config.ButtonMask, pressed bool) []ButtonEvent {
	var events []ButtonEvent
	for i := 0; i < config.MaxButtons; i++ {
		button := config.ButtonMask(1 << i)
		if mask&button != 0 {
			events = append(events, ButtonEvent{Button: button, Pressed: pressed})
		}
	}
	return events
}
