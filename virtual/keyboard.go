package virtual

import (
	"sync"

	"github.com/jbensmann/clickback/config"
	"github.com/jbensmann/uinput"
	log "github.com/sirupsen/logrus"
)

// KeyDevice is the part of uinput.Keyboard that is needed for pressing keys.
type KeyDevice interface {
	KeyDown(key int) error
	KeyUp(key int) error
	Close() error
}

type Keyboard struct {
	device KeyDevice

	lock             sync.Mutex
	isPressed        map[uint16]bool
	pressedModifiers map[uint16]bool
	triggeredKeys    map[uint16][]uint16
}

func NewKeyboard() (*Keyboard, error) {
	uinputKeyboard, err := uinput.CreateKeyboard("/dev/uinput", []byte("clickback keyboard"))
	if err != nil {
		return nil, err
	}
	return NewKeyboardWithDevice(uinputKeyboard), nil
}

func NewKeyboardWithDevice(device KeyDevice) *Keyboard {
	return &Keyboard{
		device:           device,
		isPressed:        make(map[uint16]bool),
		pressedModifiers: make(map[uint16]bool),
		triggeredKeys:    make(map[uint16][]uint16),
	}
}

// PressKeys presses the given key combination, all but the last key are treated as modifiers.
// The keys stay pressed until the key triggeredByKey is released.
func (v *Keyboard) PressKeys(triggeredByKey uint16, codes []uint16) {
	v.lock.Lock()
	defer v.lock.Unlock()

	v.triggeredKeys[triggeredByKey] = append(v.triggeredKeys[triggeredByKey], codes...)
	// release previous modifiers
	for c := range v.pressedModifiers {
		v.releaseKey(c)
	}
	for i, c := range codes {
		alias, _ := config.GetKeyAlias(c)
		log.Debugf("Keyboard: pressing %v (%v)", alias, c)
		err := v.device.KeyDown(int(c))
		if err != nil {
			log.Warnf("Keyboard: failed to press the key %v: %v", c, err)
		}
		v.isPressed[c] = true
		if i < len(codes)-1 {
			v.pressedModifiers[c] = true
		}
	}
}

func (v *Keyboard) releaseKey(code uint16) {
	alias, _ := config.GetKeyAlias(code)
	log.Debugf("Keyboard: releasing %v (%v)", alias, code)
	err := v.device.KeyUp(int(code))
	if err != nil {
		log.Warnf("Keyboard: failed to release the key %v: %v", code, err)
	}
	delete(v.isPressed, code)
	delete(v.pressedModifiers, code)
}

// OriginalKeyUp releases all keys that have been pressed due to the given physical key.
func (v *Keyboard) OriginalKeyUp(code uint16) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if codes, ok := v.triggeredKeys[code]; ok {
		for _, c := range codes {
			if pressed, ok := v.isPressed[c]; ok && pressed {
				v.releaseKey(c)
			}
		}
		delete(v.triggeredKeys, code)
	}
}

func (v *Keyboard) Close() {
	v.lock.Lock()
	defer v.lock.Unlock()

	_ = v.device.Close()
}
