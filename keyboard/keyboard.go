package keyboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	evdev "github.com/gvalkov/golang-evdev"
	"github.com/jbensmann/clickback/config"
	log "github.com/sirupsen/logrus"
)

// reopenInterval is how often a device that is not open is tried again.
const reopenInterval = 5 * time.Second

type Event struct {
	Code    uint16
	IsPress bool
	Time    time.Time
}

type Device struct {
	deviceName string
	eventChan  chan<- Event
	reopen     chan struct{}

	mu            sync.Mutex
	device        *evdev.InputDevice
	state         DeviceState
	lastOpenError string
}

type DeviceState int

const (
	StateNotOpen DeviceState = iota
	StateOpenFailed
	StateOpen
)

func NewDevice(deviceName string, eventChan chan<- Event) *Device {
	k := Device{
		deviceName: deviceName,
		state:      StateNotOpen,
		eventChan:  eventChan,
		reopen:     make(chan struct{}, 1),
	}
	return &k
}

// ReadLoop opens the device and keeps reading from it until ctx is done.
// When the device cannot be opened or disconnects in between, it tries to open it again.
func (k *Device) ReadLoop(ctx context.Context) error {
	ticker := time.NewTicker(reopenInterval)
	defer ticker.Stop()
	defer k.close()

	for {
		if k.State() != StateOpen {
			if err := k.openDevice(ctx); err != nil {
				k.mu.Lock()
				k.lastOpenError = fmt.Sprintf("%v", err)
				failedBefore := k.state == StateOpenFailed
				k.state = StateOpenFailed
				k.mu.Unlock()
				if failedBefore {
					log.Debugf("Failed to open %v: %v", k.deviceName, err)
				} else {
					log.Warnf("Failed to open %v: %v", k.deviceName, err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-k.reopen:
		}
	}
}

// Reopen makes the read loop try to open the device right away, if it is not open.
func (k *Device) Reopen() {
	select {
	case k.reopen <- struct{}{}:
	default:
	}
}

// openDevice tries to open and grab the keyboard device.
func (k *Device) openDevice(ctx context.Context) error {
	log.Debugf("opening the keyboard device %v", k.deviceName)

	device, err := evdev.Open(k.deviceName)
	if err != nil {
		return err
	}
	err = device.Grab()
	if err != nil {
		_ = device.File.Close()
		return err
	}

	log.Debugf("Device name: %s", device.Name)
	log.Debugf("Evdev protocol version: %d", device.EvdevVersion)
	info := fmt.Sprintf("bus 0x%04x, vendor 0x%04x, product 0x%04x, version 0x%04x",
		device.Bustype, device.Vendor, device.Product, device.Version)
	log.Debugf("Device info: %s", info)

	k.mu.Lock()
	k.device = device
	k.state = StateOpen
	k.lastOpenError = ""
	k.mu.Unlock()
	go k.readKeyboard(ctx, device)
	return nil
}

// readKeyboard reads from the device until it fails or ctx is done.
// If the device disconnects in between, this method returns and sets the state to not open.
func (k *Device) readKeyboard(ctx context.Context, device *evdev.InputDevice) {
	for {
		events, err := device.Read()
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("Failed to read keyboard: %v", err)
			}
			k.mu.Lock()
			if k.device == device {
				k.state = StateNotOpen
				k.device = nil
			}
			k.mu.Unlock()
			_ = device.File.Close()
			k.Reopen()
			return
		}
		for _, event := range events {
			if event.Type != evdev.EV_KEY || (event.Value != 0 && event.Value != 1) {
				continue
			}

			codeAlias, exists := config.GetKeyAlias(event.Code)
			if !exists {
				codeAlias = "?"
			}
			fmtString := "Pressed:  "
			if event.Value == 0 {
				fmtString = "Released: "
			}
			fmtString += "%s (%d)"
			log.Debugf(fmtString, codeAlias, event.Code)

			e := Event{
				Code:    event.Code,
				IsPress: event.Value == 1,
				Time:    time.Now(),
			}
			select {
			case k.eventChan <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

// close releases the grab, which makes a blocked read return.
func (k *Device) close() {
	k.mu.Lock()
	device := k.device
	k.device = nil
	k.state = StateNotOpen
	k.mu.Unlock()
	if device != nil {
		_ = device.Release()
		_ = device.File.Close()
	}
}

// DeviceName returns the name of the keyboard device.
func (k *Device) DeviceName() string {
	return k.deviceName
}

func (k *Device) State() DeviceState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// IsOpen returns true if the device has been opened successfully.
func (k *Device) IsOpen() bool {
	return k.State() == StateOpen
}

// LastOpenError returns the last error on opening the device.
func (k *Device) LastOpenError() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastOpenError
}

// DeviceInfo identifies a detected input device.
type DeviceInfo struct {
	Path string
	Name string
}

// FindKeyboardDevices finds all available keyboard input devices, i.e. the ones that have
// at least an A key or a 1 key.
func FindKeyboardDevices() []DeviceInfo {
	devices, _ := evdev.ListInputDevices("/dev/input/event*")
	keyboardDevices := filterKeyboards(devices)

	log.Debugf("Auto detected keyboard devices:")
	for _, dev := range keyboardDevices {
		log.Debugf("- %s: %s", dev.Path, dev.Name)
	}
	return keyboardDevices
}

// filterKeyboards returns the keyboards among devices and closes all of them, they are opened
// again by the read loop.
func filterKeyboards(devices []*evdev.InputDevice) []DeviceInfo {
	var keyboards []DeviceInfo
	for _, dev := range devices {
		if hasCapability(dev, evdev.EV_KEY, evdev.KEY_A, evdev.KEY_KP1) {
			keyboards = append(keyboards, DeviceInfo{Path: dev.Fn, Name: dev.Name})
		}
		if dev.File != nil {
			_ = dev.File.Close()
		}
	}
	return keyboards
}

func hasCapability(dev *evdev.InputDevice, capType int, codes ...int) bool {
	for capability, capCodes := range dev.Capabilities {
		if capability.Type != capType {
			continue
		}
		for _, code := range capCodes {
			for _, c := range codes {
				if code.Code == c {
					return true
				}
			}
		}
	}
	return false
}
