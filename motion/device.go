package motion

import (
	"context"
	"sync"
	"time"

	evdev "github.com/gvalkov/golang-evdev"
	log "github.com/sirupsen/logrus"
)

const reopenInterval = 5 * time.Second

// VirtualDeviceName is the name of the virtual mouse that clicks the buttons.
const VirtualDeviceName = "clickback"

// Device reads relative motion from a pointer device. The device is not grabbed,
// the pointer keeps working as usual.
type Device struct {
	deviceName    string
	displacements chan<- Displacement
	reopen        chan struct{}

	mu     sync.Mutex
	device *evdev.InputDevice
}

func NewDevice(deviceName string, displacements chan<- Displacement) *Device {
	return &Device{
		deviceName:    deviceName,
		displacements: displacements,
		reopen:        make(chan struct{}, 1),
	}
}

func (p *Device) DeviceName() string {
	return p.deviceName
}

// Reopen makes the read loop try to open the device right away, if it is not open.
func (p *Device) Reopen() {
	select {
	case p.reopen <- struct{}{}:
	default:
	}
}

// ReadLoop reads from the device until ctx is done, reopening it after a disconnect.
func (p *Device) ReadLoop(ctx context.Context) error {
	ticker := time.NewTicker(reopenInterval)
	defer ticker.Stop()
	defer p.close()

	failedBefore := false
	for {
		if !p.isOpen() {
			device, err := evdev.Open(p.deviceName)
			if err != nil {
				if failedBefore {
					log.Debugf("Motion: failed to open %v: %v", p.deviceName, err)
				} else {
					log.Warnf("Motion: failed to open %v: %v", p.deviceName, err)
				}
				failedBefore = true
			} else {
				failedBefore = false
				log.Debugf("Motion: reading from %s (%s)", p.deviceName, device.Name)
				p.mu.Lock()
				p.device = device
				p.mu.Unlock()
				go p.read(ctx, device)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.reopen:
		}
	}
}

func (p *Device) read(ctx context.Context, device *evdev.InputDevice) {
	var acc Accumulator
	for {
		events, err := device.Read()
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("Motion: failed to read %v: %v", p.deviceName, err)
			}
			p.mu.Lock()
			if p.device == device {
				p.device = nil
			}
			p.mu.Unlock()
			_ = device.File.Close()
			p.Reopen()
			return
		}
		for _, event := range events {
			d, complete := acc.Add(event.Type, event.Code, event.Value)
			if !complete {
				continue
			}
			select {
			case p.displacements <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Device) isOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device != nil
}

func (p *Device) close() {
	p.mu.Lock()
	device := p.device
	p.device = nil
	p.mu.Unlock()
	if device != nil {
		_ = device.File.Close()
	}
}

// Accumulator sums up the relative events of one report until the sync event.
type Accumulator struct {
	current Displacement
}

// Add adds a raw event. On EV_SYN it returns the displacement of the report, if it moved at all.
func (a *Accumulator) Add(eventType uint16, code uint16, value int32) (Displacement, bool) {
	switch eventType {
	case evdev.EV_REL:
		switch code {
		case evdev.REL_X:
			a.current.DX += value
		case evdev.REL_Y:
			a.current.DY += value
		case evdev.REL_WHEEL:
			a.current.Wheel += value
		case evdev.REL_HWHEEL:
			a.current.HWheel += value
		}
	case evdev.EV_SYN:
		d := a.current
		a.current = Displacement{}
		if d == (Displacement{}) {
			return d, false
		}
		return d, true
	}
	return Displacement{}, false
}

// FindPointerDevices finds all devices that report relative X motion.
func FindPointerDevices() []string {
	devices, _ := evdev.ListInputDevices("/dev/input/event*")

	var names []string
	for _, dev := range devices {
		// skip our own virtual mouse
		if dev.Name == VirtualDeviceName {
			_ = dev.File.Close()
			continue
		}
		for capability, codes := range dev.Capabilities {
			if capability.Type != evdev.EV_REL {
				continue
			}
			for _, code := range codes {
				if code.Code == evdev.REL_X {
					names = append(names, dev.Fn)
					break
				}
			}
		}
		_ = dev.File.Close()
	}

	log.Debugf("Auto detected pointer devices: %v", names)
	return names
}
