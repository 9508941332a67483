package virtual

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jbensmann/clickback/config"
	"github.com/jbensmann/uinput"
	log "github.com/sirupsen/logrus"
)

// DeviceName is the name of the virtual mouse.
const DeviceName = "clickback"

// maxQueuedMoves limits the movement writes waiting for a stuck device.
const maxQueuedMoves = 64

var (
	ErrFlushTimeout      = errors.New("flushing the mouse report timed out")
	ErrUnsupportedButton = errors.New("button not supported by the virtual mouse")
	ErrMouseClosed       = errors.New("virtual mouse is closed")
)

// MouseDevice is the part of uinput.Mouse that is needed for buttons, movement and scrolling.
type MouseDevice interface {
	LeftPress() error
	LeftRelease() error
	RightPress() error
	RightRelease() error
	MiddlePress() error
	MiddleRelease() error
	Move(x, y int32) error
	Wheel(horizontal bool, delta int32) error
	WheelHighRes(horizontal bool, delta int32) error
	Close() error
}

type writeRequest struct {
	write func() error
	// nil if nobody waits for the result
	done chan error
}

// Mouse collects button changes and writes them to a virtual mouse on Flush.
// All writes go through a single goroutine, in the order they were requested.
type Mouse struct {
	device MouseDevice

	lock            sync.Mutex
	pending         []ButtonEvent
	queue           []writeRequest
	queuedMoves     int
	closed          bool
	isButtonPressed map[config.ButtonMask]bool

	wake     chan struct{}
	loopDone chan struct{}
}

func NewMouse() (*Mouse, error) {
	uinputMouse, err := uinput.CreateMouse("/dev/uinput", []byte(DeviceName))
	if err != nil {
		return nil, err
	}
	return NewMouseWithDevice(uinputMouse), nil
}

func NewMouseWithDevice(device MouseDevice) *Mouse {
	m := &Mouse{
		device:          device,
		isButtonPressed: make(map[config.ButtonMask]bool),
		wake:            make(chan struct{}, 1),
		loopDone:        make(chan struct{}),
	}
	go m.writeLoop()
	return m
}

// SetButton stages a press or release of all buttons in mask until the next Flush.
func (m *Mouse) SetButton(mask config.ButtonMask, pressed bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.pending = append(m.pending, ButtonEvents(mask, pressed)...)
}

// Flush writes the staged button changes. It gives up when ctx is done, the staged
// changes are written anyway in the background.
func (m *Mouse) Flush(ctx context.Context) error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return ErrMouseClosed
	}
	events := m.pending
	m.pending = nil
	if len(events) == 0 {
		m.lock.Unlock()
		return nil
	}
	done := make(chan error, 1)
	m.queue = append(m.queue, writeRequest{
		write: func() error { return m.writeButtons(events) },
		done:  done,
	})
	m.lock.Unlock()
	m.signal()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrFlushTimeout, ctx.Err())
	}
}

// Move moves the pointer relative to its position. It does not wait for the write.
func (m *Mouse) Move(x, y int32) {
	m.enqueueMove(func() error {
		log.Debugf("Mouse: move %v %v", x, y)
		if err := m.device.Move(x, y); err != nil {
			return fmt.Errorf("move failed: %w", err)
		}
		return nil
	})
}

// Scroll turns the wheel by steps clicks and highResSteps high-resolution steps, one click
// being 120 of them. Positive values scroll up or right.
func (m *Mouse) Scroll(horizontal bool, steps, highResSteps int32) {
	m.enqueueMove(func() error {
		if highResSteps != 0 {
			log.Debugf("Mouse: scroll horizontal=%v highRes: %v", horizontal, highResSteps)
			if err := m.device.WheelHighRes(horizontal, highResSteps); err != nil {
				return fmt.Errorf("scroll failed: %w", err)
			}
		}
		if steps != 0 {
			log.Debugf("Mouse: scroll horizontal=%v: %v", horizontal, steps)
			if err := m.device.Wheel(horizontal, steps); err != nil {
				return fmt.Errorf("scroll failed: %w", err)
			}
		}
		return nil
	})
}

func (m *Mouse) enqueueMove(write func() error) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	if m.queuedMoves >= maxQueuedMoves {
		m.lock.Unlock()
		log.Debugf("Mouse: device is busy, dropping movement")
		return
	}
	m.queuedMoves++
	m.queue = append(m.queue, writeRequest{write: func() error {
		m.lock.Lock()
		m.queuedMoves--
		m.lock.Unlock()
		return write()
	}})
	m.lock.Unlock()
	m.signal()
}

func (m *Mouse) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// IsPressed returns true if the given button is held down on the virtual mouse.
func (m *Mouse) IsPressed(button config.ButtonMask) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.isButtonPressed[button]
}

func (m *Mouse) writeLoop() {
	defer close(m.loopDone)
	for range m.wake {
		m.lock.Lock()
		requests := m.queue
		m.queue = nil
		closed := m.closed
		m.lock.Unlock()

		for _, request := range requests {
			err := request.write()
			if request.done != nil {
				request.done <- err
			} else if err != nil {
				log.Warnf("Mouse: %v", err)
			}
		}
		if closed {
			_ = m.device.Close()
			return
		}
	}
}

func (m *Mouse) writeButtons(events []ButtonEvent) error {
	var errs []error
	for _, event := range events {
		if err := m.writeButton(event); err != nil {
			log.Warnf("Mouse: %v", err)
			errs = append(errs, err)
			continue
		}
		m.lock.Lock()
		if event.Pressed {
			m.isButtonPressed[event.Button] = true
		} else {
			delete(m.isButtonPressed, event.Button)
		}
		m.lock.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Mouse) writeButton(event ButtonEvent) error {
	var err error
	if event.Pressed {
		log.Debugf("Mouse: pressing %v", event.Button)
		switch event.Button {
		case config.MB1:
			err = m.device.LeftPress()
		case config.MB2:
			err = m.device.RightPress()
		case config.MB3:
			err = m.device.MiddlePress()
		default:
			return fmt.Errorf("pressing %v: %w", event.Button, ErrUnsupportedButton)
		}
		if err != nil {
			return fmt.Errorf("button press failed: %w", err)
		}
	} else {
		log.Debugf("Mouse: releasing %v", event.Button)
		switch event.Button {
		case config.MB1:
			err = m.device.LeftRelease()
		case config.MB2:
			err = m.device.RightRelease()
		case config.MB3:
			err = m.device.MiddleRelease()
		default:
			return fmt.Errorf("releasing %v: %w", event.Button, ErrUnsupportedButton)
		}
		if err != nil {
			return fmt.Errorf("button release failed: %w", err)
		}
	}
	return nil
}

// Close writes everything that is queued and closes the device.
func (m *Mouse) Close() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		<-m.loopDone
		return
	}
	m.closed = true
	m.lock.Unlock()

	m.signal()
	<-m.loopDone
}
