package motion

import (
	"context"

	"github.com/jbensmann/clickback/config"
	log "github.com/sirupsen/logrus"
)

// Displacement is the relative pointer movement of a single report.
type Displacement struct {
	DX     int32
	DY     int32
	Wheel  int32
	HWheel int32
}

// IsZero returns true if there is no movement on any of the given axes.
func (d Displacement) IsZero(axes config.Axes) bool {
	if axes&config.AxisX != 0 && d.DX != 0 {
		return false
	}
	if axes&config.AxisY != 0 && d.DY != 0 {
		return false
	}
	if axes&config.AxisWheel != 0 && d.Wheel != 0 {
		return false
	}
	if axes&config.AxisHWheel != 0 && d.HWheel != 0 {
		return false
	}
	return true
}

// Canceller has a pending revert that pointer motion cancels.
type Canceller interface {
	CancelPendingRevert() bool
}

// Listener cancels the pending reverts of its subscribers whenever the pointer moves.
type Listener struct {
	axes        config.Axes
	subscribers []Canceller
}

func NewListener(axes config.Axes, subscribers ...Canceller) *Listener {
	return &Listener{
		axes:        axes,
		subscribers: subscribers,
	}
}

// Run handles displacements until ctx is done or the channel is closed.
func (l *Listener) Run(ctx context.Context, displacements <-chan Displacement) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-displacements:
			if !ok {
				return nil
			}
			l.HandleDisplacement(d)
		}
	}
}

// HandleDisplacement cancels all subscribers if d moves on a monitored axis.
// It returns the number of reverts that were cancelled.
func (l *Listener) HandleDisplacement(d Displacement) int {
	if d.IsZero(l.axes) {
		return 0
	}
	n := 0
	for _, s := range l.subscribers {
		if s.CancelPendingRevert() {
			n++
		}
	}
	if n > 0 {
		log.Debugf("Motion: %+v cancelled %d pending reverts", d, n)
	}
	return n
}
