package virtual

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jbensmann/clickback/config"
	"github.com/jbensmann/clickback/motion"
	log "github.com/sirupsen/logrus"
)

// high-resolution wheel steps per wheel click
const highResStepsPerClick = 120

type Vector struct {
	x float64
	y float64
}

func (d *Vector) Add(d2 Vector) {
	d.x += d2.x
	d.y += d2.y
}

// PointerSink receives the movement of the pointer.
type PointerSink interface {
	Move(x, y int32)
	Scroll(horizontal bool, steps, highResSteps int32)
}

// Pointer moves and scrolls the virtual mouse while move or scroll keys are held, with
// acceleration and deceleration. Every movement is also reported to onMotion.
type Pointer struct {
	conf     config.Pointer
	sink     PointerSink
	onMotion func(motion.Displacement)

	lock                  sync.Mutex
	moveByKeys            map[uint16]Vector
	scrollByKeys          map[uint16]Vector
	speedByKeys           map[uint16]float64
	velocity              Vector
	moveFraction          Vector
	scrollFraction        Vector
	scrollFractionHighRes Vector

	changed chan struct{}
}

// NewPointer creates a pointer that writes to sink. onMotion may be nil.
func NewPointer(conf config.Pointer, sink PointerSink, onMotion func(motion.Displacement)) *Pointer {
	return &Pointer{
		conf:         conf,
		sink:         sink,
		onMotion:     onMotion,
		moveByKeys:   make(map[uint16]Vector),
		scrollByKeys: make(map[uint16]Vector),
		speedByKeys:  make(map[uint16]float64),
		changed:      make(chan struct{}, 1),
	}
}

func (p *Pointer) ChangeMoveSpeed(triggeredByKey uint16, x float64, y float64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.moveByKeys[triggeredByKey] = Vector{x, y}
	p.moveChange()
}

func (p *Pointer) ChangeScrollSpeed(triggeredByKey uint16, x float64, y float64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.scrollByKeys[triggeredByKey] = Vector{x, y}
	p.moveChange()
}

func (p *Pointer) AddSpeedFactor(triggeredByKey uint16, speedFactor float64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.speedByKeys[triggeredByKey] = speedFactor
	p.moveChange()
}

func (p *Pointer) OriginalKeyUp(code uint16) {
	p.lock.Lock()
	defer p.lock.Unlock()

	delete(p.moveByKeys, code)
	delete(p.scrollByKeys, code)
	delete(p.speedByKeys, code)
}

// Run ticks every loop interval while the pointer moves, and waits for a move or scroll key
// otherwise. It returns when ctx is done.
func (p *Pointer) Run(ctx context.Context) error {
	var timer *time.Timer
	lastUpdate := time.Now()

	for {
		var tick <-chan time.Time
		if timer != nil {
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-p.changed:
			if timer != nil {
				continue
			}
			// set lastUpdate to the past so that the pointer starts moving immediately
			lastUpdate = time.Now().Add(-p.conf.LoopInterval)
		case <-tick:
		}

		now := time.Now()
		active := p.Tick(now.Sub(lastUpdate))
		lastUpdate = now
		if active {
			timer = time.NewTimer(p.conf.LoopInterval)
		} else {
			timer = nil
		}
	}
}

// Tick moves and scrolls by the given elapsed time. It returns false once no key is held
// and the pointer came to rest.
func (p *Pointer) Tick(elapsed time.Duration) bool {
	p.lock.Lock()

	var move Vector
	var scroll Vector
	speedFactor := 1.0

	for _, dir := range p.moveByKeys {
		move.Add(dir)
	}
	for _, dir := range p.scrollByKeys {
		scroll.Add(dir)
	}
	for _, speed := range p.speedByKeys {
		speedFactor *= speed
	}

	if len(p.moveByKeys) == 0 && len(p.scrollByKeys) == 0 && !p.isMoving() {
		p.lock.Unlock()
		return false
	}

	tickTime := elapsed.Seconds()
	moveSpeed := p.conf.BaseSpeed * tickTime
	scrollSpeed := p.conf.BaseScrollSpeed * tickTime
	accelerationStep := tickTime * 1000 / p.conf.AccelerationTime
	decelerationStep := tickTime * 1000 / p.conf.DecelerationTime

	// one wheel click is 120 high-resolution steps
	xHighRes, yHighRes := getScrollingSteps(&p.scrollFractionHighRes,
		scroll.x*scrollSpeed*speedFactor, scroll.y*scrollSpeed*speedFactor, highResStepsPerClick)
	xSteps, ySteps := getScrollingSteps(&p.scrollFraction,
		scroll.x*scrollSpeed*speedFactor, scroll.y*scrollSpeed*speedFactor, 1)
	dx, dy := p.move(
		move.x*moveSpeed, move.y*moveSpeed, p.conf.StartSpeed*tickTime,
		p.conf.BaseSpeed*tickTime,
		p.conf.AccelerationCurve,
		accelerationStep,
		p.conf.DecelerationCurve,
		decelerationStep,
		speedFactor,
	)
	active := len(p.moveByKeys) > 0 || len(p.scrollByKeys) > 0 || p.isMoving()
	p.lock.Unlock()

	if dx != 0 || dy != 0 {
		p.sink.Move(dx, dy)
	}
	if xSteps != 0 || xHighRes != 0 {
		p.sink.Scroll(true, xSteps, xHighRes)
	}
	// the wheel turns up for negative y
	if ySteps != 0 || yHighRes != 0 {
		p.sink.Scroll(false, -ySteps, -yHighRes)
	}

	d := motion.Displacement{DX: dx, DY: dy, Wheel: -ySteps, HWheel: xSteps}
	if p.onMotion != nil && d != (motion.Displacement{}) {
		p.onMotion(d)
	}
	return active
}

// moveChange sends a signal to Run that the movement has changed.
func (p *Pointer) moveChange() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

func moveTowards(
	current float64,
	target float64,
	max float64,
	start float64,
	accelerationCurve float64,
	accelerationStep float64,
	decelerationCurve float64,
	decelerationStep float64,
) float64 {
	if target < 0 || (target == 0 && current < 0) {
		return -moveTowards(-current, -target, max, start, accelerationCurve, accelerationStep, decelerationCurve, decelerationStep)
	}
	if current <= 0 && target > 0 {
		current = start
	}
	if current < target {
		t := math.Pow(current/max, 1/accelerationCurve) + accelerationStep
		return math.Min(target, target*math.Pow(t, accelerationCurve))
	}
	t := math.Pow(current/max, 1/decelerationCurve) - decelerationStep
	if t <= 0.0 {
		return target
	}
	return math.Max(target, max*(math.Pow(t, decelerationCurve)))
}

// move updates the velocity and returns the integer part of the accumulated movement.
func (p *Pointer) move(
	x float64, y float64, startSpeed float64, maxSpeed float64,
	accelerationCurve float64, accelerationStep float64,
	decelerationCurve float64, decelerationStep float64,
	speedFactor float64,
) (int32, int32) {
	p.velocity.x = moveTowards(p.velocity.x, x, maxSpeed, startSpeed, accelerationCurve, accelerationStep, decelerationCurve, decelerationStep)
	p.velocity.y = moveTowards(p.velocity.y, y, maxSpeed, startSpeed, accelerationCurve, accelerationStep, decelerationCurve, decelerationStep)
	p.moveFraction.x += p.velocity.x * speedFactor
	p.moveFraction.y += p.velocity.y * speedFactor
	xInt := int32(p.moveFraction.x)
	yInt := int32(p.moveFraction.y)
	p.moveFraction.x -= float64(xInt)
	p.moveFraction.y -= float64(yInt)
	if xInt != 0 || yInt != 0 {
		log.Tracef("Pointer: move %v %v", xInt, yInt)
	}
	return xInt, yInt
}

// getScrollingSteps calculates discrete scroll steps from fractional input.
// scrollFraction accumulates leftover fractional scrolls.
// stepCount is the number of steps for x=1.0 or y=1.0.
func getScrollingSteps(scrollFraction *Vector, x float64, y float64, stepCount int32) (int32, int32) {
	// when the direction changes, start at 0 again
	if x > 0 {
		scrollFraction.x = max(scrollFraction.x, 0)
	} else if x < 0 {
		scrollFraction.x = min(scrollFraction.x, 0)
	}
	if y > 0 {
		scrollFraction.y = max(scrollFraction.y, 0)
	} else if y < 0 {
		scrollFraction.y = min(scrollFraction.y, 0)
	}
	scrollFraction.x += x
	scrollFraction.y += y
	xSteps := int32(scrollFraction.x * float64(stepCount))
	ySteps := int32(scrollFraction.y * float64(stepCount))
	scrollFraction.x -= float64(xSteps) / float64(stepCount)
	scrollFraction.y -= float64(ySteps) / float64(stepCount)
	return xSteps, ySteps
}

func (p *Pointer) isMoving() bool {
	return p.velocity.x != 0 || p.velocity.y != 0
}
