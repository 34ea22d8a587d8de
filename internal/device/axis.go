package device

import (
	"math"
	"sync"
	"time"
)

// axis models one actuated axis as a trapezoidal-profile move in step
// units. A move is "commanded" the moment MoveTo is called; completion
// is derived from elapsed time against the profile, the way a stepper
// driver drains its step queue.
type axis struct {
	mu sync.Mutex

	maxSpeed float64 // steps/s
	accel    float64 // steps/s²

	steps     float64 // commanded target position, steps
	moveDist  float64 // length of the move in flight, steps
	moveStart time.Time
	moveDur   time.Duration
}

func newAxis(maxSpeed, accel float64) *axis {
	return &axis{maxSpeed: maxSpeed, accel: accel}
}

// setProfile replaces the speed limits. Effective for moves issued
// afterward; the move in flight keeps its computed duration.
func (a *axis) setProfile(maxSpeed, accel float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxSpeed = maxSpeed
	a.accel = accel
}

// moveTo commands the axis to an absolute step target.
func (a *axis) moveTo(target float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dist := math.Abs(target - a.steps)
	a.steps = target
	a.moveDist = dist
	a.moveStart = time.Now()
	a.moveDur = trapezoidDuration(dist, a.maxSpeed, a.accel)
}

// distanceToGo returns the steps remaining in the move in flight, zero
// once the profile has run out.
func (a *axis) distanceToGo() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.moveDur <= 0 {
		return 0
	}
	elapsed := time.Since(a.moveStart)
	if elapsed >= a.moveDur {
		return 0
	}
	frac := float64(elapsed) / float64(a.moveDur)
	return a.moveDist * (1 - frac)
}

// halt discards the remainder of the move in flight. The commanded
// target stays as the authoritative position.
func (a *axis) halt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moveDur = 0
	a.moveDist = 0
}

// trapezoidDuration is the time to travel dist steps under an
// accelerate-cruise-decelerate profile, degenerating to triangular when
// the distance is too short to reach full speed.
func trapezoidDuration(dist, maxSpeed, accel float64) time.Duration {
	if dist <= 0 || maxSpeed <= 0 || accel <= 0 {
		return 0
	}
	accelDist := maxSpeed * maxSpeed / (2 * accel)
	var secs float64
	if 2*accelDist >= dist {
		secs = 2 * math.Sqrt(dist/accel)
	} else {
		secs = 2*(maxSpeed/accel) + (dist-2*accelDist)/maxSpeed
	}
	return time.Duration(secs * float64(time.Second))
}
