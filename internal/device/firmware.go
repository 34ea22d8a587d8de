package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/6ilo/plotter/internal/protocol"
)

// ErrSoftLimit is returned when a target lies outside the soft limits.
// The requested motion is discarded whole; nothing is clamped.
var ErrSoftLimit = errors.New("device: target outside soft limits")

// ErrMotionSuspended is returned for motion attempted while the machine
// is in ERROR.
var ErrMotionSuspended = errors.New("device: motion suspended in ERROR state")

// SpeedProfile holds the per-axis speed limits, in steps/s and steps/s².
type SpeedProfile struct {
	AngularMax   float64 `yaml:"angular_max" json:"angularMax"`
	AngularAccel float64 `yaml:"angular_accel" json:"angularAccel"`
	RadialMax    float64 `yaml:"radial_max" json:"radialMax"`
	RadialAccel  float64 `yaml:"radial_accel" json:"radialAccel"`
}

// Config holds the firmware geometry and motion constants.
type Config struct {
	MaxRadiusMm float64
	StepsPerRev float64       // full revolution of the angle axis
	StepsPerMM  float64       // radius axis
	Dwell       time.Duration // pause between pattern steps
	Profile     SpeedProfile  // boot-time speed profile
	Homing      SpeedProfile  // conservative profile used while homing
}

// DefaultConfig returns the firmware defaults.
func DefaultConfig() Config {
	return Config{
		MaxRadiusMm: 100,
		StepsPerRev: 3200,
		StepsPerMM:  80,
		Dwell:       25 * time.Millisecond,
		Profile: SpeedProfile{
			AngularMax: 1000, AngularAccel: 500,
			RadialMax: 1000, RadialAccel: 500,
		},
		Homing: SpeedProfile{
			AngularMax: 300, AngularAccel: 150,
			RadialMax: 300, RadialAccel: 150,
		},
	}
}

// Firmware is the device-resident controller: it owns the authoritative
// position, the speed profile, both axes and the run-state machine, and
// serves the wire protocol over any io.ReadWriter.
type Firmware struct {
	cfg Config

	machine    *machine
	angleAxis  *axis
	radiusAxis *axis

	mu       sync.Mutex // guards pos and profile
	angleDeg float64
	radiusMm float64
	profile  SpeedProfile

	outMu sync.Mutex
	out   io.Writer
}

// New creates a Firmware at position (0,0) in READY with the configured
// boot profile.
func New(cfg Config) *Firmware {
	if cfg.MaxRadiusMm <= 0 {
		cfg.MaxRadiusMm = 100
	}
	f := &Firmware{
		cfg:        cfg,
		angleAxis:  newAxis(cfg.Profile.AngularMax, cfg.Profile.AngularAccel),
		radiusAxis: newAxis(cfg.Profile.RadialMax, cfg.Profile.RadialAccel),
		profile:    cfg.Profile,
	}
	f.machine = newMachine(f.announceState)
	return f
}

// Serve reads command lines from rw and executes them until EOF or ctx
// cancellation. Pattern commands run on a worker so the loop keeps
// reading while motion is in progress; everything else, ESTOP included,
// executes inline as soon as its line arrives.
func (f *Firmware) Serve(ctx context.Context, rw io.ReadWriter) error {
	f.outMu.Lock()
	f.out = rw
	f.outMu.Unlock()

	scanner := bufio.NewScanner(rw)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		f.Execute(scanner.Text())
	}
	return scanner.Err()
}

// Execute parses and runs a single command line.
func (f *Firmware) Execute(line string) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		f.emit(protocol.FormatError(err.Error()))
		return
	}

	// ERROR gates everything except RESET and STATUS.
	if f.machine.current() == protocol.StateError {
		switch cmd.(type) {
		case protocol.Reset, protocol.Status:
		default:
			f.emit(protocol.FormatError("in ERROR state, RESET required"))
			return
		}
	}

	switch c := cmd.(type) {
	case protocol.Move:
		f.MoveToPolar(c.Angle, c.Radius)
	case protocol.SetX:
		f.MoveRelativeXY(c.Value, 0)
	case protocol.SetY:
		f.MoveRelativeXY(0, c.Value)
	case protocol.Draw:
		f.startPattern(f.circleSteps(50))
	case protocol.Square:
		f.startPattern(f.squareSteps())
	case protocol.Area:
		f.startPattern(f.circleSteps(f.cfg.MaxRadiusMm))
	case protocol.Test:
		f.startPattern([]polarTarget{{0, 0}, {90, 25}, {180, 50}, {0, 0}})
	case protocol.Status:
		f.emit(protocol.FormatStatus(f.Position()))
	case protocol.Speed:
		f.AdjustSpeed(SpeedProfile{
			AngularMax: c.AngularMax, AngularAccel: c.AngularAccel,
			RadialMax: c.RadialMax, RadialAccel: c.RadialAccel,
		})
	case protocol.Home:
		f.HomePlotter()
	case protocol.EmergencyStop:
		f.EmergencyStop("emergency stop command")
	case protocol.Reset:
		f.Reset()
	default:
		f.emit(protocol.FormatError("unhandled command"))
	}
}

// Position returns the authoritative position. Cartesian fields are
// recomputed from the polar fields, never stored.
func (f *Firmware) Position() protocol.Position {
	f.mu.Lock()
	a, r := f.angleDeg, f.radiusMm
	f.mu.Unlock()
	x, y := PolarToCartesian(a, r)
	return protocol.Position{AngleDeg: a, RadiusMm: r, X: x, Y: y}
}

// State returns the current run state.
func (f *Firmware) State() protocol.DeviceState {
	return f.machine.current()
}

// Profile returns the active speed profile.
func (f *Firmware) Profile() SpeedProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

// MoveToPolar validates a polar target against the soft limits, commands
// both axes concurrently, and updates the authoritative position
// immediately. The position is "commanded", not "settled"; callers poll
// STATUS for completion.
func (f *Firmware) MoveToPolar(angleDeg, radiusMm float64) error {
	if angleDeg < 0 || angleDeg > 360 {
		f.emit(protocol.FormatError(fmt.Sprintf("angle %s out of range [0,360]", trimFloat(angleDeg))))
		return ErrSoftLimit
	}
	if radiusMm < 0 || radiusMm > f.cfg.MaxRadiusMm {
		f.emit(protocol.FormatError(fmt.Sprintf("radius %s out of range [0,%s]",
			trimFloat(radiusMm), trimFloat(f.cfg.MaxRadiusMm))))
		return ErrSoftLimit
	}
	if !f.machine.canMove() {
		f.emit(protocol.FormatError("motion suspended"))
		return ErrMotionSuspended
	}

	f.angleAxis.moveTo(angleDeg / 360 * f.cfg.StepsPerRev)
	f.radiusAxis.moveTo(radiusMm * f.cfg.StepsPerMM)

	f.mu.Lock()
	f.angleDeg = angleDeg
	f.radiusMm = radiusMm
	f.mu.Unlock()

	f.emit(protocol.FormatMoveAck(angleDeg, radiusMm))
	return nil
}

// MoveRelativeXY applies a Cartesian delta to the current position and
// forwards the result to MoveToPolar. If the resulting radius is out of
// range the original position is left untouched.
func (f *Firmware) MoveRelativeXY(dx, dy float64) error {
	f.mu.Lock()
	x, y := PolarToCartesian(f.angleDeg, f.radiusMm)
	f.mu.Unlock()
	angle, radius := CartesianToPolar(x+dx, y+dy)
	return f.MoveToPolar(angle, radius)
}

// AdjustSpeed replaces the speed profile atomically on both axes.
// Effective for motion issued afterward, not retroactive to a move in
// flight.
func (f *Firmware) AdjustSpeed(p SpeedProfile) {
	f.mu.Lock()
	f.profile = p
	f.mu.Unlock()
	f.angleAxis.setProfile(p.AngularMax, p.AngularAccel)
	f.radiusAxis.setProfile(p.RadialMax, p.RadialAccel)
}

// HomePlotter drives both axes to zero under the conservative homing
// profile, blocks until both report zero remaining distance, and then
// restores the previously active profile verbatim. The save/restore
// pairing is mandatory: a home must never leave the working speed
// changed.
func (f *Firmware) HomePlotter() error {
	saved := f.Profile()
	f.AdjustSpeed(f.cfg.Homing)
	defer f.AdjustSpeed(saved)

	if err := f.MoveToPolar(0, 0); err != nil {
		return err
	}
	f.waitIdle()
	return nil
}

// EmergencyStop halts motion and latches ERROR. It serves both the
// ESTOP command and the physical stop input.
func (f *Firmware) EmergencyStop(reason string) {
	f.angleAxis.halt()
	f.radiusAxis.halt()
	f.emit(protocol.FormatError(reason))
	f.machine.transition(protocol.StateError)
}

// Reset clears a latched ERROR back to READY.
func (f *Firmware) Reset() {
	if f.machine.current() == protocol.StateError {
		f.machine.transition(protocol.StateReady)
		return
	}
	// Already READY; re-announce so the host mirror can resync.
	f.emit(protocol.StateLine(protocol.StateReady))
}

type polarTarget struct {
	angle, radius float64
}

// circleSteps sweeps 0-360° at a fixed radius in 10° increments.
func (f *Firmware) circleSteps(radius float64) []polarTarget {
	steps := make([]polarTarget, 0, 37)
	for a := 0.0; a <= 360; a += 10 {
		steps = append(steps, polarTarget{a, radius})
	}
	return steps
}

// squareSteps converts the four Cartesian corners to polar targets and
// closes the path.
func (f *Firmware) squareSteps() []polarTarget {
	corners := [][2]float64{{40, 40}, {-40, 40}, {-40, -40}, {40, -40}, {40, 40}}
	steps := make([]polarTarget, 0, len(corners))
	for _, c := range corners {
		a, r := CartesianToPolar(c[0], c[1])
		steps = append(steps, polarTarget{a, r})
	}
	return steps
}

// startPattern begins a multi-step pattern on a worker goroutine so the
// serve loop keeps reading; an ESTOP arriving over the wire mid-pattern
// must take effect between steps, not after the full sweep. At most one
// pattern runs at a time.
func (f *Firmware) startPattern(steps []polarTarget) {
	if !f.machine.transitionFrom(protocol.StateReady, protocol.StateDrawing) {
		f.emit(protocol.FormatError("busy, pattern refused in state " + string(f.machine.current())))
		return
	}
	go f.runPattern(steps)
}

// runPattern executes the pattern: each step run to completion before
// the next, separated by a dwell. Leaving DRAWING (emergency stop)
// aborts the remainder and never overwrites the latched state.
func (f *Firmware) runPattern(steps []polarTarget) {
	for _, st := range steps {
		if f.machine.current() != protocol.StateDrawing {
			log.Printf("[device] pattern aborted in state %s", f.machine.current())
			return
		}
		if err := f.MoveToPolar(st.angle, st.radius); err != nil {
			f.machine.transitionFrom(protocol.StateDrawing, protocol.StateReady)
			return
		}
		f.waitIdle()
		if f.cfg.Dwell > 0 {
			time.Sleep(f.cfg.Dwell)
		}
	}
	f.machine.transitionFrom(protocol.StateDrawing, protocol.StateReady)
}

// waitIdle blocks until both axes report zero distance to go, or motion
// is suspended by an emergency stop.
func (f *Firmware) waitIdle() {
	for f.angleAxis.distanceToGo() > 0 || f.radiusAxis.distanceToGo() > 0 {
		if !f.machine.canMove() {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// announceState emits the wire line for a state transition, when the
// state has one.
func (f *Firmware) announceState(s protocol.DeviceState) {
	if line := protocol.StateLine(s); line != "" {
		f.emit(line)
	}
}

// emit writes one response line. Serialized: the serve loop and the
// physical stop input may emit concurrently.
func (f *Firmware) emit(line string) {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	if f.out == nil {
		return
	}
	if _, err := io.WriteString(f.out, line+"\n"); err != nil {
		log.Printf("[device] emit failed: %v", err)
	}
}

func trimFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}
