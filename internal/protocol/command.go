// Package protocol implements the ASCII line protocol spoken between the
// host and the plotter: typed commands encoded to wire lines, and inbound
// device lines decoded to typed events.
//
// One command or response per line. Encoded lines carry no trailing
// newline; the transport appends it.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnknownCommand is returned when a line does not start with a
	// recognized command word.
	ErrUnknownCommand = errors.New("protocol: unknown command")
	// ErrMalformedLine is returned when a recognized command carries
	// missing or non-numeric arguments.
	ErrMalformedLine = errors.New("protocol: malformed line")
)

// Command is a single instruction for the plotter. Values are immutable;
// construct one and hand it to the connection manager.
type Command interface {
	// Encode renders the exact ASCII line the device expects.
	Encode() string
}

// Move commands an absolute move to a polar target.
type Move struct {
	Angle  float64 // degrees, 0-360
	Radius float64 // mm
}

// Draw runs the built-in circle pattern.
type Draw struct{}

// Square runs the built-in square pattern.
type Square struct{}

// Area sweeps a full circle at maximum radius.
type Area struct{}

// SetX nudges the pen by a relative Cartesian X delta.
type SetX struct{ Value float64 }

// SetY nudges the pen by a relative Cartesian Y delta.
type SetY struct{ Value float64 }

// Status requests a position report.
type Status struct{}

// Test runs a short motion exercise.
type Test struct{}

// Speed replaces the device speed profile atomically.
type Speed struct {
	AngularMax   float64
	AngularAccel float64
	RadialMax    float64
	RadialAccel  float64
}

// Home returns both axes to zero at conservative speed.
type Home struct{}

// EmergencyStop halts all motion and latches the ERROR state.
type EmergencyStop struct{}

// Reset clears a latched ERROR back to READY.
type Reset struct{}

// Raw passes an arbitrary line through unmodified.
type Raw struct{ Text string }

func (m Move) Encode() string { return "MOVE " + ftoa(m.Angle) + " " + ftoa(m.Radius) }
func (Draw) Encode() string   { return "DRAW" }
func (Square) Encode() string { return "SQUARE" }
func (Area) Encode() string   { return "AREA" }
func (x SetX) Encode() string { return "X" + ftoa(x.Value) }
func (y SetY) Encode() string { return "Y" + ftoa(y.Value) }
func (Status) Encode() string { return "STATUS" }
func (Test) Encode() string   { return "TEST" }
func (s Speed) Encode() string {
	return "SPEED " + ftoa(s.AngularMax) + " " + ftoa(s.AngularAccel) +
		" " + ftoa(s.RadialMax) + " " + ftoa(s.RadialAccel)
}
func (Home) Encode() string          { return "HOME" }
func (EmergencyStop) Encode() string { return "ESTOP" }
func (Reset) Encode() string         { return "RESET" }
func (r Raw) Encode() string         { return r.Text }

// ParseCommand is the device-side inverse of Encode. It recognizes the
// fixed command vocabulary; anything else fails with ErrUnknownCommand.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedLine)
	}

	// Single-letter relative nudges: X<value>, Y<value>
	if len(line) > 1 && (line[0] == 'X' || line[0] == 'Y') && !strings.ContainsRune(line, ' ') {
		v, err := strconv.ParseFloat(line[1:], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		if line[0] == 'X' {
			return SetX{Value: v}, nil
		}
		return SetY{Value: v}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "MOVE":
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: MOVE wants 2 args, got %d", ErrMalformedLine, len(fields)-1)
		}
		a, err1 := strconv.ParseFloat(fields[1], 64)
		r, err2 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		return Move{Angle: a, Radius: r}, nil
	case "DRAW":
		return Draw{}, nil
	case "SQUARE":
		return Square{}, nil
	case "AREA":
		return Area{}, nil
	case "STATUS":
		return Status{}, nil
	case "TEST":
		return Test{}, nil
	case "SPEED":
		if len(fields) != 5 {
			return nil, fmt.Errorf("%w: SPEED wants 4 args, got %d", ErrMalformedLine, len(fields)-1)
		}
		vals := make([]float64, 4)
		for i, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
			}
			vals[i] = v
		}
		return Speed{AngularMax: vals[0], AngularAccel: vals[1], RadialMax: vals[2], RadialAccel: vals[3]}, nil
	case "HOME":
		return Home{}, nil
	case "ESTOP":
		return EmergencyStop{}, nil
	case "RESET":
		return Reset{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
}

// ftoa renders a float without trailing zeros ("30", "35.4").
func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
