package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceState is the plotter's coarse run state. DISCONNECTED is
// host-only: it means no device state is known at all.
type DeviceState string

const (
	StateReady        DeviceState = "READY"
	StateDrawing      DeviceState = "DRAWING"
	StateError        DeviceState = "ERROR"
	StateDisconnected DeviceState = "DISCONNECTED"
)

// Position is a plotter position. The Cartesian fields are always
// derived from the polar fields; polar is ground truth.
type Position struct {
	AngleDeg float64 `json:"angle"`
	RadiusMm float64 `json:"radius"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// Event is a classified inbound device line.
type Event interface{ isEvent() }

// StateChanged reports a device state transition.
type StateChanged struct{ State DeviceState }

// PositionReport carries a full position snapshot (STATUS response).
type PositionReport struct{ Position Position }

// MoveAck acknowledges that a move was issued.
type MoveAck struct{ Angle, Radius float64 }

// ErrorLine carries a device-reported error.
type ErrorLine struct{ Text string }

// Unclassified wraps any line the decoder does not recognize. It is
// still forwarded to observers as a raw log line.
type Unclassified struct{ Text string }

func (StateChanged) isEvent()   {}
func (PositionReport) isEvent() {}
func (MoveAck) isEvent()        {}
func (ErrorLine) isEvent()      {}
func (Unclassified) isEvent()   {}

// Line markers of the device response grammar.
const (
	lineStateReady   = "STATE_READY"
	lineStateDrawing = "STATE_DRAWING"
	prefixError      = "Error:"
	prefixStatus     = "Status - Polar:"
	prefixMoveAck    = "Moving to:"
)

// Decode classifies one inbound line. It never fails hard: lines that
// match no marker, or match a marker but carry malformed numerics,
// degrade to Unclassified. The returned error is advisory (a decode
// warning for the log), not a failure.
func Decode(line string) (Event, error) {
	line = strings.TrimSpace(line)

	switch {
	case line == lineStateReady:
		return StateChanged{State: StateReady}, nil
	case line == lineStateDrawing:
		return StateChanged{State: StateDrawing}, nil
	case strings.HasPrefix(line, prefixError):
		return ErrorLine{Text: strings.TrimSpace(line[len(prefixError):])}, nil
	case strings.HasPrefix(line, prefixStatus):
		pos, err := parseStatusFields(line[len(prefixStatus):])
		if err != nil {
			return Unclassified{Text: line}, fmt.Errorf("protocol: bad status line: %w", err)
		}
		return PositionReport{Position: pos}, nil
	case strings.HasPrefix(line, prefixMoveAck):
		a, r, err := parseMoveAck(line[len(prefixMoveAck):])
		if err != nil {
			return Unclassified{Text: line}, fmt.Errorf("protocol: bad move ack: %w", err)
		}
		return MoveAck{Angle: a, Radius: r}, nil
	}
	return Unclassified{Text: line}, nil
}

// parseStatusFields parses "Angle=45.0 Radius=50.0 X=35.4 Y=35.4".
func parseStatusFields(s string) (Position, error) {
	var pos Position
	seen := 0
	for _, field := range strings.Fields(s) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return Position{}, fmt.Errorf("field %q has no '='", field)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Position{}, fmt.Errorf("field %q: %v", field, err)
		}
		switch k {
		case "Angle":
			pos.AngleDeg = f
		case "Radius":
			pos.RadiusMm = f
		case "X":
			pos.X = f
		case "Y":
			pos.Y = f
		default:
			continue
		}
		seen++
	}
	if seen < 4 {
		return Position{}, fmt.Errorf("only %d of 4 fields present", seen)
	}
	return pos, nil
}

// parseMoveAck parses " Angle 30 Radius 50".
func parseMoveAck(s string) (angle, radius float64, err error) {
	fields := strings.Fields(s)
	if len(fields) != 4 || fields[0] != "Angle" || fields[2] != "Radius" {
		return 0, 0, fmt.Errorf("want 'Angle <f> Radius <f>', got %q", s)
	}
	angle, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, err
	}
	radius, err = strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return 0, 0, err
	}
	return angle, radius, nil
}

// FormatStatus renders the STATUS response line for a position.
func FormatStatus(pos Position) string {
	return fmt.Sprintf("%s Angle=%.1f Radius=%.1f X=%.1f Y=%.1f",
		prefixStatus, pos.AngleDeg, pos.RadiusMm, pos.X, pos.Y)
}

// FormatMoveAck renders the move acknowledgement line.
func FormatMoveAck(angle, radius float64) string {
	return fmt.Sprintf("%s Angle %s Radius %s", prefixMoveAck, ftoa(angle), ftoa(radius))
}

// FormatError renders a device error line.
func FormatError(text string) string {
	return prefixError + " " + text
}

// StateLine renders the async state-change line for a state, or "" for
// states that have no wire representation.
func StateLine(s DeviceState) string {
	switch s {
	case StateReady:
		return lineStateReady
	case StateDrawing:
		return lineStateDrawing
	default:
		return ""
	}
}
