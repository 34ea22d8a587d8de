package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStateLines(t *testing.T) {
	ev, err := Decode("STATE_READY")
	require.NoError(t, err)
	assert.Equal(t, StateChanged{State: StateReady}, ev)

	ev, err = Decode("STATE_DRAWING")
	require.NoError(t, err)
	assert.Equal(t, StateChanged{State: StateDrawing}, ev)
}

func TestDecodeErrorLine(t *testing.T) {
	ev, err := Decode("Error: Target out of range")
	require.NoError(t, err)
	assert.Equal(t, ErrorLine{Text: "Target out of range"}, ev)
}

func TestDecodeStatus(t *testing.T) {
	ev, err := Decode("Status - Polar: Angle=45.0 Radius=50.0 X=35.4 Y=35.4")
	require.NoError(t, err)
	rep, ok := ev.(PositionReport)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, 45.0, rep.Position.AngleDeg)
	assert.Equal(t, 50.0, rep.Position.RadiusMm)
	assert.Equal(t, 35.4, rep.Position.X)
	assert.Equal(t, 35.4, rep.Position.Y)
}

func TestDecodeMoveAck(t *testing.T) {
	ev, err := Decode("Moving to: Angle 30 Radius 50")
	require.NoError(t, err)
	assert.Equal(t, MoveAck{Angle: 30, Radius: 50}, ev)
}

// Lines matching a marker but carrying junk numerics must degrade to
// Unclassified with a warning, never fail hard.
func TestDecodeMalformedNumerics(t *testing.T) {
	for _, line := range []string{
		"Status - Polar: Angle=abc Radius=50.0 X=1 Y=1",
		"Status - Polar: Angle=45.0",
		"Moving to: Angle x Radius y",
		"Moving to: somewhere",
	} {
		ev, err := Decode(line)
		assert.Error(t, err, "line %q", line)
		assert.Equal(t, Unclassified{Text: line}, ev, "line %q", line)
	}
}

func TestDecodeUnknownLine(t *testing.T) {
	ev, err := Decode("ok T:210 B:60")
	require.NoError(t, err)
	assert.Equal(t, Unclassified{Text: "ok T:210 B:60"}, ev)
}

// Device-side formatting must decode back to the same values.
func TestResponseRoundTrip(t *testing.T) {
	pos := Position{AngleDeg: 45, RadiusMm: 50, X: 35.4, Y: 35.4}
	ev, err := Decode(FormatStatus(pos))
	require.NoError(t, err)
	assert.Equal(t, PositionReport{Position: pos}, ev)

	ev, err = Decode(FormatMoveAck(30, 50))
	require.NoError(t, err)
	assert.Equal(t, MoveAck{Angle: 30, Radius: 50}, ev)

	ev, err = Decode(FormatError("boom"))
	require.NoError(t, err)
	assert.Equal(t, ErrorLine{Text: "boom"}, ev)

	ev, err = Decode(StateLine(StateReady))
	require.NoError(t, err)
	assert.Equal(t, StateChanged{State: StateReady}, ev)
}
