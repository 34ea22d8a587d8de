package device

import (
	"sync"

	"github.com/6ilo/plotter/internal/protocol"
)

// machine is the device run-state machine. READY accepts any command,
// DRAWING is entered for the duration of a multi-step pattern, and ERROR
// latches until an explicit RESET. Every transition is announced through
// the notify callback so the serve loop can emit the matching wire line.
type machine struct {
	mu     sync.Mutex
	state  protocol.DeviceState
	notify func(protocol.DeviceState)
}

func newMachine(notify func(protocol.DeviceState)) *machine {
	return &machine{state: protocol.StateReady, notify: notify}
}

func (m *machine) current() protocol.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to a new state and announces it. Announcing happens
// outside the lock so a notify callback may query the machine.
func (m *machine) transition(to protocol.DeviceState) {
	m.mu.Lock()
	if m.state == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	notify := m.notify
	m.mu.Unlock()
	if notify != nil {
		notify(to)
	}
}

// transitionFrom moves to a new state only if the machine is currently
// in from, announcing on success. A pattern worker finishing must not
// clobber an ERROR latched by an emergency stop in the meantime.
func (m *machine) transitionFrom(from, to protocol.DeviceState) bool {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	notify := m.notify
	m.mu.Unlock()
	if notify != nil {
		notify(to)
	}
	return true
}

// canMove reports whether actuator motion may proceed. Motion is
// suspended entirely while in ERROR.
func (m *machine) canMove() bool {
	s := m.current()
	return s == protocol.StateReady || s == protocol.StateDrawing
}
