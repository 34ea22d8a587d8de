// Package plotter implements the host side of the system: the exclusive
// serial connection to the device, the line reader feeding the protocol
// decoder, and the fan-out of decoded events to any number of live
// observers.
package plotter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/6ilo/plotter/internal/device"
	"github.com/6ilo/plotter/internal/protocol"
)

// DefaultBaudRate is used when a connect request does not specify one.
const DefaultBaudRate = 115200

// DefaultOpenTimeout bounds how long a connect may block on the OS open.
const DefaultOpenTimeout = 5 * time.Second

// Port is the minimal surface the manager needs from a serial handle.
// Abstracting it keeps the manager testable without hardware.
type Port interface {
	io.ReadWriteCloser
}

// OpenFunc opens a serial port. The default uses go.bug.st/serial; tests
// and demo mode inject their own.
type OpenFunc func(path string, baudRate int) (Port, error)

func defaultOpen(path string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}

// Manager owns the single physical connection. At most one handle is
// open at any time; connecting while connected tears the old handle
// down first. All device events flow through the manager's bus to every
// registered observer.
type Manager struct {
	mu          sync.Mutex
	open        OpenFunc
	openTimeout time.Duration

	port      Port
	path      string
	baud      int
	connected bool
	gen       int // connection generation; read loops of stale generations are ignored

	cancelOpen chan struct{} // non-nil while an open is in flight

	writeMu sync.Mutex // serializes wire writes, held without m.mu

	state protocol.DeviceState // best-effort mirror of the device state
	pos   protocol.Position

	bus    *Bus
	logbuf *LogBuffer
}

// NewManager creates a disconnected Manager.
func NewManager() *Manager {
	return &Manager{
		open:        defaultOpen,
		openTimeout: DefaultOpenTimeout,
		state:       protocol.StateDisconnected,
		bus:         NewBus(),
		logbuf:      NewLogBuffer(),
	}
}

// SetOpener replaces the port opener (tests, demo mode).
func (m *Manager) SetOpener(open OpenFunc) {
	m.mu.Lock()
	m.open = open
	m.mu.Unlock()
}

// SetOpenTimeout bounds the OS open call.
func (m *Manager) SetOpenTimeout(d time.Duration) {
	m.mu.Lock()
	m.openTimeout = d
	m.mu.Unlock()
}

// Bus returns the event fan-out.
func (m *Manager) Bus() *Bus { return m.bus }

// Subscribe registers a new observer on the manager's bus.
func (m *Manager) Subscribe() *Subscription { return m.bus.Subscribe() }

// Log returns the session log buffer.
func (m *Manager) Log() *LogBuffer { return m.logbuf }

// IsConnected reflects the last known open/closed state. It does not
// probe the hardware.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// State returns the host's mirror of the device state. It is updated
// only by parsed device messages and can be stale between polls.
func (m *Manager) State() protocol.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Position returns the last reported position.
func (m *Manager) Position() protocol.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Status returns the current connection status.
func (m *Manager) Status() ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnStatus{Connected: m.connected, Path: m.path, BaudRate: m.baud}
}

// Connect opens path at baudRate (DefaultBaudRate when zero). If a
// connection is already open it is fully torn down first; two handles
// are never open at once. The open is bounded by the open timeout; a
// half-open handle left behind by a timed-out open is closed when it
// eventually lands.
func (m *Manager) Connect(path string, baudRate int) error {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	m.mu.Lock()
	if m.cancelOpen != nil {
		// An open already in flight loses to this connect.
		close(m.cancelOpen)
	}
	if m.connected {
		m.teardownLocked()
		m.publishDisconnected()
	}
	cancel := make(chan struct{})
	m.cancelOpen = cancel
	open := m.open
	timeout := m.openTimeout
	m.mu.Unlock()

	ch := make(chan openResult, 1)
	go func() {
		p, err := open(path, baudRate)
		ch <- openResult{p, err}
	}()

	var res openResult
	select {
	case res = <-ch:
	case <-time.After(timeout):
		go closeLate(ch)
		err := &ConnectionError{Kind: KindTimeout, Path: path,
			Err: fmt.Errorf("open did not complete within %v", timeout)}
		m.failConnect(cancel, err)
		return err
	case <-cancel:
		go closeLate(ch)
		err := &ConnectionError{Kind: KindCanceled, Path: path, Err: errors.New("connect canceled")}
		m.failConnect(cancel, err)
		return err
	}

	if res.err != nil {
		err := classifyOpenError(path, res.err)
		m.failConnect(cancel, err)
		return err
	}

	m.mu.Lock()
	select {
	case <-cancel:
		// Disconnected, or preempted by a newer connect, while the
		// open was landing. The newer connection stays; this handle
		// must not be installed over it.
		m.mu.Unlock()
		res.port.Close()
		err := &ConnectionError{Kind: KindCanceled, Path: path, Err: errors.New("connect canceled")}
		m.publishLog(LogError, err.Error())
		return err
	default:
	}
	m.cancelOpen = nil
	m.port = res.port
	m.path = path
	m.baud = baudRate
	m.connected = true
	m.state = protocol.StateReady
	m.gen++
	gen := m.gen
	port := res.port
	m.mu.Unlock()

	log.Printf("[plotter] connected to %s at %d baud", path, baudRate)
	m.publishLog(LogInfo, fmt.Sprintf("connected to %s at %d baud", path, baudRate))
	m.bus.Publish(Update{
		Status: &ConnStatus{Connected: true, Path: path, BaudRate: baudRate},
		State:  stateRef(protocol.StateReady),
	})

	go m.readLoop(port, gen)
	return nil
}

type openResult struct {
	port Port
	err  error
}

// closeLate drains a pending open result and closes any handle it
// produced, so a timed-out or canceled open never leaks.
func closeLate(ch <-chan openResult) {
	if res := <-ch; res.port != nil {
		res.port.Close()
	}
}

// failConnect records a failed attempt. It clears cancelOpen only when
// it still belongs to this attempt; a newer connect may have replaced it.
func (m *Manager) failConnect(cancel chan struct{}, err error) {
	m.mu.Lock()
	if m.cancelOpen == cancel {
		m.cancelOpen = nil
	}
	m.mu.Unlock()
	log.Printf("[plotter] %v", err)
	m.publishLog(LogError, err.Error())
}

// classifyOpenError maps an OS/driver open failure onto the typed
// connection error taxonomy.
func classifyOpenError(path string, err error) *ConnectionError {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return &ConnectionError{Kind: KindPortNotFound, Path: path, Err: err}
		case serial.PortBusy:
			return &ConnectionError{Kind: KindAlreadyOpen, Path: path, Err: err}
		case serial.PermissionDenied:
			return &ConnectionError{Kind: KindPermissionDenied, Path: path, Err: err,
				Remedy: "add your user to the dialout/uucp group or adjust udev rules, then replug the device"}
		}
	}
	if errors.Is(err, os.ErrPermission) {
		return &ConnectionError{Kind: KindPermissionDenied, Path: path, Err: err,
			Remedy: "add your user to the dialout/uucp group or adjust udev rules, then replug the device"}
	}
	if errors.Is(err, os.ErrNotExist) {
		return &ConnectionError{Kind: KindPortNotFound, Path: path, Err: err}
	}
	return &ConnectionError{Kind: KindOpenFailed, Path: path, Err: err}
}

// Disconnect tears down the connection. Idempotent; safe when not
// connected. It always resets internal state and emits a Disconnected
// event exactly once per call, even if the physical close fails. A
// pending open is canceled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancelOpen != nil {
		close(m.cancelOpen)
		m.cancelOpen = nil
	}
	m.teardownLocked()
	m.publishDisconnected()
	m.mu.Unlock()
}

// teardownLocked closes the handle and resets connection state. Caller
// holds m.mu.
func (m *Manager) teardownLocked() {
	if m.port != nil {
		if err := m.port.Close(); err != nil {
			log.Printf("[plotter] close failed: %v", err)
		}
		m.port = nil
	}
	m.connected = false
	m.path = ""
	m.baud = 0
	m.state = protocol.StateDisconnected
	m.gen++ // invalidate the running read loop
}

// publishDisconnected emits the Disconnected status + state update.
// Caller may hold m.mu; the bus has its own lock.
func (m *Manager) publishDisconnected() {
	m.bus.Publish(Update{
		Status: &ConnStatus{Connected: false},
		State:  stateRef(protocol.StateDisconnected),
	})
}

// SendCommand encodes cmd and writes it to the wire. It rejects
// immediately when no connection is open. Success or failure of the
// write is also reported as a log event to all observers; a write
// failure is reported, never silently retried.
//
// The write happens outside m.mu: a wedged driver must not block
// Disconnect, which is the only way out of that situation. Concurrent
// senders are serialized onto the wire by writeMu.
func (m *Manager) SendCommand(cmd protocol.Command) error {
	m.mu.Lock()
	if !m.connected || m.port == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	port := m.port
	m.mu.Unlock()

	line := cmd.Encode()
	m.writeMu.Lock()
	_, err := io.WriteString(port, line+"\n")
	m.writeMu.Unlock()

	if err != nil {
		m.publishLog(LogError, fmt.Sprintf("write failed: %v", err))
		return fmt.Errorf("plotter: write %q: %w", line, err)
	}
	m.publishLog(LogSent, line)
	return nil
}

// readLoop reads lines from the port, decodes each into an event, and
// fans it out. All events derived from one line are published before
// the next line is read. A loop belonging to a stale generation exits
// without touching manager state.
func (m *Manager) readLoop(port Port, gen int) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		if !m.currentGen(gen) {
			return
		}
		m.handleLine(scanner.Text())
	}

	// EOF or read error: if this generation is still current, the
	// physical link was lost out from under us.
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	err := scanner.Err()
	m.teardownLocked()
	m.mu.Unlock()

	if err != nil {
		log.Printf("[plotter] link lost: %v", err)
		m.publishLog(LogError, fmt.Sprintf("link lost: %v", err))
	} else {
		log.Printf("[plotter] link closed by device")
		m.publishLog(LogWarning, "link closed by device")
	}
	m.publishDisconnected()
}

func (m *Manager) currentGen(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// handleLine decodes one inbound line and publishes its derived events.
func (m *Manager) handleLine(line string) {
	m.publishLog(LogReceived, line)

	ev, warn := protocol.Decode(line)
	if warn != nil {
		m.publishLog(LogWarning, warn.Error())
	}

	switch e := ev.(type) {
	case protocol.StateChanged:
		m.mu.Lock()
		m.state = e.State
		m.mu.Unlock()
		m.bus.Publish(Update{State: stateRef(e.State)})
	case protocol.PositionReport:
		m.mu.Lock()
		m.pos = e.Position
		m.mu.Unlock()
		pos := e.Position
		m.bus.Publish(Update{Position: &pos})
	case protocol.MoveAck:
		// Commanded target; Cartesian fields stay derived from polar.
		x, y := device.PolarToCartesian(e.Angle, e.Radius)
		pos := protocol.Position{AngleDeg: e.Angle, RadiusMm: e.Radius, X: x, Y: y}
		m.mu.Lock()
		m.pos = pos
		m.mu.Unlock()
		m.bus.Publish(Update{Position: &pos})
	case protocol.ErrorLine:
		m.publishLog(LogError, e.Text)
	case protocol.Unclassified:
		// Already forwarded as the received log line.
	}
}

// publishLog appends to the session log and fans the entry out.
func (m *Manager) publishLog(kind LogKind, text string) {
	e := m.logbuf.Append(kind, text)
	m.bus.Publish(Update{Log: &e})
}

func stateRef(s protocol.DeviceState) *protocol.DeviceState { return &s }
