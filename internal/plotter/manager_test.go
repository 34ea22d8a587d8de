package plotter

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6ilo/plotter/internal/protocol"
)

// fakePort is an in-memory serial handle. Reads block until a line is
// fed or the port is closed.
type fakePort struct {
	readCh chan []byte

	mu       sync.Mutex
	wrote    bytes.Buffer
	closed   bool
	leftover []byte
}

func newFakePort() *fakePort {
	return &fakePort{readCh: make(chan []byte, 16)}
}

func (p *fakePort) feed(line string) {
	p.readCh <- []byte(line + "\n")
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if len(p.leftover) > 0 {
		n := copy(buf, p.leftover)
		p.leftover = p.leftover[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	data, ok := <-p.readCh
	if !ok {
		return 0, io.EOF
	}
	n := copy(buf, data)
	if n < len(data) {
		p.mu.Lock()
		p.leftover = append(p.leftover, data[n:]...)
		p.mu.Unlock()
	}
	return n, nil
}

func (p *fakePort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.wrote.Write(buf)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.readCh)
	return nil
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.String()
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeOpener hands out fakePorts keyed by path and counts opens.
type fakeOpener struct {
	mu    sync.Mutex
	ports []*fakePort
	paths []string
}

func (o *fakeOpener) open(path string, baud int) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := newFakePort()
	o.ports = append(o.ports, p)
	o.paths = append(o.paths, path)
	return p, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ports)
}

func (o *fakeOpener) openPorts() []*fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	var open []*fakePort
	for _, p := range o.ports {
		if !p.isClosed() {
			open = append(open, p)
		}
	}
	return open
}

// waitFor drains a subscription until pred matches or the timeout hits.
func waitFor(t *testing.T, sub *Subscription, what string, pred func(Update) bool) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", what)
			}
			if pred(u) {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func newTestManager(o *fakeOpener) *Manager {
	m := NewManager()
	m.SetOpener(o.open)
	m.SetOpenTimeout(time.Second)
	return m
}

func TestConnectMarksReady(t *testing.T) {
	o := &fakeOpener{}
	m := newTestManager(o)
	sub := m.Subscribe()
	defer sub.Close()

	require.NoError(t, m.Connect("/dev/ttyACM0", 0))
	assert.True(t, m.IsConnected())
	assert.Equal(t, protocol.StateReady, m.State())

	u := waitFor(t, sub, "connected status", func(u Update) bool {
		return u.Status != nil && u.Status.Connected
	})
	assert.Equal(t, "/dev/ttyACM0", u.Status.Path)
	assert.Equal(t, DefaultBaudRate, u.Status.BaudRate)
}

// Connecting while connected must fully tear down the old handle first:
// exactly one physical handle open afterward, no leak.
func TestConnectExclusivity(t *testing.T) {
	o := &fakeOpener{}
	m := newTestManager(o)

	require.NoError(t, m.Connect("/dev/ttyACM0", 115200))
	require.NoError(t, m.Connect("/dev/ttyACM1", 115200))

	assert.Equal(t, 2, o.openCount())
	open := o.openPorts()
	require.Len(t, open, 1, "want exactly one open handle")
	assert.Equal(t, "/dev/ttyACM1", m.Status().Path)
}

func TestDisconnectIdempotent(t *testing.T) {
	o := &fakeOpener{}
	m := newTestManager(o)
	sub := m.Subscribe()
	defer sub.Close()

	m.Disconnect()
	m.Disconnect()

	// One Disconnected event per call, even when not connected.
	for i := 0; i < 2; i++ {
		waitFor(t, sub, "disconnected status", func(u Update) bool {
			return u.Status != nil && !u.Status.Connected
		})
	}
	assert.False(t, m.IsConnected())
	assert.Equal(t, protocol.StateDisconnected, m.State())
}

func TestSendCommandNotConnected(t *testing.T) {
	m := newTestManager(&fakeOpener{})
	err := m.SendCommand(protocol.Status{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendCommandWritesLine(t *testing.T) {
	o := &fakeOpener{}
	m := newTestManager(o)
	sub := m.Subscribe()
	defer sub.Close()

	require.NoError(t, m.Connect("/dev/ttyACM0", 115200))
	require.NoError(t, m.SendCommand(protocol.Move{Angle: 30, Radius: 50}))

	assert.Equal(t, "MOVE 30 50\n", o.ports[0].written())
	u := waitFor(t, sub, "sent log", func(u Update) bool {
		return u.Log != nil && u.Log.Kind == LogSent
	})
	assert.Equal(t, "MOVE 30 50", u.Log.Text)
}

// End-to-end host path: inbound status line is decoded and fanned out
// as a PositionReport to all observers.
func TestInboundStatusLineFansOut(t *testing.T) {
	o := &fakeOpener{}
	m := newTestManager(o)
	require.NoError(t, m.Connect("/dev/ttyACM0", 115200))

	subs := []*Subscription{m.Subscribe(), m.Subscribe(), m.Subscribe()}
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	o.ports[0].feed("Status - Polar: Angle=45.0 Radius=50.0 X=35.4 Y=35.4")

	for i, sub := range subs {
		u := waitFor(t, sub, "position report", func(u Update) bool {
			return u.Position != nil
		})
		assert.Equal(t, 45.0, u.Position.AngleDeg, "observer %d", i)
		assert.Equal(t, 50.0, u.Position.RadiusMm, "observer %d", i)
		assert.Equal(t, 35.4, u.Position.X, "observer %d", i)
		assert.Equal(t, 35.4, u.Position.Y, "observer %d", i)
	}
	assert.Equal(t, 45.0, m.Position().AngleDeg)
}

func TestInboundStateLineUpdatesMirror(t *testing.T) {
	o := &fakeOpener{}
	m := newTestManager(o)
	require.NoError(t, m.Connect("/dev/ttyACM0", 115200))
	sub := m.Subscribe()
	defer sub.Close()

	o.ports[0].feed("STATE_DRAWING")
	waitFor(t, sub, "state change", func(u Update) bool {
		return u.State != nil && *u.State == protocol.StateDrawing
	})
	assert.Equal(t, protocol.StateDrawing, m.State())
}

func TestMalformedStatusLineDegrades(t *testing.T) {
	o := &fakeOpener{}
	m := newTestManager(o)
	require.NoError(t, m.Connect("/dev/ttyACM0", 115200))
	sub := m.Subscribe()
	defer sub.Close()

	o.ports[0].feed("Status - Polar: Angle=oops Radius=1 X=1 Y=1")
	waitFor(t, sub, "decode warning", func(u Update) bool {
		return u.Log != nil && u.Log.Kind == LogWarning
	})
	// The read loop survives and keeps decoding.
	o.ports[0].feed("STATE_READY")
	waitFor(t, sub, "state after bad line", func(u Update) bool {
		return u.State != nil && *u.State == protocol.StateReady
	})
}

// Loss of the physical link (EOF) is reported as Disconnected; the
// process does not crash and the manager resets.
func TestLinkLossReportsDisconnected(t *testing.T) {
	o := &fakeOpener{}
	m := newTestManager(o)
	require.NoError(t, m.Connect("/dev/ttyACM0", 115200))
	sub := m.Subscribe()
	defer sub.Close()

	o.ports[0].Close()
	waitFor(t, sub, "disconnected after link loss", func(u Update) bool {
		return u.Status != nil && !u.Status.Connected
	})
	assert.False(t, m.IsConnected())
}

func TestConnectTimeout(t *testing.T) {
	m := NewManager()
	m.SetOpenTimeout(50 * time.Millisecond)
	released := make(chan struct{})
	m.SetOpener(func(path string, baud int) (Port, error) {
		<-released
		return newFakePort(), nil
	})

	err := m.Connect("/dev/ttyACM0", 115200)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, connKindOf(err))
	assert.False(t, m.IsConnected())
	close(released)
}

func TestConnectPermissionDenied(t *testing.T) {
	m := NewManager()
	m.SetOpener(func(path string, baud int) (Port, error) {
		return nil, os.ErrPermission
	})

	err := m.Connect("/dev/ttyACM0", 115200)
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindPermissionDenied, ce.Kind)
	assert.NotEmpty(t, ce.Remedy, "permission errors carry remediation text")
	assert.True(t, strings.Contains(ce.Error(), "dialout"))
}

// A connect issued while another connect's open is still in flight must
// preempt it: the newer connection wins, and the slow open's handle is
// closed when it eventually lands instead of being installed over the
// newer one.
func TestConnectPreemptsInFlightOpen(t *testing.T) {
	releaseA := make(chan struct{})
	portA := newFakePort()
	portB := newFakePort()

	m := NewManager()
	m.SetOpenTimeout(2 * time.Second)
	m.SetOpener(func(path string, baud int) (Port, error) {
		if path == "/dev/ttyACM0" {
			<-releaseA
			return portA, nil
		}
		return portB, nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect("/dev/ttyACM0", 115200) }()
	time.Sleep(20 * time.Millisecond) // let the slow open get in flight
	require.NoError(t, m.Connect("/dev/ttyACM1", 115200))

	close(releaseA)
	err := <-errCh
	assert.Equal(t, KindCanceled, connKindOf(err))

	// The preempted open's handle is closed once it lands; exactly one
	// physical handle may be open.
	deadline := time.Now().Add(2 * time.Second)
	for !portA.isClosed() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, portA.isClosed(), "stale handle leaked")
	assert.False(t, portB.isClosed())
	assert.Equal(t, "/dev/ttyACM1", m.Status().Path)
	assert.True(t, m.IsConnected())
}

// stuckPort simulates a wedged driver: reads and writes block until
// released, and Close does not unstick them.
type stuckPort struct {
	release chan struct{}
}

func (p *stuckPort) Read(buf []byte) (int, error) {
	<-p.release
	return 0, io.EOF
}

func (p *stuckPort) Write(buf []byte) (int, error) {
	<-p.release
	return 0, errors.New("port gone")
}

func (p *stuckPort) Close() error { return nil }

// A write wedged in the driver must not hold the manager lock: Disconnect
// stays reachable as the escape hatch.
func TestDisconnectNotBlockedByStuckWrite(t *testing.T) {
	p := &stuckPort{release: make(chan struct{})}
	defer close(p.release)

	m := NewManager()
	m.SetOpener(func(path string, baud int) (Port, error) { return p, nil })
	require.NoError(t, m.Connect("/dev/ttyACM0", 115200))

	go func() { _ = m.SendCommand(protocol.Status{}) }()
	time.Sleep(20 * time.Millisecond) // let the write wedge

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect blocked behind an in-flight write")
	}
	assert.False(t, m.IsConnected())
}

func TestErrorLineLogged(t *testing.T) {
	o := &fakeOpener{}
	m := newTestManager(o)
	require.NoError(t, m.Connect("/dev/ttyACM0", 115200))
	sub := m.Subscribe()
	defer sub.Close()

	o.ports[0].feed("Error: radius 120 out of range [0,100]")
	u := waitFor(t, sub, "error log", func(u Update) bool {
		return u.Log != nil && u.Log.Kind == LogError
	})
	assert.Contains(t, u.Log.Text, "out of range")
}
