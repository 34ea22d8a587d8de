package plotter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// The supervisor retries with backoff until a connect succeeds, then
// stays quiet while connected.
func TestReconnectorRetriesUntilConnected(t *testing.T) {
	var attempts atomic.Int32
	m := NewManager()
	m.SetOpener(func(path string, baud int) (Port, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("no device")
		}
		return newFakePort(), nil
	})

	r := NewReconnector(m, "/dev/ttyACM0", 115200)
	r.InitialDelay = 5 * time.Millisecond
	r.MaxDelay = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go r.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !m.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, m.IsConnected())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestReconnectorStopsOnCancel(t *testing.T) {
	var attempts atomic.Int32
	m := NewManager()
	m.SetOpener(func(path string, baud int) (Port, error) {
		attempts.Add(1)
		return nil, errors.New("no device")
	})

	r := NewReconnector(m, "/dev/ttyACM0", 115200)
	r.InitialDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnector did not stop on cancel")
	}
	before := attempts.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, attempts.Load(), "no attempts after cancel")
}
