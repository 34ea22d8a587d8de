package plotter

import (
	"context"
	"log"
	"time"
)

// Reconnector is the supervising reconnect policy layered above the
// Manager: exponential backoff, cancellable, and never holding the
// manager's lock while waiting. The Manager itself never retries.
type Reconnector struct {
	Manager *Manager
	Path    string
	Baud    int

	// InitialDelay doubles after each failed attempt up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// NewReconnector returns a Reconnector with the default backoff window
// (1s doubling to 60s).
func NewReconnector(m *Manager, path string, baud int) *Reconnector {
	return &Reconnector{
		Manager:      m,
		Path:         path,
		Baud:         baud,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
	}
}

// Run keeps the link up until ctx is done: it connects with exponential
// backoff, then sleeps until a Disconnected event arrives and starts
// over. A deliberate operator connect to a different port simply wins;
// the reconnector only acts while the manager is disconnected.
func (r *Reconnector) Run(ctx context.Context) {
	sub := r.Manager.Subscribe()
	defer sub.Close()

	delay := r.InitialDelay
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !r.Manager.IsConnected() {
			if err := r.Manager.Connect(r.Path, r.Baud); err != nil {
				attempt++
				log.Printf("[reconnect] attempt %d failed: %v (retry in %v)", attempt, err, delay)
				if !sleepCtx(ctx, delay) {
					return
				}
				delay *= 2
				if delay > r.MaxDelay {
					delay = r.MaxDelay
				}
				continue
			}
			delay = r.InitialDelay
			attempt = 0
		}

		// Connected: wait for a disconnect notification.
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			if u.Status != nil && !u.Status.Connected {
				// Small grace so an operator-driven reconnect to
				// another port settles first.
				if !sleepCtx(ctx, 250*time.Millisecond) {
					return
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
