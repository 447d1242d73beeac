// Package clock abstrae tiempo y sleeps para que los orquestadores sean
// testeables contra un reloj inyectado en vez de timers reales.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provee Now y un Sleep cancelable.
type Clock interface {
	Now() time.Time
	// Sleep bloquea por d o hasta que ctx se cancele (devuelve ctx.Err()).
	Sleep(ctx context.Context, d time.Duration) error
}

// Real usa time.Now y timers reales.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake avanza el tiempo manualmente. Sleep avanza el reloj de inmediato,
// así los tests corren las ventanas de propagación/monitoreo sin esperar.
type Fake struct {
	mu  sync.Mutex
	now time.Time

	// Slept acumula las duraciones pedidas, para asserts.
	Slept []time.Duration
}

// NewFake crea un Fake arrancando en now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.Slept = append(f.Slept, d)
	return nil
}

// Advance mueve el reloj sin registrar un sleep.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
