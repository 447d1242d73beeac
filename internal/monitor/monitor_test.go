package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorRate(t *testing.T) {
	m := New(0, nil)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	// Sin eventos: sin señal, rate 0.
	assert.Zero(t, m.ErrorRate("svc", now, time.Minute))

	m.RecordSuccess("svc", "kid-a", now.Add(-30*time.Second))
	m.RecordSuccess("svc", "kid-a", now.Add(-20*time.Second))
	m.RecordFailure("svc", "kid-a", now.Add(-10*time.Second))

	assert.InDelta(t, 1.0/3.0, m.ErrorRate("svc", now, time.Minute), 1e-9)
}

func TestErrorRateWindow(t *testing.T) {
	m := New(0, nil)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	// Fallo viejo fuera de la ventana: no cuenta.
	m.RecordFailure("svc", "kid-a", now.Add(-10*time.Minute))
	m.RecordSuccess("svc", "kid-a", now.Add(-30*time.Second))

	assert.Zero(t, m.ErrorRate("svc", now, time.Minute))
	assert.InDelta(t, 0.5, m.ErrorRate("svc", now, 15*time.Minute), 1e-9)
}

func TestErrorRatePerService(t *testing.T) {
	m := New(0, nil)
	now := time.Now()

	m.RecordFailure("a", "k", now)
	m.RecordSuccess("b", "k", now)

	assert.Equal(t, 1.0, m.ErrorRate("a", now, time.Minute))
	assert.Zero(t, m.ErrorRate("b", now, time.Minute))
}

func TestCheckThreshold(t *testing.T) {
	m := New(0, nil)
	now := time.Now()

	for i := 0; i < 9; i++ {
		m.RecordSuccess("svc", "k", now)
	}
	m.RecordFailure("svc", "k", now)

	// 10% de fallos: por encima de 0.05, por debajo de 0.2.
	assert.True(t, m.CheckThreshold("svc", now, time.Minute, 0.05))
	assert.False(t, m.CheckThreshold("svc", now, time.Minute, 0.2))
}

func TestBoundedEvents(t *testing.T) {
	m := New(4, nil)
	now := time.Now()

	for i := 0; i < 4; i++ {
		m.RecordFailure("svc", "k", now)
	}
	// Los éxitos nuevos desplazan a los fallos viejos.
	for i := 0; i < 4; i++ {
		m.RecordSuccess("svc", "k", now)
	}
	assert.Zero(t, m.ErrorRate("svc", now, time.Minute))
}
