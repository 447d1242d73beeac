// Package monitor observa señales de fallo de verificación downstream durante
// las ventanas de transición. Report-only: un umbral superado alerta al
// operador pero NUNCA dispara rollback automático después de SWITCHED.
package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/keywarden/internal/metrics"
)

type event struct {
	kid string
	ts  time.Time
	ok  bool
}

// Monitor mantiene una ventana acotada de resultados de verificación por servicio.
type Monitor struct {
	mu        sync.Mutex
	maxEvents int
	events    map[string][]event
	log       *zap.Logger
}

// New crea un Monitor que retiene hasta maxEvents resultados por servicio.
func New(maxEvents int, log *zap.Logger) *Monitor {
	if maxEvents <= 0 {
		maxEvents = 4096
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		maxEvents: maxEvents,
		events:    make(map[string][]event),
		log:       log,
	}
}

// RecordFailure agrega un fallo de verificación (token rechazado downstream).
func (m *Monitor) RecordFailure(serviceID, kid string, ts time.Time) {
	metrics.VerificationFailures.WithLabelValues(serviceID).Inc()
	m.record(serviceID, event{kid: kid, ts: ts, ok: false})
}

// RecordSuccess agrega una verificación exitosa; sin éxito no hay denominador
// para el ratio.
func (m *Monitor) RecordSuccess(serviceID, kid string, ts time.Time) {
	m.record(serviceID, event{kid: kid, ts: ts, ok: true})
}

func (m *Monitor) record(serviceID string, ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evs := append(m.events[serviceID], ev)
	if len(evs) > m.maxEvents {
		evs = evs[len(evs)-m.maxEvents:]
	}
	m.events[serviceID] = evs
}

// ErrorRate devuelve fallos/total dentro de la ventana que termina en now.
// Sin eventos => 0 (sin señal no hay alerta).
func (m *Monitor) ErrorRate(serviceID string, now time.Time, window time.Duration) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	var total, failed int
	for _, ev := range m.events[serviceID] {
		if ev.ts.Before(cutoff) || ev.ts.After(now) {
			continue
		}
		total++
		if !ev.ok {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// CheckThreshold evalúa el error rate contra el umbral y, si lo supera,
// emite la alerta de operador (log + métrica). Devuelve true si hubo breach.
func (m *Monitor) CheckThreshold(serviceID string, now time.Time, window time.Duration, threshold float64) bool {
	rate := m.ErrorRate(serviceID, now, window)
	if rate <= threshold {
		return false
	}
	metrics.MonitorAlerts.Inc()
	m.log.Warn("verification error rate above threshold",
		zap.String("service", serviceID),
		zap.Float64("rate", rate),
		zap.Float64("threshold", threshold),
		zap.Duration("window", window),
	)
	return true
}
