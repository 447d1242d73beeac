package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas Prometheus del key lifecycle. Paquete standalone para evitar
// ciclos de import entre orquestadores y HTTP.

var (
	RotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keywarden_rotations_total",
		Help: "Rotaciones por veredicto final",
	}, []string{"verdict"})

	RevocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keywarden_revocations_total",
		Help: "Revocaciones de emergencia por veredicto final",
	}, []string{"verdict"})

	RevocationStepLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keywarden_revocation_step_latency_ms",
		Help:    "Latencia por paso de revocación en milisegundos",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"step"})

	VerificationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keywarden_verification_failures_total",
		Help: "Fallos de verificación downstream reportados al monitor",
	}, []string{"service"})

	MonitorAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keywarden_monitor_alerts_total",
		Help: "Umbrales de error-rate superados durante ventanas de transición",
	})

	JWKSRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keywarden_jwks_requests_total",
		Help: "Requests al endpoint JWKS",
	}, []string{"issuer"})
)

// Register registra las métricas en reg (o el default si es nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		RotationsTotal, RevocationsTotal, RevocationStepLatency,
		VerificationFailures, MonitorAlerts, JWKSRequests,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
