// Package revocation ejecuta la revocación de emergencia. Deliberadamente
// NO hay dual-publish ni ventana de overlap: una clave sospechada de
// compromiso no vuelve a ser servible, ni por un rato.
//
// Semántica de fallo: si el replace del secret falla, nada cambió (retry
// libre). Si el replace commiteó y la limpieza posterior falla, el sistema
// queda degraded-but-safe: "no puede producir firmas nuevas válidas" está
// garantizado; "irreconocible en todos lados ya mismo" no.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/keywarden/internal/flush"
	"github.com/dropDatabas3/keywarden/internal/jwks"
	"github.com/dropDatabas3/keywarden/internal/keys"
	"github.com/dropDatabas3/keywarden/internal/metrics"
	"github.com/dropDatabas3/keywarden/internal/monitor"
	"github.com/dropDatabas3/keywarden/internal/store/core"
	"github.com/dropDatabas3/keywarden/internal/util/clock"
)

// DocumentSource es la vista JWKS que consultan los probes.
// *jwks.Publisher la implementa.
type DocumentSource interface {
	Serve(ctx context.Context, issuer string) (*jwks.Document, error)
	Invalidate(issuer string)
	TTL() time.Duration
}

// Config parametriza la revocación. Zero values = defaults.
type Config struct {
	// SLA es el presupuesto duro total, de request a verificación completa.
	SLA time.Duration // default 5m
	// StepTimeout acota cada paso individual.
	StepTimeout time.Duration // default 30s
	// StrictWait: además de los probes, exigir que el monitor reporte una
	// ventana limpia antes de declarar PASS. Default: off — alcanza con
	// confirmar que los verifiers aceptan la clave nueva ("confirm launching").
	StrictWait       bool
	MonitorWindow    time.Duration // ventana del chequeo strict (default 1m)
	FailureThreshold float64       // default 0.05
	ProbeTTL         time.Duration // exp de los probe tokens (default 2m)
	KeyTTL           time.Duration // expires_at del record nuevo (default 30d)
	PutAttempts      int           // retries ante ErrConflict (default 3)
	RetryBackoff     time.Duration // default 200ms
}

func (c Config) withDefaults() Config {
	if c.SLA <= 0 {
		c.SLA = 5 * time.Minute
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.MonitorWindow <= 0 {
		c.MonitorWindow = time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.05
	}
	if c.ProbeTTL <= 0 {
		c.ProbeTTL = 2 * time.Minute
	}
	if c.KeyTTL <= 0 {
		c.KeyTTL = 30 * 24 * time.Hour
	}
	if c.PutAttempts <= 0 {
		c.PutAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	return c
}

// Report es el resultado operador-visible: PASS, FAILED o DEGRADED_SAFE.
type Report struct {
	Service     string           `json:"service"`
	OldKID      string           `json:"oldKid,omitempty"`
	NewKID      string           `json:"newKid,omitempty"`
	Reason      string           `json:"reason"`
	Verdict     keys.Verdict     `json:"verdict"`
	ElapsedMs   int64            `json:"elapsedMs"`
	Steps       []keys.StepTrace `json:"steps"`
	SLABreached bool             `json:"slaBreached,omitempty"`
}

type Orchestrator struct {
	store     core.KeyStore
	registry  core.PublicKeyRegistry
	source    DocumentSource
	flusher   flush.Flusher
	verifiers []Verifier
	mon       *monitor.Monitor
	clk       clock.Clock
	log       *zap.Logger
	cfg       Config
}

func New(store core.KeyStore, registry core.PublicKeyRegistry, source DocumentSource, flusher flush.Flusher, verifiers []Verifier, mon *monitor.Monitor, clk clock.Clock, log *zap.Logger, cfg Config) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if mon == nil {
		mon = monitor.New(0, log)
	}
	if flusher == nil {
		flusher = flush.Nop{}
	}
	return &Orchestrator{
		store:     store,
		registry:  registry,
		source:    source,
		flusher:   flusher,
		verifiers: verifiers,
		mon:       mon,
		clk:       clk,
		log:       log.Named("revocation"),
		cfg:       cfg.withDefaults(),
	}
}

// Revoke reemplaza la clave activa de serviceID sin overlap. Una vez que el
// replace del secret commiteó (paso crítico) no se ofrece cancelación: los
// pasos restantes corren con contexto desacoplado.
func (o *Orchestrator) Revoke(ctx context.Context, serviceID, reason string) (*Report, error) {
	start := o.clk.Now()
	rep := &Report{Service: serviceID, Reason: reason, Verdict: keys.VerdictFailed}
	defer func() {
		rep.ElapsedMs = o.clk.Now().Sub(start).Milliseconds()
		rep.SLABreached = rep.ElapsedMs > o.cfg.SLA.Milliseconds()
		if rep.SLABreached {
			o.log.Warn("revocation exceeded SLA",
				zap.String("service", serviceID),
				zap.Int64("elapsed_ms", rep.ElapsedMs),
				zap.Duration("sla", o.cfg.SLA))
		}
		metrics.RevocationsTotal.WithLabelValues(string(rep.Verdict)).Inc()
	}()

	sec, err := o.store.GetSecret(ctx, serviceID)
	if err != nil {
		return rep, fmt.Errorf("get secret: %w", err)
	}
	oldKID := sec.ActiveKID
	pendingKID := sec.PendingKID
	rep.OldKID = oldKID

	// Paso 1: clave de reemplazo. Todavía sin publicar nada.
	began := o.clk.Now()
	newKey, err := keys.Generate(serviceID, began)
	if err != nil {
		o.step(rep, "generate", began, err)
		return rep, err
	}
	rep.NewKID = newKey.KID

	// Probes firmados AHORA: el de la clave vieja no se puede firmar después
	// de destruirla.
	oldProbe, err := signProbe(sec.ActiveKey, serviceID, began, o.cfg.ProbeTTL)
	if err != nil {
		o.step(rep, "generate", began, err)
		return rep, err
	}
	newProbe, err := signProbe(newKey, serviceID, began, o.cfg.ProbeTTL)
	if err != nil {
		o.step(rep, "generate", began, err)
		return rep, err
	}
	o.step(rep, "generate", began, nil)

	// Registrar el record nuevo antes del replace, así el JWKS nunca queda
	// sin la clave activa (publish-before-activate sigue valiendo, solo que
	// sin espera de propagación).
	began = o.clk.Now()
	rec := keys.RecordFor(newKey, serviceID, o.clk.Now().Add(o.cfg.KeyTTL))
	if err := o.stepCtx(ctx, func(sctx context.Context) error {
		return o.registry.RegisterPublicKey(sctx, rec)
	}); err != nil {
		o.step(rep, "register_new_record", began, err)
		return rep, fmt.Errorf("register new record: %w", err)
	}
	o.step(rep, "register_new_record", began, nil)

	// Paso 2: replace wholesale del secret. All-or-nothing: si falla acá,
	// nada cambió y el retry es libre.
	began = o.clk.Now()
	revokedAt := o.clk.Now()
	var oldKey *keys.KeyPair
	if err := o.replaceSecret(ctx, serviceID, func(s *keys.SigningSecret) {
		oldKey = s.ActiveKey
		s.ActiveKID = newKey.KID
		s.ActiveKey = newKey
		s.PendingKID = ""
		s.PendingKey = nil
		s.Rotation = nil
		s.Revocation = &keys.Revocation{At: revokedAt, Reason: reason}
	}); err != nil {
		o.step(rep, "replace_secret", began, err)
		return rep, fmt.Errorf("replace secret: %w", err)
	}
	// La privada comprometida muere acá, dentro del presupuesto de revocación.
	oldKey.Zero()
	o.step(rep, "replace_secret", began, nil)

	// Punto de no retorno: sin cancelación de acá en adelante.
	ctx = context.WithoutCancel(ctx)

	// Paso 3: sacar el record comprometido (y el pending huérfano si había).
	// Ventana "privada muerta → pública afuera" lo más corta posible.
	began = o.clk.Now()
	cleanupErr := o.stepCtx(ctx, func(sctx context.Context) error {
		if err := o.registry.RemovePublicKey(sctx, oldKID); err != nil {
			return err
		}
		if pendingKID != "" {
			return o.registry.RemovePublicKey(sctx, pendingKID)
		}
		return nil
	})
	o.source.Invalidate(serviceID)
	o.step(rep, "remove_old_record", began, cleanupErr)

	// Paso 4: flush inmediato de caches downstream, sin esperar el TTL.
	// Esto es lo que hace a la revocación más rápida que la rotación.
	began = o.clk.Now()
	flushErr := o.stepCtx(ctx, func(sctx context.Context) error {
		return o.flusher.Flush(sctx, serviceID)
	})
	o.step(rep, "flush_caches", began, flushErr)

	// Paso 5: verificación. Cada consumidor tiene que aceptar la clave nueva
	// y rechazar la revocada.
	began = o.clk.Now()
	probeErr := o.probeAll(ctx, newProbe, oldProbe)
	o.step(rep, "probe_verifiers", began, probeErr)

	var strictErr error
	if o.cfg.StrictWait {
		began = o.clk.Now()
		strictErr = o.strictWait(ctx, serviceID, start)
		o.step(rep, "strict_wait", began, strictErr)
	}

	if cleanupErr != nil || flushErr != nil || probeErr != nil || strictErr != nil {
		// Degraded-but-safe: no hay forjas nuevas posibles, pero algún cache
		// puede seguir listando la pública vieja.
		rep.Verdict = keys.VerdictDegradedSafe
		return rep, nil
	}
	rep.Verdict = keys.VerdictPass
	return rep, nil
}

// probeAll corre los probes en paralelo contra todos los verifiers conocidos.
func (o *Orchestrator) probeAll(ctx context.Context, newProbe, oldProbe string) error {
	if len(o.verifiers) == 0 {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(sctx)
	for _, v := range o.verifiers {
		v := v
		g.Go(func() error {
			if err := v.VerifyProbe(gctx, newProbe); err != nil {
				return fmt.Errorf("verifier %s rejected new key: %w", v.Name(), err)
			}
			if err := v.VerifyProbe(gctx, oldProbe); err == nil {
				return fmt.Errorf("verifier %s still accepts revoked key", v.Name())
			}
			return nil
		})
	}
	return g.Wait()
}

// strictWait exige una ventana limpia del monitor dentro del presupuesto
// restante. Si el presupuesto se agota, degrada en vez de fallar: la privada
// ya no existe.
func (o *Orchestrator) strictWait(ctx context.Context, serviceID string, start time.Time) error {
	deadline := start.Add(o.cfg.SLA)
	for {
		now := o.clk.Now()
		if !now.Before(deadline) {
			return errors.New("strict wait: budget exhausted")
		}
		rate := o.mon.ErrorRate(serviceID, now, o.cfg.MonitorWindow)
		if rate <= o.cfg.FailureThreshold {
			return nil
		}
		if err := o.clk.Sleep(ctx, 5*time.Second); err != nil {
			return err
		}
	}
}

// replaceSecret: CAS con retries acotados (misma semántica que rotación).
func (o *Orchestrator) replaceSecret(ctx context.Context, serviceID string, mutate func(*keys.SigningSecret)) error {
	var lastErr error
	for attempt := 0; attempt < o.cfg.PutAttempts; attempt++ {
		sec, err := o.store.GetSecret(ctx, serviceID)
		if err != nil {
			return err
		}
		next := sec.Clone()
		mutate(next)
		err = o.store.PutSecret(ctx, serviceID, next, sec.Token)
		if err == nil {
			return nil
		}
		if !errors.Is(err, keys.ErrConflict) && !errors.Is(err, keys.ErrTimeout) {
			return err
		}
		lastErr = err
		if err := o.clk.Sleep(ctx, o.cfg.RetryBackoff*(1<<attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// stepCtx corre fn con el timeout por-paso.
func (o *Orchestrator) stepCtx(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	return fn(sctx)
}

// step registra trace + métrica de latencia por paso.
func (o *Orchestrator) step(rep *Report, name string, began time.Time, err error) {
	elapsed := o.clk.Now().Sub(began)
	metrics.RevocationStepLatency.WithLabelValues(name).Observe(float64(elapsed.Milliseconds()))
	st := keys.StepTrace{Name: name, ElapsedMs: elapsed.Milliseconds()}
	fields := []zap.Field{
		zap.String("service", rep.Service),
		zap.String("step", name),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		st.Err = err.Error()
		fields = append(fields, zap.Error(err))
		o.log.Warn("revocation step failed", fields...)
	} else {
		o.log.Info("revocation step", fields...)
	}
	rep.Steps = append(rep.Steps, st)
}
