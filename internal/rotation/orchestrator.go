// Package rotation ejecuta la rotación estándar dual-key:
//
//	STABLE → GENERATING → DUAL_PUBLISHED → AWAITING_PROPAGATION → SWITCHED → MONITORING → STABLE
//
// Publish-before-activate: un kid aparece en JWKS ANTES de ser activeKid.
// Verify-before-switch: el protocolo nunca switchea sin confirmar que ambos
// kids son visibles. Cancelación antes de SWITCHED resuelve a ROLLBACK;
// después de SWITCHED nunca hay auto-rollback.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/keywarden/internal/jwks"
	"github.com/dropDatabas3/keywarden/internal/keys"
	"github.com/dropDatabas3/keywarden/internal/metrics"
	"github.com/dropDatabas3/keywarden/internal/monitor"
	"github.com/dropDatabas3/keywarden/internal/store/core"
	"github.com/dropDatabas3/keywarden/internal/util/clock"
)

// DocumentSource es la vista del JWKS que el orquestador consulta en el gate.
// *jwks.Publisher la implementa; los tests inyectan fakes.
type DocumentSource interface {
	Serve(ctx context.Context, issuer string) (*jwks.Document, error)
	Invalidate(issuer string)
	TTL() time.Duration
}

// Confirmer retiene el switch hasta que llegue una aprobación externa
// (pipeline de deploy, humano en un runbook). Es un evento esperable y
// cancelable, nunca una lectura bloqueante de terminal.
type Confirmer interface {
	Confirm(ctx context.Context, serviceID string) error
}

// Config son los parámetros de la rotación. Zero values = defaults.
type Config struct {
	// PropagationWindow es la suspensión obligatoria post-gate: modela el TTL
	// de cache de los verifiers. Default: TTL del publisher.
	PropagationWindow time.Duration
	PollInterval      time.Duration // entre polls del gate (default 2s)
	MaxPolls          int           // polls del gate antes de rollback (default 5)
	MonitorWindow     time.Duration // ventana MONITORING (default 15m)
	FailureThreshold  float64       // error rate que alerta (default 0.05)
	MarkerGrace       time.Duration // marker más viejo = abandonado (default 30m)
	KeyTTL            time.Duration // horizonte expires_at del record (default 30d)
	PutAttempts       int           // retries acotados ante ErrConflict (default 3)
	RetryBackoff      time.Duration // backoff base (default 200ms)
	Holder            string        // identidad del marker (default hostname+uuid)

	// Confirm, si está seteado, suspende la rotación después de la espera de
	// propagación y antes del switch. Un rechazo o cancelación acá todavía
	// resuelve a rollback. Nil = proceder sin confirmación.
	Confirm Confirmer
}

func (c Config) withDefaults(sourceTTL time.Duration) Config {
	if c.PropagationWindow <= 0 {
		c.PropagationWindow = sourceTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 5
	}
	if c.MonitorWindow <= 0 {
		c.MonitorWindow = 15 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.05
	}
	if c.MarkerGrace <= 0 {
		c.MarkerGrace = 30 * time.Minute
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
	if c.Holder == "" {
		host, _ := os.Hostname()
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		c.Holder = host + "-" + suffix
	}
	return c
}

// Report es el resultado operador-visible de una corrida.
type Report struct {
	Service    string           `json:"service"`
	OldKID     string           `json:"oldKid,omitempty"`
	NewKID     string           `json:"newKid,omitempty"`
	FinalState State            `json:"finalState"`
	Verdict    keys.Verdict     `json:"verdict"`
	ElapsedMs  int64            `json:"elapsedMs"`
	Steps      []keys.StepTrace `json:"steps"`
	Alerted    bool             `json:"alerted,omitempty"`
}

type Orchestrator struct {
	store    core.KeyStore
	registry core.PublicKeyRegistry
	source   DocumentSource
	mon      *monitor.Monitor
	clk      clock.Clock
	log      *zap.Logger
	cfg      Config
}

func New(store core.KeyStore, registry core.PublicKeyRegistry, source DocumentSource, mon *monitor.Monitor, clk clock.Clock, log *zap.Logger, cfg Config) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if mon == nil {
		mon = monitor.New(0, log)
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		source:   source,
		mon:      mon,
		clk:      clk,
		log:      log.Named("rotation"),
		cfg:      cfg.withDefaults(source.TTL()),
	}
}

// Rotate ejecuta la rotación completa para serviceID. Si no existe secret,
// hace bootstrap (una activa, un record). Re-invocar con una generación ya
// DUAL_PUBLISHED resume en vez de generar una segunda clave.
func (o *Orchestrator) Rotate(ctx context.Context, serviceID string) (*Report, error) {
	start := o.clk.Now()
	rep := &Report{Service: serviceID, FinalState: StateStable, Verdict: keys.VerdictFailed}
	defer func() {
		rep.ElapsedMs = o.clk.Now().Sub(start).Milliseconds()
		metrics.RotationsTotal.WithLabelValues(string(rep.Verdict)).Inc()
	}()

	sec, err := o.store.GetSecret(ctx, serviceID)
	if errors.Is(err, keys.ErrNotFound) {
		return o.bootstrap(ctx, serviceID, rep)
	}
	if err != nil {
		return rep, fmt.Errorf("get secret: %w", err)
	}

	// Mutual exclusion: marker rotation-in-progress bajo el mismo token CAS.
	now := o.clk.Now()
	if sec.Rotation != nil && !sec.Rotation.Expired(now, o.cfg.MarkerGrace) {
		return rep, keys.ErrAlreadyInProgress
	}
	marked := sec.Clone()
	marked.Rotation = &keys.RotationMark{Holder: o.cfg.Holder, StartedAt: now}
	if err := o.store.PutSecret(ctx, serviceID, marked, sec.Token); err != nil {
		if errors.Is(err, keys.ErrConflict) {
			// Otro intento ganó el CAS.
			return rep, keys.ErrAlreadyInProgress
		}
		return rep, fmt.Errorf("acquire rotation marker: %w", err)
	}
	o.step(rep, "acquire_marker", now, nil)

	state := StateStable
	oldKID := sec.ActiveKID
	rep.OldKID = oldKID

	var newKey *keys.KeyPair
	if sec.HasPending() {
		// Idempotencia: resume la generación pendiente, no acuñar otra clave.
		state = o.advance(state, StateDualPublished)
		newKey = sec.PendingKey
		o.log.Info("resuming pending rotation",
			zap.String("service", serviceID), zap.String("pending_kid", sec.PendingKID))
	} else {
		state = o.advance(state, StateGenerating)
		began := o.clk.Now()
		newKey, err = keys.Generate(serviceID, began)
		if err != nil {
			// GenerationError es fatal, sin retry.
			o.step(rep, "generate", began, err)
			o.clearMarker(ctx, serviceID)
			return rep, err
		}
		o.step(rep, "generate", began, nil)
	}
	rep.NewKID = newKey.KID

	// DUAL_PUBLISHED: registrar el record ANTES de tocar el secret
	// (publish-before-activate) y recién entonces colgar el pending.
	began := o.clk.Now()
	rec := keys.RecordFor(newKey, serviceID, o.clk.Now().Add(o.cfg.KeyTTL))
	if err := o.registry.RegisterPublicKey(ctx, rec); err != nil {
		o.step(rep, "register_public_key", began, err)
		o.clearMarker(ctx, serviceID)
		return rep, fmt.Errorf("register public key: %w", err)
	}
	if state != StateDualPublished {
		state = o.advance(state, StateDualPublished)
		if _, err := o.mutateSecret(ctx, serviceID, func(s *keys.SigningSecret) {
			s.PendingKID = newKey.KID
			s.PendingKey = newKey
		}); err != nil {
			// El replace es all-or-nothing: si falló, nada cambió y es retryable.
			o.step(rep, "publish_pending", began, err)
			o.rollback(ctx, serviceID, newKey.KID, rep)
			return rep, fmt.Errorf("publish pending: %w", err)
		}
	}
	o.source.Invalidate(serviceID)
	o.step(rep, "dual_published", began, nil)

	// AWAITING_PROPAGATION gate: verify-before-switch. Ambos kids visibles o
	// rollback tras polls acotados.
	state = o.advance(state, StateAwaitingPropagation)
	began = o.clk.Now()
	visible := false
	for i := 0; i < o.cfg.MaxPolls; i++ {
		doc, serr := o.source.Serve(ctx, serviceID)
		if serr == nil && doc.Contains(newKey.KID) && doc.Contains(oldKID) {
			visible = true
			break
		}
		if i == o.cfg.MaxPolls-1 {
			// Sin poll siguiente no hay nada que esperar.
			break
		}
		if err := o.clk.Sleep(ctx, o.cfg.PollInterval); err != nil {
			o.step(rep, "propagation_gate", began, err)
			o.rollback(ctx, serviceID, newKey.KID, rep)
			return rep, err
		}
	}
	if !visible {
		perr := &keys.PropagationError{KID: newKey.KID, Polls: o.cfg.MaxPolls}
		o.step(rep, "propagation_gate", began, perr)
		o.rollback(ctx, serviceID, newKey.KID, rep)
		return rep, perr
	}
	o.step(rep, "propagation_gate", began, nil)

	// Espera obligatoria: cada verifier vivo tiene que haber visto la clave
	// nueva antes de que sea única firmante.
	began = o.clk.Now()
	if err := o.clk.Sleep(ctx, o.cfg.PropagationWindow); err != nil {
		o.step(rep, "propagation_wait", began, err)
		o.rollback(ctx, serviceID, newKey.KID, rep)
		return rep, err
	}
	o.step(rep, "propagation_wait", began, nil)

	// Último punto de salida segura: la aprobación externa, si se pidió.
	if o.cfg.Confirm != nil {
		began = o.clk.Now()
		if err := o.cfg.Confirm.Confirm(ctx, serviceID); err != nil {
			o.step(rep, "confirm", began, err)
			o.rollback(ctx, serviceID, newKey.KID, rep)
			return rep, fmt.Errorf("switch not confirmed: %w", err)
		}
		o.step(rep, "confirm", began, nil)
	}

	// SWITCHED: active = pending, pending vacío. El record viejo se retiene
	// para que los tokens en vuelo sigan verificando.
	state = o.advance(state, StateSwitched)
	began = o.clk.Now()
	var oldKey *keys.KeyPair
	if _, err := o.mutateSecret(ctx, serviceID, func(s *keys.SigningSecret) {
		oldKey = s.ActiveKey
		s.ActiveKID = s.PendingKID
		s.ActiveKey = s.PendingKey
		s.PendingKID = ""
		s.PendingKey = nil
	}); err != nil {
		o.step(rep, "switch", began, err)
		// El dual state queda intacto y resumible: soltar el marker para que
		// el retry no muera AlreadyInProgress hasta vencer el grace period.
		o.clearMarker(context.WithoutCancel(ctx), serviceID)
		rep.FinalState = StateAwaitingPropagation
		return rep, fmt.Errorf("switch active key: %w", err)
	}
	o.source.Invalidate(serviceID)
	o.step(rep, "switch", began, nil)

	// MONITORING: report-only. Nunca revierte más atrás de SWITCHED.
	state = o.advance(state, StateMonitoring)
	began = o.clk.Now()
	if err := o.clk.Sleep(ctx, o.cfg.MonitorWindow); err != nil {
		// Cancelado post-switch: no retirar el record viejo (overlap no venció).
		o.step(rep, "monitoring", began, err)
		o.clearMarker(context.WithoutCancel(ctx), serviceID)
		oldKey.Zero()
		rep.FinalState = StateSwitched
		rep.Verdict = keys.VerdictPass
		return rep, nil
	}
	rep.Alerted = o.mon.CheckThreshold(serviceID, o.clk.Now(), o.cfg.MonitorWindow, o.cfg.FailureThreshold)
	o.step(rep, "monitoring", began, nil)

	// STABLE: retirar el record viejo y borrar su material privado.
	state = o.advance(state, StateStable)
	began = o.clk.Now()
	if err := o.registry.RemovePublicKey(ctx, oldKID); err != nil {
		// No bloquea el PASS: un record de más es inofensivo, se loguea.
		o.log.Warn("retire old record failed", zap.String("kid", oldKID), zap.Error(err))
	}
	o.source.Invalidate(serviceID)
	oldKey.Zero()
	o.clearMarker(ctx, serviceID)
	o.step(rep, "retire_old", began, nil)

	rep.FinalState = state
	rep.Verdict = keys.VerdictPass
	return rep, nil
}

// bootstrap: sin secret previo → una activa con su record ya publicado
// (publish-before-activate vale también acá).
func (o *Orchestrator) bootstrap(ctx context.Context, serviceID string, rep *Report) (*Report, error) {
	began := o.clk.Now()
	kp, err := keys.Generate(serviceID, began)
	if err != nil {
		o.step(rep, "bootstrap_generate", began, err)
		return rep, err
	}
	rep.NewKID = kp.KID

	rec := keys.RecordFor(kp, serviceID, began.Add(o.cfg.KeyTTL))
	if err := o.registry.RegisterPublicKey(ctx, rec); err != nil {
		o.step(rep, "bootstrap_register", began, err)
		return rep, fmt.Errorf("register public key: %w", err)
	}

	sec := &keys.SigningSecret{
		SchemaVersion: keys.SchemaVersion,
		ServiceID:     serviceID,
		ActiveKID:     kp.KID,
		ActiveKey:     kp,
	}
	if err := o.store.PutSecret(ctx, serviceID, sec, ""); err != nil {
		o.step(rep, "bootstrap_put", began, err)
		return rep, fmt.Errorf("create secret: %w", err)
	}
	o.source.Invalidate(serviceID)
	o.step(rep, "bootstrap", began, nil)

	rep.FinalState = StateStable
	rep.Verdict = keys.VerdictPass
	return rep, nil
}

// rollback: sacar el pending, borrar el record nuevo y volver a STABLE con
// el JWKS original intacto.
func (o *Orchestrator) rollback(ctx context.Context, serviceID, newKID string, rep *Report) {
	ctx = context.WithoutCancel(ctx)
	began := o.clk.Now()
	_, err := o.mutateSecret(ctx, serviceID, func(s *keys.SigningSecret) {
		if s.PendingKID == newKID {
			if s.PendingKey != nil {
				s.PendingKey.Zero()
			}
			s.PendingKID = ""
			s.PendingKey = nil
		}
		if s.Rotation != nil && s.Rotation.Holder == o.cfg.Holder {
			s.Rotation = nil
		}
	})
	if err != nil {
		o.log.Error("rollback: drop pending failed", zap.String("service", serviceID), zap.Error(err))
	}
	if err := o.registry.RemovePublicKey(ctx, newKID); err != nil {
		o.log.Error("rollback: remove record failed", zap.String("kid", newKID), zap.Error(err))
	}
	o.source.Invalidate(serviceID)
	o.step(rep, "rollback", began, nil)
	rep.FinalState = StateStable
	rep.Verdict = keys.VerdictRolledBack
}

// mutateSecret aplica mutate con CAS y retries acotados. Ante ErrTimeout el
// outcome es desconocido: se re-lee antes de re-aplicar (las mutaciones son
// idempotentes: setean estado, no acumulan).
func (o *Orchestrator) mutateSecret(ctx context.Context, serviceID string, mutate func(*keys.SigningSecret)) (*keys.SigningSecret, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.PutAttempts; attempt++ {
		sec, err := o.store.GetSecret(ctx, serviceID)
		if err != nil {
			return nil, err
		}
		next := sec.Clone()
		mutate(next)
		err = o.store.PutSecret(ctx, serviceID, next, sec.Token)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, keys.ErrConflict) && !errors.Is(err, keys.ErrTimeout) {
			return nil, err
		}
		lastErr = err
		if err := o.clk.Sleep(ctx, o.cfg.RetryBackoff*(1<<attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// clearMarker suelta el marker solo si seguimos siendo el holder.
func (o *Orchestrator) clearMarker(ctx context.Context, serviceID string) {
	_, err := o.mutateSecret(ctx, serviceID, func(s *keys.SigningSecret) {
		if s.Rotation != nil && s.Rotation.Holder == o.cfg.Holder {
			s.Rotation = nil
		}
	})
	if err != nil {
		o.log.Error("clear rotation marker failed", zap.String("service", serviceID), zap.Error(err))
	}
}

// advance valida el edge con la función pura de transición.
func (o *Orchestrator) advance(from, to State) State {
	next, err := Transition(from, to)
	if err != nil {
		// Un edge ilegal es un bug del orquestador, no un estado alcanzable.
		panic(err)
	}
	return next
}

// step registra una entrada del trace de auditoría.
func (o *Orchestrator) step(rep *Report, name string, began time.Time, err error) {
	elapsed := o.clk.Now().Sub(began)
	st := keys.StepTrace{Name: name, ElapsedMs: elapsed.Milliseconds()}
	fields := []zap.Field{
		zap.String("service", rep.Service),
		zap.String("step", name),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		st.Err = err.Error()
		fields = append(fields, zap.Error(err))
		o.log.Warn("rotation step failed", fields...)
	} else {
		o.log.Info("rotation step", fields...)
	}
	rep.Steps = append(rep.Steps, st)
}
