package revocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/keywarden/internal/flush"
	"github.com/dropDatabas3/keywarden/internal/jwks"
	"github.com/dropDatabas3/keywarden/internal/keys"
	"github.com/dropDatabas3/keywarden/internal/store/core"
	"github.com/dropDatabas3/keywarden/internal/store/memory"
	"github.com/dropDatabas3/keywarden/internal/util/clock"
)

const svc = "auth-svc"

// seed deja un servicio en STABLE: una activa, su record publicado.
func seed(t *testing.T, st *memory.Store, clk clock.Clock) *keys.KeyPair {
	t.Helper()
	ctx := context.Background()
	kp, err := keys.Generate(svc, clk.Now())
	require.NoError(t, err)
	require.NoError(t, st.RegisterPublicKey(ctx, keys.RecordFor(kp, svc, clk.Now().Add(time.Hour))))
	require.NoError(t, st.PutSecret(ctx, svc, &keys.SigningSecret{
		SchemaVersion: keys.SchemaVersion,
		ServiceID:     svc,
		ActiveKID:     kp.KID,
		ActiveKey:     kp,
	}, ""))
	return kp
}

func TestRevokeHappyPath(t *testing.T) {
	// Reloj anclado en el presente: los probes llevan exp real y jwt los
	// valida contra time.Now.
	clk := clock.NewFake(time.Now())
	st := memory.New()
	pub := jwks.NewPublisher(st, st, time.Minute, clk)
	old := seed(t, st, clk)
	ctx := context.Background()

	verifiers := []Verifier{NewDocumentVerifier("consumer-a", pub, svc)}
	orch := New(st, st, pub, flush.Nop{}, verifiers, nil, clk, nil, Config{})

	rep, err := orch.Revoke(ctx, svc, "private key leaked in CI logs")
	require.NoError(t, err)
	assert.Equal(t, keys.VerdictPass, rep.Verdict)
	assert.Equal(t, old.KID, rep.OldKID)
	assert.NotEqual(t, old.KID, rep.NewKID)
	assert.False(t, rep.SLABreached)

	sec, err := st.GetSecret(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, rep.NewKID, sec.ActiveKID)
	require.NotNil(t, sec.Revocation)
	assert.Equal(t, "private key leaked in CI logs", sec.Revocation.Reason)

	// La privada comprometida se destruyó dentro de la corrida.
	assert.Nil(t, old.Private)

	// El kid revocado desapareció del documento: cero overlap.
	doc, err := pub.Serve(ctx, svc)
	require.NoError(t, err)
	assert.False(t, doc.Contains(old.KID))
	assert.True(t, doc.Contains(rep.NewKID))

	var names []string
	for _, s := range rep.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"generate", "register_new_record", "replace_secret",
		"remove_old_record", "flush_caches", "probe_verifiers",
	}, names)
}

func TestRevokeRemovesOrphanPending(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := memory.New()
	pub := jwks.NewPublisher(st, st, time.Minute, clk)
	seed(t, st, clk)
	ctx := context.Background()

	// Rotación a mitad de camino: pending publicado pero nunca activado.
	pend, err := keys.Generate(svc, clk.Now())
	require.NoError(t, err)
	require.NoError(t, st.RegisterPublicKey(ctx, keys.RecordFor(pend, svc, clk.Now().Add(time.Hour))))
	sec, err := st.GetSecret(ctx, svc)
	require.NoError(t, err)
	half := sec.Clone()
	half.PendingKID = pend.KID
	half.PendingKey = pend
	require.NoError(t, st.PutSecret(ctx, svc, half, sec.Token))

	orch := New(st, st, pub, flush.Nop{}, nil, nil, clk, nil, Config{})
	rep, err := orch.Revoke(ctx, svc, "compromise during rotation")
	require.NoError(t, err)
	assert.Equal(t, keys.VerdictPass, rep.Verdict)

	got, err := st.GetSecret(ctx, svc)
	require.NoError(t, err)
	assert.False(t, got.HasPending(), "el pending huérfano se descarta")

	doc, err := pub.Serve(ctx, svc)
	require.NoError(t, err)
	assert.False(t, doc.Contains(pend.KID))
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, rep.NewKID, doc.Keys[0].Kid)
}

func TestRevokeMissingSecret(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := memory.New()
	pub := jwks.NewPublisher(st, st, time.Minute, clk)

	orch := New(st, st, pub, flush.Nop{}, nil, nil, clk, nil, Config{})
	rep, err := orch.Revoke(context.Background(), svc, "x")
	require.ErrorIs(t, err, keys.ErrNotFound)
	assert.Equal(t, keys.VerdictFailed, rep.Verdict)
}

// Si el replace del secret falla, NADA cambió: la clave vieja sigue activa y
// el retry es libre.
func TestRevokeReplaceFailureChangesNothing(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := memory.New()
	pub := jwks.NewPublisher(st, st, time.Minute, clk)
	old := seed(t, st, clk)
	ctx := context.Background()

	bs := &brokenPutStore{Store: st}
	orch := New(bs, st, pub, flush.Nop{}, nil, nil, clk, nil, Config{})

	rep, err := orch.Revoke(ctx, svc, "x")
	require.Error(t, err)
	assert.Equal(t, keys.VerdictFailed, rep.Verdict)

	sec, err := st.GetSecret(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, old.KID, sec.ActiveKID)
	assert.Nil(t, sec.Revocation)
	assert.NotNil(t, old.Private, "la clave vieja no se destruye si el replace no commiteó")
}

func TestRevokeFlushFailureDegradesSafe(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := memory.New()
	pub := jwks.NewPublisher(st, st, time.Minute, clk)
	old := seed(t, st, clk)
	ctx := context.Background()

	orch := New(st, st, pub, failingFlusher{}, nil, nil, clk, nil, Config{})
	rep, err := orch.Revoke(ctx, svc, "x")

	// Degraded-but-safe NO es error: el replace commiteó y la privada murió.
	require.NoError(t, err)
	assert.Equal(t, keys.VerdictDegradedSafe, rep.Verdict)

	sec, serr := st.GetSecret(ctx, svc)
	require.NoError(t, serr)
	assert.NotEqual(t, old.KID, sec.ActiveKID)
	assert.Nil(t, old.Private)
}

func TestRevokeCleanupFailureDegradesSafe(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := memory.New()
	pub := jwks.NewPublisher(st, st, time.Minute, clk)
	seed(t, st, clk)
	ctx := context.Background()

	br := &brokenRemoveRegistry{Store: st}
	orch := New(st, br, pub, flush.Nop{}, nil, nil, clk, nil, Config{})

	rep, err := orch.Revoke(ctx, svc, "x")
	require.NoError(t, err)
	assert.Equal(t, keys.VerdictDegradedSafe, rep.Verdict)

	// La parte "safe": la clave nueva quedó activa aunque el record viejo
	// siga publicado.
	sec, serr := st.GetSecret(ctx, svc)
	require.NoError(t, serr)
	assert.Equal(t, rep.NewKID, sec.ActiveKID)
}

func TestRevokeVerifierStillAcceptsOldKeyDegrades(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := memory.New()
	pub := jwks.NewPublisher(st, st, time.Minute, clk)
	seed(t, st, clk)

	// Un verifier con el cache clavado acepta cualquier cosa, incluso el
	// probe de la clave revocada.
	orch := New(st, st, pub, flush.Nop{}, []Verifier{acceptAll{}}, nil, clk, nil, Config{})
	rep, err := orch.Revoke(context.Background(), svc, "x")

	require.NoError(t, err)
	assert.Equal(t, keys.VerdictDegradedSafe, rep.Verdict)
}

func TestRevokeSLABreachIsReported(t *testing.T) {
	clk := clock.NewFake(time.Now())
	st := memory.New()
	pub := jwks.NewPublisher(st, st, time.Minute, clk)
	seed(t, st, clk)

	// El flush tarda 6 minutos: presupuesto de 5 reventado.
	slow := slowFlusher{clk: clk, delay: 6 * time.Minute}
	orch := New(st, st, pub, slow, nil, nil, clk, nil, Config{SLA: 5 * time.Minute})

	rep, err := orch.Revoke(context.Background(), svc, "x")
	require.NoError(t, err)
	assert.Equal(t, keys.VerdictPass, rep.Verdict, "el breach se reporta, no invalida el resultado")
	assert.True(t, rep.SLABreached)
	assert.GreaterOrEqual(t, rep.ElapsedMs, (6 * time.Minute).Milliseconds())
}

// --- fakes ---

type brokenPutStore struct{ *memory.Store }

func (b *brokenPutStore) PutSecret(ctx context.Context, serviceID string, secret *keys.SigningSecret, expectedToken string) error {
	return keys.ErrConflict
}

type brokenRemoveRegistry struct{ *memory.Store }

func (b *brokenRemoveRegistry) RemovePublicKey(ctx context.Context, kid string) error {
	return errors.New("registry unreachable")
}

type failingFlusher struct{}

func (failingFlusher) Flush(ctx context.Context, issuer string) error {
	return errors.New("broker down")
}

type slowFlusher struct {
	clk   *clock.Fake
	delay time.Duration
}

func (s slowFlusher) Flush(ctx context.Context, issuer string) error {
	s.clk.Advance(s.delay)
	return nil
}

type acceptAll struct{}

func (acceptAll) Name() string                                        { return "stuck-cache" }
func (acceptAll) VerifyProbe(ctx context.Context, token string) error { return nil }

var _ core.KeyStore = (*brokenPutStore)(nil)
var _ core.PublicKeyRegistry = (*brokenRemoveRegistry)(nil)
var _ flush.Flusher = failingFlusher{}
