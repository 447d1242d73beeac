package keys

import (
	"crypto/elliptic"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	kp, err := Generate("auth-svc", now)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(kp.KID, "auth-svc-20260314T092653Z-"), "kid: %s", kp.KID)
	assert.NoError(t, kp.Validate())
	assert.Equal(t, elliptic.P256(), kp.Private.Curve)
	assert.Equal(t, now, kp.CreatedAt)
}

func TestGenerate_KIDUnique(t *testing.T) {
	now := time.Now().UTC()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		kp, err := Generate("svc", now)
		require.NoError(t, err)
		assert.False(t, seen[kp.KID], "kid repetido: %s", kp.KID)
		seen[kp.KID] = true
	}
}

func TestExportPublic(t *testing.T) {
	kp, err := Generate("svc", time.Now())
	require.NoError(t, err)

	x, y := kp.ExportPublic()
	xb, err := base64.RawURLEncoding.DecodeString(x)
	require.NoError(t, err)
	yb, err := base64.RawURLEncoding.DecodeString(y)
	require.NoError(t, err)

	// P-256: coordenadas de 32 bytes, con ceros a la izquierda preservados.
	assert.Len(t, xb, 32)
	assert.Len(t, yb, 32)
}

func TestPrivateBytesRoundtrip(t *testing.T) {
	now := time.Now().UTC()
	kp, err := Generate("svc", now)
	require.NoError(t, err)

	d := kp.PrivateBytes()
	assert.Len(t, d, 32)

	back, err := FromPrivateBytes(kp.KID, d, now)
	require.NoError(t, err)
	assert.Equal(t, 0, kp.Private.D.Cmp(back.Private.D))
	assert.Equal(t, 0, kp.Private.X.Cmp(back.Private.X))
	assert.Equal(t, 0, kp.Private.Y.Cmp(back.Private.Y))
	assert.Equal(t, kp.KID, back.KID)
}

func TestZero(t *testing.T) {
	kp, err := Generate("svc", time.Now())
	require.NoError(t, err)

	d := kp.Private.D
	kp.Zero()
	assert.Nil(t, kp.Private)
	assert.Zero(t, d.Sign(), "el escalar tiene que quedar pisado")

	// Zero sobre nil o ya-zereado no explota.
	kp.Zero()
	var nilKP *KeyPair
	nilKP.Zero()
}

func TestRecordFor(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	kp, err := Generate("svc", now)
	require.NoError(t, err)

	exp := now.Add(30 * 24 * time.Hour)
	rec := RecordFor(kp, "svc", exp)

	assert.Equal(t, kp.KID, rec.KID)
	assert.Equal(t, "EC", rec.Kty)
	assert.Equal(t, "P-256", rec.Crv)
	assert.Equal(t, "svc", rec.Issuer)
	assert.False(t, rec.Expired(now))
	assert.False(t, rec.Expired(exp))
	assert.True(t, rec.Expired(exp.Add(time.Second)))
}

func TestRotationMarkExpired(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &RotationMark{Holder: "host-a", StartedAt: start}

	assert.False(t, m.Expired(start.Add(29*time.Minute), 30*time.Minute))
	assert.True(t, m.Expired(start.Add(31*time.Minute), 30*time.Minute))
}

func TestSigningSecretClone(t *testing.T) {
	kp, err := Generate("svc", time.Now())
	require.NoError(t, err)

	sec := &SigningSecret{
		SchemaVersion: SchemaVersion,
		ServiceID:     "svc",
		ActiveKID:     kp.KID,
		ActiveKey:     kp,
		Rotation:      &RotationMark{Holder: "a", StartedAt: time.Now()},
		Revocation:    &Revocation{At: time.Now(), Reason: "x"},
		Token:         "7",
	}
	cp := sec.Clone()
	cp.Rotation.Holder = "b"
	cp.Revocation.Reason = "y"

	assert.Equal(t, "a", sec.Rotation.Holder)
	assert.Equal(t, "x", sec.Revocation.Reason)
	assert.Same(t, sec.ActiveKey, cp.ActiveKey, "las claves se comparten, no se copian")
}

func TestHasPending(t *testing.T) {
	kp, err := Generate("svc", time.Now())
	require.NoError(t, err)

	sec := &SigningSecret{ActiveKID: kp.KID, ActiveKey: kp}
	assert.False(t, sec.HasPending())

	pend, err := Generate("svc", time.Now())
	require.NoError(t, err)
	sec.PendingKID = pend.KID
	sec.PendingKey = pend
	assert.True(t, sec.HasPending())
}
