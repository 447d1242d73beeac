package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/keywarden/internal/keys"
	"github.com/dropDatabas3/keywarden/internal/security/secretbox"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	require.NoError(t, secretbox.UnsafeSetMasterKeyForTests(bytes.Repeat([]byte{0x42}, 32)))
	t.Cleanup(secretbox.UnsafeResetForTests)

	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func newSecret(t *testing.T, service string) *keys.SigningSecret {
	t.Helper()
	kp, err := keys.Generate(service, time.Now().UTC().Truncate(time.Second))
	require.NoError(t, err)
	return &keys.SigningSecret{
		SchemaVersion: keys.SchemaVersion,
		ServiceID:     service,
		ActiveKID:     kp.KID,
		ActiveKey:     kp,
	}
}

func TestSecretRoundtrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sec := newSecret(t, "svc")
	sec.Revocation = &keys.Revocation{At: time.Now().UTC().Truncate(time.Second), Reason: "test"}
	sec.Rotation = &keys.RotationMark{Holder: "h", StartedAt: time.Now().UTC().Truncate(time.Second)}

	require.NoError(t, s.PutSecret(ctx, "svc", sec, ""))

	got, err := s.GetSecret(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, sec.ActiveKID, got.ActiveKID)
	assert.Equal(t, 0, sec.ActiveKey.Private.D.Cmp(got.ActiveKey.Private.D))
	assert.Equal(t, "test", got.Revocation.Reason)
	assert.Equal(t, "h", got.Rotation.Holder)
	assert.Equal(t, "1", got.Token)
}

func TestPendingRoundtrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sec := newSecret(t, "svc")
	pend, err := keys.Generate("svc", time.Now())
	require.NoError(t, err)
	sec.PendingKID = pend.KID
	sec.PendingKey = pend

	require.NoError(t, s.PutSecret(ctx, "svc", sec, ""))
	got, err := s.GetSecret(ctx, "svc")
	require.NoError(t, err)
	require.True(t, got.HasPending())
	assert.Equal(t, 0, pend.Private.D.Cmp(got.PendingKey.Private.D))
}

func TestCreateOnlyAndCAS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sec := newSecret(t, "svc")

	require.NoError(t, s.PutSecret(ctx, "svc", sec, ""))
	assert.ErrorIs(t, s.PutSecret(ctx, "svc", sec, ""), keys.ErrConflict)

	got, err := s.GetSecret(ctx, "svc")
	require.NoError(t, err)
	require.NoError(t, s.PutSecret(ctx, "svc", got, got.Token))
	// El token viejo ya no sirve.
	assert.ErrorIs(t, s.PutSecret(ctx, "svc", got, got.Token), keys.ErrConflict)

	fresh, err := s.GetSecret(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "2", fresh.Token)
}

func TestUpdateMissing(t *testing.T) {
	s := newStore(t)
	err := s.PutSecret(context.Background(), "ghost", newSecret(t, "ghost"), "1")
	assert.ErrorIs(t, err, keys.ErrNotFound)
}

// La privada jamás toca el disco en claro: el archivo solo lleva el blob
// sellado y el escalar D no aparece ni en base64 estándar ni url-safe.
func TestPrivateKeyEncryptedAtRest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sec := newSecret(t, "svc")
	d := sec.ActiveKey.PrivateBytes()

	require.NoError(t, s.PutSecret(ctx, "svc", sec, ""))

	raw, err := os.ReadFile(filepath.Join(s.dir, "secrets", "svc.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(d))

	var data secretFileData
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.NotEmpty(t, data.ActiveKeyEnc)

	// Con otra master key el blob no abre.
	require.NoError(t, secretbox.UnsafeSetMasterKeyForTests(bytes.Repeat([]byte{0x13}, 32)))
	_, err = s.GetSecret(ctx, "svc")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	kp, err := keys.Generate("svc", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, err)
	rec := keys.RecordFor(kp, "svc", time.Now().UTC().Add(time.Hour).Truncate(time.Second))

	require.NoError(t, s.RegisterPublicKey(ctx, rec))
	require.NoError(t, s.RegisterPublicKey(ctx, rec)) // idempotente

	recs, err := s.ListPublicKeys(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.KID, recs[0].KID)
	assert.Equal(t, rec.X, recs[0].X)

	require.NoError(t, s.RemovePublicKey(ctx, rec.KID))
	require.NoError(t, s.RemovePublicKey(ctx, rec.KID)) // no-op si falta

	recs, err = s.ListPublicKeys(ctx, "svc")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutSecret(ctx, "svc", newSecret(t, "svc"), ""))

	entries, err := os.ReadDir(filepath.Join(s.dir, "secrets"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
