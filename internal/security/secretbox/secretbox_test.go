package secretbox

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) {
	t.Helper()
	k := bytes.Repeat([]byte{0x42}, 32)
	require.NoError(t, UnsafeSetMasterKeyForTests(k))
	t.Cleanup(UnsafeResetForTests)
}

func TestSealOpenRoundtrip(t *testing.T) {
	testKey(t)

	plain := []byte("material-privado-de-prueba")
	sealed, err := Seal(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(plain))

	got, err := Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestSealNonceUnique(t *testing.T) {
	testKey(t)

	a, err := Seal([]byte("x"))
	require.NoError(t, err)
	b, err := Seal([]byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "mismo plaintext no puede producir el mismo sealed")
}

func TestOpenTampered(t *testing.T) {
	testKey(t)

	sealed, err := Seal([]byte("x"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = Open(sealed)
	assert.Error(t, err)
}

func TestOpenTooShort(t *testing.T) {
	testKey(t)

	_, err := Open([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestMasterKeyMissing(t *testing.T) {
	UnsafeResetForTests()
	t.Cleanup(UnsafeResetForTests)
	t.Setenv("KEYWARDEN_MASTER_KEY", "")

	_, err := Seal([]byte("x"))
	assert.Error(t, err)
	assert.False(t, Ready())
}

func TestMasterKeyWrongLength(t *testing.T) {
	UnsafeResetForTests()
	t.Cleanup(UnsafeResetForTests)
	t.Setenv("KEYWARDEN_MASTER_KEY", "dG9vLXNob3J0") // "too-short"

	_, err := Seal([]byte("x"))
	assert.Error(t, err)
}
