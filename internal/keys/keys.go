package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Algoritmo único soportado. Los verifiers esperan ES256 sobre P-256.
	Algorithm = "ES256"
	KeyType   = "EC"
	Curve     = "P-256"
)

// KeyPair es una clave de firma ES256. La parte privada vive SOLO en memoria:
// nunca se loguea, nunca se serializa sin pasar por secretbox.
type KeyPair struct {
	KID       string
	Private   *ecdsa.PrivateKey
	CreatedAt time.Time
}

// Generate crea un KeyPair nuevo con un kid único para el servicio:
// "<service>-<timestamp>-<sufijo random>". Colisión-free incluso en re-run
// porque el sufijo viene de uuid.
func Generate(service string, now time.Time) (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	kp := &KeyPair{
		KID:       NewKID(service, now),
		Private:   priv,
		CreatedAt: now.UTC(),
	}
	if err := kp.Validate(); err != nil {
		return nil, &GenerationError{Err: err}
	}
	return kp, nil
}

// NewKID deriva un kid único: service + timestamp + 8 chars de uuid.
func NewKID(service string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", service, now.UTC().Format("20060102T150405Z"), suffix)
}

// Validate chequea que la pública esté sobre la curva y que la privada sea
// consistente. Una clave que no pasa esto jamás debe publicarse.
func (k *KeyPair) Validate() error {
	if k.Private == nil || k.Private.D == nil {
		return fmt.Errorf("nil private key")
	}
	pub := k.Private.PublicKey
	if pub.Curve != elliptic.P256() {
		return fmt.Errorf("unexpected curve")
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return fmt.Errorf("public point not on curve")
	}
	return nil
}

// ExportPublic devuelve las coordenadas (x, y) en base64url sin padding,
// el formato que espera el JWK.
func (k *KeyPair) ExportPublic() (x, y string) {
	size := (k.Private.PublicKey.Curve.Params().BitSize + 7) / 8
	xb := make([]byte, size)
	yb := make([]byte, size)
	k.Private.PublicKey.X.FillBytes(xb)
	k.Private.PublicKey.Y.FillBytes(yb)
	return base64.RawURLEncoding.EncodeToString(xb), base64.RawURLEncoding.EncodeToString(yb)
}

// PrivateBytes serializa el escalar privado D (32 bytes, big-endian).
// El caller es responsable de pasar el resultado por secretbox y de
// llamar Zero sobre el buffer cuando termine.
func (k *KeyPair) PrivateBytes() []byte {
	size := (k.Private.PublicKey.Curve.Params().BitSize + 7) / 8
	b := make([]byte, size)
	k.Private.D.FillBytes(b)
	return b
}

// FromPrivateBytes reconstruye el KeyPair desde el escalar D.
func FromPrivateBytes(kid string, d []byte, createdAt time.Time) (*KeyPair, error) {
	priv := new(ecdsa.PrivateKey)
	priv.Curve = elliptic.P256()
	priv.D = new(big.Int).SetBytes(d)
	priv.X, priv.Y = priv.Curve.ScalarBaseMult(d)

	kp := &KeyPair{KID: kid, Private: priv, CreatedAt: createdAt}
	if err := kp.Validate(); err != nil {
		return nil, fmt.Errorf("rebuild key %s: %w", kid, err)
	}
	return kp, nil
}

// Zero borra el material privado en memoria. Best-effort sobre big.Int:
// pisa los limbs antes de soltar la referencia.
func (k *KeyPair) Zero() {
	if k == nil || k.Private == nil {
		return
	}
	if k.Private.D != nil {
		k.Private.D.SetInt64(0)
	}
	k.Private = nil
}

// ZeroBytes pisa un buffer de material sensible.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
