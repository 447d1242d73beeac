package revocation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/keywarden/internal/jwks"
	"github.com/dropDatabas3/keywarden/internal/keys"
)

// Verifier es un servicio consumidor al que se le puede preguntar si acepta
// un token de prueba. Colaborador externo (HTTP, gRPC, lo que sea); acá solo
// vive el contrato y una implementación contra un JWKS servido.
type Verifier interface {
	Name() string
	// VerifyProbe devuelve nil si el servicio acepta el token.
	VerifyProbe(ctx context.Context, token string) error
}

// signProbe firma un token de prueba ES256 con el kid en el header.
// Se firma ANTES de destruir la clave vieja: después ya no hay material.
func signProbe(kp *keys.KeyPair, issuer string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwtv5.MapClaims{
		"iss": issuer,
		"sub": "keywarden-probe",
		"aud": "revocation-probe",
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, claims)
	tk.Header["kid"] = kp.KID
	tk.Header["typ"] = "JWT"
	signed, err := tk.SignedString(kp.Private)
	if err != nil {
		return "", fmt.Errorf("sign probe: %w", err)
	}
	return signed, nil
}

// DocumentVerifier valida probes contra el documento JWKS de un issuer:
// kid ausente o firma inválida = rechazo. Es lo que hace un verifier real
// con su cache ya invalidado.
type DocumentVerifier struct {
	name   string
	source DocumentSource
	issuer string
}

func NewDocumentVerifier(name string, source DocumentSource, issuer string) *DocumentVerifier {
	return &DocumentVerifier{name: name, source: source, issuer: issuer}
}

func (v *DocumentVerifier) Name() string { return v.name }

func (v *DocumentVerifier) VerifyProbe(ctx context.Context, token string) error {
	doc, err := v.source.Serve(ctx, v.issuer)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	keyfunc := func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("kid_missing")
		}
		for _, k := range doc.Keys {
			if k.Kid == kid {
				return publicKeyFromJWK(k)
			}
		}
		return nil, errors.New("kid_unknown")
	}

	parsed, err := jwtv5.Parse(token, keyfunc, jwtv5.WithValidMethods([]string{keys.Algorithm}))
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid_signature")
	}
	return nil
}

func publicKeyFromJWK(k jwks.JWK) (*ecdsa.PublicKey, error) {
	xb, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("point_not_on_curve")
	}
	return pub, nil
}
