package revocation

import (
	"context"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/keywarden/internal/jwks"
	"github.com/dropDatabas3/keywarden/internal/keys"
)

// fixedSource sirve siempre el mismo documento.
type fixedSource struct{ doc *jwks.Document }

func (f fixedSource) Serve(ctx context.Context, issuer string) (*jwks.Document, error) {
	return f.doc, nil
}
func (f fixedSource) Invalidate(issuer string) {}
func (f fixedSource) TTL() time.Duration       { return time.Minute }

func docFor(kps ...*keys.KeyPair) *jwks.Document {
	doc := &jwks.Document{}
	for _, kp := range kps {
		x, y := kp.ExportPublic()
		doc.Keys = append(doc.Keys, jwks.JWK{
			Kty: keys.KeyType, Crv: keys.Curve, Kid: kp.KID,
			Alg: keys.Algorithm, Use: "sig", X: x, Y: y,
		})
	}
	return doc
}

func TestDocumentVerifierAcceptsPublishedKey(t *testing.T) {
	kp, err := keys.Generate(svc, time.Now())
	require.NoError(t, err)

	probe, err := signProbe(kp, svc, time.Now(), 2*time.Minute)
	require.NoError(t, err)

	v := NewDocumentVerifier("v", fixedSource{doc: docFor(kp)}, svc)
	assert.NoError(t, v.VerifyProbe(context.Background(), probe))
}

func TestDocumentVerifierRejectsUnknownKid(t *testing.T) {
	published, err := keys.Generate(svc, time.Now())
	require.NoError(t, err)
	revoked, err := keys.Generate(svc, time.Now())
	require.NoError(t, err)

	probe, err := signProbe(revoked, svc, time.Now(), 2*time.Minute)
	require.NoError(t, err)

	// El documento ya no lista la clave revocada: el probe tiene que morir.
	v := NewDocumentVerifier("v", fixedSource{doc: docFor(published)}, svc)
	err = v.VerifyProbe(context.Background(), probe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kid_unknown")
}

func TestDocumentVerifierRejectsMissingKid(t *testing.T) {
	kp, err := keys.Generate(svc, time.Now())
	require.NoError(t, err)

	// Token sin kid en el header: sin pista de qué clave usar, se rechaza.
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, jwtv5.MapClaims{
		"iss": svc,
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	signed, err := tk.SignedString(kp.Private)
	require.NoError(t, err)

	v := NewDocumentVerifier("v", fixedSource{doc: docFor(kp)}, svc)
	err = v.VerifyProbe(context.Background(), signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kid_missing")
}

func TestDocumentVerifierRejectsWrongSigner(t *testing.T) {
	published, err := keys.Generate(svc, time.Now())
	require.NoError(t, err)
	impostor, err := keys.Generate(svc, time.Now())
	require.NoError(t, err)

	// Firmado por otra clave pero con el kid de la publicada: la firma no
	// verifica contra la pública del documento.
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, jwtv5.MapClaims{
		"iss": svc,
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	tk.Header["kid"] = published.KID
	signed, err := tk.SignedString(impostor.Private)
	require.NoError(t, err)

	v := NewDocumentVerifier("v", fixedSource{doc: docFor(published)}, svc)
	assert.Error(t, v.VerifyProbe(context.Background(), signed))
}

func TestSignProbeCarriesKid(t *testing.T) {
	kp, err := keys.Generate(svc, time.Now())
	require.NoError(t, err)

	probe, err := signProbe(kp, svc, time.Now(), 2*time.Minute)
	require.NoError(t, err)

	parsed, _, err := jwtv5.NewParser().ParseUnverified(probe, jwtv5.MapClaims{})
	require.NoError(t, err)
	assert.Equal(t, kp.KID, parsed.Header["kid"])
	assert.Equal(t, "ES256", parsed.Header["alg"])
}
