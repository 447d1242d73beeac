// Package jwks deriva y sirve el documento JWKS de un issuer a partir del
// registry de claves públicas. Vista derivada, read-only: acá nunca se muta
// el SigningSecret.
package jwks

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropDatabas3/keywarden/internal/keys"
	"github.com/dropDatabas3/keywarden/internal/store/core"
	"github.com/dropDatabas3/keywarden/internal/util/clock"
)

// DefaultTTL es el TTL de cache asumido para consumidores downstream.
// Los orquestadores lo tratan como el tiempo mínimo antes de asumir que
// cualquier peer vio una clave nueva.
const DefaultTTL = 5 * time.Minute

// JWK es una entrada pública del documento.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Document es el JWKS servible: {"keys":[...]}.
type Document struct {
	Keys []JWK `json:"keys"`
}

// Contains reporta si el documento lista el kid.
func (d *Document) Contains(kid string) bool {
	for _, k := range d.Keys {
		if k.Kid == kid {
			return true
		}
	}
	return false
}

// Publisher arma el documento por issuer con un cache TTL corto (modela el
// cache de los verifiers y evita golpear el registry en cada request).
type Publisher struct {
	registry core.PublicKeyRegistry
	store    core.KeyStore
	cache    *gocache.Cache
	clk      clock.Clock
	ttl      time.Duration
}

func NewPublisher(registry core.PublicKeyRegistry, store core.KeyStore, ttl time.Duration, clk clock.Clock) *Publisher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Publisher{
		registry: registry,
		store:    store,
		cache:    gocache.New(ttl, 2*ttl),
		clk:      clk,
		ttl:      ttl,
	}
}

// TTL expone la ventana de cache configurada.
func (p *Publisher) TTL() time.Duration { return p.ttl }

// Serve devuelve los records no vencidos del issuer, con el record de la
// clave activa primero. Nunca vacío mientras el servicio esté vivo: si no
// hay ningún record se devuelve error en lugar de un documento sin claves.
func (p *Publisher) Serve(ctx context.Context, issuer string) (*Document, error) {
	if doc, ok := p.cache.Get(issuer); ok {
		return doc.(*Document), nil
	}

	recs, err := p.registry.ListPublicKeys(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("list public keys: %w", err)
	}

	// Kid activo para ordenar primero. Si el secret no se puede leer se sirve
	// igual: el documento no depende de la parte privada.
	var activeKID string
	if sec, err := p.store.GetSecret(ctx, issuer); err == nil {
		activeKID = sec.ActiveKID
	}

	now := p.clk.Now()
	doc := &Document{Keys: make([]JWK, 0, len(recs))}
	for _, r := range recs {
		if r.Expired(now) {
			continue
		}
		jwk := toJWK(r)
		if r.KID == activeKID {
			doc.Keys = append([]JWK{jwk}, doc.Keys...)
		} else {
			doc.Keys = append(doc.Keys, jwk)
		}
	}
	if len(doc.Keys) == 0 {
		return nil, fmt.Errorf("jwks for %s would be empty", issuer)
	}

	p.cache.Set(issuer, doc, gocache.DefaultExpiration)
	return doc, nil
}

// Invalidate tira el documento cacheado del issuer. Lo llaman los
// orquestadores después de mutar el registry.
func (p *Publisher) Invalidate(issuer string) {
	p.cache.Delete(issuer)
}

func toJWK(r keys.PublicKeyRecord) JWK {
	return JWK{
		Kty: r.Kty,
		Crv: r.Crv,
		Kid: r.KID,
		Alg: keys.Algorithm,
		Use: "sig",
		X:   r.X,
		Y:   r.Y,
	}
}
