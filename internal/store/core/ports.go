// Package core define los puertos de persistencia del key lifecycle.
// Los backends (fs, postgres, memory) son colaboradores tontos: las
// obligaciones de protocolo (publish-before-activate, overlap vencido antes
// de remover) las garantizan los orquestadores, únicos writers.
package core

import (
	"context"

	"github.com/dropDatabas3/keywarden/internal/keys"
)

// KeyStore es el read/replace versionado del SigningSecret por servicio.
type KeyStore interface {
	// GetSecret devuelve el secret con su token de concurrencia fresco.
	// keys.ErrNotFound si el servicio no tiene secret todavía.
	GetSecret(ctx context.Context, serviceID string) (*keys.SigningSecret, error)

	// PutSecret reemplaza el secret completo (all-or-nothing).
	// expectedToken vacío = create-only (falla con keys.ErrConflict si ya existe).
	// Token viejo = keys.ErrConflict: otra rotación está en vuelo.
	PutSecret(ctx context.Context, serviceID string, secret *keys.SigningSecret, expectedToken string) error
}

// PublicKeyRegistry es el store durable append-mostly de claves públicas.
type PublicKeyRegistry interface {
	// RegisterPublicKey es idempotente por kid.
	RegisterPublicKey(ctx context.Context, rec keys.PublicKeyRecord) error

	// RemovePublicKey borra el record de un kid. No-op si no existe.
	RemovePublicKey(ctx context.Context, kid string) error

	// ListPublicKeys devuelve todos los records de un issuer (incluye vencidos;
	// el publisher filtra).
	ListPublicKeys(ctx context.Context, issuer string) ([]keys.PublicKeyRecord, error)
}
