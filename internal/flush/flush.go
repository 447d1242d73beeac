// Package flush define el hook de invalidación de caches JWKS. La revocación
// lo usa para que los verifiers no esperen el TTL; la rotación NO lo necesita
// (su corrección viene de la ventana de propagación).
package flush

import "context"

// Flusher señala a los servicios verificadores que invaliden su JWKS cacheado
// de inmediato. Colaborador externo: acá solo viven el puerto y el fanout.
type Flusher interface {
	Flush(ctx context.Context, issuer string) error
}

// Nop ignora los flushes. Para tests y dry-run.
type Nop struct{}

func (Nop) Flush(ctx context.Context, issuer string) error { return nil }
