package keys

import (
	"errors"
	"fmt"
)

// Errores sentinela compartidos por stores y orquestadores.
var (
	// ErrNotFound: no existe SigningSecret para el serviceId.
	ErrNotFound = errors.New("secret_not_found")

	// ErrConflict: el token de concurrencia no coincide (otra rotación en vuelo).
	// Retry con backoff acotado; nunca retry ciego.
	ErrConflict = errors.New("concurrency_conflict")

	// ErrTimeout: outcome DESCONOCIDO. El caller debe re-leer estado antes de
	// cualquier retry.
	ErrTimeout = errors.New("store_timeout")

	// ErrAlreadyInProgress: otra rotación tiene el marker y no está vencido.
	ErrAlreadyInProgress = errors.New("rotation_already_in_progress")
)

// GenerationError: fallo de entropía/librería al generar la clave. Fatal, sin retry.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("key_generation: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }

// PropagationError: la clave nueva no apareció en JWKS dentro de la ventana
// esperada. En rotación dispara rollback; en revocación escala (no hay rollback).
type PropagationError struct {
	KID   string
	Polls int
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("propagation: kid %s not visible after %d polls", e.KID, e.Polls)
}
