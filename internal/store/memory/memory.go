// Package memory implementa los puertos de core en memoria. Se usa en tests
// y en modo dry-run del CLI. El CAS es real (mutex + token comparado), así
// los tests de concurrencia ejercitan el mismo contrato que fs/pg.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/dropDatabas3/keywarden/internal/keys"
)

type Store struct {
	mu      sync.Mutex
	secrets map[string]*keys.SigningSecret
	tokens  map[string]uint64
	records map[string]keys.PublicKeyRecord
}

func New() *Store {
	return &Store{
		secrets: make(map[string]*keys.SigningSecret),
		tokens:  make(map[string]uint64),
		records: make(map[string]keys.PublicKeyRecord),
	}
}

func (s *Store) GetSecret(ctx context.Context, serviceID string) (*keys.SigningSecret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.secrets[serviceID]
	if !ok {
		return nil, keys.ErrNotFound
	}
	cp := sec.Clone()
	cp.Token = strconv.FormatUint(s.tokens[serviceID], 10)
	return cp, nil
}

func (s *Store) PutSecret(ctx context.Context, serviceID string, secret *keys.SigningSecret, expectedToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.secrets[serviceID]
	if expectedToken == "" {
		if exists {
			return keys.ErrConflict
		}
	} else {
		if !exists {
			return keys.ErrNotFound
		}
		if strconv.FormatUint(s.tokens[serviceID], 10) != expectedToken {
			return keys.ErrConflict
		}
	}

	s.secrets[serviceID] = secret.Clone()
	s.tokens[serviceID]++
	return nil
}

func (s *Store) RegisterPublicKey(ctx context.Context, rec keys.PublicKeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Idempotente por kid: el primero gana
	if _, ok := s.records[rec.KID]; !ok {
		s.records[rec.KID] = rec
	}
	return nil
}

func (s *Store) RemovePublicKey(ctx context.Context, kid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, kid)
	return nil
}

func (s *Store) ListPublicKeys(ctx context.Context, issuer string) ([]keys.PublicKeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []keys.PublicKeyRecord
	for _, r := range s.records {
		if r.Issuer == issuer {
			out = append(out, r)
		}
	}
	return out, nil
}
