// Package fs implementa KeyStore y PublicKeyRegistry sobre archivos.
// Garantías:
// - Escritura atómica: write tmp → fsync → rename
// - Claves privadas cifradas en reposo con secretbox (KEYWARDEN_MASTER_KEY)
// - Token de concurrencia = contador de versión persistido con el secret
package fs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dropDatabas3/keywarden/internal/keys"
	"github.com/dropDatabas3/keywarden/internal/security/secretbox"
)

// Store guarda secrets/<service>.json y registry/<kid>.json bajo dir.
type Store struct {
	dir string
	mu  sync.Mutex
}

// secretFileData es la estructura persistida del SigningSecret.
type secretFileData struct {
	SchemaVersion int    `json:"schema_version"`
	ServiceID     string `json:"service_id"`

	ActiveKID       string    `json:"active_kid"`
	ActiveKeyEnc    string    `json:"active_key_enc"` // secretbox(D), base64
	ActiveCreatedAt time.Time `json:"active_created_at"`

	PendingKID       string    `json:"pending_kid,omitempty"`
	PendingKeyEnc    string    `json:"pending_key_enc,omitempty"`
	PendingCreatedAt time.Time `json:"pending_created_at,omitempty"`

	Revocation *keys.Revocation   `json:"revocation,omitempty"`
	Rotation   *keys.RotationMark `json:"rotation,omitempty"`

	Version uint64 `json:"version"`
}

func New(dir string) (*Store, error) {
	for _, sub := range []string{"secrets", "registry"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) secretPath(serviceID string) string {
	return filepath.Join(s.dir, "secrets", serviceID+".json")
}

func (s *Store) recordPath(kid string) string {
	return filepath.Join(s.dir, "registry", kid+".json")
}

// GetSecret lee y desencripta el secret. El Token devuelto es la versión.
func (s *Store) GetSecret(ctx context.Context, serviceID string) (*keys.SigningSecret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readSecretFile(serviceID)
	if err != nil {
		return nil, err
	}
	return decodeSecret(data)
}

// PutSecret reemplaza el secret completo con CAS sobre la versión.
func (s *Store) PutSecret(ctx context.Context, serviceID string, secret *keys.SigningSecret, expectedToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.readSecretFile(serviceID)
	switch {
	case errors.Is(err, keys.ErrNotFound):
		if expectedToken != "" {
			return keys.ErrNotFound
		}
	case err != nil:
		return err
	default:
		if expectedToken == "" {
			return keys.ErrConflict
		}
		if strconv.FormatUint(cur.Version, 10) != expectedToken {
			return keys.ErrConflict
		}
	}

	var nextVersion uint64 = 1
	if cur != nil {
		nextVersion = cur.Version + 1
	}

	data, err := encodeSecret(secret, nextVersion)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal secret: %w", err)
	}
	return atomicWriteFile(s.secretPath(serviceID), raw, 0600)
}

func (s *Store) readSecretFile(serviceID string) (*secretFileData, error) {
	raw, err := os.ReadFile(s.secretPath(serviceID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, keys.ErrNotFound
		}
		return nil, fmt.Errorf("read secret: %w", err)
	}
	var data secretFileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal secret: %w", err)
	}
	return &data, nil
}

// RegisterPublicKey escribe registry/<kid>.json. Idempotente: si ya existe
// no lo pisa.
func (s *Store) RegisterPublicKey(ctx context.Context, rec keys.PublicKeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(rec.KID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return atomicWriteFile(path, raw, 0644)
}

func (s *Store) RemovePublicKey(ctx context.Context, kid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.recordPath(kid)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

func (s *Store) ListPublicKeys(ctx context.Context, issuer string) ([]keys.PublicKeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, "registry"))
	if err != nil {
		return nil, fmt.Errorf("read registry dir: %w", err)
	}
	var out []keys.PublicKeyRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, "registry", e.Name()))
		if err != nil {
			continue
		}
		var rec keys.PublicKeyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Issuer == issuer {
			out = append(out, rec)
		}
	}
	return out, nil
}

// --- codificación ---

func encodeSecret(sec *keys.SigningSecret, version uint64) (*secretFileData, error) {
	data := &secretFileData{
		SchemaVersion: sec.SchemaVersion,
		ServiceID:     sec.ServiceID,
		ActiveKID:     sec.ActiveKID,
		PendingKID:    sec.PendingKID,
		Revocation:    sec.Revocation,
		Rotation:      sec.Rotation,
		Version:       version,
	}

	if sec.ActiveKey != nil {
		enc, err := sealKey(sec.ActiveKey)
		if err != nil {
			return nil, fmt.Errorf("seal active key: %w", err)
		}
		data.ActiveKeyEnc = enc
		data.ActiveCreatedAt = sec.ActiveKey.CreatedAt
	}
	if sec.PendingKey != nil {
		enc, err := sealKey(sec.PendingKey)
		if err != nil {
			return nil, fmt.Errorf("seal pending key: %w", err)
		}
		data.PendingKeyEnc = enc
		data.PendingCreatedAt = sec.PendingKey.CreatedAt
	}
	return data, nil
}

func decodeSecret(data *secretFileData) (*keys.SigningSecret, error) {
	sec := &keys.SigningSecret{
		SchemaVersion: data.SchemaVersion,
		ServiceID:     data.ServiceID,
		ActiveKID:     data.ActiveKID,
		PendingKID:    data.PendingKID,
		Revocation:    data.Revocation,
		Rotation:      data.Rotation,
		Token:         strconv.FormatUint(data.Version, 10),
	}

	if data.ActiveKeyEnc != "" {
		kp, err := openKey(data.ActiveKID, data.ActiveKeyEnc, data.ActiveCreatedAt)
		if err != nil {
			return nil, fmt.Errorf("open active key: %w", err)
		}
		sec.ActiveKey = kp
	}
	if data.PendingKeyEnc != "" {
		kp, err := openKey(data.PendingKID, data.PendingKeyEnc, data.PendingCreatedAt)
		if err != nil {
			return nil, fmt.Errorf("open pending key: %w", err)
		}
		sec.PendingKey = kp
	}
	return sec, nil
}

func sealKey(kp *keys.KeyPair) (string, error) {
	d := kp.PrivateBytes()
	defer keys.ZeroBytes(d)
	sealed, err := secretbox.Seal(d)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openKey(kid, enc string, createdAt time.Time) (*keys.KeyPair, error) {
	sealed, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	d, err := secretbox.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	defer keys.ZeroBytes(d)
	return keys.FromPrivateBytes(kid, d, createdAt)
}

// atomicWriteFile escribe data a path de forma atómica: tmp → fsync → rename.
// Si rename falla (Windows con destino bloqueado), intenta remove+rename.
func atomicWriteFile(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	_ = os.Chmod(tmpPath, perm)

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			return fmt.Errorf("rename: %v (after remove: %v)", err, err2)
		}
	}
	return nil
}
