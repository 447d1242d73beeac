// Package pg implementa KeyStore y PublicKeyRegistry sobre Postgres (pgx).
// El token de concurrencia es la columna version (bigint); el UPDATE compara
// la versión esperada en el WHERE y 0 filas afectadas = ErrConflict.
package pg

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/keywarden/internal/keys"
	"github.com/dropDatabas3/keywarden/internal/security/secretbox"
	migrations "github.com/dropDatabas3/keywarden/migrations/postgres"
)

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate aplica las migraciones embebidas en orden lexicográfico. Todo el
// DDL es IF NOT EXISTS, así re-correr es inofensivo.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", name, mapErr(err))
		}
	}
	return nil
}

// mapErr traduce errores de red/contexto a la taxonomía del dominio.
// Un deadline vencido es outcome DESCONOCIDO: ErrTimeout obliga a re-leer.
func mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return keys.ErrTimeout
	}
	return err
}

func (s *Store) GetSecret(ctx context.Context, serviceID string) (*keys.SigningSecret, error) {
	const q = `
SELECT schema_version, active_kid, active_key_enc, active_created_at,
       pending_kid, pending_key_enc, pending_created_at,
       revoked_at, revoked_reason, rotation_holder, rotation_started_at, version
FROM signing_secrets
WHERE service_id = $1`
	row := s.pool.QueryRow(ctx, q, serviceID)

	var (
		sec             = keys.SigningSecret{ServiceID: serviceID}
		activeEnc       string
		activeCreated   time.Time
		pendingKID      *string
		pendingEnc      *string
		pendingCreated  *time.Time
		revokedAt       *time.Time
		revokedReason   *string
		rotationHolder  *string
		rotationStarted *time.Time
		version         int64
	)
	err := row.Scan(&sec.SchemaVersion, &sec.ActiveKID, &activeEnc, &activeCreated,
		&pendingKID, &pendingEnc, &pendingCreated,
		&revokedAt, &revokedReason, &rotationHolder, &rotationStarted, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, keys.ErrNotFound
		}
		return nil, mapErr(err)
	}

	if sec.ActiveKey, err = openKey(sec.ActiveKID, activeEnc, activeCreated); err != nil {
		return nil, err
	}
	if pendingKID != nil && pendingEnc != nil {
		sec.PendingKID = *pendingKID
		created := time.Time{}
		if pendingCreated != nil {
			created = *pendingCreated
		}
		if sec.PendingKey, err = openKey(sec.PendingKID, *pendingEnc, created); err != nil {
			return nil, err
		}
	}
	if revokedAt != nil {
		reason := ""
		if revokedReason != nil {
			reason = *revokedReason
		}
		sec.Revocation = &keys.Revocation{At: *revokedAt, Reason: reason}
	}
	if rotationHolder != nil && rotationStarted != nil {
		sec.Rotation = &keys.RotationMark{Holder: *rotationHolder, StartedAt: *rotationStarted}
	}
	sec.Token = strconv.FormatInt(version, 10)
	return &sec, nil
}

func (s *Store) PutSecret(ctx context.Context, serviceID string, secret *keys.SigningSecret, expectedToken string) error {
	activeEnc, err := sealKey(secret.ActiveKey)
	if err != nil {
		return fmt.Errorf("seal active key: %w", err)
	}
	var pendingKID, pendingEnc *string
	var pendingCreated *time.Time
	if secret.HasPending() {
		enc, err := sealKey(secret.PendingKey)
		if err != nil {
			return fmt.Errorf("seal pending key: %w", err)
		}
		pendingKID = &secret.PendingKID
		pendingEnc = &enc
		created := secret.PendingKey.CreatedAt
		pendingCreated = &created
	}
	var revokedAt *time.Time
	var revokedReason *string
	if secret.Revocation != nil {
		revokedAt = &secret.Revocation.At
		revokedReason = &secret.Revocation.Reason
	}
	var rotationHolder *string
	var rotationStarted *time.Time
	if secret.Rotation != nil {
		rotationHolder = &secret.Rotation.Holder
		rotationStarted = &secret.Rotation.StartedAt
	}

	if expectedToken == "" {
		const q = `
INSERT INTO signing_secrets
  (service_id, schema_version, active_kid, active_key_enc, active_created_at,
   pending_kid, pending_key_enc, pending_created_at,
   revoked_at, revoked_reason, rotation_holder, rotation_started_at, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)
ON CONFLICT (service_id) DO NOTHING`
		tag, err := s.pool.Exec(ctx, q, serviceID, secret.SchemaVersion,
			secret.ActiveKID, activeEnc, secret.ActiveKey.CreatedAt,
			pendingKID, pendingEnc, pendingCreated,
			revokedAt, revokedReason, rotationHolder, rotationStarted)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return keys.ErrConflict
		}
		return nil
	}

	expected, err := strconv.ParseInt(expectedToken, 10, 64)
	if err != nil {
		return keys.ErrConflict
	}
	const q = `
UPDATE signing_secrets
SET schema_version=$2, active_kid=$3, active_key_enc=$4, active_created_at=$5,
    pending_kid=$6, pending_key_enc=$7, pending_created_at=$8,
    revoked_at=$9, revoked_reason=$10, rotation_holder=$11, rotation_started_at=$12,
    version = version + 1
WHERE service_id = $1 AND version = $13`
	tag, err := s.pool.Exec(ctx, q, serviceID, secret.SchemaVersion,
		secret.ActiveKID, activeEnc, secret.ActiveKey.CreatedAt,
		pendingKID, pendingEnc, pendingCreated,
		revokedAt, revokedReason, rotationHolder, rotationStarted, expected)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return keys.ErrConflict
	}
	return nil
}

// RegisterPublicKey: idempotente por kid (ON CONFLICT DO NOTHING).
func (s *Store) RegisterPublicKey(ctx context.Context, rec keys.PublicKeyRecord) error {
	const q = `
INSERT INTO public_keys (kid, kty, crv, x, y, issuer, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (kid) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, rec.KID, rec.Kty, rec.Crv, rec.X, rec.Y,
		rec.Issuer, rec.CreatedAt, rec.ExpiresAt)
	return mapErr(err)
}

func (s *Store) RemovePublicKey(ctx context.Context, kid string) error {
	const q = `DELETE FROM public_keys WHERE kid = $1`
	_, err := s.pool.Exec(ctx, q, kid)
	return mapErr(err)
}

func (s *Store) ListPublicKeys(ctx context.Context, issuer string) ([]keys.PublicKeyRecord, error) {
	const q = `
SELECT kid, kty, crv, x, y, issuer, created_at, expires_at
FROM public_keys
WHERE issuer = $1
ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, issuer)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []keys.PublicKeyRecord
	for rows.Next() {
		var r keys.PublicKeyRecord
		if err := rows.Scan(&r.KID, &r.Kty, &r.Crv, &r.X, &r.Y, &r.Issuer, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
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
		return nil, fmt.Errorf("decrypt key %s: %w", kid, err)
	}
	defer keys.ZeroBytes(d)
	return keys.FromPrivateBytes(kid, d, createdAt)
}
