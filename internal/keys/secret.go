package keys

import "time"

// SchemaVersion actual del registro SigningSecret persistido.
const SchemaVersion = 2

// Revocation marca por qué y cuándo se descartó la clave anterior.
type Revocation struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// RotationMark es el marker "rotation-in-progress". Vive dentro del mismo
// registro que el secret para compartir el punto de linealización (el token
// de concurrencia). Un marker más viejo que el grace period se trata como
// abandonado.
type RotationMark struct {
	Holder    string    `json:"holder"`
	StartedAt time.Time `json:"started_at"`
}

// Expired reporta si el marker superó el grace period.
func (m *RotationMark) Expired(now time.Time, grace time.Duration) bool {
	return now.Sub(m.StartedAt) > grace
}

// SigningSecret es el ÚNICO agregado mutable por servicio. Solo los dos
// orquestadores lo mutan; siempre tiene exactamente una clave activa.
// Nunca se borra.
type SigningSecret struct {
	SchemaVersion int
	ServiceID     string

	ActiveKID string
	ActiveKey *KeyPair

	// Pendiente durante DUAL_PUBLISHED → AWAITING_PROPAGATION. Vacío en STABLE.
	PendingKID string
	PendingKey *KeyPair

	Revocation *Revocation
	Rotation   *RotationMark

	// Token opaco de concurrencia optimista. Lo setea el store en cada read;
	// un put con token viejo devuelve ErrConflict.
	Token string
}

// HasPending reporta si hay una generación pendiente (rotación a mitad de camino).
func (s *SigningSecret) HasPending() bool {
	return s.PendingKID != "" && s.PendingKey != nil
}

// Clone copia el agregado (las claves se comparten: son inmutables salvo Zero).
func (s *SigningSecret) Clone() *SigningSecret {
	cp := *s
	if s.Revocation != nil {
		r := *s.Revocation
		cp.Revocation = &r
	}
	if s.Rotation != nil {
		m := *s.Rotation
		cp.Rotation = &m
	}
	return &cp
}

// PublicKeyRecord es la fila durable del registry, keyed por kid.
// Solo puede removerse cuando el kid no es active ni pending y la ventana
// de overlap ya venció (lo garantizan los orquestadores, únicos writers).
type PublicKeyRecord struct {
	KID       string    `json:"kid"`
	Kty       string    `json:"kty"`
	Crv       string    `json:"crv"`
	X         string    `json:"x"`
	Y         string    `json:"y"`
	Issuer    string    `json:"issuer"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RecordFor arma el PublicKeyRecord de un KeyPair para un issuer.
func RecordFor(kp *KeyPair, issuer string, expiresAt time.Time) PublicKeyRecord {
	x, y := kp.ExportPublic()
	return PublicKeyRecord{
		KID:       kp.KID,
		Kty:       KeyType,
		Crv:       Curve,
		X:         x,
		Y:         y,
		Issuer:    issuer,
		CreatedAt: kp.CreatedAt,
		ExpiresAt: expiresAt,
	}
}

// Expired reporta si el record ya venció.
func (r PublicKeyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
