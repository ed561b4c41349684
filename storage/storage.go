// Package storage defines the persistence contracts the engine depends on:
// signing keys, rotation timestamps, authorization codes, device codes, and
// registered clients. It ships no production backend; the memory and bolt
// subpackages provide reference implementations behind the same interfaces.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no record exists for the given key.
// Backends must return it (or wrap it) so callers can distinguish "absent"
// from backend failure.
var ErrNotFound = errors.New("storage: not found")

// KeyPair is a stored RSA signing key pair. PrivateKeyPEM holds the PKCS#1
// private key; backends that support an encryptor store it encrypted at rest.
// PublicJWK is the precomputed public JWK document served through the JWKS
// endpoint.
type KeyPair struct {
	KID           string         `json:"kid"`
	PrivateKeyPEM string         `json:"private_key_pem"`
	PublicJWK     map[string]any `json:"public_jwk"`
	CreatedAt     time.Time      `json:"created_at"`
	TTL           time.Duration  `json:"ttl"`
}

// Expired reports whether the key pair's own TTL has elapsed at now.
// A zero TTL means the key never expires.
func (k *KeyPair) Expired(now time.Time) bool {
	if k.TTL <= 0 {
		return false
	}
	return now.After(k.CreatedAt.Add(k.TTL))
}

// KeyStore persists signing key pairs. Exactly one pair is "current" for
// signing at any time; superseded public keys stay queryable until their own
// TTL elapses so previously issued tokens keep verifying.
//
// StoreKeyPair must be visible to subsequent reads (read-your-writes); no
// exclusivity is required. A duplicate store caused by the Authority's lazy
// generation race is harmless.
type KeyStore interface {
	// StoreKeyPair saves a key pair and marks it current.
	StoreKeyPair(ctx context.Context, pair *KeyPair) error

	// PrivateKey retrieves a stored pair by kid, expired or not.
	// The caller decides whether an expired key is still usable.
	PrivateKey(ctx context.Context, kid string) (*KeyPair, error)

	// CurrentKeyPair returns the pair most recently stored, or ErrNotFound
	// if the store is empty.
	CurrentKeyPair(ctx context.Context) (*KeyPair, error)

	// PublicKeys returns all stored pairs, newest first, including expired
	// ones. Callers filter by TTL.
	PublicKeys(ctx context.Context) ([]*KeyPair, error)
}

// RotationStore persists the key rotator's last-rotation timestamp. The
// read/write on this store is the rotator's only serialization point.
type RotationStore interface {
	// LastRotation returns the recorded timestamp, or ErrNotFound if a
	// rotation has never been recorded.
	LastRotation(ctx context.Context) (time.Time, error)

	// SetLastRotation records the given timestamp.
	SetLastRotation(ctx context.Context, t time.Time) error
}

// CodeRecord is the metadata attached to an issued authorization code. The
// code string itself is opaque to the engine; it is produced by an injected
// generator and merely round-tripped.
type CodeRecord struct {
	Code          string    `json:"code"`
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	Scope         string    `json:"scope"`
	CodeChallenge string    `json:"code_challenge,omitempty"`
	Nonce         string    `json:"nonce,omitempty"`
	Subject       string    `json:"subject"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its expiry at now.
func (c *CodeRecord) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// CodeStore persists authorization codes between issuance and exchange.
type CodeStore interface {
	// InsertCode saves a code record.
	InsertCode(ctx context.Context, rec *CodeRecord) error

	// FindCode retrieves a code record, or ErrNotFound.
	FindCode(ctx context.Context, code string) (*CodeRecord, error)

	// DeleteCode removes a code record. Deleting an absent code is not an
	// error (codes are single-use; deletion after exchange must be safe to
	// repeat).
	DeleteCode(ctx context.Context, code string) error
}

// DeviceStatus tracks where a device authorization stands between issuance
// and token exchange.
type DeviceStatus string

const (
	// DeviceStatusPending means the user has not yet approved or denied.
	DeviceStatusPending DeviceStatus = "pending"
	// DeviceStatusDenied means the user denied, or the record expired.
	DeviceStatusDenied DeviceStatus = "denied"
	// DeviceStatusGranted means the user approved and a subject is attached.
	DeviceStatusGranted DeviceStatus = "granted"
)

// DeviceRecord is the state of one device authorization.
type DeviceRecord struct {
	DeviceCode string        `json:"device_code"`
	UserCode   string        `json:"user_code"`
	ClientID   string        `json:"client_id"`
	Scope      string        `json:"scope"`
	Subject    string        `json:"subject,omitempty"`
	Status     DeviceStatus  `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Interval   time.Duration `json:"interval"`
}

// Expired reports whether the device record is past its expiry at now.
func (d *DeviceRecord) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// DeviceStore persists device authorization records.
type DeviceStore interface {
	// InsertDevice saves a device record.
	InsertDevice(ctx context.Context, rec *DeviceRecord) error

	// FindDeviceByDeviceCode retrieves a record by device code, or ErrNotFound.
	FindDeviceByDeviceCode(ctx context.Context, deviceCode string) (*DeviceRecord, error)

	// FindDeviceByUserCode retrieves a record by user code, or ErrNotFound.
	FindDeviceByUserCode(ctx context.Context, userCode string) (*DeviceRecord, error)

	// UpdateDevice replaces an existing record (status/subject transitions).
	UpdateDevice(ctx context.Context, rec *DeviceRecord) error

	// DeleteDevice removes a record. Absent records are not an error.
	DeleteDevice(ctx context.Context, deviceCode string) error
}

// Client is a registered OAuth client as the engine sees it. Secret material
// is stored hashed; ValidateSecret on the ClientStore is the only way to
// check a presented secret.
type Client struct {
	ClientID     string    `json:"client_id"`
	Name         string    `json:"name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Public       bool      `json:"public"`
	CreatedAt    time.Time `json:"created_at"`
}

// ClientStore resolves registered clients and validates their secrets.
type ClientStore interface {
	// GetClient retrieves a client by ID, or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateSecret checks a presented secret against the stored hash.
	// It returns nil on match and an error otherwise.
	ValidateSecret(ctx context.Context, clientID, secret string) error
}
