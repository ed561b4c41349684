// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; nothing survives a restart, including signing keys.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/velumlabs/oauthkit/security"
	"github.com/velumlabs/oauthkit/storage"
)

const defaultCleanupInterval = time.Minute

// Store is an in-memory implementation of every engine storage interface.
type Store struct {
	mu sync.RWMutex

	// Signing keys, ordered by insertion so CurrentKeyPair and newest-first
	// listing need no timestamp comparisons.
	keys     map[string]*storage.KeyPair
	keyOrder []string

	lastRotation    time.Time
	hasLastRotation bool

	codes       map[string]*storage.CodeRecord
	devices     map[string]*storage.DeviceRecord // device code -> record
	userCodes   map[string]string                // user code -> device code
	clients     map[string]*storage.Client
	secretHash  map[string]string // client ID -> bcrypt hash
	encryptor   *security.Encryptor
	stopCleanup chan struct{}
	stopOnce    sync.Once
	logger      *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.KeyStore      = (*Store)(nil)
	_ storage.RotationStore = (*Store)(nil)
	_ storage.CodeStore     = (*Store)(nil)
	_ storage.DeviceStore   = (*Store)(nil)
	_ storage.ClientStore   = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithEncryptor encrypts private key PEM at rest.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(s *Store) { s.encryptor = enc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an in-memory store and starts its cleanup loop with the
// default one-minute interval.
func New(opts ...Option) *Store {
	return NewWithInterval(defaultCleanupInterval, opts...)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// A non-positive interval disables the cleanup loop.
func NewWithInterval(interval time.Duration, opts ...Option) *Store {
	s := &Store{
		keys:        make(map[string]*storage.KeyPair),
		codes:       make(map[string]*storage.CodeRecord),
		devices:     make(map[string]*storage.DeviceRecord),
		userCodes:   make(map[string]string),
		clients:     make(map[string]*storage.Client),
		secretHash:  make(map[string]string),
		stopCleanup: make(chan struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}
	return s
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired evicts expired codes and device records. Expired signing
// keys are kept: old public keys must stay queryable until callers decide
// otherwise.
func (s *Store) cleanupExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var codes, devices int
	for code, rec := range s.codes {
		if rec.Expired(now) {
			delete(s.codes, code)
			codes++
		}
	}
	for deviceCode, rec := range s.devices {
		if rec.Expired(now) {
			delete(s.devices, deviceCode)
			delete(s.userCodes, rec.UserCode)
			devices++
		}
	}
	if codes > 0 || devices > 0 {
		s.logger.Debug("evicted expired records",
			"authorization_codes", codes, "device_codes", devices)
	}
}

// --- KeyStore ---

// StoreKeyPair saves a key pair and marks it current.
func (s *Store) StoreKeyPair(_ context.Context, pair *storage.KeyPair) error {
	stored := *pair
	if s.encryptor != nil {
		enc, err := s.encryptor.Encrypt(pair.PrivateKeyPEM)
		if err != nil {
			return fmt.Errorf("encrypting private key: %w", err)
		}
		stored.PrivateKeyPEM = enc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[pair.KID]; !exists {
		s.keyOrder = append(s.keyOrder, pair.KID)
	}
	s.keys[pair.KID] = &stored
	return nil
}

// PrivateKey retrieves a stored pair by kid, expired or not.
func (s *Store) PrivateKey(_ context.Context, kid string) (*storage.KeyPair, error) {
	s.mu.RLock()
	pair, ok := s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.decryptPair(pair)
}

// CurrentKeyPair returns the most recently stored pair.
func (s *Store) CurrentKeyPair(_ context.Context) (*storage.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.keyOrder) == 0 {
		return nil, storage.ErrNotFound
	}
	return s.decryptPair(s.keys[s.keyOrder[len(s.keyOrder)-1]])
}

// PublicKeys returns all stored pairs, newest first.
func (s *Store) PublicKeys(_ context.Context) ([]*storage.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.KeyPair, 0, len(s.keyOrder))
	for i := len(s.keyOrder) - 1; i >= 0; i-- {
		pair, err := s.decryptPair(s.keys[s.keyOrder[i]])
		if err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) decryptPair(pair *storage.KeyPair) (*storage.KeyPair, error) {
	out := *pair
	if s.encryptor != nil {
		dec, err := s.encryptor.Decrypt(pair.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("decrypting private key: %w", err)
		}
		out.PrivateKeyPEM = dec
	}
	return &out, nil
}

// --- RotationStore ---

// LastRotation returns the recorded rotation timestamp.
func (s *Store) LastRotation(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLastRotation {
		return time.Time{}, storage.ErrNotFound
	}
	return s.lastRotation, nil
}

// SetLastRotation records the given timestamp.
func (s *Store) SetLastRotation(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRotation = t
	s.hasLastRotation = true
	return nil
}

// --- CodeStore ---

// InsertCode saves an authorization code record.
func (s *Store) InsertCode(_ context.Context, rec *storage.CodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rec
	s.codes[rec.Code] = &stored
	return nil
}

// FindCode retrieves an authorization code record.
func (s *Store) FindCode(_ context.Context, code string) (*storage.CodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// DeleteCode removes an authorization code record.
func (s *Store) DeleteCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// --- DeviceStore ---

// InsertDevice saves a device authorization record.
func (s *Store) InsertDevice(_ context.Context, rec *storage.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rec
	s.devices[rec.DeviceCode] = &stored
	s.userCodes[rec.UserCode] = rec.DeviceCode
	return nil
}

// FindDeviceByDeviceCode retrieves a record by device code.
func (s *Store) FindDeviceByDeviceCode(_ context.Context, deviceCode string) (*storage.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// FindDeviceByUserCode retrieves a record by user code.
func (s *Store) FindDeviceByUserCode(_ context.Context, userCode string) (*storage.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// UpdateDevice replaces an existing device record.
func (s *Store) UpdateDevice(_ context.Context, rec *storage.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[rec.DeviceCode]; !ok {
		return storage.ErrNotFound
	}
	stored := *rec
	s.devices[rec.DeviceCode] = &stored
	s.userCodes[rec.UserCode] = rec.DeviceCode
	return nil
}

// DeleteDevice removes a device record.
func (s *Store) DeleteDevice(_ context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.devices[deviceCode]; ok {
		delete(s.userCodes, rec.UserCode)
		delete(s.devices, deviceCode)
	}
	return nil
}

// --- ClientStore ---

// RegisterClient stores a client with a bcrypt-hashed secret. Public clients
// pass an empty secret.
func (s *Store) RegisterClient(_ context.Context, client *storage.Client, secret string) error {
	var hash string
	if secret != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing client secret: %w", err)
		}
		hash = string(h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *client
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.clients[client.ClientID] = &stored
	if hash != "" {
		s.secretHash[client.ClientID] = hash
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *client
	return &out, nil
}

// ValidateSecret checks a presented secret against the stored bcrypt hash.
func (s *Store) ValidateSecret(_ context.Context, clientID, secret string) error {
	s.mu.RLock()
	hash, ok := s.secretHash[clientID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no secret registered for client %q", clientID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return fmt.Errorf("client secret mismatch")
	}
	return nil
}
