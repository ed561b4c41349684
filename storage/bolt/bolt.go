// Package bolt provides a bbolt-backed key store so signing keys and the
// rotation timestamp survive restarts. Authorization and device codes are
// short-lived and stay in memory; only the key material needs durability.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/velumlabs/oauthkit/security"
	"github.com/velumlabs/oauthkit/storage"
)

const (
	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt file lock.
	dbOpenTimeout = 5 * time.Second
)

var (
	keysBucket     = []byte("signing_keys")
	rotationBucket = []byte("rotation")
	lastRotationK  = []byte("last_rotation")
	currentKidK    = []byte("current_kid")
)

// Store is a bbolt-backed implementation of KeyStore and RotationStore.
type Store struct {
	db        *bolt.DB
	encryptor *security.Encryptor
}

var (
	_ storage.KeyStore      = (*Store)(nil)
	_ storage.RotationStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithEncryptor encrypts private key PEM before it reaches disk.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(s *Store) { s.encryptor = enc }
}

// Open opens (creating if needed) the database file and its buckets.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening key database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{keysBucket, rotationBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

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

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding key pair: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)
		if err := b.Put([]byte(pair.KID), data); err != nil {
			return err
		}
		return tx.Bucket(rotationBucket).Put(currentKidK, []byte(pair.KID))
	})
}

// PrivateKey retrieves a stored pair by kid, expired or not.
func (s *Store) PrivateKey(_ context.Context, kid string) (*storage.KeyPair, error) {
	var pair *storage.KeyPair
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(keysBucket).Get([]byte(kid))
		if data == nil {
			return storage.ErrNotFound
		}
		var err error
		pair, err = s.decodePair(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// CurrentKeyPair returns the pair most recently stored.
func (s *Store) CurrentKeyPair(_ context.Context) (*storage.KeyPair, error) {
	var pair *storage.KeyPair
	err := s.db.View(func(tx *bolt.Tx) error {
		kid := tx.Bucket(rotationBucket).Get(currentKidK)
		if kid == nil {
			return storage.ErrNotFound
		}
		data := tx.Bucket(keysBucket).Get(kid)
		if data == nil {
			return storage.ErrNotFound
		}
		var err error
		pair, err = s.decodePair(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// PublicKeys returns all stored pairs, newest first.
func (s *Store) PublicKeys(_ context.Context) ([]*storage.KeyPair, error) {
	var pairs []*storage.KeyPair
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).ForEach(func(_, data []byte) error {
			pair, err := s.decodePair(data)
			if err != nil {
				return err
			}
			pairs = append(pairs, pair)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].CreatedAt.After(pairs[j].CreatedAt)
	})
	return pairs, nil
}

// LastRotation returns the recorded rotation timestamp.
func (s *Store) LastRotation(_ context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(rotationBucket).Get(lastRotationK)
		if data == nil {
			return storage.ErrNotFound
		}
		return t.UnmarshalBinary(data)
	})
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// SetLastRotation records the given timestamp.
func (s *Store) SetLastRotation(_ context.Context, t time.Time) error {
	data, err := t.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding rotation timestamp: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rotationBucket).Put(lastRotationK, data)
	})
}

func (s *Store) decodePair(data []byte) (*storage.KeyPair, error) {
	var pair storage.KeyPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("decoding key pair: %w", err)
	}
	if s.encryptor != nil {
		dec, err := s.encryptor.Decrypt(pair.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("decrypting private key: %w", err)
		}
		pair.PrivateKeyPEM = dec
	}
	return &pair, nil
}
