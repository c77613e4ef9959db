// Package keystore persists API keys in a BoltDB file so issued keys survive
// gateway restarts.
package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aryangodara/apigateway"
)

var _ apigateway.KeyStore = &BoltStore{}

var (
	// Bucket names
	bucketKeys   = []byte("api_keys")
	bucketHashes = []byte("api_key_hashes")
)

// BoltStore implements apigateway.KeyStore using BoltDB. Keys are stored as
// JSON by ID; a second bucket maps secret hashes to IDs.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the key database at path.
func Open(path string, now func() time.Time) (*BoltStore, error) {
	if now == nil {
		now = time.Now
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key store directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketKeys, bucketHashes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putKey(tx *bolt.Tx, key *apigateway.APIKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketKeys).Put([]byte(key.ID), data)
}

func getKey(tx *bolt.Tx, id string) (*apigateway.APIKey, error) {
	data := tx.Bucket(bucketKeys).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", apigateway.ErrKeyNotFound, id)
	}
	var key apigateway.APIKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to decode api key %s: %w", id, err)
	}
	return &key, nil
}

func (s *BoltStore) CreateAPIKey(_ context.Context, spec apigateway.KeySpec) (apigateway.IssuedKey, error) {
	key, issued, err := apigateway.NewAPIKey(spec, s.now())
	if err != nil {
		return apigateway.IssuedKey{}, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := putKey(tx, &key); err != nil {
			return err
		}
		return tx.Bucket(bucketHashes).Put([]byte(key.SecretHash), []byte(key.ID))
	})
	if err != nil {
		return apigateway.IssuedKey{}, fmt.Errorf("failed to store api key: %w", err)
	}
	return issued, nil
}

// ValidateAPIKey resolves secret in a read transaction, so validations run
// concurrently, then stamps the key's last use. Stamps from concurrent
// callers are coalesced into one write transaction.
func (s *BoltStore) ValidateAPIKey(_ context.Context, secret string) (apigateway.APIKey, error) {
	if secret == "" {
		return apigateway.APIKey{}, apigateway.ErrInvalidKey
	}
	hash := apigateway.HashSecret(secret)
	now := s.now()

	var found *apigateway.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketHashes).Get([]byte(hash))
		if id == nil {
			return apigateway.ErrInvalidKey
		}
		key, err := getKey(tx, string(id))
		if err != nil {
			return err
		}
		if err := key.Usable(now); err != nil {
			return err
		}
		found = key
		return nil
	})
	if err != nil {
		return apigateway.APIKey{}, err
	}

	if err := s.db.Batch(func(tx *bolt.Tx) error {
		return stampLastUsed(tx, found.ID, now)
	}); err != nil {
		return apigateway.APIKey{}, fmt.Errorf("failed to record api key use: %w", err)
	}
	found.LastUsedAt = &now
	return *found, nil
}

// stampLastUsed re-reads the key so a concurrent revocation is kept. It may
// run more than once inside a batch.
func stampLastUsed(tx *bolt.Tx, id string, now time.Time) error {
	key, err := getKey(tx, id)
	if err != nil {
		return err
	}
	if key.LastUsedAt != nil && !key.LastUsedAt.Before(now) {
		return nil
	}
	key.LastUsedAt = &now
	return putKey(tx, key)
}

func (s *BoltStore) RevokeAPIKey(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key, err := getKey(tx, id)
		if err != nil {
			return err
		}
		key.Enabled = false
		return putKey(tx, key)
	})
}

func (s *BoltStore) GetAPIKey(_ context.Context, id string) (apigateway.APIKey, error) {
	var key *apigateway.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		key, err = getKey(tx, id)
		return err
	})
	if err != nil {
		return apigateway.APIKey{}, err
	}
	return *key, nil
}

func (s *BoltStore) ListAPIKeys(_ context.Context) ([]apigateway.APIKey, error) {
	var keys []apigateway.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(k, v []byte) error {
			var key apigateway.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}
