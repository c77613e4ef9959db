// Package rediscache stores gateway responses in Redis so every gateway
// instance serves the same cached responses.
package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aryangodara/apigateway"
)

var _ apigateway.CacheStore = &Store{}

// DefaultPrefix prefixes every key the store writes.
const DefaultPrefix = "gwcache:"

const scanBatch = 256

// Store is a Redis backed apigateway.CacheStore. Entries live under
// prefix + hash(namespace) + ":" + hash(key) and expire with their TTL.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Store. An empty prefix means DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

type storedEntry struct {
	Namespace string               `json:"namespace"`
	Key       string               `json:"key"`
	Response  *apigateway.Response `json:"response"`
	CachedAt  time.Time            `json:"cached_at"`
	TTL       time.Duration        `json:"ttl"`
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

func (s *Store) namespacePrefix(namespace string) string {
	return s.prefix + digest(namespace) + ":"
}

func (s *Store) entryKey(namespace, key string) string {
	return s.namespacePrefix(namespace) + digest(key)
}

func (s *Store) Load(ctx context.Context, namespace, key string) (apigateway.CacheEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.entryKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return apigateway.CacheEntry{}, false, nil
	}
	if err != nil {
		return apigateway.CacheEntry{}, false, fmt.Errorf("loading cache entry %q: %w", key, err)
	}

	var stored storedEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return apigateway.CacheEntry{}, false, fmt.Errorf("decoding cache entry %q: %w", key, err)
	}
	// a digest collision would hand back another request's response
	if stored.Key != key || stored.Namespace != namespace {
		return apigateway.CacheEntry{}, false, nil
	}
	return apigateway.CacheEntry{
		Namespace: stored.Namespace,
		Key:       stored.Key,
		Response:  stored.Response,
		CachedAt:  stored.CachedAt,
		TTL:       stored.TTL,
	}, true, nil
}

func (s *Store) Save(ctx context.Context, entry apigateway.CacheEntry) error {
	if entry.TTL <= 0 {
		return fmt.Errorf("cache entry %q has no ttl", entry.Key)
	}
	raw, err := json.Marshal(storedEntry{
		Namespace: entry.Namespace,
		Key:       entry.Key,
		Response:  entry.Response,
		CachedAt:  entry.CachedAt,
		TTL:       entry.TTL,
	})
	if err != nil {
		return fmt.Errorf("encoding cache entry %q: %w", entry.Key, err)
	}
	if err := s.client.Set(ctx, s.entryKey(entry.Namespace, entry.Key), raw, entry.TTL).Err(); err != nil {
		return fmt.Errorf("saving cache entry %q: %w", entry.Key, err)
	}
	return nil
}

// Purge deletes every entry of namespace. Entries written while the scan runs
// may survive.
func (s *Store) Purge(ctx context.Context, namespace string) error {
	iter := s.client.Scan(ctx, 0, s.namespacePrefix(namespace)+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("purging cache namespace %q: %w", namespace, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning cache namespace %q: %w", namespace, err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("purging cache namespace %q: %w", namespace, err)
		}
	}
	return nil
}
