package apigateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const secretPrefix = "gwk_"

// APIKey is a stored API key. The secret itself is never kept, only its hash.
type APIKey struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	SecretHash  string           `json:"secret_hash"`
	Permissions []string         `json:"permissions"`
	RateLimit   *RateLimitPolicy `json:"rate_limit,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Enabled     bool             `json:"enabled"`
	CreatedAt   time.Time        `json:"created_at"`
	LastUsedAt  *time.Time       `json:"last_used_at,omitempty"`
}

// Usable reports why the key cannot be used at now, if it cannot.
func (k APIKey) Usable(now time.Time) error {
	if !k.Enabled {
		return ErrKeyRevoked
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return ErrKeyExpired
	}
	return nil
}

// KeySpec describes a key to issue.
type KeySpec struct {
	Name        string
	Permissions []string
	RateLimit   *RateLimitPolicy
	ExpiresAt   *time.Time
}

// IssuedKey is returned once at creation. Secret is not retrievable later.
type IssuedKey struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// KeyStore owns API keys. Revoked keys are disabled, never deleted.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, spec KeySpec) (IssuedKey, error)
	// ValidateAPIKey resolves a presented secret and stamps LastUsedAt.
	ValidateAPIKey(ctx context.Context, secret string) (APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
	GetAPIKey(ctx context.Context, id string) (APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
}

// NewAPIKey builds the stored form of a key and the secret to hand out.
func NewAPIKey(spec KeySpec, now time.Time) (APIKey, IssuedKey, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return APIKey{}, IssuedKey{}, fmt.Errorf("%w: name is required", ErrInvalidKey)
	}
	if spec.RateLimit != nil {
		p := spec.RateLimit.WithDefaults()
		p.Scope = ScopeGlobal
		if err := p.Validate(); err != nil {
			return APIKey{}, IssuedKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		spec.RateLimit = &p
	}
	if spec.ExpiresAt != nil && !spec.ExpiresAt.After(now) {
		return APIKey{}, IssuedKey{}, fmt.Errorf("%w: expiry is in the past", ErrInvalidKey)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return APIKey{}, IssuedKey{}, fmt.Errorf("generating api key secret: %w", err)
	}
	secret := secretPrefix + hex.EncodeToString(raw)

	key := APIKey{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		SecretHash:  HashSecret(secret),
		Permissions: append([]string(nil), spec.Permissions...),
		RateLimit:   spec.RateLimit,
		ExpiresAt:   spec.ExpiresAt,
		Enabled:     true,
		CreatedAt:   now,
	}
	return key, IssuedKey{ID: key.ID, Secret: secret}, nil
}

// HashSecret is the stored form of a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// MemoryKeyStore keeps keys in process memory.
type MemoryKeyStore struct {
	mu     sync.RWMutex
	keys   map[string]*APIKey
	byHash map[string]string
	now    func() time.Time
}

// NewMemoryKeyStore creates an empty store.
func NewMemoryKeyStore(now func() time.Time) *MemoryKeyStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryKeyStore{
		keys:   make(map[string]*APIKey),
		byHash: make(map[string]string),
		now:    now,
	}
}

func (s *MemoryKeyStore) CreateAPIKey(_ context.Context, spec KeySpec) (IssuedKey, error) {
	key, issued, err := NewAPIKey(spec, s.now())
	if err != nil {
		return IssuedKey{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = &key
	s.byHash[key.SecretHash] = key.ID
	return issued, nil
}

func (s *MemoryKeyStore) ValidateAPIKey(_ context.Context, secret string) (APIKey, error) {
	if secret == "" {
		return APIKey{}, ErrInvalidKey
	}
	hash := HashSecret(secret)
	now := s.now()

	s.mu.RLock()
	id, ok := s.byHash[hash]
	var key *APIKey
	if ok {
		key = s.keys[id]
	}
	s.mu.RUnlock()
	if key == nil {
		return APIKey{}, ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := key.Usable(now); err != nil {
		return APIKey{}, err
	}
	key.LastUsedAt = &now
	return copyKey(*key), nil
}

func (s *MemoryKeyStore) RevokeAPIKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	key.Enabled = false
	return nil
}

func (s *MemoryKeyStore) GetAPIKey(_ context.Context, id string) (APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return APIKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return copyKey(*key), nil
}

func (s *MemoryKeyStore) ListAPIKeys(_ context.Context) ([]APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, copyKey(*k))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt) || out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID
	})
	return out, nil
}

func copyKey(k APIKey) APIKey {
	k.Permissions = append([]string(nil), k.Permissions...)
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		k.LastUsedAt = &t
	}
	return k
}
