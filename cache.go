package apigateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheEntry is one stored response.
type CacheEntry struct {
	Namespace string
	Key       string
	Response  *Response
	CachedAt  time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry may still be served at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.CachedAt.Add(e.TTL))
}

// CacheStore persists cache entries. Expiry is checked by ResponseCache, so a
// store may hand back stale entries.
type CacheStore interface {
	Load(ctx context.Context, namespace, key string) (CacheEntry, bool, error)
	Save(ctx context.Context, entry CacheEntry) error
	// Purge drops every entry of an endpoint namespace.
	Purge(ctx context.Context, namespace string) error
}

// ResponseCache serves stored responses for cacheable endpoints.
type ResponseCache struct {
	store CacheStore
	now   func() time.Time
}

// NewResponseCache creates a cache on top of store.
func NewResponseCache(store CacheStore, now func() time.Time) *ResponseCache {
	if now == nil {
		now = time.Now
	}
	return &ResponseCache{store: store, now: now}
}

// Get returns a copy of the stored response for req, if one is still fresh.
func (c *ResponseCache) Get(ctx context.Context, req *Request, e Endpoint) (*Response, bool, error) {
	if !e.Caching.Enabled {
		return nil, false, nil
	}
	entry, ok, err := c.store.Load(ctx, e.ID(), CacheKey(req, e))
	if err != nil || !ok || entry.Response == nil {
		return nil, false, err
	}
	if !entry.Fresh(c.now()) {
		return nil, false, nil
	}
	return entry.Response.clone(), true, nil
}

// Set stores resp for req when the endpoint caches and the status is below 400.
func (c *ResponseCache) Set(ctx context.Context, req *Request, e Endpoint, resp *Response) (bool, error) {
	if !e.Caching.Enabled || resp == nil || resp.StatusCode >= 400 {
		return false, nil
	}
	stored := resp.clone()
	stored.Cached = false
	stored.Duration = 0
	entry := CacheEntry{
		Namespace: e.ID(),
		Key:       CacheKey(req, e),
		Response:  stored,
		CachedAt:  c.now(),
		TTL:       e.Caching.TTL,
	}
	if err := c.store.Save(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

// Purge empties the namespace of e.
func (c *ResponseCache) Purge(ctx context.Context, e Endpoint) error {
	return c.store.Purge(ctx, e.ID())
}

// CacheKey derives the key of req: method:path plus a suffix chosen by the
// endpoint's key strategy.
func CacheKey(req *Request, e Endpoint) string {
	base := req.Method + ":" + req.Path
	switch e.Caching.KeyStrategy {
	case KeyByQuery:
		return base + "?" + canonicalQuery(req.Query)
	case KeyByHeaders:
		return base + "|" + canonicalHeaders(req, e.Caching.VaryBy)
	case KeyByBody:
		return base + "#" + bodyDigest(req.Body)
	default:
		return base
	}
}

func canonicalQuery(q map[string]string) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(q[k]))
	}
	return b.String()
}

func canonicalHeaders(req *Request, varyBy []string) string {
	names := make([]string, 0, len(varyBy))
	for _, n := range varyBy {
		names = append(names, strings.ToLower(n))
	}
	sort.Strings(names)

	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(req.Header(n)))
	}
	return b.String()
}

// bodyDigest hashes the body. JSON bodies are re-encoded first so key order
// and whitespace do not matter.
func bodyDigest(body []byte) string {
	canonical := body
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if len(bytes.TrimSpace(body)) > 0 && dec.Decode(&v) == nil && !dec.More() {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// MemoryCacheOptions configures a MemoryCacheStore.
type MemoryCacheOptions struct {
	// MaxEntries bounds the store. When full, expired entries are swept and
	// then the oldest entry is evicted. Zero means 10000.
	MaxEntries int
	Now        func() time.Time
}

// MemoryCacheStore keeps entries in process memory.
type MemoryCacheStore struct {
	mu         sync.RWMutex
	entries    map[string]CacheEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCacheStore creates an empty store.
func NewMemoryCacheStore(opts MemoryCacheOptions) *MemoryCacheStore {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryCacheStore{
		entries:    make(map[string]CacheEntry),
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
	}
}

func storeKey(namespace, key string) string {
	return namespace + "\n" + key
}

func (s *MemoryCacheStore) Load(_ context.Context, namespace, key string) (CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[storeKey(namespace, key)]
	return e, ok, nil
}

// Save stores entry. Concurrent saves of one key resolve to the last writer.
func (s *MemoryCacheStore) Save(_ context.Context, entry CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := storeKey(entry.Namespace, entry.Key)
	if _, exists := s.entries[k]; !exists && len(s.entries) >= s.maxEntries {
		s.sweepLocked(s.now())
		if len(s.entries) >= s.maxEntries {
			s.evictOldestLocked()
		}
	}
	s.entries[k] = entry
	return nil
}

func (s *MemoryCacheStore) Purge(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.Namespace == namespace {
			delete(s.entries, k)
		}
	}
	return nil
}

// Len returns the number of stored entries, fresh or not.
func (s *MemoryCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (s *MemoryCacheStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

// Run sweeps every interval until ctx is done.
func (s *MemoryCacheStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *MemoryCacheStore) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range s.entries {
		if !e.Fresh(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *MemoryCacheStore) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range s.entries {
		if oldestKey == "" || e.CachedAt.Before(oldest) {
			oldestKey, oldest = k, e.CachedAt
		}
	}
	delete(s.entries, oldestKey)
}
