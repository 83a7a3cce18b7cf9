// Package auth resolves bearer tokens to gateway users.
//
// Lookups hit the user store once per key per TTL; in between, requests are
// served from a small in-process cache keyed by the token's SHA-256 so raw
// keys never sit in memory longer than the lookup itself.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Alpaca-Network/gatewayz/internal/store"
)

// ErrUnauthorized covers missing, malformed and unknown API keys. The handler
// maps it to 401 without distinguishing the cases.
var ErrUnauthorized = errors.New("auth: invalid api key")

const cacheTTL = 60 * time.Second

type cacheEntry struct {
	user    *store.User
	expires time.Time
}

// Authenticator validates API keys against the user store.
type Authenticator struct {
	users store.UserStore

	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time // test hook
}

func New(users store.UserStore) *Authenticator {
	return &Authenticator{
		users: users,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// KeyID returns the stable identifier for a raw API key, used for rate-limit
// bucketing and logging. Never log the raw key.
func KeyID(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:8])
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// Authenticate resolves a raw bearer token to its user. Cached entries are
// served until the TTL elapses; a cache hit performs no store access.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*store.User, error) {
	if rawKey == "" {
		return nil, ErrUnauthorized
	}
	id := KeyID(rawKey)

	a.mu.RLock()
	entry, ok := a.cache[id]
	a.mu.RUnlock()
	if ok && a.now().Before(entry.expires) {
		return entry.user, nil
	}

	user, err := a.users.UserByAPIKey(ctx, rawKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	a.mu.Lock()
	a.cache[id] = cacheEntry{user: user, expires: a.now().Add(cacheTTL)}
	a.mu.Unlock()

	return user, nil
}

// Invalidate drops one key from the cache (e.g. after a balance-affecting
// admin action).
func (a *Authenticator) Invalidate(rawKey string) {
	a.mu.Lock()
	delete(a.cache, KeyID(rawKey))
	a.mu.Unlock()
}
