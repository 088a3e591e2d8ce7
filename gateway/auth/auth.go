// Package auth guards the gateway's admin surface with keyed HMAC request
// signatures. Each admin client holds an API key and a shared secret; requests
// carry a timestamp and nonce so captured signatures cannot be replayed.
package auth

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey identifies the calling admin client.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix-second timestamp the request was signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce makes each signature single-use within the replay window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 over the request.
	HeaderSignature = "X-Signature"

	// MaxSignedBody bounds how much request body participates in the signature.
	MaxSignedBody = 1 << 20

	defaultSkew          = 2 * time.Minute
	defaultNonceWindow   = 10 * time.Minute
	defaultNonceCapacity = 4096
)

// Principal is the authenticated admin client.
type Principal struct {
	APIKey string
}

// Authenticator checks admin request signatures against configured secrets.
type Authenticator struct {
	secrets map[string]string
	skew    time.Duration
	nowFn   func() time.Time

	mu     sync.Mutex
	nonces map[string]*nonceCache
}

// New builds an Authenticator from API key to secret mappings. Blank keys and
// secrets are dropped; an empty map yields an authenticator that rejects
// everything.
func New(secrets map[string]string) *Authenticator {
	cleaned := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		key = strings.TrimSpace(key)
		secret = strings.TrimSpace(secret)
		if key == "" || secret == "" {
			continue
		}
		cleaned[key] = secret
	}
	return &Authenticator{
		secrets: cleaned,
		skew:    defaultSkew,
		nowFn:   time.Now,
		nonces:  make(map[string]*nonceCache),
	}
}

// SetNowFunc overrides the clock, primarily used in tests.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	a.nowFn = now
}

// Enabled reports whether any secrets are configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secrets) > 0
}

// Authenticate validates the signature headers against the request metadata
// and body, returning the caller principal on success.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxSignedBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxSignedBody)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok {
		return nil, errors.New("unknown API key")
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestamp == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(time.Unix(seconds, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing X-Signature header")
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := Signature(secret, timestamp, nonce, r.Method, CanonicalPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.seen(apiKey, timestamp+"|"+nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) seen(apiKey, composite string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cache, ok := a.nonces[apiKey]
	if !ok {
		cache = newNonceCache(defaultNonceWindow, defaultNonceCapacity)
		a.nonces[apiKey] = cache
	}
	return cache.Seen(composite, now)
}

// CanonicalPath renders the request path with its query sorted so clients and
// server sign identical strings regardless of parameter order.
func CanonicalPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// Signature computes the HMAC-SHA256 over the signing payload.
func Signature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// nonceCache is a TTL-bounded LRU of observed nonces for one API key.
type nonceCache struct {
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen records the nonce and reports whether it was already present inside
// the TTL window.
func (c *nonceCache) Seen(key string, now time.Time) bool {
	cutoff := now.Add(-c.ttl)
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			break
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
	if _, ok := c.entries[key]; ok {
		return true
	}
	for c.order.Len() >= c.capacity {
		front := c.order.Front()
		entry := front.Value.(nonceEntry)
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
	c.entries[key] = c.order.PushBack(nonceEntry{key: key, ts: now})
	return false
}
