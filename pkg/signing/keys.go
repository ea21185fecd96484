package signing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grapevinehq/grapevine/pkg/metrics"
)

var (
	// ErrUnknownKey means the key is not cached and the fetcher could
	// not supply it. Transient: callers retry with backoff.
	ErrUnknownKey = errors.New("signing: unknown key")
	// ErrBadSignature means a signature failed to verify. Permanent.
	ErrBadSignature = errors.New("signing: bad signature")
	// ErrHashMismatch means the declared content hash does not match the
	// computed one. Permanent.
	ErrHashMismatch = errors.New("signing: content hash mismatch")
	// ErrKeyExpired means the only available keys were not valid at the
	// event's origin timestamp. Permanent.
	ErrKeyExpired = errors.New("signing: key not valid at event timestamp")
)

// IsTransient reports whether a verification error may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnknownKey)
}

// VerifyKey is one public signing key with its validity window. Expired
// keys stay usable for events older than their expiry.
type VerifyKey struct {
	Key ed25519.PublicKey
	// ValidUntilTS is the server-advertised validity horizon in
	// milliseconds. Zero means unknown.
	ValidUntilTS int64
	// ExpiredTS is non-zero once the origin server has rotated the key
	// away; events timestamped before it still verify.
	ExpiredTS int64
}

// ValidAt reports whether the key may vouch for an event originated at
// ts (milliseconds), under strict validity enforcement.
func (k VerifyKey) ValidAt(ts int64, enforce bool) bool {
	if !enforce {
		return true
	}
	if k.ExpiredTS != 0 && ts >= k.ExpiredTS {
		return false
	}
	if k.ValidUntilTS != 0 && ts > k.ValidUntilTS {
		return false
	}
	return true
}

// KeyFetcher obtains signing keys for remote servers. Implementations
// live outside the core (federation key API client, trusted key
// notaries); errors they return are classified with IsTransient.
type KeyFetcher interface {
	FetchKey(ctx context.Context, serverName, keyID string) (VerifyKey, error)
}

type cacheKey struct {
	server string
	keyID  string
}

// KeyCache caches remote signing keys. Reads are concurrent; writes are
// rare and guarded. Expired entries are retained indefinitely so that
// historical events keep verifying; only the live-refresh set is
// bounded, by approximate byte accounting against maxBytes.
type KeyCache struct {
	mu       sync.RWMutex
	keys     map[cacheKey]VerifyKey
	fetcher  KeyFetcher
	maxBytes int64
	bytes    int64
}

// NewKeyCache builds a cache backed by the given fetcher. maxBytes <= 0
// disables the size bound.
func NewKeyCache(fetcher KeyFetcher, maxBytes int64) *KeyCache {
	return &KeyCache{
		keys:     make(map[cacheKey]VerifyKey),
		fetcher:  fetcher,
		maxBytes: maxBytes,
	}
}

// Get returns the key for (server, keyID), fetching it on demand.
func (c *KeyCache) Get(ctx context.Context, server, keyID string) (VerifyKey, error) {
	ck := cacheKey{server: server, keyID: keyID}
	c.mu.RLock()
	k, ok := c.keys[ck]
	c.mu.RUnlock()
	if ok {
		metrics.KeyCacheHits.Inc()
		return k, nil
	}
	metrics.KeyCacheMisses.Inc()
	if c.fetcher == nil {
		return VerifyKey{}, fmt.Errorf("%w: %s/%s (no fetcher)", ErrUnknownKey, server, keyID)
	}
	fetched, err := c.fetcher.FetchKey(ctx, server, keyID)
	if err != nil {
		return VerifyKey{}, fmt.Errorf("%w: %s/%s: %v", ErrUnknownKey, server, keyID, err)
	}
	c.put(ck, fetched)
	return fetched, nil
}

// Peek returns a cached key without fetching.
func (c *KeyCache) Peek(server, keyID string) (VerifyKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[cacheKey{server: server, keyID: keyID}]
	return k, ok
}

func (c *KeyCache) put(ck cacheKey, k VerifyKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.keys[ck]; ok {
		// Never replace a key with an earlier view of it.
		if old.ValidUntilTS > k.ValidUntilTS {
			return
		}
	} else {
		c.bytes += entryBytes(ck, k)
	}
	c.keys[ck] = k
	c.evictLive()
}

// evictLive drops still-valid entries, in no particular order, while
// the bytes of still-valid entries exceed the size bound. Expired
// entries are never evicted and do not count against the bound:
// retention and refresh bounds are deliberately separate.
func (c *KeyCache) evictLive() {
	if c.maxBytes <= 0 {
		return
	}
	now := time.Now().UnixMilli()
	expired := func(k VerifyKey) bool {
		return k.ExpiredTS != 0 || (k.ValidUntilTS != 0 && k.ValidUntilTS < now)
	}
	var live int64
	for ck, k := range c.keys {
		if !expired(k) {
			live += entryBytes(ck, k)
		}
	}
	for ck, k := range c.keys {
		if live <= c.maxBytes {
			return
		}
		if expired(k) {
			continue
		}
		delete(c.keys, ck)
		c.bytes -= entryBytes(ck, k)
		live -= entryBytes(ck, k)
	}
}

func entryBytes(ck cacheKey, k VerifyKey) int64 {
	return int64(len(ck.server) + len(ck.keyID) + len(k.Key) + 16)
}

// Expiring returns the (server, keyID) pairs whose validity horizon
// falls within the given window. The refresher re-fetches these.
func (c *KeyCache) Expiring(within time.Duration) [][2]string {
	horizon := time.Now().Add(within).UnixMilli()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out [][2]string
	for ck, k := range c.keys {
		if k.ExpiredTS == 0 && k.ValidUntilTS != 0 && k.ValidUntilTS <= horizon {
			out = append(out, [2]string{ck.server, ck.keyID})
		}
	}
	return out
}

// Len returns the number of cached keys.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
