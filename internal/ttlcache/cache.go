// Package ttlcache layers time-bounded caching on a persistent
// key-value backend. Every entry carries an optional expiry instant;
// the expiry index is persisted alongside the values as a single JSON
// object and reloaded on initialization.
//
// Cache failures never propagate as errors from the write path: Set
// reports false and the caller's primary write proceeds.
package ttlcache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/smolin/medvault/internal/kvstore"
	"github.com/smolin/medvault/internal/logging"
)

// NoExpiry as a TTL stores an entry that never expires until it is
// explicitly invalidated.
const NoExpiry time.Duration = 0

const expiryIndexSuffix = "_expiry_times"

// Cache is a namespaced TTL cache over a kvstore.KV. All keys are
// stored as "<prefix>_<logicalKey>"; foreign keys sharing the backend
// are never touched.
type Cache struct {
	kv         kvstore.KV
	prefix     string
	defaultTTL time.Duration
	log        logging.Logger

	now func() time.Time

	// mu guards the expiry index read-modify-write cycle. Value reads
	// and writes for distinct keys are not serialized against each
	// other.
	mu     sync.Mutex
	expiry map[string]time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces the time source; tests use it to control expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns an uninitialized cache; call Initialize before use.
func New(kv kvstore.KV, prefix string, defaultTTL time.Duration, log logging.Logger, opts ...Option) *Cache {
	if log == nil {
		log = logging.NopLogger{}
	}
	c := &Cache{
		kv:         kv,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		log:        log,
		now:        time.Now,
		expiry:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) storageKey(key string) string { return c.prefix + "_" + key }

func (c *Cache) indexKey() string { return c.prefix + expiryIndexSuffix }

// Initialize loads the persisted expiry index. A missing or corrupt
// index degrades to "nothing is known to be expired" rather than
// failing.
func (c *Cache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expiry = make(map[string]time.Time)

	raw, err := c.kv.GetString(ctx, c.indexKey())
	if err != nil {
		return nil
	}

	var stored map[string]string
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		c.log.Warn(ctx, "expiry index corrupt, treating as empty", "prefix", c.prefix, "err", err)
		return nil
	}
	for k, v := range stored {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.log.Warn(ctx, "dropping unparsable expiry entry", "key", k, "err", err)
			continue
		}
		c.expiry[k] = t
	}
	return nil
}

// persistIndexLocked writes the expiry index. Callers hold c.mu.
func (c *Cache) persistIndexLocked(ctx context.Context) error {
	stored := make(map[string]string, len(c.expiry))
	for k, t := range c.expiry {
		stored[k] = t.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return c.kv.SetString(ctx, c.indexKey(), string(b))
}

// Set stores value under key with the cache's default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) bool {
	return c.SetTTL(ctx, key, value, c.defaultTTL)
}

// SetTTL stores value with an explicit TTL (NoExpiry for none).
// Scalars are stored natively; any other type is JSON-encoded. Returns
// false on storage failure instead of an error so cache writes never
// block the primary write path.
func (c *Cache) SetTTL(ctx context.Context, key string, value any, ttl time.Duration) bool {
	var err error
	sk := c.storageKey(key)

	switch v := value.(type) {
	case string:
		err = c.kv.SetString(ctx, sk, v)
	case int:
		err = c.kv.SetInt64(ctx, sk, int64(v))
	case int64:
		err = c.kv.SetInt64(ctx, sk, v)
	case float64:
		err = c.kv.SetFloat64(ctx, sk, v)
	case bool:
		err = c.kv.SetBool(ctx, sk, v)
	default:
		var b []byte
		b, err = json.Marshal(v)
		if err == nil {
			err = c.kv.SetString(ctx, sk, string(b))
		}
	}
	if err != nil {
		c.log.Warn(ctx, "cache write failed", "key", key, "err", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl > 0 {
		c.expiry[key] = c.now().Add(ttl)
	} else {
		delete(c.expiry, key)
	}
	if err := c.persistIndexLocked(ctx); err != nil {
		// the value landed; a stale index only shortens or extends a
		// lifetime, it never loses the value itself
		c.log.Warn(ctx, "expiry index write failed", "key", key, "err", err)
	}
	return true
}

// expired reports whether key is past its expiry. Keys without an
// index entry are not known to be expired.
func (c *Cache) expired(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.expiry[key]
	if !ok {
		return false
	}
	return !c.now().Before(exp)
}

// Get retrieves a typed value. It returns the zero value and false if
// the key is absent, the stored value cannot be decoded as T, or the
// entry is past its expiry. Reading never mutates state; expired
// entries are removed only by CleanExpiredEntries.
func Get[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	return get[T](ctx, c, key, false)
}

// GetIgnoreExpiry is Get without the freshness check.
func GetIgnoreExpiry[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	return get[T](ctx, c, key, true)
}

func get[T any](ctx context.Context, c *Cache, key string, ignoreExpiry bool) (T, bool) {
	var zero T

	if !ignoreExpiry && c.expired(key) {
		return zero, false
	}

	sk := c.storageKey(key)

	switch any(zero).(type) {
	case string:
		v, err := c.kv.GetString(ctx, sk)
		if err != nil {
			return zero, false
		}
		return any(v).(T), true
	case int:
		v, err := c.kv.GetInt64(ctx, sk)
		if err != nil {
			return zero, false
		}
		return any(int(v)).(T), true
	case int64:
		v, err := c.kv.GetInt64(ctx, sk)
		if err != nil {
			return zero, false
		}
		return any(v).(T), true
	case float64:
		v, err := c.kv.GetFloat64(ctx, sk)
		if err != nil {
			return zero, false
		}
		return any(v).(T), true
	case bool:
		v, err := c.kv.GetBool(ctx, sk)
		if err != nil {
			return zero, false
		}
		return any(v).(T), true
	default:
		raw, err := c.kv.GetString(ctx, sk)
		if err != nil {
			return zero, false
		}
		var out T
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return zero, false
		}
		return out, true
	}
}

// ContainsKey reports whether key is present, and (unless checkExpiry
// is false) fresh. It agrees with Get: present-and-fresh here means
// retrievable there.
func (c *Cache) ContainsKey(ctx context.Context, key string, checkExpiry bool) bool {
	if checkExpiry && c.expired(key) {
		return false
	}
	ok, err := c.kv.Contains(ctx, c.storageKey(key))
	if err != nil {
		return false
	}
	return ok
}

// Remove deletes one entry and its expiry record. Returns false on
// storage failure.
func (c *Cache) Remove(ctx context.Context, key string) bool {
	if err := c.kv.Remove(ctx, c.storageKey(key)); err != nil {
		c.log.Warn(ctx, "cache remove failed", "key", key, "err", err)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expiry, key)
	if err := c.persistIndexLocked(ctx); err != nil {
		c.log.Warn(ctx, "expiry index write failed", "key", key, "err", err)
	}
	return true
}

// Clear removes every key under this cache's prefix, including the
// expiry index. Keys belonging to other namespaces on the same backend
// are left alone.
func (c *Cache) Clear(ctx context.Context) bool {
	keys, err := c.kv.GetAllKeys(ctx)
	if err != nil {
		c.log.Warn(ctx, "cache clear failed", "prefix", c.prefix, "err", err)
		return false
	}

	ok := true
	for _, k := range keys {
		if !strings.HasPrefix(k, c.prefix+"_") {
			continue
		}
		if err := c.kv.Remove(ctx, k); err != nil {
			c.log.Warn(ctx, "cache clear: remove failed", "key", k, "err", err)
			ok = false
		}
	}

	c.mu.Lock()
	c.expiry = make(map[string]time.Time)
	c.mu.Unlock()
	return ok
}

// CleanExpiredEntries removes entries whose expiry has passed and
// returns how many were removed. Index entries for keys the value
// store no longer holds are dropped as well; they count only if a
// value was actually deleted. Failures degrade to 0, never an error.
func (c *Cache) CleanExpiredEntries(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, exp := range c.expiry {
		if now.Before(exp) {
			continue
		}
		existed, err := c.kv.Contains(ctx, c.storageKey(key))
		if err != nil {
			continue
		}
		if err := c.kv.Remove(ctx, c.storageKey(key)); err != nil {
			c.log.Warn(ctx, "cleanup remove failed", "key", key, "err", err)
			continue
		}
		delete(c.expiry, key)
		if existed {
			removed++
		}
	}
	if err := c.persistIndexLocked(ctx); err != nil {
		c.log.Warn(ctx, "expiry index write failed after cleanup", "err", err)
	}
	return removed
}

// Keys returns the logical keys currently stored under this cache's
// prefix, fresh or not. The expiry index itself is excluded.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	all, err := c.kv.GetAllKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range all {
		if k == c.indexKey() || !strings.HasPrefix(k, c.prefix+"_") {
			continue
		}
		out = append(out, strings.TrimPrefix(k, c.prefix+"_"))
	}
	return out, nil
}
