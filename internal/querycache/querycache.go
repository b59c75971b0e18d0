// Package querycache caches remote query results under a deterministic
// signature derived from the query shape, and invalidates them
// conservatively on any write to the underlying collection.
package querycache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/smolin/medvault/internal/logging"
	"github.com/smolin/medvault/internal/record"
	"github.com/smolin/medvault/internal/ttlcache"
)

// Filter is one predicate of a query.
type Filter struct {
	Field string       `json:"field"`
	Op    string       `json:"op"`
	Value record.Value `json:"value"`
}

// Query describes a remote read: collection, predicates, ordering and
// pagination. Its Signature is stable across filter ordering.
type Query struct {
	Collection string   `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
	OrderBy    string   `json:"order_by,omitempty"`
	Descending bool     `json:"descending,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Offset     int      `json:"offset,omitempty"`
}

// Signature returns a deterministic digest of the query parameters.
// Filters are sorted before hashing so logically identical queries
// share a cache entry.
func (q Query) Signature() string {
	canon := q
	canon.Filters = append([]Filter(nil), q.Filters...)
	sort.Slice(canon.Filters, func(i, j int) bool {
		a, b := canon.Filters[i], canon.Filters[j]
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.Op != b.Op {
			return a.Op < b.Op
		}
		return a.Value.StringForm() < b.Value.StringForm()
	})

	b, err := json.Marshal(canon)
	if err != nil {
		// Query is a closed struct of marshalable fields; this cannot
		// happen for well-formed values
		return q.Collection + ":unhashable"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// cacheKey namespaces signatures per collection so writes can clear
// them by prefix.
func cacheKey(q Query) string {
	return "query_" + q.Collection + "_" + q.Signature()
}

// ResultCache sits in front of the remote store's query path.
type ResultCache struct {
	cache *ttlcache.Cache
	log   logging.Logger
}

func New(cache *ttlcache.Cache, log logging.Logger) *ResultCache {
	if log == nil {
		log = logging.NopLogger{}
	}
	return &ResultCache{cache: cache, log: log}
}

// Cached returns the cached result for q if fresh; otherwise it invokes
// fetch, stores the result under the query's signature with the given
// TTL, and returns it. Cache failures degrade to calling fetch.
func Cached[T any](ctx context.Context, rc *ResultCache, q Query, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	key := cacheKey(q)

	if hit, ok := ttlcache.Get[T](ctx, rc.cache, key); ok {
		rc.log.Debug(ctx, "query cache hit", "collection", q.Collection)
		return hit, nil
	}

	out, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if !rc.cache.SetTTL(ctx, key, out, ttl) {
		rc.log.Warn(ctx, "query result not cached", "collection", q.Collection)
	}
	return out, nil
}

// Invalidate clears every cached query for the collection. Correctness
// over hit rate: any write to the collection drops all of its result
// sets.
func (rc *ResultCache) Invalidate(ctx context.Context, collection string) {
	keys, err := rc.cache.Keys(ctx)
	if err != nil {
		rc.log.Warn(ctx, "query cache invalidation failed", "collection", collection, "err", err)
		return
	}
	prefix := "query_" + collection + "_"
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			rc.cache.Remove(ctx, k)
		}
	}
}
