// Package tiered orchestrates reads and writes across the three
// storage tiers: the remote authoritative store, the encrypted local
// tier and the unencrypted local fallback, with a TTL cache in front.
//
// The policy is offline-first: writes go through to the remote when it
// is reachable and always land in both local tiers; reads serve from
// cache when fresh and fall back tier by tier. Divergence between
// local and remote copies is surfaced as a conflict instead of being
// overwritten.
package tiered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/conflict"
	"github.com/smolin/medvault/internal/fieldcrypt"
	"github.com/smolin/medvault/internal/kvstore"
	"github.com/smolin/medvault/internal/logging"
	"github.com/smolin/medvault/internal/querycache"
	"github.com/smolin/medvault/internal/record"
	"github.com/smolin/medvault/internal/remote"
	"github.com/smolin/medvault/internal/ttlcache"
)

// Config binds a facade to one collection and its sensitive fields.
type Config struct {
	Collection      string
	SensitiveFields []string
}

// WriteResult reports the per-tier outcome of one Write. The tiers are
// independent best-effort operations, never a transaction; callers must
// tolerate partial success and rely on the next read to converge.
type WriteResult struct {
	Remote         bool
	EncryptedLocal bool
	PlainLocal     bool

	// Conflict is set when the remote rejected the write because its
	// stored version differs from what this client last read.
	Conflict *conflict.Item
}

// StoredRecord is a query result row.
type StoredRecord struct {
	ID         string        `json:"id"`
	Fields     record.Fields `json:"fields"`
	LastUpdate time.Time     `json:"last_update"`
}

// storedDoc is the JSON envelope both local tiers persist.
type storedDoc struct {
	Fields     record.Fields `json:"fields"`
	LastUpdate time.Time     `json:"last_update"`
}

// Facade is the single entry point the UI layers use for record I/O.
type Facade struct {
	remote    remote.Store
	cache     *ttlcache.Cache
	enc       *fieldcrypt.Encryptor
	local     kvstore.KV
	conflicts *conflict.Tracker
	queries   *querycache.ResultCache
	probe     *Probe
	log       logging.Logger

	collection string
	sensitive  fieldcrypt.FieldSet
	now        func() time.Time
}

// New wires the facade. probe and queries may be nil: without a probe
// the remote is always attempted, without a query cache collection
// writes skip result-set invalidation.
func New(
	rs remote.Store,
	cache *ttlcache.Cache,
	enc *fieldcrypt.Encryptor,
	local kvstore.KV,
	conflicts *conflict.Tracker,
	queries *querycache.ResultCache,
	probe *Probe,
	log logging.Logger,
	cfg Config,
) *Facade {
	if log == nil {
		log = logging.NopLogger{}
	}
	return &Facade{
		remote:     rs,
		cache:      cache,
		enc:        enc,
		local:      local,
		conflicts:  conflicts,
		queries:    queries,
		probe:      probe,
		log:        log,
		collection: cfg.Collection,
		sensitive:  fieldcrypt.NewFieldSet(cfg.SensitiveFields...),
		now:        time.Now,
	}
}

func (f *Facade) cacheKey(id string) string { return "rec_" + f.collection + "_" + id }

func (f *Facade) encKey(id string) string { return "enc_" + f.collection + "_" + id }

func (f *Facade) plainKey(id string) string { return "plain_" + f.collection + "_" + id }

func (f *Facade) lastSeenKey(id string) string { return "meta_lastseen_" + f.collection + "_" + id }

func (f *Facade) remoteReachable() bool {
	return f.probe == nil || f.probe.Online()
}

// Read returns the record, trying cache, remote, encrypted local and
// plain local in that order. Only when every tier is exhausted does it
// fail, with ErrRecordUnavailable.
func (f *Facade) Read(ctx context.Context, id string) (*record.Document, error) {
	if doc, ok := ttlcache.Get[storedDoc](ctx, f.cache, f.cacheKey(id)); ok {
		return &record.Document{Fields: doc.Fields, LastUpdate: doc.LastUpdate}, nil
	}

	if f.remoteReachable() {
		doc, err := f.remote.GetByID(ctx, f.collection, id)
		switch {
		case err == nil:
			if f.probe != nil {
				f.probe.MarkOnline()
			}
			f.afterRemoteRead(ctx, id, doc)
			return doc, nil
		case errors.Is(err, common.ErrNotFound):
			// the authoritative store answered: the record does not exist
			return nil, common.ErrNotFound
		default:
			if f.probe != nil && errors.Is(err, common.ErrRemoteUnavailable) {
				f.probe.MarkOffline()
			}
			f.log.Warn(ctx, "remote read failed, falling back to local tiers", "id", id, "err", err)
		}
	} else {
		f.log.Debug(ctx, "remote known unavailable, skipping", "id", id)
	}

	if doc, err := f.readEncryptedTier(ctx, id); err == nil {
		return doc, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		// failed decryption may indicate key loss or tampering; it is
		// logged distinctly but still falls through to the plain tier
		f.log.Error(ctx, "encrypted tier read failed", "id", id, "err", err)
	}

	if doc, err := f.readPlainTier(ctx, id); err == nil {
		return doc, nil
	}

	return nil, fmt.Errorf("%w: %s/%s", common.ErrRecordUnavailable, f.collection, id)
}

// afterRemoteRead write-throughs a fresh remote document into the cache
// and the encrypted tier and refreshes the last-seen version.
func (f *Facade) afterRemoteRead(ctx context.Context, id string, doc *record.Document) {
	f.cache.Set(ctx, f.cacheKey(id), storedDoc{Fields: doc.Fields, LastUpdate: doc.LastUpdate})
	if err := f.writeEncryptedTier(ctx, id, doc); err != nil {
		f.log.Warn(ctx, "encrypted tier write-through failed", "id", id, "err", err)
	}
	f.saveLastSeen(ctx, id, doc.LastUpdate)
}

func (f *Facade) readEncryptedTier(ctx context.Context, id string) (*record.Document, error) {
	raw, err := f.local.GetString(ctx, f.encKey(id))
	if err != nil {
		return nil, err
	}
	var doc storedDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: encrypted tier envelope: %v", common.ErrDecryption, err)
	}
	fields, err := f.enc.DecryptRecord(doc.Fields, f.sensitive)
	if err != nil {
		return nil, err
	}
	return &record.Document{Fields: fields, LastUpdate: doc.LastUpdate}, nil
}

func (f *Facade) writeEncryptedTier(ctx context.Context, id string, doc *record.Document) error {
	fields, err := f.enc.EncryptRecord(doc.Fields, f.sensitive)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(storedDoc{Fields: fields, LastUpdate: doc.LastUpdate})
	if err != nil {
		return err
	}
	return f.local.SetString(ctx, f.encKey(id), string(raw))
}

func (f *Facade) readPlainTier(ctx context.Context, id string) (*record.Document, error) {
	raw, err := f.local.GetString(ctx, f.plainKey(id))
	if err != nil {
		return nil, err
	}
	var doc storedDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return &record.Document{Fields: doc.Fields, LastUpdate: doc.LastUpdate}, nil
}

func (f *Facade) writePlainTier(ctx context.Context, id string, doc *record.Document) error {
	raw, err := json.Marshal(storedDoc{Fields: doc.Fields, LastUpdate: doc.LastUpdate})
	if err != nil {
		return err
	}
	return f.local.SetString(ctx, f.plainKey(id), string(raw))
}

func (f *Facade) saveLastSeen(ctx context.Context, id string, t time.Time) {
	if err := f.local.SetString(ctx, f.lastSeenKey(id), t.UTC().Format(time.RFC3339Nano)); err != nil {
		f.log.Warn(ctx, "last-seen update failed", "id", id, "err", err)
	}
}

func (f *Facade) lastSeen(ctx context.Context, id string) (time.Time, bool) {
	raw, err := f.local.GetString(ctx, f.lastSeenKey(id))
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Write stores the record in every tier, best effort. The remote write
// goes first and is version-checked against the last-seen timestamp;
// a rejected write surfaces a conflict through the tracker instead of
// overwriting. Both local tiers and the cache are updated regardless
// of the remote outcome so they are never missing data the remote has
// accepted.
func (f *Facade) Write(ctx context.Context, id string, fields record.Fields) (*WriteResult, error) {
	res := &WriteResult{}
	now := f.now()

	if f.remoteReachable() {
		var opts []remote.SetOption
		if seen, ok := f.lastSeen(ctx, id); ok {
			opts = append(opts, remote.WithLastSeen(seen))
		}
		err := f.remote.SetDocument(ctx, f.collection, id, fields, opts...)
		switch {
		case err == nil:
			res.Remote = true
			if f.probe != nil {
				f.probe.MarkOnline()
			}
			// pick up the remote-assigned lastUpdate for the next
			// conditional write
			if doc, rerr := f.remote.GetByID(ctx, f.collection, id); rerr == nil {
				f.saveLastSeen(ctx, id, doc.LastUpdate)
			}
		case errors.Is(err, common.ErrVersionConflict):
			res.Conflict = f.raiseConflict(ctx, id, fields, now)
		default:
			if f.probe != nil && errors.Is(err, common.ErrRemoteUnavailable) {
				f.probe.MarkOffline()
			}
			f.log.Warn(ctx, "remote write failed", "id", id, "err", err)
		}
	} else {
		f.log.Debug(ctx, "remote known unavailable, writing locally only", "id", id)
	}

	doc := &record.Document{Fields: fields, LastUpdate: now}

	if err := f.writeEncryptedTier(ctx, id, doc); err != nil {
		f.log.Warn(ctx, "encrypted tier write failed", "id", id, "err", err)
	} else {
		res.EncryptedLocal = true
	}

	if err := f.writePlainTier(ctx, id, doc); err != nil {
		f.log.Warn(ctx, "plain tier write failed", "id", id, "err", err)
	} else {
		res.PlainLocal = true
	}

	f.cache.Set(ctx, f.cacheKey(id), storedDoc{Fields: fields, LastUpdate: now})

	if f.queries != nil {
		f.queries.Invalidate(ctx, f.collection)
	}

	return res, nil
}

// raiseConflict fetches the winning remote copy and registers the
// divergence with the tracker. A remote copy with identical content is
// not a conflict; the last-seen version is simply refreshed.
func (f *Facade) raiseConflict(ctx context.Context, id string, local record.Fields, localTS time.Time) *conflict.Item {
	remoteDoc, err := f.remote.GetByID(ctx, f.collection, id)
	if err != nil {
		f.log.Warn(ctx, "conflict detected but remote copy unreadable", "id", id, "err", err)
		return nil
	}

	data := conflict.Detect(local, remoteDoc.Fields, localTS, remoteDoc.LastUpdate)
	if data == nil {
		f.saveLastSeen(ctx, id, remoteDoc.LastUpdate)
		return nil
	}
	return f.conflicts.Add(ctx, id, data)
}

// ResolveConflict applies a strategy to a pending conflict and writes
// the outcome back through every tier, unconditionally: the resolution
// is the new authoritative content.
func (f *Facade) ResolveConflict(ctx context.Context, conflictID string, strategy conflict.Strategy, fieldChoices map[string]conflict.Side) (record.Fields, error) {
	item, ok := f.conflicts.Get(conflictID)
	if !ok {
		return nil, fmt.Errorf("unknown conflict %s", conflictID)
	}
	recordID := item.RecordID

	fields, err := f.conflicts.Resolve(ctx, conflictID, strategy, fieldChoices)
	if err != nil {
		return nil, err
	}

	// drop the stale last-seen so the write is unconditional
	if err := f.local.Remove(ctx, f.lastSeenKey(recordID)); err != nil {
		f.log.Warn(ctx, "last-seen reset failed", "id", recordID, "err", err)
	}

	if _, err := f.Write(ctx, recordID, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// QueryRecords streams the collection from the remote store through
// the query result cache.
func (f *Facade) QueryRecords(ctx context.Context, filters []remote.Filter, ttl time.Duration) ([]StoredRecord, error) {
	fetch := func(ctx context.Context) ([]StoredRecord, error) {
		var out []StoredRecord
		for item := range f.remote.StreamCollection(ctx, f.collection, filters) {
			if item.Err != nil {
				return nil, item.Err
			}
			out = append(out, StoredRecord{
				ID:         item.ID,
				Fields:     item.Doc.Fields,
				LastUpdate: item.Doc.LastUpdate,
			})
		}
		return out, nil
	}

	if f.queries == nil {
		return fetch(ctx)
	}

	q := querycache.Query{Collection: f.collection}
	for _, flt := range filters {
		q.Filters = append(q.Filters, querycache.Filter{
			Field: flt.Field, Op: flt.Op, Value: flt.Value,
		})
	}
	return querycache.Cached(ctx, f.queries, q, ttl, fetch)
}

// Delete removes the record from the remote (best effort) and from
// every local tier.
func (f *Facade) Delete(ctx context.Context, id string) error {
	if f.remoteReachable() {
		if err := f.remote.DeleteDocument(ctx, f.collection, id); err != nil {
			if f.probe != nil && errors.Is(err, common.ErrRemoteUnavailable) {
				f.probe.MarkOffline()
			}
			f.log.Warn(ctx, "remote delete failed", "id", id, "err", err)
		}
	}

	for _, key := range []string{f.encKey(id), f.plainKey(id), f.lastSeenKey(id)} {
		if err := f.local.Remove(ctx, key); err != nil {
			f.log.Warn(ctx, "local delete failed", "key", key, "err", err)
		}
	}
	f.cache.Remove(ctx, f.cacheKey(id))

	if f.queries != nil {
		f.queries.Invalidate(ctx, f.collection)
	}
	return nil
}

// ClearAll wipes the cache and both local tiers for this collection.
// Best effort, not atomic: a failing tier is reported but the
// remaining tiers are still attempted. The remote store is left
// untouched; it is the authoritative copy.
func (f *Facade) ClearAll(ctx context.Context) error {
	var failed []string

	if !f.cache.Clear(ctx) {
		failed = append(failed, "cache")
	}

	keys, err := f.local.GetAllKeys(ctx)
	if err != nil {
		failed = append(failed, "local")
	} else {
		prefixes := []string{
			"enc_" + f.collection + "_",
			"plain_" + f.collection + "_",
			"meta_lastseen_" + f.collection + "_",
		}
		for _, k := range keys {
			for _, p := range prefixes {
				if strings.HasPrefix(k, p) {
					if err := f.local.Remove(ctx, k); err != nil {
						failed = append(failed, k)
					}
					break
				}
			}
		}
	}

	if f.queries != nil {
		f.queries.Invalidate(ctx, f.collection)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: clear incomplete for %v", common.ErrCacheIO, failed)
	}
	return nil
}

// PendingConflicts exposes the tracker's pending stream for the UI.
func (f *Facade) PendingConflicts() *conflict.Tracker {
	return f.conflicts
}
