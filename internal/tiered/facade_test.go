package tiered

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/conflict"
	"github.com/smolin/medvault/internal/fieldcrypt"
	"github.com/smolin/medvault/internal/keyring"
	"github.com/smolin/medvault/internal/kvstore"
	"github.com/smolin/medvault/internal/querycache"
	"github.com/smolin/medvault/internal/record"
	"github.com/smolin/medvault/internal/remote"
	"github.com/smolin/medvault/internal/securestore"
	"github.com/smolin/medvault/internal/ttlcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// client bundles one simulated app instance: its own cache and local
// tiers, sharing only the remote store with other clients.
type client struct {
	facade    *Facade
	local     *kvstore.Memory
	cacheKV   *kvstore.Memory
	cache     *ttlcache.Cache
	conflicts *conflict.Tracker
}

func newClient(t *testing.T, rs remote.Store) *client {
	t.Helper()
	ctx := context.Background()

	keys := keyring.NewManager(securestore.NewMemoryStore(), nil)
	require.NoError(t, keys.Initialize(ctx))

	local := kvstore.NewMemory()
	cacheKV := kvstore.NewMemory()
	cache := ttlcache.New(cacheKV, "medcache", 5*time.Minute, nil)
	require.NoError(t, cache.Initialize(ctx))

	tracker := conflict.NewTracker(nil)
	queries := querycache.New(cache, nil)

	f := New(rs, cache, fieldcrypt.NewEncryptor(keys), local, tracker, queries, nil, nil, Config{
		Collection:      "medications",
		SensitiveFields: []string{"dosage", "notes"},
	})

	return &client{facade: f, local: local, cacheKV: cacheKV, cache: cache, conflicts: tracker}
}

func medFields(name, dosage string) record.Fields {
	return record.Fields{
		"name":   record.String(name),
		"dosage": record.String(dosage),
		"active": record.Bool(true),
	}
}

func TestFacade_WriteLandsInEveryTier(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	c := newClient(t, rs)

	res, err := c.facade.Write(ctx, "m1", medFields("aspirin", "100mg"))
	require.NoError(t, err)
	assert.True(t, res.Remote)
	assert.True(t, res.EncryptedLocal)
	assert.True(t, res.PlainLocal)
	assert.Nil(t, res.Conflict)

	// remote holds the record
	doc, err := rs.GetByID(ctx, "medications", "m1")
	require.NoError(t, err)
	name, _ := doc.Fields["name"].AsString()
	assert.Equal(t, "aspirin", name)

	// the encrypted tier never stores the sensitive field in the clear
	raw, err := c.local.GetString(ctx, "enc_medications_m1")
	require.NoError(t, err)
	assert.NotContains(t, raw, "100mg")

	got, err := c.facade.Read(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.Fields.Equal(medFields("aspirin", "100mg")))
}

func TestFacade_OfflineWriteServedFromEncryptedTier(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	c := newClient(t, rs)

	rs.SetUnavailable(true)

	res, err := c.facade.Write(ctx, "m1", medFields("insulin", "10 units"))
	require.NoError(t, err)
	assert.False(t, res.Remote)
	assert.True(t, res.EncryptedLocal)
	assert.True(t, res.PlainLocal)

	// the write never reached the remote
	rs.SetUnavailable(false)
	_, err = rs.GetByID(ctx, "medications", "m1")
	assert.True(t, errors.Is(err, common.ErrNotFound))
	rs.SetUnavailable(true)

	// simulate an app restart: cold cache, same local tiers
	require.True(t, c.cache.Clear(ctx))

	got, err := c.facade.Read(ctx, "m1")
	require.NoError(t, err)
	dosage, _ := got.Fields["dosage"].AsString()
	assert.Equal(t, "10 units", dosage)
}

func TestFacade_TwoClientsVersionConflict(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()

	// deterministic, strictly increasing remote timestamps
	tick := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rs.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	a := newClient(t, rs)
	b := newClient(t, rs)

	_, err := a.facade.Write(ctx, "m1", medFields("metformin", "500mg"))
	require.NoError(t, err)

	// both clients read and record the version they saw
	_, err = a.facade.Read(ctx, "m1")
	require.NoError(t, err)
	_, err = b.facade.Read(ctx, "m1")
	require.NoError(t, err)

	// A updates first
	_, err = a.facade.Write(ctx, "m1", medFields("metformin", "850mg"))
	require.NoError(t, err)

	// B's write is now based on a stale version
	res, err := b.facade.Write(ctx, "m1", medFields("metformin XR", "500mg"))
	require.NoError(t, err)
	assert.False(t, res.Remote)
	require.NotNil(t, res.Conflict)
	assert.Contains(t, res.Conflict.Data.ConflictingFields, "name")
	assert.Contains(t, res.Conflict.Data.ConflictingFields, "dosage")

	// the remote keeps A's version until the conflict is resolved
	doc, err := rs.GetByID(ctx, "medications", "m1")
	require.NoError(t, err)
	name, _ := doc.Fields["name"].AsString()
	assert.Equal(t, "metformin", name)

	// the conflict is pending on B
	pending := b.conflicts.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "m1", pending[0].RecordID)
}

func TestFacade_ConflictResolutionWritesThrough(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()

	tick := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rs.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	a := newClient(t, rs)
	b := newClient(t, rs)

	_, err := a.facade.Write(ctx, "m1", medFields("warfarin", "5mg"))
	require.NoError(t, err)
	_, err = b.facade.Read(ctx, "m1")
	require.NoError(t, err)

	_, err = a.facade.Write(ctx, "m1", medFields("warfarin", "3mg"))
	require.NoError(t, err)

	res, err := b.facade.Write(ctx, "m1", medFields("warfarin", "7.5mg"))
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)

	require.NoError(t, b.conflicts.MarkPresented(res.Conflict.ID))
	fields, err := b.facade.ResolveConflict(ctx, res.Conflict.ID, conflict.UseRemote, nil)
	require.NoError(t, err)
	dosage, _ := fields["dosage"].AsString()
	assert.Equal(t, "3mg", dosage)

	// resolution is written back unconditionally
	doc, err := rs.GetByID(ctx, "medications", "m1")
	require.NoError(t, err)
	dosage, _ = doc.Fields["dosage"].AsString()
	assert.Equal(t, "3mg", dosage)

	assert.Empty(t, b.conflicts.Pending())
}

func TestFacade_StaleVersionWithIdenticalContentIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()

	tick := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rs.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	a := newClient(t, rs)
	b := newClient(t, rs)

	same := medFields("lisinopril", "20mg")

	_, err := a.facade.Write(ctx, "m1", same)
	require.NoError(t, err)
	_, err = b.facade.Read(ctx, "m1")
	require.NoError(t, err)

	// A rewrites the identical content; B's last-seen is now stale but
	// the copies do not diverge
	_, err = a.facade.Write(ctx, "m1", same)
	require.NoError(t, err)

	res, err := b.facade.Write(ctx, "m1", same)
	require.NoError(t, err)
	assert.Nil(t, res.Conflict)
	assert.Empty(t, b.conflicts.Pending())

	// the refreshed last-seen lets the next write through
	res, err = b.facade.Write(ctx, "m1", medFields("lisinopril", "10mg"))
	require.NoError(t, err)
	assert.True(t, res.Remote)
	assert.Nil(t, res.Conflict)
}

func TestFacade_ReadFallsBackToPlainTier(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	c := newClient(t, rs)

	rs.SetUnavailable(true)
	_, err := c.facade.Write(ctx, "m1", medFields("aspirin", "100mg"))
	require.NoError(t, err)
	require.True(t, c.cache.Clear(ctx))

	// corrupt the encrypted tier entry
	require.NoError(t, c.local.SetString(ctx, "enc_medications_m1", "not json"))

	got, err := c.facade.Read(ctx, "m1")
	require.NoError(t, err)
	name, _ := got.Fields["name"].AsString()
	assert.Equal(t, "aspirin", name)
}

func TestFacade_ReadExhaustsAllTiers(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	c := newClient(t, rs)

	rs.SetUnavailable(true)
	_, err := c.facade.Read(ctx, "missing")
	assert.True(t, errors.Is(err, common.ErrRecordUnavailable))
}

func TestFacade_RemoteNotFoundIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	c := newClient(t, rs)

	_, err := c.facade.Read(ctx, "missing")
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.False(t, errors.Is(err, common.ErrRecordUnavailable))
}

func TestFacade_DeleteClearsEveryTier(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	c := newClient(t, rs)

	_, err := c.facade.Write(ctx, "m1", medFields("aspirin", "100mg"))
	require.NoError(t, err)

	require.NoError(t, c.facade.Delete(ctx, "m1"))

	_, err = rs.GetByID(ctx, "medications", "m1")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	rs.SetUnavailable(true)
	_, err = c.facade.Read(ctx, "m1")
	assert.True(t, errors.Is(err, common.ErrRecordUnavailable))
}

func TestFacade_ClearAllLeavesOtherCollectionsAlone(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	c := newClient(t, rs)

	_, err := c.facade.Write(ctx, "m1", medFields("aspirin", "100mg"))
	require.NoError(t, err)

	// a record of another collection sharing the same local store
	require.NoError(t, c.local.SetString(ctx, "plain_appointments_a1", `{"fields":{}}`))

	require.NoError(t, c.facade.ClearAll(ctx))

	// the local tiers for this collection are gone
	rs.SetUnavailable(true)
	_, err = c.facade.Read(ctx, "m1")
	assert.True(t, errors.Is(err, common.ErrRecordUnavailable))

	// the foreign collection entry survives
	_, err = c.local.GetString(ctx, "plain_appointments_a1")
	require.NoError(t, err)

	// the remote copy is untouched
	rs.SetUnavailable(false)
	_, err = rs.GetByID(ctx, "medications", "m1")
	require.NoError(t, err)
}

func TestFacade_QueryRecordsCachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	c := newClient(t, rs)

	_, err := c.facade.Write(ctx, "m1", medFields("aspirin", "100mg"))
	require.NoError(t, err)
	_, err = c.facade.Write(ctx, "m2", medFields("ibuprofen", "400mg"))
	require.NoError(t, err)

	filters := []remote.Filter{{Field: "active", Op: "==", Value: record.Bool(true)}}

	out, err := c.facade.QueryRecords(ctx, filters, time.Minute)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// a change made behind the facade's back is masked by the cache
	require.NoError(t, rs.SetDocument(ctx, "medications", "m3", medFields("insulin", "10 units")))
	out, err = c.facade.QueryRecords(ctx, filters, time.Minute)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	// a write through the facade invalidates the cached result set
	_, err = c.facade.Write(ctx, "m4", medFields("warfarin", "5mg"))
	require.NoError(t, err)
	out, err = c.facade.QueryRecords(ctx, filters, time.Minute)
	require.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestFacade_OfflineProbeSkipsRemote(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()

	keys := keyring.NewManager(securestore.NewMemoryStore(), nil)
	require.NoError(t, keys.Initialize(ctx))
	local := kvstore.NewMemory()
	cache := ttlcache.New(kvstore.NewMemory(), "medcache", 5*time.Minute, nil)
	require.NoError(t, cache.Initialize(ctx))

	probe := NewProbe(PingStore(rs, "medications"), time.Hour, nil)
	probe.MarkOffline()

	f := New(rs, cache, fieldcrypt.NewEncryptor(keys), local, conflict.NewTracker(nil), nil, probe, nil, Config{
		Collection:      "medications",
		SensitiveFields: []string{"dosage"},
	})

	res, err := f.Write(ctx, "m1", medFields("aspirin", "100mg"))
	require.NoError(t, err)
	assert.False(t, res.Remote)

	// the remote was reachable the whole time; the probe flag alone
	// kept the facade away from it
	_, err = rs.GetByID(ctx, "medications", "m1")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	// once the probe recovers, writes reach the remote again
	probe.MarkOnline()
	res, err = f.Write(ctx, "m1", medFields("aspirin", "100mg"))
	require.NoError(t, err)
	assert.True(t, res.Remote)
}
