package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compile-time interface checks for all backends
var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
	_ Store = (*S3)(nil)
)

func TestMemory_SetGetDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetByID(ctx, "medications", "m1")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	fields := record.Fields{"name": record.String("aspirin")}
	require.NoError(t, m.SetDocument(ctx, "medications", "m1", fields))

	doc, err := m.GetByID(ctx, "medications", "m1")
	require.NoError(t, err)
	assert.True(t, doc.Fields.Equal(fields))
	assert.False(t, doc.LastUpdate.IsZero())

	require.NoError(t, m.DeleteDocument(ctx, "medications", "m1"))
	// deleting twice is not an error
	require.NoError(t, m.DeleteDocument(ctx, "medications", "m1"))

	_, err = m.GetByID(ctx, "medications", "m1")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestMemory_VersionPrecondition(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetDocument(ctx, "medications", "m1",
		record.Fields{"name": record.String("v1")}))
	doc, err := m.GetByID(ctx, "medications", "m1")
	require.NoError(t, err)
	seen := doc.LastUpdate

	// conditional write with the correct last-seen timestamp succeeds
	require.NoError(t, m.SetDocument(ctx, "medications", "m1",
		record.Fields{"name": record.String("v2")}, WithLastSeen(seen)))

	// the same last-seen is now stale
	err = m.SetDocument(ctx, "medications", "m1",
		record.Fields{"name": record.String("v3")}, WithLastSeen(seen))
	assert.True(t, errors.Is(err, common.ErrVersionConflict))

	doc, err = m.GetByID(ctx, "medications", "m1")
	require.NoError(t, err)
	name, _ := doc.Fields["name"].AsString()
	assert.Equal(t, "v2", name)
}

func TestMemory_Unavailable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.SetUnavailable(true)

	_, err := m.GetByID(ctx, "c", "id")
	assert.True(t, errors.Is(err, common.ErrRemoteUnavailable))

	err = m.SetDocument(ctx, "c", "id", record.Fields{})
	assert.True(t, errors.Is(err, common.ErrRemoteUnavailable))

	item := <-m.StreamCollection(ctx, "c", nil)
	assert.True(t, errors.Is(item.Err, common.ErrRemoteUnavailable))

	m.SetUnavailable(false)
	require.NoError(t, m.SetDocument(ctx, "c", "id", record.Fields{}))
}

func TestMemory_StreamWithFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	docs := map[string]record.Fields{
		"m1": {"name": record.String("aspirin"), "dose": record.Number(100), "active": record.Bool(true)},
		"m2": {"name": record.String("ibuprofen"), "dose": record.Number(400), "active": record.Bool(true)},
		"m3": {"name": record.String("insulin"), "dose": record.Number(10), "active": record.Bool(false)},
	}
	for id, f := range docs {
		require.NoError(t, m.SetDocument(ctx, "medications", id, f))
	}

	var got []string
	for item := range m.StreamCollection(ctx, "medications", []Filter{
		{Field: "active", Op: "==", Value: record.Bool(true)},
		{Field: "dose", Op: ">=", Value: record.Number(100)},
	}) {
		require.NoError(t, item.Err)
		got = append(got, item.ID)
	}
	assert.Equal(t, []string{"m1", "m2"}, got)
}

func TestMatchFilters_AbsentFieldAndBadOp(t *testing.T) {
	doc := &record.Document{
		Fields:     record.Fields{"name": record.String("x")},
		LastUpdate: time.Now(),
	}

	assert.False(t, matchFilters(doc, []Filter{{Field: "missing", Op: "==", Value: record.Null()}}))
	assert.True(t, matchFilters(doc, []Filter{{Field: "missing", Op: "!=", Value: record.String("y")}}))
	assert.False(t, matchFilters(doc, []Filter{{Field: "name", Op: "~", Value: record.String("x")}}))
	// ordering ops require numbers on both sides
	assert.False(t, matchFilters(doc, []Filter{{Field: "name", Op: ">", Value: record.Number(1)}}))
}
