package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_GetOnMissingReturnsNotFoundNotError(t *testing.T) {
	s := NewMemStore()
	rec, found, err := s.Get(context.Background(), "realm-a", "user-1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, rec)
}

func TestMemStore_PutThenGetRoundTrips(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	rec := &Record{TemplateID: 42, EncoderVersion: "v3", ExpiresAt: time.Now().Add(time.Hour)}

	require.NoError(t, s.Put(ctx, "realm-a", "user-1", rec))
	got, found, err := s.Get(ctx, "realm-a", "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), got.TemplateID)

	// Mutating the returned copy must not corrupt the store.
	got.TemplateID = 0
	got2, _, _ := s.Get(ctx, "realm-a", "user-1")
	assert.Equal(t, int64(42), got2.TemplateID)
}

func TestMemStore_PutReplacesExistingRecord(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "realm-a", "user-1", &Record{TemplateID: 1}))
	require.NoError(t, s.Put(ctx, "realm-a", "user-1", &Record{TemplateID: 2}))

	got, found, err := s.Get(ctx, "realm-a", "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), got.TemplateID)
}

func TestMemStore_DeleteIsIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Delete(ctx, "realm-a", "user-1"))
	require.NoError(t, s.Put(ctx, "realm-a", "user-1", &Record{TemplateID: 1}))
	require.NoError(t, s.Delete(ctx, "realm-a", "user-1"))
	require.NoError(t, s.Delete(ctx, "realm-a", "user-1"))

	_, found, err := s.Get(ctx, "realm-a", "user-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecord_Expired(t *testing.T) {
	r := &Record{ExpiresAt: time.Unix(1000, 0)}
	assert.True(t, r.Expired(time.Unix(1001, 0)))
	assert.False(t, r.Expired(time.Unix(999, 0)))
}
