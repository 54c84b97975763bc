package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/store"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bws"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/credential"
)

func newTestBWSClient(t *testing.T, handler http.HandlerFunc) *bws.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := bws.NewClient(bws.ClientConfig{
		ClientID:        "client-1",
		SecretKey:       "a-reasonably-long-secret-value-for-testing",
		Endpoints:       map[bws.Region]string{"EU": srv.URL},
		PreferredRegion: "EU",
		ChannelPoolSize: 2,
		KeepAlive:       time.Second,
		TokenTTL:        time.Minute,
	})
	require.NoError(t, err)
	return client
}

func TestCleanupExpired_RemovesExpiredRecordsOnly(t *testing.T) {
	store := credential.NewMemStore()
	now := time.Now()
	require.NoError(t, store.Put(context.Background(), "realm-1", "expired-user", &credential.Record{
		TemplateID: 1, ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.Put(context.Background(), "realm-1", "live-user", &credential.Record{
		TemplateID: 2, ExpiresAt: now.Add(time.Hour),
	}))

	bwsClient := newTestBWSClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"outcome": "deleted"})
	})

	m := &Manager{BWS: bwsClient, Store: store, Now: func() time.Time { return now }}
	deleted, failed := m.CleanupExpired(context.Background(), "realm-1", []string{"expired-user", "live-user"})
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 0, failed)

	_, found, err := store.Get(context.Background(), "realm-1", "expired-user")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = store.Get(context.Background(), "realm-1", "live-user")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestHealthReport_ClassifiesEachIdentity(t *testing.T) {
	credStore := credential.NewMemStore()
	now := time.Now()
	require.NoError(t, credStore.Put(context.Background(), "realm-1", "healthy-user", &credential.Record{
		TemplateID: 1, EncoderVersion: "v2", ExpiresAt: now.Add(365 * 24 * time.Hour), ThumbnailsStored: true,
	}))
	require.NoError(t, credStore.Put(context.Background(), "realm-1", "outdated-user", &credential.Record{
		TemplateID: 2, EncoderVersion: "v1", ExpiresAt: now.Add(365 * 24 * time.Hour), ThumbnailsStored: true,
	}))
	require.NoError(t, credStore.Put(context.Background(), "realm-1", "expiring-user", &credential.Record{
		TemplateID: 3, EncoderVersion: "v2", ExpiresAt: now.Add(time.Hour), ThumbnailsStored: true,
	}))
	require.NoError(t, credStore.Put(context.Background(), "realm-1", "no-thumbnails-user", &credential.Record{
		TemplateID: 4, EncoderVersion: "v2", ExpiresAt: now.Add(365 * 24 * time.Hour), ThumbnailsStored: false,
	}))
	require.NoError(t, credStore.Put(context.Background(), "realm-1", "orphaned-user", &credential.Record{
		TemplateID: 5, EncoderVersion: "v2", ExpiresAt: now.Add(365 * 24 * time.Hour), ThumbnailsStored: true,
	}))
	require.NoError(t, credStore.Put(context.Background(), "realm-1", "mismatch-user", &credential.Record{
		TemplateID: 6, EncoderVersion: "v2", ExpiresAt: now.Add(365 * 24 * time.Hour), ThumbnailsStored: true,
	}))

	bwsClient := newTestBWSClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		templateIDs := map[string]int64{
			"healthy-user":        1,
			"outdated-user":       2,
			"expiring-user":       3,
			"no-thumbnails-user":  4,
			"orphaned-user":       5,
			"mismatch-user":       999, // disagrees with the record's TemplateID (6)
		}
		switch req.UserID {
		case "orphaned-user":
			_ = json.NewEncoder(w).Encode(map[string]any{"Available": false, "TemplateID": templateIDs[req.UserID]})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"Available": true, "TemplateID": templateIDs[req.UserID]})
		}
	})

	m := &Manager{BWS: bwsClient, Store: credStore, Now: func() time.Time { return now }, CurrentEncoderVersion: "v2"}
	reports, err := m.HealthReport(context.Background(), []TemplateIdentity{
		{Realm: "realm-1", UserID: "healthy-user"},
		{Realm: "realm-1", UserID: "outdated-user"},
		{Realm: "realm-1", UserID: "expiring-user"},
		{Realm: "realm-1", UserID: "no-thumbnails-user"},
		{Realm: "realm-1", UserID: "orphaned-user"},
		{Realm: "realm-1", UserID: "mismatch-user"},
		{Realm: "realm-1", UserID: "missing-user"},
	})
	require.NoError(t, err)
	require.Len(t, reports, 7)
	assert.Equal(t, HealthHealthy, reports[0].Classification)
	assert.Equal(t, HealthOutdatedEncoder, reports[1].Classification)
	assert.Equal(t, HealthExpiringSoon, reports[2].Classification)
	assert.Equal(t, HealthMissingThumbnails, reports[3].Classification)
	assert.Equal(t, HealthOrphaned, reports[4].Classification)
	assert.Equal(t, HealthSyncMismatch, reports[5].Classification)
	assert.Equal(t, HealthOrphaned, reports[6].Classification, "no local record is reported orphaned too")
}

func TestUpgrade_RejectsTemplateWithoutStoredThumbnails(t *testing.T) {
	credStore := credential.NewMemStore()
	require.NoError(t, credStore.Put(context.Background(), "realm-1", "user-1", &credential.Record{
		TemplateID: 1, ThumbnailsStored: false,
	}))
	m := &Manager{Store: credStore}
	_, err := m.Upgrade(context.Background(), "realm-1", "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errUpgradeNoThumbnails)
}

func TestUpgrade_ReEnrollsFromThumbnailsAndBumpsEncoderVersion(t *testing.T) {
	credStore := credential.NewMemStore()
	require.NoError(t, credStore.Put(context.Background(), "realm-1", "user-1", &credential.Record{
		TemplateID: 1, EncoderVersion: "v1", ThumbnailsStored: true,
	}))

	bwsClient := newTestBWSClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/templates/status":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"Available":  true,
				"Thumbnails": [][]byte{[]byte("thumb-1"), []byte("thumb-2")},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"action": "upgraded", "encoder_version": "v2", "feature_vector_count": 4, "thumbnails_stored": true,
			})
		}
	})

	m := &Manager{BWS: bwsClient, Store: credStore}
	record, err := m.Upgrade(context.Background(), "realm-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", record.EncoderVersion)
	assert.Equal(t, 4, record.FeatureVectorCount)

	stored, found, err := credStore.Get(context.Background(), "realm-1", "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", stored.EncoderVersion)
}

func TestNewRequestID_ProducesNonEmptyPrefixedID(t *testing.T) {
	id, err := newRequestID()
	require.NoError(t, err)
	assert.Contains(t, id, "del_")
	assert.Greater(t, len(id), len("del_"))
}

func TestLogEscalationSink_DoesNotPanicOnEscalate(t *testing.T) {
	sink := &LogEscalationSink{Logger: slog.New(slog.DiscardHandler)}
	assert.NotPanics(t, func() {
		sink.Escalate(context.Background(), &store.DeletionRequest{ID: "del_1", Realm: "realm-1", UserID: "user-1"})
	})
}
