package enroll

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/audit"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/coreerrors"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/lock"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/bws"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/credential"
)

func validJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	padded := buf.Bytes()
	for len(padded) < minImageSize {
		padded = append(padded, 0)
	}
	return padded
}

func discardWriter() *audit.Writer {
	return audit.NewWriter(slog.New(slog.DiscardHandler))
}

func TestEngine_Enroll_RejectsTooFewImages(t *testing.T) {
	e := &Engine{
		Store: credential.NewMemStore(),
		Audit: discardWriter(),
		Locks: lock.NewStriped(),
	}
	_, err := e.Enroll(context.Background(), Request{
		Realm: "realm-1", UserID: "user-1",
		Images: []RawImage{{Data: validJPEG(t)}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidImageCount)
	var rejected *coreerrors.EnrollmentRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, coreerrors.EnrollLowQuality, rejected.Reason)
}

func TestEngine_Enroll_RejectsOversizedImageAsLowQuality(t *testing.T) {
	e := &Engine{
		Store: credential.NewMemStore(),
		Audit: discardWriter(),
		Locks: lock.NewStriped(),
	}
	big := make([]byte, maxImageSize+1)
	_, err := e.Enroll(context.Background(), Request{
		Realm: "realm-1", UserID: "user-1",
		Images: []RawImage{{Data: validJPEG(t)}, {Data: big}},
	})
	require.Error(t, err)
	var rejected *coreerrors.EnrollmentRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, coreerrors.EnrollLowQuality, rejected.Reason)
}

func TestEngine_Enroll_RejectsUnrecognizedCodec(t *testing.T) {
	e := &Engine{
		Store: credential.NewMemStore(),
		Audit: discardWriter(),
		Locks: lock.NewStriped(),
	}
	garbage := make([]byte, minImageSize+10)
	_, err := e.Enroll(context.Background(), Request{
		Realm: "realm-1", UserID: "user-1",
		Images: []RawImage{{Data: validJPEG(t)}, {Data: garbage}},
	})
	require.Error(t, err)
	var rejected *coreerrors.EnrollmentRejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestEngine_Enroll_RefusesConflictWhenAlreadyInFlight(t *testing.T) {
	locks := lock.NewStriped()
	unlock, ok := locks.TryLock(lock.Key("realm-1", "user-1"))
	require.True(t, ok)
	defer unlock()

	e := &Engine{
		Store: credential.NewMemStore(),
		Audit: discardWriter(),
		Locks: locks,
	}
	_, err := e.Enroll(context.Background(), Request{
		Realm: "realm-1", UserID: "user-1",
		Images: []RawImage{{Data: validJPEG(t)}, {Data: validJPEG(t)}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.ErrConflict)
}

func TestEngine_Enroll_PreservesTemplateIDAcrossReEnrollment(t *testing.T) {
	store := credential.NewMemStore()
	now := time.Now()
	require.NoError(t, store.Put(context.Background(), "realm-1", "user-1", &credential.Record{
		TemplateID: 42,
		Tags:       []string{"vip"},
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"action":"updated","encoder_version":"v3","feature_vector_count":2}`))
	}))
	t.Cleanup(srv.Close)
	client, err := bws.NewClient(bws.ClientConfig{
		ClientID:        "client-1",
		SecretKey:       strings.Repeat("k", 32),
		Endpoints:       map[bws.Region]string{"EU": srv.URL},
		PreferredRegion: "EU",
		ChannelPoolSize: 1,
		KeepAlive:       time.Second,
		TokenTTL:        time.Minute,
	})
	require.NoError(t, err)

	e := &Engine{
		BWS:            client,
		Store:          store,
		Audit:          discardWriter(),
		Locks:          lock.NewStriped(),
		TemplateIDSeed: func() int64 { return 7 },
		Now:            func() time.Time { return now },
	}
	result, err := e.Enroll(context.Background(), Request{
		Realm: "realm-1", UserID: "user-1",
		Images: []RawImage{{Data: validJPEG(t)}, {Data: validJPEG(t)}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.TemplateID)

	record, found, err := store.Get(context.Background(), "realm-1", "user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), record.TemplateID)
	assert.Equal(t, []string{"vip"}, record.Tags)
}
