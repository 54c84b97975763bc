package audit

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testDiscard{}, nil))
}

type testDiscard struct{}

func (testDiscard) Write(p []byte) (int, error) { return len(p), nil }

// syncBuffer collects log output written from the writer's flush goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWriter_EmitDoesNotBlockWhenBufferFull(t *testing.T) {
	w := NewWriter(discardLogger())
	// Do not Start the drain loop: the channel fills and Emit must still
	// return immediately once the buffer is exhausted.
	for i := 0; i < bufferSize+5; i++ {
		w.Emit(Event{Operation: "enroll"})
	}
	assert.Greater(t, w.Dropped(), uint64(0))
}

func TestWriter_FlushesOnClose(t *testing.T) {
	out := &syncBuffer{}
	w := NewWriter(slog.New(slog.NewTextHandler(out, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Emit(Event{Operation: "verify", Realm: "r1", UserID: "u1", Outcome: OutcomeSuccess})
	cancel()
	w.Close()
	assert.Contains(t, out.String(), "operation=verify")
}

func TestWriter_FlushesOnTicker(t *testing.T) {
	out := &syncBuffer{}
	w := NewWriter(slog.New(slog.NewTextHandler(out, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer w.Close()
	defer cancel()
	w.Start(ctx)

	w.Emit(Event{Operation: "verify"})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "operation=verify")
	}, flushInterval+500*time.Millisecond, 10*time.Millisecond)
}

func TestEmit_StampsTimestampWhenZero(t *testing.T) {
	w := NewWriter(discardLogger())
	before := time.Now()
	w.Emit(Event{Operation: "verify"})
	select {
	case e := <-w.events:
		assert.False(t, e.Timestamp.Before(before))
	default:
		t.Fatal("expected event in buffer")
	}
}
