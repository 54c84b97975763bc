package bulk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/coreerrors"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/store"
)

func waitForTerminalState(t *testing.T, e *Engine, id string) store.BulkOperation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		progress, ok := e.Progress(id)
		require.True(t, ok)
		if progress.State != store.BulkRunning {
			return progress
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bulk operation did not reach a terminal state in time")
	return store.BulkOperation{}
}

func TestEngine_Submit_AllSucceedReachesCompleted(t *testing.T) {
	e := NewEngine()
	id, err := e.Submit(context.Background(), store.BulkDelete, []string{"a", "b", "c"}, func(ctx context.Context, item string) error {
		return nil
	}, nil)
	require.NoError(t, err)

	final := waitForTerminalState(t, e, id)
	assert.Equal(t, store.BulkCompleted, final.State)
	assert.Equal(t, 3, final.Processed)
	assert.Equal(t, 3, final.Succeeded)
	assert.Equal(t, 0, final.Failed)
}

func TestEngine_Submit_AllFailReachesFailed(t *testing.T) {
	e := NewEngine()
	id, err := e.Submit(context.Background(), store.BulkDelete, []string{"a", "b"}, func(ctx context.Context, item string) error {
		return errors.New("boom")
	}, nil)
	require.NoError(t, err)

	final := waitForTerminalState(t, e, id)
	assert.Equal(t, store.BulkFailed, final.State)
	assert.Equal(t, 2, final.Failed)
	assert.Len(t, final.Errors, 2)
}

func TestEngine_Submit_MixedResultsReachesPartiallyCompleted(t *testing.T) {
	e := NewEngine()
	id, err := e.Submit(context.Background(), store.BulkDelete, []string{"a", "b"}, func(ctx context.Context, item string) error {
		if item == "a" {
			return errors.New("boom")
		}
		return nil
	}, nil)
	require.NoError(t, err)

	final := waitForTerminalState(t, e, id)
	assert.Equal(t, store.BulkPartiallyCompleted, final.State)
	assert.Equal(t, 1, final.Succeeded)
	assert.Equal(t, 1, final.Failed)
}

func TestEngine_Cancel_StopsUnstartedItems(t *testing.T) {
	e := &Engine{Workers: 1}
	started := make(chan struct{})
	release := make(chan struct{})

	id, err := e.Submit(context.Background(), store.BulkDelete, []string{"a", "b", "c", "d"}, func(ctx context.Context, item string) error {
		if item == "a" {
			close(started)
			<-release
		}
		return nil
	}, nil)
	require.NoError(t, err)

	<-started
	assert.True(t, e.Cancel(id))
	close(release)

	final := waitForTerminalState(t, e, id)
	assert.Equal(t, store.BulkCancelled, final.State)
	assert.Less(t, final.Processed, final.Total)
}

func TestEngine_Progress_UnknownIDReturnsFalse(t *testing.T) {
	e := NewEngine()
	_, ok := e.Progress("does-not-exist")
	assert.False(t, ok)
}

func TestDefaultClassifier_OnlyMarksTransientAsRetryable(t *testing.T) {
	assert.False(t, DefaultClassifier(errors.New("permanent")))
	assert.True(t, DefaultClassifier(coreerrors.ErrRPCTransient))
}
