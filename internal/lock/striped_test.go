package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStriped_SerializesSameKey(t *testing.T) {
	s := NewStriped()
	key := Key("realm-a", "user-1")

	var order []int
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			unlock := s.Lock(key)
			defer unlock()
			mu.Lock()
			order = append(order, n)
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 5)
	assert.Equal(t, 1, maxActive, "two holders of the same key overlapped")
}

func TestStriped_DifferentKeysDoNotContend(t *testing.T) {
	s := NewStriped()
	unlockA := s.Lock(Key("realm-a", "user-1"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := s.Lock(Key("realm-a", "user-2"))
		defer unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key should not block")
	}
}

func TestStriped_TryLock_FailsWhenHeld(t *testing.T) {
	s := NewStriped()
	key := Key("realm-a", "user-1")
	unlock := s.Lock(key)
	defer unlock()

	_, ok := s.TryLock(key)
	assert.False(t, ok)
}

func TestStriped_CleansUpEntryAfterRelease(t *testing.T) {
	s := NewStriped()
	unlock := s.Lock(Key("realm-a", "user-1"))
	require.Equal(t, 1, s.Len())
	unlock()
	assert.Equal(t, 0, s.Len())
}
