package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetByID(t *testing.T) {
	r := NewRegistry(time.Minute)
	s := &Session{DispatchID: "d1", Key: Key("a1", "s1"), AuthToken: "tok"}
	r.Put(s)

	got, ok := r.GetByID("d1")
	require.True(t, ok)
	assert.Equal(t, "tok", got.AuthToken)

	_, ok = r.GetByID("missing")
	assert.False(t, ok)
}

func TestGetByKeyResolvesLatest(t *testing.T) {
	r := NewRegistry(time.Minute)
	key := Key("a1", "s1")

	// N concurrent dispatches sharing the conversation key; the reverse
	// index must always resolve to the most recently inserted one.
	for i := 1; i <= 5; i++ {
		r.Put(&Session{DispatchID: fmt.Sprintf("d%d", i), Key: key})
	}

	got, ok := r.GetByKey(key)
	require.True(t, ok)
	assert.Equal(t, "d5", got.DispatchID)

	// Older dispatches stay reachable by ID.
	_, ok = r.GetByID("d2")
	assert.True(t, ok)
}

func TestConcurrentSessionsNotMerged(t *testing.T) {
	r := NewRegistry(time.Minute)
	key := Key("a1", "s1")
	r.Put(&Session{DispatchID: "d1", Key: key, AuthToken: "tok-1"})
	r.Put(&Session{DispatchID: "d2", Key: key, AuthToken: "tok-2"})

	s1, _ := r.GetByID("d1")
	s2, _ := r.GetByID("d2")
	assert.Equal(t, "tok-1", s1.AuthToken)
	assert.Equal(t, "tok-2", s2.AuthToken)
}

func TestEvictWaitsForGrace(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)
	key := Key("a1", "s1")
	r.Put(&Session{DispatchID: "d1", Key: key})

	r.Evict("d1", key)

	// Still resolvable inside the grace window.
	_, ok := r.GetByID("d1")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := r.GetByID("d1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, ok = r.GetByKey(key)
	assert.False(t, ok)
}

func TestEvictNeverRemovesNewerIndexEntry(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	key := Key("a1", "s1")

	r.Put(&Session{DispatchID: "d1", Key: key})
	r.Evict("d1", key)

	// A newer dispatch arrives for the same conversation before the older
	// eviction timer fires.
	r.Put(&Session{DispatchID: "d2", Key: key})

	assert.Eventually(t, func() bool {
		_, ok := r.GetByID("d1")
		return !ok
	}, time.Second, 2*time.Millisecond)

	got, ok := r.GetByKey(key)
	require.True(t, ok)
	assert.Equal(t, "d2", got.DispatchID)
}
