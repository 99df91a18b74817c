package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLockStore is an in-memory lock store with real expiry semantics.
type memLockStore struct {
	mu    sync.Mutex
	locks map[string]memLock
}

type memLock struct {
	holder    string
	expiresAt time.Time
}

func newMemLockStore() *memLockStore {
	return &memLockStore{locks: make(map[string]memLock)}
}

func (s *memLockStore) AcquireLock(_ context.Context, reportID, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[reportID]; ok && time.Now().Before(l.expiresAt) {
		return false, nil
	}
	s.locks[reportID] = memLock{holder: holderID, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *memLockStore) ExtendLock(_ context.Context, reportID, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[reportID]
	if !ok || l.holder != holderID || !time.Now().Before(l.expiresAt) {
		return false, nil
	}
	l.expiresAt = time.Now().Add(ttl)
	s.locks[reportID] = l
	return true, nil
}

func (s *memLockStore) ReleaseLock(_ context.Context, reportID, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[reportID]; ok && l.holder == holderID {
		delete(s.locks, reportID)
	}
	return nil
}

func testDurations() Durations {
	return Durations{TTL: time.Minute, Extension: 10 * time.Second, RefreshInterval: 6 * time.Second}
}

func TestManager_AcquireIsExclusive(t *testing.T) {
	m := NewManager(newMemLockStore(), testDurations())
	ctx := context.Background()

	lk, err := m.Acquire(ctx, "r1")
	require.NoError(t, err)
	require.NotEmpty(t, lk.HolderID)

	// Second acquire fails fast with the sentinel, no queuing.
	_, err = m.Acquire(ctx, "r1")
	assert.True(t, eris.Is(err, ErrAlreadyHeld))

	// A different report is unaffected.
	_, err = m.Acquire(ctx, "r2")
	assert.NoError(t, err)
}

func TestManager_ReleaseFreesTheKey(t *testing.T) {
	m := NewManager(newMemLockStore(), testDurations())
	ctx := context.Background()

	lk, err := m.Acquire(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, lk))

	_, err = m.Acquire(ctx, "r1")
	assert.NoError(t, err)
}

func TestManager_AcquireAfterExpiry(t *testing.T) {
	st := newMemLockStore()
	d := testDurations()
	d.TTL = 20 * time.Millisecond
	m := NewManager(st, d)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "r1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// The dead holder's key expired; a new runner can take over.
	_, err = m.Acquire(ctx, "r1")
	assert.NoError(t, err)
}

func TestManager_ExtendAndRefresh(t *testing.T) {
	st := newMemLockStore()
	m := NewManager(st, testDurations())
	ctx := context.Background()

	lk, err := m.Acquire(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, m.Extend(ctx, lk, 5*time.Second))
	require.NoError(t, m.Refresh(ctx, lk))

	// Extend by a stranger's handle reports expiry.
	stranger := &Lock{ReportID: "r1", HolderID: "someone-else"}
	err = m.Extend(ctx, stranger, 5*time.Second)
	assert.True(t, eris.Is(err, ErrExpired))
}

func TestManager_ExtendLostKey(t *testing.T) {
	st := newMemLockStore()
	d := testDurations()
	d.TTL = 10 * time.Millisecond
	m := NewManager(st, d)
	ctx := context.Background()

	lk, err := m.Acquire(ctx, "r1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	err = m.Refresh(ctx, lk)
	assert.True(t, eris.Is(err, ErrExpired))
}
