package idempotency

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "idem.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRoundTripAndExpiry(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, found, err := store.Get("k1", now)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Put("k1", Record{
		Fingerprint: "abc",
		StatusCode:  200,
		Body:        []byte(`{"ok":true}`),
		StoredAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	record, found, err := store.Get("k1", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "abc", record.Fingerprint)
	require.Equal(t, 200, record.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(record.Body))

	_, found, err = store.Get("k1", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, found)

	// expired records are removed on read
	_, found, err = store.Get("k1", now)
	require.NoError(t, err)
	require.False(t, found)
}

func TestStorePrune(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put("old", Record{StatusCode: 200, ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Put("fresh", Record{StatusCode: 200, ExpiresAt: now.Add(time.Minute)}))

	removed, err := store.Prune(now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, found, err := store.Get("fresh", now)
	require.NoError(t, err)
	require.True(t, found)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ", nil)
	require.ErrorIs(t, err, ErrPathRequired)
}
