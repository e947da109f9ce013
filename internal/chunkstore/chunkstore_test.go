package chunkstore

import (
	"crypto/sha256"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"librevault-go/internal/lverrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	data := []byte("hello chunk store")
	h := Hash(sha256.Sum256(data))

	require.False(t, s.Has(h))
	require.NoError(t, s.Put(h, data))
	require.True(t, s.Has(h))

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutRejectsHashMismatch(t *testing.T) {
	s := openTestStore(t)
	var wrong Hash
	wrong[0] = 0xFF
	err := s.Put(wrong, []byte("payload"))
	require.True(t, errors.Is(err, lverrors.ErrHashMismatch))
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	data := []byte("repeat me")
	h := Hash(sha256.Sum256(data))

	require.NoError(t, s.Put(h, data))
	require.NoError(t, s.Put(h, data))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	var h Hash
	_, err := s.Get(h)
	require.True(t, errors.Is(err, lverrors.ErrNotFound))
}

func TestRemoveThenGetNotFound(t *testing.T) {
	s := openTestStore(t)
	data := []byte("transient")
	h := Hash(sha256.Sum256(data))
	require.NoError(t, s.Put(h, data))
	require.NoError(t, s.Remove(h))
	require.False(t, s.Has(h))

	// removing an already-absent chunk is not an error
	require.NoError(t, s.Remove(h))
}

func TestIterListsAllStoredChunks(t *testing.T) {
	s := openTestStore(t)
	want := map[Hash]bool{}
	for _, payload := range []string{"a", "bb", "ccc"} {
		data := []byte(payload)
		h := Hash(sha256.Sum256(data))
		require.NoError(t, s.Put(h, data))
		want[h] = true
	}

	got, err := s.Iter()
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for _, h := range got {
		require.True(t, want[h])
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	s := openTestStore(t)
	data := []byte("verify me")
	h := Hash(sha256.Sum256(data))
	require.NoError(t, s.Put(h, data))
	require.NoError(t, s.Verify(h))

	// simulate bit rot by overwriting the stored blob directly
	require.NoError(t, os.WriteFile(s.pathFor(h), []byte("tampered"), 0o600))
	err := s.Verify(h)
	require.True(t, errors.Is(err, lverrors.ErrCorrupted))
}
