package files

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "data"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestSaveOpenDeleteAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	name, size, err := s.Save(ctx, id, ".png", strings.NewReader("pngdata"), 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(7), size)
	assert.True(t, strings.HasPrefix(name, "img_"))
	assert.True(t, strings.HasSuffix(name, ".png"))

	f, info, err := s.Open(id, name)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	assert.Equal(t, "pngdata", string(data))
	assert.Equal(t, int64(7), info.Size())

	require.NoError(t, s.DeleteAll(ctx, id))
	_, err = os.Stat(filepath.Join(s.Root(), id))
	assert.True(t, os.IsNotExist(err))

	_, _, err = s.Open(id, name)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine.
	require.NoError(t, s.DeleteAll(ctx, id))
}

func TestSaveTooLargeLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	id := uuid.NewString()

	_, _, err := s.Save(context.Background(), id, ".jpg", bytes.NewReader(make([]byte, 11)), 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(filepath.Join(s.Root(), id))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, size, err := s.Save(context.Background(), id, ".jpg", bytes.NewReader(make([]byte, 10)), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestRejectsPathsOutsideRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	for _, bad := range []string{"", "..", "../etc", "a/b", "not-a-uuid"} {
		_, _, err := s.Save(ctx, bad, ".jpg", strings.NewReader("x"), 10)
		assert.ErrorIs(t, err, ErrInvalidName, "session %q", bad)
		assert.ErrorIs(t, s.DeleteAll(ctx, bad), ErrInvalidName, "session %q", bad)
	}
	for _, bad := range []string{"", "../x", "a/b", ".upload-1"} {
		_, _, err := s.Open(id, bad)
		assert.ErrorIs(t, err, ErrInvalidName, "file %q", bad)
	}
	_, _, err := s.Save(ctx, id, "/x", strings.NewReader("x"), 10)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestOpenEmptyFileIsNotFound(t *testing.T) {
	s := newTestStore(t)
	id := uuid.NewString()

	name, _, err := s.Save(context.Background(), id, ".gif", strings.NewReader(""), 10)
	require.NoError(t, err)

	_, _, err = s.Open(id, name)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := uuid.NewString(), uuid.NewString()

	for _, id := range []string{a, b} {
		_, _, err := s.Save(ctx, id, ".jpg", strings.NewReader("x"), 10)
		require.NoError(t, err)
	}
	require.NoError(t, os.Mkdir(filepath.Join(s.Root(), "lost+found"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "README"), []byte("x"), 0o644))

	got, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, a)
	assert.Contains(t, got, b)
	assert.False(t, got[a].IsZero())
}
