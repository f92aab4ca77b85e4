package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thw/backend/internal/logging"
)

type fakeMirror struct {
	mu      sync.Mutex
	put     []string
	deleted []string
	failPut bool
}

func (m *fakeMirror) PutAsset(_ context.Context, ref, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("bucket unavailable")
	}
	m.put = append(m.put, ref)
	return nil
}

func (m *fakeMirror) DeleteAsset(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ref)
	return nil
}

func newTestStorage(t *testing.T) (*Stager, *StorageService) {
	t.Helper()
	cfg := testConfig(t)
	store, err := NewStorageService(cfg, logging.Discard())
	require.NoError(t, err)
	return newTestStager(t, cfg), store
}

func TestCommit_MovesStagedFile(t *testing.T) {
	stager, store := newTestStorage(t)

	sf, err := stager.Stage(context.Background(), pngUpload("Hero.PNG"))
	require.NoError(t, err)

	ref, err := store.Commit(context.Background(), "about", sf)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ref, "uploads/about/"))
	assert.True(t, strings.HasSuffix(ref, ".png"))
	assert.True(t, store.Exists(ref))

	_, err = os.Stat(sf.Path)
	assert.True(t, os.IsNotExist(err), "staged file must be gone after commit")
}

func TestCommit_NamesAreUnique(t *testing.T) {
	stager, store := newTestStorage(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		sf, err := stager.Stage(context.Background(), pngUpload("same.png"))
		require.NoError(t, err)
		ref, err := store.Commit(context.Background(), "attractions", sf)
		require.NoError(t, err)
		require.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
}

func TestCommit_MissingStagedFile(t *testing.T) {
	stager, store := newTestStorage(t)

	sf, err := stager.Stage(context.Background(), pngUpload("gone.png"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(sf.Path))

	_, err = store.Commit(context.Background(), "about", sf)
	assert.ErrorIs(t, err, ErrMissingStagedFile)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommit_MirrorFailureDoesNotFailCommit(t *testing.T) {
	stager, store := newTestStorage(t)
	mirror := &fakeMirror{failPut: true}
	store.SetMirror(mirror)

	sf, err := stager.Stage(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)
	ref, err := store.Commit(context.Background(), "about", sf)
	require.NoError(t, err)
	assert.True(t, store.Exists(ref))
}

func TestRelease_Idempotent(t *testing.T) {
	stager, store := newTestStorage(t)
	mirror := &fakeMirror{}
	store.SetMirror(mirror)

	sf, err := stager.Stage(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)
	ref, err := store.Commit(context.Background(), "about", sf)
	require.NoError(t, err)

	store.Release(context.Background(), ref)
	store.Release(context.Background(), ref)

	assert.False(t, store.Exists(ref))
	assert.Equal(t, []string{ref}, mirror.put)
	assert.Equal(t, []string{ref, ref}, mirror.deleted)
}

func TestRelease_RefusesPathsOutsideUploads(t *testing.T) {
	_, store := newTestStorage(t)

	victim := filepath.Join(store.root, "keep.txt")
	require.NoError(t, os.WriteFile(victim, []byte("x"), 0o644))

	store.Release(context.Background(), "uploads/../keep.txt")
	store.Release(context.Background(), "../keep.txt")
	store.Release(context.Background(), "keep.txt")

	_, err := os.Stat(victim)
	assert.NoError(t, err)
}

func TestResolvePath(t *testing.T) {
	_, store := newTestStorage(t)

	p, err := store.ResolvePath("uploads/about/x.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.root, "uploads", "about", "x.png"), p)

	for _, bad := range []string{"", "/etc/passwd", "uploads/./x.png", "uploads/../../x", "other/x.png"} {
		_, err := store.ResolvePath(bad)
		assert.Error(t, err, bad)
	}
}
