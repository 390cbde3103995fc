package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/lib/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "databases.yaml")
	s, err := Load(path)
	require.NoError(t, err)
	return s, dir
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, _ := newStore(t)
	assert.Empty(t, s.List())
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "load must not create the file")
}

func TestAddAndReload(t *testing.T) {
	s, dir := newStore(t)

	names := []string{"orders", "default", "users"}
	for _, name := range names {
		_, err := s.Add(name, filepath.Join(dir, name), storage.EngineBadger)
		require.NoError(t, err)
	}

	// simulate a restart
	reloaded, err := Load(s.Path())
	require.NoError(t, err)

	before, after := s.List(), reloaded.List()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Name, after[i].Name)
		assert.Equal(t, before[i].UID, after[i].UID)
		assert.Equal(t, before[i].Path, after[i].Path)
		assert.Equal(t, before[i].Engine, after[i].Engine)
		assert.True(t, before[i].CreatedAt.Equal(after[i].CreatedAt))
	}
}

func TestAddDuplicate(t *testing.T) {
	s, dir := newStore(t)
	_, err := s.Add("orders", filepath.Join(dir, "orders"), "")
	require.NoError(t, err)

	_, err = s.Add("orders", filepath.Join(dir, "other"), "")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestAddValidation(t *testing.T) {
	s, dir := newStore(t)

	_, err := s.Add("", filepath.Join(dir, "x"), "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = s.Add("../escape", filepath.Join(dir, "x"), "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = s.Add("relative", "some/relative/path", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestRemove(t *testing.T) {
	s, dir := newStore(t)
	_, err := s.Add("orders", filepath.Join(dir, "orders"), "")
	require.NoError(t, err)

	removed, err := s.Remove("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", removed.Name)
	assert.False(t, s.Has("orders"))

	reloaded, err := Load(s.Path())
	require.NoError(t, err)
	assert.False(t, reloaded.Has("orders"))
}

func TestRemoveMissingLeavesFileUntouched(t *testing.T) {
	s, dir := newStore(t)
	_, err := s.Add("orders", filepath.Join(dir, "orders"), "")
	require.NoError(t, err)

	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	_, err = s.Remove("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadCorrupt(t *testing.T) {
	cases := map[string]string{
		"garbage":       "{{{ not yaml",
		"wrong version": "version: 7\ndatabases: []\n",
		"unknown field": "version: 1\ndatabases: []\nextra: true\n",
		"empty name":    "version: 1\ndatabases:\n  - name: \"\"\n    path: /tmp/x\n",
		"relative path": "version: 1\ndatabases:\n  - name: a\n    path: rel/x\n",
		"duplicate":     "version: 1\ndatabases:\n  - name: a\n    path: /tmp/a\n  - name: a\n    path: /tmp/b\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "databases.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := Load(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrManifestCorrupt)
		})
	}
}

func TestListIsSnapshot(t *testing.T) {
	s, dir := newStore(t)
	_, err := s.Add("a", filepath.Join(dir, "a"), "")
	require.NoError(t, err)

	list := s.List()
	list[0].Name = "mutated"

	_, err = s.Add("b", filepath.Join(dir, "b"), "")
	require.NoError(t, err)

	assert.Len(t, list, 1, "a snapshot must not observe later mutations")
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("mutated"))
}

func TestConcurrentWriters(t *testing.T) {
	s, dir := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("db%02d", i)
			_, err := s.Add(name, filepath.Join(dir, name), "")
			assert.NoError(t, err)
			_ = s.List()
		}(i)
	}
	wg.Wait()

	reloaded, err := Load(s.Path())
	require.NoError(t, err)
	assert.Len(t, reloaded.List(), 20)

	// no temp files left behind
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	assert.Empty(t, matches)
}

func TestAddRejectsOverlappingPaths(t *testing.T) {
	s, dir := newStore(t)
	_, err := s.Add("orders", filepath.Join(dir, "orders"), "")
	require.NoError(t, err)

	for name, path := range map[string]string{
		"same":    filepath.Join(dir, "orders"),
		"unclean": filepath.Join(dir, "x", "..", "orders") + "/",
		"nested":  filepath.Join(dir, "orders", "inner"),
		"parent":  dir,
	} {
		_, err := s.Add(name, path, "")
		assert.ErrorIs(t, err, errs.ErrAlreadyExists, name)
		assert.False(t, s.Has(name))
	}

	_, err = s.Add("orders2", filepath.Join(dir, "orders2"), "")
	assert.NoError(t, err, "a sibling with a common name prefix does not overlap")
}
