package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/quill/internal/artifact"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/options"
)

func art(name string, mask options.Mask) *artifact.Artifact {
	a := artifact.New(name, mask, 7)
	a.Body = append(a.Body, artifact.Text("hello "+name))
	return a
}

func TestTable_LRU(t *testing.T) {
	t.Run("eviction order", func(t *testing.T) {
		table := NewTable(3)
		for i := 1; i <= 3; i++ {
			table.Set(art(fmt.Sprintf("t%d", i), 0))
		}

		_, ok := table.Get(artifact.Key("t1", 0))
		require.True(t, ok)

		table.Set(art("t4", 0))

		_, ok = table.Get(artifact.Key("t2", 0))
		assert.False(t, ok, "t2 is least recently used")
		for _, name := range []string{"t1", "t3", "t4"} {
			_, ok := table.Get(artifact.Key(name, 0))
			assert.True(t, ok, name)
		}
		assert.Equal(t, int64(1), table.Stats().Evictions)
	})

	t.Run("replace keeps size", func(t *testing.T) {
		table := NewTable(2)
		first := art("page", 0)
		second := art("page", 0)
		table.Set(first)
		table.Set(second)

		assert.Equal(t, 1, table.Len())
		got, ok := table.Get(first.Key())
		require.True(t, ok)
		assert.Same(t, second, got)
	})

	t.Run("keys most recent first", func(t *testing.T) {
		table := NewTable(0)
		table.Set(art("a", 0))
		table.Set(art("b", 0))
		table.Get(artifact.Key("a", 0))
		assert.Equal(t, []string{artifact.Key("a", 0), artifact.Key("b", 0)}, table.Keys())
	})
}

func TestTable_MasksDoNotCollide(t *testing.T) {
	table := NewTable(0)
	plain := art("page", 0)
	escaped := art("page", options.Mask(options.AutoEscape))
	table.Set(plain)
	table.Set(escaped)

	got, ok := table.Get(artifact.Key("page", 0))
	require.True(t, ok)
	assert.Same(t, plain, got)
	got, ok = table.Get(artifact.Key("page", options.Mask(options.AutoEscape)))
	require.True(t, ok)
	assert.Same(t, escaped, got)
}

func TestTable_DeleteAndStats(t *testing.T) {
	table := NewTable(10)
	table.Set(art("a", 0))
	table.Set(art("b", 0))
	table.Set(art("b", options.Mask(options.AutoEscape)))

	assert.True(t, table.Delete(artifact.Key("a", 0)))
	assert.False(t, table.Delete(artifact.Key("a", 0)))

	removed := table.DeleteFunc(func(a *artifact.Artifact) bool { return a.Name == "b" })
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, table.Len())

	table.Get("missing")
	stats := table.Stats()
	assert.Equal(t, int64(3), stats.Sets)
	assert.Equal(t, int64(3), stats.Deletes)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 10, stats.Capacity)

	table.Set(art("c", 0))
	table.Clear()
	assert.Equal(t, 0, table.Len())
	assert.Empty(t, table.Keys())
}

func TestTable_Concurrent(t *testing.T) {
	table := NewTable(16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				name := fmt.Sprintf("t%d", (i+j)%32)
				table.Set(art(name, 0))
				table.Get(artifact.Key(name, 0))
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, table.Len(), 16)
}

func TestFileName(t *testing.T) {
	name := FileName("pages/index.tpl", options.Mask(options.AutoEscape))
	assert.True(t, strings.HasPrefix(name, "index.200."), name)
	assert.True(t, strings.HasSuffix(name, ".15"+fileExt), name)

	assert.Equal(t, name, FileName("pages/index.tpl", options.Mask(options.AutoEscape)))
	assert.NotEqual(t, name, FileName("pages/index.tpl", 0))
	assert.NotEqual(t, name, FileName("other/index.tpl", options.Mask(options.AutoEscape)))

	assert.True(t, strings.HasPrefix(FileName("db:a b", 0), "a_b.0."))
	assert.True(t, strings.HasPrefix(FileName("", 0), "tpl.0."))
}

func TestStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	mask := options.Mask(options.AutoEscape)

	missing, err := store.Load("page", mask)
	require.NoError(t, err)
	assert.Nil(t, missing)

	a := art("page", mask)
	a.AddDependency("layout", 3)
	require.NoError(t, store.Save(a))

	loaded, err := store.Load("page", mask)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, a.Name, loaded.Name)
	assert.Equal(t, a.Mask, loaded.Mask)
	assert.Equal(t, a.Deps, loaded.Deps)

	other, err := store.Load("page", 0)
	require.NoError(t, err)
	assert.Nil(t, other, "different mask is a different file")

	files, err := store.Files()
	require.NoError(t, err)
	assert.Len(t, files, 1)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestStore_ReplaceIsWhole(t *testing.T) {
	store := NewStore(t.TempDir())
	first := art("page", 0)
	require.NoError(t, store.Save(first))

	second := art("page", 0)
	second.Freshness = 99
	require.NoError(t, store.Save(second))

	loaded, err := store.Load("page", 0)
	require.NoError(t, err)
	assert.Equal(t, second.Freshness, loaded.Freshness)
}

func TestStore_CorruptAndMismatched(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, os.WriteFile(store.Path("bad", 0), []byte("{not json"), 0o644))
	got, err := store.Load("bad", 0)
	require.NoError(t, err)
	assert.Nil(t, got, "undecodable files are misses")

	require.NoError(t, os.WriteFile(store.Path("old", 0), []byte(`{"version":0,"name":"old"}`), 0o644))
	got, err = store.Load("old", 0)
	require.NoError(t, err)
	assert.Nil(t, got, "other format versions are misses")

	require.NoError(t, store.Save(art("old", 0)))
	got, err = store.Load("old", 0)
	require.NoError(t, err)
	require.NotNil(t, got, "saving replaces the stale file")

	a := art("real", 0)
	data, err := a.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path("impostor", 0), data, 0o644))
	got, err = store.Load("impostor", 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_RemoveAndClear(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save(art("a", 0)))
	require.NoError(t, store.Save(art("b", 0)))
	require.NoError(t, store.Save(art("b", options.Mask(options.AutoEscape))))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))

	require.NoError(t, store.Remove("a", 0))
	require.NoError(t, store.Remove("a", 0), "removing twice is fine")

	n, err := store.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(filepath.Join(dir, "keep.txt"))
	assert.NoError(t, err, "unrelated files survive")
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Probe(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = Probe(filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.True(t, qerrors.IsConfig(err))
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeCompileDir))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, Probe(file))
}
