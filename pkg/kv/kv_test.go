package kv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestFile_MissingIsEmpty(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	var r record
	ok, err := f.Get("a", &r)
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := f.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFile_PutPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "store.json")
	f, err := OpenFile(path)
	require.NoError(t, err)

	require.NoError(t, f.Put("b", record{Name: "bee", Count: 2}))
	require.NoError(t, f.Put("a", record{Name: "ay", Count: 1}))

	g, err := OpenFile(path)
	require.NoError(t, err)
	var r record
	ok, err := g.Get("b", &r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record{Name: "bee", Count: 2}, r)

	keys, err := g.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestFile_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(filepath.Join(dir, "store.json"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.Put("k", i))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "store.json", entries[0].Name())
}

func TestFile_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	f, err := OpenFile(path)
	require.NoError(t, err)

	require.NoError(t, f.Put("x", 1))
	require.NoError(t, f.Delete("x"))
	require.NoError(t, f.Delete("never-there"))

	g, err := OpenFile(path)
	require.NoError(t, err)
	var n int
	ok, err := g.Get("x", &n)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFile_CorruptIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory_data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"42": {"history": [`), 0o600))

	fixed := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	var gotPath, gotQuarantine string
	f, err := OpenFile(path,
		withClock(func() time.Time { return fixed }),
		WithOnCorrupt(func(p, q string, cause error) {
			gotPath, gotQuarantine = p, q
			assert.Error(t, cause)
		}),
	)
	require.NoError(t, err)

	wantQuarantine := path + ".corrupt.20250301T123000"
	assert.Equal(t, path, gotPath)
	assert.Equal(t, wantQuarantine, gotQuarantine)
	assert.FileExists(t, wantQuarantine)
	assert.NoFileExists(t, path)

	keys, err := f.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	// next operation succeeds
	require.NoError(t, f.Put("42", record{Name: "fresh"}))
	assert.FileExists(t, path)
}

func TestFile_NullIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory_data.json")
	require.NoError(t, os.WriteFile(path, []byte("null\n"), 0o600))

	fixed := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	var corrupt bool
	f, err := OpenFile(path,
		withClock(func() time.Time { return fixed }),
		WithOnCorrupt(func(_, _ string, cause error) {
			corrupt = true
			assert.ErrorContains(t, cause, "not an object")
		}),
	)
	require.NoError(t, err)
	assert.True(t, corrupt)
	assert.FileExists(t, path+".corrupt.20250301T123000")

	require.NoError(t, f.Put("42", record{Name: "fresh"}))
	var got record
	ok, err := f.Get("42", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", got.Name)
}

func TestFile_Closed(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "s.json"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.ErrorIs(t, f.Put("a", 1), ErrClosed)
	_, err = f.Get("a", new(int))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLite_Buckets(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	mem := db.Bucket("memory")
	vibe := db.Bucket("vibe")

	require.NoError(t, mem.Put("7", record{Name: "seven", Count: 7}))
	require.NoError(t, mem.Put("7", record{Name: "seven", Count: 8}))
	require.NoError(t, vibe.Put("7", "other bucket"))

	var r record
	ok, err := mem.Get("7", &r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8, r.Count)

	keys, err := mem.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, keys)

	require.NoError(t, mem.Delete("7"))
	ok, err = mem.Get("7", &r)
	require.NoError(t, err)
	assert.False(t, ok)

	var s string
	ok, err = vibe.Get("7", &s)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "other bucket", s)
}
