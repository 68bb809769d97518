package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	himfs "github.com/hupe1980/him/internal/fs"
	"github.com/hupe1980/him/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBlobStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	name := "tiles/kv_cache/s1/L0/x0/y0/abcdef012345.bin"
	data := []byte("hello world, this is a test payload")

	require.NoError(t, store.Put(ctx, name, data))

	_, err := os.Stat(filepath.Join(tmpDir, filepath.FromSlash(name)))
	require.NoError(t, err)

	blob, err := store.Open(ctx, name)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))
	require.NoError(t, blob.Close())

	got, err := ReadAll(ctx, store, name)
	require.NoError(t, err)
	require.Equal(t, data, got)

	name2 := "tiles/kv_cache/s1/L1/x0/y0/0123456789ab.bin"
	require.NoError(t, store.Put(ctx, name2, []byte("x")))

	names, err := store.List(ctx, "tiles/kv_cache/s1/")
	require.NoError(t, err)
	require.Equal(t, []string{name, name2}, names)

	names, err = store.List(ctx, "tiles/kv_cache/s1/L1")
	require.NoError(t, err)
	require.Equal(t, []string{name2}, names)

	require.NoError(t, store.Delete(ctx, name))
	require.NoError(t, store.Delete(ctx, name), "deleting a missing blob is not an error")

	_, err = store.Open(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := Exists(ctx, store, name2)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalBlobStore_EmptyPayload(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "empty.bin", nil))

	got, err := ReadAll(ctx, store, "empty.bin")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalBlobStore_RejectsEscapingNames(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	for _, name := range []string{"", "/etc/passwd", "../outside.bin", "a/../../b", `a\b`} {
		err := store.Put(ctx, name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestLocalBlobStore_FailedWriteLeavesNothing(t *testing.T) {
	tmpDir := t.TempDir()
	ffs := himfs.NewFaultyFS(nil)
	store := NewLocalStore(tmpDir, WithFileSystem(ffs))
	ctx := context.Background()

	ffs.AddRule("x3", himfs.Fault{FailAfterBytes: 2})
	err := store.Put(ctx, "tiles/s/L0/x3/y0/a.bin", []byte("payload"))
	require.ErrorIs(t, err, himfs.ErrInjected)

	ffs.ClearRules()
	ffs.AddRule("x4", himfs.Fault{FailAfterBytes: -1, FailOnRename: true})
	err = store.Put(ctx, "tiles/s/L0/x4/y0/b.bin", []byte("payload"))
	require.ErrorIs(t, err, himfs.ErrInjected)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	// No temporary files are left behind.
	for _, dir := range []string{"tiles/s/L0/x3/y0", "tiles/s/L0/x4/y0"} {
		entries, err := os.ReadDir(filepath.Join(tmpDir, filepath.FromSlash(dir)))
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

func TestLocalBlobStore_ConcurrentOverwriteIsAtomic(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	a := make([]byte, 64<<10)
	b := make([]byte, 64<<10)
	for i := range a {
		a[i] = 'a'
		b[i] = 'b'
	}
	require.NoError(t, store.Put(ctx, "p.bin", a))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := a
			if i%2 == 1 {
				src = b
			}
			assert.NoError(t, store.Put(ctx, "p.bin", src))
		}()
	}
	for range 32 {
		got, err := ReadAll(ctx, store, "p.bin")
		require.NoError(t, err)
		require.Len(t, got, len(a))
		for _, c := range got {
			require.Equal(t, got[0], c, "observed a torn payload")
		}
	}
	wg.Wait()
}

func TestLocalBlobStore_IOController(t *testing.T) {
	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: 1 << 20})
	store := NewLocalStore(t.TempDir(), WithIOController(rc))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a.bin", []byte("throttled")))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := store.Put(canceled, "b.bin", make([]byte, 4<<20))
	require.Error(t, err)

	ok, err := Exists(ctx, store, "b.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalBlobStore_Mmap(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir(), WithMmap())

	name := "tiles/kv_cache/s1/L0/x1/y1/abcdef012345.bin"
	require.NoError(t, store.Put(ctx, name, []byte("mapped payload")))

	got, err := ReadAll(ctx, store, name)
	require.NoError(t, err)
	assert.Equal(t, []byte("mapped payload"), got)

	require.NoError(t, store.Put(ctx, "empty.bin", nil))
	got, err = ReadAll(ctx, store, "empty.bin")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = store.Open(ctx, "missing.bin")
	require.ErrorIs(t, err, ErrNotFound)
}
