package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePutGetRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := RawKey("doc-1", "invoice.pdf")
	require.NoError(t, store.Put(ctx, key, []byte("%PDF-1.7 content")))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 content"), data)

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreOverwriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	key := RunOutputKey("run-1", "result.json")
	require.NoError(t, store.Put(ctx, key, []byte(`{"v":1}`)))
	require.NoError(t, store.Put(ctx, key, []byte(`{"v":2}`)))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":2}`), data)

	// No temp files left behind after a committed write.
	matches, err := filepath.Glob(filepath.Join(dir, "runs", "run-1", "outputs", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileStoreGetMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "raw/none/file.pdf")
	assert.ErrorContains(t, err, "blob not found")
}

func TestFileStoreDeleteIsIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := RawKey("doc-1", "a.png")
	require.NoError(t, store.Put(ctx, key, []byte{1, 2, 3}))
	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, store.Put(ctx, "../escape.txt", []byte("x")))
	assert.Error(t, store.Put(ctx, "/abs/path.txt", []byte("x")))
	assert.Error(t, store.Put(ctx, "", []byte("x")))

	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestLayoutKeys(t *testing.T) {
	at := time.Date(2026, 3, 7, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, "raw/doc-1/invoice.pdf", RawKey("doc-1", "invoice.pdf"))
	assert.Equal(t,
		"quarantine/tenant-a/2026/03/07/doc-1/invoice.pdf",
		QuarantineKey("tenant-a", at, "doc-1", "invoice.pdf"))
	assert.Equal(t,
		"quarantine/tenant-a/2026/03/07/doc-1/quarantine_meta.json",
		QuarantineMetaKey("tenant-a", at, "doc-1"))
	assert.Equal(t, "runs/run-1/artifacts/ocr_text.txt", RunArtifactKey("run-1", "ocr_text.txt"))
	assert.Equal(t, "runs/run-1/outputs/result.json", RunOutputKey("run-1", "result.json"))
}
