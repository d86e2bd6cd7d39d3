package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStore_RoundTrip(t *testing.T) {
	t.Parallel()
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "jobs/abc/chunks/0.mp4", strings.NewReader("payload")))

	rc, err := store.Get(ctx, "jobs/abc/chunks/0.mp4")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFilesystemStore_GetMissing(t *testing.T) {
	t.Parallel()
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "jobs/nope")
	assert.Error(t, err)
}

func TestFilesystemStore_RejectsEscapingRefs(t *testing.T) {
	t.Parallel()
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, ref := range []string{"../outside", "/etc/passwd", "a/../../b"} {
		assert.Error(t, store.Put(ctx, ref, strings.NewReader("x")), ref)
	}
}

func TestFilesystemStore_DeletePrefix(t *testing.T) {
	t.Parallel()
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "jobs/abc/chunks/0.mp4", strings.NewReader("a")))
	require.NoError(t, store.Put(ctx, "jobs/abc/chunks/1.mp4", strings.NewReader("b")))
	require.NoError(t, store.Put(ctx, "jobs/xyz/input.mp4", strings.NewReader("c")))

	require.NoError(t, store.DeletePrefix(ctx, "jobs/abc"))

	_, err = store.Get(ctx, "jobs/abc/chunks/0.mp4")
	assert.Error(t, err)

	rc, err := store.Get(ctx, "jobs/xyz/input.mp4")
	require.NoError(t, err)
	rc.Close()
}

func TestFilesystemStore_DeleteMissingIsNoop(t *testing.T) {
	t.Parallel()
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, store.Delete(context.Background(), "jobs/never-existed"))
}
