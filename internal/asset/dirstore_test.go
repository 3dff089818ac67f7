package asset

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return buf.Bytes()
}

func testLibrary(t *testing.T) (*DirStore, string) {
	t.Helper()
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "sunset.png"), 640, 480)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("not really mpeg"), 0o644))
	writePNG(t, filepath.Join(dir, "wave.png"), 32, 32)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wave.mov"), []byte("motion bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	store, err := NewDirStore(dir, zerolog.Nop())
	require.NoError(t, err)
	return store, dir
}

func find(t *testing.T, assets []Metadata, filename string) Metadata {
	t.Helper()
	for _, a := range assets {
		if a.Filename == filename {
			return a
		}
	}
	t.Fatalf("no asset named %s", filename)
	return Metadata{}
}

func TestDirStoreClassification(t *testing.T) {
	store, _ := testLibrary(t)
	assets, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, assets, 3, "txt and the motion companion must not be listed")

	sunset := find(t, assets, "sunset.png")
	require.Equal(t, KindPhoto, sunset.Type)
	require.False(t, sunset.IsLivePhoto)
	require.Equal(t, 640, sunset.Width)
	require.Equal(t, 480, sunset.Height)
	require.Nil(t, sunset.DurationSeconds)
	require.NotEmpty(t, sunset.CreationDate)

	clip := find(t, assets, "clip.mp4")
	require.Equal(t, KindVideo, clip.Type)
	require.NotNil(t, clip.DurationSeconds)

	wave := find(t, assets, "wave.png")
	require.Equal(t, KindLivePhoto, wave.Type)
	require.True(t, wave.IsLivePhoto)
}

func TestDirStoreStableIDs(t *testing.T) {
	store, _ := testLibrary(t)
	ctx := context.Background()

	first, err := store.List(ctx)
	require.NoError(t, err)
	second, err := store.List(ctx)
	require.NoError(t, err)

	ids := map[string]bool{}
	for i := range first {
		require.Equal(t, first[i].ID, second[i].ID, "ids must survive rescans")
		require.False(t, ids[first[i].ID], "ids must be unique")
		ids[first[i].ID] = true
	}
}

func TestDirStoreSizeOf(t *testing.T) {
	store, _ := testLibrary(t)
	ctx := context.Background()
	assets, err := store.List(ctx)
	require.NoError(t, err)

	clip := find(t, assets, "clip.mp4")
	size, err := store.SizeOf(ctx, clip.ID)
	require.NoError(t, err)
	require.Equal(t, int64(len("not really mpeg")), size)

	_, err = store.SizeOf(ctx, "no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDirStoreReadFile(t *testing.T) {
	store, _ := testLibrary(t)
	ctx := context.Background()
	assets, err := store.List(ctx)
	require.NoError(t, err)

	clip := find(t, assets, "clip.mp4")
	data, err := store.ReadFile(ctx, clip.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("not really mpeg"), data)
}

func TestDirStoreMotionComponent(t *testing.T) {
	store, _ := testLibrary(t)
	ctx := context.Background()
	assets, err := store.List(ctx)
	require.NoError(t, err)

	wave := find(t, assets, "wave.png")
	motion, err := store.ReadFile(ctx, wave.ID+MotionSuffix)
	require.NoError(t, err)
	require.Equal(t, []byte("motion bytes"), motion)

	// A plain photo has no motion component.
	sunset := find(t, assets, "sunset.png")
	_, err = store.ReadFile(ctx, sunset.ID+MotionSuffix)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDirStoreThumbnail(t *testing.T) {
	store, _ := testLibrary(t)
	ctx := context.Background()
	assets, err := store.List(ctx)
	require.NoError(t, err)

	sunset := find(t, assets, "sunset.png")
	thumb, err := store.Thumbnail(ctx, sunset.ID)
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.LessOrEqual(t, cfg.Width, thumbnailMaxDim)
	require.LessOrEqual(t, cfg.Height, thumbnailMaxDim)

	clip := find(t, assets, "clip.mp4")
	_, err = store.Thumbnail(ctx, clip.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDirStoreResolveWithoutPriorList(t *testing.T) {
	store, dir := testLibrary(t)
	ctx := context.Background()

	// Learn an id from a throwaway store, then ask a fresh one that has
	// never scanned.
	assets, err := store.List(ctx)
	require.NoError(t, err)
	sunset := find(t, assets, "sunset.png")

	fresh, err := NewDirStore(dir, zerolog.Nop())
	require.NoError(t, err)
	_, err = fresh.SizeOf(ctx, sunset.ID)
	require.NoError(t, err)
}

func TestNewDirStoreRejectsMissingDir(t *testing.T) {
	_, err := NewDirStore(filepath.Join(t.TempDir(), "nope"), zerolog.Nop())
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = NewDirStore(file, zerolog.Nop())
	require.Error(t, err)
}
