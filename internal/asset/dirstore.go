package asset

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
)

// MotionSuffix is the id convention for a live photo's paired motion
// component: requesting "<id>/motion" returns the companion video bytes.
const MotionSuffix = "/motion"

const thumbnailMaxDim = 256

// idNamespace makes ids stable across rescans and restarts: the id is a
// v5 UUID of the item's path relative to the library root.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mediapair/library"))

var stillExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".heic": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".m4v": true, ".avi": true, ".webm": true, ".mov": true,
}

type dirEntry struct {
	path   string // absolute path of the primary component
	motion string // paired motion component, live photos only
	kind   Kind
}

// DirStore serves a directory tree as a media library. A still image with
// an adjacent same-stem .mov is treated as a live photo; the .mov is the
// motion companion and is not listed as a separate video.
type DirStore struct {
	root string
	log  zerolog.Logger

	mu    sync.Mutex
	index map[string]dirEntry
}

// NewDirStore opens root as a library. The directory must exist.
func NewDirStore(root string, log zerolog.Logger) (*DirStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open library: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open library: %s is not a directory", root)
	}
	return &DirStore{root: root, log: log}, nil
}

// List scans the tree and returns metadata without sizes. The scan also
// refreshes the id index used by the byte-serving calls.
func (s *DirStore) List(ctx context.Context) ([]Metadata, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan library: %w", err)
	}
	sort.Strings(paths)

	onDisk := map[string]bool{}
	for _, p := range paths {
		onDisk[p] = true
	}

	index := map[string]dirEntry{}
	var out []Metadata
	for _, path := range paths {
		ext := strings.ToLower(filepath.Ext(path))
		stem := strings.TrimSuffix(path, filepath.Ext(path))

		var entry dirEntry
		switch {
		case stillExts[ext]:
			entry = dirEntry{path: path, kind: KindPhoto}
			if motion := stem + ".mov"; onDisk[motion] {
				entry.kind = KindLivePhoto
				entry.motion = motion
			}
		case videoExts[ext]:
			if ext == ".mov" && hasStillSibling(stem, onDisk) {
				continue // motion companion of a live photo
			}
			entry = dirEntry{path: path, kind: KindVideo}
		default:
			continue
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil, fmt.Errorf("relativize %s: %w", path, err)
		}
		id := uuid.NewSHA1(idNamespace, []byte(rel)).String()
		index[id] = entry
		out = append(out, s.describe(id, path, entry))
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	s.log.Debug().Int("assets", len(out)).Msg("library scanned")
	return out, nil
}

func hasStillSibling(stem string, onDisk map[string]bool) bool {
	for ext := range stillExts {
		if onDisk[stem+ext] {
			return true
		}
	}
	return false
}

func (s *DirStore) describe(id, path string, entry dirEntry) Metadata {
	md := Metadata{
		ID:          id,
		Filename:    filepath.Base(path),
		Type:        entry.kind,
		IsLivePhoto: entry.kind == KindLivePhoto,
	}
	if info, err := os.Stat(path); err == nil {
		md.CreationDate = info.ModTime().UTC().Format(time.RFC3339)
	}
	if entry.kind != KindVideo {
		if f, err := os.Open(path); err == nil {
			if cfg, _, err := image.DecodeConfig(f); err == nil {
				md.Width = cfg.Width
				md.Height = cfg.Height
			}
			f.Close()
		}
	}
	if entry.kind != KindPhoto {
		// Container parsing is out of reach here; an unknown duration is
		// reported as zero rather than omitted, since the field is
		// expected for video and live types.
		zero := 0.0
		md.DurationSeconds = &zero
	}
	return md
}

// resolve maps an id to its entry, rescanning once if the store has not
// been listed yet.
func (s *DirStore) resolve(ctx context.Context, id string) (dirEntry, error) {
	s.mu.Lock()
	scanned := s.index != nil
	entry, ok := s.index[id]
	s.mu.Unlock()

	if !ok && !scanned {
		if _, err := s.List(ctx); err != nil {
			return dirEntry{}, err
		}
		s.mu.Lock()
		entry, ok = s.index[id]
		s.mu.Unlock()
	}
	if !ok {
		return dirEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, nil
}

// SizeOf stats the primary component.
func (s *DirStore) SizeOf(ctx context.Context, id string) (int64, error) {
	entry, err := s.resolve(ctx, id)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(entry.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", id, err)
	}
	return info.Size(), nil
}

// ReadFile returns the raw bytes for id. The "<id>/motion" form resolves
// a live photo's paired video component.
func (s *DirStore) ReadFile(ctx context.Context, id string) ([]byte, error) {
	if base, ok := strings.CutSuffix(id, MotionSuffix); ok {
		entry, err := s.resolve(ctx, base)
		if err != nil {
			return nil, err
		}
		if entry.motion == "" {
			return nil, fmt.Errorf("%w: %s has no motion component", ErrNotFound, base)
		}
		return os.ReadFile(entry.motion)
	}

	entry, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(entry.path)
}

// Thumbnail decodes the still image, scales its longest side down to 256
// pixels and re-encodes as JPEG. Videos have no extractable poster frame
// in this store, so they report not-found and the request is dropped.
func (s *DirStore) Thumbnail(ctx context.Context, id string) ([]byte, error) {
	entry, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.kind == KindVideo {
		return nil, fmt.Errorf("%w: no thumbnail for video %s", ErrNotFound, id)
	}

	f, err := os.Open(entry.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > thumbnailMaxDim || h > thumbnailMaxDim {
		scale := float64(thumbnailMaxDim) / float64(max(w, h))
		w = max(1, int(float64(w)*scale))
		h = max(1, int(float64(h)*scale))
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode thumbnail for %s: %w", id, err)
	}
	return buf.Bytes(), nil
}
