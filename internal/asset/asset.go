// Package asset defines the media library collaborator: metadata records
// as they cross the wire, the Store interface the session depends on, and
// the aggregate list builder.
package asset

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound reports that an id does not resolve to a library item.
var ErrNotFound = errors.New("asset not found")

// Kind classifies a library item.
type Kind string

const (
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindLivePhoto Kind = "live_photo"
)

// Metadata describes one library item as exchanged with the peer. The
// JSON keys are a contract with the peer implementation; never rename.
type Metadata struct {
	ID              string   `json:"id"`
	Filename        string   `json:"filename"`
	Type            Kind     `json:"type"`
	SizeBytes       int64    `json:"size_bytes"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	CreationDate    string   `json:"creation_date"`
	IsLivePhoto     bool     `json:"is_live_photo"`
}

// List is the full ASSETS_LIST response body. The counts and total size
// are derived aggregates and must always equal recomputation from Assets.
type List struct {
	TotalCount     int        `json:"total_count"`
	PhotosCount    int        `json:"photos_count"`
	VideosCount    int        `json:"videos_count"`
	TotalSizeBytes int64      `json:"total_size_bytes"`
	Assets         []Metadata `json:"assets"`
}

// Store is the external library collaborator. The metadata query is cheap
// and deliberately omits sizes; SizeOf is a separate call so the cost of
// stat-ing every item is paid only when building the aggregate response.
// Thumbnail and ReadFile may be slow (disk or network) and must honor ctx.
type Store interface {
	List(ctx context.Context) ([]Metadata, error)
	SizeOf(ctx context.Context, id string) (int64, error)
	Thumbnail(ctx context.Context, id string) ([]byte, error)
	ReadFile(ctx context.Context, id string) ([]byte, error)
}

// BuildList resolves sizes and computes the aggregates for a full
// metadata snapshot. Photos and live photos count as photos; only plain
// videos count as videos.
func BuildList(ctx context.Context, s Store) (List, error) {
	assets, err := s.List(ctx)
	if err != nil {
		return List{}, fmt.Errorf("list assets: %w", err)
	}

	out := List{Assets: assets, TotalCount: len(assets)}
	for i := range out.Assets {
		size, err := s.SizeOf(ctx, out.Assets[i].ID)
		if err != nil {
			return List{}, fmt.Errorf("size of %s: %w", out.Assets[i].ID, err)
		}
		out.Assets[i].SizeBytes = size
		out.TotalSizeBytes += size

		switch out.Assets[i].Type {
		case KindVideo:
			out.VideosCount++
		default:
			out.PhotosCount++
		}
	}
	return out, nil
}
