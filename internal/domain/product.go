package domain

import "time"

// ProductKind enumerates product media types.
type ProductKind string

const (
	ProductKindImage ProductKind = "image"
	ProductKindVideo ProductKind = "video"
	ProductKindAudio ProductKind = "audio"
)

// Product is one concrete output produced by a completed generation.
// Immutable once created except for metadata and the favorite flag.
type Product struct {
	ID           string
	GenerationID string
	Kind         ProductKind
	FilePath     string
	Width        int
	Height       int
	Format       string
	FileSize     int64
	Favorite     bool
	Metadata     map[string]any
	CreatedAt    time.Time
}
