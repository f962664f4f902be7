// Package search routes queries to either structured store lookups or
// a full-text index, degrading gracefully when the index is absent or
// failing.
package search

import "context"

// Document is what the full-text backend indexes per file.
type Document struct {
	FileID   string   `json:"file_id"`
	OwnerID  string   `json:"owner_id"`
	Filename string   `json:"filename"`
	Content  string   `json:"content"`
	FileType string   `json:"file_type"`
	Tags     []string `json:"tags"`
}

// Hit is one ranked full-text match.
type Hit struct {
	FileID string
	Score  float64
}

// FullText is the pluggable index capability. Absence of a backend is
// a valid configuration; the coordinator probes availability once at
// startup.
type FullText interface {
	// Probe verifies the backend is reachable and usable.
	Probe(ctx context.Context) error
	Index(ctx context.Context, doc *Document) error
	Remove(ctx context.Context, fileID string) error
	// Search returns ranked file ids for the owner, zero-based page.
	Search(ctx context.Context, query, ownerID string, page, size int) ([]Hit, int, error)
	// SearchContent matches against extracted file content only.
	SearchContent(ctx context.Context, query, ownerID string, page, size int) ([]Hit, int, error)
	SearchByType(ctx context.Context, fileType, ownerID string, page, size int) ([]Hit, int, error)
	SearchByTag(ctx context.Context, tag, ownerID string, page, size int) ([]Hit, int, error)
	Close() error
}
