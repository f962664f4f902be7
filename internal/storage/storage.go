// Package storage provides a uniform backend interface over a local
// filesystem or an S3-compatible object store. Callers stay
// backend-agnostic; the one documented behavioral difference is the
// shape of "presigned" URLs (true presigned URLs for the object store,
// signed API-relative paths for the local backend). Both are opaque
// retrievable URLs from the caller's point of view.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the referenced object is absent.
	ErrNotFound = errors.New("object not found")

	// ErrEmptyStream is returned by Store when the upload stream
	// carries no bytes.
	ErrEmptyStream = errors.New("empty content stream")

	// ErrMissingChunk is returned by MergeChunks when a chunk path
	// does not resolve to a stored object.
	ErrMissingChunk = errors.New("chunk missing at merge time")

	// ErrPresignUnsupported is returned by backends that cannot mint
	// an upload URL for direct client transfer.
	ErrPresignUnsupported = errors.New("presigned upload not supported")
)

// Backend is the storage contract implemented identically by the local
// filesystem and object-store variants.
type Backend interface {
	// Name returns the backend identifier ("local" or "s3").
	Name() string

	// Store sanitizes filename, writes the stream under dir and
	// returns the resolved storage path. An existing object at that
	// path is overwritten. Fails with ErrEmptyStream when the stream
	// has no bytes.
	Store(ctx context.Context, r io.Reader, size int64, filename, dir string) (string, error)

	// Read opens the object for sequential reading. The caller closes
	// the reader. Fails with ErrNotFound when absent.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// PresignedDownloadURL returns a time-limited URL granting read
	// access to the object without proxying through the application.
	PresignedDownloadURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// PresignedUploadURL returns a time-limited URL granting direct
	// write access to the path.
	PresignedUploadURL(ctx context.Context, path, contentType string, ttl time.Duration) (string, error)

	// Delete removes the object. Idempotent: deleting an absent object
	// is not an error and reports false.
	Delete(ctx context.Context, path string) (bool, error)

	// Copy duplicates src to dst, reporting whether a copy happened.
	Copy(ctx context.Context, src, dst string) (bool, error)

	// Move relocates src to dst as copy-then-delete. If the copy
	// fails the source is untouched. If the delete fails after a
	// successful copy the move reports failure and the duplicate at
	// dst is surfaced as a warning, never silently swallowed.
	Move(ctx context.Context, src, dst string) (bool, error)

	// Exists reports whether an object is stored at path.
	Exists(ctx context.Context, path string) (bool, error)

	// ComputeHash returns the hex SHA-256 of the object's content,
	// used for deduplication decisions.
	ComputeHash(ctx context.Context, path string) (string, error)

	// MergeChunks concatenates the chunk objects in the given order
	// into a single object named filename under dir and returns its
	// storage path. Fails with ErrMissingChunk if any chunk path is
	// absent; nothing is written in that case.
	MergeChunks(ctx context.Context, chunkPaths []string, filename, dir string) (string, error)
}
