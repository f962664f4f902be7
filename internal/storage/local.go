package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog/log"
)

// Local stores objects on a billy filesystem (osfs in production,
// memfs in tests). Presigned URLs degrade to signed API-relative paths;
// callers treat them as opaque retrievable URLs either way.
type Local struct {
	fs     billy.Filesystem
	signer *URLSigner
}

var _ Backend = (*Local)(nil)

// NewLocal creates a local backend rooted at fs. signer may be nil, in
// which case presigned URL requests fail with ErrPresignUnsupported.
func NewLocal(fs billy.Filesystem, signer *URLSigner) *Local {
	return &Local{fs: fs, signer: signer}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Store(ctx context.Context, r io.Reader, size int64, filename, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := SanitizeFilename(filename)
	storagePath := JoinPath(dir, name)

	if dir != "" {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// Reject empty streams before creating anything.
	buf := make([]byte, 32*1024)
	n, readErr := io.ReadFull(r, buf)
	if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("read upload stream: %w", readErr)
	}
	if n == 0 {
		return "", ErrEmptyStream
	}

	// Write to a temp file, then rename into place so a concurrent
	// reader never observes a half-written object.
	tmp, err := l.fs.TempFile(dir, ".upload-")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		_ = l.fs.Remove(tmpName)
	}

	if _, err := tmp.Write(buf[:n]); err != nil {
		cleanup()
		return "", fmt.Errorf("write object: %w", err)
	}
	if readErr == nil {
		if _, err := io.Copy(tmp, r); err != nil {
			cleanup()
			return "", fmt.Errorf("write object: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = l.fs.Remove(tmpName)
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := l.fs.Rename(tmpName, storagePath); err != nil {
		_ = l.fs.Remove(tmpName)
		return "", fmt.Errorf("commit object %s: %w", storagePath, err)
	}
	return storagePath, nil
}

func (l *Local) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := l.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func (l *Local) PresignedDownloadURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	if l.signer == nil {
		return "", ErrPresignUnsupported
	}
	return l.signer.Sign(path, "GET", "", ttl)
}

func (l *Local) PresignedUploadURL(_ context.Context, path, contentType string, ttl time.Duration) (string, error) {
	if l.signer == nil {
		return "", ErrPresignUnsupported
	}
	return l.signer.Sign(path, "PUT", contentType, ttl)
}

func (l *Local) Delete(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := l.fs.Remove(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", path, err)
	}
	return true, nil
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := l.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

func (l *Local) Copy(ctx context.Context, src, dst string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	in, err := l.fs.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return false, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if dir := parentDir(dst); dir != "" {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	out, err := l.fs.Create(dst)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = l.fs.Remove(dst)
		return false, fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		_ = l.fs.Remove(dst)
		return false, fmt.Errorf("close %s: %w", dst, err)
	}
	return true, nil
}

func (l *Local) Move(ctx context.Context, src, dst string) (bool, error) {
	if ok, err := l.Copy(ctx, src, dst); !ok {
		return false, err
	}
	if _, err := l.Delete(ctx, src); err != nil {
		// Copy succeeded but cleanup failed: both objects now exist.
		log.Warn().Err(err).Str("src", src).Str("dst", dst).
			Msg("move left duplicate object: delete after copy failed")
		return false, fmt.Errorf("move %s to %s: source not removed: %w", src, dst, err)
	}
	return true, nil
}

func (l *Local) ComputeHash(ctx context.Context, path string) (string, error) {
	r, err := l.Read(ctx, path)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return HashReader(r)
}

func (l *Local) MergeChunks(ctx context.Context, chunkPaths []string, filename, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// Verify completeness before any byte is written so a failed merge
	// never leaves a partial target.
	for _, p := range chunkPaths {
		if _, err := l.fs.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("%w: %s", ErrMissingChunk, p)
			}
			return "", fmt.Errorf("stat chunk %s: %w", p, err)
		}
	}

	name := SanitizeFilename(filename)
	storagePath := JoinPath(dir, name)
	if dir != "" {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	tmp, err := l.fs.TempFile(dir, ".merge-")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	for _, p := range chunkPaths {
		chunk, err := l.fs.Open(p)
		if err != nil {
			tmp.Close()
			_ = l.fs.Remove(tmpName)
			return "", fmt.Errorf("open chunk %s: %w", p, err)
		}
		_, err = io.Copy(tmp, chunk)
		chunk.Close()
		if err != nil {
			tmp.Close()
			_ = l.fs.Remove(tmpName)
			return "", fmt.Errorf("append chunk %s: %w", p, err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = l.fs.Remove(tmpName)
		return "", fmt.Errorf("close merged object: %w", err)
	}
	if err := l.fs.Rename(tmpName, storagePath); err != nil {
		_ = l.fs.Remove(tmpName)
		return "", fmt.Errorf("commit merged object %s: %w", storagePath, err)
	}
	return storagePath, nil
}

func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return ""
}
