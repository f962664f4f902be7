package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// S3Config holds the connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// S3 stores objects in an S3-compatible bucket via the MinIO client.
// Storage paths are object keys.
type S3 struct {
	client *minio.Client
	bucket string
}

var _ Backend = (*S3)(nil)

// NewS3 connects to the endpoint and ensures the bucket exists.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("created storage bucket")
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Name() string { return "s3" }

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *S3) Store(ctx context.Context, r io.Reader, size int64, filename, dir string) (string, error) {
	name := SanitizeFilename(filename)
	key := JoinPath(dir, name)

	// Peek one byte so an empty stream is rejected before a zero-byte
	// object lands in the bucket.
	peek := make([]byte, 1)
	n, readErr := r.Read(peek)
	if readErr != nil && readErr != io.EOF {
		return "", fmt.Errorf("read upload stream: %w", readErr)
	}
	if n == 0 {
		return "", ErrEmptyStream
	}
	body := io.MultiReader(bytes.NewReader(peek[:n]), r)

	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

func (s *S3) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	// GetObject is lazy; Stat forces the first round trip so absence
	// is reported here rather than on first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat object %s: %w", path, err)
	}
	return obj, nil
}

func (s *S3) PresignedDownloadURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, path, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", path, err)
	}
	return u.String(), nil
}

func (s *S3) PresignedUploadURL(ctx context.Context, path, contentType string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, path, ttl)
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", path, err)
	}
	return u.String(), nil
}

func (s *S3) Delete(ctx context.Context, path string) (bool, error) {
	// RemoveObject succeeds on absent keys, so check first to keep the
	// idempotent "absent reports false" contract.
	exists, err := s.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("delete object %s: %w", path, err)
	}
	return true, nil
}

func (s *S3) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", path, err)
	}
	return true, nil
}

func (s *S3) Copy(ctx context.Context, src, dst string) (bool, error) {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src},
	)
	if err != nil {
		if isNoSuchKey(err) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return false, fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return true, nil
}

// Move is copy-then-delete; the object store offers no atomic rename.
// A delete failure after a successful copy leaves a duplicate at dst,
// which is logged and reported as a failed move.
func (s *S3) Move(ctx context.Context, src, dst string) (bool, error) {
	if ok, err := s.Copy(ctx, src, dst); !ok {
		return false, err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, src, minio.RemoveObjectOptions{}); err != nil {
		log.Warn().Err(err).Str("src", src).Str("dst", dst).
			Msg("move left duplicate object: delete after copy failed")
		return false, fmt.Errorf("move %s to %s: source not removed: %w", src, dst, err)
	}
	return true, nil
}

func (s *S3) ComputeHash(ctx context.Context, path string) (string, error) {
	r, err := s.Read(ctx, path)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return HashReader(r)
}

func (s *S3) MergeChunks(ctx context.Context, chunkPaths []string, filename, dir string) (string, error) {
	name := SanitizeFilename(filename)
	key := JoinPath(dir, name)

	// Verify every chunk is present and sum sizes before streaming.
	var total int64
	for _, p := range chunkPaths {
		info, err := s.client.StatObject(ctx, s.bucket, p, minio.StatObjectOptions{})
		if err != nil {
			if isNoSuchKey(err) {
				return "", fmt.Errorf("%w: %s", ErrMissingChunk, p)
			}
			return "", fmt.Errorf("stat chunk %s: %w", p, err)
		}
		total += info.Size
	}

	pr, pw := io.Pipe()
	go func() {
		for _, p := range chunkPaths {
			obj, err := s.client.GetObject(ctx, s.bucket, p, minio.GetObjectOptions{})
			if err != nil {
				pw.CloseWithError(fmt.Errorf("get chunk %s: %w", p, err))
				return
			}
			_, err = io.Copy(pw, obj)
			obj.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("stream chunk %s: %w", p, err))
				return
			}
		}
		pw.Close()
	}()

	_, err := s.client.PutObject(ctx, s.bucket, key, pr, total, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("write merged object %s: %w", key, err)
	}
	return key, nil
}
