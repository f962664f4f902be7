// Package core orchestrates uploads, downloads, and file lifecycle
// across the quota ledger, storage backend, notification dispatcher,
// and search coordinator.
package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fileflow/fileflow/internal/metrics"
	"github.com/fileflow/fileflow/internal/notify"
	"github.com/fileflow/fileflow/internal/quota"
	"github.com/fileflow/fileflow/internal/search"
	"github.com/fileflow/fileflow/internal/storage"
	"github.com/fileflow/fileflow/internal/store"
	"github.com/fileflow/fileflow/internal/upload"
)

var (
	// ErrQuotaExceeded is returned when a reservation cannot be
	// granted.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrNotOwner is returned when a user operates on a file they do
	// not own.
	ErrNotOwner = errors.New("not the file owner")
)

// quotaAlertThreshold is the usage percentage past which a quota alert
// notification is emitted after a confirmed upload.
const quotaAlertThreshold = 90.0

// Service is the coordination layer behind the HTTP handlers.
type Service struct {
	store     store.Store
	backend   storage.Backend
	ledger    *quota.Ledger
	assembler *upload.Assembler
	notifier  *notify.Dispatcher
	searcher  *search.Coordinator
	metrics   *metrics.Metrics
}

func NewService(st store.Store, backend storage.Backend, ledger *quota.Ledger, assembler *upload.Assembler, notifier *notify.Dispatcher, searcher *search.Coordinator, m *metrics.Metrics) *Service {
	return &Service{
		store:     st,
		backend:   backend,
		ledger:    ledger,
		assembler: assembler,
		notifier:  notifier,
		searcher:  searcher,
		metrics:   m,
	}
}

// hashingReader accumulates a SHA-256 digest of everything read
// through it.
type hashingReader struct {
	r io.Reader
	h io.Writer
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
	}
	return n, err
}

// Upload stores a complete file stream for the user: reserve quota,
// write the object, confirm usage, persist the record, notify, and
// index asynchronously. Any failure after the reservation releases it.
func (s *Service) Upload(ctx context.Context, userID, filename, contentType string, r io.Reader, size int64, parentID string) (*store.FileRecord, error) {
	name := storage.SanitizeFilename(filename)

	ok, err := s.ledger.CheckAndReserve(ctx, userID, size)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if !ok {
		s.metrics.QuotaReservations.WithLabelValues("denied").Inc()
		return nil, fmt.Errorf("%w: %d bytes requested", ErrQuotaExceeded, size)
	}
	s.metrics.QuotaReservations.WithLabelValues("granted").Inc()

	// Objects are namespaced by file id so same-named uploads never
	// collide.
	fileID := uuid.New().String()

	hasher := sha256.New()
	path, err := s.backend.Store(ctx, &hashingReader{r: r, h: hasher}, size, name, storage.JoinPath(userID, fileID))
	if err != nil {
		s.releaseReservation(ctx, userID, size)
		s.metrics.UploadsTotal.WithLabelValues(s.backend.Name(), "error").Inc()
		return nil, fmt.Errorf("store object: %w", err)
	}

	rec := &store.FileRecord{
		ID:          fileID,
		OwnerID:     userID,
		Name:        name,
		StoragePath: path,
		Size:        size,
		ContentType: contentType,
		Hash:        hex.EncodeToString(hasher.Sum(nil)),
		ParentID:    parentID,
		CreatedAt:   time.Now(),
	}
	return s.commitUpload(ctx, rec)
}

// commitUpload confirms the reservation, persists the record, and
// fires notifications and indexing. The object at rec.StoragePath is
// already durable.
func (s *Service) commitUpload(ctx context.Context, rec *store.FileRecord) (*store.FileRecord, error) {
	if err := s.ledger.Confirm(ctx, rec.OwnerID, rec.Size); err != nil {
		// The object is stored; usage accounting failed. Roll the
		// object back rather than leak unaccounted bytes.
		if _, delErr := s.backend.Delete(ctx, rec.StoragePath); delErr != nil {
			log.Error().Err(delErr).Str("path", rec.StoragePath).
				Msg("failed to remove object after confirm failure")
		}
		s.metrics.UploadsTotal.WithLabelValues(s.backend.Name(), "error").Inc()
		return nil, fmt.Errorf("confirm quota: %w", err)
	}

	if err := s.store.PutFile(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist file record: %w", err)
	}

	s.metrics.UploadsTotal.WithLabelValues(s.backend.Name(), "ok").Inc()
	s.metrics.UploadBytesTotal.WithLabelValues(s.backend.Name()).Add(float64(rec.Size))

	s.publishFileEvent(ctx, rec, notify.ActionCreated)
	s.maybeQuotaAlert(ctx, rec.OwnerID)
	go s.indexFile(rec)

	log.Info().Str("file", rec.ID).Str("owner", rec.OwnerID).
		Int64("size", rec.Size).Str("backend", s.backend.Name()).
		Msg("file uploaded")
	return rec, nil
}

// indexFile extracts and indexes content in the background. Indexing
// failures never affect the upload.
func (s *Service) indexFile(rec *store.FileRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var content string
	if s.searcher.Extractor().Extractable(rec.Name, rec.ContentType) {
		rc, err := s.backend.Read(ctx, rec.StoragePath)
		if err != nil {
			log.Warn().Err(err).Str("file", rec.ID).Msg("failed to read file for indexing")
			return
		}
		defer rc.Close()
		content, err = s.searcher.Extractor().Extract(rec.Name, rec.ContentType, rc)
		if err != nil {
			log.Warn().Err(err).Str("file", rec.ID).Msg("failed to extract content")
			return
		}
	}

	if err := s.searcher.IndexFile(ctx, rec, content, nil); err != nil {
		log.Warn().Err(err).Str("file", rec.ID).Msg("failed to index file")
	}
}

func (s *Service) releaseReservation(ctx context.Context, userID string, size int64) {
	if err := s.ledger.Release(ctx, userID, size); err != nil {
		log.Warn().Err(err).Str("user", userID).Int64("size", size).
			Msg("failed to release reservation")
	}
	s.metrics.QuotaReleases.Inc()
}

func (s *Service) publishFileEvent(ctx context.Context, rec *store.FileRecord, action string) {
	env, err := notify.NewEnvelope(notify.TypeFileChange, rec.ID, action, map[string]any{
		"name": rec.Name,
		"size": rec.Size,
	})
	if err != nil {
		log.Warn().Err(err).Str("file", rec.ID).Msg("failed to build notification")
		return
	}
	if _, err := s.notifier.Publish(ctx, env, store.ItemFile, rec.OwnerID); err != nil {
		log.Warn().Err(err).Str("file", rec.ID).Msg("failed to publish notification")
	}
}

func (s *Service) maybeQuotaAlert(ctx context.Context, userID string) {
	usage, err := s.ledger.Usage(ctx, userID)
	if err != nil {
		return
	}
	if usage.UsagePercentage < quotaAlertThreshold {
		return
	}
	env, err := notify.NewEnvelope(notify.TypeQuotaAlert, userID, notify.ActionUpdated, usage)
	if err != nil {
		return
	}
	if err := s.notifier.NotifyUser(ctx, userID, env); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("failed to send quota alert")
	}
}

// OpenChunkedUpload reserves quota for the declared size and opens an
// assembler session. The reservation expires with the ledger TTL if
// the session is abandoned.
func (s *Service) OpenChunkedUpload(ctx context.Context, userID string, totalSize int64, totalChunks int, filename string) (string, error) {
	name := storage.SanitizeFilename(filename)

	ok, err := s.ledger.CheckAndReserve(ctx, userID, totalSize)
	if err != nil {
		return "", fmt.Errorf("reserve quota: %w", err)
	}
	if !ok {
		s.metrics.QuotaReservations.WithLabelValues("denied").Inc()
		return "", fmt.Errorf("%w: %d bytes requested", ErrQuotaExceeded, totalSize)
	}
	s.metrics.QuotaReservations.WithLabelValues("granted").Inc()

	id, err := s.assembler.OpenSession(userID, totalSize, totalChunks, name, storage.JoinPath(userID, uuid.New().String()))
	if err != nil {
		s.releaseReservation(ctx, userID, totalSize)
		return "", err
	}
	s.metrics.ChunkSessionsActive.Inc()
	return id, nil
}

// UploadChunk stages one chunk of an open session.
func (s *Service) UploadChunk(ctx context.Context, sessionID string, chunkNumber int, r io.Reader, size int64) error {
	return s.assembler.ReceiveChunk(ctx, sessionID, chunkNumber, r, size)
}

// FinalizeChunkedUpload merges the session into a single object and
// commits it like a direct upload. On merge failure the session stays
// open and the reservation stands.
func (s *Service) FinalizeChunkedUpload(ctx context.Context, userID, sessionID, contentType, parentID string) (*store.FileRecord, error) {
	info, err := s.assembler.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if info.Owner != userID {
		return nil, ErrNotOwner
	}

	path, err := s.assembler.Finalize(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.metrics.ChunkSessionsActive.Dec()

	// Hash the assembled object for dedup bookkeeping.
	hash, err := s.hashObject(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to hash assembled object")
	}

	rec := &store.FileRecord{
		ID:          uuid.New().String(),
		OwnerID:     userID,
		Name:        info.Filename,
		StoragePath: path,
		Size:        info.TotalSize,
		ContentType: contentType,
		Hash:        hash,
		ParentID:    parentID,
		CreatedAt:   time.Now(),
	}
	return s.commitUpload(ctx, rec)
}

// AbortChunkedUpload releases the session's reservation and discards
// staged chunks.
func (s *Service) AbortChunkedUpload(ctx context.Context, userID, sessionID string) error {
	info, err := s.assembler.Session(sessionID)
	if err != nil {
		return err
	}
	if info.Owner != userID {
		return ErrNotOwner
	}
	if err := s.assembler.Abort(ctx, sessionID); err != nil {
		return err
	}
	s.metrics.ChunkSessionsActive.Dec()
	s.releaseReservation(ctx, userID, info.TotalSize)
	return nil
}

func (s *Service) hashObject(ctx context.Context, path string) (string, error) {
	rc, err := s.backend.Read(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return storage.HashReader(rc)
}

// Download streams the file to the caller after an ownership check.
func (s *Service) Download(ctx context.Context, userID, fileID string) (io.ReadCloser, *store.FileRecord, error) {
	rec, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.backend.Read(ctx, rec.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("read object: %w", err)
	}
	s.metrics.DownloadsTotal.Inc()
	return rc, rec, nil
}

// DownloadURL returns a short-lived URL for direct download.
func (s *Service) DownloadURL(ctx context.Context, userID, fileID string, expiry time.Duration) (string, error) {
	rec, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return "", err
	}
	return s.backend.PresignedDownloadURL(ctx, rec.StoragePath, expiry)
}

// Delete soft-deletes the record, removes the object, releases the
// confirmed usage, and drops the search index entry.
func (s *Service) Delete(ctx context.Context, userID, fileID string) error {
	rec, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}

	now := time.Now()
	rec.Deleted = true
	rec.DeletedAt = &now
	if err := s.store.PutFile(ctx, rec); err != nil {
		return fmt.Errorf("mark file deleted: %w", err)
	}

	if _, err := s.backend.Delete(ctx, rec.StoragePath); err != nil {
		log.Warn().Err(err).Str("file", rec.ID).Str("path", rec.StoragePath).
			Msg("failed to delete object, record already marked deleted")
	}

	if err := s.ledger.ReleaseStorage(ctx, userID, rec.Size); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("failed to release storage usage")
	}

	s.publishFileEvent(ctx, rec, notify.ActionDeleted)
	if err := s.searcher.RemoveIndex(ctx, rec.ID); err != nil {
		log.Warn().Err(err).Str("file", rec.ID).Msg("failed to remove index entry")
	}

	log.Info().Str("file", rec.ID).Str("owner", userID).Msg("file deleted")
	return nil
}

// Move relocates the object to a new directory and updates the
// record's parent. A failed cleanup of the source leaves a duplicate
// object; the record always points at the destination.
func (s *Service) Move(ctx context.Context, userID, fileID, newParentID, newDir string) error {
	rec, err := s.ownedFile(ctx, userID, fileID)
	if err != nil {
		return err
	}

	dest := storage.JoinPath(storage.JoinPath(newDir, rec.ID), rec.Name)
	if _, err := s.backend.Move(ctx, rec.StoragePath, dest); err != nil {
		return fmt.Errorf("move object: %w", err)
	}

	rec.StoragePath = dest
	rec.ParentID = newParentID
	if err := s.store.PutFile(ctx, rec); err != nil {
		return fmt.Errorf("update file record: %w", err)
	}

	s.publishFileEvent(ctx, rec, notify.ActionMoved)
	return nil
}

// Usage reports the user's quota accounting snapshot.
func (s *Service) Usage(ctx context.Context, userID string) (*quota.Usage, error) {
	return s.ledger.Usage(ctx, userID)
}

func (s *Service) ownedFile(ctx context.Context, userID, fileID string) (*store.FileRecord, error) {
	rec, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != userID {
		return nil, ErrNotOwner
	}
	if rec.Deleted {
		return nil, store.ErrNotFound
	}
	return rec, nil
}
