// Package upload accumulates chunked upload sessions and assembles
// them into single stored objects. Session lifecycle:
// open -> (receive chunk)* -> complete -> merged, or open -> expired
// once the TTL sweep reclaims an abandoned session.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fileflow/fileflow/internal/storage"
)

// DefaultSessionTTL is how long an unfinished session may live.
const DefaultSessionTTL = time.Hour

var (
	// ErrSessionNotFound is returned for unknown or already-consumed
	// session ids. Expired sessions surface the same way to late
	// callers.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrInvalidChunk is returned when the chunk number is outside the
	// declared range.
	ErrInvalidChunk = errors.New("chunk number out of range")

	// ErrIncomplete is returned by Finalize when declared chunks are
	// still missing. The session stays open so the client can upload
	// the missing chunks and retry.
	ErrIncomplete = errors.New("upload session incomplete")

	// ErrValidation is returned for malformed open requests.
	ErrValidation = errors.New("invalid upload session parameters")
)

const chunkDirPrefix = "chunks/"

type chunkRecord struct {
	path string
	size int64
}

type session struct {
	// mu serializes finalize against in-flight receives: receives take
	// the read side so different chunk numbers proceed in parallel,
	// finalize takes the write side.
	mu sync.RWMutex

	id          string
	owner       string
	filename    string
	dir         string
	totalSize   int64
	totalChunks int
	createdAt   time.Time
	expiresAt   time.Time

	chunksMu sync.Mutex
	chunks   map[int]chunkRecord
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID          string
	Owner       string
	Filename    string
	TotalSize   int64
	TotalChunks int
	Received    int
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Assembler owns all in-flight chunked upload sessions. Chunks are
// staged through the storage backend under chunks/<session-id>/ and
// deleted only after a successful merge.
type Assembler struct {
	backend storage.Backend
	ttl     time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewAssembler creates an assembler staging chunks on backend. A
// non-positive ttl falls back to DefaultSessionTTL.
func NewAssembler(backend storage.Backend, ttl time.Duration) *Assembler {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Assembler{
		backend:  backend,
		ttl:      ttl,
		sessions: make(map[string]*session),
	}
}

// OpenSession starts a chunked upload and returns its session id.
func (a *Assembler) OpenSession(owner string, totalSize int64, totalChunks int, filename, dir string) (string, error) {
	if owner == "" || filename == "" {
		return "", fmt.Errorf("%w: owner and filename required", ErrValidation)
	}
	if totalSize <= 0 || totalChunks <= 0 {
		return "", fmt.Errorf("%w: size and chunk count must be positive", ErrValidation)
	}
	now := time.Now()
	s := &session{
		id:          uuid.New().String(),
		owner:       owner,
		filename:    filename,
		dir:         dir,
		totalSize:   totalSize,
		totalChunks: totalChunks,
		createdAt:   now,
		expiresAt:   now.Add(a.ttl),
		chunks:      make(map[int]chunkRecord),
	}
	a.mu.Lock()
	a.sessions[s.id] = s
	a.mu.Unlock()

	log.Debug().Str("session", s.id).Str("owner", owner).
		Int("chunks", totalChunks).Int64("size", totalSize).
		Msg("opened chunked upload session")
	return s.id, nil
}

func (a *Assembler) get(id string) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if time.Now().After(s.expiresAt) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ReceiveChunk stages one chunk of the session. Re-receipt of an
// already-stored chunk number overwrites the previous bytes. Receives
// for different chunk numbers of the same session proceed in parallel.
func (a *Assembler) ReceiveChunk(ctx context.Context, sessionID string, chunkNumber int, r io.Reader, size int64) error {
	s, err := a.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if chunkNumber < 1 || chunkNumber > s.totalChunks {
		return fmt.Errorf("%w: %d not in [1,%d]", ErrInvalidChunk, chunkNumber, s.totalChunks)
	}

	path, err := a.backend.Store(ctx, r, size,
		fmt.Sprintf("%06d.chunk", chunkNumber), chunkDirPrefix+s.id)
	if err != nil {
		return fmt.Errorf("stage chunk %d of %s: %w", chunkNumber, sessionID, err)
	}

	s.chunksMu.Lock()
	s.chunks[chunkNumber] = chunkRecord{path: path, size: size}
	received := len(s.chunks)
	s.chunksMu.Unlock()

	log.Debug().Str("session", sessionID).Int("chunk", chunkNumber).
		Int("received", received).Int("total", s.totalChunks).
		Msg("received chunk")
	return nil
}

// Finalize merges all chunks in ascending chunk-number order into the
// target object and returns its storage path. Chunk objects are
// deleted only after the merge succeeds; on any failure the session
// stays open and recoverable.
func (a *Assembler) Finalize(ctx context.Context, sessionID string) (string, error) {
	s, err := a.get(sessionID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunksMu.Lock()
	received := len(s.chunks)
	numbers := make([]int, 0, received)
	for n := range s.chunks {
		numbers = append(numbers, n)
	}
	s.chunksMu.Unlock()

	if received != s.totalChunks {
		return "", fmt.Errorf("%w: %d of %d chunks received", ErrIncomplete, received, s.totalChunks)
	}

	// Chunk numbers are unique map keys, so ascending sort fully
	// determines the byte order regardless of arrival order.
	sort.Ints(numbers)
	paths := make([]string, len(numbers))
	for i, n := range numbers {
		paths[i] = s.chunks[n].path
	}

	storagePath, err := a.backend.MergeChunks(ctx, paths, s.filename, s.dir)
	if err != nil {
		return "", fmt.Errorf("merge session %s: %w", sessionID, err)
	}

	// Merge is durable; now the staged chunks and the session go away.
	a.deleteChunks(ctx, paths)
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()

	log.Info().Str("session", sessionID).Str("path", storagePath).
		Int("chunks", len(paths)).Msg("merged chunked upload")
	return storagePath, nil
}

// Session returns a snapshot of an open session.
func (a *Assembler) Session(id string) (*SessionInfo, error) {
	s, err := a.get(id)
	if err != nil {
		return nil, err
	}
	s.chunksMu.Lock()
	received := len(s.chunks)
	s.chunksMu.Unlock()
	return &SessionInfo{
		ID:          s.id,
		Owner:       s.owner,
		Filename:    s.filename,
		TotalSize:   s.totalSize,
		TotalChunks: s.totalChunks,
		Received:    received,
		CreatedAt:   s.createdAt,
		ExpiresAt:   s.expiresAt,
	}, nil
}

// Abort discards the session and its staged chunks.
func (a *Assembler) Abort(ctx context.Context, sessionID string) error {
	s, err := a.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()

	s.chunksMu.Lock()
	paths := make([]string, 0, len(s.chunks))
	for _, c := range s.chunks {
		paths = append(paths, c.path)
	}
	s.chunksMu.Unlock()
	a.deleteChunks(ctx, paths)

	log.Info().Str("session", sessionID).Msg("aborted chunked upload session")
	return nil
}

// SweepExpired reclaims sessions past their TTL, deleting their staged
// chunks. Returns the number of sessions expired.
func (a *Assembler) SweepExpired(ctx context.Context) int {
	now := time.Now()
	a.mu.Lock()
	var expired []*session
	for id, s := range a.sessions {
		if now.After(s.expiresAt) {
			expired = append(expired, s)
			delete(a.sessions, id)
		}
	}
	a.mu.Unlock()

	for _, s := range expired {
		s.mu.Lock()
		s.chunksMu.Lock()
		paths := make([]string, 0, len(s.chunks))
		for _, c := range s.chunks {
			paths = append(paths, c.path)
		}
		s.chunksMu.Unlock()
		a.deleteChunks(ctx, paths)
		s.mu.Unlock()
		log.Info().Str("session", s.id).Str("owner", s.owner).
			Int("chunks", len(paths)).Msg("expired abandoned upload session")
	}
	return len(expired)
}

// RunSweeper runs SweepExpired on the given interval until ctx is done.
func (a *Assembler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SweepExpired(ctx)
		}
	}
}

func (a *Assembler) deleteChunks(ctx context.Context, paths []string) {
	for _, p := range paths {
		if _, err := a.backend.Delete(ctx, p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("failed to delete staged chunk")
		}
	}
}
