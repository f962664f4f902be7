package upload

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileflow/fileflow/internal/storage"
)

func newTestAssembler(t *testing.T) (*Assembler, storage.Backend) {
	t.Helper()
	backend := storage.NewLocal(memfs.New(), nil)
	return NewAssembler(backend, time.Hour), backend
}

func openSession(t *testing.T, a *Assembler, chunks int, size int64) string {
	t.Helper()
	id, err := a.OpenSession("alice", size, chunks, "big.bin", "alice")
	require.NoError(t, err)
	return id
}

func sendChunk(t *testing.T, a *Assembler, id string, n int, data string) {
	t.Helper()
	err := a.ReceiveChunk(context.Background(), id, n, strings.NewReader(data), int64(len(data)))
	require.NoError(t, err)
}

func readObject(t *testing.T, backend storage.Backend, path string) string {
	t.Helper()
	rc, err := backend.Read(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestOpenSessionValidation(t *testing.T) {
	a, _ := newTestAssembler(t)

	_, err := a.OpenSession("", 10, 2, "f", "d")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = a.OpenSession("alice", 0, 2, "f", "d")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = a.OpenSession("alice", 10, 0, "f", "d")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = a.OpenSession("alice", 10, 2, "", "d")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFinalizeInOrder(t *testing.T) {
	a, backend := newTestAssembler(t)
	id := openSession(t, a, 3, 9)

	sendChunk(t, a, id, 1, "aaa")
	sendChunk(t, a, id, 2, "bbb")
	sendChunk(t, a, id, 3, "ccc")

	path, err := a.Finalize(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "aaabbbccc", readObject(t, backend, path))
}

// Arrival order must not matter; the merge is by chunk number.
func TestFinalizeOutOfOrder(t *testing.T) {
	a, backend := newTestAssembler(t)
	id := openSession(t, a, 3, 9)

	sendChunk(t, a, id, 3, "ccc")
	sendChunk(t, a, id, 1, "aaa")
	sendChunk(t, a, id, 2, "bbb")

	path, err := a.Finalize(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "aaabbbccc", readObject(t, backend, path))
}

func TestReceiveChunkOutOfRange(t *testing.T) {
	a, _ := newTestAssembler(t)
	id := openSession(t, a, 2, 6)

	err := a.ReceiveChunk(context.Background(), id, 0, strings.NewReader("xxx"), 3)
	assert.ErrorIs(t, err, ErrInvalidChunk)

	err = a.ReceiveChunk(context.Background(), id, 3, strings.NewReader("xxx"), 3)
	assert.ErrorIs(t, err, ErrInvalidChunk)
}

func TestReceiveChunkOverwrites(t *testing.T) {
	a, backend := newTestAssembler(t)
	id := openSession(t, a, 2, 6)

	sendChunk(t, a, id, 1, "xxx")
	sendChunk(t, a, id, 1, "aaa")
	sendChunk(t, a, id, 2, "bbb")

	path, err := a.Finalize(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "aaabbb", readObject(t, backend, path))
}

// An incomplete finalize must leave the session open so the client can
// send the missing chunks and retry.
func TestFinalizeIncompleteKeepsSessionOpen(t *testing.T) {
	a, backend := newTestAssembler(t)
	id := openSession(t, a, 3, 9)

	sendChunk(t, a, id, 1, "aaa")
	sendChunk(t, a, id, 3, "ccc")

	_, err := a.Finalize(context.Background(), id)
	assert.ErrorIs(t, err, ErrIncomplete)

	sendChunk(t, a, id, 2, "bbb")
	path, err := a.Finalize(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "aaabbbccc", readObject(t, backend, path))
}

func TestFinalizeConsumesSession(t *testing.T) {
	a, _ := newTestAssembler(t)
	id := openSession(t, a, 1, 3)
	sendChunk(t, a, id, 1, "aaa")

	_, err := a.Finalize(context.Background(), id)
	require.NoError(t, err)

	_, err = a.Finalize(context.Background(), id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestChunksDeletedAfterMerge(t *testing.T) {
	a, backend := newTestAssembler(t)
	id := openSession(t, a, 2, 6)
	sendChunk(t, a, id, 1, "aaa")
	sendChunk(t, a, id, 2, "bbb")

	_, err := a.Finalize(context.Background(), id)
	require.NoError(t, err)

	exists, err := backend.Exists(context.Background(), chunkDirPrefix+id+"/000001.chunk")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAbortDiscardsChunks(t *testing.T) {
	a, backend := newTestAssembler(t)
	id := openSession(t, a, 2, 6)
	sendChunk(t, a, id, 1, "aaa")

	require.NoError(t, a.Abort(context.Background(), id))

	_, err := a.Finalize(context.Background(), id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	exists, err := backend.Exists(context.Background(), chunkDirPrefix+id+"/000001.chunk")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSweepExpired(t *testing.T) {
	backend := storage.NewLocal(memfs.New(), nil)
	a := NewAssembler(backend, 10*time.Millisecond)

	id := openSession(t, a, 2, 6)
	sendChunk(t, a, id, 1, "aaa")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a.SweepExpired(context.Background()))

	_, err := a.Session(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionSnapshot(t *testing.T) {
	a, _ := newTestAssembler(t)
	id := openSession(t, a, 3, 9)
	sendChunk(t, a, id, 1, "aaa")

	info, err := a.Session(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Owner)
	assert.Equal(t, 3, info.TotalChunks)
	assert.Equal(t, 1, info.Received)
}
