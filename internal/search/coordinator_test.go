package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileflow/fileflow/internal/store"
)

func seedFiles(t *testing.T, mem *store.Memory, owner string, names ...string) {
	t.Helper()
	for i, name := range names {
		require.NoError(t, mem.PutFile(context.Background(), &store.FileRecord{
			ID:        fmt.Sprintf("file-%d", i),
			OwnerID:   owner,
			Name:      name,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestStructuredSearchWithoutFullText(t *testing.T) {
	mem := store.NewMemory()
	seedFiles(t, mem, "alice", "report-final.txt", "report-draft.txt", "photo.jpg")
	require.NoError(t, mem.PutFolder(context.Background(), &store.FolderRecord{
		ID: "dir-1", OwnerID: "alice", Name: "reports", CreatedAt: time.Now(),
	}))

	c := NewCoordinator(context.Background(), mem, nil)
	assert.False(t, c.Available())

	res, err := c.Search(context.Background(), "report", "alice", 0, 10)
	require.NoError(t, err)
	assert.Len(t, res.Files, 2)
	assert.Len(t, res.Folders, 1)

	// A multi-word query would prefer full-text, but none is
	// configured; it must still answer without error.
	res, err = c.Search(context.Background(), "multi word query", "alice", 0, 10)
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.False(t, res.HasMore)
}

func TestStructuredSearchScopedToOwner(t *testing.T) {
	mem := store.NewMemory()
	seedFiles(t, mem, "alice", "notes.txt")
	require.NoError(t, mem.PutFile(context.Background(), &store.FileRecord{
		ID: "other", OwnerID: "bob", Name: "notes.txt", CreatedAt: time.Now(),
	}))

	c := NewCoordinator(context.Background(), mem, nil)
	res, err := c.Search(context.Background(), "notes", "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "bob", res.Files[0].OwnerID)
}

func TestFullTextRoutingForComplexQuery(t *testing.T) {
	mem := store.NewMemory()
	seedFiles(t, mem, "alice", "minutes.txt")

	ft, err := NewMemoryBleveIndex()
	require.NoError(t, err)
	defer ft.Close()

	require.NoError(t, ft.Index(context.Background(), &Document{
		FileID:   "file-0",
		OwnerID:  "alice",
		Filename: "minutes.txt",
		Content:  "quarterly planning meeting agenda",
	}))

	c := NewCoordinator(context.Background(), mem, ft)
	require.True(t, c.Available())

	res, err := c.Search(context.Background(), "planning meeting", "alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "minutes.txt", res.Files[0].Name)
}

func TestShortQueryStaysStructured(t *testing.T) {
	mem := store.NewMemory()
	seedFiles(t, mem, "alice", "abc.txt")

	ft := &failingFullText{}
	c := NewCoordinator(context.Background(), mem, ft)
	require.True(t, c.Available())

	// Single short word never reaches the failing backend.
	res, err := c.Search(context.Background(), "abc", "alice", 0, 10)
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)
	assert.Zero(t, ft.searches)
}

// failingFullText probes fine and then errors on every query.
type failingFullText struct {
	searches int
}

func (f *failingFullText) Probe(context.Context) error                  { return nil }
func (f *failingFullText) Index(context.Context, *Document) error       { return nil }
func (f *failingFullText) Remove(context.Context, string) error         { return nil }
func (f *failingFullText) Close() error                                 { return nil }
func (f *failingFullText) Search(context.Context, string, string, int, int) ([]Hit, int, error) {
	f.searches++
	return nil, 0, errors.New("index unavailable")
}
func (f *failingFullText) SearchContent(context.Context, string, string, int, int) ([]Hit, int, error) {
	return nil, 0, errors.New("index unavailable")
}
func (f *failingFullText) SearchByType(context.Context, string, string, int, int) ([]Hit, int, error) {
	return nil, 0, errors.New("index unavailable")
}
func (f *failingFullText) SearchByTag(context.Context, string, string, int, int) ([]Hit, int, error) {
	return nil, 0, errors.New("index unavailable")
}

func TestFullTextErrorFallsBackToStructured(t *testing.T) {
	mem := store.NewMemory()
	seedFiles(t, mem, "alice", "quarterly report.txt")

	ft := &failingFullText{}
	c := NewCoordinator(context.Background(), mem, ft)

	res, err := c.Search(context.Background(), "quarterly report", "alice", 0, 10)
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)
	assert.Equal(t, 1, ft.searches)
}

func TestContentSearchUnavailableYieldsEmpty(t *testing.T) {
	mem := store.NewMemory()
	c := NewCoordinator(context.Background(), mem, nil)

	res, err := c.SearchContent(context.Background(), "anything at all", "alice", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	assert.Empty(t, res.Folders)
	assert.False(t, res.HasMore)
}

func TestContentSearchFindsIndexedContent(t *testing.T) {
	mem := store.NewMemory()
	seedFiles(t, mem, "alice", "notes.txt")

	ft, err := NewMemoryBleveIndex()
	require.NoError(t, err)
	defer ft.Close()
	require.NoError(t, ft.Index(context.Background(), &Document{
		FileID:   "file-0",
		OwnerID:  "alice",
		Filename: "notes.txt",
		Content:  "the secret ingredient is cardamom",
	}))

	c := NewCoordinator(context.Background(), mem, ft)
	res, err := c.SearchContent(context.Background(), "cardamom", "alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "notes.txt", res.Files[0].Name)
}

func TestTypeSearchMatchesExactContentType(t *testing.T) {
	mem := store.NewMemory()
	seedFiles(t, mem, "alice", "slides.pdf", "notes.txt")

	ft, err := NewMemoryBleveIndex()
	require.NoError(t, err)
	defer ft.Close()
	require.NoError(t, ft.Index(context.Background(), &Document{
		FileID: "file-0", OwnerID: "alice", Filename: "slides.pdf",
		FileType: "application/pdf",
	}))
	require.NoError(t, ft.Index(context.Background(), &Document{
		FileID: "file-1", OwnerID: "alice", Filename: "notes.txt",
		FileType: "text/plain",
	}))

	c := NewCoordinator(context.Background(), mem, ft)
	res, err := c.SearchByType(context.Background(), "application/pdf", "alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "slides.pdf", res.Files[0].Name)
}

func TestTypeSearchUnavailableYieldsEmpty(t *testing.T) {
	mem := store.NewMemory()
	c := NewCoordinator(context.Background(), mem, nil)

	res, err := c.SearchByType(context.Background(), "application/pdf", "alice", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	assert.False(t, res.HasMore)
}

// Combined pagination: the budget is halved per category and the
// reported page count is the max of the two sides.
func TestCombinedPaginationApproximation(t *testing.T) {
	mem := store.NewMemory()
	seedFiles(t, mem, "alice", "doc1.txt", "doc2.txt", "doc3.txt", "doc4.txt", "doc5.txt")
	require.NoError(t, mem.PutFolder(context.Background(), &store.FolderRecord{
		ID: "dir-1", OwnerID: "alice", Name: "doc archive", CreatedAt: time.Now(),
	}))

	c := NewCoordinator(context.Background(), mem, nil)

	// size 4 halves to 2 per category: 5 files over budget 2 is 3
	// pages, 1 folder is 1 page, so total is 3.
	res, err := c.Search(context.Background(), "doc", "alice", 0, 4)
	require.NoError(t, err)
	assert.Len(t, res.Files, 2)
	assert.Len(t, res.Folders, 1)
	assert.Equal(t, 3, res.TotalPages)
	assert.True(t, res.HasMore)

	res, err = c.Search(context.Background(), "doc", "alice", 2, 4)
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)
	assert.False(t, res.HasMore)
}

func TestBudgetFlooredAtOne(t *testing.T) {
	mem := store.NewMemory()
	seedFiles(t, mem, "alice", "a.txt", "b.txt")

	c := NewCoordinator(context.Background(), mem, nil)

	res, err := c.Search(context.Background(), "txt", "alice", 0, 1)
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)
	assert.Equal(t, 2, res.TotalPages)
}

func TestResolveHitsSkipsDeleted(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	require.NoError(t, mem.PutFile(context.Background(), &store.FileRecord{
		ID: "file-0", OwnerID: "alice", Name: "gone.txt",
		Deleted: true, DeletedAt: &now, CreatedAt: now,
	}))

	ft, err := NewMemoryBleveIndex()
	require.NoError(t, err)
	defer ft.Close()
	require.NoError(t, ft.Index(context.Background(), &Document{
		FileID: "file-0", OwnerID: "alice", Filename: "gone.txt",
		Content: "stale full text entry",
	}))

	c := NewCoordinator(context.Background(), mem, ft)
	res, err := c.Search(context.Background(), "stale full text", "alice", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Files)
}

func TestExtractor(t *testing.T) {
	e := NewExtractor(0)

	assert.True(t, e.Extractable("notes.txt", ""))
	assert.True(t, e.Extractable("data.bin", "text/plain"))
	assert.True(t, e.Extractable("conf.yaml", ""))
	assert.False(t, e.Extractable("photo.jpg", "image/jpeg"))
}
