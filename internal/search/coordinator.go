package search

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fileflow/fileflow/internal/store"
)

// complexQueryLength is the single-word length past which a query is
// routed to the full-text backend.
const complexQueryLength = 20

// Results is one page of a combined file and folder search.
//
// When a single page budget is split across the two underlying
// queries, each side gets half the budget (floored at 1) and
// TotalPages is the max of the two sides' page counts. TotalPages and
// HasMore are therefore approximations near the tail; this matches the
// long-standing client contract and is kept deliberately.
type Results struct {
	Files      []store.FileRecord   `json:"files"`
	Folders    []store.FolderRecord `json:"folders"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"pageSize"`
	TotalPages int                  `json:"totalPages"`
	HasMore    bool                 `json:"hasMore"`
}

// Coordinator routes queries between the structured store and the
// full-text backend. The backend is probed once at construction;
// absence or probe failure disables full-text routing for the process
// lifetime.
type Coordinator struct {
	files     store.FileStore
	ft        FullText
	available bool
	extractor *Extractor
}

// NewCoordinator probes ft (which may be nil) and returns the
// coordinator. A failed probe logs and degrades to structured-only.
func NewCoordinator(ctx context.Context, files store.FileStore, ft FullText) *Coordinator {
	c := &Coordinator{files: files, ft: ft, extractor: NewExtractor(0)}
	if ft == nil {
		log.Info().Msg("no full-text backend configured, structured search only")
		return c
	}
	if err := ft.Probe(ctx); err != nil {
		log.Warn().Err(err).Msg("full-text backend probe failed, structured search only")
		return c
	}
	c.available = true
	log.Info().Msg("full-text backend available")
	return c
}

// Available reports whether full-text routing is active.
func (c *Coordinator) Available() bool { return c.available }

// Extractor returns the content extractor used for indexing.
func (c *Coordinator) Extractor() *Extractor { return c.extractor }

// isComplex reports whether the query should prefer the full-text
// backend: multiple words, or a long single term.
func isComplex(query string) bool {
	trimmed := strings.TrimSpace(query)
	return strings.ContainsAny(trimmed, " \t") || len(trimmed) >= complexQueryLength
}

// pageCount is a ceiling division, minimum one page for zero results
// so page math stays well-defined.
func pageCount(total, size int) int {
	if size <= 0 {
		return 1
	}
	n := (total + size - 1) / size
	if n < 1 {
		n = 1
	}
	return n
}

func halve(size int) int {
	h := size / 2
	if h < 1 {
		h = 1
	}
	return h
}

// Search runs a combined file and folder search for the user. page is
// zero-based. Full-text errors never reach the caller; the query falls
// back to structured matching.
func (c *Coordinator) Search(ctx context.Context, query, userID string, page, size int) (*Results, error) {
	if c.available && isComplex(query) {
		res, err := c.fullTextSearch(ctx, query, userID, page, size)
		if err == nil {
			return res, nil
		}
		log.Warn().Err(err).Str("user", userID).Msg("full-text search failed, falling back to structured")
	}
	return c.structuredSearch(ctx, query, userID, page, size)
}

func (c *Coordinator) structuredSearch(ctx context.Context, query, userID string, page, size int) (*Results, error) {
	budget := halve(size)
	offset := page * budget

	files, fileTotal, err := c.files.SearchFiles(ctx, userID, query, offset, budget)
	if err != nil {
		return nil, err
	}
	folders, folderTotal, err := c.files.SearchFolders(ctx, userID, query, offset, budget)
	if err != nil {
		return nil, err
	}

	return c.buildPage(files, folders, page, size,
		pageCount(fileTotal, budget), pageCount(folderTotal, budget)), nil
}

func (c *Coordinator) fullTextSearch(ctx context.Context, query, userID string, page, size int) (*Results, error) {
	budget := halve(size)

	hits, total, err := c.ft.Search(ctx, query, userID, page, budget)
	if err != nil {
		return nil, err
	}
	files := c.resolveHits(ctx, hits)

	// Folders are not indexed; they always come from the store.
	folders, folderTotal, err := c.files.SearchFolders(ctx, userID, query, page*budget, budget)
	if err != nil {
		return nil, err
	}

	return c.buildPage(files, folders, page, size,
		pageCount(total, budget), pageCount(folderTotal, budget)), nil
}

func (c *Coordinator) buildPage(files []store.FileRecord, folders []store.FolderRecord, page, size, filePages, folderPages int) *Results {
	totalPages := filePages
	if folderPages > totalPages {
		totalPages = folderPages
	}
	return &Results{
		Files:      files,
		Folders:    folders,
		Page:       page,
		PageSize:   size,
		TotalPages: totalPages,
		HasMore:    page < totalPages-1,
	}
}

// resolveHits loads the file records behind ranked hits, preserving
// rank order. Hits whose record has vanished or been deleted are
// dropped.
func (c *Coordinator) resolveHits(ctx context.Context, hits []Hit) []store.FileRecord {
	files := make([]store.FileRecord, 0, len(hits))
	for _, h := range hits {
		f, err := c.files.GetFile(ctx, h.FileID)
		if err != nil || f.Deleted {
			continue
		}
		files = append(files, *f)
	}
	return files
}

// SearchContent matches file contents only. Content exists solely in
// the full-text index, so an unavailable backend yields an empty page,
// never an error.
func (c *Coordinator) SearchContent(ctx context.Context, query, userID string, page, size int) (*Results, error) {
	if !c.available {
		return c.buildPage(nil, nil, page, size, 1, 1), nil
	}
	hits, total, err := c.ft.SearchContent(ctx, query, userID, page, size)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("content search failed")
		return c.buildPage(nil, nil, page, size, 1, 1), nil
	}
	return c.buildPage(c.resolveHits(ctx, hits), nil, page, size, pageCount(total, size), 1), nil
}

// SearchByTag matches indexed tags, full-text only.
func (c *Coordinator) SearchByTag(ctx context.Context, tag, userID string, page, size int) (*Results, error) {
	if !c.available {
		return c.buildPage(nil, nil, page, size, 1, 1), nil
	}
	hits, total, err := c.ft.SearchByTag(ctx, tag, userID, page, size)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("tag search failed")
		return c.buildPage(nil, nil, page, size, 1, 1), nil
	}
	return c.buildPage(c.resolveHits(ctx, hits), nil, page, size, pageCount(total, size), 1), nil
}

// SearchByType matches the indexed content type, full-text only.
func (c *Coordinator) SearchByType(ctx context.Context, fileType, userID string, page, size int) (*Results, error) {
	if !c.available {
		return c.buildPage(nil, nil, page, size, 1, 1), nil
	}
	hits, total, err := c.ft.SearchByType(ctx, fileType, userID, page, size)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("type search failed")
		return c.buildPage(nil, nil, page, size, 1, 1), nil
	}
	return c.buildPage(c.resolveHits(ctx, hits), nil, page, size, pageCount(total, size), 1), nil
}

// IndexFile sends the file to the full-text backend, a no-op without
// one.
func (c *Coordinator) IndexFile(ctx context.Context, f *store.FileRecord, content string, tags []string) error {
	if !c.available {
		return nil
	}
	return c.ft.Index(ctx, &Document{
		FileID:   f.ID,
		OwnerID:  f.OwnerID,
		Filename: f.Name,
		Content:  content,
		FileType: f.ContentType,
		Tags:     tags,
	})
}

// RemoveIndex drops the file from the full-text backend, a no-op
// without one.
func (c *Coordinator) RemoveIndex(ctx context.Context, fileID string) error {
	if !c.available {
		return nil
	}
	return c.ft.Remove(ctx, fileID)
}
