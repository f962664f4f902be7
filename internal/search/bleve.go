package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// BleveIndex is the embedded full-text backend.
type BleveIndex struct {
	idx bleve.Index
}

func buildMapping() mapping.IndexMapping {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("owner_id", keywordField)
	doc.AddFieldMappingsAt("file_type", keywordField)
	doc.AddFieldMappingsAt("tags", keywordField)
	doc.AddFieldMappingsAt("filename", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("content", bleve.NewTextFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// NewBleveIndex opens the index at path, creating it on first use.
func NewBleveIndex(path string) (*BleveIndex, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open search index at %s: %w", path, err)
	}
	return &BleveIndex{idx: idx}, nil
}

// NewMemoryBleveIndex builds an in-memory index, used in tests.
func NewMemoryBleveIndex() (*BleveIndex, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, err
	}
	return &BleveIndex{idx: idx}, nil
}

func (b *BleveIndex) Probe(_ context.Context) error {
	_, err := b.idx.DocCount()
	return err
}

func (b *BleveIndex) Index(_ context.Context, doc *Document) error {
	return b.idx.Index(doc.FileID, doc)
}

func (b *BleveIndex) Remove(_ context.Context, fileID string) error {
	return b.idx.Delete(fileID)
}

func (b *BleveIndex) Search(ctx context.Context, q, ownerID string, page, size int) ([]Hit, int, error) {
	match := bleve.NewMatchQuery(q)
	return b.run(ctx, match, ownerID, page, size)
}

func (b *BleveIndex) SearchContent(ctx context.Context, q, ownerID string, page, size int) ([]Hit, int, error) {
	match := bleve.NewMatchQuery(q)
	match.SetField("content")
	return b.run(ctx, match, ownerID, page, size)
}

func (b *BleveIndex) SearchByType(ctx context.Context, fileType, ownerID string, page, size int) ([]Hit, int, error) {
	term := bleve.NewTermQuery(fileType)
	term.SetField("file_type")
	return b.run(ctx, term, ownerID, page, size)
}

func (b *BleveIndex) SearchByTag(ctx context.Context, tag, ownerID string, page, size int) ([]Hit, int, error) {
	term := bleve.NewTermQuery(tag)
	term.SetField("tags")
	return b.run(ctx, term, ownerID, page, size)
}

// run scopes q to the owner and executes one zero-based page.
func (b *BleveIndex) run(ctx context.Context, q query.Query, ownerID string, page, size int) ([]Hit, int, error) {
	owner := bleve.NewTermQuery(ownerID)
	owner.SetField("owner_id")
	full := bleve.NewConjunctionQuery(owner, q)

	req := bleve.NewSearchRequestOptions(full, size, page*size, false)
	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, 0, err
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{FileID: h.ID, Score: h.Score})
	}
	return hits, int(res.Total), nil
}

func (b *BleveIndex) Close() error {
	return b.idx.Close()
}

var _ FullText = (*BleveIndex)(nil)
