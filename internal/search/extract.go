package search

import (
	"io"
	"path"
	"strings"
)

// DefaultExtractLimit caps how much of a file is read for indexing.
const DefaultExtractLimit = 1 << 20 // 1 MiB

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".log":  true,
	".json": true,
	".xml":  true,
	".yaml": true,
	".yml":  true,
	".html": true,
}

// Extractor pulls indexable text out of uploaded files. Only text-like
// content is extracted; binary formats index filename and tags alone.
type Extractor struct {
	limit int64
}

func NewExtractor(limit int64) *Extractor {
	if limit <= 0 {
		limit = DefaultExtractLimit
	}
	return &Extractor{limit: limit}
}

// Extractable reports whether the file's content type or extension
// marks it as text.
func (e *Extractor) Extractable(filename, contentType string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	switch contentType {
	case "application/json", "application/xml", "application/x-yaml":
		return true
	}
	return textExtensions[strings.ToLower(path.Ext(filename))]
}

// Extract reads up to the configured limit and returns valid UTF-8
// text. Non-extractable files yield an empty string without error.
func (e *Extractor) Extract(filename, contentType string, r io.Reader) (string, error) {
	if !e.Extractable(filename, contentType) {
		return "", nil
	}
	raw, err := io.ReadAll(io.LimitReader(r, e.limit))
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(raw), ""), nil
}
