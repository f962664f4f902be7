package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SanitizeFilename strips path traversal and normalizes the name to
// Unicode NFC so the same visual name always resolves to the same
// storage path. Empty or traversal-only names collapse to "unnamed".
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	// Drop any directory components, both separators.
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.TrimSpace(name)
	switch name {
	case "", ".", "..", "/":
		return "unnamed"
	}
	name = strings.ReplaceAll(name, "\x00", "")
	if name == "" {
		return "unnamed"
	}
	return name
}

// JoinPath builds a storage path from a directory and an already
// sanitized filename. Leading/trailing slashes in dir are normalized.
func JoinPath(dir, filename string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return filename
	}
	return dir + "/" + filename
}

// HashReader streams r through SHA-256 and returns the hex digest.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
