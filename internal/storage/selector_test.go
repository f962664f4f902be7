package storage

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRegisteredBackend(t *testing.T) {
	Register("test-local", func(ctx context.Context) (Backend, error) {
		return NewLocal(memfs.New(), nil), nil
	})

	b, err := Select(context.Background(), "test-local")
	require.NoError(t, err)
	assert.Equal(t, "local", b.Name())
}

func TestSelectUnknownBackend(t *testing.T) {
	_, err := Select(context.Background(), "no-such-backend")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-backend")
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "report.pdf", SanitizeFilename("report.pdf"))
	assert.Equal(t, "passwd", SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "f.txt", SanitizeFilename(`C:\temp\f.txt`))
	assert.Equal(t, "unnamed", SanitizeFilename(""))
	assert.Equal(t, "unnamed", SanitizeFilename("."))
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "alice/f.txt", JoinPath("alice", "f.txt"))
	assert.Equal(t, "f.txt", JoinPath("", "f.txt"))
}
