package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalArchiver_CopiesFileUnderRunDirectory(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	src := filepath.Join(srcDir, "output.log")
	require.NoError(t, os.WriteFile(src, []byte("replay log contents"), 0o644))

	archiver, err := NewLocalArchiver(dstDir)
	require.NoError(t, err)

	ref, err := archiver.Archive(context.Background(), "run-123", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dstDir, "run-123", "output.log"), ref)

	got, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "replay log contents", string(got))
}

func TestLocalArchiver_CreatesBaseDirectory(t *testing.T) {
	dstDir := filepath.Join(t.TempDir(), "nested", "archive")

	_, err := NewLocalArchiver(dstDir)
	require.NoError(t, err)

	info, err := os.Stat(dstDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
