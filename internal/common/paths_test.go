package common

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	t.Parallel()

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	realDir := filepath.Join(root, "realDir")
	require.NoError(t, os.Mkdir(realDir, 0o755))
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(realDir, link))

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"existing directory", realDir, realDir},
		{"symlink resolved", link, realDir},
		{"missing child of symlink", filepath.Join(link, "a", "b.lock"), filepath.Join(realDir, "a", "b.lock")},
		{"dot segments", filepath.Join(realDir, "x", "..", "y"), filepath.Join(realDir, "y")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := CanonicalPath(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalPath_Empty(t *testing.T) {
	t.Parallel()

	_, err := CanonicalPath("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPath))
}

func TestBaseName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", BaseName(""))
	assert.Equal(t, "c", BaseName("/a/b/c"))
	assert.Equal(t, "c", BaseName("/a/b/c/"))
}
