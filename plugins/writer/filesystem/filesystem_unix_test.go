//go:build !windows

package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePermissions(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir, PermFile: 0o600})
	require.NoError(t, w.Write(context.Background(), "p.json", strings.NewReader("{}")))
	fi, err := os.Stat(filepath.Join(dir, "p.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}
