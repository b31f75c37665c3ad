package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileProvider_GlobalOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "MEMORY.md"), "# Notes\nUser prefers short answers.\n")

	p := NewFileProvider(dir)
	assert.Equal(t, "# Notes\nUser prefers short answers.", p.Context(""))
}

func TestFileProvider_ProjectAppended(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "MEMORY.md"), "global")
	writeFile(t, filepath.Join(dir, "projects", "website.md"), "deploy via make push")

	p := NewFileProvider(dir)
	assert.Equal(t, "global\n\ndeploy via make push", p.Context("website"))
	assert.Equal(t, "global", p.Context("other"))
}

func TestFileProvider_MissingFilesYieldEmpty(t *testing.T) {
	p := NewFileProvider(t.TempDir())
	assert.Empty(t, p.Context("anything"))
}

func TestStatic(t *testing.T) {
	assert.Equal(t, "fixed", Static("fixed").Context("ignored"))
}
