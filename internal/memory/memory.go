// Package memory supplies the persistent context that is prepended to
// every prompt: global notes plus per-project notes, kept as plain
// markdown files the operator edits directly.
package memory

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ContextProvider yields the context block for a turn. An empty string
// means no context is prepended.
type ContextProvider interface {
	Context(project string) string
}

// FileProvider reads context from a directory:
//
//	<dir>/MEMORY.md            global notes, always included
//	<dir>/projects/<name>.md   appended when a project is active
//
// Missing files are simply skipped.
type FileProvider struct {
	dir string
	log *slog.Logger
}

// NewFileProvider creates a provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{
		dir: dir,
		log: slog.Default().With("component", "memory"),
	}
}

// Context implements ContextProvider.
func (p *FileProvider) Context(project string) string {
	var parts []string
	if s := p.read(filepath.Join(p.dir, "MEMORY.md")); s != "" {
		parts = append(parts, s)
	}
	if project != "" {
		if s := p.read(filepath.Join(p.dir, "projects", project+".md")); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (p *FileProvider) read(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn("memory file unreadable", "path", path, "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Static is a fixed-context provider, handy in tests and for simple
// deployments configured inline.
type Static string

// Context implements ContextProvider.
func (s Static) Context(string) string { return string(s) }
