// Package fileset turns a directory tree into the immutable file set a
// session analyzes.
package fileset

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/steveyegge/agentflow/internal/types"
)

// DefaultMaxFileSize skips files larger than 1 MiB
const DefaultMaxFileSize = 1 << 20

// DefaultExcludes are applied when a Builder has no exclude list
var DefaultExcludes = []string{
	"vendor/",
	"node_modules/",
	".git/",
	"*.pb.go",
	"*_generated.go",
	"*.min.js",
}

// Builder walks a root directory into Files.
type Builder struct {
	// Root directory to walk
	Root string

	// Paths to exclude: "dir/" prefixes, globs on the base name, or exact paths
	Exclude []string

	// Files larger than this are skipped (0 = DefaultMaxFileSize)
	MaxFileSize int64
}

// SkippedFile is a file left out of the set and why
type SkippedFile struct {
	Path   string
	Reason string
}

// Result is the outcome of a walk
type Result struct {
	Files   []*types.File
	Skipped []SkippedFile
}

// NewBuilder creates a builder for root. A nil exclude list uses DefaultExcludes.
func NewBuilder(root string, exclude []string) *Builder {
	if exclude == nil {
		exclude = DefaultExcludes
	}
	return &Builder{Root: root, Exclude: exclude, MaxFileSize: DefaultMaxFileSize}
}

// Collect reads every included text file under Root. Paths in the result are
// relative to Root and slash-separated; order is lexical.
func (b *Builder) Collect(ctx context.Context, projectID string) (*Result, error) {
	maxSize := b.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	info, err := os.Stat(b.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", b.Root)
	}

	res := &Result{}
	err = filepath.WalkDir(b.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(b.Root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if b.excluded(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			res.Skipped = append(res.Skipped, SkippedFile{Path: rel, Reason: err.Error()})
			return nil
		}
		if fi.Size() > maxSize {
			res.Skipped = append(res.Skipped, SkippedFile{Path: rel, Reason: fmt.Sprintf("larger than %d bytes", maxSize)})
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			res.Skipped = append(res.Skipped, SkippedFile{Path: rel, Reason: err.Error()})
			return nil
		}
		if !isText(data) {
			res.Skipped = append(res.Skipped, SkippedFile{Path: rel, Reason: "binary"})
			return nil
		}

		res.Files = append(res.Files, types.NewFile(projectID, rel, string(data)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", b.Root, err)
	}
	return res, nil
}

// excluded checks if a path should be left out. Hidden entries always are.
func (b *Builder) excluded(rel string, d fs.DirEntry) bool {
	if strings.HasPrefix(filepath.Base(rel), ".") {
		return true
	}
	for _, pattern := range b.Exclude {
		if matchesPattern(rel, pattern, d.IsDir()) {
			return true
		}
	}
	return false
}

func matchesPattern(path, pattern string, isDir bool) bool {
	// Directory patterns (e.g., "vendor/")
	if strings.HasSuffix(pattern, "/") {
		dir := strings.TrimSuffix(pattern, "/")
		if isDir && (path == dir || strings.HasSuffix(path, "/"+dir)) {
			return true
		}
		return strings.HasPrefix(path, pattern) || strings.Contains(path, "/"+pattern)
	}

	// Glob patterns (e.g., "*.pb.go")
	if strings.Contains(pattern, "*") {
		matched, _ := filepath.Match(pattern, filepath.Base(path))
		return matched
	}

	// Exact match
	return path == pattern || strings.HasPrefix(path, pattern+"/")
}

// isText reports whether data looks like text: valid UTF-8 without NUL
// bytes in the first 8 KiB.
func isText(data []byte) bool {
	head := data
	if len(head) > 8192 {
		head = head[:8192]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return false
	}
	return utf8.Valid(head) || utf8.Valid(data)
}
