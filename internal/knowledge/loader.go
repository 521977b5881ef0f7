package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxDocumentSize bounds a single loaded file.
const maxDocumentSize = 4 << 20

// isDocumentFile reports whether path is a loadable reference document.
func isDocumentFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt":
		return true
	}
	return false
}

// LoadDir reads every .md and .txt file under dir, recursively. Documents
// are sorted by source, which is the slash-separated path relative to dir.
// Hidden files and directories are skipped.
func LoadDir(dir string) ([]Document, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("reading knowledge dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("reading knowledge dir: %s is not a directory", dir)
	}

	var docs []Document
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isDocumentFile(path) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Size() > maxDocumentSize {
			return fmt.Errorf("%s exceeds %d bytes", path, maxDocumentSize)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		docs = append(docs, Document{Source: filepath.ToSlash(rel), Content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading knowledge dir: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Source < docs[j].Source })
	return docs, nil
}

// IngestDir loads dir and replaces the base contents with it.
func (b *Base) IngestDir(ctx context.Context, dir string) (int, error) {
	docs, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	return b.Rebuild(ctx, docs)
}
