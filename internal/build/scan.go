package build

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cpmkit/cpm/internal/chunk"
	"github.com/cpmkit/cpm/internal/gitignore"
	"github.com/cpmkit/cpm/internal/packet"
)

// ScannedFile is one source file accepted by the extension filter.
type ScannedFile struct {
	// RelPath is the slash-separated path relative to the source root.
	RelPath string
	// Ext is the lowercased extension.
	Ext string
	// SHA256 is the file content digest (the lockfile input key).
	SHA256 string
	// Text is the decoded file content.
	Text string
}

// skipDirs are directory names never descended into, before any
// .gitignore rules apply.
var skipDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	"node_modules": {},
	"__pycache__":  {},
	".venv":        {},
	"vendor":       {},
}

// Scan walks the source tree, honoring the root and nested .gitignore
// files, filters by the chunker's supported extensions, and hashes each
// accepted file. Results are sorted by relative path so builds are
// order-stable across filesystems.
func Scan(root string) ([]ScannedFile, error) {
	supported := make(map[string]struct{})
	for _, ext := range chunk.SupportedExtensions() {
		supported[ext] = struct{}{}
	}

	s := &scanner{
		root:      root,
		supported: supported,
		ignore:    gitignore.New(),
	}
	if err := s.walk(""); err != nil {
		return nil, err
	}

	sort.Slice(s.files, func(i, j int) bool { return s.files[i].RelPath < s.files[j].RelPath })
	return s.files, nil
}

type scanner struct {
	root      string
	supported map[string]struct{}
	ignore    *gitignore.Matcher
	files     []ScannedFile
}

// walk descends one directory (rel is slash-separated, "" at the root).
// Each directory's .gitignore loads before its entries are visited, so
// nested rules scope to their own subtree.
func (s *scanner) walk(rel string) error {
	dir := s.root
	if rel != "" {
		dir = filepath.Join(s.root, filepath.FromSlash(rel))
	}

	if err := s.ignore.AddFile(filepath.Join(dir, ".gitignore"), rel); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		entryRel := name
		if rel != "" {
			entryRel = rel + "/" + name
		}

		if entry.IsDir() {
			if _, skip := skipDirs[name]; skip {
				continue
			}
			if strings.HasPrefix(name, ".") {
				continue
			}
			if s.ignore.Match(entryRel, true) {
				continue
			}
			if err := s.walk(entryRel); err != nil {
				return err
			}
			continue
		}

		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := s.supported[ext]; !ok {
			continue
		}
		if s.ignore.Match(entryRel, false) {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			// Binary masquerading under a text extension.
			continue
		}
		sum, err := packet.SHA256File(path)
		if err != nil {
			return err
		}
		s.files = append(s.files, ScannedFile{
			RelPath: entryRel,
			Ext:     ext,
			SHA256:  sum,
			Text:    string(data),
		})
	}
	return nil
}
