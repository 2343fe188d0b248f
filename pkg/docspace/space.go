// Package docspace provides the virtual document space a session's tools
// operate on. Nothing here touches the host filesystem.
package docspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")

	// ErrNoMatch is returned when an edit target is not present
	ErrNoMatch = errors.New("old_string not found in document")

	// ErrAmbiguousMatch is returned when an edit target appears more than once
	// and replace_all is not set
	ErrAmbiguousMatch = errors.New("old_string appears more than once; set replace_all or add context")
)

// Document is a path and its text content
type Document struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Match is one line matched by Search
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Space is an in-memory document tree
type Space struct {
	fs afero.Fs
	mu sync.RWMutex
}

// New creates an empty space
func New() *Space {
	return &Space{fs: afero.NewMemMapFs()}
}

// NewWithDocuments creates a space seeded with documents
func NewWithDocuments(docs []Document) (*Space, error) {
	s := New()
	if err := s.Seed(docs); err != nil {
		return nil, err
	}
	return s, nil
}

// Normalize cleans a document path into its rooted form
func Normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	return path.Clean("/" + p)
}

// Seed writes every document, replacing existing content
func (s *Space) Seed(docs []Document) error {
	for _, d := range docs {
		if err := s.Write(d.Path, d.Content); err != nil {
			return err
		}
	}
	return nil
}

// Read returns a document's content
func (s *Space) Read(p string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(Normalize(p))
}

func (s *Space) readLocked(p string) (string, error) {
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return "", err
	}
	return string(data), nil
}

// Write creates or replaces a document
func (s *Space) Write(p string, content string) error {
	p = Normalize(p)
	if p == "/" {
		return fmt.Errorf("invalid document path: %q", p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if isDir, _ := afero.IsDir(s.fs, p); isDir {
		return fmt.Errorf("path is a directory: %s", p)
	}
	return afero.WriteFile(s.fs, p, []byte(content), 0o644)
}

// Edit replaces oldString with newString and returns the replacement count.
// Without replaceAll the target must occur exactly once.
func (s *Space) Edit(p, oldString, newString string, replaceAll bool) (int, error) {
	p = Normalize(p)
	if oldString == "" {
		return 0, fmt.Errorf("old_string must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.readLocked(p)
	if err != nil {
		return 0, err
	}

	count := strings.Count(content, oldString)
	switch {
	case count == 0:
		return 0, fmt.Errorf("%w: %s", ErrNoMatch, p)
	case count > 1 && !replaceAll:
		return 0, fmt.Errorf("%w (%d occurrences in %s)", ErrAmbiguousMatch, count, p)
	}

	n := 1
	if replaceAll {
		n = -1
	}
	updated := strings.Replace(content, oldString, newString, n)
	if err := afero.WriteFile(s.fs, p, []byte(updated), 0o644); err != nil {
		return 0, err
	}
	if !replaceAll {
		count = 1
	}
	return count, nil
}

// Exists reports whether a document exists at p
func (s *Space) Exists(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p = Normalize(p)
	ok, _ := afero.Exists(s.fs, p)
	if !ok {
		return false
	}
	isDir, _ := afero.IsDir(s.fs, p)
	return !isDir
}

// Delete removes a document
func (s *Space) Delete(p string) error {
	p = Normalize(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	if isDir, _ := afero.IsDir(s.fs, p); isDir {
		return fmt.Errorf("path is a directory: %s", p)
	}
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return err
	}
	return nil
}

// MkdirAll creates a directory and its parents
func (s *Space) MkdirAll(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs.MkdirAll(Normalize(p), 0o755)
}

// IsDir reports whether p is a directory
func (s *Space) IsDir(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	isDir, _ := afero.IsDir(s.fs, Normalize(p))
	return isDir
}

// List returns the sorted document paths under dir
func (s *Space) List(dir string) ([]string, error) {
	dir = Normalize(dir)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dir != "/" {
		if ok, _ := afero.DirExists(s.fs, dir); !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
	}

	var paths []string
	err := afero.Walk(s.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			paths = append(paths, Normalize(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Search returns lines under dir matching a regular expression
func (s *Space) Search(pattern, dir string) ([]Match, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	paths, err := s.List(dir)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Match
	for _, p := range paths {
		content, err := s.readLocked(p)
		if err != nil {
			return nil, err
		}
		for i, line := range strings.Split(content, "\n") {
			if re.MatchString(line) {
				matches = append(matches, Match{Path: p, Line: i + 1, Text: line})
			}
		}
	}
	return matches, nil
}

// Documents returns every document sorted by path
func (s *Space) Documents() []Document {
	paths, err := s.List("/")
	if err != nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		content, err := s.readLocked(p)
		if err != nil {
			continue
		}
		docs = append(docs, Document{Path: p, Content: content})
	}
	return docs
}

// Len returns the number of documents
func (s *Space) Len() int {
	paths, _ := s.List("/")
	return len(paths)
}
