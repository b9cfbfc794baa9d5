package storage

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/user/site-crawler/internal/domain"
)

const (
	maxFilenameLength = 200
	maxQueryLength    = 50
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// FileStore writes crawled pages as HTML files into a single directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the output directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Initialize creates the output directory if it does not exist yet.
func (s *FileStore) Initialize() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// GenerateFilename derives a path-safe file name from rawURL, prefixed with
// the zero-padded index so distinct indices never collide.
func (s *FileStore) GenerateFilename(rawURL string, index int) string {
	prefix := fmt.Sprintf("%04d", index)

	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return prefix + "_page.html"
	}

	name := strings.TrimPrefix(u.EscapedPath(), "/")
	name = strings.ReplaceAll(name, "/", "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if name == "" {
		name = "index"
	}

	if u.RawQuery != "" {
		query := unsafeFilenameChars.ReplaceAllString(u.RawQuery, "_")
		if len(query) > maxQueryLength {
			query = query[:maxQueryLength]
		}
		name += "_" + query
	}

	name = prefix + "_" + name
	if len(name) > maxFilenameLength {
		name = name[:maxFilenameLength]
	}
	if !strings.HasSuffix(name, ".html") {
		name += ".html"
	}
	return name
}

// SavePage writes page.HTML to page.Filename inside the output directory.
func (s *FileStore) SavePage(page domain.CrawledPage) error {
	path := filepath.Join(s.dir, page.Filename)
	if err := os.WriteFile(path, []byte(page.HTML), 0o644); err != nil {
		return fmt.Errorf("failed to save page to %s: %w", path, err)
	}
	return nil
}

// FileExists reports whether name exists in the output directory.
func (s *FileStore) FileExists(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}
