package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrInvalidPage is returned by Update for [PageNone] or any page that
// is not a document section.
var ErrInvalidPage = errors.New("invalid page")

// Store persists the Document as indented JSON at a fixed path. Load
// self-heals missing or corrupt files; Save replaces the file
// atomically. All methods are goroutine-safe: a mutex serializes the
// read-modify-write in Update so concurrent updates in one process
// never lose writes.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to date blog entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a store backed by the file at path. The file is
// not touched until the first Load or Update.
func NewStore(path string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger.With("component", "content"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load returns the current document. A missing, empty, or unparseable
// file is replaced with [Default] and the default is returned; those
// conditions are logged, never returned as errors.
func (s *Store) Load() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save writes doc to disk, replacing the previous file atomically.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

// Update applies text to the given page and persists the result.
// About and contact are overwritten; blog gets a new entry dated
// today appended after all existing entries.
func (s *Store) Update(page Page, text string) error {
	if !page.Valid() {
		s.logger.Warn("unknown page", "page", string(page))
		return fmt.Errorf("update %q: %w", page, ErrInvalidPage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()

	switch page {
	case PageAbout:
		doc.About = text
		s.logger.Info("updated about section", "content", text)
	case PageContact:
		doc.Contact = text
		s.logger.Info("updated contact section", "content", text)
	case PageBlog:
		doc.Blog = append(doc.Blog, BlogEntry{
			Date:    s.now().Local().Format(DateLayout),
			Content: text,
		})
		s.logger.Info("added blog post", "content", text, "entries", len(doc.Blog))
	}

	if err := s.saveLocked(doc); err != nil {
		return fmt.Errorf("update %s: %w", page, err)
	}
	return nil
}

// loadLocked reads and decodes the file. Caller must hold s.mu.
func (s *Store) loadLocked() *Document {
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Info("content file not found, creating with default content", "path", s.path)
		return s.resetLocked()
	case err != nil:
		s.logger.Error("error loading content", "path", s.path, "error", err)
		return Default()
	}

	if len(bytes.TrimSpace(data)) == 0 {
		s.logger.Warn("content file is empty, using default content", "path", s.path)
		return s.resetLocked()
	}

	doc, err := decodeDocument(data)
	if err != nil {
		s.logger.Error("error parsing content file", "path", s.path, "error", err)
		s.logger.Info("resetting to default content", "path", s.path)
		return s.resetLocked()
	}
	return doc
}

// decodeDocument parses a persisted document. Valid JSON that is not
// an object carrying all three sections counts as corrupt.
func decodeDocument(data []byte) (*Document, error) {
	var raw struct {
		About   *string      `json:"about"`
		Contact *string      `json:"contact"`
		Blog    *[]BlogEntry `json:"blog"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch {
	case raw.About == nil:
		return nil, errors.New("missing about section")
	case raw.Contact == nil:
		return nil, errors.New("missing contact section")
	}

	doc := &Document{About: *raw.About, Contact: *raw.Contact, Blog: []BlogEntry{}}
	if raw.Blog != nil && *raw.Blog != nil {
		doc.Blog = *raw.Blog
	}
	return doc, nil
}

// resetLocked persists and returns the default document. A failed
// write is logged; the default is returned either way.
func (s *Store) resetLocked() *Document {
	doc := Default()
	_ = s.saveLocked(doc)
	return doc
}

// saveLocked marshals doc and swaps it into place via a temp file in
// the same directory, so readers see either the old or the new file.
// Caller must hold s.mu.
func (s *Store) saveLocked(doc *Document) error {
	if doc.Blog == nil {
		doc.Blog = []BlogEntry{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.logger.Error("error saving content", "error", err)
		return fmt.Errorf("marshal content: %w", err)
	}

	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		s.logger.Error("error saving content", "path", s.path, "error", err)
		return err
	}

	s.logger.Info("content saved successfully", "path", s.path)
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create content dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
