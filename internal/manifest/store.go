package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
)

// ErrVersionConflict is returned when a document is saved over a newer one.
var ErrVersionConflict = errors.New("manifest version conflict")

// Store persists whole manifest documents.
//
// Save succeeds only when doc.Version equals the stored version, and then
// increments doc.Version.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// FileStore keeps the manifest as a JSON file, written atomically.
type FileStore struct {
	path       string
	mainBranch string
	now        func() time.Time

	mu sync.Mutex
}

// NewFileStore creates a store at path. A missing file loads as an empty
// manifest for mainBranch.
func NewFileStore(path, mainBranch string) *FileStore {
	return &FileStore{path: path, mainBranch: mainBranch, now: time.Now}
}

// Path returns the manifest file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the manifest.
func (s *FileStore) Load(_ context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) read() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewDocument(s.mainBranch), nil
	}
	if err != nil {
		return nil, &apperr.ManifestError{Path: s.path, Err: err}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &apperr.ManifestError{Path: s.path, Err: fmt.Errorf("parse: %w", err)}
	}
	if doc.MainBranch == "" {
		doc.MainBranch = s.mainBranch
	}
	doc.normalize()
	return &doc, nil
}

// Save writes doc if nobody saved since it was loaded.
func (s *FileStore) Save(_ context.Context, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return &apperr.ManifestError{Path: s.path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return err
	}
	if current.Version != doc.Version {
		return fmt.Errorf("%w: have %d, stored %d", ErrVersionConflict, doc.Version, current.Version)
	}

	next := doc.Clone()
	next.Version++
	next.LastUpdated = s.now().UTC()
	if err := s.write(next); err != nil {
		return err
	}
	doc.Version = next.Version
	doc.LastUpdated = next.LastUpdated
	return nil
}

func (s *FileStore) write(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &apperr.ManifestError{Path: s.path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &apperr.ManifestError{Path: s.path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return &apperr.ManifestError{Path: s.path, Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &apperr.ManifestError{Path: s.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &apperr.ManifestError{Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &apperr.ManifestError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return &apperr.ManifestError{Path: s.path, Err: err}
	}
	return nil
}

// MemoryStore keeps the manifest in memory.
type MemoryStore struct {
	mu  sync.Mutex
	doc *Document
}

// NewMemoryStore creates a store holding an empty manifest.
func NewMemoryStore(mainBranch string) *MemoryStore {
	return &MemoryStore{doc: NewDocument(mainBranch)}
}

func (s *MemoryStore) Load(_ context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return &apperr.ManifestError{Path: "memory", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Version != s.doc.Version {
		return fmt.Errorf("%w: have %d, stored %d", ErrVersionConflict, doc.Version, s.doc.Version)
	}
	doc.Version++
	doc.LastUpdated = time.Now().UTC()
	s.doc = doc.Clone()
	return nil
}
