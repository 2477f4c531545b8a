package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/state"
)

// Store keeps the state document in a single JSON file. Writes go through a
// temp file plus rename so a crash never leaves a torn document, and the
// file is user-only since it wraps the encrypted token record.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a file-backed state store at path, creating parent
// directories as needed.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{path: path}, nil
}

func (s *Store) Load(ctx context.Context) (*state.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	doc := state.NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	doc.Normalize()
	return doc, nil
}

func (s *Store) Save(ctx context.Context, doc *state.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
