package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/state"
)

const defaultObjectName = "calsync-state.json"

// Store keeps the state document as a single JSON object in a GCS bucket,
// for setups that sync the same vault from more than one machine. The
// client authenticates via application default credentials.
type Store struct {
	client *storage.Client
	bucket string
	object string
}

// NewStore creates a GCS-backed state store.
func NewStore(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{
		client: client,
		bucket: bucketName,
		object: defaultObjectName,
	}, nil
}

func (s *Store) Load(ctx context.Context) (*state.Document, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, domain.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to read state object: %w", err)
	}
	defer r.Close()

	doc := state.NewDocument()
	if err := json.NewDecoder(r).Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to decode state object: %w", err)
	}
	doc.Normalize()
	return doc, nil
}

func (s *Store) Save(ctx context.Context, doc *state.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write state object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize state object: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
