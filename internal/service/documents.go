// Package service provides the business logic of the cloud document store,
// delegating persistence to a DocumentRepository.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/atinyakov/ReliefNet/internal/repository"
	"github.com/google/uuid"
)

var (
	// ErrInvalidCollection is returned for collection or id names outside [A-Za-z0-9_-].
	ErrInvalidCollection = errors.New("invalid collection name")
	// ErrInvalidDocument is returned when a body is not a JSON object.
	ErrInvalidDocument = errors.New("document must be a JSON object")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DocumentRepository defines the persistence operations needed by DocumentService.
type DocumentRepository interface {
	// Put inserts or replaces one document.
	Put(ctx context.Context, collection, id string, body []byte) error
	// Get returns one document or repository.ErrNotFound.
	Get(ctx context.Context, collection, id string) ([]byte, error)
	// List returns all documents of a collection.
	List(ctx context.Context, collection string) ([]repository.Document, error)
}

// DocumentService stores one JSON object per record, grouped in collections.
type DocumentService struct {
	repo  DocumentRepository
	newID func() string
}

// NewDocumentService constructs a DocumentService. Appended documents get
// random UUID keys.
func NewDocumentService(repo DocumentRepository) *DocumentService {
	return &DocumentService{repo: repo, newID: uuid.NewString}
}

// Append stores body under a freshly generated key and returns the key.
func (s *DocumentService) Append(ctx context.Context, collection string, body []byte) (string, error) {
	if err := validate(collection, "x", body); err != nil {
		return "", err
	}
	id := s.newID()
	if err := s.repo.Put(ctx, collection, id, body); err != nil {
		return "", err
	}
	return id, nil
}

// Upsert stores body under id, replacing any previous document.
func (s *DocumentService) Upsert(ctx context.Context, collection, id string, body []byte) error {
	if err := validate(collection, id, body); err != nil {
		return err
	}
	return s.repo.Put(ctx, collection, id, body)
}

// Get returns one document.
func (s *DocumentService) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if !namePattern.MatchString(collection) || !namePattern.MatchString(id) {
		return nil, ErrInvalidCollection
	}
	return s.repo.Get(ctx, collection, id)
}

// Collection renders a whole collection as one JSON object keyed by document id.
func (s *DocumentService) Collection(ctx context.Context, collection string) ([]byte, error) {
	if !namePattern.MatchString(collection) {
		return nil, ErrInvalidCollection
	}
	docs, err := s.repo.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(docs))
	for _, d := range docs {
		out[d.ID] = d.Body
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode collection: %w", err)
	}
	return b, nil
}

func validate(collection, id string, body []byte) error {
	if !namePattern.MatchString(collection) || !namePattern.MatchString(id) {
		return ErrInvalidCollection
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidDocument
	}
	return nil
}
