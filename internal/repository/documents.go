package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Document is one JSON record stored in a cloud collection.
type Document struct {
	ID   string
	Body []byte
}

// PostgresDocumentRepository keeps cloud collections in the documents table.
type PostgresDocumentRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresDocumentRepository creates a repository over an open PostgreSQL handle.
func NewPostgresDocumentRepository(db *sql.DB) *PostgresDocumentRepository {
	return &PostgresDocumentRepository{DB: db}
}

// Put inserts or replaces a document.
func (r *PostgresDocumentRepository) Put(ctx context.Context, collection, id string, body []byte) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`, collection, id, string(body), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// Get returns one document body, or ErrNotFound.
func (r *PostgresDocumentRepository) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var body string
	err := r.DB.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return []byte(body), nil
}

// List returns every document of a collection ordered by id.
func (r *PostgresDocumentRepository) List(ctx context.Context, collection string) ([]Document, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, body FROM documents WHERE collection = $1 ORDER BY id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, Document{ID: id, Body: []byte(body)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return docs, nil
}

// MemoryDocumentRepository keeps collections in process memory.
type MemoryDocumentRepository struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryDocumentRepository creates an empty in-memory repository.
func NewMemoryDocumentRepository() *MemoryDocumentRepository {
	return &MemoryDocumentRepository{data: make(map[string]map[string][]byte)}
}

func (r *MemoryDocumentRepository) Put(_ context.Context, collection, id string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.data[collection]
	if !ok {
		c = make(map[string][]byte)
		r.data[collection] = c
	}
	c[id] = slices.Clone(body)
	return nil
}

func (r *MemoryDocumentRepository) Get(_ context.Context, collection, id string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	body, ok := r.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(body), nil
}

func (r *MemoryDocumentRepository) List(_ context.Context, collection string) ([]Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.data[collection]
	docs := make([]Document, 0, len(c))
	for id, body := range c {
		docs = append(docs, Document{ID: id, Body: slices.Clone(body)})
	}
	slices.SortFunc(docs, func(a, b Document) int {
		return strings.Compare(a.ID, b.ID)
	})
	return docs, nil
}
