package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidCollection = errors.New("invalid collection name")
	ErrDocumentNotFound  = errors.New("document not found")
)

var collectionPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// Document is a JSON object stored in a named collection
type Document struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StoreMetrics tracks document store usage
type StoreMetrics struct {
	QueryCount int64 `json:"query_count"`
	ErrorCount int64 `json:"error_count"`
}

// DocumentStore keeps schemaless JSON documents in a single SQL table. It holds no
// connection itself; every call runs on a connection borrowed from the pool.
type DocumentStore struct {
	driver string

	queries atomic.Int64
	errors  atomic.Int64
}

// NewDocumentStore creates a store issuing SQL for the given driver.
func NewDocumentStore(driver string) *DocumentStore {
	return &DocumentStore{driver: driver}
}

// ValidateCollection reports whether name can be used as a collection name.
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

// EnsureSchema creates the documents table if it does not exist.
func (s *DocumentStore) EnsureSchema(ctx context.Context, conn *sql.Conn) error {
	var stmts []string
	switch s.driver {
	case DriverMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS documents (
				id VARCHAR(36) NOT NULL PRIMARY KEY,
				collection VARCHAR(64) NOT NULL,
				body JSON NOT NULL,
				created_at DATETIME(6) NOT NULL,
				INDEX idx_documents_collection (collection)
			)`,
		}
	default:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS documents (
				id TEXT PRIMARY KEY,
				collection TEXT NOT NULL,
				body TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection)`,
		}
	}

	for _, stmt := range stmts {
		if _, err := s.exec(ctx, conn, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Insert stores doc in collection and returns its generated ID.
func (s *DocumentStore) Insert(ctx context.Context, conn *sql.Conn, collection string, doc interface{}) (string, error) {
	if err := ValidateCollection(collection); err != nil {
		return "", err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	id := uuid.New().String()
	_, err = s.exec(ctx, conn,
		"INSERT INTO documents (id, collection, body, created_at) VALUES (?, ?, ?, ?)",
		id, collection, string(body), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert document: %w", err)
	}
	return id, nil
}

// Get loads a document by ID.
func (s *DocumentStore) Get(ctx context.Context, conn *sql.Conn, id string) (*Document, error) {
	s.queries.Add(1)

	var (
		doc  Document
		body string
	)
	err := conn.QueryRowContext(ctx,
		"SELECT id, collection, body, created_at FROM documents WHERE id = ?", id).
		Scan(&doc.ID, &doc.Collection, &body, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc.Body = json.RawMessage(body)
	return &doc, nil
}

// Count returns the number of documents in collection.
func (s *DocumentStore) Count(ctx context.Context, conn *sql.Conn, collection string) (int64, error) {
	if err := ValidateCollection(collection); err != nil {
		return 0, err
	}
	s.queries.Add(1)

	var n int64
	err := conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE collection = ?", collection).Scan(&n)
	if err != nil {
		s.errors.Add(1)
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Metrics returns a copy of the store counters.
func (s *DocumentStore) Metrics() StoreMetrics {
	return StoreMetrics{
		QueryCount: s.queries.Load(),
		ErrorCount: s.errors.Load(),
	}
}

func (s *DocumentStore) exec(ctx context.Context, conn *sql.Conn, query string, args ...interface{}) (sql.Result, error) {
	s.queries.Add(1)
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		s.errors.Add(1)
	}
	return res, err
}
