package api

import (
	"time"
)

// Request/Response types for the HTTP API

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error Error `json:"error"`
}

// Error represents an API error
type Error struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// InsertDocumentResponse is returned after a document is stored
type InsertDocumentResponse struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
}

// CountResponse reports the number of documents in a collection
type CountResponse struct {
	Collection string `json:"collection"`
	Count      int64  `json:"count"`
}
