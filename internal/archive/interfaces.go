package archive

import (
	"context"
	"time"
)

// RecordStore persists archive records and failure rows.
type RecordStore interface {
	PutRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, url string) (Record, error)
	ListRecords(ctx context.Context, kind Kind, limit, offset int) ([]Record, error)
	PutFailure(ctx context.Context, failure Failure) error
}

// BlobStore holds raw content addressed by its SHA-256 hex digest.
// PutBlob reports existed=true when identical content was already
// stored, which is the dedup signal.
type BlobStore interface {
	PutBlob(data []byte) (hash string, existed bool, err error)
	GetBlob(hash string) ([]byte, error)
	HasBlob(hash string) bool
}

// Fetcher retrieves one URL, retries included, and reports an explicit
// Outcome instead of error-driven control flow.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) Outcome
}

// Parser extracts and classifies links and asset references from a body.
type Parser interface {
	Parse(contentType string, body []byte, baseURL string) ParseResult
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock with the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
