// Package archive defines core types shared across subsystems.
package archive

import (
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned by store lookups when no record or blob exists.
var ErrNotFound = errors.New("archive: not found")

// Kind classifies a discovered URL.
type Kind string

// Kind values carried by frontier entries and records.
const (
	KindSeed    Kind = "seed"
	KindList    Kind = "list"
	KindArticle Kind = "article"
	KindImage   Kind = "image"
)

// EntryState represents the lifecycle state of a frontier entry.
type EntryState string

// Entry state values.
const (
	StatePending    EntryState = "pending"
	StateInProgress EntryState = "in_progress"
	StateDone       EntryState = "done"
	StateFailed     EntryState = "failed"
)

// FrontierEntry is one discovered, not-yet-archived URL.
// URL is always in normalized form; Parent is the normalized URL of the
// page the entry was discovered on, empty for seeds.
type FrontierEntry struct {
	URL    string
	Kind   Kind
	State  EntryState
	Parent string
}

// Record is the durable metadata entry for one archived URL.
// StorageRef points into the blob store; records for distinct URLs with
// identical content share a StorageRef.
type Record struct {
	URL          string    `json:"url"`
	Kind         Kind      `json:"kind"`
	Title        string    `json:"title,omitempty"`
	ContentHash  string    `json:"content_hash"`
	StorageRef   string    `json:"storage_ref"`
	ContentType  string    `json:"content_type"`
	HTTPStatus   int       `json:"http_status"`
	Size         int64     `json:"size"`
	FetchedAt    time.Time `json:"fetched_at"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
}

// Failure records a permanently failed fetch for diagnostics.
type Failure struct {
	URL        string    `json:"url"`
	Kind       Kind      `json:"kind"`
	Reason     string    `json:"reason"`
	HTTPStatus int       `json:"http_status"`
	FailedAt   time.Time `json:"failed_at"`
}

// FetchRequest captures everything needed to fetch a URL once.
// ETag/LastModified, when set, turn the request into a conditional one.
type FetchRequest struct {
	URL          string
	ETag         string
	LastModified string
}

// FetchedPage is the payload of a successful fetch.
type FetchedPage struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ClassifiedURL is a link the parser extracted and classified.
type ClassifiedURL struct {
	URL  string
	Kind Kind
}

// ParseResult holds everything extracted from one HTML document.
// OutLinks are off-site references kept for diagnostics but never fetched.
type ParseResult struct {
	Title    string
	Links    []ClassifiedURL
	Assets   []string
	OutLinks []string
}
