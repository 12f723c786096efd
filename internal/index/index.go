// Package index provides the dedup and upsert surface over the search index
// that backs the listing pipelines.
package index

import (
	"context"
	"fmt"
)

// Store is the index surface the pipelines depend on. Upserts are keyed by
// document identifier, so re-running a pipeline over already-seen records
// overwrites rather than duplicates.
type Store interface {
	// EnsureIndex creates the named index with the pipeline mapping if it
	// does not exist yet.
	EnsureIndex(ctx context.Context, name string) error

	// Exists reports whether a document identifier is already indexed.
	Exists(ctx context.Context, name, id string) (bool, error)

	// ExistsMulti checks a page of identifiers in one round trip. The
	// result maps every requested id to its indexed state.
	ExistsMulti(ctx context.Context, name string, ids []string) (map[string]bool, error)

	// Upsert writes a document under its identifier, retrying transient
	// failures. Exhausted retries surface a *WriteError.
	Upsert(ctx context.Context, name, id string, doc map[string]any) error

	// ScanAll returns every document in the index, for snapshot export.
	ScanAll(ctx context.Context, name string) ([]map[string]any, error)
}

// WriteError is an upsert that failed after all retries. It is scoped to a
// single record; callers count it and continue with the rest of the batch.
type WriteError struct {
	Index    string
	ID       string
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("indexing %s into %s failed after %d attempts: %v", e.ID, e.Index, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
