// Package store is the persistence collaborator for the orchestration core.
//
// It exposes a small document-store contract over logical collections:
// get, put, conditional-update, query-by-secondary-key, and batch-write.
// Two implementations are provided: a SQLite-backed store for real use and
// an in-memory store for tests. Both give ConditionalPut compare-and-set
// semantics, which is the sole concurrency primitive the claim engine and
// job queue rely on.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// Logical collection names.
const (
	Features = "features"
	Runs     = "agent_runs"
	Jobs     = "queued_jobs"
	Sessions = "work_sessions"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConditionFailed indicates a ConditionalPut guard did not hold
	// against the currently stored document.
	ErrConditionFailed = errors.New("condition failed")
)

// Cond is a conjunction of guards over top-level JSON fields of the stored
// document. A string value requires field equality; a nil value requires the
// field to be JSON null or absent. Other value types compare after JSON
// normalization.
type Cond map[string]any

// Store is the document persistence contract. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get decodes the document with the given id into out.
	// Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, id string, out any) error

	// Put unconditionally writes the document, creating or replacing it.
	Put(ctx context.Context, collection, id string, doc any) error

	// ConditionalPut replaces the document only if every guard in cond
	// holds against the stored version. Returns ErrNotFound if the document
	// does not exist and ErrConditionFailed if any guard fails. This is the
	// compare-and-set used for claims and dequeues.
	ConditionalPut(ctx context.Context, collection, id string, doc any, cond Cond) error

	// Delete removes the document. Deleting an absent document is not an
	// error.
	Delete(ctx context.Context, collection, id string) error

	// Query returns the raw documents whose top-level field equals value.
	Query(ctx context.Context, collection, field, value string) ([]json.RawMessage, error)

	// List returns all raw documents in the collection.
	List(ctx context.Context, collection string) ([]json.RawMessage, error)

	// BatchPut writes all documents in one atomic batch.
	BatchPut(ctx context.Context, collection string, docs map[string]any) error

	// Close releases underlying resources.
	Close() error
}

// DecodeAll unmarshals each raw document into a value of type T,
// skipping documents that fail to decode.
func DecodeAll[T any](raws []json.RawMessage) []T {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
