// Package storage implements the document stores hermes reads change feeds from.
//
// A Source is the narrow view the dispatch core needs: one ordered change
// feed plus an on-demand aggregation query. A Store adds writes for the
// embedded backends, whose writes publish their own change events.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// Document is a JSON-shaped document.
type Document = map[string]any

// OperationType is the upstream change kind.
type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpUpdate  OperationType = "update"
	OpReplace OperationType = "replace"
	OpDelete  OperationType = "delete"
)

// DefaultOperations are the operation types the shared feed is scoped to.
var DefaultOperations = []OperationType{OpInsert, OpUpdate, OpReplace, OpDelete}

// UpdateDescription lists field-level changes keyed by dotted path.
type UpdateDescription struct {
	UpdatedFields map[string]any
	RemovedFields []string
}

// ChangeEvent is one upstream change.
type ChangeEvent struct {
	OperationType     OperationType
	Collection        string
	DocumentKey       any // the _id value
	FullDocument      Document
	UpdateDescription *UpdateDescription
}

// Pipeline is a list of aggregation stages, each a JSON object with one operator key.
type Pipeline []json.RawMessage

// Mutation is a field-level update: dotted paths to set and to remove.
type Mutation struct {
	Set   map[string]any
	Unset []string
}

var (
	// ErrNotFound is returned by writes addressing a missing document.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateKey is returned when inserting an existing _id.
	ErrDuplicateKey = errors.New("duplicate _id")
	// ErrClosed is returned by a closed store.
	ErrClosed = errors.New("store closed")
)

// Source is the document database as seen by the dispatch core.
type Source interface {
	// Changes opens the ordered change feed, scoped to the given operation types.
	// The channel is closed when ctx is done or the source is closed.
	Changes(ctx context.Context, ops []OperationType) (<-chan ChangeEvent, error)

	// Aggregate evaluates a pipeline against the current collection state.
	Aggregate(ctx context.Context, collection string, pipeline Pipeline) ([]Document, error)

	// AggregateByID evaluates {$match: {_id: id}} followed by pipeline.
	AggregateByID(ctx context.Context, collection string, id any, pipeline Pipeline) ([]Document, error)

	// CollectionNames lists the known collections.
	CollectionNames(ctx context.Context) ([]string, error)

	// Close releases the source.
	Close() error
}

// Store is a Source that also accepts writes.
type Store interface {
	Source

	// Insert adds a document, generating an _id when absent, and returns the _id.
	Insert(ctx context.Context, collection string, doc Document) (any, error)

	// Update applies a field-level mutation.
	Update(ctx context.Context, collection string, id any, m Mutation) error

	// Delete removes a document.
	Delete(ctx context.Context, collection string, id any) error
}
