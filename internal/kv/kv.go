// Package kv is the narrow document-store boundary the engine writes
// through. It offers single-key reads and writes only; there are no
// multi-key transactions, so every caller treats one document as its unit of
// atomicity and keeps aggregates recomputable from scratch.
package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
	// ErrConflict means the stored version moved under a compare-and-swap
	// write. Callers re-read and retry.
	ErrConflict = errors.New("document version conflict")
)

type Document struct {
	Key     string
	Value   []byte
	Version int64
}

type Store interface {
	// Get returns the document at key or ErrNotFound.
	Get(ctx context.Context, key string) (Document, error)
	// Create writes a new document, failing with ErrExists if the key is
	// already present. Used both for unique-order enforcement and as a
	// put-if-absent dedupe primitive.
	Create(ctx context.Context, key string, value []byte) error
	// Put replaces the document only if the stored version still equals
	// version; ErrConflict otherwise. The whole value is written
	// atomically, so a failed write leaves the prior document intact.
	Put(ctx context.Context, key string, value []byte, version int64) error
	// List returns all documents whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Document, error)
	// Delete removes the document at key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}
