// Package kv defines the key-value abstraction the record store is built on.
// Backends: pebble (default), bbolt, and an in-memory store for tests.
package kv

import (
	"context"
)

// DB defines the basic operations any key-value backend must support.
type DB interface {
	// Basic operations
	Read(ctx context.Context, key []byte) ([]byte, error)
	Write(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error

	// Batch applies a set of operations atomically.
	Batch(ctx context.Context, ops []BatchOperation) error

	// Iterator traverses keys in [start, end). A nil end means no upper bound.
	Iterator(ctx context.Context, start, end []byte) (Iterator, error)

	// Close releases backend resources.
	Close() error
}

// Iterator allows traversing over database entries in key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// BatchOperation represents a single operation in a batch.
type BatchOperation struct {
	Type  BatchOpType
	Key   []byte
	Value []byte
}

type BatchOpType int

const (
	BatchPut BatchOpType = iota
	BatchDelete
)
