// Package ids supplies entity identifiers behind a small interface so tests
// can run with a deterministic sequence.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
type Generator interface {
	NewID() string
}

// UUID generates random (v4) identifiers.
type UUID struct{}

// NewID returns a new random UUID string.
func (UUID) NewID() string { return uuid.New().String() }

// Sequential generates "prefix-1", "prefix-2", ... for deterministic tests.
type Sequential struct {
	prefix string
	n      atomic.Uint64
}

// NewSequential creates a Sequential generator with the given prefix.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// NewID returns the next identifier in the sequence.
func (s *Sequential) NewID() string {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1))
}
