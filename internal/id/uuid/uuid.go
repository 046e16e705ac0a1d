// Package uuid generates the ids of work units and instance leases.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings. Version 7 ids lead with a millisecond
// timestamp, so units seeded in the same tick still sort roughly by creation
// when the ledger breaks created_at ties by id.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate unit id: %w", err)
	}
	return id.String(), nil
}
