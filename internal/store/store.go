// Package store persists one JSON document per entity. Two backends exist:
// the filesystem store (default; atomic temp-then-rename writes) and a
// Postgres store for hosted deployments. Both enforce the single-writer
// discipline per entity id.
package store

import (
	"context"
	"errors"
)

// Collections used by the trust core.
const (
	Proposals    = "proposals"
	Agreements   = "agreements"
	Arbitrations = "arbitrations"
	Rulings      = "rulings"
	Witnesses    = "witnesses"
)

// ErrNotFound is returned by Load and Update for unknown ids.
var ErrNotFound = errors.New("store: entity not found")

// UpdateFunc mutates the decoded entity in place. Returning an error aborts
// the update without writing.
type UpdateFunc func(raw []byte) (any, error)

type Store interface {
	Load(ctx context.Context, collection, id string, dst any) error
	Save(ctx context.Context, collection, id string, v any) error
	// Update serializes read-modify-write for one entity: the entity is
	// loaded, fn produces the replacement value, and the result is written
	// atomically while the per-entity lock is held.
	Update(ctx context.Context, collection, id string, fn UpdateFunc) error
	List(ctx context.Context, collection string) ([]string, error)
	Close()
}
