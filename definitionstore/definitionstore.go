// Package definitionstore is the DefinitionStore: CRUD over content-payload
// documents, threading previous_version/original_version the same way
// structurestore threads them for Structures.
package definitionstore

import (
	"context"
	"reflect"
	"time"

	"github.com/gloudx/coursestore/docstore"
)

// reservedFields are derived by the store and never persisted as content.
var reservedFields = map[string]bool{"location": true, "category": true}

func stripReserved(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if !reservedFields[k] {
			out[k] = v
		}
	}
	return out
}

// Store is the DefinitionStore.
type Store struct {
	conn *docstore.Connector
	now  func() time.Time
}

// New builds a Store. now defaults to time.Now; tests may override it for
// deterministic edited_on timestamps.
func New(conn *docstore.Connector, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{conn: conn, now: now}
}

// Get returns a Definition by id.
func (s *Store) Get(ctx context.Context, id string) (*docstore.Definition, error) {
	return s.conn.GetDefinition(ctx, id)
}

// Create persists a brand new Definition with previous_version=null and
// original_version=self, returning its id.
func (s *Store) Create(ctx context.Context, category string, fields map[string]any, user string) (string, error) {
	def := &docstore.Definition{
		Category:        category,
		Fields:          stripReserved(fields),
		EditedBy:        user,
		EditedOn:        s.now().UTC(),
		OriginalVersion: docstore.SelfRef,
	}
	return s.conn.InsertDefinition(ctx, def)
}

// Update computes a set-symmetric-difference between the current fields and
// newFields; if they are identical it returns (definitionID, false) without
// writing. Otherwise it clones the definition under a new id, chains
// previous_version to the current one, retains original_version, and
// returns (newID, true).
func (s *Store) Update(ctx context.Context, definitionID string, newFields map[string]any, user string) (string, bool, error) {
	current, err := s.conn.GetDefinition(ctx, definitionID)
	if err != nil {
		return "", false, err
	}

	clean := stripReserved(newFields)
	if fieldsEqual(current.Fields, clean) {
		return definitionID, false, nil
	}

	next := &docstore.Definition{
		Category:        current.Category,
		Fields:          clean,
		EditedBy:        user,
		EditedOn:        s.now().UTC(),
		PreviousVersion: definitionID,
		OriginalVersion: current.OriginalVersion,
	}
	newID, err := s.conn.InsertDefinition(ctx, next)
	if err != nil {
		return "", false, err
	}
	return newID, true, nil
}

// fieldsEqual is a set-symmetric-difference check: the two field maps must
// have identical keys and, for every key, deeply equal values. Both sides
// are normalized first so a freshly supplied Go value (e.g. the int 10)
// compares equal to the same field reloaded from storage (where it would
// otherwise come back as float64).
func fieldsEqual(a, b map[string]any) bool {
	a = docstore.NormalizeFields(a)
	b = docstore.NormalizeFields(b)
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
