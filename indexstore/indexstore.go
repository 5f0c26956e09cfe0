// Package indexstore is the IndexStore: CRUD over the CourseIndex identity
// document and package_id allocation.
package indexstore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gloudx/coursestore/docstore"
)

// Store is the IndexStore.
type Store struct {
	conn *docstore.Connector
	now  func() time.Time
}

// New builds a Store. now defaults to time.Now.
func New(conn *docstore.Connector, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{conn: conn, now: now}
}

func (s *Store) Get(ctx context.Context, packageID string) (*docstore.CourseIndex, error) {
	return s.conn.GetCourseIndex(ctx, packageID)
}

func (s *Store) Insert(ctx context.Context, idx *docstore.CourseIndex) error {
	return s.conn.InsertCourseIndex(ctx, idx)
}

func (s *Store) Update(ctx context.Context, idx *docstore.CourseIndex) error {
	return s.conn.UpdateCourseIndex(ctx, idx)
}

func (s *Store) Delete(ctx context.Context, packageID string) error {
	return s.conn.DeleteCourseIndex(ctx, packageID)
}

func (s *Store) FindMatching(ctx context.Context, q map[string]any) ([]docstore.CourseIndex, error) {
	return s.conn.FindMatchingCourseIndexes(ctx, q)
}

// GeneratePackageID returns the lowest decimal suffix making a package id
// unique under ^idRoot(\d+)?$: idRoot itself if free, else idRoot+"1",
// idRoot+"2", and so on. idRoot is caller-supplied and defaults to the
// course's org when the caller passes no explicit id_root.
//
// This read-then-pick-then-insert sequence is racy under concurrent course
// creation: two callers can both observe idRoot as free and both attempt to
// insert it. Callers must either serialize course creation or retry on
// InsertCourseIndex's DuplicateItemError.
func (s *Store) GeneratePackageID(ctx context.Context, idRoot string) (string, error) {
	pattern := "^" + regexp.QuoteMeta(idRoot) + `(\d+)?$`
	matches, err := s.conn.FindMatchingCourseIndexes(ctx, map[string]any{
		"package_id": map[string]any{"$regex": pattern},
	})
	if err != nil {
		return "", err
	}

	taken := make(map[string]bool, len(matches))
	for _, m := range matches {
		taken[m.PackageID] = true
	}

	if !taken[idRoot] {
		return idRoot, nil
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s%d", idRoot, n)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}
