package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/gloudx/coursestore/blockstore"
	s "github.com/gloudx/coursestore/datastore"
	"github.com/gloudx/coursestore/errs"
	"github.com/gloudx/coursestore/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	dstor, err := s.NewDatastorage(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { dstor.Close() })

	bs := blockstore.NewBlockstore(dstor)

	db, err := sqlite.Open(t.TempDir()+"/index.db", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := NewConnector(bs, dstor, db)
	require.NoError(t, err)
	return c
}

func TestInsertStructureIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	c := newTestConnector(t)

	build := func() *Structure {
		return &Structure{
			Root:            "course",
			OriginalVersion: SelfRef,
			EditedBy:        "u1",
			EditedOn:        time.Unix(0, 0).UTC(),
			Blocks: map[string]BlockEntry{
				"course": {
					Category:   "course",
					Definition: "def1",
					Fields:     map[string]any{},
					EditInfo: EditInfo{
						EditedBy:      "u1",
						EditedOn:      time.Unix(0, 0).UTC(),
						UpdateVersion: SelfRef,
					},
				},
			},
		}
	}

	id1, err := c.InsertStructure(ctx, build())
	require.NoError(t, err)
	id2, err := c.InsertStructure(ctx, build())
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	got, err := c.GetStructure(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, id1, got.OriginalVersion)
	require.Equal(t, id1, got.Blocks["course"].EditInfo.UpdateVersion)
}

func TestGetStructureNotFound(t *testing.T) {
	c := newTestConnector(t)
	_, err := c.GetStructure(context.Background(), "bafyreigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi")
	require.True(t, errs.IsNotFound(err))
}

func TestCourseIndexCRUD(t *testing.T) {
	ctx := context.Background()
	c := newTestConnector(t)

	idx := &CourseIndex{
		PackageID: "org.course",
		Org:       "org",
		Versions:  map[string]string{"draft": "s1"},
	}
	require.NoError(t, c.InsertCourseIndex(ctx, idx))

	dup := &CourseIndex{PackageID: "org.course"}
	require.True(t, errs.IsDuplicate(c.InsertCourseIndex(ctx, dup)))

	got, err := c.GetCourseIndex(ctx, "org.course")
	require.NoError(t, err)
	require.Equal(t, "s1", got.Versions["draft"])

	got.Versions["published"] = "s2"
	require.NoError(t, c.UpdateCourseIndex(ctx, got))

	matches, err := c.FindMatchingCourseIndexes(ctx, map[string]any{"versions.published": map[string]any{"$exists": true}})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.NoError(t, c.DeleteCourseIndex(ctx, "org.course"))
	_, err = c.GetCourseIndex(ctx, "org.course")
	require.True(t, errs.IsNotFound(err))
}

func TestFindMatchingStructuresByOriginalVersion(t *testing.T) {
	ctx := context.Background()
	c := newTestConnector(t)

	st := &Structure{
		Root:            "course",
		OriginalVersion: SelfRef,
		EditedOn:        time.Unix(0, 0).UTC(),
		Blocks: map[string]BlockEntry{
			"course": {Category: "course", Fields: map[string]any{}},
		},
	}
	id, err := c.InsertStructure(ctx, st)
	require.NoError(t, err)

	matches, err := c.FindMatchingStructures(ctx, map[string]any{"original_version": id})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, id, matches[0].ID)
}
