package versioning

import (
	"context"
	"testing"
	"time"

	"github.com/gloudx/coursestore/blockclass"
	"github.com/gloudx/coursestore/blockstore"
	"github.com/gloudx/coursestore/cache"
	s "github.com/gloudx/coursestore/datastore"
	"github.com/gloudx/coursestore/definitionstore"
	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/errs"
	"github.com/gloudx/coursestore/indexstore"
	"github.com/gloudx/coursestore/inheritance"
	"github.com/gloudx/coursestore/keyenc"
	"github.com/gloudx/coursestore/locator"
	"github.com/gloudx/coursestore/sqlite"
	"github.com/gloudx/coursestore/structurestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	dstor, err := s.NewDatastorage(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { dstor.Close() })

	bs := blockstore.NewBlockstore(dstor)
	db, err := sqlite.Open(t.TempDir()+"/index.db", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := docstore.NewConnector(bs, dstor, db)
	require.NoError(t, err)

	fixed := time.Unix(1700000000, 0).UTC()
	now := func() time.Time { return fixed }

	idx := indexstore.New(conn, now)
	structs := structurestore.New(conn, now)
	defs := definitionstore.New(conn, now)
	reg := blockclass.NewDefaultRegistry()
	c := cache.New(conn, 16)
	inh := inheritance.New("graded", "due")

	return New(idx, structs, defs, reg, c, inh, now)
}

func TestCreateCourseFreshThenCreateItem(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{
		Org: "edx", User: "alice",
		Fields: map[string]any{"display_name": "Demo Course"},
	})
	require.NoError(t, err)
	require.Contains(t, idxDoc.Versions, MasterBranch)

	rootID := idxDoc.Versions[MasterBranch]
	root, err := core.Structures.Get(ctx, rootID)
	require.NoError(t, err)
	assert.Equal(t, "course", root.Root)
	assert.Len(t, root.Blocks, 1)
	assert.Contains(t, root.Blocks, keyenc.Encode("course"))
	assert.Equal(t, rootID, root.OriginalVersion)

	desc, err := core.CreateItem(ctx, CreateItemRequest{
		Locator:       locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch},
		ParentBlockID: "course",
		Category:      "chapter",
		Fields:        map[string]any{"display_name": "Week 1"},
		User:          "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "chapter1", desc.Locator.BlockID)

	updatedIdx, err := core.Index.Get(ctx, idxDoc.PackageID)
	require.NoError(t, err)
	newHead := updatedIdx.Versions[MasterBranch]
	assert.NotEqual(t, rootID, newHead)

	st, err := core.Structures.Get(ctx, newHead)
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter1"}, st.Blocks[keyenc.Encode("course")].Children())
	assert.Equal(t, newHead, st.Blocks[keyenc.Encode("chapter1")].EditInfo.UpdateVersion)
}

func TestOptimisticConcurrencyConflictAndForce(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{Org: "edx", User: "alice"})
	require.NoError(t, err)
	staleHead := idxDoc.Versions[MasterBranch]

	_, err = core.CreateItem(ctx, CreateItemRequest{
		Locator:       locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch},
		ParentBlockID: "course",
		Category:      "chapter",
		User:          "alice",
	})
	require.NoError(t, err)

	_, err = core.CreateItem(ctx, CreateItemRequest{
		Locator: locator.CourseLocator{
			PackageID: idxDoc.PackageID, Branch: MasterBranch, VersionGUID: staleHead,
		},
		ParentBlockID: "course",
		Category:      "chapter",
		User:          "bob",
	})
	require.Error(t, err)
	assert.True(t, errs.IsVersionConflict(err))

	desc, err := core.CreateItem(ctx, CreateItemRequest{
		Locator: locator.CourseLocator{
			PackageID: idxDoc.PackageID, Branch: MasterBranch, VersionGUID: staleHead,
		},
		ParentBlockID: "course",
		Category:      "chapter",
		User:          "bob",
		Force:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, "chapter1", desc.Locator.BlockID)

	idxAfter, err := core.Index.Get(ctx, idxDoc.PackageID)
	require.NoError(t, err)
	assert.NotEqual(t, desc.Locator.VersionGUID, idxAfter.Versions[MasterBranch],
		"a forced edit must not silently become the new branch head")
}

func TestUpdateItemNoChangeIsNoOp(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{
		Org: "edx", User: "alice", Fields: map[string]any{"display_name": "Demo"},
	})
	require.NoError(t, err)
	head := idxDoc.Versions[MasterBranch]

	desc, err := core.UpdateItem(ctx, UpdateItemRequest{
		Locator: locator.BlockUsageLocator{
			CourseLocator: locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch},
			BlockID:       "course",
		},
		Fields: map[string]any{"display_name": "Demo"},
		User:   "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, head, desc.Locator.VersionGUID)

	idxAfter, err := core.Index.Get(ctx, idxDoc.PackageID)
	require.NoError(t, err)
	assert.Equal(t, head, idxAfter.Versions[MasterBranch])
}

func TestUpdateItemWithChangeVersions(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{
		Org: "edx", User: "alice", Fields: map[string]any{"display_name": "Demo"},
	})
	require.NoError(t, err)
	head := idxDoc.Versions[MasterBranch]

	desc, err := core.UpdateItem(ctx, UpdateItemRequest{
		Locator: locator.BlockUsageLocator{
			CourseLocator: locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch},
			BlockID:       "course",
		},
		Fields: map[string]any{"display_name": "Renamed"},
		User:   "alice",
	})
	require.NoError(t, err)
	assert.NotEqual(t, head, desc.Locator.VersionGUID)
	assert.Equal(t, "Renamed", desc.Entry.Fields["display_name"])
}

func TestUpdateItemIntFieldIsNoOp(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{Org: "edx", User: "alice"})
	require.NoError(t, err)
	loc := locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch}

	created, err := core.CreateItem(ctx, CreateItemRequest{
		Locator: loc, ParentBlockID: "course", Category: "problem", User: "alice",
		Fields: map[string]any{"weight": 10},
	})
	require.NoError(t, err)
	head := created.Locator.VersionGUID

	desc, err := core.UpdateItem(ctx, UpdateItemRequest{
		Locator: locator.BlockUsageLocator{CourseLocator: loc, BlockID: created.Locator.BlockID},
		Fields:  map[string]any{"weight": 10},
		User:    "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, head, desc.Locator.VersionGUID,
		"a freshly supplied int must compare equal to the same field reloaded from storage")
}

func TestUpdateItemCanChangeChildren(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{Org: "edx", User: "alice"})
	require.NoError(t, err)
	loc := locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch}

	_, err = core.CreateItem(ctx, CreateItemRequest{Locator: loc, ParentBlockID: "course", Category: "chapter", User: "alice"})
	require.NoError(t, err)
	_, err = core.CreateItem(ctx, CreateItemRequest{Locator: loc, ParentBlockID: "course", Category: "chapter", User: "alice"})
	require.NoError(t, err)

	idxAfter, err := core.Index.Get(ctx, idxDoc.PackageID)
	require.NoError(t, err)
	st, err := core.Structures.Get(ctx, idxAfter.Versions[MasterBranch])
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter1", "chapter2"}, st.Blocks[keyenc.Encode("course")].Children())

	desc, err := core.UpdateItem(ctx, UpdateItemRequest{
		Locator: locator.BlockUsageLocator{CourseLocator: loc, BlockID: "course"},
		Fields:  map[string]any{"children": []any{"chapter2", "chapter1"}},
		User:    "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter2", "chapter1"}, desc.Entry.Children())

	_, err = core.UpdateItem(ctx, UpdateItemRequest{
		Locator: locator.BlockUsageLocator{CourseLocator: loc, BlockID: "course"},
		Fields:  map[string]any{"children": []any{"chapter2", "chapter1", "does-not-exist"}},
		User:    "alice",
	})
	require.Error(t, err, "a children list naming an unknown block must be rejected")
	assert.True(t, errs.IsNotFound(err))
}

func TestDeleteItemRejectsRoot(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{Org: "edx", User: "alice"})
	require.NoError(t, err)

	_, err = core.DeleteItem(ctx, locator.BlockUsageLocator{
		CourseLocator: locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch},
		BlockID:       "course",
	}, false, "alice", false)
	require.Error(t, err)
	var illegal *errs.IllegalArgumentError
	assert.ErrorAs(t, err, &illegal)
}

func TestDeleteItemWithoutChildrenOrphansDescendants(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{Org: "edx", User: "alice"})
	require.NoError(t, err)
	loc := locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch}

	_, err = core.CreateItem(ctx, CreateItemRequest{Locator: loc, ParentBlockID: "course", Category: "chapter", User: "alice"})
	require.NoError(t, err)
	_, err = core.CreateItem(ctx, CreateItemRequest{Locator: loc, ParentBlockID: "chapter1", Category: "vertical", User: "alice"})
	require.NoError(t, err)

	newID, err := core.DeleteItem(ctx, locator.BlockUsageLocator{CourseLocator: loc, BlockID: "chapter1"}, false, "alice", false)
	require.NoError(t, err)

	st, err := core.Structures.Get(ctx, newID)
	require.NoError(t, err)
	assert.NotContains(t, st.Blocks, keyenc.Encode("chapter1"))
	assert.Contains(t, st.Blocks, keyenc.Encode("vertical1"), "descendant of a single-block delete must survive, now orphaned")
	assert.Equal(t, []string{"vertical1"}, structurestore.Orphans(st))
}

func TestDeleteItemWithChildrenRemovesSubtree(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{Org: "edx", User: "alice"})
	require.NoError(t, err)
	loc := locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch}

	_, err = core.CreateItem(ctx, CreateItemRequest{Locator: loc, ParentBlockID: "course", Category: "chapter", User: "alice"})
	require.NoError(t, err)
	_, err = core.CreateItem(ctx, CreateItemRequest{Locator: loc, ParentBlockID: "chapter1", Category: "vertical", User: "alice"})
	require.NoError(t, err)

	newID, err := core.DeleteItem(ctx, locator.BlockUsageLocator{CourseLocator: loc, BlockID: "chapter1"}, true, "alice", false)
	require.NoError(t, err)

	st, err := core.Structures.Get(ctx, newID)
	require.NoError(t, err)
	assert.NotContains(t, st.Blocks, keyenc.Encode("chapter1"))
	assert.NotContains(t, st.Blocks, keyenc.Encode("vertical1"))
	assert.Empty(t, structurestore.Orphans(st))
}

func TestCreateCourseCloneSharesStructure(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	src, err := core.CreateCourse(ctx, CreateCourseRequest{Org: "edx", User: "alice"})
	require.NoError(t, err)
	srcHead := src.Versions[MasterBranch]

	clone, err := core.CreateCourse(ctx, CreateCourseRequest{
		Org: "edx", User: "bob", SourceVersionGUID: srcHead,
	})
	require.NoError(t, err)
	assert.Equal(t, srcHead, clone.Versions[DefaultBranch])
	assert.NotEqual(t, src.PackageID, clone.PackageID)
}

func TestCreateCourseCloneWithOverridesForksStructure(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	src, err := core.CreateCourse(ctx, CreateCourseRequest{
		Org: "edx", User: "alice", Fields: map[string]any{"display_name": "Original"},
	})
	require.NoError(t, err)
	srcHead := src.Versions[MasterBranch]

	clone, err := core.CreateCourse(ctx, CreateCourseRequest{
		Org: "edx", User: "bob", SourceVersionGUID: srcHead,
		Fields: map[string]any{"display_name": "Forked"},
	})
	require.NoError(t, err)
	cloneHead := clone.Versions[DefaultBranch]
	assert.NotEqual(t, srcHead, cloneHead)

	cloneSt, err := core.Structures.Get(ctx, cloneHead)
	require.NoError(t, err)
	assert.Equal(t, "Forked", cloneSt.Blocks[keyenc.Encode("course")].Fields["display_name"])

	srcSt, err := core.Structures.Get(ctx, srcHead)
	require.NoError(t, err)
	assert.Equal(t, "Original", srcSt.Blocks[keyenc.Encode("course")].Fields["display_name"])
}

func TestDeleteCourseOnlyRemovesIndex(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{Org: "edx", User: "alice"})
	require.NoError(t, err)
	head := idxDoc.Versions[MasterBranch]

	require.NoError(t, core.DeleteCourse(ctx, idxDoc.PackageID))

	_, err = core.Index.Get(ctx, idxDoc.PackageID)
	assert.True(t, errs.IsNotFound(err))

	_, err = core.Structures.Get(ctx, head)
	assert.NoError(t, err, "deleting a course must not remove its content-addressed Structure")
}

func TestGetOrphans(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	idxDoc, err := core.CreateCourse(ctx, CreateCourseRequest{Org: "edx", User: "alice"})
	require.NoError(t, err)
	loc := locator.CourseLocator{PackageID: idxDoc.PackageID, Branch: MasterBranch}

	_, err = core.CreateItem(ctx, CreateItemRequest{Locator: loc, ParentBlockID: "course", Category: "chapter", User: "alice"})
	require.NoError(t, err)
	_, err = core.CreateItem(ctx, CreateItemRequest{Locator: loc, ParentBlockID: "chapter1", Category: "vertical", User: "alice"})
	require.NoError(t, err)

	orphans, err := core.GetOrphans(ctx, loc)
	require.NoError(t, err)
	assert.Empty(t, orphans, "a freshly built tree has no orphans")

	_, err = core.DeleteItem(ctx, locator.BlockUsageLocator{CourseLocator: loc, BlockID: "chapter1"}, false, "alice", false)
	require.NoError(t, err)

	orphans, err = core.GetOrphans(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"vertical1"}, orphans)
}
