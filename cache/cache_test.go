package cache

import (
	"context"
	"testing"
	"time"

	"github.com/gloudx/coursestore/blockstore"
	s "github.com/gloudx/coursestore/datastore"
	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/keyenc"
	"github.com/gloudx/coursestore/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *docstore.Connector {
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
	return conn
}

func buildSimpleCourse(t *testing.T, conn *docstore.Connector) string {
	ctx := context.Background()
	defID, err := conn.InsertDefinition(ctx, &docstore.Definition{
		Category:        "course",
		Fields:          map[string]any{"overview": "hi"},
		EditedOn:        time.Unix(0, 0).UTC(),
		OriginalVersion: docstore.SelfRef,
	})
	require.NoError(t, err)

	st := &docstore.Structure{
		Root:            "course",
		OriginalVersion: docstore.SelfRef,
		EditedOn:        time.Unix(0, 0).UTC(),
		Blocks: map[string]docstore.BlockEntry{
			keyenc.Encode("course"): {
				Category:   "course",
				Definition: defID,
				Fields:     map[string]any{"children": []any{"chapter1"}},
			},
			keyenc.Encode("chapter1"): {
				Category: "chapter",
				Fields:   map[string]any{},
			},
		},
	}
	id, err := conn.InsertStructure(ctx, st)
	require.NoError(t, err)
	return id
}

func TestGetMaterializesModuleData(t *testing.T) {
	conn := newTestConn(t)
	id := buildSimpleCourse(t, conn)

	c := New(conn, 10)
	desc, err := c.Get(context.Background(), id, -1, false)
	require.NoError(t, err)
	require.Contains(t, desc.ModuleData, "course")
	require.Contains(t, desc.ModuleData, "chapter1")

	def, err := desc.ModuleData["course"].Definition(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hi", def.Fields["overview"])
}

func TestGetIsMemoized(t *testing.T) {
	conn := newTestConn(t)
	id := buildSimpleCourse(t, conn)

	c := New(conn, 10)
	first, err := c.Get(context.Background(), id, -1, false)
	require.NoError(t, err)
	second, err := c.Get(context.Background(), id, -1, false)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestEvictForcesRematerialization(t *testing.T) {
	conn := newTestConn(t)
	id := buildSimpleCourse(t, conn)

	c := New(conn, 10)
	first, err := c.Get(context.Background(), id, -1, false)
	require.NoError(t, err)
	c.Evict(id)
	second, err := c.Get(context.Background(), id, -1, false)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}

func TestWithContextRoundTrip(t *testing.T) {
	conn := newTestConn(t)
	c := New(conn, 10)
	ctx := WithContext(context.Background(), c)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Same(t, c, got)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}
