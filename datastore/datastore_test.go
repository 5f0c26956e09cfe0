package datastore

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/require"
)

func TestIteratorAndKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDatastorage(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, ds.NewKey("/structures/a"), []byte("1")))
	require.NoError(t, store.Put(ctx, ds.NewKey("/structures/b"), []byte("2")))
	require.NoError(t, store.Put(ctx, ds.NewKey("/indexes/course1"), []byte("3")))

	out, errc, err := store.Iterator(ctx, ds.NewKey("/structures"), false)
	require.NoError(t, err)

	seen := map[string][]byte{}
	for kv := range out {
		seen[kv.Key.String()] = kv.Value
	}
	require.NoError(t, <-errc)
	require.Len(t, seen, 2)
	require.Equal(t, []byte("1"), seen["/structures/a"])

	keys, errc2, err := store.Keys(ctx, ds.NewKey("/indexes"))
	require.NoError(t, err)
	var count int
	for range keys {
		count++
	}
	require.NoError(t, <-errc2)
	require.Equal(t, 1, count)
}
