// Package blockstore provides content-addressed storage for IPLD nodes:
// Structure and Definition documents are serialized as dag-cbor nodes and
// addressed by the BLAKE3 CID of their encoded bytes, so two documents with
// identical content collapse onto the same id and are stored once.
package blockstore

import (
	"context"
	"errors"
	"io"
	"sync"

	s "github.com/gloudx/coursestore/datastore"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/boxo/blockservice"
	bstor "github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/linking"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/ipld/go-ipld-prime/storage/bsrvadapter"
	"github.com/multiformats/go-multihash"
)

// DefaultLP is the link prototype used for every Structure/Definition node:
// CIDv1, dag-cbor codec, BLAKE3 hash.
var DefaultLP = cidlink.LinkPrototype{
	Prefix: cid.Prefix{
		Version:  1,
		Codec:    uint64(cid.DagCBOR),
		MhType:   uint64(multihash.BLAKE3),
		MhLength: -1,
	},
}

// Blockstore is the content-addressed node store backing StructureStore and
// DefinitionStore.
type Blockstore interface {
	bstor.Blockstore
	bstor.Viewer
	io.Closer

	// PutNode stores an IPLD node under the CID derived from its content.
	// Storing the same content twice returns the same CID without writing
	// a second copy.
	PutNode(ctx context.Context, n datamodel.Node, lp cidlink.LinkPrototype) (cid.Cid, error)

	// GetNodeAny loads a node as a generic (Any) node.
	GetNodeAny(ctx context.Context, c cid.Cid) (datamodel.Node, error)
}

type blockstore struct {
	bstor.Blockstore
	lsys *linking.LinkSystem
	mu   sync.RWMutex
	// cache short-circuits repeated reads of hot Structure/Definition
	// nodes (e.g. a branch head read on every request).
	cache *lru.Cache[string, blocks.Block]
}

var _ Blockstore = (*blockstore)(nil)

// NewBlockstore wraps a Datastore with an IPLD-aware content-addressed
// blockstore and a bounded read cache.
func NewBlockstore(ds s.Datastore) *blockstore {
	base := bstor.NewBlockstore(ds)
	bs := &blockstore{Blockstore: base}

	cache, _ := lru.New[string, blocks.Block](1000)
	bs.cache = cache

	bsrv := blockservice.New(bs.Blockstore, nil)
	adapter := &bsrvadapter.Adapter{Wrapped: bsrv}
	lsys := cidlink.DefaultLinkSystem()
	lsys.SetWriteStorage(adapter)
	lsys.SetReadStorage(adapter)
	bs.lsys = &lsys

	return bs
}

func (bs *blockstore) cacheBlock(b blocks.Block) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.cache != nil {
		bs.cache.Add(b.Cid().String(), b)
	}
}

func (bs *blockstore) cacheGet(key string) (blocks.Block, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.cache == nil {
		return nil, false
	}
	return bs.cache.Get(key)
}

// Put stores a raw block.
func (bs *blockstore) Put(ctx context.Context, block blocks.Block) error {
	if err := bs.Blockstore.Put(ctx, block); err != nil {
		return err
	}
	bs.cacheBlock(block)
	return nil
}

func (bs *blockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	if err := bs.Blockstore.PutMany(ctx, blks); err != nil {
		return err
	}
	for _, b := range blks {
		bs.cacheBlock(b)
	}
	return nil
}

// PutNode stores n via the LinkSystem, returning its content-derived CID.
func (bs *blockstore) PutNode(ctx context.Context, n datamodel.Node, lp cidlink.LinkPrototype) (cid.Cid, error) {
	if bs.lsys == nil {
		return cid.Undef, errors.New("blockstore: link system is nil")
	}
	lnk, err := bs.lsys.Store(ipld.LinkContext{Ctx: ctx}, lp, n)
	if err != nil {
		return cid.Undef, err
	}
	return lnk.(cidlink.Link).Cid, nil
}

// Get loads a raw block, consulting the read cache first.
func (bs *blockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if blk, ok := bs.cacheGet(c.String()); ok {
		return blk, nil
	}
	blk, err := bs.Blockstore.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	bs.cacheBlock(blk)
	return blk, nil
}

// GetNodeAny loads a node as a generic (Any) node.
func (bs *blockstore) GetNodeAny(ctx context.Context, c cid.Cid) (datamodel.Node, error) {
	if bs.lsys == nil {
		return nil, errors.New("blockstore: link system is nil")
	}
	lnk := cidlink.Link{Cid: c}
	return bs.lsys.Load(ipld.LinkContext{Ctx: ctx}, lnk, basicnode.Prototype.Any)
}

func (bs *blockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	if err := bs.Blockstore.DeleteBlock(ctx, c); err != nil {
		return err
	}
	bs.mu.Lock()
	if bs.cache != nil {
		bs.cache.Remove(c.String())
	}
	bs.mu.Unlock()
	return nil
}

// View exposes zero-copy reads where the underlying store supports it.
func (bs *blockstore) View(ctx context.Context, id cid.Cid, callback func([]byte) error) error {
	if v, ok := bs.Blockstore.(bstor.Viewer); ok {
		return v.View(ctx, id, callback)
	}
	blk, err := bs.Blockstore.Get(ctx, id)
	if err != nil {
		return err
	}
	return callback(blk.RawData())
}

func (bs *blockstore) Close() error {
	return nil
}
