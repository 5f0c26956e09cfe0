// Package cache is the DescriptorCache: a per-request memoization of a
// structure's materialized module data (its blocks, with definitions
// loaded lazily or eagerly). A Cache instance's lifetime must equal one
// logical read transaction — see WithContext/FromContext, which scope a
// Cache to a context.Context instead of request-local or goroutine-local
// storage, so the scope is explicit and the zero value (no cache in
// context) is always a safe cache-miss path.
package cache

import (
	"context"
	"sync"

	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/keyenc"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ModuleDescriptor is one block's materialized view: its entry plus lazy
// access to its Definition.
type ModuleDescriptor struct {
	BlockID string
	Entry   docstore.BlockEntry

	mu         sync.Mutex
	definition *docstore.Definition
	load       func(ctx context.Context) (*docstore.Definition, error)
}

// Definition returns the block's content, fetching it on first access in
// lazy mode (a no-op if it was already populated by an eager Get).
func (m *ModuleDescriptor) Definition(ctx context.Context) (*docstore.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.definition != nil {
		return m.definition, nil
	}
	def, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	m.definition = def
	return def, nil
}

// Descriptor is the materialized system context for one Structure.
type Descriptor struct {
	Structure  *docstore.Structure
	ModuleData map[string]*ModuleDescriptor
}

// Cache is the DescriptorCache: an LRU of Descriptor keyed by structure id.
type Cache struct {
	conn *docstore.Connector
	lru  *lru.Cache[string, *Descriptor]
}

// New builds a Cache bounded to size entries.
func New(conn *docstore.Connector, size int) *Cache {
	l, _ := lru.New[string, *Descriptor](size)
	return &Cache{conn: conn, lru: l}
}

// Get returns the materialized Descriptor for structureID, populating it on
// first access by walking the block graph from the root to depth (a
// negative depth walks the whole reachable graph). In eager mode every
// definition referenced by the walk is fetched up front; in lazy mode each
// ModuleDescriptor fetches its own definition on first access.
func (c *Cache) Get(ctx context.Context, structureID string, depth int, eager bool) (*Descriptor, error) {
	if d, ok := c.lru.Get(structureID); ok {
		return d, nil
	}

	st, err := c.conn.GetStructure(ctx, structureID)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{Structure: st, ModuleData: make(map[string]*ModuleDescriptor)}
	visited := make(map[string]bool)

	var walk func(blockID string, remaining int)
	walk = func(blockID string, remaining int) {
		if visited[blockID] || (depth >= 0 && remaining < 0) {
			return
		}
		visited[blockID] = true
		entry, ok := st.Blocks[keyenc.Encode(blockID)]
		if !ok {
			return
		}
		definitionID := entry.Definition
		desc.ModuleData[blockID] = &ModuleDescriptor{
			BlockID: blockID,
			Entry:   entry,
			load: func(ctx context.Context) (*docstore.Definition, error) {
				return c.conn.GetDefinition(ctx, definitionID)
			},
		}
		for _, child := range entry.Children() {
			walk(child, remaining-1)
		}
	}
	if st.Root != "" {
		walk(st.Root, depth)
	}

	if eager {
		for _, md := range desc.ModuleData {
			if md.Entry.Definition == "" {
				continue
			}
			if _, err := md.Definition(ctx); err != nil {
				return nil, err
			}
		}
	}

	c.lru.Add(structureID, desc)
	return desc, nil
}

// Evict drops a structure id's cached descriptor. Required on
// continue_version writes (the structure re-addresses, so the prior id's
// descriptor would otherwise serve stale module data) and is also the
// standard way to simulate a request-boundary flush in tests.
func (c *Cache) Evict(structureID string) {
	c.lru.Remove(structureID)
}

type contextKey struct{}

// WithContext scopes a Cache to ctx, following the cachectx pattern: the
// cache's lifetime is exactly the lifetime of the context it is attached
// to, so a per-request context.Context is what gives the descriptor cache
// its per-request scope, not goroutine-local state.
func WithContext(ctx context.Context, c *Cache) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext retrieves the Cache scoped to ctx, if any.
func FromContext(ctx context.Context) (*Cache, bool) {
	c, ok := ctx.Value(contextKey{}).(*Cache)
	return c, ok
}
