// Package structurestore implements the copy-on-write primitive
// (version_structure) and the block-graph helpers (parent lookup,
// reachability, block id allocation) that VersioningCore, PublishEngine and
// HistoryEngine all build on.
package structurestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/errs"
	"github.com/gloudx/coursestore/keyenc"
)

// Store is the StructureStore.
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

func (s *Store) Get(ctx context.Context, id string) (*docstore.Structure, error) {
	return s.conn.GetStructure(ctx, id)
}

// Insert persists a brand new Structure and returns its content-derived id.
func (s *Store) Insert(ctx context.Context, st *docstore.Structure) (string, error) {
	return s.conn.InsertStructure(ctx, st)
}

// Continue re-addresses an in-flight (continue_version) Structure after a
// mutation, discarding its prior id.
func (s *Store) Continue(ctx context.Context, st *docstore.Structure) (string, error) {
	return s.conn.UpdateStructure(ctx, st)
}

// VersionStructure is the central copy-on-write primitive: deep-copy cur,
// set previous_version to cur's id, retain original_version, and stamp
// edited_by/edited_on. The result is not yet written; callers mutate it and
// commit with Insert (or Continue, for continue_version edits).
func (s *Store) VersionStructure(cur *docstore.Structure, user string) *docstore.Structure {
	blocks := make(map[string]docstore.BlockEntry, len(cur.Blocks))
	for id, b := range cur.Blocks {
		blocks[id] = deepCopyBlock(b)
	}
	return &docstore.Structure{
		Root:            cur.Root,
		PreviousVersion: cur.ID,
		OriginalVersion: cur.OriginalVersion,
		EditedBy:        user,
		EditedOn:        s.now().UTC(),
		Blocks:          blocks,
	}
}

func deepCopyBlock(b docstore.BlockEntry) docstore.BlockEntry {
	return docstore.BlockEntry{
		Category:   b.Category,
		Definition: b.Definition,
		Fields:     DeepCopyFields(b.Fields),
		EditInfo:   b.EditInfo,
	}
}

// DeepCopyFields deep-copies a block's fields map, recursing into nested
// maps and lists. Exported for PublishEngine, which copies individual
// blocks across structures rather than an entire blocks map.
func DeepCopyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopyValue(vv)
		}
		return out
	default:
		return v
	}
}

// AllocateBlockID resolves the block id a create_item call will use.
// requested, if non-empty, is the caller-supplied id; it must not already
// exist in blocks. Otherwise the lowest-numbered "<category><n>" not yet
// present is generated.
func AllocateBlockID(blocks map[string]docstore.BlockEntry, category, requested string) (string, error) {
	if requested != "" {
		if _, exists := blocks[keyenc.Encode(requested)]; exists {
			return "", errs.NewDuplicateItem(requested)
		}
		return requested, nil
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s%d", category, n)
		if _, exists := blocks[keyenc.Encode(candidate)]; !exists {
			return candidate, nil
		}
	}
}

// Parents returns the (decoded) ids of every block in st whose children
// list contains blockID. Parents are found by scanning every block, since
// the data model does not maintain a reverse index.
func Parents(st *docstore.Structure, blockID string) []string {
	var parents []string
	for id, b := range st.Blocks {
		for _, child := range b.Children() {
			if child == blockID {
				parents = append(parents, keyenc.Decode(id))
				break
			}
		}
	}
	sort.Strings(parents)
	return parents
}

// Reachable returns the set of (encoded) block ids reachable from st.Root
// by walking children lists.
func Reachable(st *docstore.Structure) map[string]bool {
	seen := make(map[string]bool)
	var walk func(encodedID string)
	walk = func(encodedID string) {
		if seen[encodedID] {
			return
		}
		seen[encodedID] = true
		b, ok := st.Blocks[encodedID]
		if !ok {
			return
		}
		for _, child := range b.Children() {
			walk(keyenc.Encode(child))
		}
	}
	if st.Root != "" {
		walk(keyenc.Encode(st.Root))
	}
	return seen
}

// Subtree returns root and every block reachable from it via children, in
// a pre-order walk (decoded ids).
func Subtree(st *docstore.Structure, root string) []string {
	visited := make(map[string]bool)
	var out []string
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		out = append(out, id)
		b, ok := st.Blocks[keyenc.Encode(id)]
		if !ok {
			return
		}
		for _, child := range b.Children() {
			walk(child)
		}
	}
	walk(root)
	return out
}

// Orphans returns the (decoded) ids of every block in st not reachable
// from the root, in sorted order.
func Orphans(st *docstore.Structure) []string {
	reachable := Reachable(st)
	var orphans []string
	for id := range st.Blocks {
		if !reachable[id] {
			orphans = append(orphans, keyenc.Decode(id))
		}
	}
	sort.Strings(orphans)
	return orphans
}
