// Package history is the HistoryEngine: structure successor trees and
// per-block change history.
package history

import (
	"context"
	"sort"

	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/errs"
	"github.com/gloudx/coursestore/keyenc"
)

// VersionTree is an adjacency representation of a history subgraph:
// Children[x] lists the ids that name x as their previous_version.
type VersionTree struct {
	Root     string
	Children map[string][]string
}

// Engine is the HistoryEngine.
type Engine struct {
	conn *docstore.Connector
}

// New builds an Engine.
func New(conn *docstore.Connector) *Engine {
	return &Engine{conn: conn}
}

// CourseSuccessors does a BFS over structures whose previous_version is in
// the current frontier, starting at structureID, to the given depth (a
// negative depth walks until the frontier is exhausted).
func (e *Engine) CourseSuccessors(ctx context.Context, structureID string, depth int) (*VersionTree, error) {
	tree := &VersionTree{Root: structureID, Children: make(map[string][]string)}
	frontier := []string{structureID}

	for d := 0; depth < 0 || d < depth; d++ {
		if len(frontier) == 0 {
			break
		}
		var next []string
		for _, id := range frontier {
			matches, err := e.conn.FindMatchingStructures(ctx, map[string]any{"previous_version": id})
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(matches))
			for _, m := range matches {
				ids = append(ids, m.ID)
			}
			sort.Strings(ids)
			if len(ids) > 0 {
				tree.Children[id] = ids
				next = append(next, ids...)
			}
		}
		frontier = next
	}
	return tree, nil
}

// DefinitionSuccessors walks the Definition previous_version chain, same
// shape as CourseSuccessors.
func (e *Engine) DefinitionSuccessors(ctx context.Context, definitionID string, depth int) (*VersionTree, error) {
	tree := &VersionTree{Root: definitionID, Children: make(map[string][]string)}
	frontier := []string{definitionID}

	for d := 0; depth < 0 || d < depth; d++ {
		if len(frontier) == 0 {
			break
		}
		var next []string
		for _, id := range frontier {
			matches, err := e.conn.FindMatchingDefinitions(ctx, map[string]any{"previous_version": id})
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(matches))
			for _, m := range matches {
				ids = append(ids, m.ID)
			}
			sort.Strings(ids)
			if len(ids) > 0 {
				tree.Children[id] = ids
				next = append(next, ids...)
			}
		}
		frontier = next
	}
	return tree, nil
}

// BlockGenerations finds every structure sharing structureID's
// original_version that still mentions blockID, groups them by the
// structure in which the block was last changed (update_version), and
// returns the resulting previous_version -> {update_version,...} tree. If
// the block was deleted and re-created there can be more than one root
// (previous_version == ""); the root whose segment contains the reference
// structure's own update_version for the block is selected.
func (e *Engine) BlockGenerations(ctx context.Context, structureID, blockID string) (*VersionTree, error) {
	st, err := e.conn.GetStructure(ctx, structureID)
	if err != nil {
		return nil, err
	}
	entry, ok := st.Blocks[keyenc.Encode(blockID)]
	if !ok {
		return nil, errs.NewItemNotFound(errs.RefBlock, blockID)
	}
	targetUpdateVersion := entry.EditInfo.UpdateVersion

	family, err := e.conn.FindMatchingStructures(ctx, map[string]any{"original_version": st.OriginalVersion})
	if err != nil {
		return nil, err
	}

	generations := make(map[string]string) // update_version -> its previous_version
	for _, candidate := range family {
		be, ok := candidate.Blocks[keyenc.Encode(blockID)]
		if !ok {
			continue
		}
		generations[be.EditInfo.UpdateVersion] = be.EditInfo.PreviousVersion
	}

	tree := &VersionTree{Children: make(map[string][]string)}
	var roots []string
	for uv, prev := range generations {
		if prev == "" {
			roots = append(roots, uv)
			continue
		}
		tree.Children[prev] = append(tree.Children[prev], uv)
	}
	sort.Strings(roots)
	for _, children := range tree.Children {
		sort.Strings(children)
	}

	switch {
	case len(roots) == 0:
		// no history for this block beyond the current structure
	case len(roots) == 1:
		tree.Root = roots[0]
	default:
		tree.Root = roots[0]
		for _, r := range roots {
			if segmentContains(tree, r, targetUpdateVersion) {
				tree.Root = r
				break
			}
		}
	}
	return tree, nil
}

func segmentContains(tree *VersionTree, node, target string) bool {
	if node == target {
		return true
	}
	for _, child := range tree.Children[node] {
		if segmentContains(tree, child, target) {
			return true
		}
	}
	return false
}
