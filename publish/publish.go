// Package publish is the PublishEngine: cross-branch subtree publish with
// child-order reconciliation and orphan reclamation.
package publish

import (
	"sort"
	"time"

	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/errs"
	"github.com/gloudx/coursestore/keyenc"
	"github.com/gloudx/coursestore/structurestore"
)

// Engine is the PublishEngine. It operates purely on in-memory Structure
// values; VersioningCore resolves locators to structures, calls Engine,
// and commits the result (insert + branch head advance).
type Engine struct{}

// New builds an Engine.
func New() *Engine { return &Engine{} }

// Publish reconciles dest against src for each requested subtree root,
// respecting blacklist, and returns the ids reclaimed as orphans. dest is
// mutated in place; callers must pass a copy-on-write clone (or a fresh
// Structure, for the "destination branch does not exist yet" case — one
// whose root will be set here from src.Root, which is only valid when src's
// root is itself one of the subtree roots).
func (e *Engine) Publish(src, dest *docstore.Structure, subtreeRoots, blacklist []string, publisher string, editedOn time.Time) ([]string, error) {
	if dest.Blocks == nil {
		dest.Blocks = make(map[string]docstore.BlockEntry)
	}
	if dest.Root == "" {
		dest.Root = src.Root
	}

	blacklisted := toSet(blacklist)
	orphans := make(map[string]bool)

	for _, root := range subtreeRoots {
		parents := structurestore.Parents(src, root)
		for _, parent := range parents {
			if _, ok := dest.Blocks[keyenc.Encode(parent)]; !ok {
				return nil, errs.NewItemNotFound(errs.RefBlock, parent)
			}
		}
		for _, parent := range parents {
			reconcileChildren(src, dest, parent, root, orphans)
		}
		if err := publishSubtree(src, dest, root, blacklisted, orphans, publisher, editedOn); err != nil {
			return nil, err
		}
	}

	return reclaimOrphans(dest, orphans), nil
}

// reconcileChildren reconciles one parent's children list for a published
// subtree: the resulting destination children list for parent is the
// subsequence of the source's children that are either equal to root or
// already present in the destination's current list.
func reconcileChildren(src, dest *docstore.Structure, parentID, root string, orphans map[string]bool) {
	srcParent, ok := src.Blocks[keyenc.Encode(parentID)]
	if !ok {
		return
	}
	destParent, ok := dest.Blocks[keyenc.Encode(parentID)]
	if !ok {
		return
	}

	S := srcParent.Children()
	D := destParent.Children()
	dSet := toSet(D)
	sSet := toSet(S)

	var reconciled []string
	for _, id := range S {
		if id == root || dSet[id] {
			reconciled = append(reconciled, id)
		}
	}
	for _, id := range D {
		if !sSet[id] {
			orphans[id] = true
		}
	}

	destParent.SetChildren(reconciled)
	dest.Blocks[keyenc.Encode(parentID)] = destParent
}

// publishSubtree copies one block (and, recursively, its whole subtree)
// from src into dest, reconciling child order and tracking orphans.
func publishSubtree(src, dest *docstore.Structure, blockID string, blacklist, orphans map[string]bool, publisher string, editedOn time.Time) error {
	srcBlock, ok := src.Blocks[keyenc.Encode(blockID)]
	if !ok {
		return errs.NewItemNotFound(errs.RefBlock, blockID)
	}

	destBlock, exists := dest.Blocks[keyenc.Encode(blockID)]
	if exists && destBlock.EditInfo.UpdateVersion == srcBlock.EditInfo.UpdateVersion {
		return nil
	}

	var filteredChildren []string
	for _, child := range srcBlock.Children() {
		if !blacklist[child] {
			filteredChildren = append(filteredChildren, child)
		}
	}

	previous := ""
	if exists {
		newSet := toSet(filteredChildren)
		for _, child := range destBlock.Children() {
			if !newSet[child] {
				orphans[child] = true
			}
		}
		previous = destBlock.EditInfo.UpdateVersion
	}

	newBlock := docstore.BlockEntry{
		Category:   srcBlock.Category,
		Definition: srcBlock.Definition,
		Fields:     structurestore.DeepCopyFields(srcBlock.Fields),
		EditInfo: docstore.EditInfo{
			EditedBy:        publisher,
			EditedOn:        editedOn,
			UpdateVersion:   srcBlock.EditInfo.UpdateVersion,
			PreviousVersion: previous,
		},
	}
	newBlock.SetChildren(filteredChildren)
	dest.Blocks[keyenc.Encode(blockID)] = newBlock

	for _, child := range filteredChildren {
		if err := publishSubtree(src, dest, child, blacklist, orphans, publisher, editedOn); err != nil {
			return err
		}
	}
	return nil
}

// reclaimOrphans removes every candidate that no longer has a parent in
// dest, along with its now-unreachable descendants, as a fixed-point pass:
// deleting one orphan can itself orphan its children.
func reclaimOrphans(dest *docstore.Structure, candidates map[string]bool) []string {
	var removed []string
	changed := true
	for changed {
		changed = false
		for id := range candidates {
			if _, exists := dest.Blocks[keyenc.Encode(id)]; !exists {
				continue
			}
			if len(structurestore.Parents(dest, id)) > 0 {
				continue
			}
			b := dest.Blocks[keyenc.Encode(id)]
			delete(dest.Blocks, keyenc.Encode(id))
			removed = append(removed, id)
			for _, child := range b.Children() {
				candidates[child] = true
			}
			changed = true
		}
	}
	sort.Strings(removed)
	return removed
}

func subtreeIDs(st *docstore.Structure, root string) []string {
	var out []string
	visited := make(map[string]bool)
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

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
