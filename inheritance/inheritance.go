// Package inheritance implements the InheritanceEngine: top-down
// propagation of designated "inheritable" fields during cache
// materialization.
//
// The known staleness defect in the source (a block's computed
// _inherited_settings is not invalidated when an ancestor's inheritable
// field changes after the cache was populated) is repaired per option (a):
// callers must call Compute again — and evict any cached descriptor derived
// from the old Compute — on every write that touches an inheritable field.
// VersioningCore does this by calling cache.Cache.Evict alongside its own
// definition/structure writes whenever the touched field name is
// inheritable.
package inheritance

import (
	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/keyenc"
)

// Engine propagates a fixed set of inheritable field names.
type Engine struct {
	inheritable map[string]bool
}

// New builds an Engine for the given inheritable field names.
func New(fields ...string) *Engine {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[f] = true
	}
	return &Engine{inheritable: m}
}

// IsInheritable reports whether field is one of the engine's propagated
// field names.
func (e *Engine) IsInheritable(field string) bool {
	return e.inheritable[field]
}

// Compute walks st from its root via children and returns, for every
// reachable block, its _inherited_settings: the nearest ancestors'
// inheritable field values, own-value-nearest-wins. A block's own fields
// are not included in its own entry (own-value only applies when resolving
// an effective setting, which is the caller's job — Compute only reports
// what was inherited).
func (e *Engine) Compute(st *docstore.Structure) map[string]map[string]any {
	out := make(map[string]map[string]any)
	visited := make(map[string]bool)

	var walk func(blockID string, inherited map[string]any)
	walk = func(blockID string, inherited map[string]any) {
		if visited[blockID] {
			return
		}
		visited[blockID] = true

		entry, ok := st.Blocks[keyenc.Encode(blockID)]
		if !ok {
			return
		}
		out[blockID] = inherited

		forChildren := make(map[string]any, len(inherited))
		for k, v := range inherited {
			forChildren[k] = v
		}
		for field, value := range entry.Fields {
			if e.inheritable[field] {
				forChildren[field] = value
			}
		}

		for _, child := range entry.Children() {
			walk(child, forChildren)
		}
	}

	if st.Root != "" {
		walk(st.Root, map[string]any{})
	}
	return out
}

// Effective resolves block's effective value for an inheritable field: its
// own value if set, else the nearest ancestor's, per the inherited map
// returned by Compute.
func Effective(entry docstore.BlockEntry, field string, inherited map[string]any) (any, bool) {
	if v, ok := entry.Fields[field]; ok {
		return v, true
	}
	v, ok := inherited[field]
	return v, ok
}
