// Package docstore is the DocumentConnector: typed access to the three
// collections the rest of the engine builds on (indexes, structures,
// definitions). Structures and Definitions are content-addressed — their
// _id is the CID of their encoded form, computed on insert — while
// CourseIndex is a conventional mutable document keyed by package_id.
package docstore

import "time"

// SelfRef is the sentinel a not-yet-inserted Structure or Definition uses
// in place of its own (not yet known) id. A content-addressed id cannot
// appear inside the content whose hash produces it, so any field that
// would otherwise reference "the document being created right now" stores
// this token instead; resolveSelf replaces it with the real id once the
// content has been hashed and the id is known. See DESIGN.md under
// "self-reference and content addressing".
const SelfRef = "$self"

// EditInfo is the provenance of one BlockEntry's current field values.
type EditInfo struct {
	EditedBy        string    `json:"edited_by"`
	EditedOn        time.Time `json:"edited_on"`
	UpdateVersion   string    `json:"update_version"`
	PreviousVersion string    `json:"previous_version,omitempty"`
}

// BlockEntry is one node of a Structure's block graph. Fields holds
// settings- and children-scope values only; content-scope fields live in
// the Definition it points to. The children list, when present, lives at
// Fields["children"] as a []string (a []any of strings once reloaded from
// storage) — a dedicated accessor pair (Children/
// SetChildren) keeps call sites from repeating the type assertion.
type BlockEntry struct {
	Category   string         `json:"category"`
	Definition string         `json:"definition"`
	Fields     map[string]any `json:"fields"`
	EditInfo   EditInfo       `json:"edit_info"`
}

// Children returns the block's child ids in document order.
func (b BlockEntry) Children() []string {
	raw, ok := b.Fields["children"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SetChildren replaces the block's child id list.
func (b *BlockEntry) SetChildren(ids []string) {
	if b.Fields == nil {
		b.Fields = map[string]any{}
	}
	b.Fields["children"] = ids
}

// Structure is one immutable snapshot of a course's block graph.
type Structure struct {
	ID              string                `json:"_id,omitempty"`
	Root            string                `json:"root"`
	PreviousVersion string                `json:"previous_version,omitempty"`
	OriginalVersion string                `json:"original_version"`
	EditedBy        string                `json:"edited_by"`
	EditedOn        time.Time             `json:"edited_on"`
	Blocks          map[string]BlockEntry `json:"blocks"`
}

// resolveSelf replaces every SelfRef occurrence (OriginalVersion, and any
// block's EditInfo.UpdateVersion) with the structure's own id. Called once
// after the id is known, both right after insert and on every subsequent
// load from storage.
func (s *Structure) resolveSelf() {
	if s.OriginalVersion == SelfRef {
		s.OriginalVersion = s.ID
	}
	for k, b := range s.Blocks {
		if b.EditInfo.UpdateVersion == SelfRef {
			b.EditInfo.UpdateVersion = s.ID
			s.Blocks[k] = b
		}
	}
}

// Definition is revisioned content payload, shared across structures.
type Definition struct {
	ID              string         `json:"_id,omitempty"`
	Category        string         `json:"category"`
	Fields          map[string]any `json:"fields"`
	EditedBy        string         `json:"edited_by"`
	EditedOn        time.Time      `json:"edited_on"`
	PreviousVersion string         `json:"previous_version,omitempty"`
	OriginalVersion string         `json:"original_version"`
}

func (d *Definition) resolveSelf() {
	if d.OriginalVersion == SelfRef {
		d.OriginalVersion = d.ID
	}
}

// CourseIndex is the mutable identity document of a course: the only place
// branch heads live.
type CourseIndex struct {
	PackageID string            `json:"package_id"`
	Org       string            `json:"org"`
	PrettyID  string            `json:"prettyid"`
	EditedBy  string            `json:"edited_by"`
	EditedOn  time.Time         `json:"edited_on"`
	Versions  map[string]string `json:"versions"`
}
