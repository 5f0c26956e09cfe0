// Package versioning is VersioningCore: the orchestration layer that
// resolves locators, enforces optimistic concurrency, and drives
// StructureStore/DefinitionStore/IndexStore through the copy-on-write edit
// operations (create_item, update_item, delete_item, create_course,
// delete_course, get_orphans).
package versioning

import (
	"context"
	"reflect"
	"time"

	"github.com/gloudx/coursestore/blockclass"
	"github.com/gloudx/coursestore/cache"
	"github.com/gloudx/coursestore/clock"
	"github.com/gloudx/coursestore/definitionstore"
	"github.com/gloudx/coursestore/docstore"
	"github.com/gloudx/coursestore/errs"
	"github.com/gloudx/coursestore/indexstore"
	"github.com/gloudx/coursestore/inheritance"
	"github.com/gloudx/coursestore/keyenc"
	"github.com/gloudx/coursestore/locator"
	"github.com/gloudx/coursestore/structurestore"
)

// MasterBranch is the branch name create_course's fresh mode points at.
// Clone modes default to DefaultBranch instead, since a clone is
// ordinarily a draft built from an existing course.
const MasterBranch = "master_branch"

// DefaultBranch is the branch clone and clone-with-overrides creation point
// at when the caller does not supply an explicit versions map.
const DefaultBranch = "draft"

// Core is VersioningCore.
type Core struct {
	Index       *indexstore.Store
	Structures  *structurestore.Store
	Definitions *definitionstore.Store
	Registry    blockclass.Registry
	Cache       *cache.Cache
	Inheritance *inheritance.Engine

	now   func() time.Time
	clock *clock.LogicalClock
}

// New builds a Core. now defaults to time.Now; cache and inheritance may be
// nil (a nil Cache disables eviction, a nil Inheritance engine disables the
// defect-repair contract below).
func New(idx *indexstore.Store, structs *structurestore.Store, defs *definitionstore.Store, registry blockclass.Registry, c *cache.Cache, inh *inheritance.Engine, now func() time.Time) *Core {
	if now == nil {
		now = time.Now
	}
	return &Core{
		Index: idx, Structures: structs, Definitions: defs,
		Registry: registry, Cache: c, Inheritance: inh,
		now: now, clock: clock.NewLogicalClock(),
	}
}

// timestamp stamps edits with the wall clock, nudged by the logical clock's
// tick so two edits issued by the same Core within the same wall-clock
// instant still sort strictly after one another (clock.LogicalClock's
// documented purpose).
func (c *Core) timestamp() time.Time {
	t := c.now().UTC()
	seq := c.clock.Tick()
	return t.Add(time.Duration(seq) * time.Nanosecond)
}

// ItemDescriptor is the result of an item-level edit: where the edited
// block now lives (a fully-specified locator pinned to the new structure
// version) and its resulting entry.
type ItemDescriptor struct {
	Locator locator.BlockUsageLocator
	Entry   docstore.BlockEntry
}

// resolve implements lookup + head_check together: it resolves loc to a
// CourseIndex/branch/Structure triple and reports whether the branch head
// should be advanced once the caller commits a new Structure.
//
//   - loc naming only a version_guid resolves that Structure directly, with
//     no Index and no head to advance (an ad hoc read, or a locator captured
//     before the course existed as a branch head).
//   - loc naming a package_id (branch defaults to DefaultBranch) resolves
//     the branch head. If loc also names a version_guid and it differs from
//     the head, this is a stale-read conflict: VersionConflictError unless
//     force is set, in which case the named version is used but the head is
//     left untouched (a deliberate fork, not a commit).
func (c *Core) resolve(ctx context.Context, loc locator.CourseLocator, force bool) (*docstore.CourseIndex, string, *docstore.Structure, bool, error) {
	if !loc.IsFullySpecified() {
		return nil, "", nil, false, errs.ErrInsufficientSpecification
	}

	if loc.PackageID == "" {
		st, err := c.Structures.Get(ctx, loc.VersionGUID)
		return nil, "", st, false, err
	}

	idx, err := c.Index.Get(ctx, loc.PackageID)
	if err != nil {
		return nil, "", nil, false, err
	}
	branch := loc.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	head, ok := idx.Versions[branch]
	if !ok {
		return idx, branch, nil, false, errs.NewItemNotFound(errs.RefCourse, loc.PackageID+"/"+branch)
	}

	if loc.VersionGUID != "" && loc.VersionGUID != head {
		if !force {
			return idx, branch, nil, false, errs.NewVersionConflict(loc.PackageID, branch, loc.VersionGUID, head)
		}
		st, err := c.Structures.Get(ctx, loc.VersionGUID)
		return idx, branch, st, false, err
	}

	st, err := c.Structures.Get(ctx, head)
	return idx, branch, st, true, err
}

// evictForFields evicts the cache entry for structureID if any of the
// touched field names is inheritable, per the defect-repair contract
// documented on inheritance.Engine: a stale _inherited_settings must be
// forced to recompute on the next cache.Get.
func (c *Core) evictForFields(structureID string, fields map[string]any) {
	if c.Cache == nil || c.Inheritance == nil || structureID == "" {
		return
	}
	for name := range fields {
		if c.Inheritance.IsInheritable(name) {
			c.Cache.Evict(structureID)
			return
		}
	}
}

// CreateItemRequest is the input to CreateItem.
type CreateItemRequest struct {
	Locator       locator.CourseLocator
	ParentBlockID string // "" leaves the new block detached from the tree
	BlockID       string // "" allocates <category><n>
	Category      string
	Fields        map[string]any // caller-supplied; partitioned into content/settings
	DefinitionID  string         // "" creates a fresh Definition from Fields' content
	User          string
	ContinueVersion bool
	Force         bool
}

// CreateItem is create_item: partitions Fields by scope,
// creates or reuses a Definition, copy-on-writes (or, under
// ContinueVersion, mutates in place) a new Structure containing the new
// block, links it under ParentBlockID if given, and advances the branch
// head.
func (c *Core) CreateItem(ctx context.Context, req CreateItemRequest) (*ItemDescriptor, error) {
	if req.Force && req.ContinueVersion {
		return nil, errs.NewIllegalArgument("force and continue_version are mutually exclusive")
	}

	idx, branch, cur, advance, err := c.resolve(ctx, req.Locator, req.Force)
	if err != nil {
		return nil, err
	}

	content, settings := blockclass.Partition(c.Registry, req.Category, req.Fields)

	definitionID := req.DefinitionID
	if definitionID == "" {
		definitionID, err = c.Definitions.Create(ctx, req.Category, content, req.User)
		if err != nil {
			return nil, err
		}
	} else if len(content) > 0 {
		definitionID, _, err = c.Definitions.Update(ctx, definitionID, content, req.User)
		if err != nil {
			return nil, err
		}
	}

	var next *docstore.Structure
	if req.ContinueVersion {
		next = cur
	} else {
		next = c.Structures.VersionStructure(cur, req.User)
	}

	blockID, err := structurestore.AllocateBlockID(next.Blocks, req.Category, req.BlockID)
	if err != nil {
		return nil, err
	}

	stamp := c.timestamp()
	entry := docstore.BlockEntry{
		Category:   req.Category,
		Definition: definitionID,
		Fields:     structurestore.DeepCopyFields(settings),
		EditInfo:   docstore.EditInfo{EditedBy: req.User, EditedOn: stamp, UpdateVersion: docstore.SelfRef},
	}
	next.Blocks[keyenc.Encode(blockID)] = entry

	if req.ParentBlockID != "" {
		parentKey := keyenc.Encode(req.ParentBlockID)
		parent, ok := next.Blocks[parentKey]
		if !ok {
			return nil, errs.NewItemNotFound(errs.RefBlock, req.ParentBlockID)
		}
		parent.SetChildren(append(append([]string{}, parent.Children()...), blockID))
		parent.EditInfo = docstore.EditInfo{
			EditedBy: req.User, EditedOn: stamp,
			UpdateVersion: docstore.SelfRef, PreviousVersion: resolvedUpdateVersion(parent.EditInfo, next.ID),
		}
		next.Blocks[parentKey] = parent
	}

	newID, err := c.commit(ctx, next, req.ContinueVersion)
	if err != nil {
		return nil, err
	}

	if req.ContinueVersion && cur.ID != "" {
		c.evict(cur.ID)
	}
	c.evictForFields(newID, settings)

	if err := c.advanceHead(ctx, idx, branch, newID, advance, req.Force); err != nil {
		return nil, err
	}

	updated, err := c.Structures.Get(ctx, newID)
	if err != nil {
		return nil, err
	}
	finalEntry := updated.Blocks[keyenc.Encode(blockID)]
	return &ItemDescriptor{
		Locator: locator.BlockUsageLocator{
			CourseLocator: locator.CourseLocator{PackageID: req.Locator.PackageID, Branch: branch, VersionGUID: newID},
			BlockID:       blockID,
		},
		Entry: finalEntry,
	}, nil
}

// resolvedUpdateVersion returns the prior update_version a block should
// record as previous_version, resolving a not-yet-committed SelfRef against
// the structure id it will end up being (selfID), which is empty for a
// brand new (not yet inserted) Structure — in that case there is no prior
// version to record.
func resolvedUpdateVersion(info docstore.EditInfo, selfID string) string {
	if info.UpdateVersion == docstore.SelfRef {
		return selfID
	}
	return info.UpdateVersion
}

// commit inserts next as a brand new Structure, or re-addresses it in place
// under UpdateStructure when continueVersion is set.
func (c *Core) commit(ctx context.Context, next *docstore.Structure, continueVersion bool) (string, error) {
	if continueVersion {
		return c.Structures.Continue(ctx, next)
	}
	return c.Structures.Insert(ctx, next)
}

// advanceHead writes idx.Versions[branch] = newID when advance is set and
// the caller did not force a read against a stale version (a forced edit is
// a deliberate fork: its result is addressable by version_guid but must not
// silently become the branch's new head).
func (c *Core) advanceHead(ctx context.Context, idx *docstore.CourseIndex, branch, newID string, advance, force bool) error {
	if idx == nil || !advance || force {
		return nil
	}
	idx.Versions[branch] = newID
	idx.EditedOn = c.timestamp()
	return c.Index.Update(ctx, idx)
}

// evict is a nil-safe wrapper so CreateItem/UpdateItem/DeleteItem don't
// need a repeated "if c.Cache != nil" guard at every continue_version call
// site.
func (c *Core) evict(structureID string) {
	if c.Cache != nil {
		c.Cache.Evict(structureID)
	}
}

// UpdateItemRequest is the input to UpdateItem.
type UpdateItemRequest struct {
	Locator         locator.BlockUsageLocator
	Fields          map[string]any // full replacement set for content+settings scopes
	Category        string         // "" reuses the block's current category
	User            string
	ContinueVersion bool
	Force           bool
}

// UpdateItem is update_item. A Fields["children"] entry, if present,
// replaces the block's children list (every id must already name a block
// in the structure being edited); any other key is partitioned into
// content (persisted through the Definition) or settings (persisted on the
// BlockEntry itself) by category. If content, settings and children are
// all unchanged from their current values, this is a no-op: no new
// Structure or Definition is allocated and the returned locator is pinned
// to the structure version that was read.
func (c *Core) UpdateItem(ctx context.Context, req UpdateItemRequest) (*ItemDescriptor, error) {
	if req.Force && req.ContinueVersion {
		return nil, errs.NewIllegalArgument("force and continue_version are mutually exclusive")
	}

	idx, branch, cur, advance, err := c.resolve(ctx, req.Locator.CourseLocator, req.Force)
	if err != nil {
		return nil, err
	}

	blockKey := keyenc.Encode(req.Locator.BlockID)
	entry, ok := cur.Blocks[blockKey]
	if !ok {
		return nil, errs.NewItemNotFound(errs.RefBlock, req.Locator.BlockID)
	}

	category := req.Category
	if category == "" {
		category = entry.Category
	}
	content, settings := blockclass.Partition(c.Registry, category, req.Fields)

	existingChildren := entry.Children()
	newChildren := existingChildren
	childrenTouched := false
	if raw, ok := req.Fields["children"]; ok {
		childrenTouched = true
		newChildren, err = childrenFromField(cur, raw)
		if err != nil {
			return nil, err
		}
	}
	childrenChanged := childrenTouched && !reflect.DeepEqual(existingChildren, newChildren)

	newDefID := entry.Definition
	defChanged := false
	switch {
	case entry.Definition == "" && len(content) > 0:
		newDefID, err = c.Definitions.Create(ctx, category, content, req.User)
		defChanged = true
	case entry.Definition != "":
		newDefID, defChanged, err = c.Definitions.Update(ctx, entry.Definition, content, req.User)
	}
	if err != nil {
		return nil, err
	}

	settingsChanged := !reflect.DeepEqual(
		docstore.NormalizeFields(nonChildrenFields(entry.Fields)),
		docstore.NormalizeFields(settings),
	)

	if !defChanged && !settingsChanged && !childrenChanged {
		return &ItemDescriptor{
			Locator: locator.BlockUsageLocator{
				CourseLocator: locator.CourseLocator{PackageID: req.Locator.PackageID, Branch: branch, VersionGUID: cur.ID},
				BlockID:       req.Locator.BlockID,
			},
			Entry:   entry,
		}, nil
	}

	var next *docstore.Structure
	if req.ContinueVersion {
		next = cur
	} else {
		next = c.Structures.VersionStructure(cur, req.User)
	}

	stamp := c.timestamp()
	updated := next.Blocks[blockKey]
	updated.Category = category
	updated.Definition = newDefID
	merged := structurestore.DeepCopyFields(settings)
	if newChildren != nil {
		merged["children"] = newChildren
	}
	updated.Fields = merged
	updated.EditInfo = docstore.EditInfo{
		EditedBy: req.User, EditedOn: stamp,
		UpdateVersion: docstore.SelfRef, PreviousVersion: resolvedUpdateVersion(updated.EditInfo, next.ID),
	}
	next.Blocks[blockKey] = updated

	newID, err := c.commit(ctx, next, req.ContinueVersion)
	if err != nil {
		return nil, err
	}

	if req.ContinueVersion && cur.ID != "" {
		c.evict(cur.ID)
	}
	c.evictForFields(newID, settings)

	if err := c.advanceHead(ctx, idx, branch, newID, advance, req.Force); err != nil {
		return nil, err
	}

	result, err := c.Structures.Get(ctx, newID)
	if err != nil {
		return nil, err
	}
	return &ItemDescriptor{
		Locator: locator.BlockUsageLocator{
			CourseLocator: locator.CourseLocator{PackageID: req.Locator.PackageID, Branch: branch, VersionGUID: newID},
			BlockID:       req.Locator.BlockID,
		},
		Entry: result.Blocks[blockKey],
	}, nil
}

// nonChildrenFields extracts every Fields entry but "children", so a
// block's settings can be compared against a freshly-partitioned Fields
// map that never carries a children key of its own.
func nonChildrenFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "children" {
			out[k] = v
		}
	}
	return out
}

// childrenFromField decodes and validates a caller-supplied Fields["children"]
// value against st: every id must already name a block in st. Accepts both
// []string (a direct Go caller) and []any (a JSON-decoded request body).
func childrenFromField(st *docstore.Structure, raw any) ([]string, error) {
	var ids []string
	switch t := raw.(type) {
	case []string:
		ids = t
	case []any:
		ids = make([]string, 0, len(t))
		for _, e := range t {
			id, ok := e.(string)
			if !ok {
				return nil, errs.NewIllegalArgument("children must be a list of block ids")
			}
			ids = append(ids, id)
		}
	case nil:
		return nil, nil
	default:
		return nil, errs.NewIllegalArgument("children must be a list of block ids")
	}
	for _, id := range ids {
		if _, ok := st.Blocks[keyenc.Encode(id)]; !ok {
			return nil, errs.NewItemNotFound(errs.RefBlock, id)
		}
	}
	return ids, nil
}

// DeleteItem is delete_item. The structure root can never be
// deleted. When deleteChildren is false, the block's descendants are left
// in place (now orphaned, tolerated and surfaced later by GetOrphans);
// when true, the whole subtree is removed.
func (c *Core) DeleteItem(ctx context.Context, loc locator.BlockUsageLocator, deleteChildren bool, user string, force bool) (string, error) {
	idx, branch, cur, advance, err := c.resolve(ctx, loc.CourseLocator, force)
	if err != nil {
		return "", err
	}
	if loc.BlockID == cur.Root {
		return "", errs.NewIllegalArgument("cannot delete the structure root")
	}
	if _, ok := cur.Blocks[keyenc.Encode(loc.BlockID)]; !ok {
		return "", errs.NewItemNotFound(errs.RefBlock, loc.BlockID)
	}

	next := c.Structures.VersionStructure(cur, user)
	stamp := c.timestamp()

	for _, parentID := range structurestore.Parents(next, loc.BlockID) {
		parentKey := keyenc.Encode(parentID)
		parent := next.Blocks[parentKey]
		var kept []string
		for _, child := range parent.Children() {
			if child != loc.BlockID {
				kept = append(kept, child)
			}
		}
		parent.SetChildren(kept)
		parent.EditInfo = docstore.EditInfo{
			EditedBy: user, EditedOn: stamp,
			UpdateVersion: docstore.SelfRef, PreviousVersion: resolvedUpdateVersion(parent.EditInfo, next.ID),
		}
		next.Blocks[parentKey] = parent
	}

	removedIDs := []string{loc.BlockID}
	if deleteChildren {
		removedIDs = structurestore.Subtree(next, loc.BlockID)
	}
	for _, id := range removedIDs {
		delete(next.Blocks, keyenc.Encode(id))
	}

	newID, err := c.Structures.Insert(ctx, next)
	if err != nil {
		return "", err
	}

	for _, id := range removedIDs {
		c.evict(id)
	}

	if err := c.advanceHead(ctx, idx, branch, newID, advance, force); err != nil {
		return "", err
	}
	return newID, nil
}

// CreateCourseRequest is the input to CreateCourse.
type CreateCourseRequest struct {
	// IDRoot seeds package_id allocation (GeneratePackageID); defaults to
	// Org when empty.
	IDRoot   string
	Org      string
	PrettyID string
	User     string

	// RootCategory is the root block's category in fresh mode. Defaults to
	// "course".
	RootCategory string
	// Fields seeds the root block's content/settings in fresh mode, or
	// overrides them (clone-with-overrides) against SourceVersionGUID.
	Fields map[string]any

	// SourceVersionGUID selects clone mode (copy a Structure id verbatim
	// into a new Index) or clone-with-overrides (also present: Fields).
	SourceVersionGUID string

	// VersionsDict, if non-empty, is used as the new Index's branch map
	// verbatim (the recovery/import path); it takes precedence over every
	// other mode.
	VersionsDict map[string]string
}

// CreateCourse is create_course, in its three modes: fresh
// (new Structure and Definition from Fields), clone (an existing Structure
// reused as-is under a new Index), and clone-with-overrides (an existing
// Structure copy-on-written with its root's fields overridden by Fields).
func (c *Core) CreateCourse(ctx context.Context, req CreateCourseRequest) (*docstore.CourseIndex, error) {
	idRoot := req.IDRoot
	if idRoot == "" {
		idRoot = req.Org
	}
	packageID, err := c.Index.GeneratePackageID(ctx, idRoot)
	if err != nil {
		return nil, err
	}

	stamp := c.timestamp()
	idx := &docstore.CourseIndex{
		PackageID: packageID, Org: req.Org, PrettyID: req.PrettyID,
		EditedBy: req.User, EditedOn: stamp, Versions: map[string]string{},
	}

	switch {
	case len(req.VersionsDict) > 0:
		for branch, structureID := range req.VersionsDict {
			idx.Versions[branch] = structureID
		}

	case req.SourceVersionGUID != "" && len(req.Fields) == 0:
		idx.Versions[DefaultBranch] = req.SourceVersionGUID

	case req.SourceVersionGUID != "":
		newID, err := c.cloneWithOverrides(ctx, req)
		if err != nil {
			return nil, err
		}
		idx.Versions[DefaultBranch] = newID

	default:
		newID, err := c.createFresh(ctx, req, stamp)
		if err != nil {
			return nil, err
		}
		idx.Versions[MasterBranch] = newID
	}

	if err := c.Index.Insert(ctx, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (c *Core) createFresh(ctx context.Context, req CreateCourseRequest, stamp time.Time) (string, error) {
	category := req.RootCategory
	if category == "" {
		category = "course"
	}
	content, settings := blockclass.Partition(c.Registry, category, req.Fields)
	definitionID, err := c.Definitions.Create(ctx, category, content, req.User)
	if err != nil {
		return "", err
	}

	root := category
	st := &docstore.Structure{
		Root: root, OriginalVersion: docstore.SelfRef,
		EditedBy: req.User, EditedOn: stamp,
		Blocks: map[string]docstore.BlockEntry{
			keyenc.Encode(root): {
				Category: category, Definition: definitionID,
				Fields:   structurestore.DeepCopyFields(settings),
				EditInfo: docstore.EditInfo{EditedBy: req.User, EditedOn: stamp, UpdateVersion: docstore.SelfRef},
			},
		},
	}
	return c.Structures.Insert(ctx, st)
}

func (c *Core) cloneWithOverrides(ctx context.Context, req CreateCourseRequest) (string, error) {
	src, err := c.Structures.Get(ctx, req.SourceVersionGUID)
	if err != nil {
		return "", err
	}
	next := c.Structures.VersionStructure(src, req.User)

	rootKey := keyenc.Encode(next.Root)
	root, ok := next.Blocks[rootKey]
	if !ok {
		return "", errs.NewItemNotFound(errs.RefBlock, next.Root)
	}

	content, settings := blockclass.Partition(c.Registry, root.Category, req.Fields)
	newDefID := root.Definition
	if len(content) > 0 {
		newDefID, _, err = c.Definitions.Update(ctx, root.Definition, content, req.User)
		if err != nil {
			return "", err
		}
	}

	stamp := c.timestamp()
	for k, v := range settings {
		root.Fields[k] = v
	}
	root.Definition = newDefID
	root.EditInfo = docstore.EditInfo{
		EditedBy: req.User, EditedOn: stamp,
		UpdateVersion: docstore.SelfRef, PreviousVersion: resolvedUpdateVersion(root.EditInfo, next.ID),
	}
	next.Blocks[rootKey] = root

	return c.Structures.Insert(ctx, next)
}

// DeleteCourse is delete_course: removing the Index entry
// only. Its Structures and Definitions are left in storage — they are
// content-addressed and may be shared with other courses or reachable by
// an outstanding version_guid locator — and become candidates for external
// garbage collection, which this engine does not perform.
func (c *Core) DeleteCourse(ctx context.Context, packageID string) error {
	return c.Index.Delete(ctx, packageID)
}

// GetOrphans is get_orphans: every block in the resolved
// Structure unreachable from its root.
func (c *Core) GetOrphans(ctx context.Context, loc locator.CourseLocator) ([]string, error) {
	_, _, st, _, err := c.resolve(ctx, loc, true)
	if err != nil {
		return nil, err
	}
	return structurestore.Orphans(st), nil
}
