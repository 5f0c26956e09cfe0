// Package errs defines the error taxonomy the versioning engine raises at
// its boundary: caller errors, concurrency conflicts, and not-found errors.
// Storage-layer errors are propagated unchanged (wrapped with %w) rather
// than translated into one of these kinds.
package errs

import (
	"errors"
	"fmt"
)

// ErrInsufficientSpecification is returned when a locator does not carry
// enough identity to resolve a course (neither package_id nor version_guid).
var ErrInsufficientSpecification = errors.New("insufficient specification: locator needs package_id or version_guid")

// DuplicateItemError is raised when create_item is asked to allocate a
// block id that already exists in the target structure.
type DuplicateItemError struct {
	BlockID string
}

func (e *DuplicateItemError) Error() string {
	return fmt.Sprintf("duplicate item: block %q already exists", e.BlockID)
}

// NewDuplicateItem builds a DuplicateItemError.
func NewDuplicateItem(blockID string) error {
	return &DuplicateItemError{BlockID: blockID}
}

// RefKind distinguishes what kind of reference an ItemNotFoundError names.
type RefKind string

const (
	RefCourse     RefKind = "course"
	RefBlock      RefKind = "block"
	RefDefinition RefKind = "definition"
	RefStructure  RefKind = "structure"
)

// ItemNotFoundError reports that a course, block, structure or definition
// referenced by a locator does not exist.
type ItemNotFoundError struct {
	Kind RefKind
	Ref  string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("item not found: %s %q", e.Kind, e.Ref)
}

// NewItemNotFound builds an ItemNotFoundError.
func NewItemNotFound(kind RefKind, ref string) error {
	return &ItemNotFoundError{Kind: kind, Ref: ref}
}

// VersionConflictError is raised by the optimistic concurrency check in
// VersioningCore.head_check when the locator's version_guid no longer
// matches the branch head.
type VersionConflictError struct {
	PackageID    string
	Branch       string
	Expected     string
	ObservedHead string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: %s/%s expected %s, head is %s",
		e.PackageID, e.Branch, e.Expected, e.ObservedHead)
}

// NewVersionConflict builds a VersionConflictError.
func NewVersionConflict(packageID, branch, expected, observedHead string) error {
	return &VersionConflictError{
		PackageID:    packageID,
		Branch:       branch,
		Expected:     expected,
		ObservedHead: observedHead,
	}
}

// IllegalArgumentError covers caller errors that are neither "not found"
// nor a concurrency conflict: deleting the structure root, malformed query
// shapes, and similar misuse.
type IllegalArgumentError struct {
	Reason string
}

func (e *IllegalArgumentError) Error() string {
	return fmt.Sprintf("illegal argument: %s", e.Reason)
}

// NewIllegalArgument builds an IllegalArgumentError.
func NewIllegalArgument(reason string) error {
	return &IllegalArgumentError{Reason: reason}
}

// IsNotFound reports whether err is an ItemNotFoundError.
func IsNotFound(err error) bool {
	var nf *ItemNotFoundError
	return errors.As(err, &nf)
}

// IsVersionConflict reports whether err is a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// IsDuplicate reports whether err is a DuplicateItemError.
func IsDuplicate(err error) bool {
	var d *DuplicateItemError
	return errors.As(err, &d)
}
