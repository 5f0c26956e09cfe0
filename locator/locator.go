// Package locator implements the opaque reference types used to address a
// course (by package, branch, and/or version) and, optionally, a block
// within it.
package locator

import (
	"fmt"
	"strings"

	"github.com/gloudx/coursestore/errs"
)

// CourseLocator names a course: by package_id (optionally scoped to a
// branch) and/or by an explicit version_guid (a Structure id).
type CourseLocator struct {
	PackageID  string
	Branch     string
	VersionGUID string
}

// IsFullySpecified reports whether the locator carries enough identity to
// resolve a course: at least one of PackageID or VersionGUID.
func (l CourseLocator) IsFullySpecified() bool {
	return l.PackageID != "" || l.VersionGUID != ""
}

// String renders a locator in "package/branch@version" form, omitting
// absent parts.
func (l CourseLocator) String() string {
	var b strings.Builder
	if l.PackageID != "" {
		b.WriteString(l.PackageID)
		if l.Branch != "" {
			b.WriteString("/")
			b.WriteString(l.Branch)
		}
	}
	if l.VersionGUID != "" {
		if b.Len() > 0 {
			b.WriteString("@")
		}
		b.WriteString(l.VersionGUID)
	}
	return b.String()
}

// BlockUsageLocator is a CourseLocator plus a block id.
type BlockUsageLocator struct {
	CourseLocator
	BlockID string
}

func (l BlockUsageLocator) String() string {
	return fmt.Sprintf("%s::%s", l.CourseLocator.String(), l.BlockID)
}

// Parse reads the compact "package/branch@version" (optionally
// "...::block_id") surface form produced by String. Any of the three
// identity parts may be absent, but a locator with neither a package nor a
// version is rejected with ErrInsufficientSpecification.
func Parse(s string) (BlockUsageLocator, error) {
	var out BlockUsageLocator

	coursePart := s
	if idx := strings.Index(s, "::"); idx >= 0 {
		coursePart = s[:idx]
		out.BlockID = s[idx+2:]
	}

	packageBranch := coursePart
	if idx := strings.Index(coursePart, "@"); idx >= 0 {
		packageBranch = coursePart[:idx]
		out.VersionGUID = coursePart[idx+1:]
	}

	if packageBranch != "" {
		if idx := strings.Index(packageBranch, "/"); idx >= 0 {
			out.PackageID = packageBranch[:idx]
			out.Branch = packageBranch[idx+1:]
		} else {
			out.PackageID = packageBranch
		}
	}

	if !out.IsFullySpecified() {
		return out, fmt.Errorf("locator %q: %w", s, errs.ErrInsufficientSpecification)
	}
	return out, nil
}
