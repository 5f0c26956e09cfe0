package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScalarEquality(t *testing.T) {
	doc := map[string]any{"category": "problem"}
	assert.True(t, Match(doc, map[string]any{"category": "problem"}))
	assert.False(t, Match(doc, map[string]any{"category": "video"}))
}

func TestDottedPath(t *testing.T) {
	doc := map[string]any{
		"versions": map[string]any{"draft": "s1"},
	}
	assert.True(t, Match(doc, map[string]any{"versions.draft": "s1"}))
	assert.False(t, Match(doc, map[string]any{"versions.published": "s1"}))
}

func TestExistsOperator(t *testing.T) {
	doc := map[string]any{"versions": map[string]any{"draft": "s1"}}
	assert.True(t, Match(doc, map[string]any{"versions.draft": map[string]any{"$exists": true}}))
	assert.True(t, Match(doc, map[string]any{"versions.published": map[string]any{"$exists": false}}))
	assert.False(t, Match(doc, map[string]any{"versions.published": map[string]any{"$exists": true}}))
}

func TestRegexOperator(t *testing.T) {
	doc := map[string]any{"package_id": "org.course3"}
	assert.True(t, Match(doc, map[string]any{"package_id": map[string]any{"$regex": "^org\\.course(\\d+)?$"}}))
}

func TestInOperator(t *testing.T) {
	doc := map[string]any{"_id": "s2"}
	assert.True(t, Match(doc, map[string]any{"_id": map[string]any{"$in": []any{"s1", "s2"}}}))
	assert.False(t, Match(doc, map[string]any{"_id": map[string]any{"$in": []any{"s1", "s3"}}}))
}

func TestListTargetImplicitIn(t *testing.T) {
	doc := map[string]any{"children": []any{"chapter1", "chapter2"}}
	assert.True(t, Match(doc, map[string]any{"children": "chapter2"}))
	assert.False(t, Match(doc, map[string]any{"children": "chapter3"}))
}

func TestAbsentKeyMatchesOnlyNullCriterion(t *testing.T) {
	doc := map[string]any{"category": "video"}
	assert.True(t, Match(doc, map[string]any{"previous_version": nil}))
	assert.False(t, Match(doc, map[string]any{"previous_version": "s0"}))
}

func TestNestedDictRecursion(t *testing.T) {
	doc := map[string]any{
		"edit_info": map[string]any{"update_version": "s3", "edited_by": "u1"},
	}
	assert.True(t, Match(doc, map[string]any{
		"edit_info": map[string]any{"update_version": "s3"},
	}))
	assert.False(t, Match(doc, map[string]any{
		"edit_info": map[string]any{"update_version": "s4"},
	}))
}

func TestUnknownOperatorNeverMatches(t *testing.T) {
	doc := map[string]any{"category": "video"}
	assert.False(t, Match(doc, map[string]any{"category": map[string]any{"$bogus": "video"}}))
}
