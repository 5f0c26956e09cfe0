// Package query implements the in-memory predicate evaluator used both by
// DocumentConnector's find_matching_* operations (querying top-level
// document fields: _id, previous_version, dotted paths like
// "versions.draft") and by callers matching against materialized
// BlockEntry values. It is deliberately small: documents are decoded JSON
// (map[string]any), criteria are the same shape, and matching never
// touches a database — the connector reads every mirrored row of a
// collection and this package decides which of them match.
package query

import (
	"reflect"
	"regexp"
	"strings"
)

// Match reports whether doc satisfies every criterion in criteria. Each key
// in criteria is a (possibly dotted) path into doc; each value is either a
// scalar (equality), an operator map ($regex, $exists, $in), or a nested
// map (recursed into via Match itself).
func Match(doc map[string]any, criteria map[string]any) bool {
	for path, want := range criteria {
		val, ok := lookup(doc, path)
		if !matchValue(val, ok, want) {
			return false
		}
	}
	return true
}

func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, p := range strings.Split(path, ".") {
		m, isMap := cur.(map[string]any)
		if !isMap {
			return nil, false
		}
		v, present := m[p]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func matchValue(val any, ok bool, criterion any) bool {
	if criterion == nil {
		// An absent key matches iff the criterion itself is null; a
		// present-but-null value also satisfies a null criterion.
		return !ok || val == nil
	}
	if !ok {
		// Operators still apply to an absent key (so {"$exists": false}
		// matches it); any other criterion needs the key to be present.
		if ops, isMap := criterion.(map[string]any); isMap && hasOperatorKeys(ops) {
			return matchOperators(nil, ops)
		}
		return false
	}

	// $in is implicit: recursing into a list-valued target returns true
	// if any element matches, rather than requiring an explicit operator.
	if list, isList := val.([]any); isList {
		for _, elem := range list {
			if matchValue(elem, true, criterion) {
				return true
			}
		}
		return false
	}

	if ops, isMap := criterion.(map[string]any); isMap {
		if hasOperatorKeys(ops) {
			return matchOperators(val, ops)
		}
		sub, isSubMap := val.(map[string]any)
		if !isSubMap {
			return false
		}
		return Match(sub, ops)
	}

	return reflect.DeepEqual(val, criterion)
}

func hasOperatorKeys(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// matchOperators evaluates every operator key against a scalar target.
// Unknown operator keys never match, per the matcher's closed-world rule.
func matchOperators(val any, ops map[string]any) bool {
	for op, arg := range ops {
		switch op {
		case "$regex":
			s, isStr := val.(string)
			pattern, isPattern := arg.(string)
			if !isStr || !isPattern {
				return false
			}
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(s) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if (val != nil) != want {
				return false
			}
		case "$in":
			options, isList := arg.([]any)
			if !isList {
				return false
			}
			found := false
			for _, opt := range options {
				if reflect.DeepEqual(val, opt) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}
