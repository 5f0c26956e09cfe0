package blockclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRegistryScopes(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, ScopeContent, r.FieldScope("problem", "data"))
	assert.Equal(t, ScopeSettings, r.FieldScope("problem", "weight"))
	assert.Equal(t, ScopeSettings, r.FieldScope("unknown_category", "anything"))
	assert.Equal(t, ScopeChildren, r.FieldScope("vertical", "children"))
	assert.Equal(t, ScopeOther, r.FieldScope("course", "location"))
}

func TestPartitionDropsChildrenAndReserved(t *testing.T) {
	r := NewDefaultRegistry()
	content, settings := Partition(r, "problem", map[string]any{
		"data":     "<problem/>",
		"weight":   1.0,
		"children": []string{"x"},
		"location": "block-v1:org+course+run+type@problem+block@p1",
	})
	assert.Equal(t, map[string]any{"data": "<problem/>"}, content)
	assert.Equal(t, map[string]any{"weight": 1.0}, settings)
}

func TestFieldsReturnsCopy(t *testing.T) {
	r := NewDefaultRegistry()
	fields := r.Fields("video")
	fields["injected"] = ScopeContent
	assert.NotContains(t, r.Fields("video"), "injected")
}
