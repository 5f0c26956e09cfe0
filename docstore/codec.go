package docstore

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"

	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// toNode encodes v (via its JSON form) as an IPLD node suitable for
// blockstore.PutNode. Structure and Definition are plain field/value
// documents, so routing them through dag-json keeps one encoding path
// instead of a bespoke node builder per type.
func toNode(v any) (datamodel.Node, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagjson.Decode(nb, bytes.NewReader(buf)); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}

// fromNode decodes a node produced by toNode back into v (a pointer). It
// decodes numbers with UseNumber and then normalizes every BlockEntry/
// Definition fields map through NormalizeValue, so a field reloaded from
// storage compares equal (via reflect.DeepEqual) to the same field as a
// freshly supplied Go value — without this, every JSON number would come
// back as float64 regardless of whether the caller wrote an int.
func fromNode(n datamodel.Node, v any) error {
	var buf bytes.Buffer
	if err := dagjson.Encode(n, &buf); err != nil {
		return err
	}
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	switch t := v.(type) {
	case *Structure:
		for k, b := range t.Blocks {
			b.Fields = NormalizeFields(b.Fields)
			t.Blocks[k] = b
		}
	case *Definition:
		t.Fields = NormalizeFields(t.Fields)
	}
	return nil
}

// NormalizeFields applies NormalizeValue to every value in fields,
// returning a new map. nil in, nil out.
func NormalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue reduces v to the canonical representation this store's
// JSON wire form produces on decode: whole numbers become int64, fractional
// numbers become float64, and maps/slices are walked recursively. Calling
// this on both a freshly supplied field value and the same field reloaded
// from storage makes the two comparable with reflect.DeepEqual regardless
// of which concrete Go numeric type the caller originally used (int,
// float32, json.Number, ...).
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return t.String()
	case map[string]any:
		return NormalizeFields(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NormalizeValue(e)
		}
		return out
	case nil, string, bool:
		return v
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return normalizeFloat(rv.Float())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(rv.Uint())
		default:
			return v
		}
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
		return int64(f)
	}
	return f
}
