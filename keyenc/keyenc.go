// Package keyenc escapes block ids so they can be used as keys inside the
// Structure.blocks map. Block ids are caller-assigned strings and may
// contain characters ('.', '$') that a few serialization formats treat
// specially; encode/decode round-trip exactly so callers never see the
// encoded form.
package keyenc

import "strings"

var encodeReplacer = strings.NewReplacer(
	"~", "~t",
	".", "~p",
	"$", "~d",
)

// Encode escapes a block id for use as a Structure.blocks map key.
func Encode(blockID string) string {
	return encodeReplacer.Replace(blockID)
}

// Decode reverses Encode. decode(encode(x)) == x for every admissible id.
// It walks the encoded string left to right rather than using a Replacer,
// since every literal "~" in the source was itself escaped to "~t" first —
// a two-pass replace could otherwise misparse an escape sequence that
// straddles a replacement boundary.
func Decode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '~' && i+1 < len(s) {
			switch s[i+1] {
			case 'p':
				b.WriteByte('.')
				i++
				continue
			case 'd':
				b.WriteByte('$')
				i++
				continue
			case 't':
				b.WriteByte('~')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
