package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// CanonicalJSON renders v the way snapshot hashing and bus payloads require:
// sorted object keys (encoding/json already sorts map[string]any keys),
// compact separators (json.Marshal's default), and ASCII-only output (escaping
// every non-ASCII rune as \uXXXX, including surrogate pairs for runes outside
// the BMP). Two calls with structurally equal input always produce identical
// bytes, which is the property snapshot_hash relies on.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json marshal: %w", err)
	}
	return asciiOnly(raw), nil
}

func asciiOnly(in []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(in))
	for i := 0; i < len(in); {
		r, size := utf8.DecodeRune(in[i:])
		if r < utf8.RuneSelf {
			out.WriteByte(in[i])
			i++
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, r1, r2)
		} else {
			fmt.Fprintf(&out, `\u%04x`, r)
		}
		i += size
	}
	return out.Bytes()
}
