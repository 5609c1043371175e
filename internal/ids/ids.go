// Package ids generates the string identifiers used throughout the
// pipeline (event_id, node_id, transcript_id, ...). Ids are minted
// agent-side before a row ever exists, so database serials don't fit;
// prefixed UUIDs keep them unique across agents and readable in logs.
package ids

import "github.com/google/uuid"

// New returns a fresh random identifier with the given entity prefix, e.g.
// New("node") -> "node_3fa85f64-5717-4562-b3fc-2c963f66afa6".
func New(prefix string) string {
	return prefix + "_" + uuid.New().String()
}
