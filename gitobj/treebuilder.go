package gitobj

import "fmt"

// payloadEntryWidth is the zero-padding width used for the sequential names
// ("0000000000", "0000000001", ...) of a payload tree's wrapped-object
// entries. Git always serializes a tree's entries in name-sorted order, so
// fixed-width zero padding is what makes "the post-order of a cleartext-tree
// walk followed by the root object" (spec.md sec 3) actually land as the
// *last* serialized entry -- sorting by name must agree with insertion
// order, or I2 (the tip's own record is the payload tree's last entry)
// would not hold.
const payloadEntryWidth = 10

// TreeBuilder accumulates entries for a tree object to be written with
// Store.WriteTree. It is used both for sequentially-numbered payload trees
// (AddNumbered) and for arbitrary named trees.
type TreeBuilder struct {
	entries []TreeEntry
}

// NewTreeBuilder returns an empty builder.
func NewTreeBuilder() *TreeBuilder {
	return &TreeBuilder{}
}

// AddNumbered appends an entry named with the next sequential index in the
// builder (0, 1, 2, ...) and returns that index.
func (b *TreeBuilder) AddNumbered(mode string, id ID) int {
	idx := len(b.entries)
	b.entries = append(b.entries, TreeEntry{
		Mode: mode,
		Name: fmt.Sprintf("%0*d", payloadEntryWidth, idx),
		ID:   id,
		Kind: kindForMode(mode),
	})
	return idx
}

// AddNamed appends an entry with an explicit name.
func (b *TreeBuilder) AddNamed(mode, name string, id ID) {
	b.entries = append(b.entries, TreeEntry{
		Mode: mode,
		Name: name,
		ID:   id,
		Kind: kindForMode(mode),
	})
}

// Len returns the number of entries accumulated so far.
func (b *TreeBuilder) Len() int {
	return len(b.entries)
}

// Entries returns the accumulated entries.
func (b *TreeBuilder) Entries() []TreeEntry {
	return b.entries
}
