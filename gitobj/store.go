package gitobj

import "context"

// RefEntry is one line of a `for-each-ref` listing.
type RefEntry struct {
	Name string
	ID   ID
	Kind Kind
}

// Store is the boundary to the underlying VCS object database: the object
// store and ref namespace of either the cleartext or the encrypted
// repository. spec.md sec 1 treats the concrete store as an external
// collaborator; everything in this module is written against this
// interface, never against a concrete storage engine.
type Store interface {
	// ReadRaw returns the object's kind and its canonical serialization
	// (the bytes the store would itself emit for that id).
	ReadRaw(ctx context.Context, id ID) (Kind, []byte, error)

	// Exists reports whether id names an object in the store, without
	// reading its content.
	Exists(ctx context.Context, id ID) bool

	// WriteBlob stores data as a new blob object.
	WriteBlob(ctx context.Context, data []byte) (ID, error)

	// WriteTree stores the accumulated entries of b as a new tree object.
	WriteTree(ctx context.Context, b *TreeBuilder) (ID, error)

	// WriteCommit stores a new commit object with the given tree, parents
	// (in order), and body (the author/committer/message envelope that
	// follows the tree/parent header lines).
	WriteCommit(ctx context.Context, tree ID, parents []ID, body []byte) (ID, error)

	// WriteTag stores raw as a new tag object. raw is the tag's full
	// canonical serialization (object/type/tag/tagger header plus message).
	WriteTag(ctx context.Context, raw []byte) (ID, error)

	// RevParse resolves a revision expression (a ref name, possibly with a
	// trailing ~N/^N suffix, or a raw id) to an object id.
	RevParse(ctx context.Context, rev string) (ID, error)

	// ForEachRef lists every ref under the given prefix (e.g. "refs/heads/").
	ForEachRef(ctx context.Context, prefix string) ([]RefEntry, error)

	// UpdateRef sets name to point at newID. If oldID is non-zero the
	// update is compare-and-swap against the ref's current value. A zero
	// newID deletes the ref.
	UpdateRef(ctx context.Context, name string, newID, oldID ID) error
}
