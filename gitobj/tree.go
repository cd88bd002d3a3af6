package gitobj

import (
	"bytes"
	"fmt"
)

// TreeEntry is one named entry of a tree object.
type TreeEntry struct {
	Mode string
	Name string
	ID   ID
	// Kind classifies the entry for the purposes of the encryption walk.
	// Gitlink entries (mode 160000, submodule commits) are reported as
	// KindCommit but are never dereferenced: the commit they name lives in
	// a foreign repository this package has no access to, so the walk
	// leaves such entries un-recursed. This matches spec.md's silence on
	// submodules -- there is nothing to wrap, only a 20-byte id embedded
	// directly in the (already wrapped) tree bytes.
	Kind Kind
}

const (
	modeTree    = "40000"
	modeSubtree = "040000"
	modeGitlink = "160000"
)

func kindForMode(mode string) Kind {
	switch mode {
	case modeTree, modeSubtree:
		return KindTree
	case modeGitlink:
		return KindCommit
	default:
		return KindBlob
	}
}

// ParseTree parses the canonical (binary) serialization of a tree object.
func ParseTree(raw []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for len(raw) > 0 {
		sp := bytes.IndexByte(raw, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("%w: tree entry missing mode separator", ErrMalformedObject)
		}
		mode := string(raw[:sp])
		raw = raw[sp+1:]

		nul := bytes.IndexByte(raw, 0)
		if nul < 0 {
			return nil, fmt.Errorf("%w: tree entry missing name terminator", ErrMalformedObject)
		}
		name := string(raw[:nul])
		raw = raw[nul+1:]

		if len(raw) < IDSize {
			return nil, fmt.Errorf("%w: tree entry truncated id", ErrMalformedObject)
		}
		var id ID
		copy(id[:], raw[:IDSize])
		raw = raw[IDSize:]

		entries = append(entries, TreeEntry{
			Mode: mode,
			Name: name,
			ID:   id,
			Kind: kindForMode(mode),
		})
	}
	return entries, nil
}
