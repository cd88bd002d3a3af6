// Package gitobj models the content-addressed objects of a Git-like object
// database and provides a Store interface for reading and writing them. The
// store itself (packs, loose objects, refs) is treated as an external
// collaborator; this package only defines the boundary and a git-plumbing
// backed implementation of it.
package gitobj

import (
	"encoding/hex"
	"errors"
)

// IDSize is the size in bytes of an object identifier (a SHA-1 digest).
const IDSize = 20

// ID is a content-addressed object identifier.
type ID [IDSize]byte

// ErrInvalidID is returned when a string does not decode to a well formed ID.
var ErrInvalidID = errors.New("gitobj: malformed object id")

// ParseID decodes a 40 character hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != IDSize*2 {
		return id, ErrInvalidID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, ErrInvalidID
	}
	copy(id[:], b)
	return id, nil
}

// String renders the ID as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero identifier, used to mean "no
// object" in ref-update calls (the null OID).
func (id ID) IsZero() bool {
	return id == ID{}
}
