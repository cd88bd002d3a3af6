// Package objectmap maintains the bidirectional association between
// cleartext commit/tag ids and their ciphertext wrapper-commit ids
// (component C4, spec.md sec 3 "Object map M", sec 4.4). It is a thin,
// mutable-during-push / read-only-during-fetch wrapper over the raw
// 40-byte-record payload persisted by the metadata package, the same
// rebuild-from-persisted-state-then-filter-staleness shape as
// massifs/logdircache.go's in-memory directory index.
package objectmap

import (
	"context"
	"fmt"

	"github.com/git-incrypt/git-incrypt/gitobj"
)

// recordSize is the width of one packed (clear_id || crypt_id) record.
const recordSize = gitobj.IDSize * 2

// ErrMalformedRecords is returned when a records payload is not an exact
// multiple of recordSize.
var ErrMalformedRecords = fmt.Errorf("objectmap: records payload is not a multiple of %d bytes", recordSize)

// record is one clear_id -> crypt_id association as persisted.
type record struct {
	Clear gitobj.ID
	Crypt gitobj.ID
}

// Map is the full, unfiltered set of persisted records plus mutations
// accumulated during the current push. Records() serializes the complete,
// still-growing set for persistence -- stale entries are never dropped
// here, only filtered out of the views returned by Forward/Reverse.
type Map struct {
	records []record
}

// Parse decodes a records payload (the map blob's plaintext after its
// SHA-1 integrity prefix has been stripped and verified by the caller)
// into a Map.
func Parse(raw []byte) (*Map, error) {
	if len(raw)%recordSize != 0 {
		return nil, ErrMalformedRecords
	}
	m := &Map{}
	for off := 0; off < len(raw); off += recordSize {
		var r record
		copy(r.Clear[:], raw[off:off+gitobj.IDSize])
		copy(r.Crypt[:], raw[off+gitobj.IDSize:off+recordSize])
		m.records = append(m.records, r)
	}
	return m, nil
}

// New returns an empty Map, used when initializing a fresh metadata
// record.
func New() *Map {
	return &Map{}
}

// Add appends a new clear_id -> crypt_id association. Callers only ever
// add during encryption (component C5); the map is read-only during
// decryption (C6).
func (m *Map) Add(clear, crypt gitobj.ID) {
	m.records = append(m.records, record{Clear: clear, Crypt: crypt})
}

// Len returns the number of persisted records, including any added this
// session.
func (m *Map) Len() int {
	return len(m.records)
}

// Records serializes the full record set back to its packed form, for the
// metadata package to encrypt into the map blob.
func (m *Map) Records() []byte {
	out := make([]byte, 0, len(m.records)*recordSize)
	for _, r := range m.records {
		out = append(out, r.Clear[:]...)
		out = append(out, r.Crypt[:]...)
	}
	return out
}

// Forward returns clear_id -> crypt_id, filtered to records whose crypt_id
// currently exists in er (spec.md sec 4.3 read_map(reverse=false)).
// Earlier duplicate entries for the same clear_id are overwritten by
// later ones, so the most recent association wins.
func (m *Map) Forward(ctx context.Context, er gitobj.Store) map[gitobj.ID]gitobj.ID {
	out := make(map[gitobj.ID]gitobj.ID)
	for _, r := range m.records {
		if er.Exists(ctx, r.Crypt) {
			out[r.Clear] = r.Crypt
		}
	}
	return out
}

// Reverse returns crypt_id -> clear_id, filtered to records whose clear_id
// currently exists in cr (spec.md sec 4.3 read_map(reverse=true)).
func (m *Map) Reverse(ctx context.Context, cr gitobj.Store) map[gitobj.ID]gitobj.ID {
	out := make(map[gitobj.ID]gitobj.ID)
	for _, r := range m.records {
		if cr.Exists(ctx, r.Clear) {
			out[r.Crypt] = r.Clear
		}
	}
	return out
}
