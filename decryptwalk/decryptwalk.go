// Package decryptwalk implements the decryption walker (component C6,
// spec.md sec 4.6): given a set of ciphertext tip wrappers, discover the
// wrappers not yet reflected in the cleartext repository and reconstruct
// the cleartext objects from their self-contained payload trees.
//
// Unlike encryptwalk, wrapper processing order is not required to be
// topological -- every payload tree is self-contained -- so discovery here
// only needs to find the set of wrappers to decrypt, not a dependency
// order. This mirrors spec.md sec 4.6's "unordered multimap iteration
// suffices".
package decryptwalk

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/git-incrypt/git-incrypt/gitobj"
	"github.com/git-incrypt/git-incrypt/objectmap"
	"github.com/git-incrypt/git-incrypt/symcrypt"
)

// ErrUnexpectedType is the sentinel for spec.md error kind UnexpectedType,
// raised when a wrapped-object blob's type byte names something other than
// commit/tree/blob/tag.
var ErrUnexpectedType = errors.New("decryptwalk: unexpected object type")

// Ref is one managed reference to decrypt, as discovered by the caller
// from the ER's ref listing (already filtered through refcodec.Decrypt).
type Ref struct {
	ClearRefname string
	WrapperTip   gitobj.ID
}

// FetchResult pairs a decrypted reference with its cleartext tip id.
type FetchResult struct {
	ClearRefname string
	ClearTip     gitobj.ID
}

// Options configures a Walker.
type Options struct {
	Log logger.Logger
}

type Option func(*Options)

// WithLog sets the logger used for diagnostic output.
func WithLog(log logger.Logger) Option {
	return func(o *Options) { o.Log = log }
}

// Walker runs the decryption walk against one ER/CR store pair, one key,
// and a shared object map.
type Walker struct {
	ER  gitobj.Store
	CR  gitobj.Store
	Key symcrypt.Key
	Map *objectmap.Map
	log logger.Logger
}

// New returns a Walker.
func New(er, cr gitobj.Store, key symcrypt.Key, m *objectmap.Map, opts ...Option) *Walker {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return &Walker{ER: er, CR: cr, Key: key, Map: m, log: o.Log}
}

// FetchRefs discovers every wrapper reachable from refs, decrypts any not
// already reflected by the persisted map, and returns the cleartext tip
// for each requested reference.
func (w *Walker) FetchRefs(ctx context.Context, refs []Ref) ([]FetchResult, error) {
	reverse := w.Map.Reverse(ctx, w.CR)

	toDecrypt := make(map[gitobj.ID]bool)
	var discover func(wrapperID gitobj.ID) error
	visited := make(map[gitobj.ID]bool)
	discover = func(wrapperID gitobj.ID) error {
		if visited[wrapperID] {
			return nil
		}
		visited[wrapperID] = true
		if _, ok := reverse[wrapperID]; ok {
			return nil // already decrypted on a previous fetch
		}
		toDecrypt[wrapperID] = true

		_, raw, err := w.ER.ReadRaw(ctx, wrapperID)
		if err != nil {
			return err
		}
		wrapper, err := gitobj.ParseCommit(raw)
		if err != nil {
			return err
		}
		for _, p := range wrapper.Parents {
			if err := discover(p); err != nil {
				return err
			}
		}
		return nil
	}

	for _, r := range refs {
		if err := discover(r.WrapperTip); err != nil {
			return nil, err
		}
	}

	for wrapperID := range toDecrypt {
		clearID, err := w.decryptWrapper(ctx, wrapperID)
		if err != nil {
			return nil, err
		}
		w.Map.Add(clearID, wrapperID)
		reverse[wrapperID] = clearID
	}

	results := make([]FetchResult, len(refs))
	for i, r := range refs {
		clearTip, ok := reverse[r.WrapperTip]
		if !ok {
			return nil, fmt.Errorf("decryptwalk: %s: no cleartext tip after decryption", r.ClearRefname)
		}
		results[i] = FetchResult{ClearRefname: r.ClearRefname, ClearTip: clearTip}
	}
	return results, nil
}

// decryptWrapper decrypts every payload-tree entry of wrapperID in stored
// order, writing each recovered object into the CR, and returns the id of
// the wrapped commit or tag (the payload tree's own-record entry, always
// last per spec.md invariant I2).
func (w *Walker) decryptWrapper(ctx context.Context, wrapperID gitobj.ID) (gitobj.ID, error) {
	_, raw, err := w.ER.ReadRaw(ctx, wrapperID)
	if err != nil {
		return gitobj.ID{}, err
	}
	wrapper, err := gitobj.ParseCommit(raw)
	if err != nil {
		return gitobj.ID{}, err
	}

	_, treeRaw, err := w.ER.ReadRaw(ctx, wrapper.Tree)
	if err != nil {
		return gitobj.ID{}, err
	}
	entries, err := gitobj.ParseTree(treeRaw)
	if err != nil {
		return gitobj.ID{}, err
	}

	var tipID gitobj.ID
	var tipKind gitobj.Kind
	for _, e := range entries {
		_, ct, err := w.ER.ReadRaw(ctx, e.ID)
		if err != nil {
			return gitobj.ID{}, err
		}
		plain, err := symcrypt.Decrypt(w.Key, ct)
		if err != nil {
			return gitobj.ID{}, err
		}
		if len(plain) < gitobj.IDSize+1 {
			return gitobj.ID{}, fmt.Errorf("decryptwalk: wrapped object too short")
		}
		var clearID gitobj.ID
		copy(clearID[:], plain[:gitobj.IDSize])
		kind := gitobj.Kind(plain[gitobj.IDSize])
		body := plain[gitobj.IDSize+1:]

		if err := writeObject(ctx, w.CR, kind, clearID, body); err != nil {
			return gitobj.ID{}, err
		}

		if kind == gitobj.KindCommit || kind == gitobj.KindTag {
			tipID = clearID
			tipKind = kind
		}
	}

	if tipKind == gitobj.KindUnknown {
		return gitobj.ID{}, fmt.Errorf("%w: payload tree %s had no commit/tag record", ErrUnexpectedType, wrapper.Tree)
	}
	return tipID, nil
}

// writeObject writes body back under its own recorded id, verifying that
// the store's content-addressing reproduces clearID (a defense against a
// corrupted or malicious wrapped-object blob).
func writeObject(ctx context.Context, cr gitobj.Store, kind gitobj.Kind, clearID gitobj.ID, body []byte) error {
	if cr.Exists(ctx, clearID) {
		return nil
	}
	var got gitobj.ID
	var err error
	switch kind {
	case gitobj.KindBlob:
		got, err = cr.WriteBlob(ctx, body)
	case gitobj.KindTree:
		entries, perr := gitobj.ParseTree(body)
		if perr != nil {
			return perr
		}
		tb := gitobj.NewTreeBuilder()
		for _, e := range entries {
			tb.AddNamed(e.Mode, e.Name, e.ID)
		}
		got, err = cr.WriteTree(ctx, tb)
	case gitobj.KindCommit:
		c, perr := gitobj.ParseCommit(body)
		if perr != nil {
			return perr
		}
		got, err = cr.WriteCommit(ctx, c.Tree, c.Parents, c.Body)
	case gitobj.KindTag:
		got, err = cr.WriteTag(ctx, body)
	default:
		return fmt.Errorf("%w: wrapped object has type byte %d", ErrUnexpectedType, kind)
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(got[:], clearID[:]) {
		return fmt.Errorf("decryptwalk: reconstructed id %s does not match recorded id %s", got, clearID)
	}
	return nil
}
