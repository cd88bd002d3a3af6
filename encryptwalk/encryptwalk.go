// Package encryptwalk implements the encryption walker (component C5,
// spec.md sec 4.5): given a set of cleartext tip commits, it discovers the
// transitive closure of objects not yet represented on the encrypted
// repository and produces ciphertext wrapper commits in topological order.
//
// The walker's bookkeeping follows the arena-style, index-keyed node
// tracking spec.md sec 9 recommends (and massifs/trieentry.go's pattern of
// keeping a flat index plus adjacency rather than pointer-linked nodes): in
// this Go implementation the "arena index" is simply gitobj.ID used as a
// map key, since Go maps already give us O(1) membership without a GC or
// ownership problem an arena would otherwise solve.
package encryptwalk

import (
	"context"
	"errors"
	"fmt"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/git-incrypt/git-incrypt/gitobj"
	"github.com/git-incrypt/git-incrypt/objectmap"
	"github.com/git-incrypt/git-incrypt/symcrypt"
)

// ErrIncompleteGraph is the sentinel for spec.md error kind IncompleteGraph:
// after discovery, the pending set is non-empty.
var ErrIncompleteGraph = errors.New("encryptwalk: incomplete object graph")

// ErrUnexpectedType is the sentinel for spec.md error kind UnexpectedType.
var ErrUnexpectedType = errors.New("encryptwalk: unexpected object type")

// Tip describes one requested push target.
type Tip struct {
	CleartextRev string // revision expression resolved against cr
	DstRefname   string
	Force        bool
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

// Walker runs the encryption walk against one cleartext/ciphertext store
// pair, one key and template, and a shared object map.
type Walker struct {
	CR       gitobj.Store
	ER       gitobj.Store
	Key      symcrypt.Key
	Template []byte
	Map      *objectmap.Map
	log      logger.Logger
}

// New returns a Walker. m is mutated in place as new wrapper commits are
// produced; the caller persists it via the metadata package after the
// push.
func New(cr, er gitobj.Store, key symcrypt.Key, template []byte, m *objectmap.Map, opts ...Option) *Walker {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return &Walker{CR: cr, ER: er, Key: key, Template: template, Map: m, log: o.Log}
}

// node tracks one discovered cleartext object during a single push.
type node struct {
	kind     gitobj.Kind
	deps     []gitobj.ID // parents (commit) or target (tag)
	children []gitobj.ID
}

// discovery is the mutable state of phase 1/2: four disjoint sets plus the
// per-push dedup cache (spec.md sec 4.5, sec 9).
type discovery struct {
	nodes      map[gitobj.ID]*node
	pending    map[gitobj.ID]bool
	ready      []gitobj.ID
	processed  map[gitobj.ID]bool           // has an M entry (seeded, or produced this push)
	wrappers   map[gitobj.ID]gitobj.ID      // clear id -> wrapper id, mirrors processed
	cryptcache map[gitobj.ID]gitobj.ID
}

// Result is the per-ref outcome of EncryptPush.
type Result struct {
	Refname string
	Err     error
}

// EncryptPush runs the full two-phase walk and returns, per requested tip,
// either nil (success, with an M entry and a wrapper commit now present in
// ER) or the error that prevented it.
func (w *Walker) EncryptPush(ctx context.Context, tips []Tip) ([]Result, error) {
	d := &discovery{
		nodes:      make(map[gitobj.ID]*node),
		pending:    make(map[gitobj.ID]bool),
		processed:  make(map[gitobj.ID]bool),
		wrappers:   make(map[gitobj.ID]gitobj.ID),
		cryptcache: make(map[gitobj.ID]gitobj.ID),
	}
	for clear, crypt := range w.Map.Forward(ctx, w.ER) {
		d.processed[clear] = true
		d.wrappers[clear] = crypt
	}

	resolved := make([]gitobj.ID, len(tips))
	for i, t := range tips {
		id, err := w.CR.RevParse(ctx, t.CleartextRev)
		if err != nil {
			return nil, fmt.Errorf("encryptwalk: resolving %s: %w", t.CleartextRev, err)
		}
		resolved[i] = id
		if err := w.discover(ctx, d, id); err != nil {
			return nil, err
		}
	}

	if err := w.drain(ctx, d); err != nil {
		return nil, err
	}

	if len(d.pending) != 0 {
		return nil, fmt.Errorf("%w: %d objects never became ready", ErrIncompleteGraph, len(d.pending))
	}

	results := make([]Result, len(tips))
	for i, t := range tips {
		results[i] = Result{Refname: t.DstRefname}
		if !d.processed[resolved[i]] {
			results[i].Err = fmt.Errorf("%w: %s never reached processed", ErrIncompleteGraph, resolved[i])
		}
	}
	return results, nil
}

// discover registers id (already confirmed to exist in CR by the caller's
// RevParse, or reached via a parent/target edge) and recursively seeds its
// dependencies, without yet encrypting anything.
func (w *Walker) discover(ctx context.Context, d *discovery, id gitobj.ID) error {
	if d.processed[id] || d.nodes[id] != nil {
		return nil
	}

	kind, raw, err := w.CR.ReadRaw(ctx, id)
	if err != nil {
		return err
	}

	n := &node{kind: kind}
	switch kind {
	case gitobj.KindCommit:
		c, err := gitobj.ParseCommit(raw)
		if err != nil {
			return err
		}
		n.deps = c.Parents
	case gitobj.KindTag:
		tag, err := gitobj.ParseTag(raw)
		if err != nil {
			return err
		}
		n.deps = []gitobj.ID{tag.Object}
	default:
		return fmt.Errorf("%w: %s is a %s", ErrUnexpectedType, id, kind)
	}
	d.nodes[id] = n

	complete := true
	for _, dep := range n.deps {
		if !d.processed[dep] {
			complete = false
			if depNode, ok := d.nodes[dep]; ok {
				depNode.children = append(depNode.children, id)
			} else {
				if err := w.discover(ctx, d, dep); err != nil {
					return err
				}
				if d.nodes[dep] != nil {
					d.nodes[dep].children = append(d.nodes[dep].children, id)
				}
			}
		}
	}

	if complete {
		d.ready = append(d.ready, id)
	} else {
		d.pending[id] = true
	}
	return nil
}

func (w *Walker) drain(ctx context.Context, d *discovery) error {
	for len(d.ready) > 0 {
		id := d.ready[len(d.ready)-1]
		d.ready = d.ready[:len(d.ready)-1]

		n := d.nodes[id]
		var wrapperID gitobj.ID
		var err error
		switch n.kind {
		case gitobj.KindCommit:
			wrapperID, err = w.encryptCommit(ctx, d, id)
		case gitobj.KindTag:
			wrapperID, err = w.encryptTag(ctx, d, id)
		}
		if err != nil {
			return err
		}

		w.Map.Add(id, wrapperID)
		d.processed[id] = true
		d.wrappers[id] = wrapperID
		delete(d.pending, id)

		for _, child := range n.children {
			if w.isComplete(d, child) {
				delete(d.pending, child)
				d.ready = append(d.ready, child)
			}
		}
	}
	return nil
}

func (w *Walker) isComplete(d *discovery, id gitobj.ID) bool {
	n := d.nodes[id]
	if n == nil {
		return false
	}
	for _, dep := range n.deps {
		if !d.processed[dep] {
			return false
		}
	}
	return true
}

// encryptCommit walks the commit's cleartext tree in post-order, emits a
// self-contained payload tree, then wraps the commit itself as the final
// entry (spec.md invariant I2), and writes the wrapper commit.
func (w *Walker) encryptCommit(ctx context.Context, d *discovery, id gitobj.ID) (gitobj.ID, error) {
	_, raw, err := w.CR.ReadRaw(ctx, id)
	if err != nil {
		return gitobj.ID{}, err
	}
	c, err := gitobj.ParseCommit(raw)
	if err != nil {
		return gitobj.ID{}, err
	}

	payload := gitobj.NewTreeBuilder()
	if err := w.wrapTree(ctx, d, payload, c.Tree); err != nil {
		return gitobj.ID{}, err
	}
	if err := w.wrapObject(ctx, d, payload, id, gitobj.KindCommit, raw); err != nil {
		return gitobj.ID{}, err
	}

	payloadTreeID, err := w.ER.WriteTree(ctx, payload)
	if err != nil {
		return gitobj.ID{}, err
	}

	parents := make([]gitobj.ID, len(c.Parents))
	for i, p := range c.Parents {
		wrapped, ok := d.wrappers[p]
		if !ok {
			return gitobj.ID{}, fmt.Errorf("%w: parent %s has no wrapper", ErrIncompleteGraph, p)
		}
		parents[i] = wrapped
	}

	return w.ER.WriteCommit(ctx, payloadTreeID, parents, w.Template)
}

func (w *Walker) encryptTag(ctx context.Context, d *discovery, id gitobj.ID) (gitobj.ID, error) {
	_, raw, err := w.CR.ReadRaw(ctx, id)
	if err != nil {
		return gitobj.ID{}, err
	}
	tag, err := gitobj.ParseTag(raw)
	if err != nil {
		return gitobj.ID{}, err
	}

	payload := gitobj.NewTreeBuilder()
	if err := w.wrapObject(ctx, d, payload, id, gitobj.KindTag, raw); err != nil {
		return gitobj.ID{}, err
	}
	payloadTreeID, err := w.ER.WriteTree(ctx, payload)
	if err != nil {
		return gitobj.ID{}, err
	}

	wrapped, ok := d.wrappers[tag.Object]
	if !ok {
		return gitobj.ID{}, fmt.Errorf("%w: tag target %s has no wrapper", ErrIncompleteGraph, tag.Object)
	}
	return w.ER.WriteCommit(ctx, payloadTreeID, []gitobj.ID{wrapped}, w.Template)
}

// treeFrame is one stack frame of the explicit-stack post-order tree walk
// (spec.md sec 9: "a sub-tree walk is naturally recursive but can blow the
// stack on deep trees; use an explicit work stack").
type treeFrame struct {
	id      gitobj.ID
	raw     []byte
	entries []gitobj.TreeEntry
	next    int // index into entries not yet visited
}

// wrapTree walks a cleartext tree in post-order (children before the tree
// itself) using an explicit stack rather than Go call recursion, emitting
// a wrapped-blob entry for every blob and subtree -- including a repeat
// entry for anything already produced earlier in the same push, since
// every wrapper commit's payload tree must be self-contained (spec.md sec
// 4.5 "Self-containment"). A cryptcache hit only skips the symcrypt.Encrypt
// call for that one object; the walk still descends into every subtree's
// children and emits their entries into this payload tree, so a shared
// subtree is fully present in every wrapper commit that references it.
func (w *Walker) wrapTree(ctx context.Context, d *discovery, payload *gitobj.TreeBuilder, rootID gitobj.ID) error {
	frame, err := w.newTreeFrame(ctx, rootID)
	if err != nil {
		return err
	}
	stack := []*treeFrame{frame}

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.next >= len(top.entries) {
			if err := w.emitTree(ctx, d, payload, top.id, top.raw); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
			continue
		}

		e := top.entries[top.next]
		top.next++

		switch e.Kind {
		case gitobj.KindTree:
			child, err := w.newTreeFrame(ctx, e.ID)
			if err != nil {
				return err
			}
			stack = append(stack, child)
		case gitobj.KindBlob:
			if err := w.wrapBlob(ctx, d, payload, e.ID); err != nil {
				return err
			}
		case gitobj.KindCommit:
			// gitlink (submodule): the target commit lives in a foreign
			// repository we cannot read; the raw id is carried as-is
			// inside this (already wrapped) tree's own bytes, so no
			// separate payload entry is required.
		}
	}
	return nil
}

// emitTree appends treeID's wrapped-blob entry to payload, reusing the
// cached wrapper id if this tree was already encrypted earlier in the
// same push.
func (w *Walker) emitTree(ctx context.Context, d *discovery, payload *gitobj.TreeBuilder, treeID gitobj.ID, raw []byte) error {
	if cached, ok := d.cryptcache[treeID]; ok {
		payload.AddNumbered("100644", cached)
		return nil
	}
	return w.wrapObject(ctx, d, payload, treeID, gitobj.KindTree, raw)
}

func (w *Walker) newTreeFrame(ctx context.Context, treeID gitobj.ID) (*treeFrame, error) {
	_, raw, err := w.CR.ReadRaw(ctx, treeID)
	if err != nil {
		return nil, err
	}
	entries, err := gitobj.ParseTree(raw)
	if err != nil {
		return nil, err
	}
	return &treeFrame{id: treeID, raw: raw, entries: entries}, nil
}

func (w *Walker) wrapBlob(ctx context.Context, d *discovery, payload *gitobj.TreeBuilder, blobID gitobj.ID) error {
	if cached, ok := d.cryptcache[blobID]; ok {
		payload.AddNumbered("100644", cached)
		return nil
	}
	_, raw, err := w.CR.ReadRaw(ctx, blobID)
	if err != nil {
		return err
	}
	return w.wrapObject(ctx, d, payload, blobID, gitobj.KindBlob, raw)
}

// wrapObject encrypts clear_id || type_byte || raw_body and appends it as
// the payload tree's next sequential entry, recording it in cryptcache.
func (w *Walker) wrapObject(ctx context.Context, d *discovery, payload *gitobj.TreeBuilder, clearID gitobj.ID, kind gitobj.Kind, raw []byte) error {
	plain := make([]byte, 0, gitobj.IDSize+1+len(raw))
	plain = append(plain, clearID[:]...)
	plain = append(plain, byte(kind))
	plain = append(plain, raw...)

	ct, err := symcrypt.Encrypt(w.Key, plain)
	if err != nil {
		return err
	}
	blobID, err := w.ER.WriteBlob(ctx, ct)
	if err != nil {
		return err
	}
	d.cryptcache[clearID] = blobID
	payload.AddNumbered("100644", blobID)
	return nil
}
