// Package remotehelper implements the remote-helper loop (component C8,
// spec.md sec 4.8): the line-oriented protocol a host VCS speaks to a
// `git-remote-<transport>` child process over its standard streams. There
// is no direct teacher analogue -- the teacher repo has no CLI-facing
// protocol surface -- so the dispatch shape here follows the general
// line-oriented-batch pattern (read lines until a blank terminates a
// command's argument batch, write a blank line to terminate the
// response) common to this class of protocol, with explicit
// context.Context threading and typed option structs in the style
// hashicorp-nomad's api package uses for its command dispatch.
package remotehelper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/git-incrypt/git-incrypt/decryptwalk"
	"github.com/git-incrypt/git-incrypt/encryptwalk"
	"github.com/git-incrypt/git-incrypt/gitobj"
	"github.com/git-incrypt/git-incrypt/keytool"
	"github.com/git-incrypt/git-incrypt/metadata"
	"github.com/git-incrypt/git-incrypt/mirror"
	"github.com/git-incrypt/git-incrypt/objectmap"
	"github.com/git-incrypt/git-incrypt/refcodec"
)

// ShadowPrefix is the ref namespace in the CR under which a managed
// reference's current decrypted tip is mirrored for the protocol's list
// output (spec.md sec 4.8, glossary "Shadow reference").
const ShadowPrefix = "refs/incrypt/"

// Options configures a Helper.
type Options struct {
	Log logger.Logger
}

// Option mutates Options, following massifs/options.go's functional-option
// shape used throughout this module.
type Option func(*Options)

// WithLog sets the logger used for diagnostic output.
func WithLog(log logger.Logger) Option {
	return func(o *Options) { o.Log = log }
}

// Helper runs the remote-helper protocol loop for one (remote-name, url)
// pair against one cleartext repository.
type Helper struct {
	CR         gitobj.Store
	RemoteName string
	URL        string
	KeyTool    *keytool.Tool
	Mirror     *mirror.Manager

	log logger.Logger

	atomic     bool
	progress   bool
	verbosity  int
	followtags bool

	er   gitobj.Store
	meta metadata.MetaData
	om   *objectmap.Map
}

// New returns a Helper. er is the Store backing the local bare mirror at
// mgr.Dir(); it is constructed eagerly (a Store is just a handle -- the
// directory need not exist yet, mgr.EnsureCloned creates it lazily).
func New(cr gitobj.Store, remoteName, url string, tool *keytool.Tool, mgr *mirror.Manager, opts ...Option) *Helper {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return &Helper{
		CR:         cr,
		RemoteName: remoteName,
		URL:        url,
		KeyTool:    tool,
		Mirror:     mgr,
		log:        o.Log,
		atomic:     true,
		er:         gitobj.NewCLI(mgr.Dir(), o.Log),
	}
}

// Run reads commands from r and writes protocol responses to w until r is
// exhausted or an unrecoverable error occurs. Per spec.md sec 5 it
// processes one command batch at a time, synchronously.
func (h *Helper) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	bw := bufio.NewWriter(w)

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			continue
		case line == "capabilities":
			if err := h.writeCapabilities(bw); err != nil {
				return err
			}
		case line == "list" || line == "list for-push":
			if err := h.handleList(ctx, bw); err != nil {
				return err
			}
		case strings.HasPrefix(line, "fetch "):
			if err := h.handleFetchBatch(sc, line, bw); err != nil {
				return err
			}
		case strings.HasPrefix(line, "push "):
			if err := h.handlePushBatch(ctx, sc, line, bw); err != nil {
				return err
			}
		case strings.HasPrefix(line, "option "):
			if err := h.handleOption(line, bw); err != nil {
				return err
			}
		default:
			return fmt.Errorf("remotehelper: unrecognized command %q", line)
		}
	}
	return sc.Err()
}

func (h *Helper) writeCapabilities(w *bufio.Writer) error {
	fmt.Fprintln(w, "fetch")
	fmt.Fprintln(w, "push")
	fmt.Fprintln(w, "option")
	fmt.Fprintln(w)
	return w.Flush()
}

// loadMetadata reads the metadata record (and its object map) from the
// mirror and caches it on the Helper. handleList reloads it after every
// mirror fetch; doPush loads it only when nothing is cached yet and then
// updates the cached map in place (spec.md sec 5, "two concurrent helper
// processes against the same CR are not supported").
func (h *Helper) loadMetadata(ctx context.Context) error {
	md, err := metadata.Read(ctx, h.er, h.KeyTool, metadata.WithLog(h.log))
	if err != nil {
		return err
	}
	om, err := objectmap.Parse(md.Records)
	if err != nil {
		return err
	}
	h.meta = md
	h.om = om
	return nil
}

// handleList runs an incremental fetch of the mirror, decrypts every
// managed reference not yet reflected in the CR, refreshes the CR's
// shadow refs, and emits the list response (spec.md sec 4.7, 4.8).
func (h *Helper) handleList(ctx context.Context, w *bufio.Writer) error {
	if err := h.Mirror.Fetch(ctx); err != nil {
		return err
	}
	if err := h.loadMetadata(ctx); err != nil {
		return err
	}

	entries, err := h.er.ForEachRef(ctx, refcodec.RefPrefix)
	if err != nil {
		return err
	}

	var managed []decryptwalk.Ref
	for _, e := range entries {
		if e.Name == metadata.Ref {
			continue
		}
		clear, ok := refcodec.Decrypt(h.meta.Key, e.Name)
		if !ok {
			// ForeignReference: a ref this key cannot decrypt coexists
			// harmlessly on the ER and is simply not reported.
			continue
		}
		managed = append(managed, decryptwalk.Ref{ClearRefname: clear, WrapperTip: e.ID})
	}

	walker := decryptwalk.New(h.er, h.CR, h.meta.Key, h.om, decryptwalk.WithLog(h.log))
	results, err := walker.FetchRefs(ctx, managed)
	if err != nil {
		return err
	}

	if err := h.refreshShadows(ctx, results); err != nil {
		return err
	}

	if h.meta.DefaultBranch != "" {
		for _, r := range results {
			if r.ClearRefname == h.meta.DefaultBranch {
				fmt.Fprintf(w, "@%s HEAD\n", r.ClearRefname)
				break
			}
		}
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s %s\n", r.ClearTip, r.ClearRefname)
	}
	fmt.Fprintln(w)
	return w.Flush()
}

// shadowName maps a cleartext refname to its shadow ref under
// ShadowPrefix, used so the host VCS can see a managed ref's decrypted
// tip as an ordinary reference in the CR.
func shadowName(clearRefname string) string {
	return ShadowPrefix + strings.TrimPrefix(clearRefname, "refs/")
}

// refreshShadows writes the current shadow ref for every result and
// deletes any previously-written shadow that no longer corresponds to a
// managed reference (spec.md sec 4.8, "stale shadows ... are deleted on
// every list").
func (h *Helper) refreshShadows(ctx context.Context, results []decryptwalk.FetchResult) error {
	live := make(map[string]bool, len(results))
	for _, r := range results {
		name := shadowName(r.ClearRefname)
		live[name] = true
		if err := h.CR.UpdateRef(ctx, name, r.ClearTip, gitobj.ID{}); err != nil {
			return err
		}
	}
	existing, err := h.CR.ForEachRef(ctx, ShadowPrefix)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if !live[e.Name] {
			if err := h.CR.UpdateRef(ctx, e.Name, gitobj.ID{}, e.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleFetchBatch drains a batch of "fetch <sha> <name>" lines. The
// decryption already happened as a side effect of the preceding list
// (spec.md sec 4.8), so there is nothing left to do but acknowledge.
func (h *Helper) handleFetchBatch(sc *bufio.Scanner, first string, w *bufio.Writer) error {
	line := first
	for line != "" {
		if !sc.Scan() {
			break
		}
		line = sc.Text()
	}
	fmt.Fprintln(w)
	return w.Flush()
}

// handlePushBatch collects a batch of "push [+]src:dst" lines and runs
// them as a single push operation.
func (h *Helper) handlePushBatch(ctx context.Context, sc *bufio.Scanner, first string, w *bufio.Writer) error {
	var specs []string
	line := first
	for line != "" {
		specs = append(specs, strings.TrimSpace(strings.TrimPrefix(line, "push ")))
		if !sc.Scan() {
			break
		}
		line = sc.Text()
	}
	return h.doPush(ctx, specs, w)
}

// pushItem is one parsed push refspec.
type pushItem struct {
	clearDst string
	clearSrc string
	token    string
	force    bool
}

// doPush encrypts every requested tip, persists the object map, then
// pushes the affected encrypted refs (plus the metadata ref) in one
// transport call, reporting per-ref results (spec.md sec 4.7, 4.8, 7).
func (h *Helper) doPush(ctx context.Context, specs []string, w *bufio.Writer) error {
	if err := h.Mirror.EnsureCloned(ctx); err != nil {
		return err
	}
	if h.om == nil {
		if err := h.loadMetadata(ctx); err != nil {
			return err
		}
	}

	order := make([]string, 0, len(specs))
	outcome := make(map[string]error, len(specs))
	var creates, deletes []pushItem

	for _, spec := range specs {
		force := strings.HasPrefix(spec, "+")
		spec = strings.TrimPrefix(spec, "+")
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			continue
		}
		src, dst := parts[0], parts[1]
		order = append(order, dst)

		token, err := refcodec.Encrypt(h.meta.Key, dst)
		if err != nil {
			outcome[dst] = err
			continue
		}
		it := pushItem{clearDst: dst, clearSrc: src, token: token, force: force}
		if src == "" {
			deletes = append(deletes, it)
		} else {
			creates = append(creates, it)
		}
	}

	var updates []mirror.RefUpdate
	var dstForUpdate []string

	if len(creates) > 0 {
		tips := make([]encryptwalk.Tip, len(creates))
		resolved := make([]gitobj.ID, len(creates))
		for i, it := range creates {
			tips[i] = encryptwalk.Tip{CleartextRev: it.clearSrc, DstRefname: it.token, Force: it.force}
		}

		walker := encryptwalk.New(h.CR, h.er, h.meta.Key, h.meta.Template, h.om, encryptwalk.WithLog(h.log))
		before := h.om.Len()
		results, err := walker.EncryptPush(ctx, tips)
		if err != nil {
			for _, it := range creates {
				outcome[it.clearDst] = err
			}
		} else {
			for i, it := range creates {
				if id, rerr := h.CR.RevParse(ctx, it.clearSrc); rerr == nil {
					resolved[i] = id
				}
			}
			if h.om.Len() != before {
				if werr := metadata.Write(ctx, h.er, h.meta, h.om, metadata.WithLog(h.log)); werr != nil {
					return werr
				}
			}
			forward := h.om.Forward(ctx, h.er)
			for i, it := range creates {
				if results[i].Err != nil {
					outcome[it.clearDst] = results[i].Err
					continue
				}
				wrapperID, ok := forward[resolved[i]]
				if !ok {
					outcome[it.clearDst] = fmt.Errorf("remotehelper: %s: no wrapper commit after encryption", it.clearDst)
					continue
				}
				updates = append(updates, mirror.RefUpdate{Src: wrapperID.String(), Dst: it.token, Force: it.force})
				dstForUpdate = append(dstForUpdate, it.clearDst)
			}
		}
	}

	for _, it := range deletes {
		updates = append(updates, mirror.RefUpdate{Src: "", Dst: it.token, Force: it.force})
		dstForUpdate = append(dstForUpdate, it.clearDst)
	}

	if len(updates) > 0 {
		results, _ := h.Mirror.Push(ctx, updates)
		for i, r := range results {
			if r.Err != nil {
				outcome[dstForUpdate[i]] = r.Err
			} else if _, already := outcome[dstForUpdate[i]]; !already {
				outcome[dstForUpdate[i]] = nil
			}
		}
	}

	for _, dst := range order {
		if err := outcome[dst]; err != nil {
			fmt.Fprintf(w, "error %s %s\n", dst, oneLine(err))
		} else {
			fmt.Fprintf(w, "ok %s\n", dst)
		}
	}
	fmt.Fprintln(w)
	return w.Flush()
}

func oneLine(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

// handleOption answers the "option <name> <value>" command (spec.md sec
// 4.8): atomic, progress, verbosity and followtags are accepted; anything
// else is reported unsupported, per the remote-helper protocol's
// contract that an unrecognized option must not be fatal.
func (h *Helper) handleOption(line string, w *bufio.Writer) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		fmt.Fprintln(w, "unsupported")
		return w.Flush()
	}
	name := fields[1]
	value := ""
	if len(fields) > 2 {
		value = fields[2]
	}
	switch name {
	case "atomic":
		h.atomic = value != "false"
		h.Mirror.SetAtomic(h.atomic)
		fmt.Fprintln(w, "ok")
	case "progress":
		h.progress = value != "false"
		fmt.Fprintln(w, "ok")
	case "verbosity":
		if n, err := strconv.Atoi(value); err == nil {
			h.verbosity = n
		}
		fmt.Fprintln(w, "ok")
	case "followtags":
		h.followtags = value != "false"
		fmt.Fprintln(w, "ok")
	default:
		fmt.Fprintln(w, "unsupported")
	}
	return w.Flush()
}
