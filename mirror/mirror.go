// Package mirror implements the mirror manager (component C7, spec.md sec
// 4.7): lazily clones/fetches/pushes the encrypted repository mirror that
// sits underneath the cleartext working repository. The lazy-materialize,
// re-derive-the-local-path-from-a-stable-hash shape follows
// massifs/logdircache.go's directory cache; bare-mirror clone/fetch/push
// itself is delegated to a `git` subprocess in the same style as
// gitobj.CLI.
package mirror

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/datatrails/go-datatrails-common/logger"
)

// ErrTransportFailure is the sentinel for spec.md error kind
// TransportFailure: the underlying fetch/push returns non-zero.
var ErrTransportFailure = errors.New("mirror: transport operation failed")

// MetadataRefspec is always pushed first and forced, per spec.md sec 4.7
// ("including a forced push of refs/heads/_").
const MetadataRefspec = "+refs/heads/_:refs/heads/_"

// Options configures a Manager.
type Options struct {
	Log    logger.Logger
	Atomic bool
}

// Option mutates Options, following massifs/options.go's functional-option
// shape.
type Option func(*Options)

// WithLog sets the logger used for diagnostic/progress output.
func WithLog(log logger.Logger) Option {
	return func(o *Options) { o.Log = log }
}

// WithAtomic overrides the default (true) atomic-push behaviour.
func WithAtomic(atomic bool) Option {
	return func(o *Options) { o.Atomic = atomic }
}

// Manager lazily maintains one bare mirror clone of a remote encrypted
// repository underneath a cleartext repository's directory.
type Manager struct {
	// CRDir is the cleartext repository's GIT_DIR.
	CRDir string
	// URL is the remote encrypted repository's transport URL.
	URL string

	log    logger.Logger
	atomic bool
}

// New returns a Manager for url, mirrored underneath crDir.
func New(crDir, url string, opts ...Option) *Manager {
	o := Options{Atomic: true}
	for _, fn := range opts {
		fn(&o)
	}
	return &Manager{CRDir: crDir, URL: url, log: o.Log, atomic: o.Atomic}
}

// SetAtomic reconfigures atomic-push mode at runtime, for the
// remote-helper loop's "option atomic <value>" command (spec.md sec 4.8).
func (m *Manager) SetAtomic(atomic bool) {
	m.atomic = atomic
}

// Dir returns the deterministic local path of the inner bare mirror:
// <CR>/incrypt/<sha1(url)>/.
func (m *Manager) Dir() string {
	sum := sha1.Sum([]byte(m.URL))
	return filepath.Join(m.CRDir, "incrypt", hex.EncodeToString(sum[:]))
}

// TempRefNamespace returns a fresh, collision-safe scratch ref prefix for
// one push/fetch cycle, the Go-native analogue of git-backup's
// refs/backup/<timestamp>/ working namespace but keyed by a per-operation
// UUID instead of wall-clock time, so a crashed helper never collides with
// a concurrently running one's scratch refs.
func (m *Manager) TempRefNamespace() string {
	return "refs/incrypt-tmp/" + uuid.NewString() + "/"
}

// EnsureCloned clones the ER as a bare mirror into Dir() if it doesn't
// already exist, then disables the "mirror" config flag on the resulting
// remote so subsequent fetch/push calls are explicit about their refspecs
// (spec.md sec 4.7).
func (m *Manager) EnsureCloned(ctx context.Context) error {
	dir := m.Dir()
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("mirror: creating %s: %w", filepath.Dir(dir), err)
	}
	if _, err := m.run(ctx, "", "clone", "--mirror", m.URL, dir); err != nil {
		return fmt.Errorf("%w: clone: %v", ErrTransportFailure, err)
	}
	if _, err := m.run(ctx, dir, "config", "remote.origin.mirror", "false"); err != nil {
		return fmt.Errorf("%w: disabling mirror flag: %v", ErrTransportFailure, err)
	}
	return nil
}

// Fetch runs an incremental fetch of the inner mirror, as required before
// every `list` (spec.md sec 4.7).
func (m *Manager) Fetch(ctx context.Context) error {
	if err := m.EnsureCloned(ctx); err != nil {
		return err
	}
	if _, err := m.run(ctx, m.Dir(), "fetch", "origin"); err != nil {
		return fmt.Errorf("%w: fetch: %v", ErrTransportFailure, err)
	}
	return nil
}

// RefUpdate is one requested push, in the refspec sense: empty Src means
// delete Dst on the ER.
type RefUpdate struct {
	Src   string
	Dst   string
	Force bool
}

// PushResult is the per-ref outcome of Push.
type PushResult struct {
	Dst string
	Err error
}

// Push runs a transport push carrying the metadata refspec plus one
// explicit refspec per update. With atomic mode (the default), all refs
// are pushed in a single invocation so they succeed or fail together; the
// host VCS's own atomic-push support is relied upon to preserve the
// cross-ref consistency of M and the tips.
func (m *Manager) Push(ctx context.Context, updates []RefUpdate) ([]PushResult, error) {
	if err := m.EnsureCloned(ctx); err != nil {
		return nil, err
	}

	refspecs := []string{MetadataRefspec}
	for _, u := range updates {
		refspecs = append(refspecs, refspec(u))
	}

	args := []string{"push", "--porcelain"}
	if m.atomic {
		args = append(args, "--atomic")
	}
	args = append(args, "origin")
	args = append(args, refspecs...)

	out, err := m.run(ctx, m.Dir(), args...)
	perRef := parsePushPorcelain(out)

	results := make([]PushResult, len(updates))
	for i, u := range updates {
		results[i] = PushResult{Dst: u.Dst, Err: perRef[u.Dst]}
	}

	if err != nil {
		pushErr := fmt.Errorf("%w: push: %v: %s", ErrTransportFailure, err, out)
		// --porcelain reports per-ref status even on failure; only fall
		// back to the bundled error for a ref porcelain said nothing
		// about (e.g. the whole invocation failed before git could write
		// its report).
		for i := range results {
			if results[i].Err == nil {
				results[i].Err = pushErr
			}
		}
		if m.atomic {
			return results, pushErr
		}
	}
	return results, nil
}

// parsePushPorcelain parses `git push --porcelain` stdout into a per-dst-ref
// error map: nil for a ref whose line reports success ("*", "=", " "/update),
// a wrapped ErrTransportFailure for one flagged "!". Lines that aren't a
// <flag>\t<from>:<to>\t<summary> ref report (the leading "To <url>" line,
// the trailing "Done" line) are ignored.
func parsePushPorcelain(out []byte) map[string]error {
	results := make(map[string]error)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), "\t", 3)
		if len(fields) < 3 {
			continue
		}
		flag, refs, summary := fields[0], fields[1], fields[2]
		colon := strings.Index(refs, ":")
		if colon < 0 {
			continue
		}
		dst := refs[colon+1:]
		if flag == "!" {
			results[dst] = fmt.Errorf("%w: %s: %s", ErrTransportFailure, dst, summary)
		} else {
			results[dst] = nil
		}
	}
	return results
}

func refspec(u RefUpdate) string {
	if u.Src == "" {
		return ":" + u.Dst
	}
	prefix := ""
	if u.Force {
		prefix = "+"
	}
	return prefix + u.Src + ":" + u.Dst
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if m.log != nil {
		m.log.Debugf("git %s", strings.Join(args, " "))
	}
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%v: %s", err, stderr.String())
	}
	return out.Bytes(), nil
}
