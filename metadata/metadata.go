// Package metadata reads and writes the encrypted repository's single
// metadata record (spec.md sec 3 "the metadata record", sec 4.3): the
// reference refs/heads/_, whose tree carries the fixed-name blobs ver, key,
// msg, def, map, README.md, plus an optional attestation entry sig. The
// record shape (a fixed small set of named tree entries read and validated
// as a unit) follows massifs/massifstart.go and the signing of a derived
// digest follows massifs/rootsigner.go.
package metadata

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/git-incrypt/git-incrypt/gitobj"
	"github.com/git-incrypt/git-incrypt/keytool"
	"github.com/git-incrypt/git-incrypt/objectmap"
	"github.com/git-incrypt/git-incrypt/symcrypt"
)

// Ref is the single metadata reference on the encrypted repository.
const Ref = "refs/heads/_"

// Version is the literal ver blob content every metadata record must
// contain bit-exactly (spec.md invariant I5).
const Version = "git-incrypt\n1.0.0\n"

// KeyFormatTag prefixes the key blob, terminated by a NUL, identifying the
// packed key layout (spec.md sec 3 "Key material").
const KeyFormatTag = "AES-256-CBC+IV"

const readmeText = `This branch holds the git-incrypt metadata record.

Do not delete or rewrite refs/heads/_: it carries the wrapped
repository key, the wrapper-commit template, the default branch name,
and the cleartext<->ciphertext object map. Losing it makes every other
reference on this remote unrecoverable.
`

// ErrCorruptMetadata is the sentinel for spec.md error kind CorruptMetadata:
// version mismatch, missing blob, or SHA-1 prefix mismatch.
var ErrCorruptMetadata = errors.New("metadata: corrupt metadata record")

const (
	entryVer    = "ver"
	entryKey    = "key"
	entryMsg    = "msg"
	entryDef    = "def"
	entryMap    = "map"
	entryReadme = "README.md"
	entrySig    = "sig"
)

// MetaData is the decoded, ready-to-use form of the metadata record.
type MetaData struct {
	Key            symcrypt.Key
	Template       []byte
	DefaultBranch  string
	WrappedKey     []byte // raw bytes stored in the key blob, including the format tag
	Records        []byte // raw, decrypted map payload (40-byte records)
	CommitID       gitobj.ID
	AttestationSig []byte // raw COSE_Sign1 bytes, nil if the record carries none
}

// Options configures optional behaviour of Write/Read.
type Options struct {
	Log      logger.Logger
	SignKey  *ecdsa.PrivateKey // when non-nil, Write attaches a COSE_Sign1 attestation
	VerifyOK func(pub *ecdsa.PublicKey) bool
	VerifyKey *ecdsa.PublicKey // when non-nil, Read verifies the attestation against it
}

// Option mutates an Options value, following massifs/options.go's
// functional-option shape.
type Option func(*Options)

// WithLog sets the logger used for diagnostic output.
func WithLog(log logger.Logger) Option {
	return func(o *Options) { o.Log = log }
}

// WithSignKey enables attaching a COSE_Sign1 attestation on Write.
func WithSignKey(key *ecdsa.PrivateKey) Option {
	return func(o *Options) { o.SignKey = key }
}

// WithVerifyKey enables verifying the COSE_Sign1 attestation on Read.
func WithVerifyKey(pub *ecdsa.PublicKey) Option {
	return func(o *Options) { o.VerifyKey = pub }
}

func buildOptions(opts ...Option) Options {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Init generates a fresh 48-byte key, wraps it to recipients via tool, and
// returns a MetaData ready to be persisted with Write. The caller typically
// stashes MetaData.Key (the raw, unwrapped key) out-of-band per spec.md's
// init lifecycle note.
func Init(ctx context.Context, tool *keytool.Tool, recipients []string, template []byte, defaultBranch string) (MetaData, error) {
	raw := make([]byte, symcrypt.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return MetaData{}, fmt.Errorf("metadata: generating key: %w", err)
	}
	key, err := symcrypt.NewKey(raw)
	if err != nil {
		return MetaData{}, err
	}

	wrapped, err := tool.Wrap(ctx, raw, recipients)
	if err != nil {
		return MetaData{}, err
	}

	return MetaData{
		Key:           key,
		Template:      template,
		DefaultBranch: defaultBranch,
		WrappedKey:    append([]byte(KeyFormatTag+"\x00"), wrapped...),
	}, nil
}

// Write emits the metadata tree and commit and updates Ref on store. m is
// the object mapper whose current records are persisted into the map blob.
func Write(ctx context.Context, store gitobj.Store, m MetaData, om *objectmap.Map, opts ...Option) error {
	o := buildOptions(opts...)

	b := gitobj.NewTreeBuilder()

	verID, err := store.WriteBlob(ctx, []byte(Version))
	if err != nil {
		return err
	}
	b.AddNamed("100644", entryVer, verID)

	keyID, err := store.WriteBlob(ctx, m.WrappedKey)
	if err != nil {
		return err
	}
	b.AddNamed("100644", entryKey, keyID)

	msgCipher, err := encryptWithPrefix(m.Key, m.Template)
	if err != nil {
		return err
	}
	msgID, err := store.WriteBlob(ctx, msgCipher)
	if err != nil {
		return err
	}
	b.AddNamed("100644", entryMsg, msgID)

	defCipher, err := encryptWithPrefix(m.Key, []byte(m.DefaultBranch))
	if err != nil {
		return err
	}
	defID, err := store.WriteBlob(ctx, defCipher)
	if err != nil {
		return err
	}
	b.AddNamed("100644", entryDef, defID)

	records := om.Records()
	mapCipher, err := encryptWithPrefix(m.Key, records)
	if err != nil {
		return err
	}
	mapID, err := store.WriteBlob(ctx, mapCipher)
	if err != nil {
		return err
	}
	b.AddNamed("100644", entryMap, mapID)

	readmeID, err := store.WriteBlob(ctx, []byte(readmeText))
	if err != nil {
		return err
	}
	b.AddNamed("100644", entryReadme, readmeID)

	if o.SignKey != nil {
		sig, err := sign(o.SignKey, verID, keyID, msgID, defID, mapID)
		if err != nil {
			return err
		}
		sigID, err := store.WriteBlob(ctx, sig)
		if err != nil {
			return err
		}
		b.AddNamed("100644", entrySig, sigID)
	}

	treeID, err := store.WriteTree(ctx, b)
	if err != nil {
		return err
	}

	commitID, err := store.WriteCommit(ctx, treeID, nil, m.Template)
	if err != nil {
		return err
	}

	var old gitobj.ID
	if cur, err := store.RevParse(ctx, Ref); err == nil {
		old = cur
	}
	if err := store.UpdateRef(ctx, Ref, commitID, old); err != nil {
		return err
	}

	if o.Log != nil {
		o.Log.Infof("metadata: wrote %s at %s", Ref, commitID)
	}
	return nil
}

// Read loads and validates the metadata record from store, unwrapping the
// key via tool. Any structural defect is reported as ErrCorruptMetadata;
// any key-tool failure propagates keytool.ErrKeyToolFailure unchanged
// (spec.md scenario "Forbidden read").
func Read(ctx context.Context, store gitobj.Store, tool *keytool.Tool, opts ...Option) (MetaData, error) {
	o := buildOptions(opts...)

	commitID, err := store.RevParse(ctx, Ref)
	if err != nil {
		return MetaData{}, fmt.Errorf("%w: no metadata ref: %v", ErrCorruptMetadata, err)
	}
	_, raw, err := store.ReadRaw(ctx, commitID)
	if err != nil {
		return MetaData{}, fmt.Errorf("%w: reading metadata commit: %v", ErrCorruptMetadata, err)
	}
	commit, err := gitobj.ParseCommit(raw)
	if err != nil {
		return MetaData{}, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}

	_, treeRaw, err := store.ReadRaw(ctx, commit.Tree)
	if err != nil {
		return MetaData{}, fmt.Errorf("%w: reading metadata tree: %v", ErrCorruptMetadata, err)
	}
	entries, err := gitobj.ParseTree(treeRaw)
	if err != nil {
		return MetaData{}, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}

	byName := make(map[string]gitobj.ID, len(entries))
	for _, e := range entries {
		byName[e.Name] = e.ID
	}

	verBlob, err := readBlob(ctx, store, byName, entryVer)
	if err != nil {
		return MetaData{}, err
	}
	if string(verBlob) != Version {
		return MetaData{}, fmt.Errorf("%w: unexpected version %q", ErrCorruptMetadata, verBlob)
	}

	keyBlob, err := readBlob(ctx, store, byName, entryKey)
	if err != nil {
		return MetaData{}, err
	}
	tagPrefix := []byte(KeyFormatTag + "\x00")
	if !bytes.HasPrefix(keyBlob, tagPrefix) {
		return MetaData{}, fmt.Errorf("%w: unrecognized key format tag", ErrCorruptMetadata)
	}
	rawKey, err := tool.Unwrap(ctx, keyBlob[len(tagPrefix):])
	if err != nil {
		return MetaData{}, err
	}
	key, err := symcrypt.NewKey(rawKey)
	if err != nil {
		return MetaData{}, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}

	msgBlob, err := readBlob(ctx, store, byName, entryMsg)
	if err != nil {
		return MetaData{}, err
	}
	template, err := decryptWithPrefix(key, msgBlob)
	if err != nil {
		return MetaData{}, fmt.Errorf("%w: msg: %v", ErrCorruptMetadata, err)
	}

	defBlob, err := readBlob(ctx, store, byName, entryDef)
	if err != nil {
		return MetaData{}, err
	}
	defaultBranch, err := decryptWithPrefix(key, defBlob)
	if err != nil {
		return MetaData{}, fmt.Errorf("%w: def: %v", ErrCorruptMetadata, err)
	}

	mapBlob, err := readBlob(ctx, store, byName, entryMap)
	if err != nil {
		return MetaData{}, err
	}
	records, err := decryptWithPrefix(key, mapBlob)
	if err != nil {
		return MetaData{}, fmt.Errorf("%w: map: %v", ErrCorruptMetadata, err)
	}

	md := MetaData{
		Key:           key,
		Template:      template,
		DefaultBranch: string(defaultBranch),
		WrappedKey:    keyBlob,
		Records:       records,
		CommitID:      commitID,
	}

	if sigID, ok := byName[entrySig]; ok {
		_, sig, err := store.ReadRaw(ctx, sigID)
		if err != nil {
			return MetaData{}, fmt.Errorf("%w: reading sig: %v", ErrCorruptMetadata, err)
		}
		md.AttestationSig = sig
		if o.VerifyKey != nil {
			if err := verify(o.VerifyKey, sig, byName[entryVer], byName[entryKey], byName[entryMsg], byName[entryDef], byName[entryMap]); err != nil {
				return MetaData{}, fmt.Errorf("%w: attestation: %v", ErrCorruptMetadata, err)
			}
		}
	} else if o.VerifyKey != nil {
		return MetaData{}, fmt.Errorf("%w: missing %s blob", ErrCorruptMetadata, entrySig)
	}

	return md, nil
}

func readBlob(ctx context.Context, store gitobj.Store, byName map[string]gitobj.ID, name string) ([]byte, error) {
	id, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s blob", ErrCorruptMetadata, name)
	}
	_, data, err := store.ReadRaw(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCorruptMetadata, name, err)
	}
	return data, nil
}

// encryptWithPrefix encrypts sha1(payload) || payload, the shape used for
// msg, def and map (spec.md sec 4.3).
func encryptWithPrefix(key symcrypt.Key, payload []byte) ([]byte, error) {
	sum := sha1.Sum(payload)
	plain := append(sum[:], payload...)
	return symcrypt.Encrypt(key, plain)
}

func decryptWithPrefix(key symcrypt.Key, ciphertext []byte) ([]byte, error) {
	plain, err := symcrypt.Decrypt(key, ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plain) < sha1.Size {
		return nil, fmt.Errorf("%w: plaintext shorter than sha1 prefix", ErrCorruptMetadata)
	}
	sum, payload := plain[:sha1.Size], plain[sha1.Size:]
	want := sha1.Sum(payload)
	if !bytes.Equal(sum, want[:]) {
		return nil, fmt.Errorf("%w: sha1 prefix mismatch", ErrCorruptMetadata)
	}
	return payload, nil
}
