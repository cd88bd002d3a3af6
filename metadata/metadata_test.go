package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-incrypt/git-incrypt/gitobj"
	"github.com/git-incrypt/git-incrypt/keytool"
	"github.com/git-incrypt/git-incrypt/objectmap"
)

// identityKeyTool returns a key tool backed by a shell script that ignores
// its arguments and copies stdin to stdout (plain `cat` rejects the -q/-r
// flags keytool passes).
func identityKeyTool(t *testing.T) *keytool.Tool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity-keytool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755))
	return keytool.New(path, nil)
}

func TestInitWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := gitobj.NewMemStore()
	tool := identityKeyTool(t) // identity wrap/unwrap for the test

	md, err := Init(ctx, tool, []string{"alice"}, []byte("author A <a@x> 0 +0000\ncommitter A <a@x> 0 +0000\n\ninit\n"), "refs/heads/master")
	require.NoError(t, err)

	om := objectmap.New()
	om.Add(gitobj.ID{1}, gitobj.ID{0x11})

	require.NoError(t, Write(ctx, store, md, om))

	got, err := Read(ctx, store, tool)
	require.NoError(t, err)
	assert.Equal(t, md.Key, got.Key)
	assert.Equal(t, md.Template, got.Template)
	assert.Equal(t, md.DefaultBranch, got.DefaultBranch)

	parsed, err := objectmap.Parse(got.Records)
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.Len())
}

func TestReadRejectsBadVersion(t *testing.T) {
	ctx := context.Background()
	store := gitobj.NewMemStore()
	tool := identityKeyTool(t)

	md, err := Init(ctx, tool, []string{"alice"}, []byte("x\n"), "refs/heads/master")
	require.NoError(t, err)
	require.NoError(t, Write(ctx, store, md, objectmap.New()))

	// Corrupt the ver blob by writing a new metadata commit with a bad
	// version string directly.
	b := gitobj.NewTreeBuilder()
	badVer, err := store.WriteBlob(ctx, []byte("not-the-right-version\n"))
	require.NoError(t, err)
	b.AddNamed("100644", "ver", badVer)
	keyID, _ := store.WriteBlob(ctx, md.WrappedKey)
	b.AddNamed("100644", "key", keyID)
	msgID, _ := store.WriteBlob(ctx, []byte("irrelevant"))
	b.AddNamed("100644", "msg", msgID)
	defID, _ := store.WriteBlob(ctx, []byte("irrelevant"))
	b.AddNamed("100644", "def", defID)
	mapID, _ := store.WriteBlob(ctx, []byte("irrelevant"))
	b.AddNamed("100644", "map", mapID)
	readmeID, _ := store.WriteBlob(ctx, []byte("readme"))
	b.AddNamed("100644", "README.md", readmeID)
	treeID, err := store.WriteTree(ctx, b)
	require.NoError(t, err)
	commitID, err := store.WriteCommit(ctx, treeID, nil, []byte("x\n"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateRef(ctx, Ref, commitID, gitobj.ID{}))

	_, err = Read(ctx, store, tool)
	assert.ErrorIs(t, err, ErrCorruptMetadata)
}
