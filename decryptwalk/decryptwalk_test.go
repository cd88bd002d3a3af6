package decryptwalk

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-incrypt/git-incrypt/encryptwalk"
	"github.com/git-incrypt/git-incrypt/gitobj"
	"github.com/git-incrypt/git-incrypt/objectmap"
	"github.com/git-incrypt/git-incrypt/symcrypt"
)

func testKey(t *testing.T) symcrypt.Key {
	t.Helper()
	raw := make([]byte, symcrypt.KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	k, err := symcrypt.NewKey(raw)
	require.NoError(t, err)
	return k
}

func seedEncryptedHistory(t *testing.T, ctx context.Context, key symcrypt.Key) (cr, er *gitobj.MemStore, clearTip gitobj.ID, wrapperTip gitobj.ID) {
	t.Helper()
	cr = gitobj.NewMemStore()
	er = gitobj.NewMemStore()
	template := []byte("author T <t@x> 0 +0000\ncommitter T <t@x> 0 +0000\n\ntemplate\n")

	blobID, err := cr.WriteBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	tb := gitobj.NewTreeBuilder()
	tb.AddNamed("100644", "a.txt", blobID)
	treeID, err := cr.WriteTree(ctx, tb)
	require.NoError(t, err)
	c1, err := cr.WriteCommit(ctx, treeID, nil, []byte("author A <a@x> 0 +0000\ncommitter A <a@x> 0 +0000\n\nmsg\n"))
	require.NoError(t, err)
	require.NoError(t, cr.UpdateRef(ctx, "refs/heads/master", c1, gitobj.ID{}))

	m := objectmap.New()
	ew := encryptwalk.New(cr, er, key, template, m)
	results, err := ew.EncryptPush(ctx, []encryptwalk.Tip{{CleartextRev: "refs/heads/master", DstRefname: "refs/heads/token"}})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	forward := m.Forward(ctx, er)
	return cr, er, c1, forward[c1]
}

func TestFetchRefsReconstructsCleartext(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	_, er, clearTip, wrapperTip := seedEncryptedHistory(t, ctx, key)

	freshCR := gitobj.NewMemStore()
	m := objectmap.New()
	dw := New(er, freshCR, key, m)

	results, err := dw.FetchRefs(ctx, []Ref{{ClearRefname: "refs/heads/master", WrapperTip: wrapperTip}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, clearTip, results[0].ClearTip)
	assert.True(t, freshCR.Exists(ctx, clearTip))
}

func TestFetchRefsIsIncremental(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	_, er, clearTip, wrapperTip := seedEncryptedHistory(t, ctx, key)

	freshCR := gitobj.NewMemStore()
	m := objectmap.New()
	dw := New(er, freshCR, key, m)

	_, err := dw.FetchRefs(ctx, []Ref{{ClearRefname: "refs/heads/master", WrapperTip: wrapperTip}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	// second fetch of the same tip must not add a duplicate map entry.
	results, err := dw.FetchRefs(ctx, []Ref{{ClearRefname: "refs/heads/master", WrapperTip: wrapperTip}})
	require.NoError(t, err)
	assert.Equal(t, clearTip, results[0].ClearTip)
	assert.Equal(t, 1, m.Len())
}
