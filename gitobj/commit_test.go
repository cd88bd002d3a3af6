package gitobj

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommitRoundTrip(t *testing.T) {
	tree := ID{1, 2, 3}
	p1 := ID{4, 5, 6}
	p2 := ID{7, 8, 9}
	body := []byte("author A <a@x> 0 +0000\ncommitter A <a@x> 0 +0000\n\nmsg\n")

	c := Commit{Tree: tree, Parents: []ID{p1, p2}, Body: body}
	raw := c.Serialize()

	got, err := ParseCommit(raw)
	require.NoError(t, err)
	assert.Equal(t, tree, got.Tree)
	assert.Equal(t, []ID{p1, p2}, got.Parents)
	assert.Equal(t, body, got.Body)
}

func TestParseCommitNoParents(t *testing.T) {
	c := Commit{Tree: ID{9}, Body: []byte("author x\n\nroot\n")}
	got, err := ParseCommit(c.Serialize())
	require.NoError(t, err)
	assert.Empty(t, got.Parents)
	assert.Equal(t, c.Body, got.Body)
}

func TestParseCommitMalformed(t *testing.T) {
	_, err := ParseCommit([]byte("not a commit"))
	require.Error(t, err)
}

func TestParseTagRoundTrip(t *testing.T) {
	target := ID{1, 1, 1}
	tag := Tag{Object: target, Type: KindCommit, Body: []byte("tag v1\ntagger A <a@x> 0 +0000\n\nrelease\n")}
	got, err := ParseTag(tag.Serialize())
	require.NoError(t, err)
	assert.Equal(t, target, got.Object)
	assert.Equal(t, KindCommit, got.Type)
	assert.Equal(t, tag.Body, got.Body)
}

func TestParseTreeEntries(t *testing.T) {
	b := NewTreeBuilder()
	blobID := ID{1}
	treeID := ID{2}
	b.AddNamed("100644", "file.txt", blobID)
	b.AddNamed("40000", "sub", treeID)

	var raw []byte
	for _, e := range b.Entries() {
		raw = append(raw, []byte(e.Mode+" "+e.Name)...)
		raw = append(raw, 0)
		raw = append(raw, e.ID[:]...)
	}

	entries, err := ParseTree(raw)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "file.txt", entries[0].Name)
	assert.Equal(t, KindBlob, entries[0].Kind)
	assert.Equal(t, "sub", entries[1].Name)
	assert.Equal(t, KindTree, entries[1].Kind)
}

func TestTreeBuilderNumberedOrderingSortsLast(t *testing.T) {
	b := NewTreeBuilder()
	for i := 0; i < 12; i++ {
		b.AddNumbered("100644", ID{byte(i)})
	}
	entries := b.Entries()
	require.Len(t, entries, 12)
	// zero padded names must sort in insertion order so the root (added
	// last) serializes as the last tree entry (spec.md invariant I2).
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Name, entries[i].Name)
	}
}
