package objectmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-incrypt/git-incrypt/gitobj"
)

// existsStore is a minimal gitobj.Store stub exposing only Exists, enough
// to test the staleness filtering in Forward/Reverse.
type existsStore struct {
	gitobj.Store
	present map[gitobj.ID]bool
}

func (s *existsStore) Exists(ctx context.Context, id gitobj.ID) bool {
	return s.present[id]
}

func TestParseRoundTrip(t *testing.T) {
	m := New()
	c1, w1 := gitobj.ID{1}, gitobj.ID{0x11}
	c2, w2 := gitobj.ID{2}, gitobj.ID{0x22}
	m.Add(c1, w1)
	m.Add(c2, w2)

	parsed, err := Parse(m.Records())
	require.NoError(t, err)
	assert.Equal(t, 2, parsed.Len())
	assert.Equal(t, m.Records(), parsed.Records())
}

func TestParseRejectsMalformedLength(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedRecords)
}

func TestForwardFiltersStaleEntries(t *testing.T) {
	m := New()
	live := gitobj.ID{0xAA}
	stale := gitobj.ID{0xBB}
	m.Add(gitobj.ID{1}, live)
	m.Add(gitobj.ID{2}, stale)

	store := &existsStore{present: map[gitobj.ID]bool{live: true}}
	forward := m.Forward(context.Background(), store)
	assert.Len(t, forward, 1)
	assert.Equal(t, live, forward[gitobj.ID{1}])
}

func TestReverseFiltersStaleEntries(t *testing.T) {
	m := New()
	live := gitobj.ID{0xAA}
	stale := gitobj.ID{0xBB}
	m.Add(live, gitobj.ID{0x11})
	m.Add(stale, gitobj.ID{0x22})

	store := &existsStore{present: map[gitobj.ID]bool{live: true}}
	reverse := m.Reverse(context.Background(), store)
	assert.Len(t, reverse, 1)
	assert.Equal(t, live, reverse[gitobj.ID{0x11}])
}

func TestEmptyMapRecordsIsEmpty(t *testing.T) {
	m := New()
	assert.Empty(t, m.Records())
}
