package immemory

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDef(t *testing.T) Def {
	t.Helper()
	return Def{ElementCount: 2, LevelCount: 2, Format: 1, Width: 64, Height: 64, ElementBytes: 3 * os.Getpagesize()}
}

func TestReserveImageIdempotentForIdenticalDefinition(t *testing.T) {
	m := NewManager(nil)
	def := testDef(t)
	require.NoError(t, m.ReserveImage(1, def))
	require.NoError(t, m.ReserveImage(1, def))
}

func TestReserveImageConflictsOnDifferentShape(t *testing.T) {
	m := NewManager(nil)
	def := testDef(t)
	require.NoError(t, m.ReserveImage(1, def))

	other := def
	other.Width = 128
	require.Error(t, m.ReserveImage(1, other))
}

func TestWriteCommitsPagesOnDemand(t *testing.T) {
	m := NewManager(nil)
	def := testDef(t)
	require.NoError(t, m.ReserveImage(1, def))

	data := make([]byte, os.Getpagesize()+16)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := m.Write(1, 0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	buf, err := m.LockElement(1, 0)
	require.NoError(t, err)
	require.Equal(t, data, buf)
}

func TestMarkElementEndPostsLocation(t *testing.T) {
	m := NewManager(nil)
	def := testDef(t)
	require.NoError(t, m.ReserveImage(1, def))

	_, err := m.Write(1, 0, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, m.MarkElementEnd(1, 0))

	node, ok := m.Locations().Consume()
	require.True(t, ok)
	require.Equal(t, uint64(1), node.Item.ImageID)
	require.Equal(t, 0, node.Item.Element)
}

func TestLockUnlockRoundTrip(t *testing.T) {
	m := NewManager(nil)
	def := testDef(t)
	require.NoError(t, m.ReserveImage(1, def))
	_, err := m.Write(1, 0, []byte("hello"))
	require.NoError(t, err)

	_, err = m.LockElement(1, 0)
	require.NoError(t, err)

	decommitted, err := m.UnlockElement(1, 0)
	require.NoError(t, err)
	require.False(t, decommitted, "no pending evict: unlock alone must not decommit")
}

func TestEvictWaitsForLockToReachZero(t *testing.T) {
	m := NewManager(nil)
	def := testDef(t)
	require.NoError(t, m.ReserveImage(1, def))
	_, err := m.Write(1, 0, []byte("hello"))
	require.NoError(t, err)

	_, err = m.LockElement(1, 0)
	require.NoError(t, err)

	decommitted, err := m.EvictElement(1, 0)
	require.NoError(t, err)
	require.False(t, decommitted, "still locked: evict must defer")

	decommitted, err = m.UnlockElement(1, 0)
	require.NoError(t, err)
	require.True(t, decommitted, "lock count hit zero with EVICT pending: must decommit now")
}

func TestDropImageForceReleasesRegardlessOfLocks(t *testing.T) {
	m := NewManager(nil)
	def := testDef(t)
	require.NoError(t, m.ReserveImage(1, def))
	_, err := m.LockElement(1, 0)
	require.NoError(t, err)

	dropped, err := m.DropImage(1, true)
	require.NoError(t, err)
	require.True(t, dropped)

	_, err = m.image(1)
	require.Error(t, err)
}

func TestDropImageWithoutForceWaitsForUnlock(t *testing.T) {
	m := NewManager(nil)
	def := testDef(t)
	require.NoError(t, m.ReserveImage(1, def))
	_, err := m.LockElement(1, 0)
	require.NoError(t, err)

	dropped, err := m.DropImage(1, false)
	require.NoError(t, err)
	require.False(t, dropped, "element 0 still locked")

	dropped, err = m.DropImage(1, false)
	require.NoError(t, err)
	require.False(t, dropped, "still not dropped: element 0 lock has not been released yet")

	_, err = m.UnlockElement(1, 0)
	require.NoError(t, err)

	dropped, err = m.DropImage(1, false)
	require.NoError(t, err)
	require.True(t, dropped, "all elements now unlocked and decommitted")
}

func TestBytesUsedNeverExceedsBytesCommitted(t *testing.T) {
	m := NewManager(nil)
	def := testDef(t)
	require.NoError(t, m.ReserveImage(1, def))

	img, err := m.image(1)
	require.NoError(t, err)
	e := img.elements[0]

	_, err = m.Write(1, 0, make([]byte, 10))
	require.NoError(t, err)
	require.LessOrEqual(t, e.bytesUsed, e.bytesCommitted)
	require.LessOrEqual(t, e.bytesCommitted, len(e.mem))
}
