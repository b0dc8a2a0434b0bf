package inode

import (
	"testing"

	fserrors "github.com/dargueta/exfs2/errors"
	"github.com/dargueta/exfs2/internal/layout"
	"github.com/dargueta/exfs2/internal/segstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *Table {
	store := segstore.Open(t.TempDir())
	_, err := store.EnsureSegment(segstore.FamilyInode, 0)
	require.NoError(t, err)
	_, err = store.EnsureSegment(segstore.FamilyData, 0)
	require.NoError(t, err)
	return New(store)
}

func TestAllocInodeWritesZeroedRecord(t *testing.T) {
	tbl := newTestTable(t)
	n, err := tbl.AllocInode(layout.ModeRegularFile)
	require.NoError(t, err)
	assert.NotEqualValues(t, layout.RootInode, n)

	in, err := tbl.ReadInode(n)
	require.NoError(t, err)
	assert.Equal(t, layout.ModeRegularFile, in.Mode)
	assert.Zero(t, in.Size)
}

func TestBlockForOffsetDirectAllocatesLazily(t *testing.T) {
	tbl := newTestTable(t)
	n, err := tbl.AllocInode(layout.ModeRegularFile)
	require.NoError(t, err)

	b, err := tbl.BlockForOffset(n, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, b)

	b, err = tbl.BlockForOffset(n, 0, true)
	require.NoError(t, err)
	assert.NotZero(t, b)

	// Second call with allocate=false must find the same block now.
	again, err := tbl.BlockForOffset(n, 0, false)
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestBlockForOffsetCrossesIntoSingleIndirect(t *testing.T) {
	tbl := newTestTable(t)
	n, err := tbl.AllocInode(layout.ModeRegularFile)
	require.NoError(t, err)

	offset := uint64(layout.NDirect) * layout.BlockSize
	b, err := tbl.BlockForOffset(n, offset, true)
	require.NoError(t, err)
	assert.NotZero(t, b)

	in, err := tbl.ReadInode(n)
	require.NoError(t, err)
	assert.NotZero(t, in.SingleIndirect)
	for _, d := range in.Direct {
		assert.Zero(t, d)
	}
}

func TestBlockForOffsetCrossesIntoDoubleIndirect(t *testing.T) {
	tbl := newTestTable(t)
	n, err := tbl.AllocInode(layout.ModeRegularFile)
	require.NoError(t, err)

	offset := uint64(layout.MaxSingleIndirectOffset) * layout.BlockSize
	b, err := tbl.BlockForOffset(n, offset, true)
	require.NoError(t, err)
	assert.NotZero(t, b)

	in, err := tbl.ReadInode(n)
	require.NoError(t, err)
	assert.NotZero(t, in.DoubleIndirect)
}

func TestBlockForOffsetBeyondDoubleIndirectIsOutOfRange(t *testing.T) {
	tbl := newTestTable(t)
	n, err := tbl.AllocInode(layout.ModeRegularFile)
	require.NoError(t, err)

	offset := uint64(layout.MaxDoubleIndirectOffset) * layout.BlockSize
	_, err = tbl.BlockForOffset(n, offset, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, fserrors.ErrOutOfRange)
}

func TestBlockCountTreatsRootFirstBlockAsAllocated(t *testing.T) {
	tbl := newTestTable(t)

	count, err := tbl.BlockCount(layout.RootInode)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "root's direct[0] is the reserved sentinel 0, not an empty slot")
}

func TestBlockCountStopsAtFirstUnallocatedSlot(t *testing.T) {
	tbl := newTestTable(t)
	n, err := tbl.AllocInode(layout.ModeRegularFile)
	require.NoError(t, err)

	count, err := tbl.BlockCount(n)
	require.NoError(t, err)
	assert.Zero(t, count, "a fresh non-root inode has no allocated blocks")

	_, err = tbl.BlockForOffset(n, 0, true)
	require.NoError(t, err)
	count, err = tbl.BlockCount(n)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestFreeAllBlocksReclaimsDirectAndIndirect(t *testing.T) {
	tbl := newTestTable(t)
	n, err := tbl.AllocInode(layout.ModeRegularFile)
	require.NoError(t, err)

	_, err = tbl.BlockForOffset(n, 0, true)
	require.NoError(t, err)
	offset := uint64(layout.NDirect) * layout.BlockSize
	dataBlock, err := tbl.BlockForOffset(n, offset, true)
	require.NoError(t, err)

	require.NoError(t, tbl.FreeAllBlocks(n))

	ok, err := tbl.dataAlloc.IsAllocated(uint32(dataBlock))
	require.NoError(t, err)
	assert.False(t, ok)
}
