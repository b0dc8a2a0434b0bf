package block

import (
	"testing"

	"github.com/dargueta/exfs2/internal/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInodeEncodeParseRoundTrip(t *testing.T) {
	inode := Inode{
		Mode:           layout.ModeRegularFile,
		Size:           12345,
		SingleIndirect: 7,
		DoubleIndirect: 0,
	}
	inode.Direct[0] = 3
	inode.Direct[1] = 4
	inode.Direct[layout.NDirect-1] = 99

	buf := make([]byte, layout.BlockSize)
	require.NoError(t, inode.Encode(buf))

	got, err := ParseInode(buf)
	require.NoError(t, err)
	assert.Equal(t, inode, got)
}

func TestInodeEncodeRejectsWrongBufferSize(t *testing.T) {
	var inode Inode
	err := inode.Encode(make([]byte, 10))
	require.Error(t, err)
}

func TestIndirectBlockRoundTrip(t *testing.T) {
	var ib IndirectBlock
	ib.Entries[0] = 42
	ib.Entries[1023] = 7

	buf := make([]byte, layout.BlockSize)
	require.NoError(t, ib.Encode(buf))

	got, err := ParseIndirectBlock(buf)
	require.NoError(t, err)
	assert.Equal(t, ib, got)
}

func TestDirBlockRoundTrip(t *testing.T) {
	var db DirBlock
	db.Entries[0] = Dirent{InodeNum: 1, Name: "."}
	db.Entries[1] = Dirent{InodeNum: 1, Name: ".."}
	db.Entries[2] = Dirent{InodeNum: 5, Name: "hello.txt"}

	buf := make([]byte, layout.BlockSize)
	require.NoError(t, db.Encode(buf))

	got, err := ParseDirBlock(buf)
	require.NoError(t, err)
	assert.Equal(t, db, got)

	// Untouched slots remain tombstones.
	assert.EqualValues(t, 0, got.Entries[3].InodeNum)
}

func TestDirBlockEntriesPerBlockIsFifteen(t *testing.T) {
	assert.Equal(t, 15, layout.EntriesPerDirBlock)
}
