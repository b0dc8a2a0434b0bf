// Package dir implements directory contents: inserting, finding, removing,
// and enumerating entries within the data blocks reachable from a directory
// inode. It is grounded on dargueta-disko/drivers/unixv1's directory entry
// handling (dirents.go) and spec.md §4.4.
package dir

import (
	fserrors "github.com/dargueta/exfs2/errors"
	"github.com/dargueta/exfs2/internal/block"
	"github.com/dargueta/exfs2/internal/inode"
	"github.com/dargueta/exfs2/internal/layout"
)

// Dir operates on a single directory inode's entries.
type Dir struct {
	table *inode.Table
	self  layout.InodeNum
}

// New returns a Dir view over directory inode self.
func New(table *inode.Table, self layout.InodeNum) *Dir {
	return &Dir{table: table, self: self}
}

// numBlocks returns how many directory blocks this directory currently has
// allocated. This is derived from the inode's own block pointers
// (inode.Table.BlockCount), not from its size: size tracks live entries and
// is decremented on Remove, so a tombstone left in a non-final block would
// make a size-derived count undershoot the true number of allocated
// blocks and hide any entries in blocks beyond it.
func (d *Dir) numBlocks() (uint64, error) {
	count, err := d.table.BlockCount(d.self)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 1, nil
	}
	return count, nil
}

// forEachBlock visits each allocated directory block in discovery order
// (direct blocks, then indirection), calling fn with its block number and
// decoded contents. If fn returns true, iteration stops early.
func (d *Dir) forEachBlock(fn func(blockIdx uint64, blockNum layout.BlockNum, db block.DirBlock) (stop bool, err error)) error {
	total, err := d.numBlocks()
	if err != nil {
		return err
	}
	for i := uint64(0); i < total; i++ {
		offset := i * layout.BlockSize
		blockNum, err := d.table.BlockForOffset(d.self, offset, false)
		if err != nil {
			return err
		}
		// Data block 0 is reserved for the root directory's first block
		// (see inode.Table.BlockCount), so a 0 there is root's real block,
		// not a hole. Everywhere else a directory never has holes within
		// its allocated range, so 0 means a missing block.
		if blockNum == 0 && !(d.self == layout.RootInode && i == 0) {
			return fserrors.ErrCorruption.WithMessage("missing directory block")
		}

		buf := make([]byte, layout.BlockSize)
		if err := d.table.ReadDataBlock(blockNum, buf); err != nil {
			return err
		}
		db, err := block.ParseDirBlock(buf)
		if err != nil {
			return err
		}

		stop, err := fn(i, blockNum, db)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// Find returns the inode number bound to name, or ErrNotFound.
func (d *Dir) Find(name string) (layout.InodeNum, error) {
	var found layout.InodeNum
	hasFound := false

	err := d.forEachBlock(func(_ uint64, _ layout.BlockNum, db block.DirBlock) (bool, error) {
		for _, entry := range db.Entries {
			if entry.InodeNum != 0 && entry.Name == name {
				found = entry.InodeNum
				hasFound = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	if !hasFound {
		return 0, fserrors.ErrNotFound.WithMessage(name)
	}
	return found, nil
}

// Insert binds name to inodeNum in this directory. The caller must have
// already verified name isn't already bound (spec.md §4.4's precondition).
func (d *Dir) Insert(name string, inodeNum layout.InodeNum) error {
	if len(name) == 0 || len(name) > layout.MaxFilenameLen {
		return fserrors.ErrInvalidArgument.WithMessage("name length out of range: " + name)
	}

	var slotBlockNum layout.BlockNum
	var slotBlock block.DirBlock
	var slotIndex int
	foundSlot := false

	err := d.forEachBlock(func(_ uint64, blockNum layout.BlockNum, db block.DirBlock) (bool, error) {
		for i, entry := range db.Entries {
			if entry.InodeNum == 0 {
				slotBlockNum = blockNum
				slotBlock = db
				slotIndex = i
				foundSlot = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	if !foundSlot {
		// No free slot in any existing block: grow the directory by one
		// block.
		blocks, err := d.numBlocks()
		if err != nil {
			return err
		}
		newOffset := blocks * layout.BlockSize
		newBlockNum, err := d.table.BlockForOffset(d.self, newOffset, true)
		if err != nil {
			return err
		}

		slotBlockNum = newBlockNum
		slotBlock = block.DirBlock{}
		slotIndex = 0
	}

	slotBlock.Entries[slotIndex] = block.Dirent{InodeNum: inodeNum, Name: name}

	buf := make([]byte, layout.BlockSize)
	if err := slotBlock.Encode(buf); err != nil {
		return err
	}
	if err := d.table.WriteDataBlock(slotBlockNum, buf); err != nil {
		return err
	}

	in, err := d.table.ReadInode(d.self)
	if err != nil {
		return err
	}
	in.Size += layout.DirentSize
	return d.table.WriteInode(d.self, in)
}

// Remove tombstones name's entry. If the enclosing block is the directory's
// last block and every slot in it is now a tombstone, the block is freed
// (spec.md §4.4's optional last-block reclamation, resolved as "implemented,
// last block only" in SPEC_FULL.md §9).
func (d *Dir) Remove(name string) error {
	var targetBlockIdx uint64
	var targetBlockNum layout.BlockNum
	var targetBlock block.DirBlock
	found := false

	err := d.forEachBlock(func(idx uint64, blockNum layout.BlockNum, db block.DirBlock) (bool, error) {
		for i, entry := range db.Entries {
			if entry.InodeNum != 0 && entry.Name == name {
				db.Entries[i] = block.Dirent{}
				targetBlockIdx = idx
				targetBlockNum = blockNum
				targetBlock = db
				found = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fserrors.ErrNotFound.WithMessage(name)
	}

	buf := make([]byte, layout.BlockSize)
	if err := targetBlock.Encode(buf); err != nil {
		return err
	}
	if err := d.table.WriteDataBlock(targetBlockNum, buf); err != nil {
		return err
	}

	in, err := d.table.ReadInode(d.self)
	if err != nil {
		return err
	}
	in.Size -= layout.DirentSize

	totalBlocks, err := d.numBlocks()
	if err != nil {
		return err
	}
	isLastBlock := targetBlockIdx == totalBlocks-1
	isEmpty := allTombstones(targetBlock)

	if isLastBlock && isEmpty && targetBlockIdx > 0 {
		if err := d.table.FreeDataBlock(targetBlockNum); err != nil {
			return err
		}
		if err := d.table.ClearBlockPointer(d.self, targetBlockIdx); err != nil {
			return err
		}
		// ClearBlockPointer already flushed the inode record (with the old
		// size); re-read so our in-memory copy's pointer fields match disk
		// before we write the updated size below.
		refreshed, err := d.table.ReadInode(d.self)
		if err != nil {
			return err
		}
		refreshed.Size = in.Size
		in = refreshed
	}

	return d.table.WriteInode(d.self, in)
}

func allTombstones(db block.DirBlock) bool {
	for _, e := range db.Entries {
		if e.InodeNum != 0 {
			return false
		}
	}
	return true
}

// Enumerate yields every live (non-tombstone) entry across all of the
// directory's blocks, in discovery order.
func (d *Dir) Enumerate() ([]block.Dirent, error) {
	var entries []block.Dirent
	err := d.forEachBlock(func(_ uint64, _ layout.BlockNum, db block.DirBlock) (bool, error) {
		for _, entry := range db.Entries {
			if entry.InodeNum != 0 {
				entries = append(entries, entry)
			}
		}
		return false, nil
	})
	return entries, err
}

// InitEmpty writes the first directory block for a brand-new directory
// inode self, containing "." -> self and ".." -> parent, and sets self's
// size accordingly. This mirrors the root directory bootstrap contract of
// spec.md §4.7 for every directory, not just root.
func InitEmpty(table *inode.Table, self, parent layout.InodeNum) error {
	firstBlock, err := table.BlockForOffset(self, 0, true)
	if err != nil {
		return err
	}

	var db block.DirBlock
	db.Entries[0] = block.Dirent{InodeNum: self, Name: "."}
	db.Entries[1] = block.Dirent{InodeNum: parent, Name: ".."}

	buf := make([]byte, layout.BlockSize)
	if err := db.Encode(buf); err != nil {
		return err
	}
	if err := table.WriteDataBlock(firstBlock, buf); err != nil {
		return err
	}

	in, err := table.ReadInode(self)
	if err != nil {
		return err
	}
	in.Mode = layout.ModeDirectory
	in.Size = 2 * layout.DirentSize
	return table.WriteInode(self, in)
}
