// Package inode implements the inode table: reading and writing inode
// records, and the direct/single-indirect/double-indirect block mapping
// algorithm that turns a logical file offset into a physical data block
// number, allocating indirection structures lazily as spec.md §4.3
// describes. It plays the role of dargueta-disko/drivers/unixv1's
// InodeManager, generalized from that driver's flat 8-entry direct array to
// ExFS2's direct+single+double indirection scheme.
package inode

import (
	"github.com/dargueta/exfs2/internal/block"
	fserrors "github.com/dargueta/exfs2/errors"
	"github.com/dargueta/exfs2/internal/bitmap"
	"github.com/dargueta/exfs2/internal/layout"
	"github.com/dargueta/exfs2/internal/segstore"
	"github.com/sirupsen/logrus"
)

// Table owns the inode and data-block allocators and the underlying
// segstore.Store, and provides read/write/allocate operations over inode
// records and the data blocks they reach.
type Table struct {
	store      *segstore.Store
	inodeAlloc *bitmap.Allocator
	dataAlloc  *bitmap.Allocator
	log        *logrus.Entry
}

// New returns a Table backed by store.
func New(store *segstore.Store) *Table {
	return &Table{
		store:      store,
		inodeAlloc: bitmap.New(store, segstore.FamilyInode),
		dataAlloc:  bitmap.New(store, segstore.FamilyData),
		log:        logrus.WithField("component", "inode"),
	}
}

// ReadInode loads inode n's record from disk.
func (t *Table) ReadInode(n layout.InodeNum) (block.Inode, error) {
	seg, local := layout.SegmentAndLocal(uint32(n))
	buf := make([]byte, layout.BlockSize)
	if err := t.store.ReadBlock(segstore.FamilyInode, seg, local+1, buf); err != nil {
		return block.Inode{}, err
	}
	return block.ParseInode(buf)
}

// WriteInode flushes inode's record for n to disk.
func (t *Table) WriteInode(n layout.InodeNum, in block.Inode) error {
	seg, local := layout.SegmentAndLocal(uint32(n))
	buf := make([]byte, layout.BlockSize)
	if err := in.Encode(buf); err != nil {
		return err
	}
	return t.store.WriteBlock(segstore.FamilyInode, seg, local+1, buf)
}

// AllocInode flips the next free bit in the inode bitmap, writes a
// zero-initialized record of the given mode, and returns its number. On
// failure to write the record, the bit is rolled back.
func (t *Table) AllocInode(mode layout.Mode) (layout.InodeNum, error) {
	global, err := t.inodeAlloc.Alloc()
	if err != nil {
		return 0, err
	}
	n := layout.InodeNum(global)

	record := block.Inode{Mode: mode}
	if err := t.WriteInode(n, record); err != nil {
		if freeErr := t.inodeAlloc.Free(global); freeErr != nil {
			t.log.WithError(freeErr).Warn("rollback free failed")
		}
		return 0, err
	}
	return n, nil
}

// FreeInode releases inode n's bitmap bit. It does not touch its data
// blocks; callers must free those separately (see volume's recursive free).
func (t *Table) FreeInode(n layout.InodeNum) error {
	return t.inodeAlloc.Free(uint32(n))
}

// allocZeroedDataBlock flips a bit in the data bitmap and zero-initializes
// the block on disk before returning it, per spec.md §4.2's atomicity rule.
// On failure to zero-initialize, the bit is rolled back.
func (t *Table) allocZeroedDataBlock() (layout.BlockNum, error) {
	global, err := t.dataAlloc.Alloc()
	if err != nil {
		return 0, err
	}
	blockNum := layout.BlockNum(global)

	zero := make([]byte, layout.BlockSize)
	seg, local := layout.SegmentAndLocal(global)
	if err := t.store.WriteBlock(segstore.FamilyData, seg, local+1, zero); err != nil {
		if freeErr := t.dataAlloc.Free(global); freeErr != nil {
			t.log.WithError(freeErr).Warn("rollback free failed")
		}
		return 0, err
	}
	return blockNum, nil
}

// FreeDataBlock releases data block n's bitmap bit.
func (t *Table) FreeDataBlock(n layout.BlockNum) error {
	return t.dataAlloc.Free(uint32(n))
}

// ReadDataBlock reads the raw bytes of data block n into buf.
func (t *Table) ReadDataBlock(n layout.BlockNum, buf []byte) error {
	seg, local := layout.SegmentAndLocal(uint32(n))
	return t.store.ReadBlock(segstore.FamilyData, seg, local+1, buf)
}

// WriteDataBlock writes buf to data block n.
func (t *Table) WriteDataBlock(n layout.BlockNum, buf []byte) error {
	seg, local := layout.SegmentAndLocal(uint32(n))
	return t.store.WriteBlock(segstore.FamilyData, seg, local+1, buf)
}

func (t *Table) readIndirect(n layout.BlockNum) (block.IndirectBlock, error) {
	buf := make([]byte, layout.BlockSize)
	if err := t.ReadDataBlock(n, buf); err != nil {
		return block.IndirectBlock{}, err
	}
	return block.ParseIndirectBlock(buf)
}

func (t *Table) writeIndirect(n layout.BlockNum, ib block.IndirectBlock) error {
	buf := make([]byte, layout.BlockSize)
	if err := ib.Encode(buf); err != nil {
		return err
	}
	return t.WriteDataBlock(n, buf)
}

// BlockForOffset resolves the data block holding byteOffset within inode n's
// file, per spec.md §4.3: direct pointers, then a single level of
// indirection, then a second. If allocate is true and a pointer along the
// path is unset, the needed indirect blocks and the terminal data block are
// allocated and linked lazily; the containing structure (inode or indirect
// block) is flushed before the new block number is returned. If allocate is
// false and any pointer along the path is unset, it returns block number 0.
func (t *Table) BlockForOffset(n layout.InodeNum, byteOffset uint64, allocate bool) (layout.BlockNum, error) {
	in, err := t.ReadInode(n)
	if err != nil {
		return 0, err
	}

	logical := byteOffset / layout.BlockSize

	switch {
	case logical < layout.NDirect:
		return t.resolveDirect(n, &in, uint(logical), allocate)
	case logical < layout.MaxSingleIndirectOffset:
		return t.resolveSingleIndirect(n, &in, uint(logical-layout.NDirect), allocate)
	case logical < layout.MaxDoubleIndirectOffset:
		idx := uint(logical - layout.MaxSingleIndirectOffset)
		return t.resolveDoubleIndirect(n, &in, idx, allocate)
	default:
		return 0, fserrors.ErrOutOfRange.WithMessage("logical block beyond double indirection")
	}
}

func (t *Table) resolveDirect(n layout.InodeNum, in *block.Inode, idx uint, allocate bool) (layout.BlockNum, error) {
	if in.Direct[idx] != 0 {
		return in.Direct[idx], nil
	}

	// Data block 0 is permanently reserved for the root directory's first
	// block and is never handed out by the allocator, so root's direct[0]
	// stores the sentinel value 0 to mean "this is block 0", not "empty".
	// Bootstrap has already written its contents; every other inode's
	// direct[0] genuinely means unallocated.
	if n == layout.RootInode && idx == 0 {
		return layout.RootDataBlock, nil
	}

	if !allocate {
		return 0, nil
	}

	newBlock, err := t.allocZeroedDataBlock()
	if err != nil {
		return 0, err
	}

	in.Direct[idx] = newBlock
	if err := t.WriteInode(n, *in); err != nil {
		if freeErr := t.FreeDataBlock(newBlock); freeErr != nil {
			t.log.WithError(freeErr).Warn("rollback free failed")
		}
		in.Direct[idx] = 0
		return 0, err
	}
	return newBlock, nil
}

func (t *Table) resolveSingleIndirect(n layout.InodeNum, in *block.Inode, idx uint, allocate bool) (layout.BlockNum, error) {
	if in.SingleIndirect == 0 {
		if !allocate {
			return 0, nil
		}
		ibBlock, err := t.allocZeroedDataBlock()
		if err != nil {
			return 0, err
		}
		in.SingleIndirect = ibBlock
		if err := t.WriteInode(n, *in); err != nil {
			if freeErr := t.FreeDataBlock(ibBlock); freeErr != nil {
				t.log.WithError(freeErr).Warn("rollback free failed")
			}
			in.SingleIndirect = 0
			return 0, err
		}
	}

	ib, err := t.readIndirect(in.SingleIndirect)
	if err != nil {
		return 0, err
	}

	if ib.Entries[idx] != 0 {
		return ib.Entries[idx], nil
	}
	if !allocate {
		return 0, nil
	}

	dataBlock, err := t.allocZeroedDataBlock()
	if err != nil {
		return 0, err
	}

	ib.Entries[idx] = dataBlock
	if err := t.writeIndirect(in.SingleIndirect, ib); err != nil {
		if freeErr := t.FreeDataBlock(dataBlock); freeErr != nil {
			t.log.WithError(freeErr).Warn("rollback free failed")
		}
		return 0, err
	}
	return dataBlock, nil
}

func (t *Table) resolveDoubleIndirect(n layout.InodeNum, in *block.Inode, idx uint, allocate bool) (layout.BlockNum, error) {
	outerIdx := idx / layout.IndirectEntries
	innerIdx := idx % layout.IndirectEntries

	if in.DoubleIndirect == 0 {
		if !allocate {
			return 0, nil
		}
		outerBlock, err := t.allocZeroedDataBlock()
		if err != nil {
			return 0, err
		}
		in.DoubleIndirect = outerBlock
		if err := t.WriteInode(n, *in); err != nil {
			if freeErr := t.FreeDataBlock(outerBlock); freeErr != nil {
				t.log.WithError(freeErr).Warn("rollback free failed")
			}
			in.DoubleIndirect = 0
			return 0, err
		}
	}

	outer, err := t.readIndirect(in.DoubleIndirect)
	if err != nil {
		return 0, err
	}

	if outer.Entries[outerIdx] == 0 {
		if !allocate {
			return 0, nil
		}
		innerBlock, err := t.allocZeroedDataBlock()
		if err != nil {
			return 0, err
		}
		outer.Entries[outerIdx] = innerBlock
		if err := t.writeIndirect(in.DoubleIndirect, outer); err != nil {
			if freeErr := t.FreeDataBlock(innerBlock); freeErr != nil {
				t.log.WithError(freeErr).Warn("rollback free failed")
			}
			return 0, err
		}
	}

	inner, err := t.readIndirect(outer.Entries[outerIdx])
	if err != nil {
		return 0, err
	}

	if inner.Entries[innerIdx] != 0 {
		return inner.Entries[innerIdx], nil
	}
	if !allocate {
		return 0, nil
	}

	dataBlock, err := t.allocZeroedDataBlock()
	if err != nil {
		return 0, err
	}

	inner.Entries[innerIdx] = dataBlock
	if err := t.writeIndirect(outer.Entries[outerIdx], inner); err != nil {
		if freeErr := t.FreeDataBlock(dataBlock); freeErr != nil {
			t.log.WithError(freeErr).Warn("rollback free failed")
		}
		return 0, err
	}
	return dataBlock, nil
}

// ClearBlockPointer zeroes the pointer to the data block at logical index
// logicalBlockIdx within inode n, without freeing anything. It is used by
// directory block reclamation once the caller has already freed the data
// block itself, so the tree never ends up with a dangling pointer to a
// freed block.
func (t *Table) ClearBlockPointer(n layout.InodeNum, logicalBlockIdx uint64) error {
	in, err := t.ReadInode(n)
	if err != nil {
		return err
	}

	switch {
	case logicalBlockIdx < layout.NDirect:
		in.Direct[logicalBlockIdx] = 0
		return t.WriteInode(n, in)
	case logicalBlockIdx < layout.MaxSingleIndirectOffset:
		if in.SingleIndirect == 0 {
			return nil
		}
		idx := logicalBlockIdx - layout.NDirect
		ib, err := t.readIndirect(in.SingleIndirect)
		if err != nil {
			return err
		}
		ib.Entries[idx] = 0
		return t.writeIndirect(in.SingleIndirect, ib)
	case logicalBlockIdx < layout.MaxDoubleIndirectOffset:
		if in.DoubleIndirect == 0 {
			return nil
		}
		idx := logicalBlockIdx - layout.MaxSingleIndirectOffset
		outerIdx := idx / layout.IndirectEntries
		innerIdx := idx % layout.IndirectEntries

		outer, err := t.readIndirect(in.DoubleIndirect)
		if err != nil {
			return err
		}
		if outer.Entries[outerIdx] == 0 {
			return nil
		}
		inner, err := t.readIndirect(outer.Entries[outerIdx])
		if err != nil {
			return err
		}
		inner.Entries[innerIdx] = 0
		return t.writeIndirect(outer.Entries[outerIdx], inner)
	default:
		return fserrors.ErrOutOfRange.WithMessage("logical block beyond double indirection")
	}
}

// BlockCount returns the number of contiguously allocated logical blocks
// inode n has, walking direct then single- then double-indirect pointers
// until the first unallocated slot. This assumes n has no holes in its
// block sequence, which holds for directories (spec.md §4.4: directory
// blocks are always filled in order as the directory grows) but not for
// sparse regular files, so callers outside the directory layer should not
// rely on this for regular-file block accounting.
//
// Root's first direct pointer is the sentinel value 0 by design (data
// block 0 is reserved for it, see resolveDirect), so it counts as
// allocated without needing to be nonzero.
func (t *Table) BlockCount(n layout.InodeNum) (uint64, error) {
	in, err := t.ReadInode(n)
	if err != nil {
		return 0, err
	}

	var count uint64
	for i, b := range in.Direct {
		allocated := b != 0 || (n == layout.RootInode && i == 0)
		if !allocated {
			return count, nil
		}
		count++
	}

	if in.SingleIndirect == 0 {
		return count, nil
	}
	single, err := t.readIndirect(in.SingleIndirect)
	if err != nil {
		return count, err
	}
	for _, entry := range single.Entries {
		if entry == 0 {
			return count, nil
		}
		count++
	}

	if in.DoubleIndirect == 0 {
		return count, nil
	}
	outer, err := t.readIndirect(in.DoubleIndirect)
	if err != nil {
		return count, err
	}
	for _, outerEntry := range outer.Entries {
		if outerEntry == 0 {
			return count, nil
		}
		inner, err := t.readIndirect(outerEntry)
		if err != nil {
			return count, err
		}
		for _, innerEntry := range inner.Entries {
			if innerEntry == 0 {
				return count, nil
			}
			count++
		}
	}
	return count, nil
}

// FreeAllBlocks walks every data block, single-indirect, and
// double-indirect structure reachable from inode n and frees them all,
// along with the indirection blocks themselves. It does not free n itself.
func (t *Table) FreeAllBlocks(n layout.InodeNum) error {
	in, err := t.ReadInode(n)
	if err != nil {
		return err
	}

	for _, b := range in.Direct {
		if b != 0 {
			if err := t.FreeDataBlock(b); err != nil {
				return err
			}
		}
	}

	if in.SingleIndirect != 0 {
		if err := t.freeIndirectChain(in.SingleIndirect, 1); err != nil {
			return err
		}
	}
	if in.DoubleIndirect != 0 {
		if err := t.freeIndirectChain(in.DoubleIndirect, 2); err != nil {
			return err
		}
	}
	return nil
}

// freeIndirectChain frees every data block reachable through an indirection
// block of the given depth (1 = single, 2 = double), then the indirection
// block(s) themselves.
func (t *Table) freeIndirectChain(n layout.BlockNum, depth int) error {
	ib, err := t.readIndirect(n)
	if err != nil {
		return err
	}

	for _, entry := range ib.Entries {
		if entry == 0 {
			continue
		}
		if depth == 1 {
			if err := t.FreeDataBlock(entry); err != nil {
				return err
			}
		} else {
			if err := t.freeIndirectChain(entry, depth-1); err != nil {
				return err
			}
		}
	}
	return t.FreeDataBlock(n)
}
