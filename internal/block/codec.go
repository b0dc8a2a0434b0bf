// Package block provides typed, validating views over a raw BlockSize
// buffer: the inode record, the indirect pointer table, and the directory
// entry array. This is the "narrow codec" redesign spec.md §9 calls for in
// place of the raw pointer reinterpretation dargueta-disko's unixv1 driver
// does with encoding/binary directly inline in driver code
// (drivers/unixv1/inode.go's RawInodeToInode/InodeToRawInode).
package block

import (
	"encoding/binary"

	fserrors "github.com/dargueta/exfs2/errors"
	"github.com/dargueta/exfs2/internal/layout"
)

// Inode is the decoded view of one inode record.
type Inode struct {
	Mode           layout.Mode
	Size           uint64
	Direct         [layout.NDirect]layout.BlockNum
	SingleIndirect layout.BlockNum
	DoubleIndirect layout.BlockNum
}

// ParseInode decodes buf (exactly layout.BlockSize bytes) into an Inode.
func ParseInode(buf []byte) (Inode, error) {
	if len(buf) != layout.BlockSize {
		return Inode{}, fserrors.ErrInvalidArgument.WithMessage("inode buffer must be BlockSize bytes")
	}

	var inode Inode
	inode.Mode = layout.Mode(binary.LittleEndian.Uint16(buf[0:2]))
	inode.Size = binary.LittleEndian.Uint64(buf[2:10])

	offset := 10
	for i := 0; i < layout.NDirect; i++ {
		inode.Direct[i] = layout.BlockNum(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		offset += 4
	}
	inode.SingleIndirect = layout.BlockNum(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	offset += 4
	inode.DoubleIndirect = layout.BlockNum(binary.LittleEndian.Uint32(buf[offset : offset+4]))

	return inode, nil
}

// Encode writes inode's fields into buf (exactly layout.BlockSize bytes),
// padding the remainder with zero bytes.
func (inode *Inode) Encode(buf []byte) error {
	if len(buf) != layout.BlockSize {
		return fserrors.ErrInvalidArgument.WithMessage("inode buffer must be BlockSize bytes")
	}

	for i := range buf {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint16(buf[0:2], uint16(inode.Mode))
	binary.LittleEndian.PutUint64(buf[2:10], inode.Size)

	offset := 10
	for i := 0; i < layout.NDirect; i++ {
		binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(inode.Direct[i]))
		offset += 4
	}
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(inode.SingleIndirect))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(inode.DoubleIndirect))

	return nil
}

// IndirectBlock is the decoded view of a block containing
// layout.IndirectEntries block-number pointers.
type IndirectBlock struct {
	Entries [layout.IndirectEntries]layout.BlockNum
}

// ParseIndirectBlock decodes buf into an IndirectBlock.
func ParseIndirectBlock(buf []byte) (IndirectBlock, error) {
	if len(buf) != layout.BlockSize {
		return IndirectBlock{}, fserrors.ErrInvalidArgument.WithMessage("indirect block buffer must be BlockSize bytes")
	}
	var ib IndirectBlock
	for i := 0; i < layout.IndirectEntries; i++ {
		ib.Entries[i] = layout.BlockNum(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return ib, nil
}

// Encode writes ib's pointer table into buf.
func (ib *IndirectBlock) Encode(buf []byte) error {
	if len(buf) != layout.BlockSize {
		return fserrors.ErrInvalidArgument.WithMessage("indirect block buffer must be BlockSize bytes")
	}
	for i := 0; i < layout.IndirectEntries; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(ib.Entries[i]))
	}
	return nil
}

// Dirent is one decoded directory entry. InodeNum == 0 means the slot is a
// free tombstone.
type Dirent struct {
	InodeNum layout.InodeNum
	Name     string
}

// DirBlock is the decoded view of a directory block: a dense array of
// layout.EntriesPerDirBlock fixed-size entries.
type DirBlock struct {
	Entries [layout.EntriesPerDirBlock]Dirent
}

// ParseDirBlock decodes buf into a DirBlock.
func ParseDirBlock(buf []byte) (DirBlock, error) {
	if len(buf) != layout.BlockSize {
		return DirBlock{}, fserrors.ErrInvalidArgument.WithMessage("directory block buffer must be BlockSize bytes")
	}

	var db DirBlock
	for i := 0; i < layout.EntriesPerDirBlock; i++ {
		start := i * layout.DirentSize
		inodeNum := binary.LittleEndian.Uint32(buf[start : start+4])
		nameField := buf[start+4 : start+layout.DirentSize]
		db.Entries[i] = Dirent{
			InodeNum: layout.InodeNum(inodeNum),
			Name:     nulTerminatedString(nameField),
		}
	}
	return db, nil
}

// Encode writes db's entries into buf.
func (db *DirBlock) Encode(buf []byte) error {
	if len(buf) != layout.BlockSize {
		return fserrors.ErrInvalidArgument.WithMessage("directory block buffer must be BlockSize bytes")
	}

	for i := 0; i < layout.EntriesPerDirBlock; i++ {
		start := i * layout.DirentSize
		entry := db.Entries[i]
		binary.LittleEndian.PutUint32(buf[start:start+4], uint32(entry.InodeNum))

		nameField := buf[start+4 : start+layout.DirentSize]
		for j := range nameField {
			nameField[j] = 0
		}
		copy(nameField, entry.Name)
	}
	return nil
}

func nulTerminatedString(field []byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}
