// Package volume implements the file operations CLI commands drive — Add,
// Extract, Remove, List, Debug — plus the volume bootstrap that detects a
// first run and lays down segment 0 and the root directory. It collapses
// dargueta-disko's ObjectHandle/DriverImplementation split into free
// functions over a single *Volume, since ExFS2 has no open-file-handle
// model: every CLI invocation runs one operation to completion (spec.md
// §1, §5).
package volume

import (
	"fmt"
	"io"
	"strings"

	fserrors "github.com/dargueta/exfs2/errors"
	"github.com/dargueta/exfs2/internal/dir"
	"github.com/dargueta/exfs2/internal/inode"
	"github.com/dargueta/exfs2/internal/layout"
	"github.com/dargueta/exfs2/internal/respath"
	"github.com/dargueta/exfs2/internal/segstore"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Volume ties together the segment store, inode table, and path resolver
// for one on-disk ExFS2 store rooted at a host directory.
type Volume struct {
	store    *segstore.Store
	table    *inode.Table
	resolver *respath.Resolver
	log      *logrus.Entry
}

// Open returns a Volume rooted at dir, bootstrapping it (creating segment 0
// and the root directory) if this is the first run. Running Open against an
// already-initialized store is a no-op (spec.md §4.7, §8's idempotent
// bootstrap property).
func Open(dir string) (*Volume, error) {
	store := segstore.Open(dir)
	table := inode.New(store)

	v := &Volume{
		store:    store,
		table:    table,
		resolver: respath.New(table, layout.RootInode),
		log:      logrus.WithField("component", "volume"),
	}

	if err := v.bootstrap(); err != nil {
		return nil, err
	}
	return v, nil
}

// bootstrap implements spec.md §4.7: if inode segment 0 or data segment 0 is
// missing, create both, pin the reserved bits, and write the root inode and
// its "."/".." block. Otherwise it trusts existing state and does nothing.
func (v *Volume) bootstrap() error {
	inodeSegExists := v.store.SegmentExists(segstore.FamilyInode, 0)
	dataSegExists := v.store.SegmentExists(segstore.FamilyData, 0)

	if inodeSegExists && dataSegExists {
		v.log.Debug("existing volume detected, skipping bootstrap")
		return nil
	}

	v.log.Info("bootstrapping new volume")

	if _, err := v.store.EnsureSegment(segstore.FamilyInode, 0); err != nil {
		return err
	}
	if _, err := v.store.EnsureSegment(segstore.FamilyData, 0); err != nil {
		return err
	}

	// Segment 0's bitmap blocks are zero-filled by EnsureSegment; pin the
	// reserved bits (root inode, root's first data block) before writing
	// the root inode record and its directory block.
	if err := v.pinRootBits(); err != nil {
		return err
	}

	return dir.InitEmpty(v.table, layout.RootInode, layout.RootInode)
}

// pinRootBits marks inode 0 and data block 0 allocated in their segment-0
// bitmaps without going through the normal allocator scan, since those bits
// are reserved rather than first-fit assigned.
func (v *Volume) pinRootBits() error {
	buf := make([]byte, layout.BlockSize)
	if err := v.store.ReadBlock(segstore.FamilyInode, 0, 0, buf); err != nil {
		return err
	}
	buf[0] |= 1
	if err := v.store.WriteBlock(segstore.FamilyInode, 0, 0, buf); err != nil {
		return err
	}

	buf = make([]byte, layout.BlockSize)
	if err := v.store.ReadBlock(segstore.FamilyData, 0, 0, buf); err != nil {
		return err
	}
	buf[0] |= 1
	return v.store.WriteBlock(segstore.FamilyData, 0, 0, buf)
}

// Close releases the volume's open segment handles.
func (v *Volume) Close() error {
	return v.store.Close()
}

// Add imports the bytes read from src into targetPath, creating missing
// parent directories. It fails if targetPath already exists (spec.md §4.6).
func (v *Volume) Add(targetPath string, src io.Reader) error {
	parent, name, err := v.resolver.ResolveParent(targetPath, true)
	if err != nil {
		return err
	}
	if name == "/" {
		return fserrors.ErrInvalidArgument.WithMessage("cannot add to the root path")
	}

	parentDir := dir.New(v.table, parent)
	if _, err := parentDir.Find(name); err == nil {
		return fserrors.ErrAlreadyExists.WithMessage(targetPath)
	}

	newInode, err := v.table.AllocInode(layout.ModeRegularFile)
	if err != nil {
		return err
	}

	if err := v.writeFileContents(newInode, src); err != nil {
		v.recursiveFreeBestEffort(newInode)
		return err
	}

	if err := parentDir.Insert(name, newInode); err != nil {
		v.recursiveFreeBestEffort(newInode)
		return err
	}

	return nil
}

func (v *Volume) writeFileContents(n layout.InodeNum, src io.Reader) error {
	buf := make([]byte, layout.BlockSize)
	var size uint64

	for {
		nRead, readErr := io.ReadFull(src, buf)
		if nRead > 0 {
			if nRead < len(buf) {
				for i := nRead; i < len(buf); i++ {
					buf[i] = 0
				}
			}

			blockNum, err := v.table.BlockForOffset(n, size, true)
			if err != nil {
				return err
			}
			if err := v.table.WriteDataBlock(blockNum, buf); err != nil {
				return err
			}
			size += uint64(nRead)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fserrors.ErrIO.WrapError(readErr)
		}
	}

	in, err := v.table.ReadInode(n)
	if err != nil {
		return err
	}
	in.Size = size
	return v.table.WriteInode(n, in)
}

// Extract streams targetPath's bytes to dst. targetPath must name a regular
// file.
func (v *Volume) Extract(targetPath string, dst io.Writer) error {
	n, err := v.resolver.Resolve(targetPath, false)
	if err != nil {
		return err
	}

	in, err := v.table.ReadInode(n)
	if err != nil {
		return err
	}
	if in.Mode != layout.ModeRegularFile {
		return fserrors.ErrIsADirectory.WithMessage(targetPath)
	}

	buf := make([]byte, layout.BlockSize)
	var offset uint64
	for offset < in.Size {
		remaining := in.Size - offset
		chunk := uint64(layout.BlockSize)
		if remaining < chunk {
			chunk = remaining
		}

		blockNum, err := v.table.BlockForOffset(n, offset, false)
		if err != nil {
			return err
		}
		if blockNum == 0 {
			return fserrors.ErrCorruption.WithMessage("null data block before EOF")
		}

		if err := v.table.ReadDataBlock(blockNum, buf); err != nil {
			return err
		}
		if _, err := dst.Write(buf[:chunk]); err != nil {
			return fserrors.ErrIO.WrapError(err)
		}
		offset += chunk
	}
	return nil
}

// Remove recursively deletes targetPath. It refuses to remove "/", ".", or
// "..".
func (v *Volume) Remove(targetPath string) error {
	components, err := respath.Split(targetPath)
	if err != nil {
		return err
	}
	if len(components) == 0 {
		return fserrors.ErrInvalidArgument.WithMessage("refusing to remove /")
	}
	last := components[len(components)-1]
	if last == "." || last == ".." {
		return fserrors.ErrInvalidArgument.WithMessage("refusing to remove . or ..")
	}

	parent, name, err := v.resolver.ResolveParent(targetPath, false)
	if err != nil {
		return err
	}

	parentDir := dir.New(v.table, parent)
	target, err := parentDir.Find(name)
	if err != nil {
		return err
	}

	if err := parentDir.Remove(name); err != nil {
		return err
	}

	return v.recursiveFree(target)
}

// recursiveFree releases a subtree's data blocks, indirect blocks, and
// inodes back to the allocator, per spec.md §4.6. Directory children are
// recursed into (skipping "." and ".."); failures in independent children
// are aggregated rather than aborting the whole walk, since spec.md §7 says
// Remove proceeds best-effort once the tree has already been edited.
func (v *Volume) recursiveFree(n layout.InodeNum) error {
	in, err := v.table.ReadInode(n)
	if err != nil {
		return err
	}

	var errs *multierror.Error

	if in.Mode == layout.ModeDirectory {
		d := dir.New(v.table, n)
		entries, err := d.Enumerate()
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, entry := range entries {
			if entry.Name == "." || entry.Name == ".." {
				continue
			}
			if err := v.recursiveFree(entry.InodeNum); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if err := v.table.FreeAllBlocks(n); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := v.table.FreeInode(n); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// recursiveFreeBestEffort is used to roll back a half-built inode inside
// Add; failures here are logged but not propagated, since the caller is
// already returning the original error.
func (v *Volume) recursiveFreeBestEffort(n layout.InodeNum) {
	if err := v.recursiveFree(n); err != nil {
		v.log.WithError(err).WithField("inode", n).Warn("rollback free encountered errors")
	}
}

// List recursively walks targetPath depth-first and returns the lines it
// prints to stdout: a header naming the resolved path, followed by one
// indented line per descendant (directory suffix "/", depth controlling
// indentation), skipping "." and "..". An empty directory's listing is just
// its header line (spec.md §8 scenario 1: listing an empty root prints
// exactly "/").
func (v *Volume) List(targetPath string) ([]string, error) {
	n, err := v.resolver.Resolve(targetPath, false)
	if err != nil {
		return nil, err
	}

	in, err := v.table.ReadInode(n)
	if err != nil {
		return nil, err
	}
	if in.Mode != layout.ModeDirectory {
		return nil, fserrors.ErrNotADirectory.WithMessage(targetPath)
	}

	components, err := respath.Split(targetPath)
	if err != nil {
		return nil, err
	}
	header := "/"
	if len(components) > 0 {
		header = "/" + strings.Join(components, "/")
	}

	lines := []string{header}
	if err := v.listRecursive(n, 1, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func (v *Volume) listRecursive(n layout.InodeNum, depth int, out *[]string) error {
	d := dir.New(v.table, n)
	entries, err := d.Enumerate()
	if err != nil {
		return err
	}

	indent := strings.Repeat("  ", depth-1)
	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}

		childInode, err := v.table.ReadInode(entry.InodeNum)
		if err != nil {
			return err
		}

		line := indent + entry.Name
		if childInode.Mode == layout.ModeDirectory {
			line += "/"
		}
		*out = append(*out, line)

		if childInode.Mode == layout.ModeDirectory {
			if err := v.listRecursive(entry.InodeNum, depth+1, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// DebugStep is one line of a path-walk trace, as printed by Debug.
type DebugStep struct {
	Component string
	Inode     layout.InodeNum
	Mode      layout.Mode
	Size      uint64
}

// Debug walks targetPath component by component, reporting each
// intermediate inode's mode, size, and the fact that it was reached, for
// the --debug CLI command (spec.md §4.6, §6.2).
func (v *Volume) Debug(targetPath string) ([]DebugStep, error) {
	components, err := respath.Split(targetPath)
	if err != nil {
		return nil, err
	}

	rootInode, err := v.table.ReadInode(layout.RootInode)
	if err != nil {
		return nil, err
	}
	steps := []DebugStep{{Component: "/", Inode: layout.RootInode, Mode: rootInode.Mode, Size: rootInode.Size}}

	current := layout.RootInode
	for _, name := range components {
		currentRecord, err := v.table.ReadInode(current)
		if err != nil {
			return nil, err
		}
		if currentRecord.Mode != layout.ModeDirectory {
			return nil, fserrors.ErrNotADirectory.WithMessage(name)
		}

		next, err := dir.New(v.table, current).Find(name)
		if err != nil {
			return nil, err
		}
		nextRecord, err := v.table.ReadInode(next)
		if err != nil {
			return nil, err
		}

		steps = append(steps, DebugStep{Component: name, Inode: next, Mode: nextRecord.Mode, Size: nextRecord.Size})
		current = next
	}
	return steps, nil
}

// FormatDebugStep renders one DebugStep the way the --debug CLI command
// prints it to stdout.
func FormatDebugStep(step DebugStep) string {
	kind := "file"
	if step.Mode == layout.ModeDirectory {
		kind = "dir"
	}
	return fmt.Sprintf("%-20s inode=%-6d mode=%-5s size=%d", step.Component, step.Inode, kind, step.Size)
}
