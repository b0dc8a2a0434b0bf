// Package segstore opens and maintains the family of fixed-size segment
// files that back a volume, and reads/writes single blocks at byte offset
// blockInSeg * layout.BlockSize within a segment. It plays the role
// dargueta-disko/drivers/common.BlockStream plays for a single block device,
// generalized to an open-ended family of same-sized segment files discovered
// or created on demand, with a bounded cache of open handles in place of the
// teacher's reopen-every-call approach (spec.md's §9 redesign note).
package segstore

import (
	"container/list"
	"fmt"
	"io"
	"os"
	"path/filepath"

	fserrors "github.com/dargueta/exfs2/errors"
	"github.com/dargueta/exfs2/internal/layout"
	"github.com/sirupsen/logrus"
)

// maxOpenHandles bounds the segment handle cache to avoid exhausting file
// descriptors on volumes with many segments, per spec.md §9.
const maxOpenHandles = 32

// Family names one of the two segment families a volume maintains.
type Family string

const (
	FamilyInode Family = "inodeseg"
	FamilyData  Family = "dataseg"
)

type cacheEntry struct {
	key  string
	file *os.File
}

// Store owns a directory on the host filesystem and lazily opens or creates
// the segment files within it, named "<family><index>" per
// original_source/segments.c's seg_name convention.
type Store struct {
	dir     string
	handles map[string]*list.Element
	lru     *list.List
	log     *logrus.Entry
}

// Open returns a Store rooted at dir. It does not touch the filesystem; files
// are opened or created lazily as blocks are read or written.
func Open(dir string) *Store {
	return &Store{
		dir:     dir,
		handles: make(map[string]*list.Element),
		lru:     list.New(),
		log:     logrus.WithField("component", "segstore"),
	}
}

func (s *Store) segmentPath(family Family, idx layout.SegmentIndex) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d", family, idx))
}

func (s *Store) cacheKey(family Family, idx layout.SegmentIndex) string {
	return fmt.Sprintf("%s/%d", family, idx)
}

// handle returns an open *os.File for the given segment, creating and
// zero-filling it to exactly layout.SegmentSize bytes first if it doesn't
// exist and createIfMissing is true. It evicts the least-recently-used
// handle if the cache is full.
func (s *Store) handle(family Family, idx layout.SegmentIndex, createIfMissing bool) (*os.File, error) {
	key := s.cacheKey(family, idx)
	if elem, ok := s.handles[key]; ok {
		s.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).file, nil
	}

	path := s.segmentPath(family, idx)
	_, statErr := os.Stat(path)
	exists := statErr == nil

	if !exists && !createIfMissing {
		return nil, fserrors.ErrNotFound.WithMessage(path)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fserrors.ErrIO.WrapError(err)
	}

	if !exists {
		s.log.WithFields(logrus.Fields{"family": family, "segment": idx}).Debug("creating segment")
		if err := zeroFill(file, layout.SegmentSize); err != nil {
			file.Close()
			os.Remove(path)
			return nil, fserrors.ErrIO.WrapError(err)
		}
	} else {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fserrors.ErrIO.WrapError(err)
		}
		if info.Size() != layout.SegmentSize {
			file.Close()
			return nil, fserrors.ErrCorruption.WithMessage(
				fmt.Sprintf("segment %s is %d bytes, expected %d", path, info.Size(), layout.SegmentSize))
		}
	}

	s.evictIfFull()

	entry := &cacheEntry{key: key, file: file}
	elem := s.lru.PushFront(entry)
	s.handles[key] = elem
	return file, nil
}

func (s *Store) evictIfFull() {
	if s.lru.Len() < maxOpenHandles {
		return
	}
	back := s.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	entry.file.Close()
	delete(s.handles, entry.key)
	s.lru.Remove(back)
}

func zeroFill(file *os.File, size int64) error {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	const chunkSize = 64 * 1024
	zeros := make([]byte, chunkSize)
	remaining := size
	for remaining > 0 {
		n := int64(chunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := file.Write(zeros[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// EnsureSegment makes sure segment idx of family exists (creating and
// zero-filling it if necessary) and reports whether it was just created.
func (s *Store) EnsureSegment(family Family, idx layout.SegmentIndex) (created bool, err error) {
	path := s.segmentPath(family, idx)
	_, statErr := os.Stat(path)
	created = statErr != nil
	_, err = s.handle(family, idx, true)
	return created, err
}

// SegmentExists reports whether segment idx of family has been created.
func (s *Store) SegmentExists(family Family, idx layout.SegmentIndex) bool {
	_, err := os.Stat(s.segmentPath(family, idx))
	return err == nil
}

// HighestSegment probes segment indices 0, 1, 2, ... of family and returns
// the last index that exists before the first missing one (found is false
// when segment 0 is missing). The bitmap allocator uses it to pick the index
// of the next segment to create, so no process-global counter is kept
// (spec.md §9's redesign note against process-global mutable counters).
func (s *Store) HighestSegment(family Family) (layout.SegmentIndex, bool) {
	var highest layout.SegmentIndex
	found := false
	for idx := layout.SegmentIndex(0); ; idx++ {
		if !s.SegmentExists(family, idx) {
			break
		}
		highest = idx
		found = true
	}
	return highest, found
}

// ReadBlock reads exactly one layout.BlockSize chunk at local index
// blockInSeg (0 = the bitmap block, 1..255 = item blocks) of segment idx
// into buf, which must be layout.BlockSize bytes long.
func (s *Store) ReadBlock(family Family, idx layout.SegmentIndex, blockInSeg uint, buf []byte) error {
	if len(buf) != layout.BlockSize {
		return fserrors.ErrInvalidArgument.WithMessage("buffer must be exactly BlockSize bytes")
	}

	file, err := s.handle(family, idx, false)
	if err != nil {
		return err
	}

	offset := int64(blockInSeg) * layout.BlockSize
	n, err := file.ReadAt(buf, offset)
	if err == io.EOF || n < len(buf) {
		if blockInSeg == 0 {
			return fserrors.ErrOutOfSpace.WithMessage("bitmap block truncated")
		}
		return fserrors.ErrCorruption.WithMessage("short read on item block")
	}
	if err != nil {
		return fserrors.ErrIO.WrapError(err)
	}
	return nil
}

// WriteBlock writes buf (exactly layout.BlockSize bytes) to local index
// blockInSeg of segment idx, creating the segment if it doesn't exist yet.
func (s *Store) WriteBlock(family Family, idx layout.SegmentIndex, blockInSeg uint, buf []byte) error {
	if len(buf) != layout.BlockSize {
		return fserrors.ErrInvalidArgument.WithMessage("buffer must be exactly BlockSize bytes")
	}

	file, err := s.handle(family, idx, true)
	if err != nil {
		return err
	}

	offset := int64(blockInSeg) * layout.BlockSize
	if _, err := file.WriteAt(buf, offset); err != nil {
		return fserrors.ErrIO.WrapError(err)
	}
	return nil
}

// Close releases every cached file handle. It does not delete any segment.
func (s *Store) Close() error {
	var firstErr error
	for _, elem := range s.handles {
		entry := elem.Value.(*cacheEntry)
		if err := entry.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.handles = make(map[string]*list.Element)
	s.lru.Init()
	return firstErr
}
