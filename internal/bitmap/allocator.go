// Package bitmap implements the per-segment free/used bitmap allocator for
// both inode and data-block families. It is grounded on
// dargueta-disko/drivers/common.Allocator, which wraps
// github.com/boljen/go-bitmap around a flat in-memory bitmap; this version
// generalizes that to bitmaps that live in the first block of each segment
// in a growing family and chains allocation across segments on demand.
package bitmap

import (
	"github.com/boljen/go-bitmap"
	fserrors "github.com/dargueta/exfs2/errors"
	"github.com/dargueta/exfs2/internal/layout"
	"github.com/dargueta/exfs2/internal/segstore"
	"github.com/sirupsen/logrus"
)

// Allocator hands out and reclaims item numbers (inode numbers or data block
// numbers, depending on family) from a segstore.Store.
type Allocator struct {
	store  *segstore.Store
	family segstore.Family
	log    *logrus.Entry
}

// New returns an Allocator operating over family within store.
func New(store *segstore.Store, family segstore.Family) *Allocator {
	return &Allocator{
		store:  store,
		family: family,
		log:    logrus.WithField("component", "bitmap").WithField("family", family),
	}
}

func (a *Allocator) readBitmap(seg layout.SegmentIndex) (bitmap.Bitmap, error) {
	buf := make([]byte, layout.BlockSize)
	if err := a.store.ReadBlock(a.family, seg, 0, buf); err != nil {
		return nil, err
	}
	return bitmap.Bitmap(buf), nil
}

func (a *Allocator) writeBitmap(seg layout.SegmentIndex, bm bitmap.Bitmap) error {
	return a.store.WriteBlock(a.family, seg, 0, []byte(bm))
}

// reserved reports whether local index 0 of segment 0 is the pinned
// reserved item (root inode for the inode family, root data block for the
// data family) which allocation must never return.
func (a *Allocator) reserved(seg layout.SegmentIndex, local uint) bool {
	return seg == 0 && local == 0
}

// Alloc scans segments in order, and within each segment scans bits 0..254
// for the first unset bit, skipping the reserved bit in segment 0. If no
// segment has a free item, it creates the next segment and returns its
// first (non-reserved) slot.
func (a *Allocator) Alloc() (uint32, error) {
	for seg := layout.SegmentIndex(0); ; seg++ {
		if !a.store.SegmentExists(a.family, seg) {
			break
		}

		bm, err := a.readBitmap(seg)
		if err != nil {
			return 0, err
		}

		for local := uint(0); local < layout.ItemsPerSegment; local++ {
			if a.reserved(seg, local) {
				continue
			}
			if !bm.Get(int(local)) {
				bm.Set(int(local), true)
				if err := a.writeBitmap(seg, bm); err != nil {
					return 0, err
				}
				global := layout.GlobalIndex(seg, local)
				a.log.WithField("item", global).Debug("allocated")
				return global, nil
			}
		}
	}

	// No existing segment had room: grow.
	nextSeg, found := a.store.HighestSegment(a.family)
	if found {
		nextSeg++
	} else {
		nextSeg = 0
	}

	if _, err := a.store.EnsureSegment(a.family, nextSeg); err != nil {
		return 0, fserrors.ErrOutOfSpace.WrapError(err)
	}

	bm, err := a.readBitmap(nextSeg)
	if err != nil {
		return 0, err
	}

	local := uint(0)
	if a.reserved(nextSeg, local) {
		local = 1
	}
	bm.Set(int(local), true)
	if err := a.writeBitmap(nextSeg, bm); err != nil {
		return 0, err
	}

	global := layout.GlobalIndex(nextSeg, local)
	a.log.WithField("item", global).WithField("segment", nextSeg).Info("grew segment family")
	return global, nil
}

// Free clears the bit for item. Freeing an already-free item logs a warning
// but is not fatal. Freeing a reserved item is a no-op with a warning.
func (a *Allocator) Free(item uint32) error {
	seg, local := layout.SegmentAndLocal(item)

	if a.reserved(seg, local) {
		a.log.WithField("item", item).Warn("refusing to free reserved item")
		return nil
	}

	if !a.store.SegmentExists(a.family, seg) {
		a.log.WithField("item", item).Warn("freeing item in nonexistent segment")
		return nil
	}

	bm, err := a.readBitmap(seg)
	if err != nil {
		return err
	}

	if !bm.Get(int(local)) {
		a.log.WithField("item", item).Warn("double free")
		return nil
	}

	bm.Set(int(local), false)
	return a.writeBitmap(seg, bm)
}

// IsAllocated reports whether item's bit is set.
func (a *Allocator) IsAllocated(item uint32) (bool, error) {
	seg, local := layout.SegmentAndLocal(item)
	if !a.store.SegmentExists(a.family, seg) {
		return false, nil
	}
	bm, err := a.readBitmap(seg)
	if err != nil {
		return false, err
	}
	return bm.Get(int(local)), nil
}
