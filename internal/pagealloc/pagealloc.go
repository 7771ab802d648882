// Package pagealloc implements the page-granular physical allocator (C2):
// a bitmap over a fixed, statically reserved arena of PageSize frames.
//
// The arena is addressed by page number, not pointer (spec.md §9, "Page
// allocator as arena" — "index-based, not pointer-based ... cleanest
// ownership story when a slot hands its page back"), the way the
// teacher's physmem free list is indexed by page number rather than by
// address.
package pagealloc

import (
	"errors"
	"math/bits"
)

// PageSize is the fixed frame size, 4 KiB, per spec.md §2.
const PageSize = 4096

// ErrOutOfMemory is returned by Allocate when no frame is free.
var ErrOutOfMemory = errors.New("pagealloc: out of memory")

// ErrDoubleFree is returned by Release on a page that is already free.
// spec.md §4.1 treats double-free as a programming error that "may be
// detected via assertion but is not required to be safe"; we detect it
// and return an error rather than corrupting the bitmap.
var ErrDoubleFree = errors.New("pagealloc: double free")

// PageNumber indexes a frame within the arena, counting from 0 at
// HEAP_BASE. It is the unit of ownership a process slot holds (spec.md
// §3, "stack_page").
type PageNumber uint32

// Arena is a fixed-capacity, bitmap-backed pool of pages. It owns no
// backing memory itself in the hosted model — callers needing actual
// bytes use Backing to get a slice view of a page — but a real
// build-tagged backend over physical RAM would implement the same
// interface the same way.
type Arena struct {
	base    uintptr // HEAP_BASE: address of page 0
	npages  uint32
	free    []uint64 // bitmap; bit set == page is free
	backing []byte   // hosted-only: real bytes backing each page
	freeCnt uint32
}

// NewArena constructs an arena of npages frames starting at base, with
// every frame initially free. base is only used to compute addresses
// returned by Addr; the hosted model keeps the actual bytes in a Go
// slice rather than mapping real physical memory.
func NewArena(base uintptr, npages uint32) *Arena {
	words := (int(npages) + 63) / 64
	a := &Arena{
		base:    base,
		npages:  npages,
		free:    make([]uint64, words),
		backing: make([]byte, int(npages)*PageSize),
		freeCnt: npages,
	}
	for i := range a.free {
		a.free[i] = ^uint64(0)
	}
	// Clear any bits beyond npages in the final word.
	if rem := npages % 64; rem != 0 && len(a.free) > 0 {
		a.free[len(a.free)-1] = (uint64(1) << rem) - 1
	}
	return a
}

// Total returns the arena's total page capacity.
func (a *Arena) Total() uint32 { return a.npages }

// Free returns the number of currently unallocated pages.
func (a *Arena) Free() uint32 { return a.freeCnt }

// Allocate returns the lowest-numbered free page (first-fit, per spec.md
// §4.1: "allocation order is unspecified but deterministic ... first-fit
// is the expected choice"), zeroing it before returning it (spec.md §9:
// "if tests depend on zero-initialization, the allocator must zero
// explicitly").
func (a *Arena) Allocate() (PageNumber, error) {
	for wi, w := range a.free {
		if w == 0 {
			continue
		}
		bit := bits.TrailingZeros64(w)
		pn := PageNumber(wi*64 + bit)
		if uint32(pn) >= a.npages {
			continue
		}
		a.free[wi] &^= uint64(1) << uint(bit)
		a.freeCnt--
		a.zero(pn)
		return pn, nil
	}
	return 0, ErrOutOfMemory
}

// Release returns pn to the free pool.
func (a *Arena) Release(pn PageNumber) error {
	if uint32(pn) >= a.npages {
		panic("pagealloc: release of out-of-range page")
	}
	wi, bit := int(pn)/64, uint(int(pn)%64)
	if a.free[wi]&(uint64(1)<<bit) != 0 {
		return ErrDoubleFree
	}
	a.free[wi] |= uint64(1) << bit
	a.freeCnt++
	return nil
}

// Addr returns the simulated physical address of page pn.
func (a *Arena) Addr(pn PageNumber) uintptr {
	return a.base + uintptr(pn)*PageSize
}

// Backing returns a mutable view of page pn's bytes. Used by fork's
// byte-for-byte stack copy (spec.md §4.5).
func (a *Arena) Backing(pn PageNumber) []byte {
	off := int(pn) * PageSize
	return a.backing[off : off+PageSize]
}

func (a *Arena) zero(pn PageNumber) {
	buf := a.Backing(pn)
	for i := range buf {
		buf[i] = 0
	}
}
