// Package ram implements the guest physical memory subsystem: a
// lazily-populated host buffer, a copy-on-write breakpoint overlay, and
// dirty-page tracking. Grounded on internal/vm/uffd_linux.go's
// chunk-bookkeeping style (a mutex-guarded "populated" set keyed by
// aligned address) and on original_source/src/wtf/ram.h's overlay
// contract (spec.md §4.1).
package ram

import (
	"fmt"
	"sync"

	"github.com/snapfuzz/snapfuzz/internal/addr"
)

// DumpReader resolves a dump-provided page for an aligned Gpa. It returns
// ok=false when the dump has no page at that address (implicit zero page
// per spec §3/§4.1).
type DumpReader interface {
	Page(aligned addr.Gpa) (data [addr.PageSize]byte, ok bool)
	// MaxGpa returns the highest Gpa present in the dump, used to size the
	// host buffer (spec §4.1: "max(Gpa)+4KiB").
	MaxGpa() addr.Gpa
}

// Mode selects how the host buffer is initially populated.
type Mode int

const (
	// ModeLazy leaves the buffer zero-initialized and services reads from
	// the dump on demand (emulator backends).
	ModeLazy Mode = iota
	// ModeEager eagerly copies every dump page into the buffer at
	// Populate time (hypervisor backends).
	ModeEager
)

// Ram is the guest physical memory image: a contiguous host buffer, a
// breakpoint overlay, and the set of pages dirtied since the last
// restore.
type Ram struct {
	mu sync.Mutex

	dump DumpReader
	mode Mode

	buf []byte // host buffer, sized to MaxGpa()+PageSize

	// overlay holds owned copies of pages that carry a breakpoint. Once a
	// page enters the overlay it never leaves: the overlay's copy is the
	// authoritative "pristine-with-breakpoints-armed" source for restore.
	overlay map[addr.Gpa][]byte

	// dirty is the set of pages the guest has written since the last
	// restore. Restore walks only this set — the central performance
	// invariant from spec §4.6.
	dirty map[addr.Gpa]struct{}
}

// New creates an unpopulated Ram. Call Populate before use.
func New() *Ram {
	return &Ram{
		overlay: make(map[addr.Gpa][]byte),
		dirty:   make(map[addr.Gpa]struct{}),
	}
}

// Populate sizes the host buffer from the dump and, in ModeEager, copies
// every dump page in eagerly. ModeLazy leaves the buffer zeroed; pages are
// faulted in via EnsurePage as the backend encounters them.
func (r *Ram) Populate(dump DumpReader, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dump = dump
	r.mode = mode

	size := uint64(dump.MaxGpa().Align()) + addr.PageSize
	r.buf = make([]byte, size)

	if mode == ModeEager {
		for gpa := addr.Gpa(0); uint64(gpa) < size; gpa = gpa.Add(addr.PageSize) {
			page, ok := dump.Page(gpa)
			if !ok {
				continue
			}
			copy(r.buf[uint64(gpa):uint64(gpa)+addr.PageSize], page[:])
		}
	}

	return nil
}

// Size returns the size in bytes of the host buffer.
func (r *Ram) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.buf))
}

// EnsurePage services a ModeLazy missing-page fault: if the aligned page
// containing gpa has never been touched, it is copied in from the dump (or
// left zero if the dump has no such page). Safe to call redundantly.
func (r *Ram) EnsurePage(gpa addr.Gpa) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensurePageLocked(gpa)
}

func (r *Ram) ensurePageLocked(gpa addr.Gpa) error {
	aligned := gpa.Align()
	if uint64(aligned)+addr.PageSize > uint64(len(r.buf)) {
		return fmt.Errorf("ram: gpa %v out of range (buffer size %#x)", gpa, len(r.buf))
	}
	if _, overlaid := r.overlay[aligned]; overlaid {
		return nil
	}
	page, ok := r.dump.Page(aligned)
	if !ok {
		return nil // implicit zero page, buffer already zeroed
	}
	copy(r.buf[uint64(aligned):uint64(aligned)+addr.PageSize], page[:])
	return nil
}

// HVA translates a guest physical address to an offset into the host
// buffer. Callers needing a raw pointer take &buf[offset]; Go code should
// prefer ReadAt/WriteAt below, which keep bounds-checking centralized.
func (r *Ram) HVA(gpa addr.Gpa) (offset uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if uint64(gpa) >= uint64(len(r.buf)) {
		return 0, fmt.Errorf("ram: gpa %v out of range (buffer size %#x)", gpa, len(r.buf))
	}
	return uint64(gpa), nil
}

// Buffer returns the live host buffer. Callers that mutate it directly
// (e.g. a hypervisor backend mapping it into the guest) are responsible
// for calling MarkDirty themselves.
func (r *Ram) Buffer() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf
}

// pristine returns the authoritative original content for an aligned page:
// the overlay copy if one exists (it carries any armed breakpoints), else
// the dump page, else an implicit zero page.
func (r *Ram) pristine(aligned addr.Gpa) [addr.PageSize]byte {
	if p, ok := r.overlay[aligned]; ok {
		var out [addr.PageSize]byte
		copy(out[:], p)
		return out
	}
	if p, ok := r.dump.Page(aligned); ok {
		return p
	}
	return [addr.PageSize]byte{}
}

// ReadAt copies len(dst) bytes starting at gpa into dst, faulting the page
// in lazily if needed.
func (r *Ram) ReadAt(gpa addr.Gpa, dst []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensurePageLocked(gpa); err != nil {
		return err
	}
	off := uint64(gpa)
	if off+uint64(len(dst)) > uint64(len(r.buf)) {
		return fmt.Errorf("ram: read [%v,+%d) out of range", gpa, len(dst))
	}
	copy(dst, r.buf[off:off+uint64(len(dst))])
	return nil
}

// WriteAt writes src at gpa, marking every touched page dirty.
func (r *Ram) WriteAt(gpa addr.Gpa, src []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensurePageLocked(gpa); err != nil {
		return err
	}
	off := uint64(gpa)
	if off+uint64(len(src)) > uint64(len(r.buf)) {
		return fmt.Errorf("ram: write [%v,+%d) out of range", gpa, len(src))
	}
	copy(r.buf[off:off+uint64(len(src))], src)
	r.markDirtyLocked(gpa, uint64(len(src)))
	return nil
}

// MarkDirty records every aligned page touched by [gpa, gpa+n) as dirty.
// Exposed for backends (e.g. a hypervisor's EPT write-fault handler) that
// write the host buffer directly rather than through WriteAt.
func (r *Ram) MarkDirty(gpa addr.Gpa, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markDirtyLocked(gpa, n)
}

func (r *Ram) markDirtyLocked(gpa addr.Gpa, n uint64) {
	if n == 0 {
		return
	}
	start := gpa.Align()
	end := gpa.Add(n - 1).Align()
	for p := start; p <= end; p = p.Add(addr.PageSize) {
		r.dirty[p] = struct{}{}
	}
}

// DirtyPages returns a snapshot of the current dirty set.
func (r *Ram) DirtyPages() []addr.Gpa {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]addr.Gpa, 0, len(r.dirty))
	for p := range r.dirty {
		out = append(out, p)
	}
	return out
}

// AddBreakpoint materializes an overlay page for align(gpa), writes 0xCC
// at the target offset in both the overlay and the host buffer, and
// returns the host-buffer offset of the modified byte and the original
// byte value it replaced, so the caller can later restore it precisely
// (spec §4.1).
func (r *Ram) AddBreakpoint(gpa addr.Gpa) (hostOffset uint64, original byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	aligned := gpa.Align()
	if err := r.ensurePageLocked(gpa); err != nil {
		return 0, 0, err
	}

	page, ok := r.overlay[aligned]
	if !ok {
		pristine := r.pristine(aligned)
		page = make([]byte, addr.PageSize)
		copy(page, pristine[:])
		r.overlay[aligned] = page
	}

	off := gpa.Offset()
	original = page[off]
	page[off] = 0xCC
	hostOff := uint64(aligned) + off
	r.buf[hostOff] = 0xCC
	return hostOff, original, nil
}

// RemoveBreakpoint restores the byte at gpa to its pre-breakpoint value in
// both overlay and host buffer. The overlay page itself is retained (it
// may carry other armed breakpoints, and re-deriving "the" original byte
// for a page that has since been written by the guest would be wrong).
func (r *Ram) RemoveBreakpoint(gpa addr.Gpa, original byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	aligned := gpa.Align()
	off := gpa.Offset()
	if page, ok := r.overlay[aligned]; ok {
		page[off] = original
	}
	hostOff := uint64(aligned) + off
	if hostOff < uint64(len(r.buf)) {
		r.buf[hostOff] = original
	}
	return nil
}

// Restore rolls back a single dirty page by memcpy'ing the pristine
// content (overlay-with-breakpoints if any, else dump, else zero) over the
// host buffer. This both undoes guest mutations and re-arms any coverage
// breakpoints on that page in one copy (spec §4.1's "why").
func (r *Ram) Restore(gpa addr.Gpa) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	aligned := gpa.Align()
	if uint64(aligned)+addr.PageSize > uint64(len(r.buf)) {
		return fmt.Errorf("ram: restore gpa %v out of range", gpa)
	}
	pristine := r.pristine(aligned)
	copy(r.buf[uint64(aligned):uint64(aligned)+addr.PageSize], pristine[:])
	return nil
}

// RestoreDirty restores every page in the current dirty set and clears it.
// This is the O(|dirty|) snapshot-restore step from spec §4.6.
func (r *Ram) RestoreDirty() error {
	r.mu.Lock()
	dirty := make([]addr.Gpa, 0, len(r.dirty))
	for p := range r.dirty {
		dirty = append(dirty, p)
	}
	r.mu.Unlock()

	for _, p := range dirty {
		if err := r.Restore(p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.dirty = make(map[addr.Gpa]struct{})
	r.mu.Unlock()
	return nil
}
