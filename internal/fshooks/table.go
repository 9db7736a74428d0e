package fshooks

import "fmt"

// reservedPseudoHandleFloor is the bottom of the Windows pseudo-handle
// range (NtCurrentProcess/-1, NtCurrentThread/-2, …, all near the top of
// the 32-bit handle space once sign-extended). Real handle allocation
// must never land here, or a guest comparing a returned handle against
// e.g. -1 misidentifies it as a pseudo-handle.
const reservedPseudoHandleFloor = 0xfffffff0

// Table is the guest-file path table: a map from a guest-visible virtual
// path to its File, plus guest-handle allocation, grounded on fshooks.cc's
// g_FsHandleTable / g_HandleTable pair. A single Table instance belongs
// to one worker's backend and is restored in lockstep with it.
type Table struct {
	files map[string]*File

	// decide resolves a path fshooks.cc calls "unknown" — neither
	// explicitly declared existing nor not-existing — to an Existence,
	// mirroring BlacklistDecisionHandler. A nil decide treats every
	// unknown path as NotExists.
	decide func(path string) Existence

	handles    map[uint64]*File
	nextHandle uint64
}

// NewTable creates an empty guest-file table. decide may be nil.
func NewTable(decide func(path string) Existence) *Table {
	return &Table{
		files:      make(map[string]*File),
		decide:     decide,
		handles:    make(map[uint64]*File),
		nextHandle: 4, // low handles are reserved by convention for std streams
	}
}

// Declare registers path with an explicit file and existence, analogous to
// fshooks.cc wiring a concrete GuestFile_t ahead of time (e.g. the loaded
// image, a registry hive).
func (t *Table) Declare(path string, f *File) {
	t.files[path] = f
}

// Existence resolves path's declared state, falling back to decide (or
// NotExists) when the path was never Declared.
func (t *Table) Existence(path string) Existence {
	if f, ok := t.files[path]; ok {
		if f.Exists() {
			return Exists
		}
		return NotExists
	}
	if t.decide != nil {
		return t.decide(path)
	}
	return NotExists
}

// Open resolves path to its File, the NtCreateFile/NtOpenFile hook's
// "find the backing GuestFile_t" step. It returns ok=false if path was
// never Declared.
func (t *Table) Open(path string) (*File, bool) {
	f, ok := t.files[path]
	return f, ok
}

// AllocateHandle hands out the next guest handle for an opened File,
// skipping the pseudo-handle range entirely by construction (handles
// only ever count up from 4).
func (t *Table) AllocateHandle(f *File) uint64 {
	h := t.nextHandle
	t.nextHandle++
	if t.nextHandle >= reservedPseudoHandleFloor {
		panic("fshooks: exhausted the guest handle space below the pseudo-handle range")
	}
	t.handles[h] = f
	return h
}

// Lookup resolves a previously-allocated guest handle back to its File.
func (t *Table) Lookup(handle uint64) (*File, bool) {
	f, ok := t.handles[handle]
	return f, ok
}

// Close releases a guest handle (NtClose), returning an error if it was
// never allocated — a double-close or use of a stale handle is a
// configuration error in the same spirit as spec §7's breakpoint-
// collision handling.
func (t *Table) Close(handle uint64) error {
	if _, ok := t.handles[handle]; !ok {
		return fmt.Errorf("fshooks: closing unknown handle %#x", handle)
	}
	delete(t.handles, handle)
	return nil
}

// Restore resets every Declared File to its last Save point and closes
// all outstanding handles, called once per worker restore
// alongside backend.Restore.
func (t *Table) Restore() {
	for _, f := range t.files {
		f.Restore()
	}
	t.handles = make(map[uint64]*File)
	t.nextHandle = 4
}
