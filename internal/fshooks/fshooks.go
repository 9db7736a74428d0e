// Package fshooks is the illustrative filesystem-emulation collaborator
// spec.md §4.8 describes: target hooks intercepting NT file APIs against a
// guest-file table instead of letting I/O escape the snapshot. Grounded on
// original_source/src/wtf/guestfile.h's GuestFile_t (backing buffer,
// cursor, guest-visible size distinct from buffer capacity, save/restore
// pair for per-run reset) and fshooks.cc's handle table / blacklist
// decision handler, reworked into Go value semantics; wire exposure to a
// guest agent follows internal/vm/fileserver_linux.go's length-prefixed
// request/response shape (see internal/protocol).
package fshooks

import "io"

// Existence is a guest path's declared state before the fuzzer ever opens
// it, mirroring fshooks.cc's "Known/Exists/blacklisted" tri-state decision
// ahead of NtCreateFile/NtOpenFile.
type Existence int

const (
	// Unknown defers to the table's BlacklistDecision handler.
	Unknown Existence = iota
	Exists
	NotExists
)

// File is one guest-visible file: a backing buffer, a cursor, and the
// save/restore pair the worker's restore loop invokes every run to reset
// per-run file state without re-reading the path table.
type File struct {
	buffer      []byte
	allowWrites bool

	cursor      int
	guestSize   int
	exists      bool
	deleteOnClose bool

	savedCursor        int
	savedGuestSize     int
	savedExists        bool
	savedDeleteOnClose bool
	savedBuffer        []byte
}

// NewFile creates a guest file backed by contents. If allowWrites, the
// backing buffer grows to accommodate writes past its initial size,
// mirroring guestfile.h's 1 MiB writable-stream allocation (here grown
// on demand instead of pre-sized, since Go slices do this natively).
func NewFile(contents []byte, exists, allowWrites bool) *File {
	f := &File{
		buffer:      append([]byte(nil), contents...),
		allowWrites: allowWrites,
		guestSize:   len(contents),
		exists:      exists,
	}
	f.Save()
	return f
}

// Save snapshots the file's per-run-mutable state, called once when the
// file enters the guest-file table.
func (f *File) Save() {
	f.savedCursor = f.cursor
	f.savedGuestSize = f.guestSize
	f.savedExists = f.exists
	f.savedDeleteOnClose = f.deleteOnClose
	f.savedBuffer = append([]byte(nil), f.buffer...)
}

// Restore rolls the file back to its last Save point, called every
// worker restore so a run's writes never leak into the next run.
func (f *File) Restore() {
	f.cursor = f.savedCursor
	f.guestSize = f.savedGuestSize
	f.exists = f.savedExists
	f.deleteOnClose = f.savedDeleteOnClose
	if f.allowWrites {
		f.buffer = append(f.buffer[:0], f.savedBuffer...)
	}
}

// ResetCursor implements NtCreateFile/NtOpenFile's "start of stream"
// behavior for a freshly (re)opened handle.
func (f *File) ResetCursor() { f.cursor = 0 }

// Read implements the NtReadFile hook: it copies up to len(buf) bytes
// from the cursor and advances it, returning the count actually read.
func (f *File) Read(buf []byte) (int, error) {
	if f.cursor >= len(f.buffer) {
		return 0, io.EOF
	}
	n := copy(buf, f.buffer[f.cursor:])
	f.cursor += n
	return n, nil
}

// Write implements the NtWriteFile hook: writes are walled off (silently
// dropped, status still reported success) unless allowWrites.
func (f *File) Write(data []byte) (int, error) {
	if !f.allowWrites {
		return len(data), nil // walled off, per guestfile.h's AllowWrites_ branch
	}
	end := f.cursor + len(data)
	if end > len(f.buffer) {
		grown := make([]byte, end)
		copy(grown, f.buffer)
		f.buffer = grown
	}
	copy(f.buffer[f.cursor:end], data)
	f.cursor = end
	if end > f.guestSize {
		f.guestSize = end
	}
	return len(data), nil
}

// Seek implements NtSetInformationFile(FilePositionInformation).
func (f *File) Seek(offset int) { f.cursor = offset }

// Position implements NtQueryInformationFile(FilePositionInformation).
func (f *File) Position() int { return f.cursor }

// StandardInfo mirrors guestfile.h's FILE_STANDARD_INFORMATION fields for
// NtQueryInformationFile(FileStandardInformation).
type StandardInfo struct {
	AllocationSize int64
	EndOfFile      int64
	NumberOfLinks  int32
	DeletePending  bool
	Directory      bool
}

// Standard returns the file's FILE_STANDARD_INFORMATION equivalent.
func (f *File) Standard() StandardInfo {
	const allocGranularity = 0x1000
	alloc := int64(f.guestSize)
	if rem := alloc % allocGranularity; rem != 0 {
		alloc += allocGranularity - rem
	}
	return StandardInfo{
		AllocationSize: alloc,
		EndOfFile:      int64(f.guestSize),
		NumberOfLinks:  1,
		DeletePending:  f.deleteOnClose,
	}
}

// SetDeleteOnClose implements NtSetInformationFile(FileDispositionInformation).
func (f *File) SetDeleteOnClose(v bool) { f.deleteOnClose = v }

// SetEndOfFile implements NtSetInformationFile(FileEndOfFileInformation).
func (f *File) SetEndOfFile(size int) { f.guestSize = size }

// Exists reports the file's declared existence.
func (f *File) Exists() bool { return f.exists }

var _ io.ReadWriter = (*File)(nil)
