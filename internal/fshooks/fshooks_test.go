package fshooks

import (
	"io"
	"testing"
)

func TestFileReadAdvancesCursor(t *testing.T) {
	f := NewFile([]byte("hello world"), true, false)
	buf := make([]byte, 5)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Errorf("Read() = %q, %d, want hello, 5", buf, n)
	}
	if f.Position() != 5 {
		t.Errorf("Position() = %d, want 5", f.Position())
	}
}

func TestFileReadEOF(t *testing.T) {
	f := NewFile([]byte("hi"), true, false)
	buf := make([]byte, 16)
	f.Read(buf)
	if _, err := f.Read(buf); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestFileWriteWalledOffWhenReadonly(t *testing.T) {
	f := NewFile([]byte("hello"), true, false)
	n, err := f.Write([]byte("XXXXX"))
	if err != nil || n != 5 {
		t.Fatalf("Write: %d, %v", n, err)
	}
	buf := make([]byte, 5)
	f.Seek(0)
	f.Read(buf)
	if string(buf) != "hello" {
		t.Errorf("a write to a readonly file should be walled off, got %q", buf)
	}
}

func TestFileWriteGrowsBuffer(t *testing.T) {
	f := NewFile(nil, true, true)
	f.Write([]byte("hello"))
	if f.Standard().EndOfFile != 5 {
		t.Errorf("EndOfFile = %d, want 5", f.Standard().EndOfFile)
	}
}

func TestFileSaveRestore(t *testing.T) {
	f := NewFile([]byte("hello"), true, true)
	f.Write([]byte(" world"))
	if f.Standard().EndOfFile != 6 {
		t.Fatalf("EndOfFile = %d, want 6", f.Standard().EndOfFile)
	}
	f.Restore()
	if f.Standard().EndOfFile != 5 {
		t.Errorf("Restore should roll EndOfFile back to 5, got %d", f.Standard().EndOfFile)
	}
	if f.Position() != 0 {
		t.Errorf("Restore should roll cursor back to 0, got %d", f.Position())
	}
}

func TestFileStandardInfoAllocationSizeRoundsUp(t *testing.T) {
	f := NewFile(make([]byte, 1), true, false)
	if f.Standard().AllocationSize != 0x1000 {
		t.Errorf("AllocationSize = %#x, want 0x1000", f.Standard().AllocationSize)
	}
}

func TestTableDeclareAndOpen(t *testing.T) {
	table := NewTable(nil)
	f := NewFile([]byte("data"), true, false)
	table.Declare(`\??\C:\target.bin`, f)

	got, ok := table.Open(`\??\C:\target.bin`)
	if !ok || got != f {
		t.Errorf("Open returned %v, %v, want the declared file", got, ok)
	}
	if table.Existence(`\??\C:\target.bin`) != Exists {
		t.Errorf("Existence = %v, want Exists", table.Existence(`\??\C:\target.bin`))
	}
}

func TestTableExistenceFallsBackToDecide(t *testing.T) {
	table := NewTable(func(path string) Existence {
		if path == `\??\C:\known-missing.bin` {
			return NotExists
		}
		return Unknown
	})
	if got := table.Existence(`\??\C:\known-missing.bin`); got != NotExists {
		t.Errorf("Existence = %v, want NotExists", got)
	}
	if got := table.Existence(`\??\C:\never-mentioned.bin`); got != Unknown {
		t.Errorf("Existence = %v, want Unknown", got)
	}
}

func TestTableExistenceDefaultsToNotExistsWithoutDecide(t *testing.T) {
	table := NewTable(nil)
	if got := table.Existence(`\??\C:\anything.bin`); got != NotExists {
		t.Errorf("Existence = %v, want NotExists", got)
	}
}

func TestTableHandleAllocationAvoidsPseudoRange(t *testing.T) {
	table := NewTable(nil)
	f := NewFile([]byte("x"), true, false)
	h := table.AllocateHandle(f)
	if h >= reservedPseudoHandleFloor {
		t.Errorf("AllocateHandle returned %#x, inside the reserved pseudo-handle range", h)
	}
	got, ok := table.Lookup(h)
	if !ok || got != f {
		t.Errorf("Lookup(%#x) = %v, %v, want the allocated file", h, got, ok)
	}
}

func TestTableCloseUnknownHandle(t *testing.T) {
	table := NewTable(nil)
	if err := table.Close(0xdead); err == nil {
		t.Error("expected error closing a handle that was never allocated")
	}
}

func TestTableCloseThenLookupFails(t *testing.T) {
	table := NewTable(nil)
	f := NewFile([]byte("x"), true, false)
	h := table.AllocateHandle(f)
	if err := table.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := table.Lookup(h); ok {
		t.Error("Lookup should fail after Close")
	}
}

func TestTableRestoreClosesHandlesAndResetsFiles(t *testing.T) {
	table := NewTable(nil)
	f := NewFile([]byte("hello"), true, true)
	table.Declare(`\??\C:\target.bin`, f)
	h := table.AllocateHandle(f)
	f.Write([]byte(" world"))

	table.Restore()

	if _, ok := table.Lookup(h); ok {
		t.Error("Restore should close all outstanding handles")
	}
	if f.Standard().EndOfFile != 5 {
		t.Errorf("Restore should roll declared files back to their Save point, EndOfFile = %d", f.Standard().EndOfFile)
	}
}
