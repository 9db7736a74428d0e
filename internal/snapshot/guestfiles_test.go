package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/fshooks"
)

func TestLoadGuestFilesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	table, err := LoadGuestFiles(dir)
	if err != nil {
		t.Fatalf("LoadGuestFiles: %v", err)
	}
	if table.Existence("/anything") != fshooks.NotExists {
		t.Errorf("Existence(/anything) on an empty table = %v, want NotExists", table.Existence("/anything"))
	}
}

func TestLoadGuestFilesDeclaresTree(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.ini"), []byte("key=value"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "input.dat"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	table, err := LoadGuestFiles(dir)
	if err != nil {
		t.Fatalf("LoadGuestFiles: %v", err)
	}

	if table.Existence("/config.ini") != fshooks.Exists {
		t.Errorf("Existence(/config.ini) = %v, want Exists", table.Existence("/config.ini"))
	}
	f, ok := table.Open("/sub/input.dat")
	if !ok {
		t.Fatalf("Open(/sub/input.dat) = not found, want declared")
	}
	buf := make([]byte, 16)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buf[:n]); got != "hello" {
		t.Errorf("Read() = %q, want %q", got, "hello")
	}

	if table.Existence("/nope.bin") != fshooks.NotExists {
		t.Errorf("Existence(/nope.bin) = %v, want NotExists", table.Existence("/nope.bin"))
	}
}
