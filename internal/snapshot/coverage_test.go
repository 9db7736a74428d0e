package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/addr"
)

func TestLoadCoverageIDs(t *testing.T) {
	dir := t.TempDir()
	ntCov := `{"name": "nt", "addresses": [16, 256]}`
	ntdllCov := `{"name": "ntdll", "addresses": [32]}`
	if err := os.WriteFile(filepath.Join(dir, "nt.cov"), []byte(ntCov), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ntdll.cov"), []byte(ntdllCov), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A non-.cov file must be ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	symbols := SymbolStore{"nt": 0x1000, "ntdll": 0x2000}
	ids, err := LoadCoverageIDs(dir, symbols)
	if err != nil {
		t.Fatalf("LoadCoverageIDs: %v", err)
	}

	want := []addr.Gva{0x1010, 0x1100, 0x2020}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i, w := range want {
		if ids[i] != w {
			t.Errorf("ids[%d] = %v, want %v", i, ids[i], w)
		}
	}
}

func TestLoadCoverageIDsDeduplicates(t *testing.T) {
	dir := t.TempDir()
	cov := `{"name": "nt", "addresses": [16, 16, 16]}`
	if err := os.WriteFile(filepath.Join(dir, "nt.cov"), []byte(cov), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ids, err := LoadCoverageIDs(dir, SymbolStore{"nt": 0x1000})
	if err != nil {
		t.Fatalf("LoadCoverageIDs: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("ids = %v, want a single deduplicated entry", ids)
	}
}

func TestLoadCoverageIDsUnresolvedModule(t *testing.T) {
	dir := t.TempDir()
	cov := `{"name": "unknown-module", "addresses": [16]}`
	if err := os.WriteFile(filepath.Join(dir, "x.cov"), []byte(cov), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadCoverageIDs(dir, SymbolStore{}); err == nil {
		t.Error("expected error resolving an unknown module name")
	}
}
