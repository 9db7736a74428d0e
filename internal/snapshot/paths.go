// Package snapshot resolves a fuzzer snapshot directory's on-disk layout
// and loads its sidecar files: the register-state JSON, the symbol
// store, the coverage-breakpoint lists, and the crash-dump physical-page
// source. Grounded on internal/vm/vm.go's VMPaths/NewVMPaths pattern
// (a small struct of precomputed paths plus accessor methods), adapted
// from "Deephaven artifact tree" to the directory spec.md §6 specifies.
package snapshot

import "path/filepath"

// Paths resolves every file and directory spec.md §6's snapshot layout
// names, rooted at a single snapshot directory.
type Paths struct {
	Root string
}

// NewPaths roots a Paths at dir.
func NewPaths(dir string) *Paths { return &Paths{Root: dir} }

// MemDump is state/mem.dmp: the crash dump (BMP or Full).
func (p *Paths) MemDump() string { return filepath.Join(p.Root, "state", "mem.dmp") }

// Regs is state/regs.json: the CPU state.
func (p *Paths) Regs() string { return filepath.Join(p.Root, "state", "regs.json") }

// SymbolStore is state/symbol-store.json: {symbol-name: "0xHEX"}.
func (p *Paths) SymbolStore() string { return filepath.Join(p.Root, "state", "symbol-store.json") }

// GuestFiles is the directory of files exposed through FS emulation.
func (p *Paths) GuestFiles() string { return filepath.Join(p.Root, "guest-files") }

// CoverageDir is the directory of coverage/*.cov files.
func (p *Paths) CoverageDir() string { return filepath.Join(p.Root, "coverage") }

// Inputs is the initial corpus directory.
func (p *Paths) Inputs() string { return filepath.Join(p.Root, "inputs") }

// Outputs is the corpus grown at runtime.
func (p *Paths) Outputs() string { return filepath.Join(p.Root, "outputs") }

// Crashes is the saved-crashing-inputs directory.
func (p *Paths) Crashes() string { return filepath.Join(p.Root, "crashes") }

// AllDirs lists every directory a fresh snapshot tree needs, in creation
// order (state before the directories that reference paths inside it).
func (p *Paths) AllDirs() []string {
	return []string{
		filepath.Join(p.Root, "state"),
		p.GuestFiles(),
		p.CoverageDir(),
		p.Inputs(),
		p.Outputs(),
		p.Crashes(),
	}
}
