// Package cpustate models the full x86-64 architectural register file
// (CpuState) and its regs.json on-disk encoding, following the shape
// spec.md §3/§6 describes: every field is a 0x-prefixed hex string in the
// JSON, segments are small objects, and a handful of invariants are
// enforced at load time rather than trusted from the file.
package cpustate

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Segment is one of the six data/code segment registers, plus LDTR/TR.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attr     uint16
	Present  bool
}

// Table is a GDTR/IDTR-style {base, limit} pair.
type Table struct {
	Base  uint64
	Limit uint16
}

// Zmm is one 512-bit ZMM register, eight 64-bit lanes.
type Zmm [8]uint64

// Fpu holds the x87 FPU state: control/status/tag/opcode words and the
// eight 80-bit stack slots.
type Fpu struct {
	FPCW uint16
	FPSW uint16
	FPTW uint16
	FPOP uint16
	St   [8]St80
}

// St80 is one 80-bit x87 stack slot, stored as mantissa+sign/exponent.
type St80 struct {
	Mantissa uint64
	SignExp  uint16
	// Inf marks a slot that decoded from the JSON "Infinity"/"-Infinity"
	// sentinel per spec §6; Neg records the sign of that sentinel.
	Inf bool
	Neg bool
}

// CpuState is the full architectural register file loaded once at
// Initialize and re-applied on every Restore.
type CpuState struct {
	Gpr [16]uint64 // rax,rbx,rcx,rdx,rsi,rdi,rsp,rbp,r8-r15 in that order
	Rip uint64
	Rflags uint64

	ES, CS, SS, DS, FS, GS Segment
	LDTR, TR               Segment
	GDTR, IDTR             Table

	CR0, CR2, CR3, CR4, CR8 uint64
	XCR0                    uint64

	DR0, DR1, DR2, DR3, DR6, DR7 uint64

	Zmm [32]Zmm

	FPU Fpu

	MXCSR     uint32
	MXCSRMask uint32

	TSC         uint64
	EFER        uint64
	KernelGsBase uint64
	ApicBase    uint64
	PAT         uint64

	SysenterCs  uint64
	SysenterEsp uint64
	SysenterEip uint64

	STAR   uint64
	LSTAR  uint64
	CSTAR  uint64
	SFMASK uint64
	TscAux uint64

	// Seed feeds the backend's deterministic rdrand PRNG chain (spec §4.3.1).
	Seed uint64
}

// Gpr register indices, matching the order CpuState.Gpr uses.
const (
	Rax = iota
	Rbx
	Rcx
	Rdx
	Rsi
	Rdi
	Rsp
	Rbp
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// userModeRipCeiling is the boundary spec §3 uses to decide whether RIP is
// "user-mode": below this, CR8 must be zero.
const userModeRipCeiling = 0x7fff_ffff_0000

// defaultMxCsrMask is substituted when the dump omits MXCSR_MASK (spec §3).
const defaultMxCsrMask = 0xffbf

// allOnesSt80 detects the x87 "empty stack" ±Infinity convention.
func allOnesSt80(s St80) bool {
	return s.Inf
}

// ApplyInvariants enforces the load-time invariants from spec.md §3:
//   - MxCsrMask defaults to 0xffbf if zero.
//   - if FPTW==0 and every FPU slot is ±Infinity, normalize to the x87
//     "empty stack" convention (FPTW=0xffff, slots zeroed).
//   - if RIP is user-mode, CR8 must be 0.
//   - DR0-3, DR6, DR7 are zeroed unconditionally at load time.
func (s *CpuState) ApplyInvariants() {
	if s.MXCSRMask == 0 {
		s.MXCSRMask = defaultMxCsrMask
	}

	if s.FPU.FPTW == 0 {
		allInf := true
		for _, slot := range s.FPU.St {
			if !allOnesSt80(slot) {
				allInf = false
				break
			}
		}
		if allInf {
			s.FPU.FPTW = 0xffff
			s.FPU.St = [8]St80{}
		}
	}

	if s.Rip < userModeRipCeiling {
		s.CR8 = 0
	}

	s.DR0, s.DR1, s.DR2, s.DR3 = 0, 0, 0, 0
	s.DR6, s.DR7 = 0, 0
}

// --- regs.json encoding ---

type jsonSegment struct {
	Selector string `json:"selector"`
	Base     string `json:"base"`
	Limit    string `json:"limit"`
	Attr     string `json:"attr"`
	Present  bool   `json:"present"`
}

type jsonTable struct {
	Base  string `json:"base"`
	Limit string `json:"limit"`
}

type jsonDoc struct {
	Rax, Rbx, Rcx, Rdx, Rsi, Rdi, Rsp, Rbp string
	R8, R9, R10, R11, R12, R13, R14, R15  string
	Rip, Rflags                           string

	Es, Cs, Ss, Ds, Fs, Gs jsonSegment
	Ldtr, Tr               jsonSegment
	Gdtr, Idtr             jsonTable

	Cr0, Cr2, Cr3, Cr4, Cr8 string
	Xcr0                    string

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 string

	Zmm [32][8]string

	Fpcw, Fpsw, Fptw, Fpop string
	Fpst                   [8]string

	Mxcsr     string
	MxcsrMask string `json:"mxcsr_mask"`

	Tsc, Efer    string
	KernelGsBase string `json:"kernel_gs_base"`
	ApicBase     string `json:"apic_base"`
	Pat          string

	SysenterCs  string `json:"sysenter_cs"`
	SysenterEsp string `json:"sysenter_esp"`
	SysenterEip string `json:"sysenter_eip"`

	Star, Lstar, Cstar, Sfmask string
	TscAux                     string `json:"tsc_aux"`

	Seed string
}

// hex accepts 0x-prefixed (or bare) hex strings, empty meaning zero.
func hex(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return strconv.ParseUint(s, 16, 64)
}

func segFromJSON(j jsonSegment) (Segment, error) {
	sel, err := hex(j.Selector)
	if err != nil {
		return Segment{}, fmt.Errorf("selector: %w", err)
	}
	base, err := hex(j.Base)
	if err != nil {
		return Segment{}, fmt.Errorf("base: %w", err)
	}
	limit, err := hex(j.Limit)
	if err != nil {
		return Segment{}, fmt.Errorf("limit: %w", err)
	}
	attr, err := hex(j.Attr)
	if err != nil {
		return Segment{}, fmt.Errorf("attr: %w", err)
	}
	return Segment{
		Selector: uint16(sel),
		Base:     base,
		Limit:    uint32(limit),
		Attr:     uint16(attr),
		Present:  j.Present,
	}, nil
}

func tableFromJSON(j jsonTable) (Table, error) {
	base, err := hex(j.Base)
	if err != nil {
		return Table{}, fmt.Errorf("base: %w", err)
	}
	limit, err := hex(j.Limit)
	if err != nil {
		return Table{}, fmt.Errorf("limit: %w", err)
	}
	return Table{Base: base, Limit: uint16(limit)}, nil
}

func st80FromJSON(s string) (St80, error) {
	switch s {
	case "Infinity":
		return St80{Inf: true, Neg: false}, nil
	case "-Infinity":
		return St80{Inf: true, Neg: true}, nil
	}
	v, err := hex(s)
	if err != nil {
		return St80{}, err
	}
	return St80{Mantissa: v}, nil
}

// Load parses a regs.json file into a CpuState and applies invariants.
func Load(path string) (*CpuState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes regs.json bytes into a CpuState and applies invariants.
func Parse(data []byte) (*CpuState, error) {
	var j jsonDoc
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parsing regs.json: %w", err)
	}

	s := &CpuState{}
	gprs := []struct {
		idx int
		val string
	}{
		{Rax, j.Rax}, {Rbx, j.Rbx}, {Rcx, j.Rcx}, {Rdx, j.Rdx},
		{Rsi, j.Rsi}, {Rdi, j.Rdi}, {Rsp, j.Rsp}, {Rbp, j.Rbp},
		{R8, j.R8}, {R9, j.R9}, {R10, j.R10}, {R11, j.R11},
		{R12, j.R12}, {R13, j.R13}, {R14, j.R14}, {R15, j.R15},
	}
	for _, g := range gprs {
		v, err := hex(g.val)
		if err != nil {
			return nil, fmt.Errorf("gpr[%d]: %w", g.idx, err)
		}
		s.Gpr[g.idx] = v
	}

	var err error
	if s.Rip, err = hex(j.Rip); err != nil {
		return nil, fmt.Errorf("rip: %w", err)
	}
	if s.Rflags, err = hex(j.Rflags); err != nil {
		return nil, fmt.Errorf("rflags: %w", err)
	}

	segs := []struct {
		dst *Segment
		src jsonSegment
	}{
		{&s.ES, j.Es}, {&s.CS, j.Cs}, {&s.SS, j.Ss}, {&s.DS, j.Ds},
		{&s.FS, j.Fs}, {&s.GS, j.Gs}, {&s.LDTR, j.Ldtr}, {&s.TR, j.Tr},
	}
	for _, sg := range segs {
		v, err := segFromJSON(sg.src)
		if err != nil {
			return nil, err
		}
		*sg.dst = v
	}

	if s.GDTR, err = tableFromJSON(j.Gdtr); err != nil {
		return nil, fmt.Errorf("gdtr: %w", err)
	}
	if s.IDTR, err = tableFromJSON(j.Idtr); err != nil {
		return nil, fmt.Errorf("idtr: %w", err)
	}

	crs := []struct {
		dst *uint64
		src string
	}{
		{&s.CR0, j.Cr0}, {&s.CR2, j.Cr2}, {&s.CR3, j.Cr3}, {&s.CR4, j.Cr4},
		{&s.CR8, j.Cr8}, {&s.XCR0, j.Xcr0},
		{&s.DR0, j.Dr0}, {&s.DR1, j.Dr1}, {&s.DR2, j.Dr2}, {&s.DR3, j.Dr3},
		{&s.DR6, j.Dr6}, {&s.DR7, j.Dr7},
		{&s.TSC, j.Tsc}, {&s.EFER, j.Efer}, {&s.KernelGsBase, j.KernelGsBase},
		{&s.ApicBase, j.ApicBase}, {&s.PAT, j.Pat},
		{&s.SysenterCs, j.SysenterCs}, {&s.SysenterEsp, j.SysenterEsp},
		{&s.SysenterEip, j.SysenterEip},
		{&s.STAR, j.Star}, {&s.LSTAR, j.Lstar}, {&s.CSTAR, j.Cstar},
		{&s.SFMASK, j.Sfmask}, {&s.TscAux, j.TscAux},
		{&s.Seed, j.Seed},
	}
	for _, c := range crs {
		v, err := hex(c.src)
		if err != nil {
			return nil, err
		}
		*c.dst = v
	}

	for i := range j.Zmm {
		for lane := range j.Zmm[i] {
			v, err := hex(j.Zmm[i][lane])
			if err != nil {
				return nil, fmt.Errorf("zmm[%d][%d]: %w", i, lane, err)
			}
			s.Zmm[i][lane] = v
		}
	}

	fpcw, err := hex(j.Fpcw)
	if err != nil {
		return nil, fmt.Errorf("fpcw: %w", err)
	}
	fpsw, err := hex(j.Fpsw)
	if err != nil {
		return nil, fmt.Errorf("fpsw: %w", err)
	}
	fptw, err := hex(j.Fptw)
	if err != nil {
		return nil, fmt.Errorf("fptw: %w", err)
	}
	fpop, err := hex(j.Fpop)
	if err != nil {
		return nil, fmt.Errorf("fpop: %w", err)
	}
	s.FPU = Fpu{FPCW: uint16(fpcw), FPSW: uint16(fpsw), FPTW: uint16(fptw), FPOP: uint16(fpop)}
	for i, raw := range j.Fpst {
		st, err := st80FromJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("fpst[%d]: %w", i, err)
		}
		s.FPU.St[i] = st
	}

	mxcsr, err := hex(j.Mxcsr)
	if err != nil {
		return nil, fmt.Errorf("mxcsr: %w", err)
	}
	mxcsrMask, err := hex(j.MxcsrMask)
	if err != nil {
		return nil, fmt.Errorf("mxcsr_mask: %w", err)
	}
	s.MXCSR = uint32(mxcsr)
	s.MXCSRMask = uint32(mxcsrMask)

	s.ApplyInvariants()
	return s, nil
}
