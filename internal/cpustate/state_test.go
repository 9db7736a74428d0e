package cpustate

import "testing"

const minimalRegsJSON = `{
  "rax": "0x3", "rbx": "0x0", "rcx": "0x0", "rdx": "0x0",
  "rsi": "0x0", "rdi": "0x0", "rsp": "0x0", "rbp": "0x0",
  "r8": "0x0", "r9": "0x0", "r10": "0x0", "r11": "0xffffa8848825e000",
  "r12": "0x0", "r13": "0x0", "r14": "0x0", "r15": "0x0",
  "rip": "0x1000", "rflags": "0x246",
  "es": {"selector":"0x0","base":"0x0","limit":"0x0","attr":"0x0","present":true},
  "cs": {"selector":"0x10","base":"0x0","limit":"0xffffffff","attr":"0xa09b","present":true},
  "ss": {"selector":"0x18","base":"0x0","limit":"0xffffffff","attr":"0xc093","present":true},
  "ds": {"selector":"0x0","base":"0x0","limit":"0x0","attr":"0x0","present":false},
  "fs": {"selector":"0x0","base":"0x0","limit":"0x0","attr":"0x0","present":false},
  "gs": {"selector":"0x0","base":"0x0","limit":"0x0","attr":"0x0","present":false},
  "ldtr": {"selector":"0x0","base":"0x0","limit":"0x0","attr":"0x0","present":false},
  "tr": {"selector":"0x28","base":"0x0","limit":"0x67","attr":"0x8b","present":true},
  "gdtr": {"base":"0xfffff80000000000","limit":"0x57"},
  "idtr": {"base":"0xfffff80000001000","limit":"0xfff"},
  "cr0": "0x80050033", "cr2": "0x0", "cr3": "0x1ad000", "cr4": "0x370678", "cr8": "0x0",
  "xcr0": "0x7",
  "dr0": "0x1", "dr1": "0x2", "dr2": "0x3", "dr3": "0x4", "dr6": "0xffff0ff0", "dr7": "0x400",
  "zmm": [],
  "fpcw": "0x27f", "fpsw": "0x0", "fptw": "0x0", "fpop": "0x0",
  "fpst": ["Infinity","Infinity","Infinity","Infinity","Infinity","Infinity","Infinity","Infinity"],
  "mxcsr": "0x1f80", "mxcsr_mask": "0x0",
  "tsc": "0x0", "efer": "0xd01", "kernel_gs_base": "0x0", "apic_base": "0xfee00900", "pat": "0x7040600070406",
  "sysenter_cs": "0x0", "sysenter_esp": "0x0", "sysenter_eip": "0x0",
  "star": "0x0", "lstar": "0x0", "cstar": "0x0", "sfmask": "0x0", "tsc_aux": "0x0",
  "seed": "0x1234"
}`

func TestParseBasic(t *testing.T) {
	s, err := Parse([]byte(minimalRegsJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Gpr[Rax] != 0x3 {
		t.Errorf("Rax = %#x, want 0x3", s.Gpr[Rax])
	}
	if s.Gpr[R11] != 0xffffa8848825e000 {
		t.Errorf("R11 = %#x, want 0xffffa8848825e000", s.Gpr[R11])
	}
}

func TestMxCsrMaskDefault(t *testing.T) {
	s, err := Parse([]byte(minimalRegsJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.MXCSRMask != defaultMxCsrMask {
		t.Errorf("MXCSRMask = %#x, want %#x", s.MXCSRMask, defaultMxCsrMask)
	}
}

func TestEmptyX87StackConvention(t *testing.T) {
	s, err := Parse([]byte(minimalRegsJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.FPU.FPTW != 0xffff {
		t.Errorf("FPTW = %#x, want 0xffff", s.FPU.FPTW)
	}
	for i, slot := range s.FPU.St {
		if slot != (St80{}) {
			t.Errorf("FPU.St[%d] not zeroed: %+v", i, slot)
		}
	}
}

func TestDebugRegistersZeroedAtLoad(t *testing.T) {
	s, err := Parse([]byte(minimalRegsJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.DR0 != 0 || s.DR1 != 0 || s.DR2 != 0 || s.DR3 != 0 || s.DR6 != 0 || s.DR7 != 0 {
		t.Errorf("debug registers not zeroed: %+v", s)
	}
}

func TestCr8ZeroedInUserMode(t *testing.T) {
	s, err := Parse([]byte(minimalRegsJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// rip=0x1000 is well below the user-mode ceiling.
	if s.CR8 != 0 {
		t.Errorf("CR8 = %#x, want 0 (user-mode rip)", s.CR8)
	}
}
