package discovery

import "testing"

func cmdlineOf(args ...string) string {
	joined := ""
	for _, a := range args {
		joined += a + "\x00"
	}
	return joined
}

func TestParseCmdlineMaster(t *testing.T) {
	cmdline := cmdlineOf("/usr/local/bin/snapfuzz", "master", "--address", "0.0.0.0:9000", "--target", "crash1")
	inst, ok := ParseCmdline(1234, cmdline)
	if !ok {
		t.Fatal("expected a match")
	}
	if inst.Role != "master" {
		t.Errorf("Role = %q, want master", inst.Role)
	}
	if inst.Address != "0.0.0.0:9000" {
		t.Errorf("Address = %q", inst.Address)
	}
	if inst.Target != "crash1" {
		t.Errorf("Target = %q", inst.Target)
	}
	if inst.PID != 1234 {
		t.Errorf("PID = %d, want 1234", inst.PID)
	}
}

func TestParseCmdlineFuzz(t *testing.T) {
	cmdline := cmdlineOf("snapfuzz", "fuzz", "--address", "127.0.0.1:9000", "--backend", "kvm")
	inst, ok := ParseCmdline(5678, cmdline)
	if !ok {
		t.Fatal("expected a match")
	}
	if inst.Role != "fuzz" {
		t.Errorf("Role = %q, want fuzz", inst.Role)
	}
	if inst.Address != "127.0.0.1:9000" {
		t.Errorf("Address = %q", inst.Address)
	}
}

func TestParseCmdlineUnrelatedProcess(t *testing.T) {
	cmdline := cmdlineOf("nginx", "-g", "daemon off;")
	if _, ok := ParseCmdline(1, cmdline); ok {
		t.Error("expected no match for an unrelated process")
	}
}

func TestParseCmdlineSnapfuzzWithoutKnownSubcommand(t *testing.T) {
	cmdline := cmdlineOf("snapfuzz", "list")
	if _, ok := ParseCmdline(1, cmdline); ok {
		t.Error("expected no match for a non-master/fuzz subcommand")
	}
}

func TestParseCmdlineMissingAddress(t *testing.T) {
	cmdline := cmdlineOf("snapfuzz", "master", "--runs", "1000")
	inst, ok := ParseCmdline(42, cmdline)
	if !ok {
		t.Fatal("expected a match")
	}
	if inst.Address != "" {
		t.Errorf("Address = %q, want empty", inst.Address)
	}
}
