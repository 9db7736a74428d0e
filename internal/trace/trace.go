// Package trace implements the three trace-sink formats spec.md §6 names
// for `set_trace_file`/`run --trace-type`: Rip, UniqueRip, and Tenet.
// Grounded on the teacher's thin io.Writer-wrapping sink pattern (small
// structs holding an *os.File plus per-line state), generalized from
// Deephaven log capture to per-instruction execution tracing.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/snapfuzz/snapfuzz/internal/backend"
)

// MemAccessKind tags the optional memory-access suffix a Tenet line may
// carry (spec §6: "(mr|mw|mrw)=addr:hex").
type MemAccessKind string

const (
	MemRead      MemAccessKind = "mr"
	MemWrite     MemAccessKind = "mw"
	MemReadWrite MemAccessKind = "mrw"
)

// MemAccess describes a single memory operand an instruction touched, for
// the Tenet format's optional suffix.
type MemAccess struct {
	Kind MemAccessKind
	Addr uint64
	Data []byte
}

// Sink is an open trace file plus whatever per-line state its kind needs.
// Callers retire Sink.RecordInstruction once per instruction the backend
// executes.
type Sink struct {
	f    *os.File
	w    *bufio.Writer
	kind backend.TraceKind

	seenRip map[uint64]struct{} // UniqueRip only
	lastReg map[backend.Register]uint64
}

// Open creates (or truncates) path and returns a Sink of the given kind.
func Open(path string, kind backend.TraceKind) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trace: opening %s: %w", path, err)
	}
	s := &Sink{
		f:    f,
		w:    bufio.NewWriter(f),
		kind: kind,
	}
	if kind == backend.TraceUniqueRip {
		s.seenRip = make(map[uint64]struct{})
	}
	if kind == backend.TraceTenet {
		s.lastReg = make(map[backend.Register]uint64)
	}
	return s, nil
}

// RecordInstruction appends one line for an instruction at rip, given the
// full current register file (Rip/UniqueRip ignore it) and any memory
// accesses it performed (Tenet only; ignored otherwise).
func (s *Sink) RecordInstruction(rip uint64, regs map[backend.Register]uint64, mem []MemAccess) error {
	switch s.kind {
	case backend.TraceRip:
		return s.writeRip(rip)
	case backend.TraceUniqueRip:
		return s.writeUniqueRip(rip)
	case backend.TraceTenet:
		return s.writeTenet(regs, mem)
	default:
		return fmt.Errorf("trace: unknown trace kind %d", s.kind)
	}
}

func (s *Sink) writeRip(rip uint64) error {
	_, err := fmt.Fprintf(s.w, "0x%x\n", rip)
	return err
}

func (s *Sink) writeUniqueRip(rip uint64) error {
	if _, seen := s.seenRip[rip]; seen {
		return nil
	}
	s.seenRip[rip] = struct{}{}
	return s.writeRip(rip)
}

// writeTenet emits only the registers that changed since the previous
// instruction (spec §6: "containing only register deltas"), plus an
// optional trailing memory-access field.
func (s *Sink) writeTenet(regs map[backend.Register]uint64, mem []MemAccess) error {
	var line string
	first := true
	for reg := backend.RegRax; reg <= backend.RegCr3; reg++ {
		val, ok := regs[reg]
		if !ok {
			continue
		}
		if prev, seen := s.lastReg[reg]; seen && prev == val {
			continue
		}
		s.lastReg[reg] = val
		if !first {
			line += ","
		}
		line += fmt.Sprintf("%s=%x", reg, val)
		first = false
	}
	for _, m := range mem {
		if !first {
			line += ","
		}
		line += fmt.Sprintf("%s=%x:%x", m.Kind, m.Addr, m.Data)
		first = false
	}
	_, err := fmt.Fprintln(s.w, line)
	return err
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("trace: flushing: %w", err)
	}
	return s.f.Close()
}

var _ io.Closer = (*Sink)(nil)
