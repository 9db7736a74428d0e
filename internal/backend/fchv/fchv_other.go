//go:build !linux

package fchv

import (
	"context"
	"fmt"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/cpustate"
	"github.com/snapfuzz/snapfuzz/internal/fshooks"
	"github.com/snapfuzz/snapfuzz/internal/ptwalk"
	"github.com/snapfuzz/snapfuzz/internal/ram"
)

// Config is a placeholder on non-Linux; fchv requires Firecracker/KVM.
type Config struct {
	FirecrackerBin string
	KernelPath     string
	MemPath        string
	StatePath      string
	RunDir         string
	VCPUCount      int64
	MemSizeMiB     int64
}

// Backend is a placeholder on non-Linux; every method reports the
// platform requirement instead of doing anything.
type Backend struct{}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config, snapshotImage *ram.Ram) *Backend { return &Backend{} }

// SetFileTable is a no-op placeholder matching the Linux build's method
// set; this platform never reaches Initialize to make use of it.
func (b *Backend) SetFileTable(t *fshooks.Table) {}

func errUnsupported() error { return fmt.Errorf("fchv: requires Linux with Firecracker/KVM support") }

func (b *Backend) Initialize(ctx context.Context, state *cpustate.CpuState, covIDs []addr.Gva) error {
	return errUnsupported()
}
func (b *Backend) Run(ctx context.Context, buffer []byte) (backend.Result, error) {
	return backend.Result{}, errUnsupported()
}
func (b *Backend) Restore(state *cpustate.CpuState) error            { return errUnsupported() }
func (b *Backend) Stop(result backend.Result)                        {}
func (b *Backend) SetLimit(l backend.Limit)                          {}
func (b *Backend) GetReg(r backend.Register) (uint64, error)         { return 0, errUnsupported() }
func (b *Backend) SetReg(r backend.Register, v uint64) error         { return errUnsupported() }
func (b *Backend) Rdrand() uint64                                    { return 0 }
func (b *Backend) SetBreakpoint(gva addr.Gva, h coverage.Handler) error {
	return errUnsupported()
}
func (b *Backend) VirtTranslate(gva addr.Gva, v ptwalk.AccessKind) (addr.Gpa, error) {
	return 0, errUnsupported()
}
func (b *Backend) PhysTranslate(gpa addr.Gpa) (uint64, error)      { return 0, errUnsupported() }
func (b *Backend) VirtRead(gva addr.Gva, dst []byte) error         { return errUnsupported() }
func (b *Backend) VirtWrite(gva addr.Gva, src []byte) error        { return errUnsupported() }
func (b *Backend) PhysRead(gpa addr.Gpa, dst []byte) error         { return errUnsupported() }
func (b *Backend) PhysWrite(gpa addr.Gpa, src []byte) error        { return errUnsupported() }
func (b *Backend) PageFaultIfNeeded(gva addr.Gva, n uint64) (bool, error) {
	return false, errUnsupported()
}
func (b *Backend) LastNewCoverage() []addr.Gva              { return nil }
func (b *Backend) RevokeLastNewCoverage() error              { return errUnsupported() }
func (b *Backend) SetTraceFile(path string, kind backend.TraceKind) error {
	return errUnsupported()
}
func (b *Backend) DirtyGpaCount() int { return 0 }
func (b *Backend) Close() error       { return nil }
