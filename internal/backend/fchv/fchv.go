//go:build linux

// Package fchv implements backend.Backend on top of a real Firecracker
// microVM, restored from the fuzzer's snapshot through Firecracker's own
// snapshot/restore machinery instead of raw KVM ioctls. Grounded on
// internal/vm/machine_linux.go's machine lifecycle and vsock protocol,
// repurposed from "boot Deephaven, run a script, read the result" to
// "restore a paused guest, deliver a testcase, read back coverage".
//
// This backend trades fine-grained memory/register access for reuse of
// Firecracker's battle-tested snapshot and UFFD demand-paging code: once
// the microVM is running, its guest memory lives inside the firecracker
// subprocess and is not reachable for read/write or 0xCC patching from
// this process (see Backend's doc comment). Use backend/emulator or
// backend/kvmhv when a testcase needs live memory/register introspection;
// use fchv when the target only needs to be driven through its own
// in-guest agent over vsock.
package fchv

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	log "github.com/sirupsen/logrus"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/cpustate"
	"github.com/snapfuzz/snapfuzz/internal/fshooks"
	"github.com/snapfuzz/snapfuzz/internal/ptwalk"
	"github.com/snapfuzz/snapfuzz/internal/ram"
	"github.com/snapfuzz/snapfuzz/internal/rng"
)

// VsockCID is the guest context identifier for the agent's vsock device
// (CID 3; 0 and 1 are reserved, 2 is the host).
const VsockCID = 3

// AgentPort is the vsock port the in-guest fuzzing agent listens on.
const AgentPort = 10100

// FileOpPort is the vsock port the guest's NT-API file hooks connect to
// when a Table is attached via SetFileTable, mirroring AgentPort's role
// but for filesystem-emulation requests instead of testcase delivery.
const FileOpPort = 10101

// Config locates the on-disk snapshot and Firecracker binary this backend
// restores from, mirroring internal/vm.Paths' split of "where the jailed
// binaries live" from "which snapshot to use".
type Config struct {
	FirecrackerBin string // path to the firecracker binary
	KernelPath     string // vmlinux image (still required by SDK validation on restore)
	MemPath        string // snapshot_mem file
	StatePath      string // snapshot_vmstate file
	RunDir         string // scratch directory for sockets/instance metadata
	VCPUCount      int64
	MemSizeMiB     int64
}

// Backend drives a restored Firecracker microVM as a fuzzing target. Its
// VirtRead/PhysRead only ever see the pristine snapshot image captured at
// Initialize time, and VirtWrite/PhysWrite always fail: Firecracker owns the live
// guest's memory inside its own subprocess, so this backend cannot patch
// 0xCC bytes into running guest memory the way emulator.Backend and
// kvmhv.Backend do. Coverage instead comes from the in-guest agent, which
// is told the watched addresses at Initialize and reports which of them
// it hit for each Run.
type Backend struct {
	mu sync.Mutex

	cfg         Config
	instanceDir string
	vsockPath   string
	machine     *firecracker.Machine

	snapshot *ram.Ram // read-only mirror of the snapshot image

	cr3        ptwalk.Cr3
	rdrandSeed uint64
	limit      backend.Limit

	covIDs  []addr.Gva
	userBps map[addr.Gva]coverage.Handler
	lastNew map[addr.Gva]struct{}

	lastCrashRegs map[backend.Register]uint64

	fsTable *fshooks.Table
	fsSrv   *fileOpServer
}

var _ backend.Backend = (*Backend)(nil)

// New binds a Backend to a snapshot Config and a read-only snapshot-image
// mirror (populated eagerly, same as kvmhv.Backend's r).
func New(cfg Config, snapshotImage *ram.Ram) *Backend {
	return &Backend{
		cfg:           cfg,
		snapshot:      snapshotImage,
		userBps:       make(map[addr.Gva]coverage.Handler),
		lastNew:       make(map[addr.Gva]struct{}),
		lastCrashRegs: make(map[backend.Register]uint64),
	}
}

// SetFileTable attaches a guest-file table the in-guest NT-API hooks
// consult over vsock (see fileserver.go), grounded on spec.md §4.8's
// filesystem-emulation collaborator. Must be called before Initialize;
// a nil table (the default) means this backend never starts the file-op
// listener and the guest's file hooks fall back to their own behavior.
func (b *Backend) SetFileTable(t *fshooks.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fsTable = t
}

func (b *Backend) physReader() ptwalk.PhysReader { return snapshotPhysAdapter{b.snapshot} }

type snapshotPhysAdapter struct{ r *ram.Ram }

func (p snapshotPhysAdapter) PhysRead8(gpa addr.Gpa) (uint64, error) {
	var buf [8]byte
	if err := p.r.ReadAt(gpa, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// Initialize restores the microVM from the configured snapshot and tells
// the in-guest agent which addresses to watch. state is used only to seed
// the deterministic rdrand chain and to record the CR3 that VirtTranslate
// walks from; the architectural registers themselves were already
// captured in the Firecracker snapshot_vmstate file and are not
// re-applied here (Firecracker has no live "set registers" API for a
// restored microVM).
func (b *Backend) Initialize(ctx context.Context, state *cpustate.CpuState, covIDs []addr.Gva) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cr3 = ptwalk.Cr3(state.CR3)
	b.rdrandSeed = state.Seed
	b.covIDs = append([]addr.Gva(nil), covIDs...)

	if err := b.restoreMachine(ctx); err != nil {
		return err
	}
	return b.sendWatchList(ctx)
}

func (b *Backend) restoreMachine(ctx context.Context) error {
	if b.instanceDir == "" {
		b.instanceDir = filepath.Join(b.cfg.RunDir, "fchv")
	}
	if err := os.MkdirAll(b.instanceDir, 0o755); err != nil {
		return fmt.Errorf("fchv: creating instance dir: %w", err)
	}

	socketPath := filepath.Join(b.instanceDir, "firecracker.sock")
	b.vsockPath = filepath.Join(b.instanceDir, "vsock.sock")
	os.Remove(b.vsockPath)

	if b.fsSrv != nil {
		b.fsSrv.Close()
		b.fsSrv = nil
	}

	vcpuCount := b.cfg.VCPUCount
	memSize := b.cfg.MemSizeMiB
	fcCfg := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: b.cfg.KernelPath,
		VsockDevices: []firecracker.VsockDevice{
			{ID: "vsock0", Path: b.vsockPath, CID: VsockCID},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  &vcpuCount,
			MemSizeMib: &memSize,
		},
	}

	fcCmd := firecracker.VMCommandBuilder{}.
		WithBin(b.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)

	logger := log.New()
	logger.SetLevel(log.ErrorLevel)

	machine, err := firecracker.NewMachine(ctx, fcCfg,
		firecracker.WithProcessRunner(fcCmd),
		firecracker.WithLogger(log.NewEntry(logger)),
		firecracker.WithSnapshot(b.cfg.MemPath, b.cfg.StatePath, func(sc *firecracker.SnapshotConfig) {
			sc.ResumeVM = true
		}),
	)
	if err != nil {
		return fmt.Errorf("fchv: creating firecracker machine: %w", err)
	}

	machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(firecracker.AddVsocksHandlerName)
	machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(firecracker.SetupNetworkHandlerName)
	machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(firecracker.CreateLogFilesHandlerName)
	machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(firecracker.BootstrapLoggingHandlerName)

	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("fchv: restoring from snapshot: %w", err)
	}
	b.machine = machine

	if b.fsTable != nil {
		srv, err := startFileOpServer(b.vsockPath, b.fsTable)
		if err != nil {
			return fmt.Errorf("fchv: starting file-op server: %w", err)
		}
		b.fsSrv = srv
	}

	return nil
}

// Run delivers one testcase to the in-guest agent over vsock and blocks
// until it reports an outcome, mirroring vm.ExecuteViaVsock's
// connect/write/read-one-line shape but with the little-endian binary
// framing spec.md §6 uses instead of JSON.
func (b *Backend) Run(ctx context.Context, buffer []byte) (backend.Result, error) {
	b.mu.Lock()
	limit := b.limit
	b.mu.Unlock()

	conn, err := connectVsock(b.vsockPath, AgentPort)
	if err != nil {
		return backend.Result{}, fmt.Errorf("fchv: connecting to agent: %w", err)
	}
	defer conn.Close()

	deadline := 5 * time.Minute
	if limit.Seconds > 0 {
		deadline = time.Duration(limit.Seconds * float64(time.Second))
	}
	conn.SetDeadline(time.Now().Add(deadline))

	if err := writeFrame(conn, frameRun, buffer); err != nil {
		return backend.Result{}, fmt.Errorf("fchv: sending testcase: %w", err)
	}

	kind, payload, err := readFrame(conn)
	if err != nil {
		return backend.Result{}, fmt.Errorf("fchv: reading agent response: %w", err)
	}
	resp, err := decodeResponse(kind, payload)
	if err != nil {
		return backend.Result{}, err
	}

	b.mu.Lock()
	var hit []coverage.Handler
	for _, gva := range resp.hitIDs {
		if h, ok := b.userBps[gva]; ok {
			hit = append(hit, h)
		}
		if b.seenBefore(gva) {
			continue
		}
		b.lastNew[gva] = struct{}{}
	}
	for k, v := range resp.regs {
		b.lastCrashRegs[k] = v
	}
	b.mu.Unlock()

	for _, h := range hit {
		h()
	}
	return resp.result, nil
}

func (b *Backend) seenBefore(gva addr.Gva) bool {
	_, ok := b.lastNew[gva]
	return ok
}

// Restore tears down the current microVM and restores a fresh one from
// the same snapshot files. Unlike emulator.Backend/kvmhv.Backend, this
// does not make restore cost proportional to dirty pages (spec.md §4.6's
// performance invariant does not hold for this backend): Firecracker
// exposes no "rewind this running microVM to its own snapshot" primitive,
// only "load a snapshot into a new microVM", so every Restore pays a full
// process relaunch. Callers that need fast restores should prefer
// backend/emulator or backend/kvmhv.
func (b *Backend) Restore(state *cpustate.CpuState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.machine != nil {
		b.machine.StopVMM()
		b.machine = nil
	}
	for k := range b.lastNew {
		delete(b.lastNew, k)
	}
	b.cr3 = ptwalk.Cr3(state.CR3)
	if b.fsTable != nil {
		b.fsTable.Restore()
	}

	if err := b.restoreMachine(context.Background()); err != nil {
		return err
	}
	return b.sendWatchList(context.Background())
}

func (b *Backend) Stop(result backend.Result) {
	// This backend has no in-flight Core.Step loop to interrupt: Run
	// already blocks on a single vsock round trip and returns the agent's
	// reported result directly, so there is nothing to latch here.
}

func (b *Backend) SetLimit(l backend.Limit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = l
}

func (b *Backend) GetReg(r backend.Register) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.lastCrashRegs[r]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("fchv: register %v not available without a live vcpu handle (no register reported by the last agent response)", r)
}

// SetReg always fails: firecracker-go-sdk exposes no API to mutate a
// restored microVM's register state, only its balloon/metrics/snapshot
// surface, so this backend cannot honor fault injection that needs to
// rewrite a register.
func (b *Backend) SetReg(r backend.Register, v uint64) error {
	return fmt.Errorf("fchv: SetReg unsupported, no live register-write API is exposed for a running microVM")
}

// Rdrand returns the next value from the same blake3 chain the other
// backends use; like kvmhv, real guest RDRAND executes natively and is
// not intercepted here.
func (b *Backend) Rdrand() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, value := rng.Chain(b.rdrandSeed)
	b.rdrandSeed = next
	return value
}

// SetBreakpoint records a handler for gva and, if Initialize already ran,
// re-sends the updated watch list so the agent starts reporting hits for
// it. The handler fires from Run when the agent's response includes gva
// among its hit addresses, not from a host-side 0xCC trap.
func (b *Backend) SetBreakpoint(gva addr.Gva, handler coverage.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.userBps[gva]; exists {
		return fmt.Errorf("fchv: breakpoint already installed at %v", gva)
	}
	b.userBps[gva] = handler
	b.covIDs = append(b.covIDs, gva)
	if b.machine == nil {
		return nil
	}
	return b.sendWatchList(context.Background())
}

func (b *Backend) VirtTranslate(gva addr.Gva, validate ptwalk.AccessKind) (addr.Gpa, error) {
	return ptwalk.VirtTranslate(b.physReader(), gva, b.cr3, validate)
}

func (b *Backend) PhysTranslate(gpa addr.Gpa) (uint64, error) { return b.snapshot.HVA(gpa) }

// VirtRead/PhysRead only ever see the pristine snapshot image captured
// before restore, never the live guest; VirtWrite/PhysWrite always fail:
// see Backend's doc comment.
func (b *Backend) VirtRead(gva addr.Gva, dst []byte) error {
	gpa, err := b.VirtTranslate(gva, ptwalk.Read)
	if err != nil {
		return err
	}
	return b.snapshot.ReadAt(gpa, dst)
}

func (b *Backend) VirtWrite(gva addr.Gva, src []byte) error {
	return fmt.Errorf("fchv: VirtWrite unsupported, live guest memory is not reachable from this process")
}

func (b *Backend) PhysRead(gpa addr.Gpa, dst []byte) error { return b.snapshot.ReadAt(gpa, dst) }

func (b *Backend) PhysWrite(gpa addr.Gpa, src []byte) error {
	return fmt.Errorf("fchv: PhysWrite unsupported, live guest memory is not reachable from this process")
}

func (b *Backend) PageFaultIfNeeded(gva addr.Gva, n uint64) (bool, error) { return false, nil }

func (b *Backend) LastNewCoverage() []addr.Gva {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]addr.Gva, 0, len(b.lastNew))
	for g := range b.lastNew {
		ids = append(ids, g)
	}
	return ids
}

func (b *Backend) RevokeLastNewCoverage() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.lastNew {
		delete(b.lastNew, k)
	}
	return nil
}

// SetTraceFile always fails for this backend. The in-guest agent reports
// one batched hit-ID list per Run call over vsock (see Run above), not a
// per-breakpoint callback, so there is no point at which this backend can
// observe the register state at an individual coverage hit the way
// emulator.Backend and kvmhv.Backend do. Callers that need Rip/UniqueRip/
// Tenet trace output should fuzz against backend/emulator or
// backend/kvmhv instead.
func (b *Backend) SetTraceFile(path string, kind backend.TraceKind) error {
	return fmt.Errorf("fchv: trace recording is not supported by the whv backend")
}

// DirtyGpaCount cannot be observed for this backend short of pausing and
// re-snapshotting (which Restore already does as a side effect of its
// teardown-and-respawn strategy); it reports 0 rather than fabricate a
// number.
func (b *Backend) DirtyGpaCount() int { return 0 }

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fsSrv != nil {
		b.fsSrv.Close()
		b.fsSrv = nil
	}
	if b.machine != nil {
		b.machine.StopVMM()
		b.machine = nil
	}
	if b.instanceDir != "" {
		os.RemoveAll(b.instanceDir)
	}
	return nil
}

// sendWatchList tells the in-guest agent the full set of addresses (user
// breakpoints plus every coverage id passed to Initialize) it should report
// hits for on the next Run. Ids hit in earlier runs are not dropped from the
// list, so the agent keeps reporting them. Sent as its own frame ahead of
// any testcase frame.
func (b *Backend) sendWatchList(ctx context.Context) error {
	conn, err := connectVsockRetry(ctx, b.vsockPath, AgentPort, 5*time.Second)
	if err != nil {
		return fmt.Errorf("fchv: connecting to agent to send watch list: %w", err)
	}
	defer conn.Close()

	ids := make([]addr.Gva, 0, len(b.covIDs))
	seen := make(map[addr.Gva]struct{}, len(b.covIDs))
	for _, g := range b.covIDs {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		ids = append(ids, g)
	}

	payload := make([]byte, 8*len(ids))
	for i, g := range ids {
		binary.LittleEndian.PutUint64(payload[i*8:], uint64(g))
	}
	return writeFrame(conn, frameWatch, payload)
}

// connectVsock connects to a vsock port on the VM through Firecracker's
// UDS, using the same "CONNECT <port>\n" / "OK <port>\n" handshake as
// vm.connectVsock.
func connectVsock(udsPath string, port uint32) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", udsPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to vsock UDS: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending vsock CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading vsock response: %w", err)
	}
	if !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", strings.TrimSpace(line))
	}
	return conn, nil
}

// connectVsockRetry polls connectVsock until the agent's listener is up
// (it may not have started accepting yet immediately after restore).
func connectVsockRetry(ctx context.Context, udsPath string, port uint32, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := connectVsock(udsPath, port)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// --- wire framing: u32-LE length prefix + 1-byte frame kind + payload ---

type frameKind uint8

const (
	frameRun   frameKind = 1 // host -> guest: testcase bytes
	frameWatch frameKind = 2 // host -> guest: coverage-id watch list
	frameResult frameKind = 3 // guest -> host: run outcome
)

func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	var header [5]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(payload)))
	header[4] = byte(kind)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (frameKind, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(header[:4])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return frameKind(header[4]), payload, nil
}

// agentResponse is the decoded form of a frameResult payload: a 1-byte
// backend.ResultKind tag, a result name string, a u32 count of hit
// coverage-id Gvas, the Gvas themselves, and (only for crashes) a small
// set of reported register values keyed by backend.Register.
type agentResponse struct {
	result backend.Result
	hitIDs []addr.Gva
	regs   map[backend.Register]uint64
}

func decodeResponse(kind frameKind, payload []byte) (agentResponse, error) {
	if kind != frameResult {
		return agentResponse{}, fmt.Errorf("fchv: expected result frame, got kind %d", kind)
	}
	if len(payload) < 1 {
		return agentResponse{}, fmt.Errorf("fchv: empty result frame")
	}
	resp := agentResponse{regs: make(map[backend.Register]uint64)}
	resp.result.Kind = backend.ResultKind(payload[0])
	off := 1

	nameLen, n, err := readU16(payload, off)
	if err != nil {
		return agentResponse{}, err
	}
	off = n
	if off+int(nameLen) > len(payload) {
		return agentResponse{}, fmt.Errorf("fchv: truncated result name")
	}
	resp.result.Name = string(payload[off : off+int(nameLen)])
	off += int(nameLen)

	hitCount, n, err := readU32(payload, off)
	if err != nil {
		return agentResponse{}, err
	}
	off = n
	for i := uint32(0); i < hitCount; i++ {
		v, n, err := readU64(payload, off)
		if err != nil {
			return agentResponse{}, err
		}
		off = n
		resp.hitIDs = append(resp.hitIDs, addr.Gva(v))
	}

	if off < len(payload) {
		ripReg, n, err := readU64(payload, off)
		if err == nil {
			off = n
			resp.regs[backend.RegRip] = ripReg
		}
	}

	return resp, nil
}

func readU16(b []byte, off int) (uint16, int, error) {
	if off+2 > len(b) {
		return 0, off, fmt.Errorf("fchv: truncated frame reading u16 at %d", off)
	}
	return binary.LittleEndian.Uint16(b[off:]), off + 2, nil
}

func readU32(b []byte, off int) (uint32, int, error) {
	if off+4 > len(b) {
		return 0, off, fmt.Errorf("fchv: truncated frame reading u32 at %d", off)
	}
	return binary.LittleEndian.Uint32(b[off:]), off + 4, nil
}

func readU64(b []byte, off int) (uint64, int, error) {
	if off+8 > len(b) {
		return 0, off, fmt.Errorf("fchv: truncated frame reading u64 at %d", off)
	}
	return binary.LittleEndian.Uint64(b[off:]), off + 8, nil
}
