// Package master implements the fuzzing coordinator spec.md §4.7
// describes: a TCP listener multiplexing worker connections, each driven
// through select-seed -> mutate -> send -> receive -> merge. Grounded on
// internal/vm/pool_linux.go's Pool (mutex-guarded shared state, an accept
// loop spawning one goroutine per connection, a done channel plus
// sync.WaitGroup for graceful Shutdown, a timestamped log helper).
package master

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/corpus"
	"github.com/snapfuzz/snapfuzz/internal/mutator"
	"github.com/snapfuzz/snapfuzz/internal/protocol"
)

// Config configures a new Master.
type Config struct {
	Address     string
	Corpus      *corpus.Corpus
	Mutator     mutator.Mutator
	MaxLen      int
	OutputsDir  string
	CrashesDir  string
	Runs        uint64 // 0 means unlimited
	Verbose     bool
}

// Master coordinates a fleet of worker connections, holding the single
// authoritative aggregated-coverage set and corpus spec §5 assigns to it.
type Master struct {
	cfg Config

	mu          sync.Mutex
	aggCoverage map[addr.Gva]struct{}
	runsDone    uint64

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
	stderr   io.Writer
}

// New creates a Master. Call Start to begin serving worker connections.
func New(cfg Config, stderr io.Writer) *Master {
	return &Master{
		cfg:         cfg,
		aggCoverage: make(map[addr.Gva]struct{}),
		done:        make(chan struct{}),
		stderr:      stderr,
	}
}

// Start listens on cfg.Address and serves worker connections until ctx is
// canceled or Shutdown is called. It blocks until every connection
// handler has exited.
func (m *Master) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.cfg.Address)
	if err != nil {
		return fmt.Errorf("master: listening on %s: %w", m.cfg.Address, err)
	}
	m.listener = listener
	m.log("listening on %s", m.cfg.Address)

	m.wg.Add(1)
	go m.acceptLoop()

	select {
	case <-ctx.Done():
		m.Shutdown()
	case <-m.done:
	}
	m.wg.Wait()
	return nil
}

func (m *Master) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
				continue
			}
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.serveWorker(conn)
		}()
	}
}

// serveWorker runs the per-connection scheduling loop spec §4.7 describes,
// one testcase at a time (implicit backpressure: the next send waits for
// the previous result).
func (m *Master) serveWorker(conn net.Conn) {
	defer conn.Close()
	for {
		select {
		case <-m.done:
			return
		default:
		}
		if m.reachedRunLimit() {
			return
		}

		seed := m.cfg.Corpus.Select()
		mutated := m.cfg.Mutator.Mutate(seed.Bytes, m.cfg.MaxLen)

		if err := protocol.WriteTestcase(conn, mutated); err != nil {
			m.log("worker %s: send failed: %v", conn.RemoteAddr(), err)
			return
		}
		report, err := protocol.ReadReport(conn)
		if err != nil {
			m.log("worker %s: recv failed: %v", conn.RemoteAddr(), err)
			return
		}

		m.handleReport(mutated, report)
		m.countRun()
	}
}

func (m *Master) handleReport(mutated []byte, report protocol.Report) {
	// Step 6: a timed-out run's coverage is discarded, even if the worker
	// reported some. Step 4: for every other result kind, any id not yet
	// in the aggregated set is new coverage.
	if report.Result.Kind != backend.Timedout && m.mergeCoverage(report.Coverage) {
		if entry, added := m.cfg.Corpus.Add(mutated); added {
			if err := corpus.Persist(m.cfg.OutputsDir, entry); err != nil {
				m.log("persisting corpus entry: %v", err)
			}
		}
	}

	// Step 5: a crash is persisted independent of whether it also
	// produced new coverage.
	if report.Result.Kind == backend.Crash {
		entry := corpus.Entry{Bytes: mutated, Fingerprint: corpus.Fingerprint(mutated)}
		if err := corpus.PersistCrash(m.cfg.CrashesDir, report.Result.Name, entry); err != nil {
			m.log("persisting crash: %v", err)
		}
	}
}

// mergeCoverage reports whether ids contained any coverage id not already
// in the aggregated set, merging it in either way.
func (m *Master) mergeCoverage(ids []addr.Gva) bool {
	if len(ids) == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	newCoverage := false
	for _, id := range ids {
		if _, ok := m.aggCoverage[id]; !ok {
			m.aggCoverage[id] = struct{}{}
			newCoverage = true
		}
	}
	return newCoverage
}

func (m *Master) countRun() {
	m.mu.Lock()
	m.runsDone++
	m.mu.Unlock()
}

func (m *Master) reachedRunLimit() bool {
	if m.cfg.Runs == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runsDone >= m.cfg.Runs
}

// CoverageCount reports the size of the aggregated coverage set.
func (m *Master) CoverageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.aggCoverage)
}

// RunsDone reports how many testcases have been executed so far.
func (m *Master) RunsDone() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runsDone
}

// Shutdown stops accepting new connections and unblocks Start.
func (m *Master) Shutdown() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	if m.listener != nil {
		m.listener.Close()
	}
}

func (m *Master) log(format string, args ...any) {
	if !m.cfg.Verbose || m.stderr == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(m.stderr, "[master] %s %s\n", time.Now().Format("15:04:05"), msg)
}
