// Package worker implements the per-worker execution loop spec.md §4.7
// describes: receive a testcase, run it against a backend, report the
// result, restore. Grounded on internal/vm/pool_client.go's dial/request/
// response client shape (net.Dial, a single blocking round trip per
// request) and on the execute/classify/report/restore structure
// syzkaller's worker process loop uses to drive one VM continuously.
package worker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/cpustate"
	"github.com/snapfuzz/snapfuzz/internal/protocol"
)

// Stats accumulates simple per-worker counters; `snapfuzz fuzz` prints
// them when the worker loop ends.
type Stats struct {
	Runs      uint64
	Crashes   uint64
	Timeouts  uint64
	NewEdges  uint64
}

// Worker drives one backend against a stream of testcases from a single
// master connection.
type Worker struct {
	backend   backend.Backend
	baseState *cpustate.CpuState
	conn      net.Conn
	stats     Stats
}

// New wires a Worker around an already-Initialize'd backend and the
// baseline CPU state Restore re-applies after every run.
func New(b backend.Backend, baseState *cpustate.CpuState, conn net.Conn) *Worker {
	return &Worker{backend: b, baseState: baseState, conn: conn}
}

// Run services testcases from the master connection until it closes or
// ctx is canceled, implementing spec §4.7's worker loop:
//  1. receive bytes
//  2. backend.Run(bytes) -> result
//  3. if Timedout -> backend.RevokeLastNewCoverage()
//  4. send result to master
//  5. backend.Restore(baseState)
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		testcase, err := protocol.ReadTestcase(w.conn)
		if err != nil {
			return fmt.Errorf("worker: receiving testcase: %w", err)
		}

		// testcase is handed to backend.Run as the buffer parameter. The
		// fchv backend sends it to its in-guest agent with the run request;
		// the emulator and kvmhv backends do not read it and instead replay
		// whatever input path the snapshotted guest already has hooked.
		result, err := w.backend.Run(ctx, testcase)
		if err != nil {
			return fmt.Errorf("worker: running testcase: %w", err)
		}
		w.stats.Runs++

		cov := w.backend.LastNewCoverage()
		switch result.Kind {
		case backend.Timedout:
			w.stats.Timeouts++
			if err := w.backend.RevokeLastNewCoverage(); err != nil {
				return fmt.Errorf("worker: revoking coverage after timeout: %w", err)
			}
			cov = nil
		case backend.Crash:
			w.stats.Crashes++
		}
		if len(cov) > 0 {
			w.stats.NewEdges += uint64(len(cov))
		}

		report := protocol.Report{Testcase: testcase, Coverage: cov, Result: result}
		if err := protocol.WriteReport(w.conn, report); err != nil {
			return fmt.Errorf("worker: sending report: %w", err)
		}

		if err := w.backend.Restore(w.baseState); err != nil {
			return fmt.Errorf("worker: restoring backend: %w", err)
		}
	}
}

// Stats returns a copy of the worker's running counters.
func (w *Worker) Stats() Stats { return w.stats }

// Dial connects to a master at address, the client-side half of the
// master/worker TCP stream.
func Dial(address string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("worker: dialing master %s: %w", address, err)
	}
	return conn, nil
}
