// Package coverage implements the breakpoint/coverage engine: one-shot
// coverage breakpoints, user breakpoints with the step-over protocol, and
// the per-run "last new coverage" set. Grounded on
// original_source/src/wtf/debugger.h's breakpoint table shape and
// spec.md §4.4/§4.5.
package coverage

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/internal/addr"
	"github.com/snapfuzz/snapfuzz/internal/ptwalk"
	"github.com/snapfuzz/snapfuzz/internal/ram"
)

// HookAction tells the backend what to do after a user-breakpoint handler
// runs (spec §4.5 step 2).
type HookAction int

const (
	// ActionStepOver means the handler did not move RIP, inject a #PF, or
	// request stop; the engine must single-step the original instruction.
	ActionStepOver HookAction = iota
	// ActionDone means the handler moved RIP, injected a fault, or called
	// Stop; no step-over is needed.
	ActionDone
)

// Handler is a user breakpoint's callback.
type Handler func() HookAction

type userBp struct {
	gpa     addr.Gpa
	handler Handler
}

type coverageBp struct {
	gpa addr.Gpa
}

// Engine owns the breakpoint tables for one backend instance. Breakpoint
// tables persist across runs; coverage breakpoints shrink monotonically as
// coverage is discovered (spec §3 "Lifecycles").
type Engine struct {
	ram *ram.Ram

	user     map[addr.Gva]*userBp
	coverage map[addr.Gva]*coverageBp

	// original records the pre-breakpoint byte for every Gpa currently
	// carrying a 0xCC, keyed by Gva so RemoveBreakpoint-equivalent callers
	// don't need to separately track it.
	original map[addr.Gva]byte

	lastNewCoverage map[addr.Gva]struct{}

	// stepOver holds the Gva whose 0xCC was transiently removed for a
	// step-over, awaiting the next #DB to re-arm it.
	stepOver *addr.Gva
}

// NewEngine creates a breakpoint engine bound to a RAM instance.
func NewEngine(r *ram.Ram) *Engine {
	return &Engine{
		ram:             r,
		user:            make(map[addr.Gva]*userBp),
		coverage:        make(map[addr.Gva]*coverageBp),
		original:        make(map[addr.Gva]byte),
		lastNewCoverage: make(map[addr.Gva]struct{}),
	}
}

// SetUserBreakpoint installs a user breakpoint at gva, translating it to a
// Gpa via pr/cr3. Placing a breakpoint where one already exists (user or
// coverage) is a configuration error (spec §7).
func (e *Engine) SetUserBreakpoint(pr ptwalk.PhysReader, gva addr.Gva, cr3 ptwalk.Cr3, h Handler) error {
	if _, exists := e.user[gva]; exists {
		return fmt.Errorf("coverage: user breakpoint already installed at %v", gva)
	}
	if _, exists := e.coverage[gva]; exists {
		return fmt.Errorf("coverage: coverage breakpoint already installed at %v", gva)
	}
	gpa, err := ptwalk.VirtTranslate(pr, gva, cr3, ptwalk.Execute)
	if err != nil {
		return fmt.Errorf("coverage: translating user breakpoint %v: %w", gva, err)
	}
	_, original, err := e.ram.AddBreakpoint(gpa)
	if err != nil {
		return err
	}
	e.user[gva] = &userBp{gpa: gpa, handler: h}
	e.original[gva] = original
	return nil
}

// InstallCoverageBreakpoint installs a one-shot coverage breakpoint at gva
// (spec §4.4: "for every id, walk the PT to obtain a Gpa and install a
// 0xCC via add_breakpoint").
func (e *Engine) InstallCoverageBreakpoint(pr ptwalk.PhysReader, gva addr.Gva, cr3 ptwalk.Cr3) error {
	if _, exists := e.user[gva]; exists {
		return fmt.Errorf("coverage: user breakpoint already installed at %v", gva)
	}
	if _, exists := e.coverage[gva]; exists {
		return nil // already installed, idempotent
	}
	gpa, err := ptwalk.VirtTranslate(pr, gva, cr3, ptwalk.Execute)
	if err != nil {
		return fmt.Errorf("coverage: translating coverage breakpoint %v: %w", gva, err)
	}
	_, original, err := e.ram.AddBreakpoint(gpa)
	if err != nil {
		return err
	}
	e.coverage[gva] = &coverageBp{gpa: gpa}
	e.original[gva] = original
	return nil
}

// HitKind distinguishes which table a trapped Gva belonged to.
type HitKind int

const (
	HitNone HitKind = iota
	HitUser
	HitCoverage
)

// OnBreakpointHit is called by a backend when execution traps on a 0xCC at
// rip. It implements the one-shot coverage removal (spec §4.4) and begins
// the step-over protocol for user breakpoints (spec §4.5).
//
// For a coverage hit, the breakpoint is removed immediately and the id is
// recorded in lastNewCoverage; no step-over is needed since nothing else
// needs to observe that exact Gva's execution again.
//
// For a user hit, the caller must invoke the handler itself (handlers may
// need backend-specific context unavailable to this package) and then call
// ContinueUserHit with the handler's HookAction.
func (e *Engine) OnBreakpointHit(rip addr.Gva) HitKind {
	if _, ok := e.coverage[rip]; ok {
		e.removeCoverageLocked(rip)
		e.lastNewCoverage[rip] = struct{}{}
		return HitCoverage
	}
	if _, ok := e.user[rip]; ok {
		return HitUser
	}
	return HitNone
}

// UserHandler returns the installed handler for a user breakpoint Gva.
func (e *Engine) UserHandler(gva addr.Gva) (Handler, bool) {
	bp, ok := e.user[gva]
	if !ok {
		return nil, false
	}
	return bp.handler, true
}

// BeginStepOver removes the 0xCC for a user breakpoint ahead of a
// single-step, per spec §4.5 step 3. The caller is responsible for
// setting RFLAGS.TF and resuming.
func (e *Engine) BeginStepOver(gva addr.Gva) error {
	bp, ok := e.user[gva]
	if !ok {
		return fmt.Errorf("coverage: no user breakpoint at %v", gva)
	}
	original := e.original[gva]
	if err := e.ram.RemoveBreakpoint(bp.gpa, original); err != nil {
		return err
	}
	g := gva
	e.stepOver = &g
	return nil
}

// FinishStepOver re-arms the 0xCC on the #DB that follows a step-over
// (spec §4.5 step 4). The caller is responsible for clearing RFLAGS.TF.
func (e *Engine) FinishStepOver() error {
	if e.stepOver == nil {
		return nil // no step-over in flight; not every #DB follows one
	}
	gva := *e.stepOver
	bp, ok := e.user[gva]
	e.stepOver = nil
	if !ok {
		return nil
	}
	_, original, err := e.ram.AddBreakpoint(bp.gpa)
	if err != nil {
		return err
	}
	e.original[gva] = original
	return nil
}

// StepOverPending reports whether a step-over is awaiting its #DB.
func (e *Engine) StepOverPending() bool { return e.stepOver != nil }

func (e *Engine) removeCoverageLocked(gva addr.Gva) {
	bp := e.coverage[gva]
	original := e.original[gva]
	e.ram.RemoveBreakpoint(bp.gpa, original)
	delete(e.coverage, gva)
	delete(e.original, gva)
}

// LastNewCoverage returns the coverage ids tripped during the current run.
func (e *Engine) LastNewCoverage() []addr.Gva {
	out := make([]addr.Gva, 0, len(e.lastNewCoverage))
	for g := range e.lastNewCoverage {
		out = append(out, g)
	}
	return out
}

// RevokeLastNewCoverage re-installs every coverage breakpoint tripped this
// run and clears the set, per spec §4.4's Timedout handling: a timeout
// must not contribute to aggregated coverage, so the one-shot removal is
// undone.
func (e *Engine) RevokeLastNewCoverage(pr ptwalk.PhysReader, cr3 ptwalk.Cr3) error {
	for gva := range e.lastNewCoverage {
		if err := e.InstallCoverageBreakpoint(pr, gva, cr3); err != nil {
			return err
		}
	}
	e.lastNewCoverage = make(map[addr.Gva]struct{})
	return nil
}

// ClearLastNewCoverage clears the per-run set without re-installing,
// called at the start of Restore (spec §4.6 step 4).
func (e *Engine) ClearLastNewCoverage() {
	e.lastNewCoverage = make(map[addr.Gva]struct{})
}

// CoverageBreakpointCount returns the number of live (not-yet-hit)
// coverage breakpoints, mostly useful for stats/logging.
func (e *Engine) CoverageBreakpointCount() int { return len(e.coverage) }
