/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package vm

import (
	"sync"

	"github.com/google/uuid"
)

// RecorderState is the trace recorder's state machine (spec.md §4.4):
// Idle → Recording → (Done | Abort).
type RecorderState uint8

const (
	RecorderIdle RecorderState = iota
	RecorderRecording
	RecorderDone
	RecorderAbort
)

// AbortReason enumerates why a trace recording stopped short of Done.
// The three spec.md §4.4 names directly (NYI, blacklist-after-3-aborts,
// type instability) plus the richer set original_source/ljit_trace.c's
// abort path actually distinguishes (SPEC_FULL.md §3).
type AbortReason uint8

const (
	AbortNone AbortReason = iota
	AbortNotYetImplemented
	AbortTypeInstability
	AbortTraceTooLong
	AbortTooManyRecordedInstructions
	AbortTooManySideExits
	AbortTooManySnapshots
	AbortStackTooDeep
	AbortInnerLoop
	AbortUnrollFailed
	AbortBadRecursion
	AbortBlacklisted
)

func (r AbortReason) String() string {
	switch r {
	case AbortNone:
		return "none"
	case AbortNotYetImplemented:
		return "not-yet-implemented"
	case AbortTypeInstability:
		return "type-instability"
	case AbortTraceTooLong:
		return "trace-too-long"
	case AbortTooManyRecordedInstructions:
		return "too-many-recorded-instructions"
	case AbortTooManySideExits:
		return "too-many-side-exits"
	case AbortTooManySnapshots:
		return "too-many-snapshots"
	case AbortStackTooDeep:
		return "stack-too-deep"
	case AbortInnerLoop:
		return "inner-loop"
	case AbortUnrollFailed:
		return "unroll-failed"
	case AbortBadRecursion:
		return "bad-recursion"
	case AbortBlacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// Snapshot is a (PC, [(slot, IRRef, type)]) triple letting deoptimize
// reconstruct interpreter state at a guard point (spec.md §4.5).
type Snapshot struct {
	PC    int
	Slots []snapshotSlot
}

// Trace is a completed recording: its IR, entry Proto/PC, and the
// snapshots taken at every guard, ready for the emitter.
type Trace struct {
	ID        uuid.UUID
	Proto     *Proto
	EntryPC   int
	IR        *IRBuilder
	Snapshots []Snapshot
	LoopStart int // index into IR.instrs where the recorded loop body begins

	state     RecorderState
	abortWhy  AbortReason
	sideExits int
}

func NewTrace(p *Proto, entryPC int) *Trace {
	return &Trace{
		ID:      uuid.New(),
		Proto:   p,
		EntryPC: entryPC,
		IR:      NewIRBuilder(),
		state:   RecorderIdle,
	}
}

func (t *Trace) abort(reason AbortReason) {
	t.state = RecorderAbort
	t.abortWhy = reason
	panic(newError(abortKind(reason), "trace aborted: "+reason.String()))
}

func abortKind(r AbortReason) Kind {
	switch r {
	case AbortNotYetImplemented:
		return KindNotYetImplemented
	case AbortBlacklisted:
		return KindBlacklisted
	case AbortTraceTooLong, AbortTooManyRecordedInstructions, AbortTooManySnapshots:
		return KindTraceLimit
	case AbortStackTooDeep, AbortInnerLoop, AbortBadRecursion:
		return KindLoopDepth
	case AbortTypeInstability:
		return KindTypeUnstable
	case AbortTooManySideExits:
		return KindSideExit
	default:
		return KindNotYetImplemented
	}
}

// AddSnapshot records a guard point, enforcing spec.md §6's maxsnap
// bound.
func (t *Trace) AddSnapshot(pc int, slots []snapshotSlot) {
	if len(t.Snapshots) >= Settings.MaxSnap {
		t.abort(AbortTooManySnapshots)
	}
	t.Snapshots = append(t.Snapshots, Snapshot{PC: pc, Slots: slots})
}

// RecordSideExit counts a side exit taken out of this trace, aborting it
// (too-many-side-exits) once spec.md §6's maxside is exceeded.
func (t *Trace) RecordSideExit() {
	t.sideExits++
	if t.sideExits > Settings.MaxSide {
		t.abort(AbortTooManySideExits)
	}
}

// Finish transitions a trace from Recording to Done, running the
// optimizer over the accumulated IR before handing it to the emitter.
func (t *Trace) Finish() {
	Optimize(t.IR, t.LoopStart)
	t.state = RecorderDone
}

// TraceTable indexes completed/compiling traces by (Proto,PC) using a
// btree so the JIT controller can do ordered range scans (e.g. "every
// trace rooted in this Proto") as well as point lookups, per
// SPEC_FULL.md §2's google/btree wiring.
type TraceTable struct {
	mu   sync.RWMutex
	tree *btreeIndex
}

func NewTraceTable() *TraceTable {
	return &TraceTable{tree: newBtreeIndex()}
}

func (tt *TraceTable) Lookup(key TraceKey) (*Trace, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.tree.get(key)
}

func (tt *TraceTable) Insert(key TraceKey, tr *Trace) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.tree.put(key, tr)
}

func (tt *TraceTable) Delete(key TraceKey) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.tree.delete(key)
}

// TraceKey identifies a trace by its root (Proto,PC) pair.
type TraceKey struct {
	Proto *Proto
	PC    int
}
