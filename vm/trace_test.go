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

import "testing"

// loopProto builds a tiny Proto computing `r0 = r0 + k1` in a loop that
// jumps back to its own header, exercising the recorder's loop-closing
// path (spec.md §4.4 "recording stops once the loop header is reached
// again").
func loopProto() *Proto {
	p := &Proto{
		Constants: []Value{Int(1)},
	}
	p.Code = []Instruction{
		MakeABx(OpLoadK, 1, 0),             // pc0: r1 = k[0] = 1
		MakeABC(OpAdd, 0, 0, 1, false),     // pc1: r0 = r0 + r1
		MakeAsBx(OpJmp, 0, -2),              // pc2: jmp back to pc1 (pc2+1 + (-2) = pc1)
	}
	return p
}

func TestRecordTraceClosesLoop(t *testing.T) {
	p := loopProto()
	tr := NewTrace(p, 1)
	tr.state = RecorderRecording
	recordTrace(tr)
	if tr.state == RecorderAbort {
		t.Fatalf("expected loop to close, got abort: %v", tr.abortWhy)
	}
	if len(tr.Snapshots) == 0 {
		t.Fatal("expected a snapshot to be recorded at the loop-closing jump")
	}
}

func TestRecordTraceAbortsOnUnsupportedOpcode(t *testing.T) {
	p := &Proto{Code: []Instruction{MakeABC(OpCall, 0, 0, 0, false)}}
	tr := NewTrace(p, 0)
	tr.state = RecorderRecording
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic aborting the trace on an unimplemented opcode")
		}
	}()
	recordTrace(tr)
}

func TestAbortReasonStrings(t *testing.T) {
	reasons := []AbortReason{
		AbortNotYetImplemented, AbortTypeInstability, AbortTraceTooLong,
		AbortTooManyRecordedInstructions, AbortTooManySideExits,
		AbortTooManySnapshots, AbortStackTooDeep, AbortInnerLoop,
		AbortUnrollFailed, AbortBadRecursion, AbortBlacklisted,
	}
	for _, r := range reasons {
		if r.String() == "unknown" {
			t.Errorf("AbortReason %d missing a String() case", r)
		}
	}
}

func TestTraceTableInsertLookupDelete(t *testing.T) {
	tt := NewTraceTable()
	p := &Proto{}
	key := TraceKey{Proto: p, PC: 5}
	tr := NewTrace(p, 5)
	tt.Insert(key, tr)
	got, ok := tt.Lookup(key)
	if !ok || got != tr {
		t.Fatal("expected to find inserted trace")
	}
	tt.Delete(key)
	if _, ok := tt.Lookup(key); ok {
		t.Fatal("expected trace to be gone after delete")
	}
}
