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
	"math/rand"
	"testing"
)

func straightLineProto() *Proto {
	return &Proto{
		MaxStackSize: 2,
		Constants:    []Value{Int(1), Int(2)},
		Code: []Instruction{
			MakeABx(OpLoadK, 0, 0),
			MakeABx(OpLoadK, 1, 1),
			MakeABC(OpAdd, 0, 0, 1, false),
			MakeABC(OpReturn, 0, 1, 0, false),
		},
	}
}

// loopingProto loops back on itself (a backward OpJmp, target at or
// before its own pc) — the kind of hand-rolled loop Flatten must still
// refuse, as distinct from a harmless forward jump.
func loopingProto() *Proto {
	return &Proto{
		MaxStackSize: 2,
		Constants:    []Value{Int(0)},
		Code: []Instruction{
			MakeABx(OpLoadK, 0, 0),
			MakeAsBx(OpJmp, 0, -2), // target = 1+1-2 = 0, a backward edge
			MakeABC(OpReturn, 0, 1, 0, false),
		},
	}
}

func TestFlattenRejectsLoopTerminators(t *testing.T) {
	p := loopingProto()
	_, err := Flatten(p, DefaultObfuscationConfig())
	if err == nil {
		t.Fatal("expected Flatten to reject a Proto containing a backward OpJmp")
	}
}

// ifThenElseProto implements `function(x) if x > 0 then return x else
// return -x end` directly in bytecode, the CFF round-trip scenario
// (spec.md §8.5). r0 holds the parameter; r1 is scratch for comparing
// against zero; r2 holds the result.
func ifThenElseProto() *Proto {
	return &Proto{
		MaxStackSize: 3,
		Constants:    []Value{Int(0)},
		Code: []Instruction{
			MakeABx(OpLoadK, 1, 0),             // 0: r1 = 0
			MakeABC(OpLt, 1, 0, 0, true),        // 1: (r1 < r0) == true ?
			MakeAsBx(OpJmp, 0, 2),               // 2: taken -> pc 5 ("then")
			MakeABC(OpUnm, 2, 0, 0, false),      // 3: "else": r2 = -r0
			MakeABC(OpReturn, 2, 1, 0, false),   // 4
			MakeABC(OpMove, 2, 0, 0, false),      // 5: "then": r2 = r0
			MakeABC(OpReturn, 2, 1, 0, false),   // 6
		},
	}
}

// execProto is a test-only, PC-driven bytecode executor: the production
// interpreter's dispatch loop is an out-of-scope external collaborator
// (vm/interpreter.go's Collaborator), so there is nothing in this module
// that actually runs a Proto end to end. It understands exactly the
// opcodes ifThenElseProto and Flatten's own output use, following the
// same compare-then-skip convention Flatten assumes: a compare's result
// matching K falls through normally (to a paired OpJmp); a mismatch
// skips exactly the next instruction.
func execProto(t *testing.T, p *Proto, regs []Value) Value {
	t.Helper()
	coll := &fakeCollaborator{regs: regs, consts: append([]Value(nil), p.Constants...)}
	frame := &Frame{Proto: p}
	pc := 0
	for steps := 0; ; steps++ {
		if steps > 10000 {
			t.Fatalf("execProto: did not halt after %d steps (pc=%d)", steps, pc)
		}
		instr := p.Code[pc]
		switch instr.OpCode() {
		case OpLoadK:
			coll.SetStackSlot(frame, instr.A(), coll.Constant(frame, int(instr.Bx())))
			pc++
		case OpMove:
			coll.SetStackSlot(frame, instr.A(), coll.StackSlot(frame, instr.B()))
			pc++
		case OpUnm:
			coll.SetStackSlot(frame, instr.A(), Int(-coll.StackSlot(frame, instr.B()).Int()))
			pc++
		case OpNot:
			pc++ // bogus-block junk instruction: side-effect-free for this test's purposes
		case OpEq, OpLt, OpLe:
			l := coll.StackSlot(frame, instr.A()).Int()
			r := coll.StackSlot(frame, instr.B()).Int()
			var actual bool
			switch instr.OpCode() {
			case OpEq:
				actual = l == r
			case OpLt:
				actual = l < r
			case OpLe:
				actual = l <= r
			}
			if actual == instr.K() {
				pc++
			} else {
				pc += 2
			}
		case OpJmp:
			pc = pc + 1 + int(instr.SBx())
		case OpReturn:
			return coll.StackSlot(frame, instr.A())
		default:
			t.Fatalf("execProto: unsupported opcode %s at pc %d", instr.OpCode(), pc)
		}
	}
}

func TestFlattenAcceptsForwardJump(t *testing.T) {
	p := &Proto{
		MaxStackSize: 1,
		Constants:    []Value{Int(1), Int(2)},
		Code: []Instruction{
			MakeABx(OpLoadK, 0, 0),
			MakeAsBx(OpJmp, 0, 1), // skip over the next instruction
			MakeABx(OpLoadK, 0, 1),
			MakeABC(OpReturn, 0, 1, 0, false),
		},
	}
	flat, err := Flatten(p, DefaultObfuscationConfig())
	if err != nil {
		t.Fatalf("expected forward OpJmp to be accepted, got: %v", err)
	}
	got := execProto(t, flat, make([]Value, 8))
	if got.Int() != 1 {
		t.Fatalf("flattened forward-jump proto returned %d, want 1", got.Int())
	}
}

// TestFlattenControlFlowScenario is spec.md §8.5's CFF round-trip
// scenario: flattening ifThenElseProto with all sub-flags enabled and a
// fixed seed must preserve the original's observable behavior for both
// branches, and the flattened code must be strictly larger.
func TestFlattenControlFlowScenario(t *testing.T) {
	cfg := ObfuscationConfig{
		Enabled:       true,
		ShuffleIDs:    true,
		BogusBlocks:   true,
		MaxBogusRatio: 0.5,
		Seed:          0xDEADBEEF,
	}
	orig := ifThenElseProto()
	flat, err := Flatten(orig, cfg)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(flat.Code) <= len(orig.Code) {
		t.Fatalf("flattened sizecode %d is not strictly greater than original %d", len(flat.Code), len(orig.Code))
	}

	for _, x := range []int64{5, -5} {
		gotOrig := execProto(t, ifThenElseProto(), append([]Value{Int(x)}, make([]Value, 8)...))
		gotFlat := execProto(t, flat, append([]Value{Int(x)}, make([]Value, 8)...))
		if gotOrig.Int() != 5 {
			t.Fatalf("original proto for x=%d returned %d, want 5", x, gotOrig.Int())
		}
		if gotFlat.Int() != gotOrig.Int() {
			t.Fatalf("flattened proto for x=%d returned %d, want %d (same as original)", x, gotFlat.Int(), gotOrig.Int())
		}
	}
}

func TestFlattenRejectsStateRegisterWrite(t *testing.T) {
	p := straightLineProto()
	// Write directly into the register CFF reserves as the state slot.
	p.Code = append(p.Code, MakeABx(OpLoadK, p.MaxStackSize, 0))
	_, err := Flatten(p, DefaultObfuscationConfig())
	if err == nil {
		t.Fatal("expected Flatten to reject a write to the state register")
	}
}

func TestFlattenNeverShrinksInstructionCount(t *testing.T) {
	p := straightLineProto()
	cfg := DefaultObfuscationConfig()
	cfg.BogusBlocks = false
	out, err := Flatten(p, cfg)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	// the relocated real instructions plus an entry LOADK, one LOADK/EQ/JMP
	// dispatcher arm per block, the dispatcher's closing JMP and each
	// block's state transition; never fewer than the original instruction
	// count.
	if len(out.Code) < len(p.Code) {
		t.Fatalf("flattened code shrank: got %d instructions, want >= %d", len(out.Code), len(p.Code))
	}
	if out.MaxStackSize != p.MaxStackSize+2 {
		t.Fatalf("expected MaxStackSize to grow by 2 for the state and scratch registers, got %d", out.MaxStackSize)
	}
}

func TestFlattenBogusBlocksBoundedByRatio(t *testing.T) {
	p := straightLineProto()
	cfg := DefaultObfuscationConfig()
	cfg.BogusBlocks = true
	cfg.MaxBogusRatio = 1.0
	out, err := Flatten(p, cfg)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(out.Code) == 0 {
		t.Fatal("expected non-empty flattened code")
	}
	// every state id, real or bogus, has exactly one EQ dispatcher arm
	nReal := len(buildBasicBlocks(p))
	arms := 0
	for _, instr := range out.Code {
		if instr.OpCode() == OpEq {
			arms++
		}
	}
	if limit := nReal + int(float64(nReal)*cfg.MaxBogusRatio); arms > limit {
		t.Fatalf("expected at most %d dispatcher arms (real + bogus), got %d", limit, arms)
	}
}

func TestFisherYatesShuffleIsPermutation(t *testing.T) {
	ids := []int{0, 1, 2, 3, 4, 5, 6, 7}
	orig := append([]int(nil), ids...)
	fisherYatesShuffleInts(ids, rand.New(rand.NewSource(1)))

	seen := make(map[int]bool)
	for _, v := range ids {
		seen[v] = true
	}
	for _, v := range orig {
		if !seen[v] {
			t.Fatalf("shuffled slice lost value %d", v)
		}
	}
	if len(seen) != len(orig) {
		t.Fatalf("shuffle produced duplicates: %v", ids)
	}
}
