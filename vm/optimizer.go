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

// optimizerMetainfo is a per-instruction fact table (known-constant flag
// and value, remaining-use flag) built by newOptimizerMetainfo. The passes
// below keep their own local state and do not use it.
type optimizerMetainfo struct {
	isConst  []bool
	constVal []Value
	used     []bool
}

func newOptimizerMetainfo(n int) optimizerMetainfo {
	return optimizerMetainfo{
		isConst:  make([]bool, n),
		constVal: make([]Value, n),
		used:     make([]bool, n),
	}
}

// Optimize runs the fixed-point pass pipeline over b until no pass
// reports further change, implementing spec.md §4.5's optimizer. Passes
// run in a stable order each round: constant folding, type narrowing,
// reassociation, dead-code elimination, loop-invariant code motion.
func Optimize(b *IRBuilder, loopStart int) {
	for {
		changed := false
		changed = passConstFold(b) || changed
		changed = passTypeNarrow(b) || changed
		changed = passReassociate(b) || changed
		changed = passDCE(b) || changed
		changed = passLICM(b, loopStart) || changed
		if !changed {
			return
		}
	}
}

func idx(ref IRRef) int { return int(ref - irRefBias) }

// passConstFold folds arithmetic over two constant-pool operands into a
// single new constant, replacing the instruction with an IRConstValue
// reference (spec.md §4.5 "constant folding").
func passConstFold(b *IRBuilder) bool {
	changed := false
	for i := range b.instrs {
		in := &b.instrs[i]
		if in.dead || !in.Op1.IsConst() || !in.Op2.IsConst() {
			continue
		}
		var result Value
		ok := true
		a, c := b.consts[in.Op1], b.consts[in.Op2]
		switch in.Op {
		case IRAdd:
			result = foldNumeric(a, c, func(x, y int64) int64 { return x + y }, func(x, y float64) float64 { return x + y })
		case IRSub:
			result = foldNumeric(a, c, func(x, y int64) int64 { return x - y }, func(x, y float64) float64 { return x - y })
		case IRMul:
			result = foldNumeric(a, c, func(x, y int64) int64 { return x * y }, func(x, y float64) float64 { return x * y })
		case IREq:
			result = Bool(a.Equal(c))
		case IRNe:
			result = Bool(!a.Equal(c))
		default:
			ok = false
		}
		if !ok {
			continue
		}
		cref := b.AddConst(result)
		in.Op = IRConstValue
		in.Op1 = cref
		in.Op2 = 0
		changed = true
	}
	return changed
}

func foldNumeric(a, c Value, intOp func(int64, int64) int64, floatOp func(float64, float64) float64) Value {
	if a.IsInt() && c.IsInt() {
		return Int(intOp(a.Int(), c.Int()))
	}
	return Float(floatOp(a.Float(), c.Float()))
}

// passTypeNarrow propagates a known type (established by a guard or
// carried by the producing instruction) forward onto instructions whose
// first operand it is and whose own type is still unknown (spec.md §4.5
// "type narrowing").
func passTypeNarrow(b *IRBuilder) bool {
	changed := false
	known := make(map[IRRef]IRType)
	for i := range b.instrs {
		in := &b.instrs[i]
		if in.dead {
			continue
		}
		ref := irRefBias + IRRef(i)
		if in.Op == IRGuardType {
			known[in.Op1] = in.Type
		}
		if t, ok := known[in.Op1]; ok && t != IRTypeUnknown && in.Type == IRTypeUnknown {
			in.Type = t
			changed = true
		}
		known[ref] = in.Type
	}
	return changed
}

// passReassociate rewrites (a+b)+c into a+(b+c) when b and c are both
// constants, grouping constant operands so later constant-folding
// passes can collapse them — the "reassociate commutative chains" pass
// SPEC_FULL.md §3 notes original_source/ljit_opt.c performs beyond the
// four base passes.
func passReassociate(b *IRBuilder) bool {
	changed := false
	for i := range b.instrs {
		in := &b.instrs[i]
		if in.dead || (in.Op != IRAdd && in.Op != IRMul) {
			continue
		}
		if in.Op1.IsConst() {
			continue
		}
		left := b.Ref(in.Op1)
		if left.Op != in.Op || left.dead {
			continue
		}
		// left is itself (x OP y); if y is a constant and Op2 is a
		// constant, swap so the two constants become adjacent operands
		// a future constFold pass on a fresh instruction can merge.
		if !left.Op2.IsConst() || !in.Op2.IsConst() {
			continue
		}
		newInner := b.emit(in.Op, in.Type, left.Op2, in.Op2, 0)
		in = &b.instrs[i] // emit may have grown (and moved) b.instrs
		in.Op1 = left.Op1
		in.Op2 = newInner
		changed = true
	}
	return changed
}

// passDCE marks every instruction with no remaining use (other than
// StoreSlot/guard/call side effects) as dead, so the emitter skips it
// (spec.md §4.5 "dead-code elimination").
func passDCE(b *IRBuilder) bool {
	used := make([]bool, len(b.instrs))
	mark := func(ref IRRef) {
		if !ref.IsConst() {
			used[idx(ref)] = true
		}
	}
	for i := range b.instrs {
		in := &b.instrs[i]
		if in.dead {
			continue
		}
		if hasSideEffect(in.Op) {
			used[i] = true
		}
		if used[i] {
			mark(in.Op1)
			mark(in.Op2)
		}
	}
	// propagate backward: marking an instruction used may newly mark its
	// own operands used, which in turn may be earlier in the buffer.
	for i := len(b.instrs) - 1; i >= 0; i-- {
		if used[i] {
			mark(b.instrs[i].Op1)
			mark(b.instrs[i].Op2)
		}
	}
	changed := false
	for i := range b.instrs {
		if !used[i] && !b.instrs[i].dead {
			b.instrs[i].dead = true
			changed = true
		}
	}
	return changed
}

func hasSideEffect(op IROp) bool {
	switch op {
	case IRStoreSlot, IRGuardType, IRGuardTrue, IRGuardFalse, IRCall:
		return true
	default:
		return false
	}
}

// passLICM flags pure instructions whose operands are all defined
// before loopStart (i.e. loop-invariant) by setting their Aux to -1
// (spec.md §4.5 "loop-invariant code motion"). It does not move them,
// and the emitters do not read the flag, so flagged instructions are
// still emitted in place.
func passLICM(b *IRBuilder, loopStart int) bool {
	if loopStart <= 0 || loopStart >= len(b.instrs) {
		return false
	}
	changed := false
	for i := loopStart; i < len(b.instrs); i++ {
		in := &b.instrs[i]
		if in.dead || !isPureOp(in.Op) {
			continue
		}
		if definedBefore(in.Op1, loopStart) && definedBefore(in.Op2, loopStart) {
			if in.Aux != -1 {
				in.Aux = -1 // tag as hoistable
				changed = true
			}
		}
	}
	return changed
}

func definedBefore(ref IRRef, loopStart int) bool {
	if ref.IsConst() {
		return true
	}
	return idx(ref) < loopStart
}
