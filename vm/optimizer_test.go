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

func TestPassConstFold(t *testing.T) {
	b := NewIRBuilder()
	c1 := b.AddConst(Int(3))
	c2 := b.AddConst(Int(4))
	sum := b.Binary(IRAdd, IRTypeUnknown, c1, c2)
	b.StoreSlot(0, sum)

	if !passConstFold(b) {
		t.Fatal("expected constant folding to report a change")
	}
	in := b.Instr(sum)
	if in.Op != IRConstValue {
		t.Fatalf("expected folded instruction to become IRConstValue, got %v", in.Op)
	}
	if got := b.Const(in.Op1); got.Int() != 7 {
		t.Fatalf("expected folded constant 7, got %v", got.Int())
	}
}

func TestPassDCEMarksUnusedDead(t *testing.T) {
	b := NewIRBuilder()
	c1 := b.AddConst(Int(1))
	c2 := b.AddConst(Int(2))
	unused := b.Binary(IRAdd, IRTypeUnknown, c1, c2) // never stored or used
	used := b.Binary(IRMul, IRTypeUnknown, c1, c2)
	b.StoreSlot(0, used)

	passDCE(b)
	if !b.Instr(unused).dead {
		t.Fatal("expected unused instruction to be marked dead")
	}
	if b.Instr(used).dead {
		t.Fatal("expected used instruction to remain live")
	}
}

func TestOptimizeFixedPoint(t *testing.T) {
	b := NewIRBuilder()
	c1 := b.AddConst(Int(1))
	c2 := b.AddConst(Int(2))
	sum := b.Binary(IRAdd, IRTypeUnknown, c1, c2)
	dead := b.Binary(IRMul, IRTypeUnknown, sum, c2) // unused downstream
	_ = dead
	b.StoreSlot(0, sum)

	Optimize(b, 0)
	if b.Instr(dead).dead != true {
		t.Fatal("expected Optimize's DCE pass to kill the unused multiply")
	}
}

func TestPassReassociateGroupsConstants(t *testing.T) {
	b := NewIRBuilder()
	a := b.StoreSlot(0, b.AddConst(Int(10))) // non-const ref standing in for a variable
	c1 := b.AddConst(Int(1))
	inner := b.Binary(IRAdd, IRTypeUnknown, a, c1)
	c2 := b.AddConst(Int(2))
	outer := b.Binary(IRAdd, IRTypeUnknown, inner, c2)

	passReassociate(b)
	out := b.Instr(outer)
	if out.Op1 != a {
		t.Fatalf("expected reassociated left operand to be the variable ref, got %v", out.Op1)
	}
	inner2 := b.Instr(out.Op2)
	if !inner2.Op1.IsConst() || !inner2.Op2.IsConst() {
		t.Fatal("expected reassociation to group the two constants together")
	}
}
