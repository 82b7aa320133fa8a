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

func TestDeclareRegistersBuiltinAndJITEmit(t *testing.T) {
	def, ok := LookupDeclaration("+")
	if !ok {
		t.Fatal("expected \"+\" to be registered by init()")
	}
	if def.Fn == nil {
		t.Fatal("expected \"+\" to carry a Go implementation")
	}
	if _, ok := LookupJITEmit("+"); !ok {
		t.Fatal("expected \"+\" to carry a JITEmit fast path")
	}
	if _, ok := LookupJITEmit("no-such-builtin"); ok {
		t.Fatal("expected lookup of an unregistered builtin to fail")
	}
}

func TestNumericBinaryPromotesOnOverflow(t *testing.T) {
	huge := Int(1 << 62)
	result := numericBinary(IRAdd, huge, huge)
	if !result.IsBigInt() {
		t.Fatalf("expected int64 overflow to promote to BigInt, got tag %v", result.GetTag())
	}
}

func TestNumericBinaryStaysIntWithoutOverflow(t *testing.T) {
	result := numericBinary(IRAdd, Int(2), Int(3))
	if !result.IsInt() || result.Int() != 5 {
		t.Fatalf("expected Int(5), got %+v", result)
	}
}

func TestJITArithEmitsBinaryChain(t *testing.T) {
	b := NewIRBuilder()
	c1 := b.AddConst(Int(1))
	c2 := b.AddConst(Int(2))
	c3 := b.AddConst(Int(3))
	emit, ok := LookupJITEmit("+")
	if !ok {
		t.Fatal("expected \"+\" JITEmit to be registered")
	}
	ref, err := emit(b, []IRRef{c1, c2, c3})
	if err != nil {
		t.Fatalf("jitArith: %v", err)
	}
	if ref.IsConst() {
		t.Fatal("expected a chain of two binary ops to produce a computed ref, not a constant")
	}
}
