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

func init() {
	InitSettings()
}

func TestIRBuilderCSE(t *testing.T) {
	b := NewIRBuilder()
	c1 := b.AddConst(Int(1))
	c2 := b.AddConst(Int(2))
	r1 := b.Binary(IRAdd, IRTypeInt, c1, c2)
	r2 := b.Binary(IRAdd, IRTypeInt, c1, c2)
	if r1 != r2 {
		t.Fatalf("expected CSE to collapse identical pure ops, got %d != %d", r1, r2)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 instruction after CSE, got %d", b.Len())
	}
}

func TestIRBuilderConstDedup(t *testing.T) {
	b := NewIRBuilder()
	c1 := b.AddConst(Int(42))
	c2 := b.AddConst(Int(42))
	if c1 != c2 {
		t.Fatalf("expected constant dedup, got %d != %d", c1, c2)
	}
}

func TestIRBuilderTraceLimitPanics(t *testing.T) {
	old := Settings.MaxTrace
	Settings.MaxTrace = 2
	defer func() { Settings.MaxTrace = old }()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on trace limit exceeded")
		}
	}()
	b := NewIRBuilder()
	// side-effecting ops bypass CSE, so each StoreSlot call really appends.
	b.StoreSlot(0, b.AddConst(Int(1)))
	b.StoreSlot(1, b.AddConst(Int(2)))
	b.StoreSlot(2, b.AddConst(Int(3)))
}

func TestIRRefIsConst(t *testing.T) {
	b := NewIRBuilder()
	c := b.AddConst(Int(7))
	if !c.IsConst() {
		t.Fatal("expected const ref to report IsConst")
	}
	r := b.StoreSlot(0, c)
	if r.IsConst() {
		t.Fatal("expected instruction ref to not report IsConst")
	}
}
