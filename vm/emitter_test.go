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

func simpleIntTrace() *Trace {
	p := &Proto{}
	tr := NewTrace(p, 0)
	c1 := tr.IR.AddConst(Int(3))
	c2 := tr.IR.AddConst(Int(4))
	sum := tr.IR.Binary(IRAdd, IRTypeInt, c1, c2)
	tr.IR.StoreSlot(0, sum)
	tr.Finish()
	return tr
}

func TestEmitTraceProducesCode(t *testing.T) {
	mgr := NewExecMemManager(1 << 20)
	defer mgr.ReleaseAll()
	tr := simpleIntTrace()

	entry, err := EmitTrace(mgr, tr)
	if err != nil {
		t.Fatalf("EmitTrace: %v", err)
	}
	if entry == nil {
		t.Fatal("expected non-nil entry point")
	}
}

func TestEmitTraceRejectsUnsupportedOp(t *testing.T) {
	mgr := NewExecMemManager(1 << 20)
	defer mgr.ReleaseAll()
	p := &Proto{}
	tr := NewTrace(p, 0)
	c1 := tr.IR.AddConst(Int(1))
	call := tr.IR.emit(IRCall, IRTypeAny, c1, 0, 0)
	tr.IR.StoreSlot(0, call)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for unsupported IR op in emitter")
		}
	}()
	EmitTrace(mgr, tr)
}
