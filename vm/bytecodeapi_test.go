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

func apiSampleProto() *Proto {
	return &Proto{
		Constants: []Value{Int(1), Int(2)},
		Code: []Instruction{
			MakeABx(OpLoadK, 0, 0),
			MakeABC(OpAdd, 0, 0, 1, false),
		},
	}
}

func TestDecodeEncodeInstructionRoundTrip(t *testing.T) {
	instr := MakeABC(OpAdd, 1, 2, 3, true)
	d := DecodeInstruction(instr)
	if d.A != 1 || d.B != 2 || d.C != 3 || !d.K {
		t.Fatalf("unexpected decode: %+v", d)
	}
	if enc := EncodeInstruction(d); enc != instr {
		t.Fatalf("encode/decode round trip mismatch: got %#v, want %#v", enc, instr)
	}

	ldk := MakeABx(OpLoadK, 2, 17)
	d2 := DecodeInstruction(ldk)
	if d2.A != 2 || d2.Bx != 17 {
		t.Fatalf("unexpected ABx decode: %+v", d2)
	}
	if enc := EncodeInstruction(d2); enc != ldk {
		t.Fatalf("ABx encode/decode round trip mismatch: got %#v, want %#v", enc, ldk)
	}
}

func TestGetSetInstructionOneBased(t *testing.T) {
	p := apiSampleProto()
	instr, err := GetInstruction(p, 1)
	if err != nil {
		t.Fatalf("GetInstruction: %v", err)
	}
	if instr != p.Code[0] {
		t.Fatalf("GetInstruction(1) should read Code[0]")
	}

	replacement := MakeABC(OpSub, 0, 0, 1, false)
	if err := SetInstruction(p, 2, replacement); err != nil {
		t.Fatalf("SetInstruction: %v", err)
	}
	if p.Code[1] != replacement {
		t.Fatal("SetInstruction(2) should write Code[1]")
	}

	if _, err := GetInstruction(p, 0); err == nil {
		t.Fatal("expected GetInstruction to reject index 0 (not 1-based)")
	}
	if _, err := GetInstruction(p, 99); err == nil {
		t.Fatal("expected GetInstruction to reject out-of-range index")
	}
}

func TestLockedProtoRejectsModification(t *testing.T) {
	p := apiSampleProto()
	Lock(p)
	if err := SetInstruction(p, 1, MakeABC(OpMove, 0, 0, 0, false)); err == nil {
		t.Fatal("expected SetInstruction to reject a locked Proto")
	}
}

func TestRehashDetectsDrift(t *testing.T) {
	p := apiSampleProto()
	Rehash(p)
	if HasDrifted(p) {
		t.Fatal("freshly rehashed Proto should not report drift")
	}
	p.Code[0] = MakeABC(OpMove, 1, 1, 1, false)
	if !HasDrifted(p) {
		t.Fatal("expected HasDrifted to detect a code mutation")
	}
}

func TestEnumerateReturnsCopies(t *testing.T) {
	p := apiSampleProto()
	consts := EnumerateConstants(p)
	consts[0] = Int(999)
	if p.Constants[0].Int() == 999 {
		t.Fatal("EnumerateConstants must return a copy, not alias the Proto's slice")
	}
}
