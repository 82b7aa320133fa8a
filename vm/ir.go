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

// IRRef indexes into a Trace's linear instruction buffer. References
// below IRREF_BIAS name constants held in a separate constant pool
// rather than instructions — the same "biased reference" trick used by
// LuaJIT-family tracing JITs, so a reference's numeric value alone tells
// you whether it is a constant or a computed value without a tag bit
// (spec.md §4.4 "IR builder").
type IRRef uint32

const irRefBias IRRef = 1 << 16

// IROp enumerates the SSA-like IR's instruction opcodes. Named close to
// the bytecode opcodes they lower from (vm/bytecode.go's OpCode) plus
// the guard/phi forms a trace recorder needs that bytecode does not.
type IROp uint8

const (
	IRNop IROp = iota
	IRConstInt
	IRConstFloat
	IRConstValue
	IRAdd
	IRSub
	IRMul
	IRDiv
	IRMod
	IRNeg
	IREq
	IRNe
	IRLt
	IRLe
	IRLoadSlot
	IRStoreSlot
	IRGuardType
	IRGuardTrue
	IRGuardFalse
	IRPhi
	IRCall
	IRBigAdd
	IRBigSub
	IRBigMul
	IRBigDiv
)

// IRType is the narrowed value type an instruction is known to produce,
// set by the recorder and by the optimizer's type-narrowing pass; the
// emitters do not read it.
type IRType uint8

const (
	IRTypeUnknown IRType = iota
	IRTypeInt
	IRTypeFloat
	IRTypeBool
	IRTypeString
	IRTypeBigInt
	IRTypeBigFloat
	IRTypeAny
)

// IRInstr is one instruction in a Trace's linear buffer.
type IRInstr struct {
	Op       IROp
	Type     IRType
	Op1, Op2 IRRef
	Aux      int64 // slot index for Load/StoreSlot, PC for guards, etc.
	dead     bool  // set by the DCE pass
}

// IRBuilder accumulates instructions for one trace, performing local
// common-subexpression elimination as it goes (spec.md §4.4 "CSE via
// (op, op1, op2) hashing").
type IRBuilder struct {
	consts []Value
	instrs []IRInstr
	cseKey map[cseTriple]IRRef
}

type cseTriple struct {
	op       IROp
	op1, op2 IRRef
}

func NewIRBuilder() *IRBuilder {
	return &IRBuilder{cseKey: make(map[cseTriple]IRRef)}
}

// AddConst interns a compile-time constant, returning a biased-down
// reference distinguishing it from computed instructions.
func (b *IRBuilder) AddConst(v Value) IRRef {
	for i, c := range b.consts {
		if c.Equal(v) {
			return IRRef(i)
		}
	}
	if len(b.consts) >= int(Settings.MaxIRConst) {
		panic(newError(KindTraceLimit, "too many distinct IR constants in trace"))
	}
	b.consts = append(b.consts, v)
	return IRRef(len(b.consts) - 1)
}

// IsConst reports whether ref names a constant-pool entry rather than a
// computed instruction.
func (ref IRRef) IsConst() bool { return ref < irRefBias }

func (b *IRBuilder) Const(ref IRRef) Value {
	return b.consts[ref]
}

// emit appends an instruction with CSE: pure, side-effect-free ops with
// identical (op, op1, op2) collapse to the earlier reference.
func (b *IRBuilder) emit(op IROp, typ IRType, op1, op2 IRRef, aux int64) IRRef {
	if isPureOp(op) {
		key := cseTriple{op, op1, op2}
		if ref, ok := b.cseKey[key]; ok {
			return ref
		}
		ref := b.append(IRInstr{Op: op, Type: typ, Op1: op1, Op2: op2, Aux: aux})
		b.cseKey[key] = ref
		return ref
	}
	return b.append(IRInstr{Op: op, Type: typ, Op1: op1, Op2: op2, Aux: aux})
}

func (b *IRBuilder) append(instr IRInstr) IRRef {
	if len(b.instrs) >= Settings.MaxTrace {
		panic(newError(KindTraceLimit, "trace exceeds maximum IR instruction count"))
	}
	b.instrs = append(b.instrs, instr)
	return irRefBias + IRRef(len(b.instrs)-1)
}

func isPureOp(op IROp) bool {
	switch op {
	case IRLoadSlot, IRStoreSlot, IRGuardType, IRGuardTrue, IRGuardFalse, IRCall:
		return false
	default:
		return true
	}
}

func (b *IRBuilder) Instr(ref IRRef) *IRInstr {
	return &b.instrs[ref-irRefBias]
}

func (b *IRBuilder) Len() int { return len(b.instrs) }

// Binary emits a two-operand arithmetic/compare instruction.
func (b *IRBuilder) Binary(op IROp, typ IRType, a, c IRRef) IRRef {
	return b.emit(op, typ, a, c, 0)
}

func (b *IRBuilder) Unary(op IROp, typ IRType, a IRRef) IRRef {
	return b.emit(op, typ, a, 0, 0)
}

func (b *IRBuilder) LoadSlot(slot uint8, typ IRType) IRRef {
	return b.emit(IRLoadSlot, typ, 0, 0, int64(slot))
}

func (b *IRBuilder) StoreSlot(slot uint8, val IRRef) IRRef {
	return b.emit(IRStoreSlot, IRTypeUnknown, val, 0, int64(slot))
}

// GuardType emits a type guard: if val's runtime type doesn't match
// typ, the trace side-exits to the snapshot at pc (spec.md §4.4 "type
// instability" aborts and §4.5 snapshots).
func (b *IRBuilder) GuardType(val IRRef, typ IRType, pc int) IRRef {
	return b.emit(IRGuardType, typ, val, 0, int64(pc))
}

func (b *IRBuilder) Ref(ref IRRef) IRInstr {
	if ref.IsConst() {
		return IRInstr{Op: IRConstValue, Type: IRTypeAny}
	}
	return b.instrs[ref-irRefBias]
}
