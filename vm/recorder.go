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

// recordTrace walks Proto bytecode starting at tr.EntryPC, lowering each
// instruction into tr.IR until either the entry PC is reached again
// (closing the loop — spec.md §4.4's recording stops at "Done") or an
// abort condition fires. Opcodes the recorder does not yet know how to
// lower panic with AbortNotYetImplemented, matching spec.md's NYI abort
// reason; the interpreter itself remains the fallback for those ops
// (spec.md §1 "interpreter dispatch loop is out of scope").
func recordTrace(tr *Trace) {
	p := tr.Proto
	slotRef := make(map[uint8]IRRef)
	slotType := make(map[uint8]IRType)
	recorded := 0
	pc := tr.EntryPC

	getSlot := func(slot uint8) IRRef {
		if ref, ok := slotRef[slot]; ok {
			return ref
		}
		ref := tr.IR.LoadSlot(slot, slotType[slot])
		slotRef[slot] = ref
		return ref
	}
	setSlot := func(slot uint8, ref IRRef, typ IRType) {
		slotRef[slot] = ref
		slotType[slot] = typ
		tr.IR.StoreSlot(slot, ref)
	}

	for {
		if pc < 0 || pc >= len(p.Code) {
			tr.abort(AbortBadRecursion)
		}
		recorded++
		if recorded > Settings.MaxRecord {
			tr.abort(AbortTooManyRecordedInstructions)
		}

		instr := p.Code[pc]
		switch instr.OpCode() {
		case OpLoadK:
			cref := tr.IR.AddConst(p.Constants[instr.Bx()])
			setSlot(instr.A(), cref, constType(p.Constants[instr.Bx()]))

		case OpMove:
			src := getSlot(instr.B())
			setSlot(instr.A(), src, slotType[instr.B()])

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			left := getSlot(instr.B())
			right := getSlot(instr.C())
			op := arithIROp(instr.OpCode())
			ref := tr.IR.Binary(op, IRTypeUnknown, left, right)
			setSlot(instr.A(), ref, IRTypeUnknown)

		case OpBigAdd, OpBigSub, OpBigMul, OpBigDiv:
			left := getSlot(instr.B())
			right := getSlot(instr.C())
			op := bigArithIROp(instr.OpCode())
			ref := tr.IR.Binary(op, IRTypeBigInt, left, right)
			setSlot(instr.A(), ref, IRTypeBigInt)

		case OpEq, OpLt, OpLe:
			left := getSlot(instr.A())
			right := getSlot(instr.B())
			op := compareIROp(instr.OpCode())
			ref := tr.IR.Binary(op, IRTypeBool, left, right)
			tr.IR.GuardType(ref, IRTypeBool, pc)

		case OpJmp:
			target := pc + 1 + int(instr.SBx())
			if target == tr.EntryPC {
				tr.LoopStart = 0
				tr.Snapshots = append(tr.Snapshots, snapshotAt(pc+1, slotRef))
				return // closed the loop: Done
			}
			pc = target
			continue

		case OpForLoop:
			// loop-closing backward branch in the iABC for-loop encoding;
			// treat identically to Jmp closing back to the loop header.
			target := pc + 1 + int(instr.SBx())
			if target <= tr.EntryPC {
				tr.Snapshots = append(tr.Snapshots, snapshotAt(pc+1, slotRef))
				return
			}
			pc = target
			continue

		case OpReturn, OpTailCall, OpCall, OpClosure, OpVararg, OpTForCall, OpTForLoop,
			OpNewTable, OpGetTable, OpSetTable, OpConcat, OpLen, OpGetUpval, OpSetUpval:
			tr.abort(AbortNotYetImplemented)

		default:
			tr.abort(AbortNotYetImplemented)
		}
		pc++
	}
}

func snapshotAt(pc int, slotRef map[uint8]IRRef) Snapshot {
	slots := make([]snapshotSlot, 0, len(slotRef))
	for slot, ref := range slotRef {
		slots = append(slots, snapshotSlot{Slot: slot, Ref: ref})
	}
	return Snapshot{PC: pc, Slots: slots}
}

func constType(v Value) IRType {
	switch v.GetTag() {
	case TagInt:
		return IRTypeInt
	case TagFloat:
		return IRTypeFloat
	case TagTrue, TagFalse:
		return IRTypeBool
	case TagShortStr, TagLongStr:
		return IRTypeString
	case TagBigInt:
		return IRTypeBigInt
	case TagBigFloat:
		return IRTypeBigFloat
	default:
		return IRTypeAny
	}
}

func arithIROp(op OpCode) IROp {
	switch op {
	case OpAdd:
		return IRAdd
	case OpSub:
		return IRSub
	case OpMul:
		return IRMul
	case OpDiv:
		return IRDiv
	case OpMod:
		return IRMod
	default:
		panic(newError(KindNotYetImplemented, "unsupported arithmetic opcode"))
	}
}

func bigArithIROp(op OpCode) IROp {
	switch op {
	case OpBigAdd:
		return IRBigAdd
	case OpBigSub:
		return IRBigSub
	case OpBigMul:
		return IRBigMul
	case OpBigDiv:
		return IRBigDiv
	default:
		panic(newError(KindNotYetImplemented, "unsupported bigint opcode"))
	}
}

func compareIROp(op OpCode) IROp {
	switch op {
	case OpEq:
		return IREq
	case OpLt:
		return IRLt
	case OpLe:
		return IRLe
	default:
		panic(newError(KindNotYetImplemented, "unsupported compare opcode"))
	}
}
