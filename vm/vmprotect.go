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
	"crypto/rand"
	"math/big"
)

// OpcodePermutation is a bijective remapping of the opcode space, keyed
// per generation so each protected image uses a different table
// (spec.md §9 VM-PROTECT). Built with Fisher-Yates from the start: the
// XOR-then-mod construction spec.md's Open Question flags as
// collision-prone is never used here, so Forward/Inverse are inverses
// of each other by construction, not by retry-until-bijective.
type OpcodePermutation struct {
	Forward [opCodeCount]OpCode // real opcode -> encoded opcode
	Inverse [opCodeCount]OpCode // encoded opcode -> real opcode
}

// NewOpcodePermutation builds a fresh bijection using a cryptographically
// random Fisher-Yates shuffle, so permutations cannot be predicted across
// generations (spec.md §9 "keyed per generation").
func NewOpcodePermutation() (*OpcodePermutation, error) {
	ids := make([]int, opCodeCount)
	for i := range ids {
		ids[i] = i
	}
	for i := len(ids) - 1; i > 0; i-- {
		j, err := cryptoIntn(i + 1)
		if err != nil {
			return nil, err
		}
		ids[i], ids[j] = ids[j], ids[i]
	}

	perm := &OpcodePermutation{}
	for real, encoded := range ids {
		perm.Forward[real] = OpCode(encoded)
		perm.Inverse[encoded] = OpCode(real)
	}
	return perm, nil
}

func cryptoIntn(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, wrapError(KindInternal, "vmprotect: random generation failed", err)
	}
	return int(v.Int64()), nil
}

// Encode rewrites every instruction's opcode field through the forward
// permutation, leaving operand bits untouched.
func (perm *OpcodePermutation) Encode(code []Instruction) []Instruction {
	out := make([]Instruction, len(code))
	for i, instr := range code {
		out[i] = rewriteOp(instr, perm.Forward[instr.OpCode()])
	}
	return out
}

// Decode reverses Encode.
func (perm *OpcodePermutation) Decode(code []Instruction) []Instruction {
	out := make([]Instruction, len(code))
	for i, instr := range code {
		out[i] = rewriteOp(instr, perm.Inverse[instr.OpCode()])
	}
	return out
}

func rewriteOp(instr Instruction, newOp OpCode) Instruction {
	var out Instruction
	setField(&out, posOp, sizeOp, uint32(newOp))
	rest := instr &^ Instruction((1<<sizeOp)-1)
	return out | rest
}

// secondaryVM is the minimal interpreter loop VM-protect runs protected
// Protos through: a dispatch table indexed by *encoded* opcode, so
// disassembly of the raw bytes alone reveals nothing about real opcode
// identity without the matching OpcodePermutation (spec.md §9).
type secondaryVM struct {
	perm *OpcodePermutation
	coll Collaborator
}

func newSecondaryVM(perm *OpcodePermutation, coll Collaborator) *secondaryVM {
	return &secondaryVM{perm: perm, coll: coll}
}

// Step decodes one instruction's real opcode and dispatches it against
// the Collaborator-backed register file. Only the arithmetic/move subset
// this engine's VM-protect targets is implemented; anything else is
// reported as an interpreter-side NYI rather than miscompiling.
func (vm *secondaryVM) Step(frame *Frame, instr Instruction) error {
	real := vm.perm.Inverse[instr.OpCode()]
	switch real {
	case OpMove:
		vm.coll.SetStackSlot(frame, instr.A(), vm.coll.StackSlot(frame, instr.B()))
	case OpLoadK:
		vm.coll.SetStackSlot(frame, instr.A(), vm.coll.Constant(frame, int(instr.Bx())))
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpBigAdd, OpBigSub, OpBigMul, OpBigDiv:
		l := vm.coll.StackSlot(frame, instr.B())
		r := vm.coll.StackSlot(frame, instr.C())
		res, err := applyArith(real, l, r)
		if err != nil {
			return err
		}
		vm.coll.SetStackSlot(frame, instr.A(), res)
	default:
		return newError(KindNotYetImplemented, "vmprotect: secondary VM cannot execute opcode "+real.String())
	}
	return nil
}

func applyArith(op OpCode, l, r Value) (Value, error) {
	switch op {
	case OpAdd:
		return Int(l.Int() + r.Int()), nil
	case OpSub:
		return Int(l.Int() - r.Int()), nil
	case OpMul:
		return Int(l.Int() * r.Int()), nil
	case OpDiv:
		if r.Int() == 0 {
			return Value{}, newError(KindInvalidInput, "vmprotect: division by zero")
		}
		return Int(l.Int() / r.Int()), nil
	case OpMod:
		if r.Int() == 0 {
			return Value{}, newError(KindInvalidInput, "vmprotect: modulo by zero")
		}
		return Int(l.Int() % r.Int()), nil
	case OpBigAdd:
		return NewBigInt(BigIntAdd(l.BigInt(), r.BigInt())), nil
	case OpBigSub:
		return NewBigInt(BigIntSub(l.BigInt(), r.BigInt())), nil
	case OpBigMul:
		return NewBigInt(BigIntMul(l.BigInt(), r.BigInt())), nil
	case OpBigDiv:
		q, _ := BigIntDivMod(l.BigInt(), r.BigInt())
		return NewBigInt(q), nil
	default:
		return Value{}, newError(KindNotYetImplemented, "vmprotect: unsupported arithmetic opcode "+op.String())
	}
}

// permutationDigest returns an 8-byte FNV-1a fingerprint of a
// permutation table's forward mapping; the image writer does not use it
// (images embed the whole table).
func permutationDigest(perm *OpcodePermutation) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, op := range perm.Forward {
		var buf [1]byte
		buf[0] = byte(op)
		for _, b := range buf {
			h ^= uint64(b)
			h *= 1099511628211
		}
	}
	return h
}
