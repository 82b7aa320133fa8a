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

import "crypto/sha256"

// DecodedInstruction is the host-visible decomposition of one
// Instruction, exposing whichever fields its OpMode actually carries
// (spec.md §6 "decode to (opcode, A, B, C, k) or (opcode, A, Bx) etc.
// per the opcode's mode").
type DecodedInstruction struct {
	OpCode OpCode
	Mode   OpMode
	A      uint8
	B      uint8
	C      uint8
	K      bool
	Bx     uint32
	SBx    int32
	Ax     uint32
}

// opModeOf reports which operand layout an opcode uses. Every opcode
// currently defined is ABC-shaped except LoadK and Closure (ABx) and Jmp
// (AsBx);
// new opcodes must be added here as they are given a non-ABC shape.
func opModeOf(op OpCode) OpMode {
	switch op {
	case OpLoadK, OpClosure:
		return ModeABx
	case OpJmp:
		return ModeAsBx
	default:
		return ModeABC
	}
}

// DecodeInstruction decodes instr according to its opcode's mode
// (spec.md §6 "Bytecode-manipulation API").
func DecodeInstruction(instr Instruction) DecodedInstruction {
	op := instr.OpCode()
	mode := opModeOf(op)
	d := DecodedInstruction{OpCode: op, Mode: mode}
	switch mode {
	case ModeABx:
		d.A = instr.A()
		d.Bx = instr.Bx()
	case ModeAsBx:
		d.A = instr.A()
		d.SBx = instr.SBx()
	case ModeAx:
		d.Ax = instr.Ax()
	case ModeIsJ:
		d.SBx = instr.SJ()
	default:
		d.A = instr.A()
		d.B = instr.B()
		d.C = instr.C()
		d.K = instr.K()
	}
	return d
}

// EncodeInstruction is the inverse of DecodeInstruction.
func EncodeInstruction(d DecodedInstruction) Instruction {
	switch d.Mode {
	case ModeABx:
		return MakeABx(d.OpCode, d.A, d.Bx)
	case ModeAsBx:
		return MakeAsBx(d.OpCode, d.A, d.SBx)
	case ModeAx:
		return MakeAx(d.OpCode, d.Ax)
	default:
		return MakeABC(d.OpCode, d.A, d.B, d.C, d.K)
	}
}

// GetInstruction returns the raw instruction at a 1-based index (spec.md
// §6 "retrieve ... a raw 64-bit instruction at a 1-based index" —
// narrowed here to this engine's 32-bit word).
func GetInstruction(p *Proto, index int) (Instruction, error) {
	i := index - 1
	if i < 0 || i >= len(p.Code) {
		return 0, newError(KindInvalidInput, "bytecodeapi: instruction index out of range")
	}
	return p.Code[i], nil
}

// SetInstruction writes a raw instruction at a 1-based index. Rejects a
// locked Proto (spec.md §6 "All modifying operations must reject a
// locked Proto").
func SetInstruction(p *Proto, index int, instr Instruction) error {
	if p.Locked {
		return newError(KindInvalidInput, "bytecodeapi: proto is locked")
	}
	i := index - 1
	if i < 0 || i >= len(p.Code) {
		return newError(KindInvalidInput, "bytecodeapi: instruction index out of range")
	}
	p.Code[i] = instr
	return nil
}

// EnumerateConstants, EnumerateUpvalues, EnumerateLocals, and
// EnumerateProtos give the host read-only views over a Proto's
// sub-tables, mirroring spec.md §6's "enumerate constants, upvalues,
// locals, nested Protos".
func EnumerateConstants(p *Proto) []Value        { return append([]Value(nil), p.Constants...) }
func EnumerateUpvalues(p *Proto) []UpvalDesc      { return append([]UpvalDesc(nil), p.Upvalues...) }
func EnumerateLocals(p *Proto) []LocalVar         { return append([]LocalVar(nil), p.Locals...) }
func EnumerateProtos(p *Proto) []*Proto           { return append([]*Proto(nil), p.Protos...) }

// MarkGCFixed pins a Proto so the collector never reclaims it —
// currently modeled as a no-op hook the Collaborator's GC is expected to
// honor once wired to a real allocator (spec.md §6 "mark a Proto as
// GC-fixed"); this module owns the bytecode-API contract, not the GC
// itself (vm/interpreter.go's Collaborator seam).
func MarkGCFixed(p *Proto) {
	p.gcFixed = true
}

// Lock finalizes a Proto against further modification (spec.md §6 "lock
// a Proto against further modification").
func Lock(p *Proto) {
	p.Locked = true
}

// Rehash records a baseline tamper-detection hash over p's current code,
// constants, and flags (spec.md §6 "record a baseline hash and test
// whether the current bytecode has drifted").
func Rehash(p *Proto) {
	p.baselineHash = protoHash(p)
}

// HasDrifted reports whether p's bytecode differs from the hash last
// recorded by Rehash. A Proto that was never hashed is considered not to
// have drifted (there is no baseline to compare against).
func HasDrifted(p *Proto) bool {
	if p.baselineHash == [sha256.Size]byte{} {
		return false
	}
	return protoHash(p) != p.baselineHash
}

func protoHash(p *Proto) [sha256.Size]byte {
	h := sha256.New()
	for _, instr := range p.Code {
		var b [4]byte
		b[0] = byte(instr)
		b[1] = byte(instr >> 8)
		b[2] = byte(instr >> 16)
		b[3] = byte(instr >> 24)
		h.Write(b[:])
	}
	for _, c := range p.Constants {
		h.Write([]byte(c.String()))
	}
	h.Write([]byte{boolByte(p.Locked), boolByte(p.gcFixed)})
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
