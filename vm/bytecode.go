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

// Instruction is a single 32-bit bytecode word. Fields are packed
// according to one of the formats below, mirroring the iABC/iABx/iAsBx/
// iAx/isJ layouts of original_source/lbytecode.c (itself a Lua 5.4
// derivative), plus a sixth, engine-specific format (ivABC) used by
// vectorized numeric opcodes the spec adds on top of that base set.
type Instruction uint32

// OpMode selects how an Instruction's operand bits are decoded.
type OpMode uint8

const (
	ModeABC  OpMode = iota // OP | A | B | C  (+k bit)
	ModeABx                // OP | A | Bx
	ModeAsBx               // OP | A | sBx (signed)
	ModeAx                 // OP | Ax (whole rest of the word)
	ModeIsJ                // OP | sJ (signed, for unconditional jumps)
	ModeVABC               // OP | A | B | C | vector-width nibble
)

// bit widths, matching lbytecode.c's SIZE_* constants.
const (
	sizeOp = 7
	sizeA  = 8
	sizeB  = 8
	sizeC  = 8
	sizeBx = sizeB + sizeC + 1
	sizeAx = sizeA + sizeBx
	sizeVW = 4 // vector-width nibble, stolen from C's top bits in ModeVABC
)

const (
	posOp = 0
	posA  = posOp + sizeOp
	posB  = posA + sizeA
	posC  = posB + sizeB
	posK  = posC + sizeC
)

const maxArgBx = 1<<sizeBx - 1
const offsetSBx = maxArgBx >> 1

func getField(i Instruction, pos, size uint) uint32 {
	return uint32(i>>pos) & (1<<size - 1)
}

func setField(i *Instruction, pos, size uint, v uint32) {
	mask := Instruction((1<<size - 1) << pos)
	*i = (*i &^ mask) | (Instruction(v)<<pos)&mask
}

func (i Instruction) OpCode() OpCode { return OpCode(getField(i, posOp, sizeOp)) }
func (i Instruction) A() uint8      { return uint8(getField(i, posA, sizeA)) }
func (i Instruction) B() uint8      { return uint8(getField(i, posB, sizeB)) }
func (i Instruction) C() uint8      { return uint8(getField(i, posC, sizeC)) }
func (i Instruction) K() bool       { return getField(i, posK, 1) != 0 }
func (i Instruction) Bx() uint32    { return getField(i, posA+sizeA, sizeBx) }
func (i Instruction) SBx() int32    { return int32(i.Bx()) - offsetSBx }
func (i Instruction) Ax() uint32    { return getField(i, posA, sizeAx) }
func (i Instruction) SJ() int32     { return int32(getField(i, posA, sizeAx)) - (1<<(sizeAx-1) - 1) }

func MakeABC(op OpCode, a, b, c uint8, k bool) Instruction {
	var i Instruction
	setField(&i, posOp, sizeOp, uint32(op))
	setField(&i, posA, sizeA, uint32(a))
	setField(&i, posB, sizeB, uint32(b))
	setField(&i, posC, sizeC, uint32(c))
	if k {
		setField(&i, posK, 1, 1)
	}
	return i
}

func MakeABx(op OpCode, a uint8, bx uint32) Instruction {
	var i Instruction
	setField(&i, posOp, sizeOp, uint32(op))
	setField(&i, posA, sizeA, uint32(a))
	setField(&i, posA+sizeA, sizeBx, bx)
	return i
}

func MakeAsBx(op OpCode, a uint8, sbx int32) Instruction {
	return MakeABx(op, a, uint32(sbx+offsetSBx))
}

func MakeAx(op OpCode, ax uint32) Instruction {
	var i Instruction
	setField(&i, posOp, sizeOp, uint32(op))
	setField(&i, posA, sizeAx, ax)
	return i
}

// OpCode enumerates the engine's bytecode operations. Arithmetic/compare
// opcodes are the ones the tracing JIT (vm/trace.go, vm/ir.go) and the
// control-flow-flattening obfuscator (vm/cff.go) reason about by name;
// everything else is opaque payload they must not choke on.
type OpCode uint8

const (
	OpMove OpCode = iota
	OpLoadK
	OpLoadBool
	OpLoadNil
	OpGetUpval
	OpSetUpval
	OpGetTable
	OpSetTable
	OpNewTable
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
	OpUnm
	OpNot
	OpLen
	OpConcat
	OpEq
	OpLt
	OpLe
	OpJmp
	OpTest
	OpTestSet
	OpCall
	OpTailCall
	OpReturn
	OpForLoop
	OpForPrep
	OpTForCall
	OpTForLoop
	OpClosure
	OpVararg
	OpBigAdd
	OpBigSub
	OpBigMul
	OpBigDiv
	opCodeCount
)

var opNames = [opCodeCount]string{
	"MOVE", "LOADK", "LOADBOOL", "LOADNIL", "GETUPVAL", "SETUPVAL",
	"GETTABLE", "SETTABLE", "NEWTABLE", "ADD", "SUB", "MUL", "DIV", "MOD",
	"POW", "UNM", "NOT", "LEN", "CONCAT", "EQ", "LT", "LE", "JMP", "TEST",
	"TESTSET", "CALL", "TAILCALL", "RETURN", "FORLOOP", "FORPREP",
	"TFORCALL", "TFORLOOP", "CLOSURE", "VARARG", "BIGADD", "BIGSUB",
	"BIGMUL", "BIGDIV",
}

func (op OpCode) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "UNKNOWN"
}

// isLoopTerminator reports whether op is a loop-closing or jump opcode
// (OpForLoop, OpTForLoop, OpJmp).
func (op OpCode) isLoopTerminator() bool {
	switch op {
	case OpForLoop, OpTForLoop, OpJmp:
		return true
	default:
		return false
	}
}

// UpvalDesc describes how a closure captures one upvalue from its
// enclosing Proto — by register (still on the enclosing frame's stack)
// or by further upvalue index (already closed over, chained).
type UpvalDesc struct {
	Name    string
	InStack bool
	Index   uint8
}

// LocalVar is one entry of a Proto's debug-info local-variable table:
// name plus the PC range over which it is live.
type LocalVar struct {
	Name    string
	StartPC int
	EndPC   int
}

// Proto is one compiled function prototype: code, constants, nested
// closures, and the debug info the serializer/deserializer round-trips
// (spec.md §3 DATA MODEL, §6 image format). Grounded on the Proto
// concept Lua and memcp both use, generalized with the Go-side fields
// the tracing JIT and obfuscator need (Source/LineDefined are
// debug-info only; Code/Constants/Protos/Upvalues are load-bearing).
type Proto struct {
	Source       string
	LineDefined  int
	NumParams    uint8
	IsVararg     bool
	MaxStackSize uint8

	Code      []Instruction
	Lines     []int32 // one entry per Code instruction, debug-info only
	Constants []Value
	Protos    []*Proto
	Upvalues  []UpvalDesc
	Locals    []LocalVar

	// Locked is set once the bytecode-manipulation API (vm/bytecodeapi.go)
	// finalizes a Proto; SetInstruction then fails rather than silently
	// mutating locked bytecode, while GetInstruction still reads it.
	Locked bool

	// compiled caches a pointer back to this State's JIT compilation
	// state for the Proto (set lazily by the JIT controller).
	compiled *protoJITState

	// vmProtect and vmProtectCode carry a deserialized VM-protect layer
	// (vm/vmprotect.go): when non-nil, this Proto's "real" code is
	// vmProtectCode decoded through vmProtect, not Code directly.
	vmProtect     *OpcodePermutation
	vmProtectCode []byte

	// gcFixed and baselineHash back vm/bytecodeapi.go's MarkGCFixed and
	// Rehash/HasDrifted tamper-detection pair.
	gcFixed      bool
	baselineHash [32]byte
}

// protoJITState tracks per-(Proto) JIT bookkeeping: hotness counters and
// any blacklist entries, keyed further by PC inside jitcontroller.go.
type protoJITState struct {
	hotLoop [64]uint32
	hotCall [64]uint32
	hotSide [64]uint32
	aborts  map[int]int // pc -> consecutive abort count
}

func (p *Proto) jitState() *protoJITState {
	if p.compiled == nil {
		p.compiled = &protoJITState{aborts: make(map[int]int)}
	}
	return p.compiled
}

func hashPC(pc int) uint32 {
	h := uint32(pc)
	h ^= h >> 16
	h *= 0x45d9f3b
	h ^= h >> 16
	return h & 0x3F
}
