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
	"math/rand"
	"sort"

	"golang.org/x/exp/slices"
)

// ObfuscationConfig bundles the control-flow-flattening obfuscator's
// tunables (spec.md §4.3), including the bogus-block budget
// original_source/lobfuscate.c tracks but spec.md's distillation only
// gestures at (SPEC_FULL.md §3).
type ObfuscationConfig struct {
	Enabled      bool
	ShuffleIDs   bool
	BogusBlocks  bool
	MaxBogusRatio float64 // cap on bogus blocks relative to real blocks
	Seed         int64
}

func DefaultObfuscationConfig() ObfuscationConfig {
	return ObfuscationConfig{
		Enabled:       false,
		ShuffleIDs:    true,
		BogusBlocks:   false,
		MaxBogusRatio: Settings.MaxBogus,
	}
}

// basicBlock is a maximal straight-line run of instructions identified
// by leader analysis: a leader is the first instruction, any jump
// target, or the instruction right after a jump (spec.md §4.3 step
// "leader/basic-block identification").
type basicBlock struct {
	start, end int // [start, end) instruction index range in the original Code
	stateID    int
}

// findLeaders marks every instruction index that begins a basic block.
func findLeaders(p *Proto) []int {
	leaders := map[int]bool{0: true}
	for pc, instr := range p.Code {
		op := instr.OpCode()
		switch op {
		case OpJmp:
			target := pc + 1 + int(instr.SBx())
			leaders[target] = true
			if pc+1 < len(p.Code) {
				leaders[pc+1] = true
			}
		case OpForLoop, OpForPrep:
			target := pc + 1 + int(instr.SBx())
			leaders[target] = true
			leaders[pc+1] = true
		case OpTest, OpTestSet, OpEq, OpLt, OpLe:
			leaders[pc+1] = true
			if pc+2 < len(p.Code) {
				leaders[pc+2] = true
			}
		}
	}
	out := make([]int, 0, len(leaders))
	for l := range leaders {
		if l >= 0 && l < len(p.Code) {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return out
}

func buildBasicBlocks(p *Proto) []basicBlock {
	leaders := findLeaders(p)
	blocks := make([]basicBlock, 0, len(leaders))
	for i, start := range leaders {
		end := len(p.Code)
		if i+1 < len(leaders) {
			end = leaders[i+1]
		}
		blocks = append(blocks, basicBlock{start: start, end: end})
	}
	return blocks
}

// rejectable reports the reasons spec.md §4.3 requires CFF to refuse a
// Proto outright rather than flatten it unsafely: a structured-loop
// opcode (OpForLoop/OpForPrep/OpTForCall/OpTForLoop), a backward OpJmp
// (a hand-rolled loop back-edge — target at or before its own pc), an
// OpTest/OpTestSet (their skip-on-condition semantics aren't modeled by
// the block classifier below), or a write to a register at or above the
// dispatcher's reserved state register. Forward OpJmp and the plain
// compares (OpEq/OpLt/OpLe) are lowered to dispatcher state transitions
// by Flatten instead of being rejected.
func rejectable(p *Proto, stateReg uint8) bool {
	for pc, instr := range p.Code {
		switch instr.OpCode() {
		case OpForLoop, OpForPrep, OpTForCall, OpTForLoop, OpTest, OpTestSet:
			return true
		case OpJmp:
			target := pc + 1 + int(instr.SBx())
			if target <= pc {
				return true
			}
		}
		if writesRegister(instr) && instr.A() >= stateReg {
			return true
		}
	}
	return false
}

func writesRegister(instr Instruction) bool {
	switch instr.OpCode() {
	case OpMove, OpLoadK, OpLoadBool, OpLoadNil, OpGetUpval, OpGetTable,
		OpNewTable, OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow, OpUnm, OpNot,
		OpLen, OpConcat, OpClosure, OpVararg, OpBigAdd, OpBigSub, OpBigMul, OpBigDiv:
		return true
	default:
		return false
	}
}

// blockKind classifies how a basic block's last instruction transfers
// control, which determines how Flatten rewrites its terminator.
type blockKind int

const (
	blockFallthrough blockKind = iota // falls into the next block
	blockJump                        // ends in a forward OpJmp
	blockConditional                 // ends in OpEq/OpLt/OpLe plus a paired OpJmp
	blockExit                        // ends in OpReturn/OpTailCall; left unchanged
)

func classifyBlock(p *Proto, b basicBlock) blockKind {
	if b.end == b.start {
		return blockFallthrough
	}
	switch p.Code[b.end-1].OpCode() {
	case OpJmp:
		return blockJump
	case OpEq, OpLt, OpLe:
		return blockConditional
	case OpReturn, OpTailCall:
		return blockExit
	default:
		return blockFallthrough
	}
}

// blockContaining returns the index of the basic block (sorted by
// start, as buildBasicBlocks produces them) that contains pc, or -1 if
// pc falls outside every block.
func blockContaining(blocks []basicBlock, pc int) int {
	for i, b := range blocks {
		if pc >= b.start && pc < b.end {
			return i
		}
	}
	return -1
}

// Flatten rewrites p's basic blocks into a single dispatcher loop keyed
// by a synthetic "state id" register, implementing spec.md §4.3's
// control-flow flattening. Every block's terminator becomes a state
// transition — {LOAD_IMM state, next_state; JMP dispatcher} — and the
// dispatcher is a real fan of (compare state against s_i; JMP block_i)
// arms, terminated by a JMP back to its own head. Returns the flattened
// Proto, or an error if p cannot be safely flattened (structured loops,
// backward jumps, OpTest/OpTestSet, or writes to the reserved
// registers — see rejectable).
//
// This engine's opcode set has no single EQ_IMM instruction, so a
// dispatcher arm synthesizes the same comparison with two existing
// opcodes: LOADK loads the arm's state id into a reserved scratch
// register, then OpEq compares it against the state register.
func Flatten(p *Proto, cfg ObfuscationConfig) (*Proto, error) {
	stateReg := p.MaxStackSize
	if rejectable(p, stateReg) {
		return nil, newError(KindInvalidInput, "proto cannot be safely flattened: contains a structured loop, a backward jump, a test opcode, or writes a reserved register")
	}
	scratchReg := stateReg + 1

	blocks := buildBasicBlocks(p)
	nReal := len(blocks)

	rng := rand.New(rand.NewSource(cfg.Seed))
	nBogus := 0
	if cfg.BogusBlocks && cfg.MaxBogusRatio > 0 {
		nBogus = int(float64(nReal) * cfg.MaxBogusRatio)
	}
	total := nReal + nBogus

	// ids[i] is the state id assigned to logical block i; blocks
	// 0..nReal-1 are real (in original source order), nReal..total-1 are
	// bogus. Shuffling the whole id space (not just the real half) keeps
	// static inspection from telling real and bogus states apart by id
	// alone.
	ids := make([]int, total)
	for i := range ids {
		ids[i] = i
	}
	if cfg.ShuffleIDs {
		fisherYatesShuffleInts(ids, rng)
	}

	out := &Proto{
		Source:       p.Source,
		LineDefined:  p.LineDefined,
		NumParams:    p.NumParams,
		IsVararg:     p.IsVararg,
		MaxStackSize: scratchReg + 1,
		Constants:    append([]Value(nil), p.Constants...),
		Protos:       p.Protos,
		Upvalues:     p.Upvalues,
	}

	// bodies[i] holds logical block i's relocated instructions, with any
	// "jump back to the dispatcher head" left as a zero-SBx placeholder;
	// fixups[i] records the indices (within bodies[i]) of those
	// placeholders, patched once every block's final address is known
	// (spec.md §4.3 step 9).
	bodies := make([][]Instruction, total)
	fixups := make([][]int, total)

	emitToDispatcher := func(body []Instruction, fx []int, state int) ([]Instruction, []int) {
		body = append(body, MakeABx(OpLoadK, stateReg, out.addConst(Int(int64(state)))))
		fx = append(fx, len(body))
		body = append(body, MakeAsBx(OpJmp, 0, 0))
		return body, fx
	}

	for bi := 0; bi < nReal; bi++ {
		b := blocks[bi]
		var body []Instruction
		var fx []int
		switch classifyBlock(p, b) {
		case blockExit:
			body = append(body, p.Code[b.start:b.end]...)

		case blockJump:
			body = append(body, p.Code[b.start:b.end-1]...)
			last := p.Code[b.end-1]
			target := (b.end - 1) + 1 + int(last.SBx())
			tb := blockContaining(blocks, target)
			if tb < 0 {
				return nil, newError(KindInvalidInput, "proto cannot be safely flattened: jump target outside any basic block")
			}
			body, fx = emitToDispatcher(body, fx, ids[tb])

		case blockConditional:
			// "Conditional blocks emit a two-branch state selector using
			// a local skip jump" (spec.md §4.3 step 6): the compare's
			// paired skip-jump convention (compare result == K falls
			// through to the "taken" successor, result != K skips it for
			// the "not taken" successor) needs its two successors to be
			// the blocks findLeaders already split out at pc+1 and pc+2.
			if bi+2 >= len(blocks) {
				return nil, newError(KindInvalidInput, "proto cannot be safely flattened: conditional block missing a successor")
			}
			body = append(body, p.Code[b.start:b.end]...)
			// A compare's "taken" (match == K) successor is the block at
			// pc+1 — the normal fallthrough target; its "not taken"
			// successor is the block at pc+2, reached only via the skip.
			trueSucc, falseSucc := ids[bi+1], ids[bi+2]
			body = append(body, MakeAsBx(OpJmp, 0, 2)) // skip the false-path LOADK+JMP pair below
			body, fx = emitToDispatcher(body, fx, falseSucc)
			body, fx = emitToDispatcher(body, fx, trueSucc)

		default: // blockFallthrough
			body = append(body, p.Code[b.start:b.end]...)
			if bi+1 < len(blocks) {
				body, fx = emitToDispatcher(body, fx, ids[bi+1])
			}
		}
		bodies[bi] = body
		fixups[bi] = fx
	}

	// Bogus blocks (spec.md §4.3 step 8): each is its own dispatcher
	// state, never targeted by any real block's successor, so it is dead
	// code at runtime; it exists only to pad the dispatcher fan and the
	// relocated-block region for static analysis to wade through. Its
	// junk instructions stay strictly below stateReg so they can never
	// corrupt the real dispatch state or the comparison scratch
	// register, unlike touching stateReg directly would.
	for k := 0; k < nBogus; k++ {
		bi := nReal + k
		var body []Instruction
		var fx []int
		if stateReg > 0 {
			junkReg := uint8(rng.Intn(int(stateReg)))
			for n := 1 + rng.Intn(3); n > 0; n-- {
				body = append(body, MakeABC(OpNot, junkReg, junkReg, 0, false))
			}
		}
		body, fx = emitToDispatcher(body, fx, ids[rng.Intn(total)])
		bodies[bi] = body
		fixups[bi] = fx
	}

	// Lay out blocks by ascending assigned state id, scrambling physical
	// placement away from source order, then compute each block's
	// absolute body-start pc from the cumulative lengths of the blocks
	// preceding it in that order.
	layout := make([]int, total)
	for i := range layout {
		layout[i] = i
	}
	sort.Slice(layout, func(i, j int) bool { return ids[layout[i]] < ids[layout[j]] })

	const entryLen = 1
	dispatcherLen := 3*total + 1 // LOADK+EQ+JMP per arm, plus the trailing self-loop JMP
	dispatcherStart := entryLen
	bodiesStart := dispatcherStart + dispatcherLen

	bodyStartOf := make([]int, total)
	cursor := bodiesStart
	for _, bi := range layout {
		bodyStartOf[bi] = cursor
		cursor += len(bodies[bi])
	}

	code := make([]Instruction, 0, cursor)
	code = append(code, MakeABx(OpLoadK, stateReg, out.addConst(Int(int64(ids[0])))))

	// Dispatcher fan: one (LOADK scratch,s_i ; EQ state,scratch,0,K=true ;
	// JMP block_i) arm per reachable state id — real and bogus alike, so
	// every id in ids[] appears in exactly one arm (spec.md §4.3's "every
	// reachable state id appears in exactly one dispatcher arm" — bogus
	// states are assigned an arm too even though nothing ever transitions
	// into them) — followed by a JMP back to the dispatcher's own head.
	for _, bi := range layout {
		armPC := len(code)
		code = append(code, MakeABx(OpLoadK, scratchReg, out.addConst(Int(int64(ids[bi])))))
		code = append(code, MakeABC(OpEq, stateReg, scratchReg, 0, true))
		jmpPC := armPC + 2
		code = append(code, MakeAsBx(OpJmp, 0, int32(bodyStartOf[bi]-(jmpPC+1))))
	}
	selfPC := len(code)
	code = append(code, MakeAsBx(OpJmp, 0, int32(dispatcherStart-(selfPC+1))))

	for _, bi := range layout {
		start := len(code)
		body := bodies[bi]
		for _, off := range fixups[bi] {
			pc := start + off
			body[off] = MakeAsBx(OpJmp, 0, int32(dispatcherStart-(pc+1)))
		}
		code = append(code, body...)
	}

	out.Code = code
	return out, nil
}

func (p *Proto) addConst(v Value) uint32 {
	for i, c := range p.Constants {
		if c.Equal(v) {
			return uint32(i)
		}
	}
	p.Constants = append(p.Constants, v)
	return uint32(len(p.Constants) - 1)
}

// fisherYatesShuffleInts shuffles ids in place with the Fisher-Yates
// algorithm — used both here for state-id assignment and, with a
// dedicated generator, by vm/vmprotect.go's opcode permutation.
func fisherYatesShuffleInts(ids []int, rng *rand.Rand) {
	for i := len(ids) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}
}
