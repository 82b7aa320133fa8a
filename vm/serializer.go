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
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
)

// Header precedes every dump (spec.md §6 "Bytecode image format"). The
// signature and data marker are fixed literals a reader checks before
// trusting anything else; Version's high nibble is the format's
// compatibility gate (spec.md §9's Open Question, resolved below) and the
// low nibble is randomised per dump so two dumps of identical bytecode
// never hash identically.
type Header struct {
	Signature     [4]byte
	Version       byte
	Format        byte
	Marker        [8]byte
	InstrWordSize byte
	IntSize       byte
	NumberSize    byte
	IntProbe      int64
	NumberProbe   float64
	TopUpvalCount byte
}

var (
	imageSignature = [4]byte{'T', 'S', 'R', '1'}
	imageMarker    = [8]byte{'t', 'e', 's', 's', 'e', 'r', 'a', '\x00'}
)

// imageFormatVersion is the high nibble every compatible reader must see;
// bumped whenever the recursive block layout changes incompatibly.
const imageFormatVersion byte = 0x10

const (
	imageIntProbe    int64   = 0x0123456789ABCDEF
	imageNumberProbe float64 = 370.5 // classic cross-platform float sanity probe
)

// DumpOptions controls one serialization pass: whether debug info is
// stripped (spec.md §6 "a stripped dump omits all debug-info contents")
// and whether each Proto is additionally run through VM-protect before
// its code block is written.
type DumpOptions struct {
	StripDebugInfo bool
	VMProtect      bool
	Obfuscation    ObfuscationConfig
}

type binWriter struct {
	buf bytes.Buffer
}

func (w *binWriter) byte(b byte)       { w.buf.WriteByte(b) }
func (w *binWriter) bytes(b []byte)    { w.buf.Write(b) }
func (w *binWriter) u32(v uint32)      { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *binWriter) u64(v uint64)      { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }
func (w *binWriter) i64(v int64)       { w.u64(uint64(v)) }
func (w *binWriter) f64(v float64)     { w.u64(math.Float64bits(v)) }
func (w *binWriter) varint(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	w.buf.Write(b[:n])
}
func (w *binWriter) blob(b []byte) {
	w.varint(uint64(len(b)))
	w.buf.Write(b)
}
func (w *binWriter) str(s string) { w.blob([]byte(s)) }

// WriteImage serializes root (and everything it transitively references)
// into w, implementing the header + recursive Proto block layout of
// spec.md §6.
func WriteImage(w io.Writer, root *Proto, opts DumpOptions) error {
	bw := &binWriter{}
	hdr := Header{
		Signature:     imageSignature,
		Version:       imageFormatVersion | randomNibble(),
		Format:        1,
		Marker:        imageMarker,
		InstrWordSize: 4,
		IntSize:       8,
		NumberSize:    8,
		IntProbe:      imageIntProbe,
		NumberProbe:   imageNumberProbe,
		TopUpvalCount: byte(len(root.Upvalues)),
	}
	writeHeader(bw, hdr)

	if err := writeProto(bw, root, opts); err != nil {
		return err
	}
	_, err := w.Write(bw.buf.Bytes())
	return err
}

func randomNibble() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0] & 0x0F
}

func randomU64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func writeHeader(bw *binWriter, h Header) {
	bw.bytes(h.Signature[:])
	bw.byte(h.Version)
	bw.byte(h.Format)
	bw.bytes(h.Marker[:])
	bw.byte(h.InstrWordSize)
	bw.byte(h.IntSize)
	bw.byte(h.NumberSize)
	bw.i64(h.IntProbe)
	bw.f64(h.NumberProbe)
	bw.byte(h.TopUpvalCount)
}

func writeProto(bw *binWriter, p *Proto, opts DumpOptions) error {
	bw.u64(uint64(time.Now().UnixNano()))
	bw.str(p.Source)
	bw.varint(uint64(p.LineDefined))
	lastLine := p.LineDefined
	if n := len(p.Lines); n > 0 {
		lastLine = int(p.Lines[n-1])
	}
	bw.varint(uint64(lastLine))
	bw.byte(p.NumParams)
	bw.byte(boolByte(p.IsVararg))
	bw.byte(p.MaxStackSize)
	bw.byte(boolByte(!opts.StripDebugInfo))

	code := p.Code
	if opts.VMProtect {
		perm, err := NewOpcodePermutation()
		if err != nil {
			return err
		}
		key := randomU64()
		seed := uint64(time.Now().UnixNano())
		encoded := perm.Encode(code)
		stream := xorWithTimestamp(instructionsToBytes(encoded), key^seed)
		bw.byte(1)
		bw.u64(key)
		bw.u64(seed)
		bw.blob(stream)
		for _, op := range perm.Inverse {
			bw.byte(byte(op))
		}
	} else {
		bw.byte(0)
	}

	if err := writeCodeBlock(bw, code); err != nil {
		return err
	}
	writeConstantsBlock(bw, p.Constants)
	writeUpvaluesBlock(bw, p.Upvalues)

	bw.varint(uint64(len(p.Protos)))
	for _, child := range p.Protos {
		if err := writeProto(bw, child, opts); err != nil {
			return err
		}
	}

	writeDebugInfo(bw, p, opts.StripDebugInfo)
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func instructionsToBytes(code []Instruction) []byte {
	out := make([]byte, 4*len(code))
	for i, instr := range code {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(instr))
	}
	return out
}

func bytesToInstructions(buf []byte) []Instruction {
	out := make([]Instruction, len(buf)/4)
	for i := range out {
		out[i] = Instruction(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// writeCodeBlock writes the instruction stream under its own permutation
// (independent of any VM-protect table), XORed against a fresh timestamp
// and routed through raw_xor or png_xor by length (spec.md §6 "Code
// block").
func writeCodeBlock(bw *binWriter, code []Instruction) error {
	bw.varint(uint64(len(code)))

	perm, err := NewOpcodePermutation()
	if err != nil {
		return err
	}
	for _, op := range perm.Inverse {
		bw.byte(byte(op))
	}
	// Secondary map: the same table again at this emission tier (no
	// independent secondary obfuscation layer implemented beyond
	// VM-protect's own table), but recorded as its own field so the
	// reader's SHA-256 integrity check spans both, per spec.md §6.
	for _, op := range perm.Inverse {
		bw.byte(byte(op))
	}

	digest := sha256.New()
	for _, op := range perm.Inverse {
		digest.Write([]byte{byte(op)})
	}
	for _, op := range perm.Inverse {
		digest.Write([]byte{byte(op)})
	}
	bw.bytes(digest.Sum(nil))

	encoded := perm.Encode(code)
	plain := instructionsToBytes(encoded)
	ts := uint64(time.Now().UnixNano())
	cipher := xorWithTimestamp(plain, ts)
	bw.u64(ts)

	codec, isPNG := selectCodec(len(cipher))
	blob, width, height := codec.Encode(cipher)
	bw.byte(boolByte(isPNG))
	bw.varint(uint64(width))
	bw.varint(uint64(height))
	bw.blob(blob)
	return nil
}

func writeConstantsBlock(bw *binWriter, consts []Value) {
	bw.varint(uint64(len(consts)))
	for _, c := range consts {
		writeConstant(bw, c)
	}
}

const (
	constTagNil byte = iota
	constTagFalse
	constTagTrue
	constTagInt
	constTagFloat
	constTagString
	constTagBigInt
	constTagBigFloat
)

func writeConstant(bw *binWriter, v Value) {
	switch v.GetTag() {
	case TagNil:
		bw.byte(constTagNil)
	case TagFalse:
		bw.byte(constTagFalse)
	case TagTrue:
		bw.byte(constTagTrue)
	case TagInt:
		bw.byte(constTagInt)
		bw.i64(v.Int())
	case TagFloat:
		bw.byte(constTagFloat)
		bw.f64(v.Float())
	case TagShortStr, TagLongStr:
		bw.byte(constTagString)
		bw.str(v.String())
	case TagBigInt:
		bw.byte(constTagBigInt)
		bw.str(v.BigInt().ToString())
	case TagBigFloat:
		bw.byte(constTagBigFloat)
		bw.str(v.BigFloat().ToString())
	default:
		panic(newError(KindInvalidInput, "serializer: constant pool entries must be a scalar, string, or bignum, got "+v.GetTag().String()))
	}
}

func writeUpvaluesBlock(bw *binWriter, ups []UpvalDesc) {
	bw.varint(uint64(len(ups)))
	for _, u := range ups {
		bw.str(u.Name)
		bw.byte(boolByte(u.InStack))
		bw.byte(u.Index)
	}
	// anti-import section: a fixed literal marker a tampered/truncated
	// stream will not reproduce (spec.md §6 "followed by a fixed
	// 'anti-import' section").
	bw.bytes([]byte("ANTI"))
}

// decoyLineInfoCount is the number of fabricated line-info entries
// appended to every non-stripped debug-info block (spec.md §6 "two decoy
// entries").
const decoyLineInfoCount = 2

func writeDebugInfo(bw *binWriter, p *Proto, stripped bool) {
	if stripped {
		bw.varint(0) // line count
		bw.blob(nil) // compressed line table
		bw.varint(0) // local count
		bw.varint(0) // upvalue-name count
		bw.varint(0) // decoy count
		return
	}

	lineBuf := make([]byte, 4*len(p.Lines))
	for i, l := range p.Lines {
		binary.LittleEndian.PutUint32(lineBuf[i*4:], uint32(l))
	}
	compressed := lz4Compress(lineBuf)
	bw.varint(uint64(len(p.Lines)))
	bw.blob(compressed)

	bw.varint(uint64(len(p.Locals)))
	for _, lv := range p.Locals {
		bw.str(lv.Name)
		bw.varint(uint64(lv.StartPC))
		bw.varint(uint64(lv.EndPC))
	}

	bw.varint(uint64(len(p.Upvalues)))
	for _, u := range p.Upvalues {
		bw.str(u.Name)
	}

	bw.varint(decoyLineInfoCount)
	for i := 0; i < decoyLineInfoCount; i++ {
		bw.str("")
		bw.varint(0)
		bw.varint(0)
	}
}

func lz4Compress(data []byte) []byte {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		panic(wrapError(KindMemory, "serializer: lz4 compression failed", err))
	}
	if err := zw.Close(); err != nil {
		panic(wrapError(KindMemory, "serializer: lz4 compression failed", err))
	}
	return buf.Bytes()
}

// NewDumpID mints a fresh identifier for one serialization session
// (spec.md's "fresh timestamp" note, extended with a collision-free ID
// callers can correlate across logs/observability).
func NewDumpID() string { return uuid.NewString() }
