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
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"

	"github.com/pierrec/lz4/v4"
)

type binReader struct {
	buf []byte
	pos int
}

func newBinReader(buf []byte) *binReader { return &binReader{buf: buf} }

func (r *binReader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return newError(KindIntegrityCheck, "deserializer: truncated image")
	}
	return nil
}

func (r *binReader) byteVal() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *binReader) bytesN(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *binReader) u32() (uint32, error) {
	b, err := r.bytesN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *binReader) u64() (uint64, error) {
	b, err := r.bytesN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *binReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *binReader) f64() (float64, error) {
	v, err := r.u64()
	return math.Float64frombits(v), err
}

func (r *binReader) varint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, newError(KindIntegrityCheck, "deserializer: malformed varint")
	}
	r.pos += n
	return v, nil
}

func (r *binReader) blob() ([]byte, error) {
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	return r.bytesN(int(n))
}

func (r *binReader) str() (string, error) {
	b, err := r.blob()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadImage parses a dump produced by WriteImage, verifying the header
// and every per-Proto integrity hash along the way. Any integrity
// failure aborts the whole load (spec.md §7 "a running VM is never
// entered with a tampered image").
func ReadImage(data []byte) (*Proto, error) {
	r := newBinReader(data)
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if err := checkHeaderCompat(hdr); err != nil {
		return nil, err
	}
	return readProto(r)
}

func readHeader(r *binReader) (Header, error) {
	var h Header
	sig, err := r.bytesN(4)
	if err != nil {
		return h, err
	}
	copy(h.Signature[:], sig)
	if h.Version, err = r.byteVal(); err != nil {
		return h, err
	}
	if h.Format, err = r.byteVal(); err != nil {
		return h, err
	}
	marker, err := r.bytesN(8)
	if err != nil {
		return h, err
	}
	copy(h.Marker[:], marker)
	if h.InstrWordSize, err = r.byteVal(); err != nil {
		return h, err
	}
	if h.IntSize, err = r.byteVal(); err != nil {
		return h, err
	}
	if h.NumberSize, err = r.byteVal(); err != nil {
		return h, err
	}
	if h.IntProbe, err = r.i64(); err != nil {
		return h, err
	}
	if h.NumberProbe, err = r.f64(); err != nil {
		return h, err
	}
	if h.TopUpvalCount, err = r.byteVal(); err != nil {
		return h, err
	}
	return h, nil
}

// checkHeaderCompat validates signature, marker, endian/size probes, and
// the version's high nibble — rejecting images from an incompatible
// writer before any recursive parsing begins (spec.md §9's Open Question
// about forward/backward format compatibility, resolved here as a strict
// high-nibble equality check: this engine does not attempt cross-version
// migration, only detection).
func checkHeaderCompat(h Header) error {
	if h.Signature != imageSignature {
		return newError(KindIntegrityCheck, "deserializer: bad image signature")
	}
	if h.Marker != imageMarker {
		return newError(KindIntegrityCheck, "deserializer: bad image data marker")
	}
	if h.Version&0xF0 != imageFormatVersion {
		return newError(KindIntegrityCheck, "deserializer: incompatible image format version")
	}
	if h.IntProbe != imageIntProbe {
		return newError(KindIntegrityCheck, "deserializer: integer probe mismatch (endianness or width)")
	}
	if h.NumberProbe != imageNumberProbe {
		return newError(KindIntegrityCheck, "deserializer: float probe mismatch (endianness or width)")
	}
	if h.InstrWordSize != 4 || h.IntSize != 8 || h.NumberSize != 8 {
		return newError(KindIntegrityCheck, "deserializer: unexpected word size in header")
	}
	return nil
}

func readProto(r *binReader) (*Proto, error) {
	p := &Proto{}
	if _, err := r.u64(); err != nil { // timestamp, informational only
		return nil, err
	}
	src, err := r.str()
	if err != nil {
		return nil, err
	}
	p.Source = src

	lineDefined, err := r.varint()
	if err != nil {
		return nil, err
	}
	p.LineDefined = int(lineDefined)
	if _, err := r.varint(); err != nil { // lastlinedefined, derivable from Lines
		return nil, err
	}

	if p.NumParams, err = r.byteVal(); err != nil {
		return nil, err
	}
	vararg, err := r.byteVal()
	if err != nil {
		return nil, err
	}
	p.IsVararg = vararg != 0
	if p.MaxStackSize, err = r.byteVal(); err != nil {
		return nil, err
	}
	if _, err := r.byteVal(); err != nil { // has-debug-info flag, informational only; a stripped debug-info block reads as empty counts
		return nil, err
	}

	vmProtectFlag, err := r.byteVal()
	if err != nil {
		return nil, err
	}
	var vmPerm *OpcodePermutation
	var vmStream []byte
	if vmProtectFlag == 1 {
		key, err := r.u64()
		if err != nil {
			return nil, err
		}
		seed, err := r.u64()
		if err != nil {
			return nil, err
		}
		cipher, err := r.blob()
		if err != nil {
			return nil, err
		}
		vmStream = xorWithTimestamp(cipher, key^seed)
		vmPerm = &OpcodePermutation{}
		for i := range vmPerm.Inverse {
			op, err := r.byteVal()
			if err != nil {
				return nil, err
			}
			vmPerm.Inverse[i] = OpCode(op)
		}
		for encodedIdx, realOp := range vmPerm.Inverse {
			vmPerm.Forward[realOp] = OpCode(encodedIdx)
		}
	}
	p.vmProtect = vmPerm
	p.vmProtectCode = vmStream

	code, err := readCodeBlock(r)
	if err != nil {
		return nil, err
	}
	p.Code = code

	consts, err := readConstantsBlock(r)
	if err != nil {
		return nil, err
	}
	p.Constants = consts

	ups, err := readUpvaluesBlock(r)
	if err != nil {
		return nil, err
	}
	p.Upvalues = ups

	childCount, err := r.varint()
	if err != nil {
		return nil, err
	}
	p.Protos = make([]*Proto, childCount)
	for i := range p.Protos {
		child, err := readProto(r)
		if err != nil {
			return nil, err
		}
		p.Protos[i] = child
	}

	lines, locals, err := readDebugInfo(r)
	if err != nil {
		return nil, err
	}
	p.Lines = lines
	p.Locals = locals

	return p, nil
}

func readCodeBlock(r *binReader) ([]Instruction, error) {
	count, err := r.varint()
	if err != nil {
		return nil, err
	}

	primary := make([]OpCode, opCodeCount)
	for i := range primary {
		b, err := r.byteVal()
		if err != nil {
			return nil, err
		}
		primary[i] = OpCode(b)
	}
	secondary := make([]OpCode, opCodeCount)
	for i := range secondary {
		b, err := r.byteVal()
		if err != nil {
			return nil, err
		}
		secondary[i] = OpCode(b)
	}

	storedHash, err := r.bytesN(sha256.Size)
	if err != nil {
		return nil, err
	}
	digest := sha256.New()
	for _, op := range primary {
		digest.Write([]byte{byte(op)})
	}
	for _, op := range secondary {
		digest.Write([]byte{byte(op)})
	}
	if !bytes.Equal(storedHash, digest.Sum(nil)) {
		return nil, newError(KindIntegrityCheck, "deserializer: opcode map SHA-256 mismatch")
	}

	ts, err := r.u64()
	if err != nil {
		return nil, err
	}
	isPNG, err := r.byteVal()
	if err != nil {
		return nil, err
	}
	width, err := r.varint()
	if err != nil {
		return nil, err
	}
	height, err := r.varint()
	if err != nil {
		return nil, err
	}
	blob, err := r.blob()
	if err != nil {
		return nil, err
	}

	var codec imageCodec
	if isPNG != 0 {
		codec = pngXORCodec{}
	} else {
		codec = rawXORCodec{}
	}
	cipher, err := codec.Decode(blob, uint32(width), uint32(height))
	if err != nil {
		return nil, err
	}
	plain := xorWithTimestamp(cipher, ts)
	encoded := bytesToInstructions(plain)
	if uint64(len(encoded)) != count {
		return nil, newError(KindIntegrityCheck, "deserializer: instruction count mismatch")
	}

	// primary[i] is the real opcode the writer's Inverse[i] held for
	// encoded slot i — rebuild both directions from that single array.
	perm := &OpcodePermutation{}
	for encodedIdx, realOp := range primary {
		perm.Inverse[encodedIdx] = realOp
		perm.Forward[realOp] = OpCode(encodedIdx)
	}
	return perm.Decode(encoded), nil
}

func readConstantsBlock(r *binReader) ([]Value, error) {
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	out := make([]Value, n)
	for i := range out {
		v, err := readConstant(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readConstant(r *binReader) (Value, error) {
	tag, err := r.byteVal()
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case constTagNil:
		return Nil(), nil
	case constTagFalse:
		return False(), nil
	case constTagTrue:
		return True(), nil
	case constTagInt:
		v, err := r.i64()
		return Int(v), err
	case constTagFloat:
		v, err := r.f64()
		return Float(v), err
	case constTagString:
		s, err := r.str()
		return LongString(s), err
	case constTagBigInt:
		s, err := r.str()
		if err != nil {
			return Value{}, err
		}
		return NewBigInt(BigIntFromString(s)), nil
	case constTagBigFloat:
		s, err := r.str()
		if err != nil {
			return Value{}, err
		}
		return NewBigFloat(BigFloatFromString(s)), nil
	default:
		return Value{}, newError(KindIntegrityCheck, "deserializer: unknown constant tag")
	}
}

func readUpvaluesBlock(r *binReader) ([]UpvalDesc, error) {
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	out := make([]UpvalDesc, n)
	for i := range out {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		inStack, err := r.byteVal()
		if err != nil {
			return nil, err
		}
		idx, err := r.byteVal()
		if err != nil {
			return nil, err
		}
		out[i] = UpvalDesc{Name: name, InStack: inStack != 0, Index: idx}
	}
	marker, err := r.bytesN(4)
	if err != nil {
		return nil, err
	}
	if string(marker) != "ANTI" {
		return nil, newError(KindIntegrityCheck, "deserializer: missing anti-import marker")
	}
	return out, nil
}

func readDebugInfo(r *binReader) ([]int32, []LocalVar, error) {
	lineCount, err := r.varint()
	if err != nil {
		return nil, nil, err
	}
	compressed, err := r.blob()
	if err != nil {
		return nil, nil, err
	}
	var lines []int32
	if lineCount > 0 {
		raw, err := lz4Decompress(compressed, int(lineCount)*4)
		if err != nil {
			return nil, nil, err
		}
		lines = make([]int32, lineCount)
		for i := range lines {
			lines[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}

	localCount, err := r.varint()
	if err != nil {
		return nil, nil, err
	}
	locals := make([]LocalVar, localCount)
	for i := range locals {
		name, err := r.str()
		if err != nil {
			return nil, nil, err
		}
		start, err := r.varint()
		if err != nil {
			return nil, nil, err
		}
		end, err := r.varint()
		if err != nil {
			return nil, nil, err
		}
		locals[i] = LocalVar{Name: name, StartPC: int(start), EndPC: int(end)}
	}

	upNameCount, err := r.varint()
	if err != nil {
		return nil, nil, err
	}
	for i := uint64(0); i < upNameCount; i++ {
		if _, err := r.str(); err != nil {
			return nil, nil, err
		}
	}

	decoyCount, err := r.varint()
	if err != nil {
		return nil, nil, err
	}
	for i := uint64(0); i < decoyCount; i++ {
		if _, err := r.str(); err != nil {
			return nil, nil, err
		}
		if _, err := r.varint(); err != nil {
			return nil, nil, err
		}
		if _, err := r.varint(); err != nil {
			return nil, nil, err
		}
	}

	return lines, locals, nil
}

func lz4Decompress(compressed []byte, sizeHint int) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(compressed))
	out := make([]byte, 0, sizeHint)
	buf := make([]byte, 4096)
	for {
		n, err := zr.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapError(KindIntegrityCheck, "deserializer: lz4 decompression failed", err)
		}
	}
	return out, nil
}
