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
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
)

// rawImageThreshold is the byte-length cutoff below which the image
// codec writes ciphertext raw instead of wrapping it in a PNG (spec.md
// §6 "raw for streams shorter than a threshold").
const rawImageThreshold = 64

// imageCodec is the "dump to PNG" trait spec.md §9 calls out as unusual
// enough to model as its own abstraction: two interchangeable byte-blob
// transports selected purely by length, opaque to everything above it.
type imageCodec interface {
	Encode(plain []byte) (blob []byte, width, height uint32)
	Decode(blob []byte, width, height uint32) ([]byte, error)
}

type rawXORCodec struct{}

func (rawXORCodec) Encode(plain []byte) ([]byte, uint32, uint32) {
	return append([]byte(nil), plain...), uint32(len(plain)), 1
}

func (rawXORCodec) Decode(blob []byte, width, height uint32) ([]byte, error) {
	want := int(width) * int(height)
	if len(blob) < want {
		return nil, newError(KindIntegrityCheck, "imagecodec: raw blob shorter than declared width*height")
	}
	return blob[:want], nil
}

type pngXORCodec struct{}

func pngDimensions(n int) (width, height uint32) {
	if n == 0 {
		return 0, 0
	}
	w := uint32(math.Ceil(math.Sqrt(float64(n))))
	h := uint32(math.Ceil(float64(n) / float64(w)))
	return w, h
}

func (pngXORCodec) Encode(plain []byte) ([]byte, uint32, uint32) {
	width, height := pngDimensions(len(plain))
	img := image.NewGray(image.Rect(0, 0, int(width), int(height)))
	for i := 0; i < len(img.Pix); i++ {
		if i < len(plain) {
			img.Pix[i] = plain[i]
		} else {
			img.Pix[i] = 0 // zero-padded, per spec.md §6
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(wrapError(KindMemory, "imagecodec: png encode failed", err))
	}
	return buf.Bytes(), width, height
}

func (pngXORCodec) Decode(blob []byte, width, height uint32) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, wrapError(KindIntegrityCheck, "imagecodec: png decode failed", err)
	}
	bounds := img.Bounds()
	if uint32(bounds.Dx()) != width || uint32(bounds.Dy()) != height {
		return nil, newError(KindIntegrityCheck, "imagecodec: png dimensions do not match stored header")
	}
	out := make([]byte, 0, int(width)*int(height))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			out = append(out, g.Y)
		}
	}
	return out, nil
}

// selectCodec picks raw_xor for small streams and png_xor otherwise, per
// spec.md §6's documented threshold.
func selectCodec(n int) (imageCodec, bool) {
	if n < rawImageThreshold {
		return rawXORCodec{}, false
	}
	return pngXORCodec{}, true
}

// xorWithTimestamp ciphers buf in place against an 8-byte timestamp
// repeated across the buffer, the byte-layer cipher spec.md §6 describes
// for both the instruction stream and long strings.
func xorWithTimestamp(buf []byte, timestamp uint64) []byte {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], timestamp)
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = b ^ key[i%8]
	}
	return out
}

// xorWithStringKey ciphers a string's bytes against its own timestamp and
// a 256-byte permutation map (spec.md §6 "every string is independently
// keyed with its own timestamp and a 256-byte permutation map").
func xorWithStringKey(buf []byte, timestamp uint64, permMap [256]byte) []byte {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], timestamp)
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = permMap[b] ^ key[i%8]
	}
	return out
}

func inverseByteMap(m [256]byte) [256]byte {
	var inv [256]byte
	for i, v := range m {
		inv[v] = byte(i)
	}
	return inv
}
