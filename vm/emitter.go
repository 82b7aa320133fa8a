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

import "unsafe"

// Reg is a hardware register index; the actual constants (RAX, R8, X0,
// V0, ...) live in the architecture-specific emitter_<arch>.go files,
// mirroring scm/jit_types.go's Reg type.
type Reg uint8

// JITFixup records a forward reference patched once all labels are
// placed, identical in shape to scm/jit_writer.go's JITFixup.
type JITFixup struct {
	CodePos  int32
	LabelID  uint8
	Size     uint8
	Relative bool
}

// JITWriter is the platform-independent code-emission scaffold: it owns
// the RW write cursor into an ExecPage and tracks labels/fixups the same
// way scm/jit_writer.go does, generalized to write into a page obtained
// from vm/execmem.go instead of an anonymous byte buffer.
type JITWriter struct {
	Page  *ExecPage
	Ptr   unsafe.Pointer
	Start unsafe.Pointer
	End   unsafe.Pointer

	Labels    [64]int32
	LabelNext uint8

	Fixups    [128]JITFixup
	FixupNext uint8
}

func NewJITWriter(page *ExecPage) *JITWriter {
	return &JITWriter{
		Page:  page,
		Ptr:   page.RWBase,
		Start: page.RWBase,
		End:   unsafe.Add(page.RWBase, page.Size-256),
	}
}

func (w *JITWriter) DefineLabel() uint8 {
	id := w.LabelNext
	w.LabelNext++
	w.Labels[id] = int32(uintptr(w.Ptr) - uintptr(w.Start))
	return id
}

func (w *JITWriter) ReserveLabel() uint8 {
	id := w.LabelNext
	w.LabelNext++
	w.Labels[id] = -1
	return id
}

func (w *JITWriter) MarkLabel(id uint8) {
	w.Labels[id] = int32(uintptr(w.Ptr) - uintptr(w.Start))
}

func (w *JITWriter) AddFixup(labelID uint8, size uint8, relative bool) {
	w.Fixups[w.FixupNext] = JITFixup{
		CodePos:  int32(uintptr(w.Ptr) - uintptr(w.Start)),
		LabelID:  labelID,
		Size:     size,
		Relative: relative,
	}
	w.FixupNext++
}

func (w *JITWriter) ResolveFixups() {
	for i := uint8(0); i < w.FixupNext; i++ {
		f := &w.Fixups[i]
		targetPos := w.Labels[f.LabelID]
		if targetPos < 0 {
			panic(newError(KindNotYetImplemented, "jit: undefined label"))
		}
		patchAddr := unsafe.Add(w.Start, int(f.CodePos))
		if f.Relative {
			offset := targetPos - (f.CodePos + int32(f.Size))
			writePatch(patchAddr, f.Size, offset)
		} else {
			writePatch(patchAddr, f.Size, targetPos)
		}
	}
}

func writePatch(addr unsafe.Pointer, size uint8, v int32) {
	switch size {
	case 1:
		*(*int8)(addr) = int8(v)
	case 4:
		*(*int32)(addr) = v
	}
}

func (w *JITWriter) emitByte(b byte) {
	*(*byte)(w.Ptr) = b
	w.Ptr = unsafe.Add(w.Ptr, 1)
}

func (w *JITWriter) emitBytes(bs ...byte) {
	for _, b := range bs {
		w.emitByte(b)
	}
}

func (w *JITWriter) emitU32(v uint32) {
	*(*uint32)(w.Ptr) = v
	w.Ptr = unsafe.Add(w.Ptr, 4)
}

func (w *JITWriter) emitU64(v uint64) {
	*(*uint64)(w.Ptr) = v
	w.Ptr = unsafe.Add(w.Ptr, 8)
}

// Len returns the number of bytes written so far.
func (w *JITWriter) Len() int {
	return int(uintptr(w.Ptr) - uintptr(w.Start))
}

// EntryPoint returns the executable-mapping entry point matching the
// start of this writer's code (for invoking the compiled trace).
func (w *JITWriter) EntryPoint() unsafe.Pointer {
	off := int(uintptr(w.Start) - uintptr(w.Page.RWBase))
	return w.Page.EntryAt(off)
}

// EmitTrace lowers tr's optimized IR to native code on an architecture-
// specific path (emitter_amd64.go / emitter_arm64.go) and returns the
// callable entry point. Both architectures must be implemented — unlike
// scm/jit_arm64.go, which TODOs out AArch64 entirely.
func EmitTrace(mgr *ExecMemManager, tr *Trace) (unsafe.Pointer, error) {
	page, err := mgr.AllocPage(4096)
	if err != nil {
		return nil, err
	}
	w := NewJITWriter(page)
	emitTraceBody(w, tr)
	w.ResolveFixups()
	page.FlushIcache(0, w.Len())
	return w.EntryPoint(), nil
}
