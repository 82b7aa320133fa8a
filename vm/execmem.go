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
	"fmt"
	"sync"
	"unsafe"

	"github.com/docker/go-units"
	"golang.org/x/sys/unix"
)

// pageSize is resolved once at init from the OS rather than hardcoded,
// since spec.md §4.6 requires block allocation to stay page-aligned on
// any target.
var pageSize = unix.Getpagesize()

// ExecPage is one page-aligned block of JIT-compiled machine code,
// mapped twice (spec.md §4.6 "W^X discipline: never both writable and
// executable at once"): once RW for the writer, once RX for callers.
// This double-mapping trick (rather than mprotect-toggling a single
// mapping) avoids a window where the same virtual address is briefly
// both writable and executable, and matches the RwBase/RxBase split
// already sketched in scm/jit_writer.go's JITPage.
type ExecPage struct {
	RWBase unsafe.Pointer
	RXBase unsafe.Pointer
	Size   int
	used   int
}

// ExecMemManager owns every ExecPage allocated for one State's JIT
// engine (spec.md §5 "each State owns ... an executable memory region");
// it never shares pages across States.
type ExecMemManager struct {
	mu       sync.Mutex
	pages    []*ExecPage
	capBytes int64
	mapped   int64
}

var globalExecMemMu sync.Mutex
var globalExecMemManagers []*ExecMemManager

// NewExecMemManager creates a manager bounded by capBytes (spec.md §4.6
// "Resource bounds"); capBytes <= 0 means "use Settings.ExecMemCapBytes".
func NewExecMemManager(capBytes int64) *ExecMemManager {
	if capBytes <= 0 {
		capBytes = Settings.ExecMemCapBytes
	}
	m := &ExecMemManager{capBytes: capBytes}
	globalExecMemMu.Lock()
	globalExecMemManagers = append(globalExecMemManagers, m)
	globalExecMemMu.Unlock()
	return m
}

// roundUpPage rounds n up to the next multiple of pageSize.
func roundUpPage(n int) int {
	if n%pageSize == 0 {
		return n
	}
	return (n/pageSize + 1) * pageSize
}

// AllocPage maps a fresh page pair of at least n bytes. The dual mapping
// is created via memfd_create + two mmap calls onto the same underlying
// file descriptor, so writes through RWBase are immediately visible
// through RXBase without any mprotect toggle on the executable side.
func (m *ExecMemManager) AllocPage(n int) (*ExecPage, error) {
	size := roundUpPage(n)
	m.mu.Lock()
	if m.mapped+int64(size) > m.capBytes {
		m.mu.Unlock()
		return nil, newError(KindMemory, fmt.Sprintf(
			"exec-mem cap exceeded: have %s, want %s more",
			units.BytesSize(float64(m.mapped)), units.BytesSize(float64(size))))
	}
	m.mapped += int64(size)
	m.mu.Unlock()

	fd, err := unix.MemfdCreate("jit-page", 0)
	if err != nil {
		return nil, wrapError(KindMemory, "memfd_create failed", err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, wrapError(KindMemory, "ftruncate failed", err)
	}

	rw, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, wrapError(KindMemory, "mmap(RW) failed", err)
	}
	rx, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(rw)
		return nil, wrapError(KindMemory, "mmap(RX) failed", err)
	}

	page := &ExecPage{
		RWBase: unsafe.Pointer(&rw[0]),
		RXBase: unsafe.Pointer(&rx[0]),
		Size:   size,
	}
	m.mu.Lock()
	m.pages = append(m.pages, page)
	m.mu.Unlock()
	return page, nil
}

// FlushIcache invalidates the instruction cache for the code just
// written into [RXBase, RXBase+n), required on weakly-ordered
// architectures (AArch64) before it is safe to jump into. On amd64 the
// instruction and data caches are coherent and this is a no-op, matching
// spec.md §4.6's "icache flush per architecture".
func (p *ExecPage) FlushIcache(off, n int) {
	flushIcacheRange(uintptr(p.RXBase)+uintptr(off), n)
}

// EntryAt returns a function pointer into the RX mapping at the given
// offset from the matching RW mapping, for invoking freshly written
// code.
func (p *ExecPage) EntryAt(off int) unsafe.Pointer {
	return unsafe.Add(p.RXBase, off)
}

// Stats reports aggregate memory usage in a human-readable form (spec.md
// SPEC_FULL.md §2: docker/go-units lands here and in jit.status()).
func (m *ExecMemManager) Stats() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("%s / %s across %d page(s)",
		units.BytesSize(float64(m.mapped)), units.BytesSize(float64(m.capBytes)), len(m.pages))
}

// ReleaseAll unmaps every page owned by this manager, called both from
// State teardown and from the onexit hook registered in config.go.
func (m *ExecMemManager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pages {
		rw := unsafe.Slice((*byte)(p.RWBase), p.Size)
		rx := unsafe.Slice((*byte)(p.RXBase), p.Size)
		unix.Munmap(rw)
		unix.Munmap(rx)
	}
	m.pages = nil
	m.mapped = 0
}
