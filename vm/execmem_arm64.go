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

// clearCacheRange is implemented in execmem_arm64.s: it walks the range
// issuing "DC CVAU" (clean data cache to unification point) followed by
// "IC IVAU" (invalidate instruction cache) per cache line, then DSB+ISB,
// per the AArch64 Architecture Reference Manual's documented sequence
// for self-modifying/JIT code. AArch64 is weakly-ordered between the
// data and instruction streams, unlike amd64, so this is required before
// a freshly emitted trace can be entered (spec.md §4.6).
func clearCacheRange(start, end unsafe.Pointer)

func flushIcacheRange(addr uintptr, n int) {
	start := unsafe.Pointer(addr)
	end := unsafe.Pointer(addr + uintptr(n))
	clearCacheRange(start, end)
}
