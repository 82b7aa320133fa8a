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
	"testing"
	"unsafe"
)

func TestExecMemManagerAllocAndWrite(t *testing.T) {
	m := NewExecMemManager(1 << 20)
	page, err := m.AllocPage(64)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if page.Size%pageSize != 0 {
		t.Fatalf("page size %d not page-aligned (pageSize=%d)", page.Size, pageSize)
	}
	rw := unsafe.Slice((*byte)(page.RWBase), page.Size)
	rw[0] = 0xC3 // x86-64 RET
	rx := unsafe.Slice((*byte)(page.RXBase), page.Size)
	if rx[0] != 0xC3 {
		t.Fatalf("write through RW mapping not visible through RX mapping")
	}
	m.ReleaseAll()
}

func TestExecMemManagerCapEnforced(t *testing.T) {
	m := NewExecMemManager(int64(pageSize))
	if _, err := m.AllocPage(pageSize); err != nil {
		t.Fatalf("first alloc within cap failed: %v", err)
	}
	if _, err := m.AllocPage(pageSize); err == nil {
		t.Fatal("expected cap-exceeded error on second allocation")
	}
	m.ReleaseAll()
}

func TestExecMemManagerStats(t *testing.T) {
	m := NewExecMemManager(1 << 20)
	defer m.ReleaseAll()
	if _, err := m.AllocPage(16); err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	s := m.Stats()
	if s == "" {
		t.Fatal("expected non-empty stats string")
	}
}
