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

import "testing"

func sampleEntry() LogEntry {
	return LogEntry{Op: "get", KeyType: "string", KeyRepr: "users/42", ValueType: "int", ValueRepr: "7"}
}

func TestFilterIncludeExcludeOps(t *testing.T) {
	f := ObservabilityFilter{IncludeOps: []string{"get"}}
	if !f.Accepts(sampleEntry()) {
		t.Fatal("expected get to be accepted when included")
	}
	f2 := ObservabilityFilter{ExcludeOps: []string{"get"}}
	if f2.Accepts(sampleEntry()) {
		t.Fatal("expected get to be rejected when excluded")
	}
}

func TestFilterKeyGlob(t *testing.T) {
	f := ObservabilityFilter{IncludeKeyGlobs: []string{"users/*"}}
	if !f.Accepts(sampleEntry()) {
		t.Fatal("expected users/42 to match users/*")
	}
	f2 := ObservabilityFilter{IncludeKeyGlobs: []string{"orders/*"}}
	if f2.Accepts(sampleEntry()) {
		t.Fatal("expected users/42 not to match orders/*")
	}
	f3 := ObservabilityFilter{ExcludeKeyGlobs: []string{"users/*"}}
	if f3.Accepts(sampleEntry()) {
		t.Fatal("expected exclude glob to reject a matching key")
	}
}

func TestFilterValueRange(t *testing.T) {
	f := ObservabilityFilter{ValueRange: &IntRange{Min: 0, Max: 10}}
	if !f.Accepts(sampleEntry()) {
		t.Fatal("expected value 7 to be within [0,10]")
	}
	f2 := ObservabilityFilter{ValueRange: &IntRange{Min: 100, Max: 200}}
	if f2.Accepts(sampleEntry()) {
		t.Fatal("expected value 7 to be rejected outside [100,200]")
	}
}

func TestFilterTypeSet(t *testing.T) {
	f := ObservabilityFilter{IncludeTypes: []string{"string"}}
	if !f.Accepts(sampleEntry()) {
		t.Fatal("expected key type string to satisfy IncludeTypes")
	}
	f2 := ObservabilityFilter{IncludeTypes: []string{"bool"}}
	if f2.Accepts(sampleEntry()) {
		t.Fatal("expected neither key nor value type to match bool")
	}
}

func TestObserverDedupSuppressesRepeats(t *testing.T) {
	o := NewObserver(ObservabilityFilter{Dedup: true})
	if !o.Record(sampleEntry()) {
		t.Fatal("expected first occurrence to be recorded")
	}
	if o.Record(sampleEntry()) {
		t.Fatal("expected repeat occurrence to be suppressed by dedup")
	}
	other := sampleEntry()
	other.ValueRepr = "8"
	if !o.Record(other) {
		t.Fatal("expected a distinct entry to still be recorded under dedup")
	}
}

func TestObserverWithoutDedupAllowsRepeats(t *testing.T) {
	o := NewObserver(ObservabilityFilter{})
	if !o.Record(sampleEntry()) || !o.Record(sampleEntry()) {
		t.Fatal("expected repeats to be recorded when dedup is disabled")
	}
}

func TestDedupHashDiffersOnFieldChange(t *testing.T) {
	a := sampleEntry()
	b := sampleEntry()
	b.Op = "set"
	if dedupHash(a) == dedupHash(b) {
		t.Fatal("expected differing Op to change the dedup hash")
	}
}
