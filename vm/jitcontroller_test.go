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

func TestJITControllerRecordsAfterHotLoop(t *testing.T) {
	old := Settings.HotLoop
	Settings.HotLoop = 3
	defer func() { Settings.HotLoop = old }()

	p := loopProto()
	c := NewJITController()
	for i := 0; i < 3; i++ {
		c.OnLoop(p, 1)
	}
	if _, ok := c.traces.Lookup(TraceKey{Proto: p, PC: 1}); !ok {
		t.Fatal("expected a compiled trace to be present after crossing hotloop threshold")
	}
}

func TestJITControllerBlacklistsAfterThreeAborts(t *testing.T) {
	old := Settings.HotCall
	Settings.HotCall = 1
	defer func() { Settings.HotCall = old }()

	p := &Proto{Code: []Instruction{MakeABC(OpCall, 0, 0, 0, false)}}
	c := NewJITController()
	for i := 0; i < 5; i++ {
		c.OnCall(p, 0)
	}
	if got := p.jitState().aborts[0]; got < 3 {
		t.Fatalf("expected at least 3 recorded aborts before blacklisting, got %d", got)
	}
}

func TestJITControllerFlushClearsTraces(t *testing.T) {
	c := NewJITController()
	p := &Proto{}
	c.traces.Insert(TraceKey{Proto: p, PC: 0}, NewTrace(p, 0))
	c.Flush()
	if _, ok := c.traces.Lookup(TraceKey{Proto: p, PC: 0}); ok {
		t.Fatal("expected Flush to clear all traces")
	}
}

func TestJITControllerSetEnabled(t *testing.T) {
	c := NewJITController()
	c.SetEnabled(false)
	if c.Enabled() {
		t.Fatal("expected controller disabled")
	}
	c.SetEnabled(true)
	if !c.Enabled() {
		t.Fatal("expected controller enabled")
	}
}
