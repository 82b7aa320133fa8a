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

	"github.com/docker/go-units"
)

// JITStatus is the result of jit.status(): a human-facing snapshot of
// one State's JIT engine (spec.md §5 "EXTERNAL INTERFACES").
type JITStatus struct {
	Enabled    bool
	ExecMemory string
	Thresholds string
}

// JITOn/JITOff/JITStatusOf/JITFlush/OptStart are the jit.* namespace
// operations spec.md's component design names as the host-facing
// control surface; each is a thin wrapper delegating to the State's
// JITController and ExecMemManager.
func JITOn(s *State)  { s.JIT.SetEnabled(true) }
func JITOff(s *State) { s.JIT.SetEnabled(false) }

func JITStatusOf(s *State) JITStatus {
	return JITStatus{
		Enabled:    s.JIT.Enabled(),
		ExecMemory: s.ExecMem.Stats(),
		Thresholds: fmt.Sprintf("hotloop=%d hotcall=%d maxtrace=%d maxrecord=%s",
			Settings.HotLoop, Settings.HotCall, Settings.MaxTrace,
			units.BytesSize(float64(Settings.MaxRecord))),
	}
}

func JITFlush(s *State) { s.JIT.Flush() }

// OptStart forces eager compilation of the trace rooted at (p,pc)
// instead of waiting for the hotness counters to cross threshold —
// spec.md's "opt.start" control-surface escape hatch for
// ahead-of-time warming.
func OptStart(s *State, p *Proto, pc int) {
	s.JIT.maybeStartRecording(p, pc)
}
