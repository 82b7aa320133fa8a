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
	"log"
	"os"
	"sync"

	"github.com/dc0d/onexit"
)

// SettingsT holds every tunable named in spec.md §6, following the
// package-level Settings pattern of storage/settings.go (a single
// mutable struct, read without locking on the fast path, written only
// at startup or via the jit.* control surface).
type SettingsT struct {
	HotLoop     int // on_loop trigger threshold
	HotCall     int // on_call trigger threshold
	MaxTrace    int // max IR instructions per trace
	MaxRecord   int // max bytecode instructions recorded before abort
	MaxIRConst  int // max distinct IR constants per trace
	MaxSide     int // max side-exits per trace before blacklist
	MaxSnap     int // max snapshots per trace
	MaxBogus    float64 // CFF obfuscator: bogus-block ratio cap (SPEC_FULL.md §3)
	JITEnabled  bool
	ObfuscateOn bool

	// ExecMemCapBytes bounds the executable-memory manager's total
	// mapped size per State (spec.md §4.6 "Resource bounds").
	ExecMemCapBytes int64

	Logger *log.Logger
}

// Settings is the process-wide configuration instance, mirroring
// storage.Settings's role as the single package-level settings value
// consulted throughout the engine.
var Settings SettingsT

var settingsOnce sync.Once

// InitSettings populates Settings with the defaults named in spec.md §6
// and registers the process-exit cleanup hook, exactly like
// storage.InitSettings registers its own onexit.Register call for the
// trace file.
func InitSettings() {
	settingsOnce.Do(func() {
		Settings = SettingsT{
			HotLoop:         56,
			HotCall:         100,
			MaxTrace:        1000,
			MaxRecord:       4000,
			MaxIRConst:      4096,
			MaxSide:         100,
			MaxSnap:         500,
			MaxBogus:        0.5,
			JITEnabled:      true,
			ObfuscateOn:     false,
			ExecMemCapBytes: 64 << 20,
			Logger:          log.New(os.Stderr, "[engine] ", log.LstdFlags),
		}
		onexit.Register(func() {
			globalExecMemMu.Lock()
			defer globalExecMemMu.Unlock()
			for _, mgr := range globalExecMemManagers {
				mgr.ReleaseAll()
			}
		})
	})
}
