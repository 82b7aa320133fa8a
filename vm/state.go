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
	"runtime/debug"
	"sync"

	"github.com/jtolds/gls"
)

// State bundles everything spec.md §5 says belongs to a single
// execution context: "each State owns its own JIT engine, executable
// memory manager, bignum scratch space, and trace tables; only the
// string-intern table ... is process-wide". Grounded on memcp's
// goroutine-spawning helpers in storage/compute.go and storage/scan.go,
// which already use jtolds/gls to keep per-worker state off any implicit
// global — we generalize that to carry a *State handle instead of
// ad-hoc per-call values.
type State struct {
	ID string

	ExecMem     *ExecMemManager
	JIT         *JITController
	Traces      *TraceTable
	ObfConfig   ObfuscationConfig
	Log         *SettingsT

	mu sync.Mutex
}

// NewState constructs a State with its own, non-shared JIT/exec-mem/
// trace subsystems (spec.md §5 "Isolation").
func NewState(id string) *State {
	return &State{
		ID:      id,
		ExecMem: NewExecMemManager(0),
		JIT:     NewJITController(),
		Traces:  NewTraceTable(),
		ObfConfig: DefaultObfuscationConfig(),
	}
}

var stateMgr = gls.NewContextManager()

const stateGLSKey = "tessera-current-state"

// WithState runs fn with s bound as the "current State" for the
// duration of fn and every goroutine-local lookup within it, following
// the teacher's practice of never relying on a single implicit global
// across goroutines (storage/compute.go's gls.Go-wrapped workers).
func WithState(s *State, fn func()) {
	stateMgr.SetValues(gls.Values{stateGLSKey: s}, fn)
}

// CurrentState fetches the State bound by the nearest enclosing
// WithState call on this goroutine (or an ancestor it was spawned from
// via GoWithState). Panics with KindInvalidInput if none is bound: every
// engine entry point must run inside a WithState scope, mirroring
// spec.md §5's "a stray goroutine with no bound State is a programming
// error, not a recoverable runtime condition".
func CurrentState() *State {
	v, ok := stateMgr.GetValue(stateGLSKey)
	if !ok {
		panic(newError(KindInvalidInput, "no current State bound on this goroutine"))
	}
	return v.(*State)
}

// GoWithState spawns fn on a new goroutine with the calling goroutine's
// current State propagated, recovering panics into the State's logger
// rather than crashing the process — the same shape as
// storage/compute.go's gls.Go(func(){ ... recover ... }) workers.
func GoWithState(fn func()) {
	s := CurrentState()
	go func() {
		stateMgr.SetValues(gls.Values{stateGLSKey: s}, func() {
			defer func() {
				if r := recover(); r != nil {
					Settings.Logger.Printf("[state %s] panic in background goroutine: %v\n%s", s.ID, r, debug.Stack())
				}
			}()
			fn()
		})
	}()
}

func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExecMem.ReleaseAll()
}
