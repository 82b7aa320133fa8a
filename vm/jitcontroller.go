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

	"github.com/google/btree"
	"golang.org/x/sync/singleflight"
)

// btreeIndex wraps a generic google/btree BTreeG keyed by TraceKey,
// giving the JIT controller ordered range scans over (Proto,PC) in
// addition to point lookups (SPEC_FULL.md §2).
type btreeIndex struct {
	t *btree.BTreeG[traceEntry]
}

type traceEntry struct {
	key TraceKey
	tr  *Trace
}

func traceKeyLess(a, b traceEntry) bool {
	pa, pb := uintptr(unsafe.Pointer(a.key.Proto)), uintptr(unsafe.Pointer(b.key.Proto))
	if pa != pb {
		return pa < pb
	}
	return a.key.PC < b.key.PC
}

func newBtreeIndex() *btreeIndex {
	return &btreeIndex{t: btree.NewG(32, traceKeyLess)}
}

func (idx *btreeIndex) get(key TraceKey) (*Trace, bool) {
	item, ok := idx.t.Get(traceEntry{key: key})
	if !ok {
		return nil, false
	}
	return item.tr, true
}

func (idx *btreeIndex) put(key TraceKey, tr *Trace) {
	idx.t.ReplaceOrInsert(traceEntry{key: key, tr: tr})
}

func (idx *btreeIndex) delete(key TraceKey) {
	idx.t.Delete(traceEntry{key: key})
}

// forEachInProto scans every entry rooted in p, using the btree's
// ordered AscendRange over the Proto's pointer-address partition.
func (idx *btreeIndex) forEachInProto(p *Proto, fn func(TraceKey, *Trace)) {
	lo := traceEntry{key: TraceKey{Proto: p, PC: -1 << 31}}
	hi := traceEntry{key: TraceKey{Proto: p, PC: 1<<31 - 1}}
	idx.t.AscendRange(lo, hi, func(e traceEntry) bool {
		fn(e.key, e.tr)
		return true
	})
}

// JITController implements spec.md §4.6's on_loop/on_call/on_return
// hotness-triggered recording entry points and owns the compiled-trace
// cache for one State.
type JITController struct {
	mu      sync.Mutex
	traces  *TraceTable
	active  *Trace // non-nil while a recording is in progress
	group   singleflight.Group
	enabled bool
}

func NewJITController() *JITController {
	return &JITController{traces: NewTraceTable(), enabled: true}
}

// OnLoop is called by the interpreter loop at every backward branch; it
// bumps the per-(Proto,PC) loop hotness counter and starts recording
// once it crosses Settings.HotLoop (spec.md §6 "hotloop=56").
func (c *JITController) OnLoop(p *Proto, pc int) {
	if !c.enabled {
		return
	}
	st := p.jitState()
	slot := hashPC(pc)
	st.hotLoop[slot]++
	if st.hotLoop[slot] < uint32(Settings.HotLoop) {
		return
	}
	c.maybeStartRecording(p, pc)
}

// OnCall is the same trigger for hot call sites (spec.md §6
// "hotcall=100").
func (c *JITController) OnCall(p *Proto, pc int) {
	if !c.enabled {
		return
	}
	st := p.jitState()
	slot := hashPC(pc)
	st.hotCall[slot]++
	if st.hotCall[slot] < uint32(Settings.HotCall) {
		return
	}
	c.maybeStartRecording(p, pc)
}

// OnReturn lets the controller notice a trace's recording has run past
// its own entry frame (spec.md §4.4 "bad recursion" abort class).
func (c *JITController) OnReturn(p *Proto, pc int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.Proto == p {
		c.active.abort(AbortBadRecursion)
	}
}

func (c *JITController) maybeStartRecording(p *Proto, pc int) {
	st := p.jitState()
	if st.aborts[pc] >= 3 {
		return // blacklisted (spec.md §4.4 "blacklist after 3 aborts at a PC")
	}
	key := TraceKey{Proto: p, PC: pc}
	if _, ok := c.traces.Lookup(key); ok {
		return // already compiled
	}
	// singleflight collapses concurrent recording requests for the same
	// root into one (SPEC_FULL.md §2 golang.org/x/sync wiring).
	dedupKey := traceDedupKey(p, pc)
	c.group.Do(dedupKey, func() (interface{}, error) {
		c.record(p, pc)
		return nil, nil
	})
}

func traceDedupKey(p *Proto, pc int) string {
	return fmt.Sprintf("%p:%d", p, pc)
}

func (c *JITController) record(p *Proto, pc int) {
	c.mu.Lock()
	tr := NewTrace(p, pc)
	c.active = tr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		if r := recover(); r != nil {
			st := p.jitState()
			st.aborts[pc]++
			if st.aborts[pc] >= 3 {
				// blacklist permanently by never clearing the counter
				Settings.Logger.Printf("[jit] blacklisting proto=%p pc=%d after 3 aborts", p, pc)
			}
			return
		}
	}()

	tr.state = RecorderRecording
	recordTrace(tr)
	tr.Finish()
	c.traces.Insert(TraceKey{Proto: p, PC: pc}, tr)
}

// Flush discards every compiled trace, forcing recompilation — the
// jit.flush() control-surface operation (vm/jitruntime_api.go).
func (c *JITController) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces = NewTraceTable()
}

func (c *JITController) SetEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = on
}

func (c *JITController) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}
