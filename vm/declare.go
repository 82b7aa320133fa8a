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
	"strings"
)

// JITEmit lowers a call to a builtin directly into a trace's IR instead
// of falling through to an interpreted call guard (vm/trace.go). It
// returns an error when the given argument refs can't be proven to have
// types this builtin's fast path handles, in which case the recorder
// falls back to an IRCall. tools/jitgen generates these closures from a
// builtin's Go implementation by walking its SSA form.
type JITEmit func(b *IRBuilder, args []IRRef) (IRRef, error)

// Declaration describes one host builtin: its calling convention, help
// text, and (optionally) a JIT-emittable fast path. Field order matters —
// tools/jitgen locates the JITEmit element positionally in composite
// literals built against this struct, so new fields must be appended,
// never inserted.
type Declaration struct {
	Name         string
	Desc         string
	MinParameter int
	MaxParameter int
	Params       []DeclarationParameter
	ReturnType   string
	Fn           func(...Value) Value

	// Pure marks a builtin with no observable side effect. The optimizer
	// passes (vm/optimizer.go) do not read it.
	Pure bool
	// HasSideEffect marks a builtin the trace recorder must never
	// speculatively re-order past a guard (e.g. table mutation, I/O).
	HasSideEffect bool

	// JITEmit is nil for builtins with no fast IR lowering; the recorder
	// then emits a plain interpreted call guard for them.
	JITEmit JITEmit
}

type DeclarationParameter struct {
	Name string
	Type string // any | string | number | func | list | symbol
	Desc string
}

var declarations = make(map[string]*Declaration)
var declarationsByFn = make(map[string]*Declaration)

// Declare registers a builtin into the global help/jitgen index. Builtins
// live process-wide (like the string-intern table, spec.md §5) since
// they carry no per-State mutable data of their own — only JITEmit
// closures and a Go function pointer.
func Declare(def *Declaration) {
	declarations[def.Name] = def
	if def.Fn != nil {
		declarationsByFn[fmt.Sprintf("%p", def.Fn)] = def
	}
}

// LookupDeclaration returns the builtin registered under name, if any.
func LookupDeclaration(name string) (*Declaration, bool) {
	def, ok := declarations[name]
	return def, ok
}

// LookupJITEmit returns the JIT fast-path closure registered for name, if
// the builtin was declared with one.
func LookupJITEmit(name string) (JITEmit, bool) {
	def, ok := declarations[name]
	if !ok || def.JITEmit == nil {
		return nil, false
	}
	return def.JITEmit, true
}

// Help prints the registered builtins, or one builtin's full
// documentation when fn is non-empty.
func Help(fn string) {
	if fn == "" {
		fmt.Println("Available builtins:")
		fmt.Println("")
		for name, def := range declarations {
			fmt.Println("  " + name + ": " + strings.Split(def.Desc, "\n")[0])
		}
		fmt.Println("")
		fmt.Println("get further information by typing (help \"functionname\") to get more info")
		return
	}
	def, ok := declarations[fn]
	if !ok {
		panic(newError(KindInvalidInput, "function not found: "+fn))
	}
	fmt.Println("Help for: " + def.Name)
	fmt.Println("===")
	fmt.Println("")
	fmt.Println(def.Desc)
	fmt.Println("")
	fmt.Println("Allowed nø of parameters: ", def.MinParameter, "-", def.MaxParameter)
	fmt.Println("")
	for _, p := range def.Params {
		fmt.Println(" - " + p.Name + " (" + p.Type + "): " + p.Desc)
	}
	fmt.Println("")
}
