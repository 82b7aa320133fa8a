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

// jitgen reads Go source files, finds Declare() calls, builds SSA for
// the builtin function bodies, and generates vm.JITEmit closures that
// lower a simple arithmetic fold directly into vm.IRBuilder calls
// instead of an interpreted call guard.
//
// Usage:
//
//	go run ./tools/jitgen/ vm/builtins_arith.go          # list operators
//	go run ./tools/jitgen/ -dump=+ vm/builtins_arith.go   # SSA dump for +
//	go run ./tools/jitgen/ -patch vm/builtins_arith.go    # patch source
//
// This only handles one narrow shape: a function whose SSA body is a
// single basic block whose binary operations all use one operator. Any
// branch or loop (including a range over a ...vm.Value slice) makes the
// body span several blocks, and such a body is reported as a skip rather
// than guessed at — unlike a hand-register-allocating backend, an
// IRBuilder-targeted one has no way to fake control flow it doesn't
// understand. Calls inside the block are not inspected.
package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

var dumpOp string
var doPatch bool
var verbose bool

func main() {
	var files []string
	for _, arg := range os.Args[1:] {
		switch {
		case strings.HasPrefix(arg, "-dump="):
			dumpOp = arg[len("-dump="):]
		case arg == "-patch":
			doPatch = true
		case arg == "-v" || arg == "--verbose":
			verbose = true
		default:
			files = append(files, arg)
		}
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "usage: jitgen [-dump=OP] [-patch] [-v] <file.go> ...\n")
		os.Exit(1)
	}

	pkgDir := "./" + filepath.Dir(files[0])
	cfg := &packages.Config{
		Mode: packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedDeps | packages.NeedImports | packages.NeedName,
	}
	pkgs, err := packages.Load(cfg, pkgDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load package: %v\n", err)
		os.Exit(1)
	}
	if len(pkgs) == 0 {
		fmt.Fprintf(os.Stderr, "no packages found\n")
		os.Exit(1)
	}
	pkg := pkgs[0]
	if len(pkg.Errors) > 0 {
		for _, e := range pkg.Errors {
			fmt.Fprintf(os.Stderr, "  %v\n", e)
		}
		os.Exit(1)
	}
	fset := pkg.Fset

	prog, _ := ssautil.AllPackages(pkgs, 0)
	prog.Build()

	ssaFuncs := map[token.Pos]*ssa.Function{}
	for fn := range ssautil.AllFunctions(prog) {
		if fn.Pos().IsValid() {
			ssaFuncs[fn.Pos()] = fn
		}
	}

	absFiles := map[string]bool{}
	for _, f := range files {
		abs, _ := filepath.Abs(f)
		absFiles[abs] = true
	}

	var ops []operatorInfo
	for _, astFile := range pkg.Syntax {
		fname := fset.Position(astFile.Pos()).Filename
		abs, _ := filepath.Abs(fname)
		if !absFiles[abs] {
			continue
		}
		ops = append(ops, collectOperators(fset, astFile, fname)...)
	}

	patches := map[string][]patchEntry{}
	for _, op := range ops {
		ssaFn := ssaFuncs[op.funcLit.Pos()]
		if ssaFn == nil {
			fmt.Fprintf(os.Stderr, "  %s: %s — SSA function not found\n", op.path, op.name)
			continue
		}
		if dumpOp == op.name {
			dumpSSA(ssaFn)
		}

		newText, genErr := generateClosure(op.name, ssaFn)
		if genErr == "" {
			fmt.Printf("  %s: %s OK\n", op.path, op.name)
		} else {
			fmt.Printf("  %s: %s SKIP: %s\n", op.path, op.name, genErr)
			if verbose {
				dumpSSA(ssaFn)
			}
			newText = fmt.Sprintf("nil /* TODO: %s */", genErr)
		}

		if doPatch && len(op.comp.Elts) >= declarationFieldCount {
			jitField := op.comp.Elts[declarationFieldCount-1]
			pos := fset.Position(jitField.Pos())
			end := fset.Position(jitField.End())
			patches[op.path] = append(patches[op.path], patchEntry{
				startOff: pos.Offset,
				endOff:   end.Offset,
				opName:   op.name,
				newText:  newText,
			})
		}
	}

	if doPatch {
		for path, ps := range patches {
			applyPatches(path, ps)
		}
	}
}

// declarationFieldCount is vm.Declaration's field count: Name, Desc,
// MinParameter, MaxParameter, Params, ReturnType, Fn, Pure,
// HasSideEffect, JITEmit — JITEmit is the last, positionally located
// the same way in every unkeyed Declaration literal jitgen patches.
const declarationFieldCount = 10

type operatorInfo struct {
	name    string
	path    string
	line    int
	funcLit *ast.FuncLit
	comp    *ast.CompositeLit
}

// collectOperators finds Declare(&Declaration{...}) call sites and
// extracts the builtin's name and its Fn closure's AST/SSA forms.
func collectOperators(fset *token.FileSet, f *ast.File, path string) []operatorInfo {
	var ops []operatorInfo
	ast.Inspect(f, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		ident, ok := call.Fun.(*ast.Ident)
		if !ok || ident.Name != "Declare" || len(call.Args) < 1 {
			return true
		}
		unary, ok := call.Args[0].(*ast.UnaryExpr)
		if !ok || unary.Op != token.AND {
			return true
		}
		comp, ok := unary.X.(*ast.CompositeLit)
		if !ok || len(comp.Elts) < 7 {
			return true
		}
		nameLit, ok := comp.Elts[0].(*ast.BasicLit)
		if !ok || nameLit.Kind != token.STRING {
			return true
		}
		funcLit, ok := comp.Elts[6].(*ast.FuncLit)
		if !ok {
			return true
		}
		ops = append(ops, operatorInfo{
			name:    strings.Trim(nameLit.Value, "\""),
			path:    path,
			line:    fset.Position(nameLit.Pos()).Line,
			funcLit: funcLit,
			comp:    comp,
		})
		return true
	})
	return ops
}

func dumpSSA(fn *ssa.Function) {
	fmt.Printf("\n  SSA for %s (%d blocks):\n", fn.Name(), len(fn.Blocks))
	for _, block := range fn.Blocks {
		fmt.Printf("    BB%d:\n", block.Index)
		for _, instr := range block.Instrs {
			fmt.Printf("      %-60s %T\n", instr, instr)
		}
	}
}

// generateClosure attempts to lower fn's body into a literal Go source
// string for a vm.JITEmit closure. It only understands a body that is a
// single SSA basic block whose binary operations all use one operator;
// a multi-block body (any loop or branch, such as the argument loops of
// the builtins in vm/builtins_arith.go) is reported back as a skip,
// never guessed at.
func generateClosure(opName string, fn *ssa.Function) (code string, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			code = ""
			errMsg = fmt.Sprintf("%v", r)
		}
	}()

	if len(fn.Blocks) != 1 {
		return "", "multi-block function bodies aren't supported by this generator"
	}

	op, ok := detectFoldOp(fn.Blocks[0])
	if !ok {
		return "", "body isn't a recognizable single-operator fold over its variadic argument"
	}

	src := fmt.Sprintf(`func(b *IRBuilder, args []IRRef) (IRRef, error) {
			if len(args) < 2 {
				return 0, newError(KindNotYetImplemented, "jit fast path needs at least two operands")
			}
			acc := args[0]
			for _, arg := range args[1:] {
				acc = b.Binary(%s, IRTypeAny, acc, arg)
			}
			return acc, nil
		}`, op)
	_ = opName
	return src, ""
}

// detectFoldOp scans a block's instructions for exactly one kind of
// ssa.BinOp, reporting it as the fold's operator. This is deliberately
// narrow: it recognizes the shape, not the general dataflow, trusting
// that a hand-reviewed "OK" from this tool means the generated closure
// still needs a human glance before it's trusted in the JIT hot path.
func detectFoldOp(block *ssa.BasicBlock) (string, bool) {
	var found string
	for _, instr := range block.Instrs {
		bin, ok := instr.(*ssa.BinOp)
		if !ok {
			continue
		}
		var op string
		switch bin.Op {
		case token.ADD:
			op = "IRAdd"
		case token.SUB:
			op = "IRSub"
		case token.MUL:
			op = "IRMul"
		case token.QUO:
			op = "IRDiv"
		default:
			continue
		}
		if found != "" && found != op {
			return "", false // mixed operators: not a simple fold
		}
		found = op
	}
	if found == "" {
		return "", false
	}
	return found, true
}

type patchEntry struct {
	startOff, endOff int
	opName           string
	newText          string
}

func applyPatches(path string, patches []patchEntry) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  %s: read failed: %v\n", path, err)
		return
	}
	// Apply back-to-front so earlier offsets stay valid.
	for i := len(patches) - 1; i >= 0; i-- {
		p := patches[i]
		old := strings.TrimSpace(string(data[p.startOff:p.endOff]))
		if old != "nil" {
			fmt.Printf("  %s: %s JITEmit field is %q — skipping\n", path, p.opName, old)
			continue
		}
		data = append(data[:p.startOff], append([]byte(p.newText), data[p.endOff:]...)...)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "  %s: write failed: %v\n", path, err)
	}
}
