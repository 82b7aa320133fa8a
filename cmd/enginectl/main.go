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

// enginectl is a thin CLI over the engine's bytecode-image tooling:
// inspecting, obfuscating, and re-serializing images (it has no
// subcommand that controls the JIT) — the counterpart to the teacher's own
// fmt.Print-banner-then-scm.Repl() entry point, generalized from a
// Scheme REPL to a set of image-management subcommands since this
// engine has no front-end parser of its own.
package main

import (
	"fmt"
	"os"

	"github.com/tessera-lang/tessera/vm"
)

func main() {
	fmt.Print(`tessera enginectl Copyright (C) 2024-2026  Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "inspect":
		cmdInspect(os.Args[2:])
	case "obfuscate":
		cmdObfuscate(os.Args[2:])
	case "strip":
		cmdStrip(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`usage:
  enginectl inspect <image.img>               print header and Proto summary
  enginectl obfuscate <in.img> <out.img>       flatten control flow and re-dump
  enginectl strip <in.img> <out.img>           re-dump without debug info`)
}

func cmdInspect(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "inspect: missing image path")
		os.Exit(1)
	}
	root := mustReadImage(args[0])
	printProto(root, 0)
}

func printProto(p *vm.Proto, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	fmt.Printf("%sproto %q: %d instructions, %d constants, %d upvalues, %d nested\n",
		indent, p.Source, len(p.Code), len(p.Constants), len(p.Upvalues), len(p.Protos))
	for _, child := range p.Protos {
		printProto(child, depth+1)
	}
}

func cmdObfuscate(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "obfuscate: need <in.img> <out.img>")
		os.Exit(1)
	}
	root := mustReadImage(args[0])
	cfg := vm.DefaultObfuscationConfig()
	cfg.Enabled = true
	flattened, err := vm.Flatten(root, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "obfuscate: %v (writing original proto unmodified)\n", err)
		flattened = root
	}
	mustWriteImage(args[1], flattened, vm.DumpOptions{VMProtect: true, Obfuscation: cfg})
	fmt.Printf("wrote %s\n", args[1])
}

func cmdStrip(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "strip: need <in.img> <out.img>")
		os.Exit(1)
	}
	root := mustReadImage(args[0])
	mustWriteImage(args[1], root, vm.DumpOptions{StripDebugInfo: true})
	fmt.Printf("wrote %s\n", args[1])
}

func mustReadImage(path string) *vm.Proto {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", path, err)
		os.Exit(1)
	}
	root, err := vm.ReadImage(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode %s: %v\n", path, err)
		os.Exit(1)
	}
	return root
}

func mustWriteImage(path string, root *vm.Proto, opts vm.DumpOptions) {
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create %s: %v\n", path, err)
		os.Exit(1)
	}
	defer f.Close()
	if err := vm.WriteImage(f, root, opts); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", path, err)
		os.Exit(1)
	}
}
