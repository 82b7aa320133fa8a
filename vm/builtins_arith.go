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

// numericBinary folds a ...Value arithmetic builtin over Int/Float/BigInt
// operands. A BigInt operand makes the step BigInt (a Float beside it is
// truncated to an integer); otherwise a Float operand makes it Float; two
// Ints stay Int and are promoted to BigInt on int64 overflow — mirrors scm/alu.go's ToFloat-folding
// builtins, generalized past float64 to this engine's tagged numeric
// tower (vm/bigint.go, vm/bigfloat.go).
func numericBinary(op IROp, a, b Value) Value {
	switch {
	case a.IsBigInt() || b.IsBigInt():
		x, y := toBigInt(a), toBigInt(b)
		switch op {
		case IRAdd:
			return NewBigInt(BigIntAdd(x, y))
		case IRSub:
			return NewBigInt(BigIntSub(x, y))
		case IRMul:
			return NewBigInt(BigIntMul(x, y))
		case IRDiv:
			q, _ := BigIntDivMod(x, y)
			return NewBigInt(q)
		}
	case a.IsFloat() || b.IsFloat():
		x, y := a.Float(), b.Float()
		switch op {
		case IRAdd:
			return Float(x + y)
		case IRSub:
			return Float(x - y)
		case IRMul:
			return Float(x * y)
		case IRDiv:
			return Float(x / y)
		}
	default:
		x, y := a.Int(), b.Int()
		switch op {
		case IRAdd:
			if sum := x + y; !addOverflows(x, y, sum) {
				return Int(sum)
			}
			return NewBigInt(BigIntAdd(toBigInt(a), toBigInt(b)))
		case IRSub:
			if diff := x - y; !subOverflows(x, y, diff) {
				return Int(diff)
			}
			return NewBigInt(BigIntSub(toBigInt(a), toBigInt(b)))
		case IRMul:
			if x == 0 || y == 0 {
				return Int(0)
			}
			if prod := x * y; prod/y == x && !(x == -1<<63 && y == -1) {
				return Int(prod)
			}
			return NewBigInt(BigIntMul(toBigInt(a), toBigInt(b)))
		case IRDiv:
			if y == 0 {
				panic(newError(KindArithmetic, "division by zero"))
			}
			if x == -1<<63 && y == -1 {
				q, _ := BigIntDivMod(toBigInt(a), toBigInt(b))
				return NewBigInt(q)
			}
			return Int(x / y)
		}
	}
	panic(newError(KindArithmetic, "unsupported numeric operator"))
}

func addOverflows(x, y, sum int64) bool { return ((x ^ sum) & (y ^ sum)) < 0 }
func subOverflows(x, y, diff int64) bool { return ((x ^ y) & (x ^ diff)) < 0 }

func toBigInt(v Value) *BigInt {
	if v.IsBigInt() {
		return v.BigInt()
	}
	return bigIntFromInt64(v.Int())
}

// jitArith builds a JITEmit closure for a numeric builtin: a left fold of
// the matching IR binary op over every argument, typed IRTypeAny (no
// operand type guard is emitted). tools/jitgen generates exactly this
// shape from each builtin's Go body when the body is a simple fold.
func jitArith(op IROp) JITEmit {
	return func(b *IRBuilder, args []IRRef) (IRRef, error) {
		if len(args) < 2 {
			return 0, newError(KindNotYetImplemented, "jit fast path needs at least two operands")
		}
		acc := args[0]
		for _, arg := range args[1:] {
			acc = b.Binary(op, IRTypeAny, acc, arg)
		}
		return acc, nil
	}
}

func init() {
	Declare(&Declaration{
		"+", "adds two or more numbers",
		2, 1000,
		[]DeclarationParameter{{"value...", "number", "values to add"}},
		"number",
		func(a ...Value) Value {
			v := a[0]
			for _, x := range a[1:] {
				v = numericBinary(IRAdd, v, x)
			}
			return v
		},
		true, false, jitArith(IRAdd),
	})
	Declare(&Declaration{
		"-", "subtracts two or more numbers from the first one",
		2, 1000,
		[]DeclarationParameter{{"value...", "number", "values"}},
		"number",
		func(a ...Value) Value {
			v := a[0]
			for _, x := range a[1:] {
				v = numericBinary(IRSub, v, x)
			}
			return v
		},
		true, false, jitArith(IRSub),
	})
	Declare(&Declaration{
		"*", "multiplies two or more numbers",
		2, 1000,
		[]DeclarationParameter{{"value...", "number", "values"}},
		"number",
		func(a ...Value) Value {
			v := a[0]
			for _, x := range a[1:] {
				v = numericBinary(IRMul, v, x)
			}
			return v
		},
		true, false, jitArith(IRMul),
	})
	Declare(&Declaration{
		"/", "divides two or more numbers from the first one",
		2, 1000,
		[]DeclarationParameter{{"value...", "number", "values"}},
		"number",
		func(a ...Value) Value {
			v := a[0]
			for _, x := range a[1:] {
				v = numericBinary(IRDiv, v, x)
			}
			return v
		},
		true, false, jitArith(IRDiv),
	})
}
