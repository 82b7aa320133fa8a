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

func TestBigIntAddSub(t *testing.T) {
	cases := []struct{ a, b, wantAdd, wantSub int64 }{
		{3, 4, 7, -1},
		{-3, 4, 1, -7},
		{3, -4, -1, 7},
		{-3, -4, -7, 1},
		{0, 0, 0, 0},
		{100, -100, 0, 200},
	}
	for _, c := range cases {
		a, b := bigIntFromInt64(c.a), bigIntFromInt64(c.b)
		if got := BigIntAdd(a, b).ToString(); got != bigIntFromInt64(c.wantAdd).ToString() {
			t.Errorf("Add(%d,%d) = %s, want %d", c.a, c.b, got, c.wantAdd)
		}
		if got := BigIntSub(a, b).ToString(); got != bigIntFromInt64(c.wantSub).ToString() {
			t.Errorf("Sub(%d,%d) = %s, want %d", c.a, c.b, got, c.wantSub)
		}
	}
}

func TestBigIntMul(t *testing.T) {
	cases := []struct{ a, b, want int64 }{
		{7, 6, 42},
		{-7, 6, -42},
		{-7, -6, 42},
		{0, 999, 0},
		{123456789, 987654321, 121932631112635269},
	}
	for _, c := range cases {
		got := BigIntMul(bigIntFromInt64(c.a), bigIntFromInt64(c.b)).ToString()
		want := bigIntFromInt64(c.want).ToString()
		if got != want {
			t.Errorf("Mul(%d,%d) = %s, want %s", c.a, c.b, got, want)
		}
	}
}

func TestBigIntDivMod(t *testing.T) {
	cases := []struct{ a, b, wantQ, wantMod int64 }{
		{17, 5, 3, 2},
		{-17, 5, -3, 3},
		{17, -5, -3, -3},
		{-17, -5, 3, -2},
		{100, 10, 10, 0},
	}
	for _, c := range cases {
		q, _ := BigIntDivMod(bigIntFromInt64(c.a), bigIntFromInt64(c.b))
		if got := q.ToString(); got != bigIntFromInt64(c.wantQ).ToString() {
			t.Errorf("DivMod(%d,%d) quotient = %s, want %d", c.a, c.b, got, c.wantQ)
		}
		m := BigIntMod(bigIntFromInt64(c.a), bigIntFromInt64(c.b))
		if got := m.ToString(); got != bigIntFromInt64(c.wantMod).ToString() {
			t.Errorf("Mod(%d,%d) = %s, want %d", c.a, c.b, got, c.wantMod)
		}
	}
}

func TestBigIntDivisionByZeroPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on division by zero")
		}
	}()
	BigIntDivMod(bigIntFromInt64(1), bigIntFromInt64(0))
}

func TestBigIntPow(t *testing.T) {
	got := BigIntPow(bigIntFromInt64(2), 64).ToString()
	want := "18446744073709551616"
	if got != want {
		t.Errorf("2^64 = %s, want %s", got, want)
	}
	if got := BigIntPow(bigIntFromInt64(-2), 3).ToString(); got != "-8" {
		t.Errorf("(-2)^3 = %s, want -8", got)
	}
}

func TestBigIntStringRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "-1", "123456789012345678901234567890", "-999999999999999999999999"} {
		b := BigIntFromString(s)
		if got := b.ToString(); got != s {
			t.Errorf("round-trip %q -> %q", s, got)
		}
	}
}

func TestBigIntCompare(t *testing.T) {
	cases := []struct {
		a, b int64
		want int
	}{
		{1, 2, -1}, {2, 1, 1}, {2, 2, 0}, {-1, 1, -1}, {-5, -3, -1}, {0, 0, 0},
	}
	for _, c := range cases {
		if got := bigIntFromInt64(c.a).Compare(bigIntFromInt64(c.b)); got != c.want {
			t.Errorf("Compare(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestBigIntValueRoundTrip(t *testing.T) {
	b := BigIntFromString("340282366920938463463374607431768211456") // 2^128
	v := NewBigInt(b)
	if !v.IsBigInt() {
		t.Fatal("expected IsBigInt")
	}
	if got := v.BigInt().ToString(); got != "340282366920938463463374607431768211456" {
		t.Errorf("round-trip through Value: %s", got)
	}
	if v.String() != "340282366920938463463374607431768211456" {
		t.Errorf("Value.String() = %s", v.String())
	}
}
