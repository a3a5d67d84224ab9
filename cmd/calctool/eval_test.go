// ABOUTME: Tests for the arithmetic expression evaluator.
// ABOUTME: Covers precedence, parentheses, unary minus, whitespace, and malformed input.
package main

import (
	"math"
	"testing"
)

func TestEvalExpression(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"1+2", 3},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"-5+3", -2},
		{"--4", 4},
		{"2 * ( 1 + 1 )", 4},
		{"3.5*2", 7},
		{"1-2-3", -4},
		{"8/2/2", 2},
	}
	for _, tc := range cases {
		got, err := evalExpression(tc.expr)
		if err != nil {
			t.Errorf("evalExpression(%q) error: %v", tc.expr, err)
			continue
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("evalExpression(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalExpressionErrors(t *testing.T) {
	cases := []string{
		"",
		"1+",
		"(1+2",
		"1/0",
		"abc",
		"1 2",
	}
	for _, expr := range cases {
		if _, err := evalExpression(expr); err == nil {
			t.Errorf("evalExpression(%q) expected error", expr)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{3, "3"},
		{2.5, "2.5"},
		{-7, "-7"},
	}
	for _, tc := range cases {
		if got := formatNumber(tc.in); got != tc.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
