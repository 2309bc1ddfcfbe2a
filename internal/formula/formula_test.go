package formula_test

import (
	"errors"
	"math"
	"testing"

	"tradeline/internal/formula"
)

func evalOK(t *testing.T, expr string, bindings map[string]float64) float64 {
	t.Helper()
	v, err := formula.Evaluate(expr, bindings)
	if err != nil {
		t.Fatalf("evaluate %q: %v", expr, err)
	}
	return v
}

func evalFail(t *testing.T, expr string, bindings map[string]float64) *formula.Failure {
	t.Helper()
	_, err := formula.Evaluate(expr, bindings)
	if err == nil {
		t.Fatalf("expected failure for %q", expr)
	}
	var f *formula.Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *formula.Failure, got %T", err)
	}
	return f
}

func TestBasicArithmetic(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 - 4 / 2", 8},
		{"-capital + 5", -99995},
		{"capital * rate", 5000},
		{"capital * rate / 12", 5000.0 / 12},
	}
	bindings := map[string]float64{"capital": 100000, "rate": 0.05}
	for _, c := range cases {
		if got := evalOK(t, c.expr, bindings); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%q = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestAmortizationFormula(t *testing.T) {
	// Standard annuity payment: capital * r / (1 - pow(1 + r, -n)).
	bindings := map[string]float64{"capital": 100000, "r": 0.004, "n": 60}
	got := evalOK(t, "capital * r / (1 - pow(1 + r, -n))", bindings)
	want := 100000 * 0.004 / (1 - math.Pow(1.004, -60))
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFunctions(t *testing.T) {
	if got := evalOK(t, "min(3, 2) + max(1, 5) + abs(-2) + round(2.6)", nil); got != 13 {
		t.Fatalf("got %v, want 13", got)
	}
}

func TestMissingVariable(t *testing.T) {
	f := evalFail(t, "capital * rate", map[string]float64{"capital": 100000})
	if f.Reason != formula.ReasonMissingVariable {
		t.Fatalf("reason = %s, want %s", f.Reason, formula.ReasonMissingVariable)
	}
}

func TestSyntaxErrors(t *testing.T) {
	for _, expr := range []string{"", "1 +", "(1 + 2", "1 2", "pow(1)", "min(1, 2, 3)"} {
		f := evalFail(t, expr, nil)
		if f.Reason != formula.ReasonSyntax {
			t.Errorf("%q: reason = %s, want %s", expr, f.Reason, formula.ReasonSyntax)
		}
	}
}

func TestDisallowedTokens(t *testing.T) {
	for _, expr := range []string{"a ^ b", "exec(1, 2)", "1 % 2", `x; y`} {
		f := evalFail(t, expr, map[string]float64{"a": 1, "b": 2, "x": 1, "y": 2})
		if f.Reason != formula.ReasonDisallowed {
			t.Errorf("%q: reason = %s, want %s", expr, f.Reason, formula.ReasonDisallowed)
		}
	}
}

func TestDomainErrors(t *testing.T) {
	f := evalFail(t, "1 / (a - a)", map[string]float64{"a": 3})
	if f.Reason != formula.ReasonDomain {
		t.Fatalf("division by zero: reason = %s, want %s", f.Reason, formula.ReasonDomain)
	}
	f = evalFail(t, "pow(-8, 0.5)", nil)
	if f.Reason != formula.ReasonDomain {
		t.Fatalf("fractional root of negative: reason = %s, want %s", f.Reason, formula.ReasonDomain)
	}
}

func TestDeterministic(t *testing.T) {
	bindings := map[string]float64{"capital": 250000, "rate": 0.0375}
	a := evalOK(t, "round(capital * rate)", bindings)
	b := evalOK(t, "round(capital * rate)", bindings)
	if a != b {
		t.Fatalf("non-deterministic result: %v vs %v", a, b)
	}
}
