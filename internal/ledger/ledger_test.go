package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeline/internal/domain"
	"tradeline/internal/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newLedger(t *testing.T, thresholds map[string]decimal.Decimal) *ledger.Ledger {
	t.Helper()
	return ledger.New(domain.CreditLine{
		ID:           "cl-1",
		Ceiling:      dec("100000"),
		Currency:     "EUR",
		StartDate:    "2024-01-01",
		ExpiryDate:   "2026-01-01",
		Status:       domain.CreditLineOpen,
		Thresholds:   thresholds,
		MaxTolerance: dec("0"),
	}, nil)
}

func rejection(t *testing.T, err error) domain.Rejection {
	t.Helper()
	if err == nil {
		t.Fatal("expected rejection")
	}
	var r domain.Rejection
	if !errors.As(err, &r) {
		t.Fatalf("expected domain.Rejection, got %T", err)
	}
	return r
}

func TestThresholdExceeded(t *testing.T) {
	// Scenario: stock capped at 50000 under a 100000 ceiling.
	l := newLedger(t, map[string]decimal.Decimal{"stock": dec("50000")})
	if err := l.DrawDown(dec("40000"), "stock"); err != nil {
		t.Fatalf("first draw: %v", err)
	}
	r := rejection(t, l.DrawDown(dec("20000"), "stock"))
	if r.Code != domain.CodeThresholdExceeded {
		t.Fatalf("code = %s, want %s", r.Code, domain.CodeThresholdExceeded)
	}
	// Rejection must not have partially applied.
	if !l.Line.TotalConsumed.Equal(dec("40000")) {
		t.Fatalf("total = %s after rejection, want 40000", l.Line.TotalConsumed)
	}
	if !l.Line.Consumed["stock"].Equal(dec("40000")) {
		t.Fatalf("stock = %s after rejection, want 40000", l.Line.Consumed["stock"])
	}
}

func TestCeilingExceeded(t *testing.T) {
	l := newLedger(t, map[string]decimal.Decimal{"stock": dec("50000")})
	if err := l.DrawDown(dec("40000"), "stock"); err != nil {
		t.Fatal(err)
	}
	// invoice has no threshold, only the global ceiling applies.
	if err := l.DrawDown(dec("60000"), "invoice"); err != nil {
		t.Fatalf("invoice draw: %v", err)
	}
	if !l.Line.TotalConsumed.Equal(dec("100000")) {
		t.Fatalf("total = %s, want 100000", l.Line.TotalConsumed)
	}
	r := rejection(t, l.DrawDown(dec("1"), "invoice"))
	if r.Code != domain.CodeCeilingExceeded {
		t.Fatalf("code = %s, want %s", r.Code, domain.CodeCeilingExceeded)
	}
}

func TestToleranceAllowsOverCeiling(t *testing.T) {
	l := newLedger(t, nil)
	l.Line.MaxTolerance = dec("5000")
	if err := l.DrawDown(dec("104000"), "invoice"); err != nil {
		t.Fatalf("draw within tolerance: %v", err)
	}
	r := rejection(t, l.DrawDown(dec("2000"), "invoice"))
	if r.Code != domain.CodeCeilingExceeded {
		t.Fatalf("code = %s, want %s", r.Code, domain.CodeCeilingExceeded)
	}
}

func TestTotalMatchesCategorySum(t *testing.T) {
	l := newLedger(t, nil)
	draws := []struct {
		amount   string
		category string
	}{
		{"10000", "stock"}, {"2500", "invoice"}, {"300", "stock"}, {"42", "documentary"},
	}
	for _, d := range draws {
		if err := l.DrawDown(dec(d.amount), d.category); err != nil {
			t.Fatalf("draw %s on %s: %v", d.amount, d.category, err)
		}
	}
	sum := decimal.Zero
	for _, v := range l.Line.Consumed {
		sum = sum.Add(v)
	}
	if !sum.Equal(l.Line.TotalConsumed) {
		t.Fatalf("sum of categories %s != total %s", sum, l.Line.TotalConsumed)
	}
}

func TestStatusTransitions(t *testing.T) {
	l := newLedger(t, nil)
	if err := l.DrawDown(dec("1"), "stock"); err != nil {
		t.Fatal(err)
	}
	if l.Line.Status != domain.CreditLineInUse {
		t.Fatalf("status = %s, want %s", l.Line.Status, domain.CreditLineInUse)
	}
	if err := l.Suspend(); err != nil {
		t.Fatal(err)
	}
	r := rejection(t, l.DrawDown(dec("1"), "stock"))
	if r.Code != domain.CodeStatusBlocked {
		t.Fatalf("code = %s, want %s", r.Code, domain.CodeStatusBlocked)
	}
}

func TestCloseRequiresZeroBalance(t *testing.T) {
	l := newLedger(t, nil)
	if err := l.DrawDown(dec("10"), "stock"); err != nil {
		t.Fatal(err)
	}
	r := rejection(t, l.Close())
	if r.Code != domain.CodeOutstandingBalance {
		t.Fatalf("code = %s, want %s", r.Code, domain.CodeOutstandingBalance)
	}

	fresh := newLedger(t, nil)
	if err := fresh.Close(); err != nil {
		t.Fatalf("close with zero balance: %v", err)
	}
	if fresh.Line.Status != domain.CreditLineClosed {
		t.Fatalf("status = %s, want %s", fresh.Line.Status, domain.CreditLineClosed)
	}
	r = rejection(t, fresh.Suspend())
	if r.Code != domain.CodeAlreadyClosed {
		t.Fatalf("code = %s, want %s", r.Code, domain.CodeAlreadyClosed)
	}
}

func TestAttachGuarantee(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	l := newLedger(t, nil)

	// Expiry before the line's expiry is rejected.
	r := rejection(t, l.AttachGuarantee(domain.Guarantee{
		Type: "mortgage", Amount: dec("50000"), ExpiryDate: "2025-06-01",
	}, now))
	if r.Code != domain.CodeGuaranteeExpiryTooEarly {
		t.Fatalf("code = %s, want %s", r.Code, domain.CodeGuaranteeExpiryTooEarly)
	}

	// Boundary case: guarantee expiring exactly at line expiry succeeds.
	if err := l.AttachGuarantee(domain.Guarantee{
		Type: "mortgage", Amount: dec("50000"), ExpiryDate: "2026-01-01",
	}, now); err != nil {
		t.Fatalf("boundary attach: %v", err)
	}
	if len(l.Guarantees) != 1 {
		t.Fatalf("guarantees = %d, want 1", len(l.Guarantees))
	}

	r = rejection(t, l.AttachGuarantee(domain.Guarantee{
		Type: "pledge", Amount: dec("0"), ExpiryDate: "2026-06-01",
	}, now))
	if r.Kind != domain.KindValidation {
		t.Fatalf("kind = %s, want %s", r.Kind, domain.KindValidation)
	}
}

func TestGuaranteeValidAt(t *testing.T) {
	g := domain.Guarantee{ExpiryDate: "2026-01-01"}
	if !ledger.GuaranteeValidAt(g, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("guarantee should be valid on its expiry date")
	}
	if ledger.GuaranteeValidAt(g, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("guarantee should be invalid after expiry")
	}
}

func TestValidateNew(t *testing.T) {
	bad := domain.CreditLine{Ceiling: dec("100"), StartDate: "2025-01-01", ExpiryDate: "2024-01-01"}
	if err := ledger.ValidateNew(bad); err == nil {
		t.Fatal("expected rejection for expiry before start")
	}
	neg := domain.CreditLine{Ceiling: dec("-1"), StartDate: "2024-01-01", ExpiryDate: "2025-01-01"}
	if err := ledger.ValidateNew(neg); err == nil {
		t.Fatal("expected rejection for negative ceiling")
	}
	ok := domain.CreditLine{Ceiling: dec("100"), StartDate: "2024-01-01", ExpiryDate: "2025-01-01"}
	if err := ledger.ValidateNew(ok); err != nil {
		t.Fatalf("valid line rejected: %v", err)
	}
}

func TestAvailable(t *testing.T) {
	l := newLedger(t, nil)
	if err := l.DrawDown(dec("30000"), "stock"); err != nil {
		t.Fatal(err)
	}
	if !l.Available().Equal(dec("70000")) {
		t.Fatalf("available = %s, want 70000", l.Available())
	}
}
