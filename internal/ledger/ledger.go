// Package ledger holds the credit-line aggregate: ceiling, per-category
// thresholds, tolerance band and guarantee checks. It is pure in-memory
// state; persistence and event emission belong to the engine.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeline/internal/domain"
)

const dateLayout = "2006-01-02"

// Ledger wraps a credit line and its guarantees for invariant-checked mutation.
// Check-then-apply is atomic: a rejected operation leaves the state untouched.
type Ledger struct {
	Line       domain.CreditLine
	Guarantees []domain.Guarantee
}

func New(line domain.CreditLine, guarantees []domain.Guarantee) *Ledger {
	if line.Thresholds == nil {
		line.Thresholds = map[string]decimal.Decimal{}
	}
	if line.Consumed == nil {
		line.Consumed = map[string]decimal.Decimal{}
	}
	return &Ledger{Line: line, Guarantees: guarantees}
}

// ValidateNew checks the creation-time invariants of a credit line.
func ValidateNew(line domain.CreditLine) error {
	if line.Ceiling.IsNegative() {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "ceiling must not be negative")
	}
	start, err := time.Parse(dateLayout, line.StartDate)
	if err != nil {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "invalid start date %q", line.StartDate)
	}
	expiry, err := time.Parse(dateLayout, line.ExpiryDate)
	if err != nil {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "invalid expiry date %q", line.ExpiryDate)
	}
	if !expiry.After(start) {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "expiry date must be after start date")
	}
	if line.MaxTolerance.IsNegative() || line.MinTolerance.IsNegative() {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "tolerances must not be negative")
	}
	return nil
}

// DrawDown consumes capacity against the ceiling and the category threshold.
func (l *Ledger) DrawDown(amount decimal.Decimal, category string) error {
	switch l.Line.Status {
	case domain.CreditLineClosed, domain.CreditLineSuspended:
		return domain.Reject(domain.KindStateConflict, domain.CodeStatusBlocked,
			"credit line %s is %s", l.Line.ID, l.Line.Status)
	}
	if !amount.IsPositive() {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "draw amount must be positive")
	}
	if category == "" {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "draw category is required")
	}
	newTotal := l.Line.TotalConsumed.Add(amount)
	limit := l.Line.Ceiling.Add(l.Line.MaxTolerance)
	if newTotal.GreaterThan(limit) {
		return domain.Reject(domain.KindInvariant, domain.CodeCeilingExceeded,
			"draw of %s would bring consumption to %s, above ceiling %s plus tolerance %s",
			amount, newTotal, l.Line.Ceiling, l.Line.MaxTolerance)
	}
	threshold, hasThreshold := l.Line.Thresholds[category]
	newCategory := l.Line.Consumed[category].Add(amount)
	if hasThreshold && threshold.IsPositive() && newCategory.GreaterThan(threshold) {
		return domain.Reject(domain.KindInvariant, domain.CodeThresholdExceeded,
			"draw of %s on %s would bring category consumption to %s, above threshold %s",
			amount, category, newCategory, threshold)
	}

	l.Line.Consumed[category] = newCategory
	l.Line.TotalConsumed = newTotal
	if l.Line.Status == domain.CreditLineOpen && l.Line.TotalConsumed.IsPositive() {
		l.Line.Status = domain.CreditLineInUse
	}
	return nil
}

// AttachGuarantee appends a guarantee after checking its invariants against
// the line. now is the creation instant used for the future-expiry check.
func (l *Ledger) AttachGuarantee(g domain.Guarantee, now time.Time) error {
	if !g.Amount.IsPositive() {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "guarantee amount must be positive")
	}
	gExpiry, err := time.Parse(dateLayout, g.ExpiryDate)
	if err != nil {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "invalid guarantee expiry date %q", g.ExpiryDate)
	}
	if !gExpiry.After(now.Truncate(24 * time.Hour)) {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "guarantee expiry must be in the future")
	}
	lineExpiry, err := time.Parse(dateLayout, l.Line.ExpiryDate)
	if err != nil {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "invalid credit line expiry date %q", l.Line.ExpiryDate)
	}
	if gExpiry.Before(lineExpiry) {
		return domain.Reject(domain.KindInvariant, domain.CodeGuaranteeExpiryTooEarly,
			"guarantee expires %s, before credit line expiry %s", g.ExpiryDate, l.Line.ExpiryDate)
	}
	l.Guarantees = append(l.Guarantees, g)
	return nil
}

// Suspend moves the line to suspended. The reason travels with the emitted
// event, not with the aggregate state.
func (l *Ledger) Suspend() error {
	if l.Line.Status == domain.CreditLineClosed {
		return domain.Reject(domain.KindStateConflict, domain.CodeAlreadyClosed,
			"credit line %s is already closed", l.Line.ID)
	}
	l.Line.Status = domain.CreditLineSuspended
	return nil
}

// Close is terminal and only allowed at zero consumption.
func (l *Ledger) Close() error {
	if l.Line.TotalConsumed.IsPositive() {
		return domain.Reject(domain.KindStateConflict, domain.CodeOutstandingBalance,
			"credit line %s has outstanding balance %s", l.Line.ID, l.Line.TotalConsumed)
	}
	l.Line.Status = domain.CreditLineClosed
	return nil
}

// Available returns remaining capacity under the ceiling.
func (l *Ledger) Available() decimal.Decimal {
	return l.Line.Available()
}

// GuaranteeValidAt reports whether a guarantee still covers the given date.
func GuaranteeValidAt(g domain.Guarantee, date time.Time) bool {
	expiry, err := time.Parse(dateLayout, g.ExpiryDate)
	if err != nil {
		return false
	}
	return !expiry.Before(date.Truncate(24 * time.Hour))
}
