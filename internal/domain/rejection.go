package domain

import "fmt"

// RejectionKind classifies why an operation was refused.
type RejectionKind string

const (
	KindValidation    RejectionKind = "validation"
	KindInvariant     RejectionKind = "invariant"
	KindStateConflict RejectionKind = "state_conflict"
	KindNotFound      RejectionKind = "not_found"
	KindCalculation   RejectionKind = "calculation_failed"
)

// Rejection codes.
const (
	CodeStatusBlocked           = "StatusBlocked"
	CodeCeilingExceeded         = "CeilingExceeded"
	CodeThresholdExceeded       = "ThresholdExceeded"
	CodeGuaranteeExpiryTooEarly = "GuaranteeExpiryTooEarly"
	CodeAlreadyClosed           = "AlreadyClosed"
	CodeOutstandingBalance      = "OutstandingBalance"
	CodeTemplateNotFound        = "TemplateNotFound"
	CodeTemplateMissing         = "TemplateMissing"
	CodeEngagementNotFound      = "EngagementNotFound"
	CodeStepNotFound            = "StepNotFound"
	CodeCalculationFailed       = "CalculationFailed"
	CodeUnknownCategory         = "UnknownCategory"
	CodeDuplicateReference      = "DuplicateReference"
	CodeInvalidInput            = "InvalidInput"
)

// Rejection is the typed refusal returned by ledger and engine operations.
// Every rejection carries its kind, a stable code and a human-readable reason.
type Rejection struct {
	Kind   RejectionKind
	Code   string
	Reason string
}

func (r Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

func Reject(kind RejectionKind, code, format string, args ...any) Rejection {
	return Rejection{Kind: kind, Code: code, Reason: fmt.Sprintf(format, args...)}
}
