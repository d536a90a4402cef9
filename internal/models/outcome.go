package models

import (
	"fmt"
	"strings"
)

// Outcome is the normalized result a gateway callback reports. The set is
// closed: every code the gateway contract defines maps to exactly one value.
type Outcome string

const (
	OutcomeProcessing     Outcome = "processing"
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeFailed         Outcome = "failed"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeDuplicateUse   Outcome = "duplicate_use"
)

// gatewayCodes maps raw gateway status codes, including the legacy hashed
// codes the gateway still emits, to their normalized outcome.
var gatewayCodes = map[string]Outcome{
	"processing":     OutcomeProcessing,
	"pending":        OutcomeProcessing,
	"succeeded":      OutcomeSucceeded,
	"success":        OutcomeSucceeded,
	"completed":      OutcomeSucceeded,
	"failed":         OutcomeFailed,
	"declined":       OutcomeFailed,
	"aei7p7yrx4ae34": OutcomeSucceeded,
	"bdi6p2yy76etrs": OutcomeProcessing,
	"fe2707etr5s4wq": OutcomeFailed,
	"cr5i3pgy9867e1": OutcomeDuplicateUse,
	"dtfi4p7yty45wq": OutcomeAmountMismatch,
	"eq3i7p5yt7645e": OutcomeAmountMismatch,
}

// ParseOutcome normalizes a raw gateway status code. Unknown codes are an error,
// never a silent no-op.
func ParseOutcome(code string) (Outcome, error) {
	o, ok := gatewayCodes[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return "", fmt.Errorf("unknown gateway status code %q", code)
	}
	return o, nil
}

// Terminal reports whether the outcome settles the payment.
func (o Outcome) Terminal() bool {
	return o != OutcomeProcessing
}

// TargetStatus is the payment status the outcome drives the state machine to.
func (o Outcome) TargetStatus() PaymentStatus {
	switch o {
	case OutcomeProcessing:
		return PaymentStatusProcessing
	case OutcomeSucceeded:
		return PaymentStatusSucceeded
	default:
		return PaymentStatusFailed
	}
}

// FailureReason is recorded on the payment when the outcome fails it.
func (o Outcome) FailureReason() string {
	switch o {
	case OutcomeFailed:
		return "declined"
	case OutcomeAmountMismatch, OutcomeDuplicateUse:
		return string(o)
	}
	return ""
}
