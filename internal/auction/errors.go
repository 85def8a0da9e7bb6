package auction

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// Rejection codes carried by ValidationError.
const (
	CodeBidTooLow         = "BID_TOO_LOW"
	CodeBidInvalid        = "BID_INVALID"
	CodeAuctionNotActive  = "AUCTION_NOT_ACTIVE"
	CodeAuctionNotOpen    = "AUCTION_NOT_OPEN"
	CodeAuctionNotEnded   = "AUCTION_NOT_ENDED"
	CodeInvalidAmount     = "INVALID_AMOUNT"
	CodeInvalidAuction    = "INVALID_AUCTION"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNotRetractable    = "NOT_RETRACTABLE"
	CodeInvalidRule       = "INVALID_RULE"
	CodeInvalidScope      = "INVALID_SCOPE"
)

// ValidationError reports bad input: a malformed bid, an illegal amount or
// an operation the current auction state does not allow.
type ValidationError struct {
	Field  string
	Code   string
	Reason string
}

func NewValidationError(field, code, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Code: code, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s (%s): %s", e.Field, e.Code, e.Reason)
}

// BusinessRuleError is returned when a blocking rule fails during bid
// admission.
type BusinessRuleError struct {
	RuleID      uuid.UUID
	RuleCode    string
	Severity    string
	Expected    string
	Actual      string
	ViolationID uuid.UUID
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("rule %s (%s) failed: expected %s, got %s", e.RuleCode, e.Severity, e.Expected, e.Actual)
}

// ConcurrencyConflict signals that a row changed between read and write.
// The caller must re-read and retry; nothing was written.
type ConcurrencyConflict struct {
	Entity          string
	ID              uuid.UUID
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("%s %s: version conflict (expected %d, found %d)",
		e.Entity, e.ID, e.ExpectedVersion, e.ActualVersion)
}

// InfrastructureError wraps failures of the store, bus or cache.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// Infra wraps err as an InfrastructureError unless it is nil or already a
// domain error.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve *ValidationError
		be *BusinessRuleError
		ce *ConcurrencyConflict
		ie *InfrastructureError
	)
	if errors.As(err, &ve) || errors.As(err, &be) || errors.As(err, &ce) ||
		errors.As(err, &ie) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsConflict reports whether err is a ConcurrencyConflict.
func IsConflict(err error) bool {
	var ce *ConcurrencyConflict
	return errors.As(err, &ce)
}
