/*
errors.go - Error taxonomy for the billing engine

PURPOSE:
  Every engine failure falls into one of three categories so callers can
  map them without string matching:

    NotFound    enrollment, plan, installment or refund absent
    Conflict    the stored state forbids the transition
    Validation  the input was rejected before any transaction began

  Conflicts also unwrap to a reason sentinel (ErrAlreadyPaid, ...) so a
  caller can tell the cases apart with errors.Is.

USAGE:

    if errors.Is(err, billing.ErrAlreadyPaid) { ... }
    if billing.IsClientError(err) { ... 4xx ... }

SEE ALSO:
  - api/errors.go: HTTP status mapping
  - store.go: ErrDuplicate raised by stores
*/
package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// CATEGORY SENTINELS
// =============================================================================

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// CONFLICT REASONS - Use with errors.Is()
// =============================================================================

var (
	ErrPlanExists               = errors.New("payment plan already exists for this enrollment")
	ErrAlreadyPaid              = errors.New("installment already paid")
	ErrNotYetPaid               = errors.New("cannot update unpaid installment")
	ErrPaidInstallmentImmutable = errors.New("cannot modify a paid installment")
	ErrPlanHasPaidInstallments  = errors.New("cannot delete payment plan with paid installments")
	ErrRefundAlreadyProcessed   = errors.New("refund already processed")
	ErrRefundNotApproved        = errors.New("refund must be approved first")
	ErrDuplicateInstallment     = errors.New("installment number already used in this plan")
)

// ErrDuplicate is returned by stores when a unique constraint rejects a write.
var ErrDuplicate = errors.New("duplicate key")

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string // "enrollment", "payment plan", "installment", "refund"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError carries the reason sentinel and the resource it applies to.
type ConflictError struct {
	Reason   error
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s (%s %s)", e.Reason, e.Resource, e.ID)
}

func (e *ConflictError) Unwrap() []error { return []error{e.Reason, ErrConflict} }

func conflict(reason error, resource, id string) error {
	return &ConflictError{Reason: reason, Resource: resource, ID: id}
}

// ValidationError holds one message per rejected field, keyed by JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// =============================================================================
// HELPERS
// =============================================================================

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsClientError reports whether err was caused by the caller rather than
// by the engine or its storage.
func IsClientError(err error) bool {
	return IsNotFound(err) || IsConflict(err) || IsValidation(err)
}
